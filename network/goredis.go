package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

// GoRedisTransport executes batches through a managed go-redis client. The
// client pools connections, but each pipeline holds its connection for the
// whole exchange, so batches never share a read buffer.
type GoRedisTransport struct {
	client *redis.Client
	opts   Options
	log    *logger.Entry
}

// NewGoRedisTransport creates a go-redis backed transport. No connection is
// made until the first batch.
func NewGoRedisTransport(opts Options) *GoRedisTransport {
	timeout := opts.timeout()
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		Protocol:     2,
		TLSConfig:    opts.TLSConfig,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		// failover is decided one level up; never retry here
		MaxRetries: -1,
	})
	return &GoRedisTransport{
		client: client,
		opts:   opts,
		log:    logger.WithFields(logger.Fields{"component": "transport", "transport": KindGoRedis, "addr": opts.Addr}),
	}
}

// Name implements Transport
func (t *GoRedisTransport) Name() string { return KindGoRedis }

// Close implements Transport
func (t *GoRedisTransport) Close() error { return t.client.Close() }

// Do implements Transport
func (t *GoRedisTransport) Do(ctx context.Context, cmds []protocol.Command) ([]protocol.Reply, error) {
	if len(cmds) == 0 {
		return []protocol.Reply{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.timeout())
	defer cancel()

	pipe := t.client.Pipeline()
	pending := make([]*redis.Cmd, len(cmds))
	for i, c := range cmds {
		args := make([]interface{}, c.Len())
		for j := range args {
			args[j] = c.Arg(j)
		}
		pending[i] = pipe.Do(ctx, args...)
	}
	// Exec reports the first failed command; per-command results are
	// inspected below instead.
	_, _ = pipe.Exec(ctx)

	replies := make([]protocol.Reply, len(cmds))
	for i, c := range pending {
		val, err := c.Result()
		switch {
		case errors.Is(err, redis.Nil):
			replies[i] = protocol.Null()
		case err != nil:
			var rerr redis.Error
			if errors.As(err, &rerr) {
				if isAuthFailure(rerr.Error()) {
					return nil, fmt.Errorf("%w: %s", ErrAuth, rerr.Error())
				}
				return nil, &RemoteError{Index: i, Command: cmds[i].Name(), Message: rerr.Error()}
			}
			return nil, classifyGoRedis(err)
		default:
			r, err := fromGoRedis(val)
			if err != nil {
				return nil, err
			}
			replies[i] = r
		}
	}
	if err := checkReplies(cmds, replies); err != nil {
		return nil, err
	}

	t.log.WithField("commands", len(cmds)).Debug("batch served by remote store")
	return replies, nil
}

func classifyGoRedis(err error) error {
	var opErr *net.OpError
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return fmt.Errorf("%w: %v", ErrConnect, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %v", ErrConnect, err)
	default:
		return fmt.Errorf("%w: %v", ErrRead, err)
	}
}

// isAuthFailure spots the errors go-redis surfaces when the AUTH it sends on
// connect is refused
func isAuthFailure(msg string) bool {
	return strings.HasPrefix(msg, "WRONGPASS") || strings.HasPrefix(msg, "NOAUTH")
}

// fromGoRedis maps a value decoded by go-redis onto the Reply union. Status
// and bulk strings both arrive as Go strings and become bulk replies.
func fromGoRedis(v interface{}) (protocol.Reply, error) {
	switch x := v.(type) {
	case nil:
		return protocol.Null(), nil
	case string:
		return protocol.Bulk(x), nil
	case int64:
		return protocol.Integer(x), nil
	case []interface{}:
		elems := make([]protocol.Reply, len(x))
		for i, e := range x {
			r, err := fromGoRedis(e)
			if err != nil {
				return protocol.Reply{}, err
			}
			elems[i] = r
		}
		return protocol.Array(elems...), nil
	case redis.Error:
		return protocol.Error(x.Error()), nil
	default:
		return protocol.Reply{}, fmt.Errorf("%w: unexpected value of type %T", ErrMalformedReply, v)
	}
}
