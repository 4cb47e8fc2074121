// Package network executes command batches against the remote store. A
// Transport pipelines a whole batch into one round trip and reports every
// failure as one of the sentinel errors in errors.go; deciding what to do
// about a failure is left to the caller.
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

// Transport executes a batch against a remote store and returns one reply
// per command, in submission order, or fails as a whole.
type Transport interface {
	Do(ctx context.Context, cmds []protocol.Command) ([]protocol.Reply, error)
	Name() string
	Close() error
}

// Transport kinds selectable by configuration
const (
	KindRESP    = "resp"
	KindGoRedis = "goredis"
)

// DefaultTimeout bounds a whole batch, measured from the connection attempt
const DefaultTimeout = 3 * time.Second

// Options holds the remote endpoint parameters shared by all transports
type Options struct {
	Addr     string
	Username string
	Password string
	Timeout  time.Duration
	// TLSConfig enables TLS when set
	TLSConfig *tls.Config
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// New builds the transport named by kind
func New(kind string, opts Options) (Transport, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("network: remote address is required")
	}
	switch strings.ToLower(kind) {
	case "", KindRESP:
		return NewRESPTransport(opts), nil
	case KindGoRedis:
		return NewGoRedisTransport(opts), nil
	default:
		return nil, fmt.Errorf("network: unknown transport %q", kind)
	}
}

// Ping checks that the remote store answers a PING through t
func Ping(ctx context.Context, t Transport) error {
	replies, err := t.Do(ctx, []protocol.Command{protocol.NewCommand("PING")})
	if err != nil {
		return err
	}
	if s, ok := replies[0].Text(); !ok || !strings.EqualFold(s, "PONG") {
		return fmt.Errorf("%w: unexpected PING reply %s", ErrMalformedReply, replies[0])
	}
	return nil
}

// checkReplies turns the first error frame of a batch, at any nesting
// depth, into a RemoteError
func checkReplies(cmds []protocol.Command, replies []protocol.Reply) error {
	if len(replies) != len(cmds) {
		return fmt.Errorf("%w: got %d replies for %d commands", ErrMalformedReply, len(replies), len(cmds))
	}
	for i, r := range replies {
		if msg, ok := firstError(r); ok {
			return &RemoteError{Index: i, Command: cmds[i].Name(), Message: msg}
		}
	}
	return nil
}

func firstError(r protocol.Reply) (string, bool) {
	switch r.Kind {
	case protocol.KindError:
		return r.Str, true
	case protocol.KindArray:
		for _, e := range r.Elems {
			if msg, ok := firstError(e); ok {
				return msg, true
			}
		}
	}
	return "", false
}
