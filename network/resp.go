package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/luoyjx/arcade-kv/network/protocol"
)

// RESPTransport speaks RESP over a plain TCP connection. Every batch dials
// its own connection and closes it when done, so no read buffer is ever
// shared between batches.
type RESPTransport struct {
	opts   Options
	dialer net.Dialer
	log    *logger.Entry
}

// NewRESPTransport creates a transport for the endpoint in opts
func NewRESPTransport(opts Options) *RESPTransport {
	return &RESPTransport{
		opts: opts,
		log:  logger.WithFields(logger.Fields{"component": "transport", "transport": KindRESP, "addr": opts.Addr}),
	}
}

// Name implements Transport
func (t *RESPTransport) Name() string { return KindRESP }

// Close implements Transport. Connections are per batch, so there is
// nothing to release.
func (t *RESPTransport) Close() error { return nil }

// Do implements Transport
func (t *RESPTransport) Do(ctx context.Context, cmds []protocol.Command) ([]protocol.Reply, error) {
	if len(cmds) == 0 {
		return []protocol.Reply{}, nil
	}

	deadline := time.Now().Add(t.opts.timeout())
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, wrap(ErrConnect, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, wrap(ErrConnect, err)
	}
	// cancellation from the caller unblocks any pending read or write
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	batch := cmds
	if auth, ok := t.authCommand(); ok {
		batch = append([]protocol.Command{auth}, cmds...)
	}

	codec := protocol.NewCodec(conn)
	if err := codec.WriteCommands(batch...); err != nil {
		return nil, t.failure(ctx, ErrWrite, err)
	}

	replies, err := codec.ReadReplies(len(batch))
	if err != nil {
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: got %d of %d replies", ErrStreamClosed, len(replies), len(batch))
		case errors.Is(err, protocol.ErrInvalidProtocol):
			return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
		default:
			return nil, t.failure(ctx, ErrRead, err)
		}
	}

	if len(batch) != len(cmds) {
		if replies[0].IsError() {
			return nil, fmt.Errorf("%w: %s", ErrAuth, replies[0].Str)
		}
		replies = replies[1:]
	}
	if err := checkReplies(cmds, replies); err != nil {
		return nil, err
	}

	t.log.WithField("commands", len(cmds)).Debug("batch served by remote store")
	return replies, nil
}

func (t *RESPTransport) dial(ctx context.Context) (net.Conn, error) {
	if t.opts.TLSConfig == nil {
		return t.dialer.DialContext(ctx, "tcp", t.opts.Addr)
	}
	d := tls.Dialer{NetDialer: &t.dialer, Config: t.opts.TLSConfig}
	return d.DialContext(ctx, "tcp", t.opts.Addr)
}

func (t *RESPTransport) authCommand() (protocol.Command, bool) {
	if t.opts.Password == "" {
		return protocol.Command{}, false
	}
	if t.opts.Username != "" {
		return protocol.NewCommand("AUTH", t.opts.Username, t.opts.Password), true
	}
	return protocol.NewCommand("AUTH", t.opts.Password), true
}

// failure classifies an I/O error. A deadline forced by caller
// cancellation is reported as the context error.
func (t *RESPTransport) failure(ctx context.Context, kind error, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", kind, ctxErr)
	}
	return wrap(kind, err)
}
