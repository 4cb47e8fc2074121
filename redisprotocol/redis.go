package redisprotocol

import (
	"context"
	"fmt"
	"net"
	"sync"

	logger "github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"

	"github.com/luoyjx/arcade-kv/network/protocol"
	"github.com/luoyjx/arcade-kv/server"
	"github.com/luoyjx/arcade-kv/storage"
)

// RedisServer handles Redis protocol communication in front of a dispatcher
type RedisServer struct {
	dispatcher *server.Dispatcher
	log        *logger.Entry

	mu     sync.Mutex
	srv    *redcon.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisServer creates a new Redis protocol server
func NewRedisServer(d *server.Dispatcher) *RedisServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisServer{
		dispatcher: d,
		log:        logger.WithField("component", "redisprotocol"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start starts the Redis protocol server and blocks until it is closed
func (rs *RedisServer) Start(addr string) error {
	return rs.ListenAndServe(addr, nil)
}

// ListenAndServe serves addr until Close. When signal is not nil it receives
// nil once the listener is bound, or the listen error.
func (rs *RedisServer) ListenAndServe(addr string, signal chan error) error {
	srv := redcon.NewServer(addr,
		rs.handleCommand,
		rs.handleConnect,
		rs.handleDisconnect,
	)

	rs.mu.Lock()
	rs.srv = srv
	rs.mu.Unlock()

	rs.log.WithField("addr", addr).Info("RESP front end listening")
	return srv.ListenServeAndSignal(signal)
}

// Addr returns the bound listener address, or nil before the server starts
func (rs *RedisServer) Addr() net.Addr {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.srv == nil {
		return nil
	}
	return rs.srv.Addr()
}

// Close stops accepting connections and cancels in-flight batches
func (rs *RedisServer) Close() error {
	rs.cancel()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.srv == nil {
		return nil
	}
	return rs.srv.Close()
}

// handleCommand serves cmd together with every command the client has
// already pipelined behind it.
func (rs *RedisServer) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	batch := []protocol.Command{toCommand(cmd)}
	for _, next := range conn.ReadPipeline() {
		batch = append(batch, toCommand(next))
	}

	if !dispatchable(batch) {
		for _, c := range batch {
			rs.serveOne(conn, c)
		}
		return
	}

	replies, err := rs.dispatcher.Pipeline(rs.ctx, batch)
	if err != nil {
		// validated above, so this only happens if the vocabulary changed
		for range batch {
			writeError(conn, err)
		}
		return
	}
	for _, r := range replies {
		writeReply(conn, r)
	}
}

// dispatchable reports whether the whole batch can go to the dispatcher
// as one unit.
func dispatchable(batch []protocol.Command) bool {
	for _, c := range batch {
		if isLocal(c) || storage.Validate(c) != nil {
			return false
		}
	}
	return true
}

func isLocal(c protocol.Command) bool {
	switch c.Name() {
	case "PING", "ECHO", "QUIT":
		return true
	}
	return false
}

func (rs *RedisServer) serveOne(conn redcon.Conn, c protocol.Command) {
	switch c.Name() {
	case "PING":
		switch c.Len() {
		case 1:
			conn.WriteString("PONG")
		case 2:
			conn.WriteBulkString(c.Arg(1))
		default:
			conn.WriteError("ERR wrong number of arguments for 'ping' command")
		}
		return

	case "ECHO":
		if c.Len() != 2 {
			conn.WriteError("ERR wrong number of arguments for 'echo' command")
			return
		}
		conn.WriteBulkString(c.Arg(1))
		return

	case "QUIT":
		conn.WriteString("OK")
		conn.Close()
		return
	}

	reply, err := rs.dispatcher.Exec(rs.ctx, c)
	if err != nil {
		writeError(conn, err)
		return
	}
	writeReply(conn, reply)
}

func toCommand(cmd redcon.Command) protocol.Command {
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = string(a)
	}
	return protocol.CommandFromArgs(args)
}

func writeError(conn redcon.Conn, err error) {
	conn.WriteError(fmt.Sprintf("ERR %v", err))
}

// writeReply writes r with redcon's writers, recursing into arrays
func writeReply(conn redcon.Conn, r protocol.Reply) {
	switch r.Kind {
	case protocol.KindNull:
		conn.WriteNull()
	case protocol.KindStatus:
		conn.WriteString(r.Str)
	case protocol.KindError:
		conn.WriteError(r.Str)
	case protocol.KindInteger:
		conn.WriteInt64(r.Int)
	case protocol.KindBulk:
		conn.WriteBulkString(r.Str)
	case protocol.KindArray:
		conn.WriteArray(len(r.Elems))
		for _, e := range r.Elems {
			writeReply(conn, e)
		}
	}
}

// handleConnect handles new client connections
func (rs *RedisServer) handleConnect(conn redcon.Conn) bool {
	rs.log.WithField("remote", conn.RemoteAddr()).Debug("client connected")
	return true
}

// handleDisconnect handles client disconnections
func (rs *RedisServer) handleDisconnect(conn redcon.Conn, err error) {
	entry := rs.log.WithField("remote", conn.RemoteAddr())
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("client disconnected")
}
