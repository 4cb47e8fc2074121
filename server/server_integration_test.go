package server_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"

	"github.com/luoyjx/arcade-kv/metrics"
	"github.com/luoyjx/arcade-kv/network"
	"github.com/luoyjx/arcade-kv/network/protocol"
	"github.com/luoyjx/arcade-kv/server"
	"github.com/luoyjx/arcade-kv/storage"
)

// remoteStore is a RESP server backed by its own storage.Store, standing in
// for a real remote store.
type remoteStore struct {
	srv   *redcon.Server
	store *storage.Store
}

func startRemoteStore(t *testing.T) *remoteStore {
	t.Helper()
	rs := &remoteStore{store: storage.NewStore(storage.Options{})}
	rs.srv = redcon.NewServer("127.0.0.1:0",
		func(conn redcon.Conn, cmd redcon.Command) {
			args := make([]string, len(cmd.Args))
			for i, a := range cmd.Args {
				args[i] = string(a)
			}
			c := protocol.CommandFromArgs(args)
			if c.Name() == "PING" {
				conn.WriteString("PONG")
				return
			}
			reply, err := rs.store.Apply(c)
			if err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
			conn.WriteRaw(protocol.AppendReply(nil, reply))
		},
		func(conn redcon.Conn) bool { return true },
		func(conn redcon.Conn, err error) {},
	)

	signal := make(chan error, 1)
	go rs.srv.ListenServeAndSignal(signal)
	require.NoError(t, <-signal)
	t.Cleanup(func() { rs.srv.Close() })
	return rs
}

func (rs *remoteStore) addr() string { return rs.srv.Addr().String() }

func TestDispatcherAgainstRemoteStore(t *testing.T) {
	for _, kind := range []string{network.KindRESP, network.KindGoRedis} {
		t.Run(kind, func(t *testing.T) {
			remote := startRemoteStore(t)
			tr, err := network.New(kind, network.Options{Addr: remote.addr()})
			require.NoError(t, err)

			fallback := storage.NewStore(storage.Options{})
			d := server.NewDispatcher(tr, fallback)
			defer d.Close()

			assert.Equal(t, kind, d.Mode())

			ctx := context.Background()
			replies, err := d.Pipeline(ctx, []protocol.Command{
				protocol.NewCommand("ZADD", "lb", 50, "alice"),
				protocol.NewCommand("ZADD", "lb", 80, "bob"),
				protocol.NewCommand("SET", "entry:bob", "bob"),
				protocol.NewCommand("ZREVRANGE", "lb", 0, 0, "WITHSCORES"),
			})
			require.NoError(t, err)
			require.Len(t, replies, 4)
			assert.True(t, replies[3].Equivalent(protocol.BulkStrings("bob", "80")))

			assert.Equal(t, 1, remote.store.Stats().Keys, "remote store should hold the batch")
			assert.Equal(t, storage.Stats{}, fallback.Stats(), "fallback store should be untouched")

			st := d.Status(ctx)
			assert.True(t, st.Configured)
			assert.True(t, st.Connected)
		})
	}
}

func TestDispatcherFailsOverWhenRemoteGoesAway(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	remote := startRemoteStore(t)
	fallback := storage.NewStore(storage.Options{})
	d := server.NewDispatcher(network.NewRESPTransport(network.Options{Addr: remote.addr()}), fallback, server.WithMetrics(m))

	ctx := context.Background()
	_, err := d.Exec(ctx, protocol.NewCommand("SET", "k", "remote"))
	require.NoError(t, err)

	require.NoError(t, remote.srv.Close())

	reply, err := d.Exec(ctx, protocol.NewCommand("GET", "k"))
	require.NoError(t, err)
	assert.True(t, reply.IsNull(), "fallback store never saw the remote write")

	_, err = d.Exec(ctx, protocol.NewCommand("SET", "k", "local"))
	require.NoError(t, err)
	reply, err = d.Exec(ctx, protocol.NewCommand("GET", "k"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Bulk("local"), reply)

	assert.Equal(t, 3.0, counterTotal(t, registry, "arcade_kv_dispatcher_remote_failures_total"))
	series, err := testutil.GatherAndCount(registry, "arcade_kv_dispatcher_remote_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series, "every failure should be a connect failure")

	st := d.Status(ctx)
	assert.True(t, st.Configured)
	assert.False(t, st.Connected)
}

// counterTotal sums every sample of the named counter family
func counterTotal(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
