package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luoyjx/arcade-kv/metrics"
	"github.com/luoyjx/arcade-kv/network"
	"github.com/luoyjx/arcade-kv/network/protocol"
	"github.com/luoyjx/arcade-kv/storage"
)

// fakeTransport answers every batch with do
type fakeTransport struct {
	mu    sync.Mutex
	calls [][]protocol.Command
	do    func(cmds []protocol.Command) ([]protocol.Reply, error)
}

func (f *fakeTransport) Do(ctx context.Context, cmds []protocol.Command) ([]protocol.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmds)
	f.mu.Unlock()
	return f.do(cmds)
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func failing(err error) *fakeTransport {
	return &fakeTransport{do: func([]protocol.Command) ([]protocol.Reply, error) { return nil, err }}
}

func TestDispatcherUnconfigured(t *testing.T) {
	d := NewDispatcher(nil, nil)

	if d.IsRemoteConfigured() {
		t.Fatal("IsRemoteConfigured returned true without a remote")
	}
	if d.Mode() != ModeMemory {
		t.Errorf("Mode = %q, want %q", d.Mode(), ModeMemory)
	}

	ctx := context.Background()
	reply, err := d.Exec(ctx, protocol.NewCommand("SET", "key1", "value1"))
	if err != nil {
		t.Fatalf("Exec SET failed: %v", err)
	}
	if !reply.Equivalent(protocol.Status("OK")) {
		t.Errorf("SET reply = %s, want OK", reply)
	}

	reply, err = d.Exec(ctx, protocol.NewCommand("GET", "key1"))
	if err != nil {
		t.Fatalf("Exec GET failed: %v", err)
	}
	if !reply.Equivalent(protocol.Bulk("value1")) {
		t.Errorf("GET reply = %s, want \"value1\"", reply)
	}
}

func TestDispatcherRemoteSuccess(t *testing.T) {
	remote := &fakeTransport{do: func(cmds []protocol.Command) ([]protocol.Reply, error) {
		replies := make([]protocol.Reply, len(cmds))
		for i := range cmds {
			replies[i] = protocol.Bulk(fmt.Sprintf("remote-%d", i))
		}
		return replies, nil
	}}
	fallback := storage.NewStore(storage.Options{})
	d := NewDispatcher(remote, fallback)

	replies, err := d.Pipeline(context.Background(), []protocol.Command{
		protocol.NewCommand("SET", "a", "1"),
		protocol.NewCommand("GET", "a"),
	})
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if len(replies) != 2 || !replies[1].Equivalent(protocol.Bulk("remote-1")) {
		t.Errorf("unexpected replies: %v", replies)
	}
	if st := fallback.Stats(); st.Keys != 0 {
		t.Errorf("fallback store was written on remote success: %+v", st)
	}
	if remote.callCount() != 1 {
		t.Errorf("remote called %d times, want 1", remote.callCount())
	}
}

func TestDispatcherFailsOver(t *testing.T) {
	failures := []error{
		fmt.Errorf("%w: refused", network.ErrConnect),
		fmt.Errorf("%w: broken pipe", network.ErrWrite),
		fmt.Errorf("%w: reset", network.ErrRead),
		fmt.Errorf("%w: i/o timeout", network.ErrTimeout),
		network.ErrStreamClosed,
		network.ErrMalformedReply,
		network.ErrAuth,
		&network.RemoteError{Index: 0, Command: "GET", Message: "ERR boom"},
		errors.New("unclassified"),
	}

	for _, failure := range failures {
		t.Run(network.FailureReason(failure), func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := metrics.New(registry)
			remote := failing(failure)
			d := NewDispatcher(remote, storage.NewStore(storage.Options{}), WithMetrics(m))

			replies, err := d.Pipeline(context.Background(), []protocol.Command{
				protocol.NewCommand("ZADD", "lb", 50, "alice"),
				protocol.NewCommand("ZSCORE", "lb", "alice"),
			})
			if err != nil {
				t.Fatalf("transport failure leaked to caller: %v", err)
			}
			if !replies[0].Equivalent(protocol.Integer(1)) || !replies[1].Equivalent(protocol.Bulk("50")) {
				t.Errorf("unexpected fallback replies: %v", replies)
			}
			if remote.callCount() != 1 {
				t.Errorf("remote called %d times, want exactly one attempt", remote.callCount())
			}
		})
	}
}

func TestDispatcherReplyCountMismatchFailsOver(t *testing.T) {
	remote := &fakeTransport{do: func(cmds []protocol.Command) ([]protocol.Reply, error) {
		return []protocol.Reply{protocol.Bulk("only one")}, nil
	}}
	d := NewDispatcher(remote, nil)

	replies, err := d.Pipeline(context.Background(), []protocol.Command{
		protocol.NewCommand("SET", "a", "1"),
		protocol.NewCommand("GET", "a"),
	})
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if len(replies) != 2 || !replies[1].Equivalent(protocol.Bulk("1")) {
		t.Errorf("expected fallback replies, got %v", replies)
	}
}

func TestDispatcherValidationErrorsPropagate(t *testing.T) {
	tests := []struct {
		name string
		cmds []protocol.Command
		want error
	}{
		{
			name: "unsupported",
			cmds: []protocol.Command{protocol.NewCommand("SET", "a", "1"), protocol.NewCommand("INCR", "a")},
			want: storage.ErrUnsupportedCommand,
		},
		{
			name: "arity",
			cmds: []protocol.Command{protocol.NewCommand("GET")},
			want: storage.ErrWrongArgs,
		},
		{
			name: "score",
			cmds: []protocol.Command{protocol.NewCommand("ZADD", "lb", "lots", "alice")},
			want: storage.ErrNotNumber,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := failing(network.ErrConnect)
			fallback := storage.NewStore(storage.Options{})
			d := NewDispatcher(remote, fallback)

			_, err := d.Pipeline(context.Background(), tt.cmds)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !storage.IsValidationError(err) {
				t.Errorf("IsValidationError(%v) = false", err)
			}
			if remote.callCount() != 0 {
				t.Error("invalid batch reached the remote store")
			}
			if st := fallback.Stats(); st.Keys != 0 || st.SortedSets != 0 {
				t.Errorf("invalid batch touched the fallback store: %+v", st)
			}
		})
	}
}

func TestDispatcherEmptyBatch(t *testing.T) {
	remote := failing(network.ErrConnect)
	d := NewDispatcher(remote, nil)

	replies, err := d.Pipeline(context.Background(), nil)
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if len(replies) != 0 {
		t.Errorf("got %d replies for an empty batch", len(replies))
	}
	if remote.callCount() != 0 {
		t.Error("empty batch reached the remote store")
	}
}

// An unconfigured dispatcher and one whose remote store is unreachable must
// be indistinguishable to callers.
func TestDispatcherTransparentFailover(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	unconfigured := NewDispatcher(nil, nil)
	unreachable := NewDispatcher(network.NewRESPTransport(network.Options{Addr: addr}), nil)

	script := [][]protocol.Command{
		{protocol.NewCommand("SET", "entry:0xabc", `{"score":50}`)},
		{protocol.NewCommand("ZADD", "lb", 50, "0xabc"), protocol.NewCommand("ZADD", "lb", 80, "0xdef")},
		{protocol.NewCommand("ZADD", "lb", 80, "0x123")},
		{protocol.NewCommand("ZREVRANGE", "lb", 0, 9, "WITHSCORES")},
		{protocol.NewCommand("MGET", "entry:0xabc", "entry:missing")},
		{protocol.NewCommand("DEL", "entry:0xabc", "nothing")},
		{protocol.NewCommand("GET", "entry:0xabc"), protocol.NewCommand("ZSCORE", "lb", "nobody")},
	}

	ctx := context.Background()
	for i, batch := range script {
		want, err := unconfigured.Pipeline(ctx, batch)
		if err != nil {
			t.Fatalf("batch %d (unconfigured): %v", i, err)
		}
		got, err := unreachable.Pipeline(ctx, batch)
		if err != nil {
			t.Fatalf("batch %d (unreachable): %v", i, err)
		}
		if len(got) != len(want) {
			t.Fatalf("batch %d: got %d replies, want %d", i, len(got), len(want))
		}
		for j := range want {
			if !got[j].Equivalent(want[j]) {
				t.Errorf("batch %d reply %d: got %s, want %s", i, j, got[j], want[j])
			}
		}
	}
}

func TestDispatcherStatus(t *testing.T) {
	ctx := context.Background()

	st := NewDispatcher(nil, nil).Status(ctx)
	if st.Configured || st.Connected || st.Mode != ModeMemory {
		t.Errorf("unconfigured status = %+v", st)
	}

	up := &fakeTransport{do: func([]protocol.Command) ([]protocol.Reply, error) {
		return []protocol.Reply{protocol.Status("PONG")}, nil
	}}
	st = NewDispatcher(up, nil).Status(ctx)
	if !st.Configured || !st.Connected || st.Mode != "fake" {
		t.Errorf("reachable status = %+v", st)
	}

	down := failing(fmt.Errorf("%w: refused", network.ErrConnect))
	d := NewDispatcher(down, nil)
	st = d.Status(ctx)
	if !st.Configured || st.Connected {
		t.Errorf("unreachable status = %+v", st)
	}
	if !d.IsRemoteConfigured() {
		t.Error("IsRemoteConfigured must not depend on reachability")
	}
}

func TestDispatcherConcurrentFallback(t *testing.T) {
	d := NewDispatcher(failing(network.ErrTimeout), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			member := fmt.Sprintf("player-%d", i)
			if _, err := d.Pipeline(ctx, []protocol.Command{
				protocol.NewCommand("ZADD", "lb", i, member),
				protocol.NewCommand("SET", "entry:"+member, member),
			}); err != nil {
				t.Errorf("Pipeline failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	reply, err := d.Exec(ctx, protocol.NewCommand("ZREVRANGE", "lb", 0, -1))
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if len(reply.Elems) != 20 {
		t.Fatalf("got %d members, want 20", len(reply.Elems))
	}
	if !reply.Elems[0].Equivalent(protocol.Bulk("player-19")) {
		t.Errorf("top member = %s, want player-19", reply.Elems[0])
	}
}
