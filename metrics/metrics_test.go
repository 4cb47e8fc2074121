package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luoyjx/arcade-kv/network/protocol"
	"github.com/luoyjx/arcade-kv/storage"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBatch(PathRemote, 3, 2*time.Millisecond)
	m.ObserveBatch(PathFallback, 2, time.Millisecond)
	m.ObserveBatch(PathFallback, 1, time.Millisecond)
	m.RemoteFailure("timeout")
	m.RemoteFailure("timeout")
	m.RemoteFailure("connect")
	m.Rejected()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues(PathRemote)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batches.WithLabelValues(PathFallback)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.commands.WithLabelValues(PathFallback)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.remoteFailures.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteFailures.WithLabelValues("connect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected))
	assert.Equal(t, 2, testutil.CollectAndCount(m.batchDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveBatch(PathRemote, 1, time.Millisecond)
		m.RemoteFailure("read")
		m.Rejected()
	})
}

func TestRegisterStore_ReadsStatsAtScrape(t *testing.T) {
	registry := prometheus.NewRegistry()
	store := storage.NewStore(storage.Options{MaxSortedSetMembers: 1})
	RegisterStore(registry, store)

	_, err := store.ApplyBatch([]protocol.Command{
		protocol.NewCommand("SET", "a", "1"),
		protocol.NewCommand("SET", "b", "2"),
		protocol.NewCommand("ZADD", "lb", 1, "x"),
		protocol.NewCommand("ZADD", "lb", 2, "y"),
	})
	require.NoError(t, err)

	expected := `
# HELP arcade_kv_fallback_keys Scalar keys held by the fallback store
# TYPE arcade_kv_fallback_keys gauge
arcade_kv_fallback_keys 2
# HELP arcade_kv_fallback_pruned_members_total Sorted-set members dropped by the size cap
# TYPE arcade_kv_fallback_pruned_members_total counter
arcade_kv_fallback_pruned_members_total 1
# HELP arcade_kv_fallback_sorted_set_members Members across all fallback sorted sets
# TYPE arcade_kv_fallback_sorted_set_members gauge
arcade_kv_fallback_sorted_set_members 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"arcade_kv_fallback_keys",
		"arcade_kv_fallback_pruned_members_total",
		"arcade_kv_fallback_sorted_set_members",
	))
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.ObserveBatch(PathFallback, 1, time.Millisecond)

	srv := httptest.NewServer(Handler(registry))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `arcade_kv_dispatcher_batches_total{path="fallback"} 1`)
}
