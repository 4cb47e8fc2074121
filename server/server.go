// Package server routes command batches to the remote store and serves them
// from the in-process fallback store whenever the remote store is not
// configured or fails.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"github.com/luoyjx/arcade-kv/metrics"
	"github.com/luoyjx/arcade-kv/network"
	"github.com/luoyjx/arcade-kv/network/protocol"
	"github.com/luoyjx/arcade-kv/storage"
)

// ModeMemory is reported when no remote store is configured
const ModeMemory = "memory"

// Dispatcher is the single entry point for command execution. Callers see
// the same replies whichever store served them; remote failures are logged
// and counted, never returned.
type Dispatcher struct {
	remote   network.Transport
	fallback *storage.Store
	metrics  *metrics.Metrics
	log      *logger.Entry
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMetrics records batch metrics in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher. A nil remote means no remote store is
// configured and every batch is served by fallback.
func NewDispatcher(remote network.Transport, fallback *storage.Store, opts ...Option) *Dispatcher {
	if fallback == nil {
		fallback = storage.NewStore(storage.Options{})
	}
	d := &Dispatcher{
		remote:   remote,
		fallback: fallback,
		log:      logger.WithField("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsRemoteConfigured reports whether a remote store was configured. It does
// not check reachability.
func (d *Dispatcher) IsRemoteConfigured() bool {
	return d.remote != nil
}

// Mode names the configured remote transport, or "memory"
func (d *Dispatcher) Mode() string {
	if d.remote == nil {
		return ModeMemory
	}
	return d.remote.Name()
}

// Exec runs a single command
func (d *Dispatcher) Exec(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	replies, err := d.Pipeline(ctx, []protocol.Command{cmd})
	if err != nil {
		return protocol.Reply{}, err
	}
	return replies[0], nil
}

// Pipeline runs cmds as one batch and returns one reply per command in
// order. The only errors returned are local validation errors, and a batch
// that fails validation reaches neither store.
func (d *Dispatcher) Pipeline(ctx context.Context, cmds []protocol.Command) ([]protocol.Reply, error) {
	if len(cmds) == 0 {
		return []protocol.Reply{}, nil
	}
	for i, cmd := range cmds {
		if err := storage.Validate(cmd); err != nil {
			d.metrics.Rejected()
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
	}

	start := time.Now()
	if d.remote != nil {
		replies, err := d.remote.Do(ctx, cmds)
		if err == nil && len(replies) != len(cmds) {
			err = fmt.Errorf("%w: got %d replies for %d commands", network.ErrMalformedReply, len(replies), len(cmds))
		}
		if err == nil {
			d.metrics.ObserveBatch(metrics.PathRemote, len(cmds), time.Since(start))
			return replies, nil
		}

		reason := network.FailureReason(err)
		d.metrics.RemoteFailure(reason)
		d.log.WithFields(logger.Fields{
			"batch_id":  uuid.NewString(),
			"transport": d.remote.Name(),
			"reason":    reason,
			"commands":  len(cmds),
		}).WithError(err).Warn("remote store failed, serving batch from fallback store")
	}

	replies, err := d.fallback.ApplyBatch(cmds)
	if err != nil {
		return nil, err
	}
	d.metrics.ObserveBatch(metrics.PathFallback, len(cmds), time.Since(start))
	return replies, nil
}

// Status describes the remote store as seen by this process
type Status struct {
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	Mode       string `json:"mode"`
	Message    string `json:"message"`
}

// Status probes the remote store with a PING. It never touches the fallback
// store.
func (d *Dispatcher) Status(ctx context.Context) Status {
	if d.remote == nil {
		return Status{
			Mode:    ModeMemory,
			Message: "No remote store configured; data lives in process memory and is lost on restart.",
		}
	}

	st := Status{Configured: true, Mode: d.remote.Name()}
	if err := network.Ping(ctx, d.remote); err != nil {
		d.log.WithError(err).WithField("reason", network.FailureReason(err)).Debug("status probe failed")
		st.Message = fmt.Sprintf("Remote store configured but unreachable (%s); serving from process memory.", network.FailureReason(err))
		return st
	}
	st.Connected = true
	st.Message = fmt.Sprintf("Data persists (%s connected).", st.Mode)
	return st
}

// Close releases the remote transport
func (d *Dispatcher) Close() error {
	if d.remote == nil {
		return nil
	}
	return d.remote.Close()
}
