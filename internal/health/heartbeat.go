package health

import (
	"context"
	"time"

	"github.com/wesign/a2a-fabric/internal/clock"
	"github.com/wesign/a2a-fabric/internal/logging"
	"github.com/wesign/a2a-fabric/internal/metrics"
	"github.com/wesign/a2a-fabric/internal/registry"
)

// HeartbeatStore is the slice of the registry the heartbeat publisher needs.
type HeartbeatStore interface {
	Heartbeat(ctx context.Context, agentID string, status registry.Status, leaseDuration time.Duration) (registry.Lease, error)
}

// StatusProvider reports the agent's current health. Called before each
// beat; on error the previous status is reported instead.
type StatusProvider func(ctx context.Context) (registry.Status, error)

// HeartbeatOptions configures a heartbeat publisher.
type HeartbeatOptions struct {
	AgentID       string
	LeaseDuration time.Duration
	// InitialStatus seeds the previous-status fallback. Defaults to STARTING.
	InitialStatus  registry.Status
	StatusProvider StatusProvider
	Clock          clock.Clock
}

// Heartbeat keeps one agent's lease alive, beating at a third of the lease
// duration so two beats can fail before the lease lapses.
type Heartbeat struct {
	store    HeartbeatStore
	log      *logging.Logger
	opts     HeartbeatOptions
	interval time.Duration
	clk      clock.Clock

	previous registry.Status
}

// NewHeartbeat creates a heartbeat publisher for one agent.
func NewHeartbeat(store HeartbeatStore, log *logging.Logger, opts HeartbeatOptions) *Heartbeat {
	if opts.InitialStatus == "" {
		opts.InitialStatus = registry.StatusStarting
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = registry.DefaultLeaseDuration
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Heartbeat{
		store:    store,
		log:      log.Component("heartbeat"),
		opts:     opts,
		interval: opts.LeaseDuration / 3,
		clk:      clk,
		previous: opts.InitialStatus,
	}
}

// Run beats until ctx is cancelled, then returns nil. Registry failures are
// logged and retried on the next tick; the lease carries enough slack for
// transient outages.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.log.Info("heartbeat publisher started", "agent_id", h.opts.AgentID, "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat publisher stopped", "agent_id", h.opts.AgentID)
			return nil
		case <-h.clk.After(h.interval):
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	status := h.previous
	if h.opts.StatusProvider != nil {
		s, err := h.opts.StatusProvider(ctx)
		if err != nil {
			h.log.Warn("status provider failed, reporting previous status",
				"agent_id", h.opts.AgentID, "status", status, "error", err)
		} else {
			status = s
		}
	}

	_, err := h.store.Heartbeat(ctx, h.opts.AgentID, status, h.opts.LeaseDuration)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		h.log.Warn("heartbeat failed", "agent_id", h.opts.AgentID, "error", err)
		return
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	h.previous = status
}
