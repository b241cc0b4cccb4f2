// Package health runs the fabric's background liveness tasks: the
// lease-expiry sweeper and the per-agent heartbeat publisher.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wesign/a2a-fabric/internal/logging"
)

// SweeperStore is the slice of the registry the sweeper needs.
type SweeperStore interface {
	MarkExpiredAgents(ctx context.Context) (int64, error)
}

// liveCounter is implemented by stores that can refresh the live-agents
// gauge alongside a sweep.
type liveCounter interface {
	CountLive(ctx context.Context) (int64, error)
}

// Sweeper periodically reaps expired leases. The underlying update is
// idempotent, so running sweepers in several replicas is safe.
type Sweeper struct {
	store    SweeperStore
	log      *logging.Logger
	interval time.Duration
	cron     *cron.Cron
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store SweeperStore, log *logging.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		log:      log.Component("sweeper"),
		interval: interval,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.sweep)
	if err != nil {
		return fmt.Errorf("schedule lease sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("lease sweeper started", "interval", s.interval)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish, bounded
// by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	drained := s.cron.Stop()
	select {
	case <-drained.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	n, err := s.store.MarkExpiredAgents(ctx)
	if err != nil {
		s.log.Warn("lease sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("leases expired", "count", n)
	}
	if counter, ok := s.store.(liveCounter); ok {
		if _, err := counter.CountLive(ctx); err != nil {
			s.log.Warn("live agent count failed", "error", err)
		}
	}
}
