// Package idempotency provides the receiver-side "seen" store used to
// collapse redeliveries of the same logical message.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/wesign/a2a-fabric/internal/clock"
)

// Store records idempotency keys with a TTL. The TTL must be at least as
// long as the security layer's freshness window, otherwise a replayed
// envelope could pass both checks.
type Store interface {
	// Seen reports whether the key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)
	// MarkSeen records the key for at least ttl.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// Memory is an in-process Store for tests and ephemeral consumers.
type Memory struct {
	clk clock.Clock

	mu   sync.Mutex
	keys map[string]time.Time // key -> expiry
}

// NewMemory creates a Memory store. A nil clock defaults to real time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{clk: clk, keys: make(map[string]time.Time)}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	if m.clk.Now().After(expiry) {
		delete(m.keys, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) MarkSeen(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = m.clk.Now().Add(ttl)
	return nil
}

func (m *Memory) Close() error { return nil }
