package security

import (
	"testing"
	"time"

	"github.com/wesign/a2a-fabric/internal/clock"
	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
)

func replayEnvelope(ts time.Time) *envelope.Envelope {
	e := signedTestEnvelope()
	e.Meta.TS = envelope.At(ts)
	return e
}

func TestReplayBounds(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	cfg := ReplayConfig{FreshnessWindow: 300 * time.Second, Clock: clk}

	cases := []struct {
		name string
		ts   time.Time
		want errcode.Code
	}{
		{"fresh", now.Add(-10 * time.Second), ""},
		{"exactly at window", now.Add(-300 * time.Second), ""},
		{"301s stale", now.Add(-301 * time.Second), errcode.ReplayStale},
		{"within skew", now.Add(3 * time.Second), ""},
		{"60s in the future", now.Add(60 * time.Second), errcode.ReplayFuture},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckReplayProtection(replayEnvelope(tc.ts), cfg)
			if got := errcode.CodeOf(err); got != tc.want {
				t.Errorf("code = %q, want %q (err=%v)", got, tc.want, err)
			}
		})
	}
}

func TestReplayCustomSkew(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cfg := ReplayConfig{FreshnessWindow: 300 * time.Second, ClockSkew: 30 * time.Second, Clock: clock.NewFake(now)}

	if err := CheckReplayProtection(replayEnvelope(now.Add(20*time.Second)), cfg); err != nil {
		t.Errorf("20s future within 30s skew rejected: %v", err)
	}
	err := CheckReplayProtection(replayEnvelope(now.Add(31*time.Second)), cfg)
	if got := errcode.CodeOf(err); got != errcode.ReplayFuture {
		t.Errorf("code = %q, want %q", got, errcode.ReplayFuture)
	}
}
