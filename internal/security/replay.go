package security

import (
	"time"

	"github.com/wesign/a2a-fabric/internal/clock"
	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
)

// DefaultClockSkew is the tolerated forward drift of a sender's clock.
const DefaultClockSkew = 5 * time.Second

// ReplayConfig bounds the accepted age of an envelope timestamp.
type ReplayConfig struct {
	FreshnessWindow time.Duration // max accepted age
	ClockSkew       time.Duration // tolerated future drift; defaults to 5s
	Clock           clock.Clock   // defaults to the real clock
}

// CheckReplayProtection verifies the envelope timestamp falls inside
// [now - window, now + skew]. Returns E_REPLAY_TIMESTAMP_FUTURE or
// E_REPLAY_TIMESTAMP_STALE outside the bounds.
func CheckReplayProtection(e *envelope.Envelope, cfg ReplayConfig) error {
	skew := cfg.ClockSkew
	if skew == 0 {
		skew = DefaultClockSkew
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	now := clk.Now()
	ts := e.Meta.TS.Time
	if ts.After(now.Add(skew)) {
		return errcode.Newf(errcode.ReplayFuture, "ts %s ahead of now %s", e.Meta.TS, now.UTC().Format(time.RFC3339))
	}
	if now.Sub(ts) > cfg.FreshnessWindow {
		return errcode.Newf(errcode.ReplayStale, "ts %s older than freshness window %s", e.Meta.TS, cfg.FreshnessWindow)
	}
	return nil
}
