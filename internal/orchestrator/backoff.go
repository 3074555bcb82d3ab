package orchestrator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// Backoff shapes the delay between attempts. The zero value retries
// immediately.
type Backoff struct {
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	Factor       float64       `json:"factor,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty"`
	Jitter       bool          `json:"jitter,omitempty"`
}

// DelayForAttempt returns the delay before retry number attempt (1-indexed).
// Jitter is deterministic for a given seed so replays sleep identically.
func DelayForAttempt(attempt int, b Backoff, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.InitialDelay <= 0 {
		return 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 1
	}

	// base = initial * factor^(attempt-1), capped.
	base := float64(b.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if b.MaxDelay > 0 {
		base = math.Min(base, float64(b.MaxDelay))
	}
	if b.Jitter {
		base *= 0.5 + jitterUnit(seed) // [0.5, 1.5]
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func jitterSeed(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
