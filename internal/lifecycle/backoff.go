package lifecycle

import (
	"context"
	"time"

	"github.com/classml/classml/internal/config"
)

// Backoff paces a sequence of external calls with a growing delay. The expiry
// sweep uses it between per-record backend deletes so tearing down a large
// batch of expired classifiers does not trip the same rate limits training
// contends with.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// BackoffFromConfig builds the sweep pacing policy from scheduler settings.
func BackoffFromConfig(cfg config.SchedulerConfig) Backoff {
	return Backoff{
		Initial: cfg.SweepBackoffInitial,
		Max:     cfg.SweepBackoffMax,
		Factor:  cfg.SweepBackoffFactor,
	}
}

// Delay returns the pause before attempt n (zero-based). Attempt 0 has no
// delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Sleep blocks for the attempt's delay or until the context is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d == 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
