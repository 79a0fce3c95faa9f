package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"github.com/young1lin/searchmux/internal/config"
)

// RetryPolicy is the one backoff policy applied uniformly to
// rate-limited provider calls. A provider-supplied retry-after hint
// overrides the computed delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay, e.g. 0.2 = ±20%
}

// DefaultRetryPolicy matches the configuration defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      0.2,
	}
}

// RetryPolicyFromConfig converts the config section, falling back to
// defaults for unset fields.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	if cfg.Jitter > 0 {
		p.Jitter = cfg.Jitter
	}
	return p
}

// Delay computes the backoff before the given retry attempt (1-based).
// hint, when positive, wins over the exponential schedule.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}

	d := p.BaseDelay << uint(attempt-1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// sleep waits for d or until the context ends, whichever comes first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
