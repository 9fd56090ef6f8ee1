// Package retry provides configurable retry policies with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines parameters for retry behavior with exponential backoff and jitter.
type Policy struct {
	MaxRetries  int           `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `json:"multiplier" mapstructure:"multiplier"`
	JitterRatio float64       `json:"jitter_ratio" mapstructure:"jitter_ratio"` // 0.0 to 1.0
}

// DefaultPolicy returns the policy used for retrying failed work.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0.1,
	}
}

// PollPolicy returns the backoff used between empty polls of a backend that
// cannot block natively. MaxRetries is unused there.
func PollPolicy() *Policy {
	return &Policy{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
		Multiplier:  2.0,
		JitterRatio: 0.1,
	}
}

// NextDelay computes the delay before the next retry attempt using
// exponential backoff with jitter.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply jitter: ±jitterRatio of the delay.
	jitter := delay * p.JitterRatio * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(p.BaseDelay)
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should be made.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// Do calls fn until it succeeds, the policy gives up or ctx is done. The
// last error from fn is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !p.ShouldRetry(attempt) {
			return err
		}
		if sleepErr := Sleep(ctx, p.NextDelay(attempt+1)); sleepErr != nil {
			return err
		}
	}
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
