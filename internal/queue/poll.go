package queue

import (
	"context"
	"time"

	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

// PollBackend gives a Backend without native blocking support a bounded
// BlockingRemove made of repeated TryRemove calls, spaced by a backoff
// policy and capped by the remaining timeout.
type PollBackend struct {
	Backend
	Backoff *retry.Policy
}

var _ BlockingBackend = PollBackend{}

// BlockingRemove polls until work shows up, timeout elapses or ctx is done.
// Cancellation is reported as an empty result; callers inspect ctx.
func (p PollBackend) BlockingRemove(ctx context.Context, timeout time.Duration) (*work.Work, error) {
	deadline := time.Now().Add(timeout)
	for attempt := 0; ; attempt++ {
		w, err := p.TryRemove(ctx)
		if err != nil || w != nil {
			return w, err
		}

		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		delay := p.Backoff.NextDelay(attempt)
		if delay > left {
			delay = left
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, nil
		}
	}
}

func asBlocking(b Backend, backoff *retry.Policy) BlockingBackend {
	if bb, ok := b.(BlockingBackend); ok {
		return bb
	}
	return PollBackend{Backend: b, Backoff: backoff}
}
