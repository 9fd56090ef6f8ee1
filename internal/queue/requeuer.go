package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

// Requeuer is a Rescheduler that puts work back into the backend registered
// for its queue, retrying transient insert failures.
type Requeuer struct {
	mu       sync.RWMutex
	backends map[string]Backend
	policy   *retry.Policy
	logger   *zap.Logger
}

var _ Rescheduler = (*Requeuer)(nil)

// NewRequeuer creates a Requeuer with no registered queues.
func NewRequeuer(policy *retry.Policy, logger *zap.Logger) *Requeuer {
	return &Requeuer{
		backends: make(map[string]Backend),
		policy:   policy,
		logger:   logger,
	}
}

// Register routes reschedules for queueID to b, replacing any previous
// registration.
func (r *Requeuer) Register(queueID string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[queueID] = b
}

// Reschedule reinserts w into its queue's backend, at the head when the
// backend supports it.
func (r *Requeuer) Reschedule(ctx context.Context, queueID string, w *work.Work) error {
	r.mu.RLock()
	b, ok := r.backends[queueID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no backend registered for queue %s", queueID)
	}

	insert := b.Insert
	if fi, ok := b.(FrontInserter); ok {
		insert = fi.InsertFront
	}

	attempts := 0
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		return insert(ctx, w)
	})
	if err != nil {
		return fmt.Errorf("requeue work %s after %d attempts: %w", w.ID, attempts, err)
	}
	if attempts > 1 {
		r.logger.Warn("requeue needed retries",
			zap.String("queue_id", queueID),
			zap.String("work_id", w.ID.String()),
			zap.Int("attempts", attempts),
		)
	}
	return nil
}
