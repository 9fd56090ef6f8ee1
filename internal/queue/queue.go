// Package queue implements an activatable blocking work queue for a
// fixed-size worker pool, together with the storage backends it runs on.
//
// A BlockingQueue can be paused and resumed at any time. While paused,
// producers keep inserting but consumers see an empty queue. Work that a
// consumer fetched from storage in the same instant the queue was paused is
// handed to a Rescheduler instead of being executed, so pausing never loses
// or duplicates work.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/gate"
	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

const (
	defaultWaitTimeout    = 5 * time.Second
	defaultAttemptTimeout = 5 * time.Second
)

// Rescheduler takes back work that was fetched from a backend but must not
// run because its queue was deactivated during the fetch. Implementations
// must be safe for concurrent use, return quickly and make the work visible
// to later retrievals.
type Rescheduler interface {
	Reschedule(ctx context.Context, queueID string, w *work.Work) error
}

// Config holds per-queue settings.
type Config struct {
	// ID identifies the queue in logs, errors and reschedule calls.
	ID string
	// Active is the initial activation state. Queues start inactive unless
	// this is set.
	Active bool
	// WaitTimeout is the budget PollWait uses.
	WaitTimeout time.Duration
	// AttemptTimeout bounds each backend wait inside Take. Activation is
	// re-checked between attempts.
	AttemptTimeout time.Duration
	// PollBackoff paces TryRemove calls for backends that cannot block.
	PollBackoff *retry.Policy
}

// DefaultConfig returns the configuration for an inactive queue with the
// given id.
func DefaultConfig(id string) Config {
	return Config{
		ID:             id,
		WaitTimeout:    defaultWaitTimeout,
		AttemptTimeout: defaultAttemptTimeout,
		PollBackoff:    retry.PollPolicy(),
	}
}

// BlockingQueue hands work from a Backend to pool workers, gated by an
// activation state. It is safe for concurrent use by any number of producers
// and consumers. No lock is held across a backend call.
type BlockingQueue struct {
	id             string
	gate           *gate.Gate
	backend        Backend
	blocking       BlockingBackend
	rescheduler    Rescheduler
	waitTimeout    time.Duration
	attemptTimeout time.Duration
	rescheduled    atomic.Int64
	logger         *zap.Logger
}

// New creates a queue over backend. When rescheduler is nil, work caught by
// a deactivation is put back into the same backend.
func New(cfg Config, backend Backend, rescheduler Rescheduler, logger *zap.Logger) *BlockingQueue {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.PollBackoff == nil {
		cfg.PollBackoff = retry.PollPolicy()
	}
	if rescheduler == nil {
		r := NewRequeuer(retry.DefaultPolicy(), logger)
		r.Register(cfg.ID, backend)
		rescheduler = r
	}

	return &BlockingQueue{
		id:             cfg.ID,
		gate:           gate.New(cfg.Active),
		backend:        backend,
		blocking:       asBlocking(backend, cfg.PollBackoff),
		rescheduler:    rescheduler,
		waitTimeout:    cfg.WaitTimeout,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         logger.With(zap.String("queue_id", cfg.ID)),
	}
}

// ID returns the queue identifier.
func (q *BlockingQueue) ID() string {
	return q.id
}

// Activate resumes retrieval and wakes every blocked consumer.
func (q *BlockingQueue) Activate() {
	q.gate.Activate()
	q.logger.Info("queue activated")
}

// Deactivate pauses retrieval. Producers are not affected.
func (q *BlockingQueue) Deactivate() {
	q.gate.Deactivate()
	q.logger.Info("queue deactivated")
}

// SetActive activates or deactivates the queue.
func (q *BlockingQueue) SetActive(active bool) {
	if active {
		q.Activate()
	} else {
		q.Deactivate()
	}
}

// Active reports whether retrieval is currently allowed.
func (q *BlockingQueue) Active() bool {
	return q.gate.Active()
}

// State returns the current activation state.
func (q *BlockingQueue) State() gate.State {
	return q.gate.State()
}

// Put inserts work whatever the activation state. It blocks only for as
// long as the backend does.
func (q *BlockingQueue) Put(ctx context.Context, w *work.Work) error {
	if err := ctx.Err(); err != nil {
		return q.interrupted("put", err)
	}
	if err := q.backend.Insert(ctx, w); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return q.interrupted("put", ctxErr)
		}
		return fmt.Errorf("%w: insert %s into queue %s: %w", ErrBackend, w.ID, q.id, err)
	}
	return nil
}

// Offer is Put for callers that expect an acceptance flag. Capacity is
// unbounded, so accepted is true whenever err is nil.
func (q *BlockingQueue) Offer(ctx context.Context, w *work.Work) (bool, error) {
	if err := q.Put(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

// Poll returns the next work item without blocking, or nil when none is
// available. An inactive queue returns nil without touching the backend.
func (q *BlockingQueue) Poll(ctx context.Context) (*work.Work, error) {
	if !q.gate.Active() {
		return nil, nil
	}
	w, err := q.backend.TryRemove(ctx)
	if err != nil {
		return nil, q.fetchFailed(ctx, "poll", err)
	}
	if w == nil {
		return nil, nil
	}
	return q.recheck(ctx, "poll", w)
}

// Take blocks until the queue is active and work is available. It returns
// nil without error when the queue is deactivated while the caller waits,
// which lets pool workers notice a shutdown instead of spinning.
func (q *BlockingQueue) Take(ctx context.Context) (*work.Work, error) {
	if err := q.gate.Await(ctx); err != nil {
		return nil, q.interrupted("take", err)
	}
	for {
		if !q.gate.Active() {
			return nil, nil
		}
		w, err := q.blocking.BlockingRemove(ctx, q.attemptTimeout)
		if err != nil {
			return nil, q.fetchFailed(ctx, "take", err)
		}
		if w != nil {
			return q.recheck(ctx, "take", w)
		}
		if err := ctx.Err(); err != nil {
			return nil, q.interrupted("take", err)
		}
	}
}

// PollTimeout waits at most d for the queue to be active and hold work.
// Whatever remains of d after activation is spent waiting on the backend.
// It returns nil without error when the budget runs out.
func (q *BlockingQueue) PollTimeout(ctx context.Context, d time.Duration) (*work.Work, error) {
	remaining, err := q.gate.AwaitFor(ctx, d)
	if err != nil {
		return nil, q.interrupted("poll", err)
	}
	if remaining <= 0 || !q.gate.Active() {
		return nil, nil
	}
	w, err := q.blocking.BlockingRemove(ctx, remaining)
	if err != nil {
		return nil, q.fetchFailed(ctx, "poll", err)
	}
	if w == nil {
		if err := ctx.Err(); err != nil {
			return nil, q.interrupted("poll", err)
		}
		return nil, nil
	}
	return q.recheck(ctx, "poll", w)
}

// PollWait is PollTimeout with the configured default wait.
func (q *BlockingQueue) PollWait(ctx context.Context) (*work.Work, error) {
	return q.PollTimeout(ctx, q.waitTimeout)
}

// Size returns the backend occupancy, including while the queue is inactive.
func (q *BlockingQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.backend.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: size of queue %s: %w", ErrBackend, q.id, err)
	}
	return n, nil
}

// IsEmpty reports true for an inactive queue, otherwise whether the backend
// holds no work.
func (q *BlockingQueue) IsEmpty(ctx context.Context) (bool, error) {
	if !q.gate.Active() {
		return true, nil
	}
	n, err := q.Size(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Drain polls work into sink until max items were moved or the queue
// reports empty. A negative max drains without limit. It returns the number
// of items moved.
func (q *BlockingQueue) Drain(ctx context.Context, max int, sink func(*work.Work)) (int, error) {
	moved := 0
	for max < 0 || moved < max {
		w, err := q.Poll(ctx)
		if err != nil {
			return moved, err
		}
		if w == nil {
			break
		}
		sink(w)
		moved++
	}
	return moved, nil
}

// RemainingCapacity is always effectively unbounded; backpressure belongs
// to the backend.
func (q *BlockingQueue) RemainingCapacity() int {
	return math.MaxInt
}

// Metrics returns the backend snapshot with the queue's own reschedule
// count.
func (q *BlockingQueue) Metrics(ctx context.Context) (Metrics, error) {
	m, err := q.backend.Metrics(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("%w: metrics of queue %s: %w", ErrBackend, q.id, err)
	}
	m.QueueID = q.id
	m.Rescheduled = q.rescheduled.Load()
	return m, nil
}

// recheck decides the fate of fetched work: it goes to the caller only if
// the queue is still active and the caller is still waiting. Otherwise it is
// rescheduled; the reschedule itself is not cancellable by the caller.
func (q *BlockingQueue) recheck(ctx context.Context, op string, w *work.Work) (*work.Work, error) {
	ctxErr := ctx.Err()
	if ctxErr == nil && q.gate.Active() {
		return w, nil
	}

	if err := q.rescheduler.Reschedule(context.WithoutCancel(ctx), q.id, w); err != nil {
		q.logger.Error("reschedule failed",
			zap.String("work_id", w.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: reschedule %s on queue %s: %w", ErrBackend, w.ID, q.id, err)
	}
	q.rescheduled.Add(1)
	q.logger.Debug("work rescheduled",
		zap.String("op", op),
		zap.String("work_id", w.ID.String()),
	)

	if ctxErr != nil {
		return nil, q.interrupted(op, ctxErr)
	}
	return nil, nil
}

// fetchFailed classifies a backend error. A storage failure that coincides
// with cancellation matches both ErrInterrupted and ErrBackend.
func (q *BlockingQueue) fetchFailed(ctx context.Context, op string, err error) error {
	backendErr := fmt.Errorf("%w: %s from queue %s: %w", ErrBackend, op, q.id, err)
	ctxErr := ctx.Err()
	switch {
	case ctxErr == nil:
		return backendErr
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return q.interrupted(op, ctxErr)
	default:
		return errors.Join(q.interrupted(op, ctxErr), backendErr)
	}
}

func (q *BlockingQueue) interrupted(op string, err error) error {
	return fmt.Errorf("%w: %s on queue %s (state=%s): %w", ErrInterrupted, op, q.id, q.gate.State(), err)
}
