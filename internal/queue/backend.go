package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/leejennwah/workqueue/internal/work"
)

// Backend is the storage a BlockingQueue moves work in and out of.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Insert adds work to the backend.
	Insert(ctx context.Context, w *work.Work) error

	// TryRemove removes and returns the next work item without blocking.
	// It returns nil without error when nothing is pending.
	TryRemove(ctx context.Context) (*work.Work, error)

	// Size returns the number of pending work items.
	Size(ctx context.Context) (int64, error)

	// Metrics returns a snapshot of the backend counters.
	Metrics(ctx context.Context) (Metrics, error)
}

// BlockingBackend is implemented by backends that can wait for work
// natively. Backends without it get a polling fallback, see PollBackend.
type BlockingBackend interface {
	Backend

	// BlockingRemove waits up to timeout for work. It returns nil without
	// error when the timeout elapses with nothing pending.
	BlockingRemove(ctx context.Context, timeout time.Duration) (*work.Work, error)
}

// FrontInserter is implemented by backends able to put work back at the
// head of their queue. Requeuer prefers it so rescheduled work keeps its
// place.
type FrontInserter interface {
	InsertFront(ctx context.Context, w *work.Work) error
}

// removeTimeout bounds a destructive remove on a networked backend.
const removeTimeout = 5 * time.Second

// removeContext detaches a destructive remove from the caller's
// cancellation. Once the server has removed an item the reply must reach the
// queue, which reschedules it if the caller has gone away.
func removeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
}

// Outcome describes how a running work item left the running state.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCanceled
	OutcomeRequeued
)

// Tracker receives lifecycle notifications from the executor so a backend
// can report running, completed and canceled counts.
type Tracker interface {
	WorkStarted(ctx context.Context) error
	WorkFinished(ctx context.Context, outcome Outcome) error
}

// Metrics is a point-in-time view of a queue.
type Metrics struct {
	QueueID     string `json:"queue_id"`
	Scheduled   int64  `json:"scheduled"`
	Running     int64  `json:"running"`
	Completed   int64  `json:"completed"`
	Canceled    int64  `json:"canceled"`
	Rescheduled int64  `json:"rescheduled"`
}

// Counters is an in-process Tracker. Backends embed it when they have no
// shared place to keep counters.
type Counters struct {
	running   atomic.Int64
	completed atomic.Int64
	canceled  atomic.Int64
}

// WorkStarted records a work item entering the running state.
func (c *Counters) WorkStarted(context.Context) error {
	c.running.Add(1)
	return nil
}

// WorkFinished records a work item leaving the running state.
func (c *Counters) WorkFinished(_ context.Context, outcome Outcome) error {
	c.running.Add(-1)
	switch outcome {
	case OutcomeCompleted:
		c.completed.Add(1)
	case OutcomeCanceled:
		c.canceled.Add(1)
	}
	return nil
}

// Snapshot fills the running, completed and canceled fields of m.
func (c *Counters) Snapshot(m Metrics) Metrics {
	m.Running = c.running.Load()
	m.Completed = c.completed.Load()
	m.Canceled = c.canceled.Load()
	return m
}
