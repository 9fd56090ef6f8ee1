// Package executor runs a fixed-size pool of workers that take work from a
// BlockingQueue and dispatch it to handlers registered by work type.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/leejennwah/workqueue/internal/metrics"
	"github.com/leejennwah/workqueue/internal/queue"
	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

var tracer = otel.Tracer("workqueue/executor")

var (
	// ErrNoHandler is recorded on work whose type has no registered handler.
	ErrNoHandler = errors.New("no handler registered")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("executor already started")
	// ErrNotRunning is returned by Shutdown on an executor that is not running.
	ErrNotRunning = errors.New("executor not running")
)

// TaskHandler executes the logic of one work item. The context is cancelled
// only when a shutdown deadline expires.
type TaskHandler func(ctx context.Context, w *work.Work) error

// ShutdownMode selects what happens to pending work on Shutdown.
type ShutdownMode int

const (
	// ShutdownKeep pauses the queue and leaves pending work in the backend.
	ShutdownKeep ShutdownMode = iota
	// ShutdownDrain removes pending work and hands it to the caller.
	ShutdownDrain
)

func (m ShutdownMode) String() string {
	if m == ShutdownDrain {
		return "drain"
	}
	return "keep"
}

// Config holds executor configuration.
type Config struct {
	Workers       int
	StatsInterval time.Duration
	// RateLimit paces retrieval across the pool, in items per second.
	// Zero disables it.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns sensible executor defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		StatsInterval: 5 * time.Second,
	}
}

// Option configures optional executor collaborators.
type Option func(*Executor)

// WithTracker reports work lifecycle changes to t, usually the queue backend.
func WithTracker(t queue.Tracker) Option {
	return func(e *Executor) { e.tracker = t }
}

// WithDeadLetter stores permanently failed work in b.
func WithDeadLetter(b queue.Backend) Option {
	return func(e *Executor) { e.deadLetter = b }
}

// WithRetryPolicy overrides the delay applied before failed work is queued
// again.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(e *Executor) { e.retryPolicy = p }
}

// Executor pulls work from a queue and dispatches it to handlers.
type Executor struct {
	id          string
	cfg         Config
	queue       *queue.BlockingQueue
	metrics     *metrics.Metrics
	retryPolicy *retry.Policy
	tracker     queue.Tracker
	deadLetter  queue.Backend
	limiter     *rate.Limiter
	logger      *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]TaskHandler

	mu       sync.Mutex
	started  bool
	stopped  bool
	loopCtx  context.Context
	stopLoop context.CancelFunc
	stopRun  context.CancelFunc
	group    *errgroup.Group
}

// New creates an executor for q.
func New(q *queue.BlockingQueue, m *metrics.Metrics, logger *zap.Logger, cfg Config, opts ...Option) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultConfig().StatsInterval
	}

	id := fmt.Sprintf("executor-%s", uuid.New().String()[:8])
	e := &Executor{
		id:          id,
		cfg:         cfg,
		queue:       q,
		metrics:     m,
		retryPolicy: retry.DefaultPolicy(),
		handlers:    make(map[string]TaskHandler),
		logger:      logger.With(zap.String("executor_id", id), zap.String("queue_id", q.ID())),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the executor identifier.
func (e *Executor) ID() string {
	return e.id
}

// Queue returns the queue the executor drains.
func (e *Executor) Queue() *queue.BlockingQueue {
	return e.queue
}

// RegisterHandler registers a task handler for a given work type.
func (e *Executor) RegisterHandler(workType string, handler TaskHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[workType] = handler
}

func (e *Executor) handler(workType string) (TaskHandler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[workType]
	return h, ok
}

// Start launches the worker pool and the stats sampler. Cancelling ctx stops
// retrieval; running handlers finish unless Shutdown's deadline expires.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	loopCtx, stopLoop := context.WithCancel(ctx)
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	e.loopCtx, e.stopLoop, e.stopRun = loopCtx, stopLoop, stopRun

	g := &errgroup.Group{}
	for i := 0; i < e.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", e.id, i)
		g.Go(func() error {
			e.runWorker(loopCtx, runCtx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		e.sampleStats(loopCtx)
		return nil
	})
	e.group = g

	e.logger.Info("executor started", zap.Int("workers", e.cfg.Workers))
	return nil
}

// Shutdown stops the pool. With ShutdownKeep the queue is deactivated first
// and pending work stays in the backend. With ShutdownDrain the workers are
// stopped, pending work is removed and returned, and the queue is then
// deactivated. If ctx expires before running handlers return, their
// contexts are cancelled and the interrupted work is put back on the queue.
func (e *Executor) Shutdown(ctx context.Context, mode ShutdownMode) ([]*work.Work, error) {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil, ErrNotRunning
	}
	e.stopped = true
	e.mu.Unlock()

	e.logger.Info("executor shutting down", zap.Stringer("mode", mode))

	if mode == ShutdownKeep {
		e.queue.Deactivate()
	}
	e.stopLoop()

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown deadline reached, cancelling running work")
		e.stopRun()
		waitErr = <-done
		if waitErr == nil {
			waitErr = fmt.Errorf("shutdown executor %s: %w", e.id, ctx.Err())
		}
	}
	e.stopRun()

	if mode != ShutdownDrain {
		return nil, waitErr
	}

	var drained []*work.Work
	_, err := e.queue.Drain(context.WithoutCancel(ctx), -1, func(w *work.Work) {
		drained = append(drained, w)
	})
	e.queue.Deactivate()
	if err != nil {
		return drained, errors.Join(waitErr, fmt.Errorf("drain queue %s: %w", e.queue.ID(), err))
	}
	e.logger.Info("queue drained", zap.Int("count", len(drained)))
	return drained, waitErr
}

// runWorker takes work until loopCtx is cancelled. Handlers run under
// runCtx so a shutdown lets them finish.
func (e *Executor) runWorker(loopCtx, runCtx context.Context, workerID string) {
	logger := e.logger.With(zap.String("worker_id", workerID))
	failures := 0
	for {
		if loopCtx.Err() != nil {
			return
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(loopCtx); err != nil {
				return
			}
		}

		w, err := e.queue.Take(loopCtx)
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			failures++
			delay := e.retryPolicy.NextDelay(failures)
			logger.Error("take failed", zap.Error(err), zap.Duration("backoff", delay))
			if retry.Sleep(loopCtx, delay) != nil {
				return
			}
			continue
		}
		failures = 0
		if w == nil {
			continue // Deactivated or nothing arrived in time.
		}

		e.process(runCtx, workerID, w)
	}
}

// process executes a single work item.
func (e *Executor) process(ctx context.Context, workerID string, w *work.Work) {
	ctx, span := tracer.Start(ctx, "work.execute",
		trace.WithAttributes(
			attribute.String("work.id", w.ID.String()),
			attribute.String("work.type", w.Type),
			attribute.String("queue.id", e.queue.ID()),
		),
	)
	defer span.End()

	e.metrics.WorkerBusy.WithLabelValues(workerID).Set(1)
	defer e.metrics.WorkerBusy.WithLabelValues(workerID).Set(0)

	if err := w.MarkRunning(workerID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid work state")
		e.logger.Error("cannot run work",
			zap.String("work_id", w.ID.String()),
			zap.String("status", string(w.Status)),
			zap.Error(err),
		)
		e.sendToDeadLetter(ctx, w)
		return
	}
	span.SetAttributes(attribute.Int("work.attempt", w.Attempt))
	e.trackStarted(ctx)

	handler, ok := e.handler(w.Type)
	var execErr error
	if ok {
		execErr = handler(ctx, w)
	} else {
		execErr = fmt.Errorf("%w for type %s", ErrNoHandler, w.Type)
	}

	switch {
	case execErr == nil:
		e.complete(ctx, w)
	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "canceled")
		e.cancel(ctx, w, execErr)
	case !ok || !w.CanRetry():
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		e.fail(ctx, w, execErr)
	default:
		span.RecordError(execErr)
		e.retry(ctx, w, execErr)
	}
}

// complete marks work as completed.
func (e *Executor) complete(ctx context.Context, w *work.Work) {
	if err := w.MarkCompleted(); err != nil {
		e.logger.Error("mark completed", zap.String("work_id", w.ID.String()), zap.Error(err))
	}
	e.trackFinished(ctx, queue.OutcomeCompleted)

	e.metrics.WorkSuccessTotal.WithLabelValues(e.queue.ID()).Inc()
	if w.StartedAt != nil {
		e.metrics.WorkLatency.WithLabelValues(e.queue.ID()).Observe(time.Since(*w.StartedAt).Seconds())
	}

	e.logger.Debug("work completed",
		zap.String("work_id", w.ID.String()),
		zap.String("type", w.Type),
	)
}

// retry puts failed work back on the queue after the policy's delay.
func (e *Executor) retry(ctx context.Context, w *work.Work, execErr error) {
	if err := w.MarkFailed(execErr.Error()); err != nil {
		e.logger.Error("mark failed", zap.String("work_id", w.ID.String()), zap.Error(err))
		return
	}
	e.trackFinished(ctx, queue.OutcomeRequeued)

	delay := e.retryPolicy.NextDelay(w.Attempt)
	e.logger.Info("retrying work",
		zap.String("work_id", w.ID.String()),
		zap.Int("attempt", w.Attempt),
		zap.Duration("delay", delay),
		zap.Error(execErr),
	)
	// A cancelled sleep only shortens the delay; the work is queued regardless.
	_ = retry.Sleep(ctx, delay)

	e.metrics.WorkRetriedTotal.WithLabelValues(e.queue.ID()).Inc()
	e.requeue(ctx, w)
}

// fail records a permanent failure.
func (e *Executor) fail(ctx context.Context, w *work.Work, execErr error) {
	if err := w.MarkFailed(execErr.Error()); err != nil {
		e.logger.Error("mark failed", zap.String("work_id", w.ID.String()), zap.Error(err))
	}
	e.trackFinished(ctx, queue.OutcomeCompleted)
	e.metrics.WorkFailedTotal.WithLabelValues(e.queue.ID()).Inc()

	e.logger.Error("work permanently failed",
		zap.String("work_id", w.ID.String()),
		zap.String("type", w.Type),
		zap.Int("attempt", w.Attempt),
		zap.Error(execErr),
	)
	e.sendToDeadLetter(ctx, w)
}

// cancel handles work interrupted by a shutdown deadline. It is put back so
// a later run picks it up.
func (e *Executor) cancel(ctx context.Context, w *work.Work, execErr error) {
	if err := w.MarkCanceled(); err != nil {
		e.logger.Error("mark canceled", zap.String("work_id", w.ID.String()), zap.Error(err))
		return
	}
	w.LastError = execErr.Error()
	e.trackFinished(ctx, queue.OutcomeCanceled)

	e.logger.Warn("work canceled", zap.String("work_id", w.ID.String()), zap.Error(execErr))
	e.requeue(ctx, w)
}

func (e *Executor) requeue(ctx context.Context, w *work.Work) {
	if err := w.Reschedule(); err != nil {
		e.logger.Error("reschedule work", zap.String("work_id", w.ID.String()), zap.Error(err))
		return
	}
	if err := e.queue.Put(context.WithoutCancel(ctx), w); err != nil {
		e.logger.Error("requeue work", zap.String("work_id", w.ID.String()), zap.Error(err))
		e.sendToDeadLetter(ctx, w)
	}
}

func (e *Executor) sendToDeadLetter(ctx context.Context, w *work.Work) {
	if e.deadLetter == nil {
		return
	}
	if err := e.deadLetter.Insert(context.WithoutCancel(ctx), w); err != nil {
		e.logger.Error("dead letter work", zap.String("work_id", w.ID.String()), zap.Error(err))
	}
}

func (e *Executor) trackStarted(ctx context.Context) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.WorkStarted(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("track work started", zap.Error(err))
	}
}

func (e *Executor) trackFinished(ctx context.Context, outcome queue.Outcome) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.WorkFinished(context.WithoutCancel(ctx), outcome); err != nil {
		e.logger.Warn("track work finished", zap.Error(err))
	}
}

// sampleStats periodically copies the queue snapshot into gauges.
func (e *Executor) sampleStats(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := e.queue.Metrics(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("sample queue metrics", zap.Error(err))
				}
				continue
			}
			e.metrics.ObserveQueue(snap, e.queue.Active())
		}
	}
}
