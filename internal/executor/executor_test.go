package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/metrics"
	"github.com/leejennwah/workqueue/internal/queue"
	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

var fastRetry = &retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

type fixture struct {
	backend *queue.MemoryBackend
	queue   *queue.BlockingQueue
	metrics *metrics.Metrics
	exec    *Executor
}

func newFixture(t *testing.T, active bool, cfg Config, opts ...Option) *fixture {
	t.Helper()
	backend := queue.NewMemoryBackend()
	qcfg := queue.DefaultConfig("exec-test")
	qcfg.Active = active
	qcfg.WaitTimeout = 50 * time.Millisecond
	qcfg.AttemptTimeout = 50 * time.Millisecond
	q := queue.New(qcfg, backend, nil, zap.NewNop())
	m := metrics.New(prometheus.NewRegistry())

	opts = append([]Option{WithTracker(backend), WithRetryPolicy(fastRetry)}, opts...)
	return &fixture{
		backend: backend,
		queue:   q,
		metrics: m,
		exec:    New(q, m, zap.NewNop(), cfg, opts...),
	}
}

func (f *fixture) put(t *testing.T, n int, workType string, maxRetries int) []*work.Work {
	t.Helper()
	items := make([]*work.Work, 0, n)
	for i := 0; i < n; i++ {
		w := work.New(workType, nil, maxRetries)
		require.NoError(t, f.queue.Put(context.Background(), w))
		items = append(items, w)
	}
	return items
}

func shutdown(t *testing.T, e *Executor, mode ShutdownMode) []*work.Work {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	drained, err := e.Shutdown(ctx, mode)
	require.NoError(t, err)
	return drained
}

func TestExecutorRunsRegisteredHandlers(t *testing.T) {
	f := newFixture(t, true, Config{Workers: 4})
	var ran atomic.Int64
	f.exec.RegisterHandler("count", func(ctx context.Context, w *work.Work) error {
		ran.Add(1)
		return nil
	})

	require.NoError(t, f.exec.Start(context.Background()))
	f.put(t, 20, "count", 0)

	require.Eventually(t, func() bool { return ran.Load() == 20 }, 5*time.Second, 5*time.Millisecond)
	shutdown(t, f.exec, ShutdownKeep)

	m, err := f.queue.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), m.Completed)
	assert.Zero(t, m.Running)
	assert.Zero(t, m.Scheduled)
	assert.Equal(t, 20.0, testutil.ToFloat64(f.metrics.WorkSuccessTotal.WithLabelValues("exec-test")))
}

func TestExecutorRetriesFailures(t *testing.T) {
	f := newFixture(t, true, Config{Workers: 2})
	var (
		mu       sync.Mutex
		attempts = make(map[string]int)
		done     = make(chan *work.Work, 1)
	)
	f.exec.RegisterHandler("flaky", func(ctx context.Context, w *work.Work) error {
		mu.Lock()
		attempts[w.ID.String()]++
		n := attempts[w.ID.String()]
		mu.Unlock()
		if n < 3 {
			return errors.New("transient")
		}
		done <- w
		return nil
	})

	require.NoError(t, f.exec.Start(context.Background()))
	f.put(t, 1, "flaky", 3)

	select {
	case w := <-done:
		assert.Equal(t, 3, w.Attempt)
		assert.Equal(t, "transient", w.LastError)
	case <-time.After(5 * time.Second):
		t.Fatal("flaky work never succeeded")
	}
	shutdown(t, f.exec, ShutdownKeep)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.WorkRetriedTotal.WithLabelValues("exec-test")))
	m, err := f.queue.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Completed, "retries are not counted as completions")
}

func TestExecutorDeadLettersExhaustedWork(t *testing.T) {
	dead := queue.NewMemoryBackend()
	f := newFixture(t, true, Config{Workers: 1}, WithDeadLetter(dead))
	var calls atomic.Int64
	f.exec.RegisterHandler("broken", func(ctx context.Context, w *work.Work) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	require.NoError(t, f.exec.Start(context.Background()))
	f.put(t, 1, "broken", 1)

	require.Eventually(t, func() bool {
		n, _ := dead.Size(context.Background())
		return n == 1
	}, 5*time.Second, 5*time.Millisecond)
	shutdown(t, f.exec, ShutdownKeep)

	assert.Equal(t, int64(2), calls.Load(), "one attempt plus one retry")
	w, err := dead.TryRemove(context.Background())
	require.NoError(t, err)
	assert.Equal(t, work.StatusFailed, w.Status)
	assert.Equal(t, "always fails", w.LastError)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkFailedTotal.WithLabelValues("exec-test")))
}

func TestExecutorUnknownTypeFailsWithoutRetry(t *testing.T) {
	dead := queue.NewMemoryBackend()
	f := newFixture(t, true, Config{Workers: 1}, WithDeadLetter(dead))

	require.NoError(t, f.exec.Start(context.Background()))
	f.put(t, 1, "nobody-handles-this", 5)

	require.Eventually(t, func() bool {
		n, _ := dead.Size(context.Background())
		return n == 1
	}, 5*time.Second, 5*time.Millisecond)
	shutdown(t, f.exec, ShutdownKeep)

	w, err := dead.TryRemove(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, w.Attempt)
	assert.Contains(t, w.LastError, ErrNoHandler.Error())
}

func TestExecutorIdleWhileQueueInactive(t *testing.T) {
	f := newFixture(t, false, Config{Workers: 2})
	var ran atomic.Int64
	f.exec.RegisterHandler("count", func(ctx context.Context, w *work.Work) error {
		ran.Add(1)
		return nil
	})

	require.NoError(t, f.exec.Start(context.Background()))
	f.put(t, 5, "count", 0)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ran.Load())

	f.queue.Activate()
	require.Eventually(t, func() bool { return ran.Load() == 5 }, 5*time.Second, 5*time.Millisecond)

	f.queue.Deactivate()
	f.put(t, 3, "count", 0)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(5), ran.Load())

	shutdown(t, f.exec, ShutdownKeep)
	n, err := f.backend.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestShutdownKeepLeavesPendingWork(t *testing.T) {
	f := newFixture(t, false, Config{Workers: 3})
	require.NoError(t, f.exec.Start(context.Background()))
	f.put(t, 5, "count", 0)

	drained := shutdown(t, f.exec, ShutdownKeep)
	assert.Nil(t, drained)
	assert.False(t, f.queue.Active())

	n, err := f.backend.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestShutdownDrainReturnsPendingWork(t *testing.T) {
	f := newFixture(t, true, Config{Workers: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.exec.RegisterHandler("block", func(ctx context.Context, w *work.Work) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	require.NoError(t, f.exec.Start(context.Background()))
	f.put(t, 1, "block", 0)
	<-started
	pending := f.put(t, 3, "block", 0)

	type result struct {
		drained []*work.Work
		err     error
	}
	res := make(chan result, 1)
	go func() {
		drained, err := f.exec.Shutdown(context.Background(), ShutdownDrain)
		res <- result{drained, err}
	}()

	require.Eventually(t, func() bool { return f.exec.loopCtx.Err() != nil }, time.Second, time.Millisecond)
	close(release)

	r := <-res
	require.NoError(t, r.err)
	require.Len(t, r.drained, 3)
	for i, w := range r.drained {
		assert.Equal(t, pending[i].ID, w.ID)
	}
	assert.False(t, f.queue.Active())

	n, err := f.backend.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestShutdownDeadlineCancelsRunningWork(t *testing.T) {
	f := newFixture(t, true, Config{Workers: 1})
	started := make(chan struct{})
	f.exec.RegisterHandler("stuck", func(ctx context.Context, w *work.Work) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, f.exec.Start(context.Background()))
	items := f.put(t, 1, "stuck", 0)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.exec.Shutdown(ctx, ShutdownKeep)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	w, err := f.backend.TryRemove(context.Background())
	require.NoError(t, err)
	require.NotNil(t, w, "interrupted work must be put back")
	assert.Equal(t, items[0].ID, w.ID)
	assert.Equal(t, work.StatusScheduled, w.Status)

	m, err := f.backend.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Canceled)
	assert.Zero(t, m.Running)
}

func TestStartAndShutdownMisuse(t *testing.T) {
	f := newFixture(t, true, Config{Workers: 1})

	_, err := f.exec.Shutdown(context.Background(), ShutdownKeep)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, f.exec.Start(context.Background()))
	assert.ErrorIs(t, f.exec.Start(context.Background()), ErrAlreadyStarted)

	shutdown(t, f.exec, ShutdownKeep)
	_, err = f.exec.Shutdown(context.Background(), ShutdownKeep)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCancelledStartContextStopsWorkers(t *testing.T) {
	f := newFixture(t, true, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.exec.Start(ctx))
	cancel()

	done := make(chan error, 1)
	go func() { done <- f.exec.group.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after the start context was cancelled")
	}
	shutdown(t, f.exec, ShutdownKeep)
}

func TestStatsSamplerPublishesQueueGauges(t *testing.T) {
	f := newFixture(t, false, Config{Workers: 1, StatsInterval: 10 * time.Millisecond})
	f.put(t, 4, "count", 0)
	require.NoError(t, f.exec.Start(context.Background()))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.QueueScheduled.WithLabelValues("exec-test")) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.QueueActive.WithLabelValues("exec-test")))

	shutdown(t, f.exec, ShutdownKeep)
}

func TestRateLimitPacesRetrieval(t *testing.T) {
	f := newFixture(t, true, Config{Workers: 4, RateLimit: 50, RateBurst: 1})
	var ran atomic.Int64
	f.exec.RegisterHandler("count", func(ctx context.Context, w *work.Work) error {
		ran.Add(1)
		return nil
	})
	f.put(t, 10, "count", 0)

	start := time.Now()
	require.NoError(t, f.exec.Start(context.Background()))
	require.Eventually(t, func() bool { return ran.Load() == 10 }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	shutdown(t, f.exec, ShutdownKeep)
}

func TestShutdownModeString(t *testing.T) {
	assert.Equal(t, "keep", ShutdownKeep.String())
	assert.Equal(t, "drain", ShutdownDrain.String())
}
