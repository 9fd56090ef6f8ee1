package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

func TestMemoryBackendFIFO(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	first, second := newWork("first"), newWork("second")
	require.NoError(t, b.Insert(ctx, first))
	require.NoError(t, b.Insert(ctx, second))

	got, err := b.TryRemove(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	require.NoError(t, b.InsertFront(ctx, first))
	got, err = b.TryRemove(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "InsertFront must put work at the head")

	got, err = b.TryRemove(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = b.TryRemove(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryBackendBlockingRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("times out empty", func(t *testing.T) {
		b := NewMemoryBackend()
		start := time.Now()
		got, err := b.BlockingRemove(ctx, 30*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("woken by insert", func(t *testing.T) {
		b := NewMemoryBackend()
		w := newWork("a")
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = b.Insert(ctx, w)
		}()
		got, err := b.BlockingRemove(ctx, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, w.ID, got.ID)
	})

	t.Run("cancelled", func(t *testing.T) {
		b := NewMemoryBackend()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		got, err := b.BlockingRemove(cctx, time.Second)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("one insert wakes one remover", func(t *testing.T) {
		b := NewMemoryBackend()
		results := make(chan *work.Work, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, _ := b.BlockingRemove(ctx, 100*time.Millisecond)
				results <- got
			}()
		}
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, b.Insert(ctx, newWork("only")))
		wg.Wait()
		close(results)

		delivered := 0
		for got := range results {
			if got != nil {
				delivered++
			}
		}
		assert.Equal(t, 1, delivered)
	})
}

func TestMemoryBackendMetrics(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Insert(ctx, newWork("a")))
	require.NoError(t, b.Insert(ctx, newWork("b")))

	require.NoError(t, b.WorkStarted(ctx))
	require.NoError(t, b.WorkStarted(ctx))
	require.NoError(t, b.WorkStarted(ctx))
	require.NoError(t, b.WorkFinished(ctx, OutcomeCompleted))
	require.NoError(t, b.WorkFinished(ctx, OutcomeCanceled))

	m, err := b.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Scheduled: 2, Running: 1, Completed: 1, Canceled: 1}, m)

	require.NoError(t, b.WorkFinished(ctx, OutcomeRequeued))
	m, err = b.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Running)
	assert.Equal(t, int64(1), m.Completed, "requeued work is neither completed nor canceled")
}

func TestPollBackendBlockingRemove(t *testing.T) {
	ctx := context.Background()
	policy := &retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

	t.Run("finds late work", func(t *testing.T) {
		inner := NewMemoryBackend()
		p := PollBackend{Backend: tryOnlyBackend{inner: inner}, Backoff: policy}
		w := newWork("late")
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = inner.Insert(ctx, w)
		}()
		got, err := p.BlockingRemove(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, w.ID, got.ID)
	})

	t.Run("respects timeout", func(t *testing.T) {
		p := PollBackend{Backend: tryOnlyBackend{inner: NewMemoryBackend()}, Backoff: policy}
		start := time.Now()
		got, err := p.BlockingRemove(ctx, 40*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, got)
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
		assert.Less(t, elapsed, 500*time.Millisecond)
	})

	t.Run("surfaces errors", func(t *testing.T) {
		boom := errors.New("boom")
		p := PollBackend{Backend: failingBackend{err: boom}, Backoff: policy}
		_, err := p.BlockingRemove(ctx, time.Second)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		p := PollBackend{Backend: tryOnlyBackend{inner: NewMemoryBackend()}, Backoff: policy}
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		got, err := p.BlockingRemove(cctx, time.Hour)
		assert.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestAsBlocking(t *testing.T) {
	mem := NewMemoryBackend()
	assert.Same(t, mem, asBlocking(mem, retry.PollPolicy()))

	wrapped, ok := asBlocking(tryOnlyBackend{inner: mem}, retry.PollPolicy()).(PollBackend)
	require.True(t, ok)
	assert.NotNil(t, wrapped.Backoff)
}

// flakyBackend fails its first few inserts.
type flakyBackend struct {
	*MemoryBackend
	mu       sync.Mutex
	failures int
}

func (f *flakyBackend) Insert(ctx context.Context, w *work.Work) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("transient")
	}
	f.mu.Unlock()
	return f.MemoryBackend.Insert(ctx, w)
}

func TestRequeuer(t *testing.T) {
	ctx := context.Background()
	fast := &retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	t.Run("unknown queue", func(t *testing.T) {
		r := NewRequeuer(fast, zap.NewNop())
		err := r.Reschedule(ctx, "missing", newWork("a"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("routes by queue id", func(t *testing.T) {
		r := NewRequeuer(fast, zap.NewNop())
		left, right := NewMemoryBackend(), NewMemoryBackend()
		r.Register("left", left)
		r.Register("right", right)

		require.NoError(t, r.Reschedule(ctx, "right", newWork("a")))

		n, _ := left.Size(ctx)
		assert.Zero(t, n)
		n, _ = right.Size(ctx)
		assert.Equal(t, int64(1), n)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		r := NewRequeuer(fast, zap.NewNop())
		flaky := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 2}
		r.Register("q", tryOnlyWithInsert{flaky})

		require.NoError(t, r.Reschedule(ctx, "q", newWork("a")))
		n, _ := flaky.Size(ctx)
		assert.Equal(t, int64(1), n)
	})

	t.Run("gives up", func(t *testing.T) {
		r := NewRequeuer(fast, zap.NewNop())
		r.Register("q", failingBackend{err: errors.New("down")})

		err := r.Reschedule(ctx, "q", newWork("a"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 4 attempts")
	})
}

// tryOnlyWithInsert exposes only the Backend methods of a flakyBackend so the
// requeuer goes through its failing Insert rather than InsertFront.
type tryOnlyWithInsert struct {
	f *flakyBackend
}

func (b tryOnlyWithInsert) Insert(ctx context.Context, w *work.Work) error {
	return b.f.Insert(ctx, w)
}

func (b tryOnlyWithInsert) TryRemove(ctx context.Context) (*work.Work, error) {
	return b.f.TryRemove(ctx)
}

func (b tryOnlyWithInsert) Size(ctx context.Context) (int64, error) {
	return b.f.Size(ctx)
}

func (b tryOnlyWithInsert) Metrics(ctx context.Context) (Metrics, error) {
	return b.f.Metrics(ctx)
}
