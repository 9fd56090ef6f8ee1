package queue

import (
	"context"
	"sync"
	"time"

	"github.com/leejennwah/workqueue/internal/deque"
	"github.com/leejennwah/workqueue/internal/work"
)

// MemoryBackend keeps pending work in process memory. Pending work is lost
// when the process exits.
type MemoryBackend struct {
	Counters

	mu    sync.Mutex
	items *deque.Deque[*work.Work]
	// notify is closed and replaced on every insert to wake blocked removers.
	notify chan struct{}
}

var (
	_ BlockingBackend = (*MemoryBackend)(nil)
	_ FrontInserter   = (*MemoryBackend)(nil)
	_ Tracker         = (*MemoryBackend)(nil)
)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items:  deque.New[*work.Work](),
		notify: make(chan struct{}),
	}
}

// Insert appends work at the tail.
func (b *MemoryBackend) Insert(_ context.Context, w *work.Work) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items.PushBack(w)
	b.wake()
	return nil
}

// InsertFront puts work at the head so it is removed next.
func (b *MemoryBackend) InsertFront(_ context.Context, w *work.Work) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items.PushFront(w)
	b.wake()
	return nil
}

// TryRemove removes the head item, or returns nil when empty.
func (b *MemoryBackend) TryRemove(context.Context) (*work.Work, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, _ := b.items.PopFront()
	return w, nil
}

// BlockingRemove waits up to timeout for an item.
func (b *MemoryBackend) BlockingRemove(ctx context.Context, timeout time.Duration) (*work.Work, error) {
	if timeout <= 0 {
		return b.TryRemove(ctx)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		w, ok := b.items.PopFront()
		notify := b.notify
		b.mu.Unlock()
		if ok {
			return w, nil
		}

		select {
		case <-notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Size returns the number of pending items.
func (b *MemoryBackend) Size(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.items.Len()), nil
}

// Metrics returns pending depth and the in-process lifecycle counters.
func (b *MemoryBackend) Metrics(ctx context.Context) (Metrics, error) {
	n, _ := b.Size(ctx)
	return b.Snapshot(Metrics{Scheduled: n}), nil
}

func (b *MemoryBackend) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}
