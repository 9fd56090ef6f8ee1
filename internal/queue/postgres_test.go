package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openTestPostgres connects to WORKQUEUE_TEST_DATABASE_URL, applies the
// schema and returns a backend on a fresh queue id.
func openTestPostgres(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := os.Getenv("WORKQUEUE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WORKQUEUE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	queueID := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM work_queue WHERE queue_id = ANY($1)`,
			[]string{queueID, queueID + ":dead_letter"})
	})
	return NewPostgresBackend(pool, queueID, zap.NewNop())
}

func TestPostgresBackendRoundTrip(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()

	first, second := newWork("first"), newWork("second")
	require.NoError(t, b.Insert(ctx, first))
	require.NoError(t, b.Insert(ctx, second))

	n, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := b.TryRemove(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "first", got.Type)

	got, err = b.TryRemove(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = b.TryRemove(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	m, err := b.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Scheduled)
}

func TestPostgresBackendConcurrentRemovers(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()

	const total = 50
	for i := 0; i < total; i++ {
		require.NoError(t, b.Insert(ctx, newWork("w")))
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for c := 0; c < 5; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				w, err := b.TryRemove(ctx)
				if err != nil {
					t.Errorf("try remove: %v", err)
					return
				}
				if w == nil {
					return
				}
				mu.Lock()
				seen[w.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "work %s removed more than once", id)
	}
}

func TestPostgresBackedQueueTake(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()
	q := New(testConfig(true), b, nil, zap.NewNop())

	w := newWork("durable")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Put(ctx, w)
	}()

	got, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, w.ID, got.ID)
}

func TestPostgresBackendDeadLettersGarbage(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()

	_, err := b.pool.Exec(ctx,
		`INSERT INTO work_queue (queue_id, work_id, data) VALUES ($1, $2, $3::jsonb)`,
		b.queueID, uuid.New(), `{"id":"not-a-uuid"}`)
	require.NoError(t, err)
	good := newWork("after-garbage")
	require.NoError(t, b.Insert(ctx, good))

	got, err := b.TryRemove(ctx)
	require.Error(t, err)
	assert.Nil(t, got)

	dead, err := b.DeadLetterSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead, "undecodable row must be kept")

	got, err = b.TryRemove(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, good.ID, got.ID)
}

func TestPostgresBackendRemoveIgnoresCancellation(t *testing.T) {
	b := openTestPostgres(t)
	w := newWork("kept")
	require.NoError(t, b.Insert(context.Background(), w))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := b.TryRemove(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, w.ID, got.ID)
}

func TestPostgresBackedQueueCancelledPollReschedules(t *testing.T) {
	b := openTestPostgres(t)
	q := New(testConfig(true), b, nil, zap.NewNop())
	w := newWork("kept")
	require.NoError(t, q.Put(context.Background(), w))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := q.Poll(ctx)
	assert.Nil(t, got)
	require.ErrorIs(t, err, ErrInterrupted)

	n, err := b.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
