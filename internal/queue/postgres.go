package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/work"
)

// PostgresBackend implements Backend on the work_queue table. Pending work
// survives process restarts. It has no native blocking remove; queues wrap
// it in a PollBackend.
type PostgresBackend struct {
	Counters

	pool    *pgxpool.Pool
	queueID string
	logger  *zap.Logger
}

var (
	_ Backend = (*PostgresBackend)(nil)
	_ Tracker = (*PostgresBackend)(nil)
)

// NewPostgresBackend creates a Postgres-backed store for the given queue.
func NewPostgresBackend(pool *pgxpool.Pool, queueID string, logger *zap.Logger) *PostgresBackend {
	return &PostgresBackend{pool: pool, queueID: queueID, logger: logger}
}

// Insert appends a row for w.
func (b *PostgresBackend) Insert(ctx context.Context, w *work.Work) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal work: %w", err)
	}

	query := `
		INSERT INTO work_queue (queue_id, work_id, data)
		VALUES ($1, $2, $3)`

	if _, err := b.pool.Exec(ctx, query, b.queueID, w.ID, data); err != nil {
		return fmt.Errorf("insert work: %w", err)
	}
	return nil
}

// TryRemove deletes and returns the oldest row. Concurrent removers skip
// rows locked by each other, so every row is handed out once. The removal
// ignores ctx cancellation.
//
// A row that cannot be decoded is moved to the dead letter queue id in the
// same transaction instead of being deleted.
func (b *PostgresBackend) TryRemove(ctx context.Context) (*work.Work, error) {
	txCtx, cancel := removeContext(ctx)
	defer cancel()

	var (
		w       *work.Work
		decoded error
	)
	err := pgx.BeginFunc(txCtx, b.pool, func(tx pgx.Tx) error {
		query := `
			SELECT seq, data FROM work_queue
			WHERE queue_id = $1
			ORDER BY seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1`

		var (
			seq  int64
			data []byte
		)
		if err := tx.QueryRow(txCtx, query, b.queueID).Scan(&seq, &data); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select work: %w", err)
		}

		var candidate work.Work
		if decoded = json.Unmarshal(data, &candidate); decoded != nil {
			b.logger.Error("failed to unmarshal work from table",
				zap.Error(decoded),
				zap.Int64("seq", seq),
				zap.ByteString("data", data),
			)
			if _, err := tx.Exec(txCtx, `UPDATE work_queue SET queue_id = $1 WHERE seq = $2`, b.deadLetterID(), seq); err != nil {
				return fmt.Errorf("dead letter work: %w", err)
			}
			return nil
		}

		if _, err := tx.Exec(txCtx, `DELETE FROM work_queue WHERE seq = $1`, seq); err != nil {
			return fmt.Errorf("delete work: %w", err)
		}
		w = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decoded != nil {
		return nil, fmt.Errorf("unmarshal work: %w", decoded)
	}
	return w, nil
}

// Size counts pending rows for the queue.
func (b *PostgresBackend) Size(ctx context.Context) (int64, error) {
	var n int64
	err := b.pool.QueryRow(ctx, `SELECT count(*) FROM work_queue WHERE queue_id = $1`, b.queueID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count work: %w", err)
	}
	return n, nil
}

// DeadLetterSize returns the number of undecodable rows set aside.
func (b *PostgresBackend) DeadLetterSize(ctx context.Context) (int64, error) {
	var n int64
	query := `SELECT count(*) FROM work_queue WHERE queue_id = $1`
	if err := b.pool.QueryRow(ctx, query, b.deadLetterID()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (b *PostgresBackend) deadLetterID() string {
	return b.queueID + ":dead_letter"
}

// Metrics returns the pending row count and the in-process counters.
func (b *PostgresBackend) Metrics(ctx context.Context) (Metrics, error) {
	n, err := b.Size(ctx)
	if err != nil {
		return Metrics{}, err
	}
	return b.Snapshot(Metrics{Scheduled: n}), nil
}
