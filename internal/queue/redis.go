package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

// BRPOP timeouts have one second resolution; shorter waits are polled.
const minRedisBlock = time.Second

// RedisBackend implements Backend on a Redis list. Work is pushed on the
// left and popped from the right; lifecycle counters live in a hash so every
// process sharing the queue sees the same numbers.
type RedisBackend struct {
	client        *redis.Client
	pendingKey    string
	countersKey   string
	deadLetterKey string
	logger        *zap.Logger
}

var (
	_ BlockingBackend = (*RedisBackend)(nil)
	_ FrontInserter   = (*RedisBackend)(nil)
	_ Tracker         = (*RedisBackend)(nil)
)

// NewRedisBackend creates a Redis-backed store for the given queue.
func NewRedisBackend(client *redis.Client, queueID string, logger *zap.Logger) *RedisBackend {
	prefix := "workqueue:" + queueID
	return &RedisBackend{
		client:        client,
		pendingKey:    prefix + ":pending",
		countersKey:   prefix + ":counters",
		deadLetterKey: prefix + ":dead_letter",
		logger:        logger,
	}
}

// Insert pushes work onto the pending list using LPUSH.
func (b *RedisBackend) Insert(ctx context.Context, w *work.Work) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal work: %w", err)
	}
	if err := b.client.LPush(ctx, b.pendingKey, data).Err(); err != nil {
		return fmt.Errorf("lpush work: %w", err)
	}
	return nil
}

// InsertFront pushes work on the consuming end of the list using RPUSH.
func (b *RedisBackend) InsertFront(ctx context.Context, w *work.Work) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal work: %w", err)
	}
	if err := b.client.RPush(ctx, b.pendingKey, data).Err(); err != nil {
		return fmt.Errorf("rpush work: %w", err)
	}
	return nil
}

// TryRemove pops one item with RPOP. The pop ignores ctx cancellation.
func (b *RedisBackend) TryRemove(ctx context.Context) (*work.Work, error) {
	popCtx, cancel := removeContext(ctx)
	defer cancel()

	data, err := b.client.RPop(popCtx, b.pendingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("rpop: %w", err)
	}
	return b.decode(ctx, data)
}

// BlockingRemove waits with BRPOP. The pop runs detached from ctx and is
// bounded by timeout instead, so an element popped server side is always
// delivered to the caller rather than lost with a cancelled request.
func (b *RedisBackend) BlockingRemove(ctx context.Context, timeout time.Duration) (*work.Work, error) {
	if timeout < minRedisBlock {
		return PollBackend{Backend: b, Backoff: retry.PollPolicy()}.BlockingRemove(ctx, timeout)
	}

	result, err := b.client.BRPop(context.WithoutCancel(ctx), timeout, b.pendingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("brpop: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	return b.decode(ctx, result[1])
}

// Size returns the length of the pending list.
func (b *RedisBackend) Size(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, b.pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return n, nil
}

// DeadLetterSize returns the number of undecodable entries set aside.
func (b *RedisBackend) DeadLetterSize(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.deadLetterKey).Result()
}

// Metrics reads the pending depth and the shared counters in one round trip.
func (b *RedisBackend) Metrics(ctx context.Context) (Metrics, error) {
	var (
		llen     *redis.IntCmd
		counters *redis.MapStringStringCmd
	)
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, b.pendingKey)
		counters = pipe.HGetAll(ctx, b.countersKey)
		return nil
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("read metrics: %w", err)
	}

	fields := counters.Val()
	return Metrics{
		Scheduled: llen.Val(),
		Running:   parseCounter(fields["running"]),
		Completed: parseCounter(fields["completed"]),
		Canceled:  parseCounter(fields["canceled"]),
	}, nil
}

// WorkStarted increments the shared running counter.
func (b *RedisBackend) WorkStarted(ctx context.Context) error {
	if err := b.client.HIncrBy(ctx, b.countersKey, "running", 1).Err(); err != nil {
		return fmt.Errorf("hincrby running: %w", err)
	}
	return nil
}

// WorkFinished moves one unit out of the running counter atomically.
func (b *RedisBackend) WorkFinished(ctx context.Context, outcome Outcome) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, b.countersKey, "running", -1)
		switch outcome {
		case OutcomeCompleted:
			pipe.HIncrBy(ctx, b.countersKey, "completed", 1)
		case OutcomeCanceled:
			pipe.HIncrBy(ctx, b.countersKey, "canceled", 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return nil
}

// decode unmarshals a popped entry. Entries that cannot be decoded are moved
// to the dead letter list rather than dropped.
func (b *RedisBackend) decode(ctx context.Context, data string) (*work.Work, error) {
	var w work.Work
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		b.logger.Error("failed to unmarshal work from queue",
			zap.Error(err),
			zap.String("data", data),
		)
		if dlErr := b.client.LPush(context.WithoutCancel(ctx), b.deadLetterKey, data).Err(); dlErr != nil {
			return nil, fmt.Errorf("unmarshal work: %w (dead letter: %v)", err, dlErr)
		}
		return nil, fmt.Errorf("unmarshal work: %w", err)
	}
	return &w, nil
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
