package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/executor"
	"github.com/leejennwah/workqueue/internal/retry"
	"github.com/leejennwah/workqueue/internal/work"
)

func registerTasks(e *executor.Executor, logger *zap.Logger) {
	e.RegisterHandler("default", defaultHandler(logger))
	e.RegisterHandler("compute", computeHandler(logger))
	e.RegisterHandler("sleep", sleepHandler(logger))
	e.RegisterHandler("flaky", flakyHandler(logger))
}

// defaultHandler simulates a generic task with random duration.
func defaultHandler(logger *zap.Logger) executor.TaskHandler {
	return func(ctx context.Context, w *work.Work) error {
		logger.Debug("executing default task", zap.String("work_id", w.ID.String()))
		return retry.Sleep(ctx, time.Duration(1+rand.Intn(50))*time.Millisecond)
	}
}

// computeHandler simulates a CPU-bound computation.
func computeHandler(logger *zap.Logger) executor.TaskHandler {
	return func(ctx context.Context, w *work.Work) error {
		var payload struct {
			Iterations int `json:"iterations"`
		}
		if len(w.Payload) > 0 {
			if err := json.Unmarshal(w.Payload, &payload); err != nil {
				return fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		if payload.Iterations <= 0 {
			payload.Iterations = 1000
		}

		result := 0.0
		for i := 0; i < payload.Iterations; i++ {
			if i%10000 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			result += float64(i) * 0.001
		}
		logger.Debug("compute task done",
			zap.String("work_id", w.ID.String()),
			zap.Float64("result", result),
		)
		return nil
	}
}

// sleepHandler holds a worker for the requested duration, which makes pause
// and shutdown behavior easy to observe by hand.
func sleepHandler(logger *zap.Logger) executor.TaskHandler {
	return func(ctx context.Context, w *work.Work) error {
		var payload struct {
			Duration string `json:"duration"`
		}
		if len(w.Payload) > 0 {
			if err := json.Unmarshal(w.Payload, &payload); err != nil {
				return fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		d := time.Second
		if payload.Duration != "" {
			parsed, err := time.ParseDuration(payload.Duration)
			if err != nil {
				return fmt.Errorf("parse duration: %w", err)
			}
			d = parsed
		}
		logger.Info("sleep task started", zap.String("work_id", w.ID.String()), zap.Duration("duration", d))
		return retry.Sleep(ctx, d)
	}
}

// flakyHandler fails a share of executions given by failure_rate (0.0-1.0)
// in the payload, exercising retries and the dead letter path.
func flakyHandler(logger *zap.Logger) executor.TaskHandler {
	return func(ctx context.Context, w *work.Work) error {
		var payload struct {
			FailureRate float64 `json:"failure_rate"`
		}
		if len(w.Payload) > 0 {
			if err := json.Unmarshal(w.Payload, &payload); err != nil {
				return fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		if payload.FailureRate <= 0 {
			payload.FailureRate = 0.5
		}

		if err := retry.Sleep(ctx, time.Duration(1+rand.Intn(5))*time.Millisecond); err != nil {
			return err
		}
		if rand.Float64() < payload.FailureRate {
			logger.Warn("flaky task failed",
				zap.String("work_id", w.ID.String()),
				zap.Int("attempt", w.Attempt),
			)
			return fmt.Errorf("simulated transient failure (attempt %d/%d)", w.Attempt, w.MaxRetries+1)
		}
		return nil
	}
}
