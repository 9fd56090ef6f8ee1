// Script stress pushes work through a queue while repeatedly pausing and
// resuming it, then checks that every item ran exactly once.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leejennwah/workqueue/internal/executor"
	"github.com/leejennwah/workqueue/internal/metrics"
	"github.com/leejennwah/workqueue/internal/queue"
	"github.com/leejennwah/workqueue/internal/work"
)

func main() {
	items := flag.Int("items", 100000, "number of work items to push")
	producers := flag.Int("producers", 8, "concurrent producers")
	workers := flag.Int("workers", 16, "executor pool size")
	toggle := flag.Duration("toggle", 5*time.Millisecond, "mean time between pause/resume flips")
	redisAddr := flag.String("redis", "", "run against this Redis server instead of memory")
	flag.Parse()

	logger, _ := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	defer logger.Sync()

	var backend queue.Backend = queue.NewMemoryBackend()
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, PoolSize: *workers + *producers + 4})
		defer rdb.Close()
		backend = queue.NewRedisBackend(rdb, "stress-"+uuid.NewString()[:8], logger)
	}

	fmt.Printf("=== Pause/Resume Stress Test ===\n")
	fmt.Printf("Items:     %d\n", *items)
	fmt.Printf("Producers: %d\n", *producers)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Toggle:    ~%s\n", *toggle)
	fmt.Printf("Backend:   %T\n\n", backend)

	if err := run(logger, backend, *items, *producers, *workers, *toggle); err != nil {
		fmt.Printf("\nFAILED: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger, backend queue.Backend, total, producers, workers int, toggle time.Duration) error {
	qcfg := queue.DefaultConfig("stress")
	qcfg.Active = true
	qcfg.AttemptTimeout = 50 * time.Millisecond
	q := queue.New(qcfg, backend, nil, logger)

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int, total)
		ran  atomic.Int64
	)
	exec := executor.New(q, metrics.New(prometheus.NewRegistry()), logger, executor.Config{Workers: workers})
	exec.RegisterHandler("stress", func(ctx context.Context, w *work.Work) error {
		mu.Lock()
		seen[w.ID]++
		mu.Unlock()
		ran.Add(1)
		return nil
	})

	ctx := context.Background()
	if err := exec.Start(ctx); err != nil {
		return err
	}

	start := time.Now()
	stopToggling := make(chan struct{})
	var flips atomic.Int64
	togglerDone := make(chan struct{})
	go func() {
		defer close(togglerDone)
		for {
			d := time.Duration(rand.Int63n(int64(2*toggle) + 1))
			select {
			case <-stopToggling:
				return
			case <-time.After(d):
			}
			q.SetActive(!q.Active())
			flips.Add(1)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	per := total / producers
	for p := 0; p < producers; p++ {
		n := per
		if p == producers-1 {
			n = total - per*(producers-1)
		}
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if err := q.Put(gctx, work.New("stress", nil, 0)); err != nil {
					return fmt.Errorf("put: %w", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	enqueued := time.Since(start)

	close(stopToggling)
	<-togglerDone
	q.Activate()

	deadline := time.Now().Add(2 * time.Minute)
	for ran.Load() < int64(total) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := exec.Shutdown(shutdownCtx, executor.ShutdownKeep); err != nil {
		return err
	}
	elapsed := time.Since(start)

	m, err := q.Metrics(ctx)
	if err != nil {
		return err
	}

	duplicates := 0
	mu.Lock()
	for _, n := range seen {
		if n > 1 {
			duplicates++
		}
	}
	distinct := len(seen)
	mu.Unlock()

	fmt.Printf("=== Results ===\n")
	fmt.Printf("Enqueue time:  %s\n", enqueued.Round(time.Millisecond))
	fmt.Printf("Total time:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Flips:         %d\n", flips.Load())
	fmt.Printf("Executed:      %d distinct / %d total\n", distinct, total)
	fmt.Printf("Rescheduled:   %d\n", m.Rescheduled)
	fmt.Printf("Left pending:  %d\n", m.Scheduled)
	fmt.Printf("Throughput:    %.0f items/s\n", float64(total)/elapsed.Seconds())

	if duplicates > 0 {
		return fmt.Errorf("%d items executed more than once", duplicates)
	}
	if distinct != total {
		return fmt.Errorf("%d items lost", total-distinct)
	}
	return nil
}
