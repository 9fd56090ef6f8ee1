// Script loadtest pushes a high volume of work through a worker's control
// API to benchmark enqueue throughput. A mix of reliable and flaky work
// exercises the retry and dead letter path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leejennwah/workqueue/pkg/client"
)

const maxHTTPRetries = 3

func main() {
	apiURL := flag.String("api", getEnv("WORKQUEUE_API_URL", "http://localhost:8080"), "worker control API base URL")
	queueID := flag.String("queue", "default", "target queue")
	count := flag.Int("count", 100000, "number of work items")
	concurrency := flag.Int("concurrency", 100, "concurrent requests")
	flag.Parse()

	fmt.Printf("=== Work Queue Load Test ===\n")
	fmt.Printf("Target:      %s (queue %s)\n", *apiURL, *queueID)
	fmt.Printf("Total Work:  %d\n", *count)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Work Mix:    80%% reliable, 20%% flaky (50%% failure rate)\n\n")

	c := client.New(*apiURL)
	ctx := context.Background()

	var (
		enqueueSuccess atomic.Int64
		enqueueFail    atomic.Int64
		httpRetries    atomic.Int64
		flakyCount     atomic.Int64
	)
	reliableTypes := []string{"default", "compute", "sleep"}
	maxRetries := 2

	g := &errgroup.Group{}
	g.SetLimit(*concurrency)
	start := time.Now()

	for i := 0; i < *count; i++ {
		idx := i
		g.Go(func() error {
			req := &client.EnqueueRequest{MaxRetries: &maxRetries}
			if idx%5 == 0 {
				req.Type = "flaky"
				req.Payload = json.RawMessage(`{"failure_rate":0.5}`)
				flakyCount.Add(1)
			} else {
				req.Type = reliableTypes[idx%len(reliableTypes)]
				if req.Type == "sleep" {
					req.Payload = json.RawMessage(`{"duration":"5ms"}`)
				} else {
					req.Payload = json.RawMessage(`{"iterations":100}`)
				}
			}

			var lastErr error
			for attempt := 0; attempt <= maxHTTPRetries; attempt++ {
				if attempt > 0 {
					httpRetries.Add(1)
					time.Sleep(time.Duration(attempt*50) * time.Millisecond)
				}
				if _, lastErr = c.Enqueue(ctx, *queueID, req); lastErr == nil {
					break
				}
			}
			if lastErr != nil {
				enqueueFail.Add(1)
			} else {
				enqueueSuccess.Add(1)
			}

			done := enqueueSuccess.Load() + enqueueFail.Load()
			if done%10000 == 0 {
				rate := float64(done) / time.Since(start).Seconds()
				fmt.Printf("  Progress: %d/%d enqueued (%.0f items/s)\n", done, *count, rate)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	fmt.Printf("\n=== Enqueue Results ===\n")
	fmt.Printf("Duration:       %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Enqueued:       %d / %d\n", enqueueSuccess.Load(), *count)
	fmt.Printf("Enqueue Fails:  %d\n", enqueueFail.Load())
	fmt.Printf("HTTP Retries:   %d\n", httpRetries.Load())
	fmt.Printf("Throughput:     %.0f items/s\n", float64(enqueueSuccess.Load())/elapsed.Seconds())
	fmt.Printf("Flaky work:     %d (expect ~%.0f dead-lettered)\n", flakyCount.Load(), float64(flakyCount.Load())*0.125)

	if status, err := c.Status(ctx, *queueID); err == nil {
		fmt.Printf("\nQueue %s: state=%s scheduled=%d running=%d completed=%d\n",
			status.ID, status.State, status.Metrics.Scheduled, status.Metrics.Running, status.Metrics.Completed)
	}

	if enqueueFail.Load() > 0 {
		fmt.Printf("\nWARNING: %d items failed to enqueue\n", enqueueFail.Load())
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
