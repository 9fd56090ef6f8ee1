// Script seed pauses a worker's queue, pushes sample work through the control
// API and resumes it, for local development.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/leejennwah/workqueue/pkg/client"
)

func main() {
	apiURL := flag.String("api", getEnv("WORKQUEUE_API_URL", "http://localhost:8080"), "worker control API base URL")
	queueID := flag.String("queue", "default", "queue to seed")
	count := flag.Int("count", 20, "number of work items")
	flag.Parse()

	c := client.New(*apiURL)
	ctx := context.Background()

	// Hold the queue so the whole batch is visible before workers start.
	if err := c.Deactivate(ctx, *queueID); err != nil {
		log.Fatalf("deactivate queue %s: %v", *queueID, err)
	}

	types := []string{"default", "compute", "sleep", "flaky"}
	payloads := map[string]json.RawMessage{
		"default": json.RawMessage(`{"seed":true}`),
		"compute": json.RawMessage(`{"iterations":5000}`),
		"sleep":   json.RawMessage(`{"duration":"200ms"}`),
		"flaky":   json.RawMessage(`{"failure_rate":0.3}`),
	}

	enqueued := 0
	for i := 0; i < *count; i++ {
		workType := types[i%len(types)]
		resp, err := c.Enqueue(ctx, *queueID, &client.EnqueueRequest{
			Type:    workType,
			Payload: payloads[workType],
		})
		if err != nil {
			log.Printf("failed to enqueue work %d: %v", i, err)
			continue
		}
		enqueued++
		fmt.Printf("enqueued work %s (type=%s)\n", resp.ID, workType)
	}

	status, err := c.Status(ctx, *queueID)
	if err != nil {
		log.Fatalf("queue status: %v", err)
	}
	fmt.Printf("\nqueue %s is %s with %d scheduled\n", status.ID, status.State, status.Metrics.Scheduled)

	if err := c.Activate(ctx, *queueID); err != nil {
		log.Fatalf("activate queue %s: %v", *queueID, err)
	}
	fmt.Printf("seed complete: %d items, queue resumed\n", enqueued)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
