// Package work defines the unit of deferred work moved through a queue and
// its lifecycle state machine.
package work

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a work item in its lifecycle.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// validTransitions defines the allowed state machine transitions.
var validTransitions = map[Status][]Status{
	StatusScheduled: {StatusRunning, StatusCanceled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCanceled},
	StatusFailed:    {StatusScheduled},
	StatusCanceled:  {StatusScheduled},
	StatusCompleted: {},
}

// Work is an opaque unit of deferred work. Queues only move ownership of it;
// the executor picks a handler by Type.
type Work struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// New creates a scheduled work item with the given type and payload.
func New(workType string, payload json.RawMessage, maxRetries int) *Work {
	now := time.Now().UTC()
	return &Work{
		ID:         uuid.New(),
		Type:       workType,
		Payload:    payload,
		Status:     StatusScheduled,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo validates and performs a state transition.
func (w *Work) TransitionTo(newStatus Status) error {
	allowed, ok := validTransitions[w.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", w.Status)
	}

	for _, s := range allowed {
		if s == newStatus {
			w.Status = newStatus
			w.UpdatedAt = time.Now().UTC()
			return nil
		}
	}

	return fmt.Errorf("invalid transition from %s to %s", w.Status, newStatus)
}

// CanRetry reports whether the work has remaining retry attempts.
func (w *Work) CanRetry() bool {
	return w.Attempt <= w.MaxRetries
}

// MarkRunning transitions the work to running and records the worker.
func (w *Work) MarkRunning(workerID string) error {
	if err := w.TransitionTo(StatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.WorkerID = workerID
	w.StartedAt = &now
	w.Attempt++
	return nil
}

// MarkCompleted transitions the work to completed.
func (w *Work) MarkCompleted() error {
	if err := w.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.CompletedAt = &now
	return nil
}

// MarkFailed transitions the work to failed with an error message.
func (w *Work) MarkFailed(errMsg string) error {
	if err := w.TransitionTo(StatusFailed); err != nil {
		return err
	}
	w.LastError = errMsg
	return nil
}

// MarkCanceled transitions the work to canceled.
func (w *Work) MarkCanceled() error {
	return w.TransitionTo(StatusCanceled)
}

// Reschedule puts a failed or canceled item back into the scheduled state so
// it can be queued again. The worker assignment is cleared.
func (w *Work) Reschedule() error {
	if err := w.TransitionTo(StatusScheduled); err != nil {
		return err
	}
	w.WorkerID = ""
	w.StartedAt = nil
	return nil
}
