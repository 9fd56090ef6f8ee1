package queue

import "errors"

var (
	// ErrInterrupted is returned when the caller's context ends while it is
	// blocked on activation, retrieval or insertion. The context error is
	// wrapped alongside it.
	ErrInterrupted = errors.New("queue operation interrupted")

	// ErrBackend wraps every storage failure surfaced by a backend or by the
	// rescheduler. Work is never silently dropped on these paths.
	ErrBackend = errors.New("queue backend failure")
)
