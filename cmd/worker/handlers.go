package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/metrics"
	"github.com/leejennwah/workqueue/internal/queue"
	"github.com/leejennwah/workqueue/internal/work"
)

const defaultMaxRetries = 3

// controlHandler serves the queue control API.
type controlHandler struct {
	queue   *queue.BlockingQueue
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newRouter(h *controlHandler, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/queues/{id}", h.status).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/queues/{id}/activate", h.activate).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/queues/{id}/deactivate", h.deactivate).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/queues/{id}/work", h.enqueue).Methods(http.MethodPost)
	r.Handle("/metrics", metricsHandler)
	return r
}

func (h *controlHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queueStatus is the API view of a queue.
type queueStatus struct {
	ID      string        `json:"id"`
	State   string        `json:"state"`
	Metrics queue.Metrics `json:"metrics"`
}

func (h *controlHandler) status(w http.ResponseWriter, r *http.Request) {
	if !h.matchQueue(w, r) {
		return
	}
	m, err := h.queue.Metrics(r.Context())
	if err != nil {
		h.logger.Error("queue metrics failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, queueStatus{
		ID:      h.queue.ID(),
		State:   h.queue.State().String(),
		Metrics: m,
	})
}

func (h *controlHandler) activate(w http.ResponseWriter, r *http.Request) {
	if !h.matchQueue(w, r) {
		return
	}
	h.queue.Activate()
	h.writeState(w)
}

func (h *controlHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	if !h.matchQueue(w, r) {
		return
	}
	h.queue.Deactivate()
	h.writeState(w)
}

func (h *controlHandler) writeState(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    h.queue.ID(),
		"state": h.queue.State().String(),
	})
}

type enqueueRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

func (h *controlHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	if !h.matchQueue(w, r) {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, "max_retries must not be negative")
			return
		}
		maxRetries = *req.MaxRetries
	}

	item := work.New(req.Type, req.Payload, maxRetries)
	if err := h.queue.Put(r.Context(), item); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrInterrupted) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("enqueue failed", zap.String("type", req.Type), zap.Error(err))
		writeError(w, status, "failed to enqueue work")
		return
	}

	h.metrics.WorkEnqueuedTotal.WithLabelValues(h.queue.ID(), item.Type).Inc()
	writeJSON(w, http.StatusCreated, item)
}

// matchQueue writes a 404 when the path names a queue this worker does not
// serve.
func (h *controlHandler) matchQueue(w http.ResponseWriter, r *http.Request) bool {
	id := mux.Vars(r)["id"]
	if id != h.queue.ID() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown queue %q", id))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
