package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lotscan/internal/service"
	"lotscan/pkg/apierror"
	"lotscan/pkg/response"
)

// Queue is the sync queue.
type Queue interface {
	Pending(ctx context.Context) (*service.QueueView, error)
	Drain(ctx context.Context) (*service.DrainReport, error)
	Retry(ctx context.Context, id string) error
}

// QueueHandler exposes the offline queue for inspection.
type QueueHandler struct {
	queue Queue
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(queue Queue) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// List handles GET /api/v1/queue
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	view, err := h.queue.Pending(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, view)
}

// Drain handles POST /api/v1/queue/drain
func (h *QueueHandler) Drain(w http.ResponseWriter, r *http.Request) {
	report, err := h.queue.Drain(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, report)
}

// Retry handles POST /api/v1/queue/{id}/retry
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		response.Error(w, apierror.BadRequest("id is required"))
		return
	}

	if err := h.queue.Retry(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "released", "id": id})
}
