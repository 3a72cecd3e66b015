package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/internal/model"
	"lotscan/internal/service"
	"lotscan/pkg/apierror"
	"lotscan/pkg/response"
)

// Session is the scan session driven by the presentation layer.
type Session interface {
	Scan(ctx context.Context, input string) (*service.ScanResult, error)
	SelectProduct(p model.ProductInfo) error
	SelectProductByLot(ctx context.Context, lot string) (*model.TallySnapshot, error)
	ChangeProduct() error
	SetNote(lot, note string) error
	Submit(ctx context.Context, opts service.SubmitOptions) (*service.SubmitOutcome, error)
	Snapshot() model.TallySnapshot
}

// EventSource publishes core events.
type EventSource interface {
	Subscribe(buffer int) (<-chan service.Event, func())
}

// SessionHandler handles scan session HTTP requests.
type SessionHandler struct {
	session   Session
	events    EventSource
	heartbeat time.Duration
	log       *zap.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(session Session, events EventSource, log *zap.Logger) *SessionHandler {
	return &SessionHandler{
		session:   session,
		events:    events,
		heartbeat: 15 * time.Second,
		log:       logger.OrNop(log).Named("http.session"),
	}
}

// Get handles GET /api/v1/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.session.Snapshot())
}

// ScanRequest is the body of a scan.
type ScanRequest struct {
	Lot string `json:"lot"`
}

// Scan handles POST /api/v1/session/scan
func (h *SessionHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	res, err := h.session.Scan(r.Context(), req.Lot)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, res)
}

// SelectProductRequest selects a product either by one of its lots or directly.
type SelectProductRequest struct {
	Lot     string             `json:"lot,omitempty"`
	Product *model.ProductInfo `json:"product,omitempty"`
}

// SelectProduct handles POST /api/v1/session/product
func (h *SessionHandler) SelectProduct(w http.ResponseWriter, r *http.Request) {
	var req SelectProductRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	switch {
	case req.Product != nil:
		if err := h.session.SelectProduct(*req.Product); err != nil {
			response.Error(w, err)
			return
		}
		response.OK(w, h.session.Snapshot())
	case req.Lot != "":
		snap, err := h.session.SelectProductByLot(r.Context(), req.Lot)
		if err != nil {
			response.Error(w, err)
			return
		}
		response.OK(w, snap)
	default:
		response.Error(w, apierror.ValidationError("lot or product is required"))
	}
}

// ChangeProduct handles POST /api/v1/session/change
func (h *SessionHandler) ChangeProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ChangeProduct(); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, h.session.Snapshot())
}

// NoteRequest annotates a lot line.
type NoteRequest struct {
	Lot  string `json:"lot" validate:"notblank"`
	Note string `json:"note"`
}

// SetNote handles POST /api/v1/session/notes
func (h *SessionHandler) SetNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decodeValid(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	if err := h.session.SetNote(req.Lot, req.Note); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, h.session.Snapshot())
}

// Submit handles POST /api/v1/session/submit. A queued submission answers
// 202 Accepted.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var opts service.SubmitOptions
	if err := decodeValid(r, &opts); err != nil {
		response.Error(w, err)
		return
	}

	out, err := h.session.Submit(r.Context(), opts)
	if err != nil {
		response.Error(w, err)
		return
	}
	if out.Queued {
		response.Accepted(w, out)
		return
	}
	response.OK(w, out)
}

// Events handles GET /api/v1/session/events as a server-sent event stream.
// The current tally is sent first.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, apierror.InternalError("streaming unsupported"))
		return
	}

	events, cancel := h.events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, service.Event{Type: service.EventTallyChanged, At: time.Now(), Data: h.session.Snapshot()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				h.log.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e service.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
