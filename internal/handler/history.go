package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lotscan/internal/model"
	"lotscan/pkg/apierror"
	"lotscan/pkg/response"
)

// History reads submission history from the backend.
type History interface {
	ListSubmissions(ctx context.Context, projectID int64, limit, offset int) (*model.SubmissionPage, error)
	SubmissionLines(ctx context.Context, submissionID int64) ([]model.SubmissionLine, error)
	LotHistory(ctx context.Context, lot string, locationID int64) (*model.LotHistory, error)
}

// HistoryHandler handles submission history HTTP requests.
type HistoryHandler struct {
	history History
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(history History) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// Submissions handles GET /api/v1/submissions?project_id=&page=&limit=
func (h *HistoryHandler) Submissions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		response.Error(w, err)
		return
	}
	if page < 1 {
		page = 1
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		response.Error(w, err)
		return
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	projectID, err := queryInt(r, "project_id", 0)
	if err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.history.ListSubmissions(r.Context(), int64(projectID), limit, (page-1)*limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSONWithMeta(w, http.StatusOK, result.Submissions, response.Meta{
		Limit:   result.Limit,
		Offset:  result.Offset,
		Total:   result.TotalCount,
		HasMore: result.HasMore,
	})
}

// SubmissionLines handles GET /api/v1/submissions/{id}/lines
func (h *HistoryHandler) SubmissionLines(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, apierror.BadRequest("id must be a positive integer"))
		return
	}

	lines, err := h.history.SubmissionLines(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, lines)
}

// LotHistory handles GET /api/v1/lots/{lot}/history?location_id=
func (h *HistoryHandler) LotHistory(w http.ResponseWriter, r *http.Request) {
	locationID, err := queryInt(r, "location_id", 0)
	if err != nil {
		response.Error(w, err)
		return
	}

	hist, err := h.history.LotHistory(r.Context(), chi.URLParam(r, "lot"), int64(locationID))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, hist)
}
