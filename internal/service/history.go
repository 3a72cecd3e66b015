package service

import (
	"context"
	"strings"

	"lotscan/internal/model"
	"lotscan/pkg/apierror"
)

// HistoryBackend is the read side of the Remote Client.
type HistoryBackend interface {
	ListSubmissions(ctx context.Context, projectID int64, limit, offset int) (*model.SubmissionPage, error)
	GetSubmissionLines(ctx context.Context, submissionID int64) ([]model.SubmissionLine, error)
	CheckPreviousSubmissions(ctx context.Context, lot string, locationID int64) (*model.LotHistory, error)
}

// HistoryService reads submission history from the backend, defaulting the
// project and location to the signed-in operator's. It needs connectivity.
type HistoryService struct {
	backend HistoryBackend
	auth    SessionAuth
	conn    *ConnectivityMonitor
}

// NewHistoryService creates a HistoryService.
func NewHistoryService(backend HistoryBackend, auth SessionAuth, conn *ConnectivityMonitor) *HistoryService {
	return &HistoryService{backend: backend, auth: auth, conn: conn}
}

// ListSubmissions returns a page of submissions. A zero projectID means the
// running project.
func (h *HistoryService) ListSubmissions(ctx context.Context, projectID int64, limit, offset int) (*model.SubmissionPage, error) {
	rec, err := h.auth.Current(ctx)
	if err != nil {
		return nil, err
	}
	if projectID == 0 && rec.Project != nil {
		projectID = rec.Project.ID
	}
	page, err := h.backend.ListSubmissions(ctx, projectID, limit, offset)
	h.conn.Observe(err)
	return page, err
}

// SubmissionLines returns the lines of a synced submission.
func (h *HistoryService) SubmissionLines(ctx context.Context, submissionID int64) ([]model.SubmissionLine, error) {
	if submissionID <= 0 {
		return nil, apierror.ValidationError("Submission ID is required")
	}
	if _, err := h.auth.Current(ctx); err != nil {
		return nil, err
	}
	lines, err := h.backend.GetSubmissionLines(ctx, submissionID)
	h.conn.Observe(err)
	return lines, err
}

// LotHistory reports earlier validated counts of lot. A zero locationID
// means the operator's location.
func (h *HistoryService) LotHistory(ctx context.Context, lot string, locationID int64) (*model.LotHistory, error) {
	lot = strings.TrimSpace(lot)
	if lot == "" {
		return nil, apierror.ValidationError("Lot number is required")
	}
	rec, err := h.auth.Current(ctx)
	if err != nil {
		return nil, err
	}
	if locationID == 0 {
		locationID = rec.LocationID()
	}
	hist, err := h.backend.CheckPreviousSubmissions(ctx, lot, locationID)
	h.conn.Observe(err)
	return hist, err
}
