package model

import (
	"encoding/json"
	"time"
)

// WorkKind is the operation a SyncWorkItem will perform.
type WorkKind string

const (
	WorkCreateSubmission WorkKind = "create_submission"
	WorkUpdateSubmission WorkKind = "update_submission"
	WorkLookupRefresh    WorkKind = "lookup_refresh"
)

// WorkStatus is the drain status of a SyncWorkItem.
type WorkStatus string

const (
	// WorkPending items are retried by every drain pass.
	WorkPending WorkStatus = "pending"
	// WorkHeld items wait for manual inspection and are skipped by drains.
	WorkHeld WorkStatus = "held"
)

// SyncWorkItem is a unit of deferred work tracked by the Sync Engine.
// For submission kinds its ID equals the PendingSubmission ID.
type SyncWorkItem struct {
	ID         string          `json:"id"`
	Kind       WorkKind        `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     WorkStatus      `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RecordFailure bumps the retry count and remembers the failure.
func (w *SyncWorkItem) RecordFailure(err error, now time.Time) {
	w.RetryCount++
	if err != nil {
		w.LastError = err.Error()
	}
	w.UpdatedAt = now
}

// Hold parks the item for manual inspection.
func (w *SyncWorkItem) Hold(reason string, now time.Time) {
	w.Status = WorkHeld
	w.LastError = reason
	w.UpdatedAt = now
}

// SubmissionPayload is the payload of submission work items.
type SubmissionPayload struct {
	SubmissionID     string `json:"submission_id"`
	ResolvedRemoteID int64  `json:"resolved_remote_id,omitempty"`
	SyncedRemoteID   int64  `json:"synced_remote_id,omitempty"`
}

// LookupRefreshPayload is the payload of lookup_refresh work items.
type LookupRefreshPayload struct {
	LotName    string `json:"lot_name"`
	LocationID int64  `json:"location_id"`
}
