package model

import (
	"time"

	"lotscan/pkg/validate"
)

// ScanLine is one counted lot inside a submission.
type ScanLine struct {
	LotName    string    `json:"lot_name" validate:"notblank"`
	ScannedQty int64     `json:"scanned_qty" validate:"gt=0"`
	ScannedAt  time.Time `json:"scanned_at"`
	Notes      string    `json:"notes,omitempty"`
}

// SubmissionRef points at the submission an amendment applies to: either one
// already known to the backend, or one still waiting in the local queue.
type SubmissionRef struct {
	RemoteID int64  `json:"remote_id,omitempty" validate:"required_without=LocalID"`
	LocalID  string `json:"local_id,omitempty"`
}

// Pending reports whether the reference targets a queued local submission.
func (r *SubmissionRef) Pending() bool {
	return r != nil && r.RemoteID == 0 && r.LocalID != ""
}

// PendingSubmission is a submission persisted for later sync. Only lines the
// backend already accepted are ever removed from it; the record itself is
// deleted once the backend accepted the rest.
type PendingSubmission struct {
	ID            string         `json:"id"`
	ProjectID     int64          `json:"project_id" validate:"required_without=Amends"`
	RackID        *int64         `json:"rack_id,omitempty" validate:"omitempty,gt=0"`
	Lines         []ScanLine     `json:"lines" validate:"required,min=1,dive"`
	Notes         string         `json:"notes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Amends        *SubmissionRef `json:"amends,omitempty"`
	ReinventoryOf *int64         `json:"reinventory_of,omitempty"`
}

// Validate checks a submission batch is well formed. Failures are
// validation errors naming each offending field.
func (p *PendingSubmission) Validate() error {
	return validate.Struct(p)
}

type lineBatch struct {
	Lines []ScanLine `json:"lines" validate:"required,min=1,dive"`
}

// ValidateLines rejects empty batches, blank lots and non-positive quantities.
func ValidateLines(lines []ScanLine) error {
	return validate.Struct(lineBatch{Lines: lines})
}

// LineResult is the backend's verdict on a single scan line.
type LineResult struct {
	LotName     string `json:"lot_name"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	ScanLineID  int64  `json:"scan_line_id,omitempty"`
	ProductID   int64  `json:"product_id,omitempty"`
	ProductName string `json:"product_name,omitempty"`
}

// SubmissionResult is the backend's answer to a created submission.
type SubmissionResult struct {
	SubmissionID         int64        `json:"submission_id"`
	Reference            string       `json:"submission_reference"`
	Lines                []LineResult `json:"scan_lines"`
	ValidLines           int          `json:"valid_lines"`
	InvalidLines         int          `json:"invalid_lines"`
	IsReinventory        bool         `json:"is_reinventory"`
	PreviousSubmissionID int64        `json:"previous_submission_id,omitempty"`
}

// LineUpdate changes an existing scan line of a submission.
type LineUpdate struct {
	ScanLineID int64    `json:"scan_line_id"`
	ScannedQty *float64 `json:"scanned_qty,omitempty"`
	RackID     *int64   `json:"rack_id,omitempty"`
	Notes      *string  `json:"notes,omitempty"`
}

// UpdateResult summarises an update_submission call.
type UpdateResult struct {
	SubmissionID int64        `json:"submission_id"`
	Added        []LineResult `json:"added"`
	Updated      []int64      `json:"updated"`
	Removed      []int64      `json:"removed"`
	Errors       []LineResult `json:"errors,omitempty"`
}

// SubmissionSummary is one row of the operator's submission history.
type SubmissionSummary struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	ProjectID      int64  `json:"project_id"`
	ProjectName    string `json:"project_name"`
	SubmittedAt    string `json:"submission_datetime,omitempty"`
	State          string `json:"state"`
	ScanCount      int    `json:"scan_count"`
	ValidatedCount int    `json:"validated_count"`
	RackID         int64  `json:"rack_id,omitempty"`
	RackName       string `json:"rack_name,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// SubmissionPage is a page of submission history.
type SubmissionPage struct {
	Submissions []SubmissionSummary `json:"submissions"`
	TotalCount  int64               `json:"total_count"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
	HasMore     bool                `json:"has_more"`
}

// SubmissionLine is a scan line as recorded by the backend.
type SubmissionLine struct {
	ID             int64   `json:"id"`
	LotID          int64   `json:"lot_id"`
	LotName        string  `json:"lot_name"`
	ProductID      int64   `json:"product_id"`
	ProductName    string  `json:"product_name"`
	ScannedQty     float64 `json:"scanned_qty"`
	TheoreticalQty float64 `json:"theoretical_qty"`
	ChangeQty      float64 `json:"change_qty"`
	State          string  `json:"state"`
	RackID         int64   `json:"rack_id,omitempty"`
	RackName       string  `json:"rack_name,omitempty"`
}

// PreviousSubmission is a validated submission that already counted a lot.
type PreviousSubmission struct {
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	SubmittedAt  string           `json:"submission_datetime,omitempty"`
	ValidatedAt  string           `json:"validation_datetime,omitempty"`
	ValidatedBy  string           `json:"validated_by,omitempty"`
	ProjectID    int64            `json:"project_id"`
	ProjectName  string           `json:"project_name"`
	LocationID   int64            `json:"location_id"`
	LocationName string           `json:"location_name"`
	Lines        []SubmissionLine `json:"scan_lines"`
}

// LotHistory answers whether a lot was counted before, for re-inventory.
type LotHistory struct {
	HasPrevious bool                 `json:"has_previous"`
	LotID       int64                `json:"lot_id"`
	LotName     string               `json:"lot_name"`
	ProductID   int64                `json:"product_id"`
	ProductName string               `json:"product_name"`
	ProductCode string               `json:"product_code,omitempty"`
	UoM         string               `json:"uom,omitempty"`
	Previous    []PreviousSubmission `json:"previous_submissions"`
}
