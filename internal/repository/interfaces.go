package repository

import (
	"context"
	"errors"
	"time"

	"lotscan/internal/model"
)

// ErrNotFound is returned by Get methods when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// AuthStore persists the single AuthRecord of the device.
type AuthStore interface {
	// SaveAuth replaces the stored AuthRecord wholesale.
	SaveAuth(ctx context.Context, rec *model.AuthRecord) error

	// GetAuth returns the stored record without checking expiry.
	GetAuth(ctx context.Context) (*model.AuthRecord, error)

	// DeleteAuth removes the record; absent records are not an error.
	DeleteAuth(ctx context.Context) error
}

// LookupStore persists cached lot lookups keyed by lot name.
type LookupStore interface {
	PutLookup(ctx context.Context, lookup *model.CachedLotLookup) error

	// GetLookup returns the raw record; callers enforce expiry.
	GetLookup(ctx context.Context, lotName string) (*model.CachedLotLookup, error)

	ListLookups(ctx context.Context) ([]*model.CachedLotLookup, error)
	DeleteLookup(ctx context.Context, lotName string) error
}

// SubmissionFilter narrows ListSubmissions. Zero values match everything.
type SubmissionFilter struct {
	ProjectID int64
}

// SubmissionStore persists submissions waiting to be synced.
type SubmissionStore interface {
	PutSubmission(ctx context.Context, sub *model.PendingSubmission) error
	GetSubmission(ctx context.Context, id string) (*model.PendingSubmission, error)

	// ListSubmissions returns submissions in creation order.
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*model.PendingSubmission, error)

	DeleteSubmission(ctx context.Context, id string) error
}

// WorkItemFilter narrows ListWorkItems. Zero values match everything.
type WorkItemFilter struct {
	Kind   model.WorkKind
	Status model.WorkStatus
}

// WorkItemStore persists the sync work queue.
type WorkItemStore interface {
	PutWorkItem(ctx context.Context, item *model.SyncWorkItem) error
	GetWorkItem(ctx context.Context, id string) (*model.SyncWorkItem, error)

	// ListWorkItems returns items in creation order.
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*model.SyncWorkItem, error)

	DeleteWorkItem(ctx context.Context, id string) error
}

// PurgeStats reports how many records a purge removed.
type PurgeStats struct {
	Lookups   int64 `json:"lookups"`
	Auth      int64 `json:"auth"`
	WorkItems int64 `json:"work_items"`
}

// Total returns the number of removed records.
func (p PurgeStats) Total() int64 {
	return p.Lookups + p.Auth + p.WorkItems
}

// StoreStats summarises the store contents.
type StoreStats struct {
	PendingSubmissions int64 `json:"pending_submissions"`
	HeldWorkItems      int64 `json:"held_work_items"`
	WorkItems          int64 `json:"work_items"`
	Lookups            int64 `json:"lookups"`
}

// Store is the Local Store: durable, key-indexed storage for the four record kinds.
type Store interface {
	AuthStore
	LookupStore
	SubmissionStore
	WorkItemStore

	// PurgeExpired removes expired lookups and auth, and lookup_refresh work
	// items older than maxWorkItemAge. Submissions are never purged.
	PurgeExpired(ctx context.Context, now time.Time, maxWorkItemAge time.Duration) (PurgeStats, error)

	// Stats returns record counts.
	Stats(ctx context.Context) (StoreStats, error)

	// Ping checks the underlying storage is reachable.
	Ping(ctx context.Context) error

	// Close closes the store.
	Close() error
}
