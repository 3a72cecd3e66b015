package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/internal/model"
	"lotscan/internal/remote"
	"lotscan/internal/repository"
	"lotscan/pkg/apierror"
	"lotscan/pkg/uid"
)

// SubmissionBackend is the part of the Remote Client the SyncEngine uses.
type SubmissionBackend interface {
	CreateSubmission(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error)
	UpdateSubmission(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error)
}

// LookupRefresher re-fetches a lot lookup for the drain.
type LookupRefresher interface {
	Refresh(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error)
}

// QueueStore is the part of the Local Store the SyncEngine uses.
type QueueStore interface {
	repository.SubmissionStore
	repository.WorkItemStore
}

// SyncConfig holds SyncEngine settings.
type SyncConfig struct {
	DrainInterval    time.Duration
	DrainTimeout     time.Duration
	MaxAttempts      int
	LookupRefreshMax int
}

// SubmitRequest is a tally ready for delivery.
type SubmitRequest struct {
	ProjectID     int64
	RackID        *int64
	Lines         []model.ScanLine
	Notes         string
	Defer         bool
	Amends        *model.SubmissionRef
	ReinventoryOf *int64
}

// SubmitOutcome reports where a submission went.
type SubmitOutcome struct {
	// Synced is set when the backend accepted the submission right away.
	Synced bool `json:"synced"`
	// Queued is set when it was persisted for a later drain.
	Queued       bool                    `json:"queued"`
	SubmissionID string                  `json:"submission_id,omitempty"`
	RemoteID     int64                   `json:"remote_id,omitempty"`
	Created      *model.SubmissionResult `json:"created,omitempty"`
	Updated      *model.UpdateResult     `json:"updated,omitempty"`
	// Rejected lists lines the backend refused while accepting the rest.
	Rejected []model.LineResult `json:"rejected,omitempty"`
}

// DrainReport summarises a drain pass.
type DrainReport struct {
	Skipped          bool   `json:"skipped"`
	Attempted        int    `json:"attempted"`
	Synced           int    `json:"synced"`
	Failed           int    `json:"failed"`
	Held             int    `json:"held"`
	Waiting          int    `json:"waiting"`
	Remaining        int    `json:"remaining"`
	Aborted          bool   `json:"aborted"`
	AbortReason      string `json:"abort_reason,omitempty"`
	LookupsRefreshed int    `json:"lookups_refreshed"`
	LookupsDropped   int    `json:"lookups_dropped"`
}

// QueueEntry is a pending submission with its work item.
type QueueEntry struct {
	Submission *model.PendingSubmission `json:"submission"`
	WorkItem   *model.SyncWorkItem      `json:"work_item,omitempty"`
}

// QueueView lists everything waiting to be synced.
type QueueView struct {
	Submissions []QueueEntry          `json:"submissions"`
	Lookups     []*model.SyncWorkItem `json:"lookups"`
}

// SyncEngine delivers submissions, directly when online and through the
// Local Store queue otherwise. A queued submission is deleted only after
// the backend accepted it.
type SyncEngine struct {
	backend   SubmissionBackend
	store     QueueStore
	refresher LookupRefresher
	conn      *ConnectivityMonitor
	bus       *EventBus
	cfg       SyncConfig
	log       *zap.Logger
	now       func() time.Time

	draining atomic.Bool
	trigger  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncEngine creates a SyncEngine. refresher, conn and bus may be nil.
// Every offline to online transition of conn triggers a drain.
func NewSyncEngine(backend SubmissionBackend, store QueueStore, refresher LookupRefresher, conn *ConnectivityMonitor, bus *EventBus, cfg SyncConfig, log *zap.Logger) *SyncEngine {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.LookupRefreshMax <= 0 {
		cfg.LookupRefreshMax = 5
	}
	e := &SyncEngine{
		backend:   backend,
		store:     store,
		refresher: refresher,
		conn:      conn,
		bus:       bus,
		cfg:       cfg,
		log:       logger.OrNop(log).Named("sync"),
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
	if conn != nil {
		conn.OnOnline(e.Trigger)
	}
	return e
}

// Submit delivers req. When the backend cannot be reached, when offline, or
// when deferred, the submission is queued instead. Any other remote failure
// is returned and nothing is queued.
func (e *SyncEngine) Submit(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	sub := &model.PendingSubmission{
		ID:            uid.NewOrdered(),
		ProjectID:     req.ProjectID,
		RackID:        req.RackID,
		Lines:         req.Lines,
		Notes:         req.Notes,
		Amends:        req.Amends,
		ReinventoryOf: req.ReinventoryOf,
	}

	var wait bool
	if sub.Amends.Pending() {
		original, err := e.store.GetSubmission(ctx, sub.Amends.LocalID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierror.NotFound(fmt.Sprintf("Queued submission %s not found", sub.Amends.LocalID))
		}
		if err != nil {
			return nil, asStorageError("load submission", err)
		}
		if sub.ProjectID == 0 {
			sub.ProjectID = original.ProjectID
		}
		wait = true
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	// A drain in flight owns the backend; new work waits for the next pass.
	if !wait && !req.Defer && !e.draining.Load() && e.conn.Online() {
		outcome, err := e.send(ctx, sub, 0)
		e.conn.Observe(err)
		if err != nil && partiallyAccepted(outcome) {
			outcome.SubmissionID = ""
			outcome.Rejected = outcome.Updated.Errors
			e.log.Warn("submission partially accepted",
				zap.Int64("remote_id", outcome.RemoteID),
				zap.Int("added", len(outcome.Updated.Added)),
				zap.Int("rejected", len(outcome.Rejected)))
			e.bus.Publish(Event{Type: EventSubmissionSynced, Data: SubmissionEvent{RemoteID: outcome.RemoteID, ProjectID: sub.ProjectID, Reason: describe(err)}})
			return outcome, nil
		}
		if err == nil {
			outcome.SubmissionID = ""
			e.log.Info("submission synced",
				zap.Int64("project_id", sub.ProjectID),
				zap.Int64("remote_id", outcome.RemoteID),
				zap.Int("lines", len(sub.Lines)))
			e.bus.Publish(Event{Type: EventSubmissionSynced, Data: SubmissionEvent{RemoteID: outcome.RemoteID, ProjectID: sub.ProjectID}})
			return outcome, nil
		}
		if !apierror.Is(err, apierror.CodeNetworkUnavailable) {
			return nil, err
		}
		e.log.Info("backend unreachable, queueing submission", zap.Int64("project_id", sub.ProjectID))
	}

	if err := e.enqueue(ctx, sub); err != nil {
		return nil, err
	}
	return &SubmitOutcome{Queued: true, SubmissionID: sub.ID}, nil
}

// enqueue persists sub and its work item. Without its work item the
// submission is rolled back.
func (e *SyncEngine) enqueue(ctx context.Context, sub *model.PendingSubmission) error {
	now := e.now()
	sub.CreatedAt = now

	if err := e.store.PutSubmission(ctx, sub); err != nil {
		e.log.Error("failed to queue submission", zap.Error(err))
		return asStorageError("queue submission", err)
	}
	item, err := newSubmissionItem(sub, now)
	if err == nil {
		err = e.store.PutWorkItem(ctx, item)
	}
	if err != nil {
		if derr := e.store.DeleteSubmission(ctx, sub.ID); derr != nil {
			e.log.Error("failed to roll back queued submission", zap.String("submission_id", sub.ID), zap.Error(derr))
		}
		e.log.Error("failed to queue submission work item", zap.Error(err))
		return asStorageError("queue submission", err)
	}

	e.log.Info("submission queued",
		zap.String("submission_id", sub.ID),
		zap.Int64("project_id", sub.ProjectID),
		zap.Int("lines", len(sub.Lines)))
	e.bus.Publish(Event{Type: EventSubmissionQueued, Data: SubmissionEvent{SubmissionID: sub.ID, ProjectID: sub.ProjectID}})
	return nil
}

func newSubmissionItem(sub *model.PendingSubmission, now time.Time) (*model.SyncWorkItem, error) {
	kind := model.WorkCreateSubmission
	if sub.Amends != nil {
		kind = model.WorkUpdateSubmission
	}
	payload, err := json.Marshal(model.SubmissionPayload{SubmissionID: sub.ID})
	if err != nil {
		return nil, err
	}
	return &model.SyncWorkItem{
		ID:        sub.ID,
		Kind:      kind,
		Payload:   payload,
		Status:    model.WorkPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// send delivers sub. An amendment of a queued submission needs remoteID,
// the id that submission received when it synced.
func (e *SyncEngine) send(ctx context.Context, sub *model.PendingSubmission, remoteID int64) (*SubmitOutcome, error) {
	if sub.Amends != nil {
		target := sub.Amends.RemoteID
		if target == 0 {
			target = remoteID
		}
		res, err := e.backend.UpdateSubmission(ctx, remote.UpdateSubmissionRequest{
			SubmissionID: target,
			RackID:       sub.RackID,
			Add:          sub.Lines,
		})
		if err != nil {
			if res != nil && len(res.Added) > 0 && apierror.Is(err, apierror.CodeValidation) {
				return &SubmitOutcome{Synced: true, SubmissionID: sub.ID, RemoteID: target, Updated: res}, err
			}
			return nil, err
		}
		return &SubmitOutcome{Synced: true, SubmissionID: sub.ID, RemoteID: target, Updated: res}, nil
	}

	res, err := e.backend.CreateSubmission(ctx, remote.CreateSubmissionRequest{
		ProjectID:            sub.ProjectID,
		RackID:               sub.RackID,
		Lines:                sub.Lines,
		Notes:                sub.Notes,
		PreviousSubmissionID: sub.ReinventoryOf,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitOutcome{Synced: true, SubmissionID: sub.ID, RemoteID: res.SubmissionID, Created: res}, nil
}

// Drain sends queued submissions in creation order. Only one drain runs at
// a time; an overlapping call returns a skipped report.
func (e *SyncEngine) Drain(ctx context.Context) (*DrainReport, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return &DrainReport{Skipped: true}, nil
	}
	defer e.draining.Store(false)

	report := &DrainReport{}
	if err := e.drainSubmissions(ctx, report); err != nil {
		return report, err
	}
	if !report.Aborted {
		e.drainLookups(ctx, report)
	}

	if report.Attempted > 0 || report.LookupsRefreshed > 0 || report.LookupsDropped > 0 {
		e.log.Info("drain completed",
			zap.Int("synced", report.Synced),
			zap.Int("failed", report.Failed),
			zap.Int("held", report.Held),
			zap.Int("remaining", report.Remaining),
			zap.Bool("aborted", report.Aborted))
	}
	e.bus.Publish(Event{Type: EventDrainCompleted, Data: *report})
	return report, nil
}

func (e *SyncEngine) drainSubmissions(ctx context.Context, report *DrainReport) error {
	subs, err := e.store.ListSubmissions(ctx, repository.SubmissionFilter{})
	if err != nil {
		return asStorageError("list submissions", err)
	}
	report.Remaining = len(subs)
	if len(subs) == 0 {
		return nil
	}

	items, err := e.store.ListWorkItems(ctx, repository.WorkItemFilter{})
	if err != nil {
		return asStorageError("list work items", err)
	}
	byID := make(map[string]*model.SyncWorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	queued := make(map[string]bool, len(subs))
	for _, sub := range subs {
		queued[sub.ID] = true
	}

	// Projects hit by a server error are not touched again in this pass.
	blocked := make(map[int64]bool)

	for _, sub := range subs {
		if ctx.Err() != nil {
			report.Aborted = true
			report.AbortReason = ctx.Err().Error()
			return nil
		}
		if blocked[sub.ProjectID] {
			continue
		}

		item := byID[sub.ID]
		if item == nil {
			if item, err = newSubmissionItem(sub, sub.CreatedAt); err != nil {
				return apierror.InternalError("encode work item").WithCause(err)
			}
			byID[sub.ID] = item
		}
		if item.Status == model.WorkHeld {
			continue
		}

		var payload model.SubmissionPayload
		_ = json.Unmarshal(item.Payload, &payload)

		if sub.Amends.Pending() && payload.ResolvedRemoteID == 0 {
			original := byID[sub.Amends.LocalID]
			switch {
			case original != nil && original.Status == model.WorkHeld:
				e.log.Debug("amendment skipped, original held", zap.String("submission_id", sub.ID))
				report.Waiting++
			case queued[sub.Amends.LocalID]:
				report.Waiting++
			default:
				e.hold(ctx, item, sub, "amended submission is no longer queued", report)
			}
			continue
		}

		report.Attempted++
		outcome, err := e.send(ctx, sub, payload.ResolvedRemoteID)
		e.conn.Observe(err)

		switch {
		case err == nil:
			if err := e.complete(ctx, sub, outcome, byID, subs); err != nil {
				return err
			}
			delete(queued, sub.ID)
			report.Synced++
			report.Remaining--

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			report.Aborted = true
			report.AbortReason = err.Error()
			return nil

		case apierror.Is(err, apierror.CodeNetworkUnavailable):
			e.log.Info("backend unreachable, drain paused", zap.Int("remaining", report.Remaining))
			report.Aborted = true
			report.AbortReason = "network unavailable"
			return nil

		case apierror.Is(err, apierror.CodeUnauthorized):
			e.log.Warn("drain stopped, authentication required")
			report.Aborted = true
			report.AbortReason = "unauthorized"
			return nil

		case apierror.Is(err, apierror.CodeServerError):
			blocked[sub.ProjectID] = true
			item.RecordFailure(err, e.now())
			if item.RetryCount >= e.cfg.MaxAttempts {
				e.hold(ctx, item, sub, fmt.Sprintf("gave up after %d attempts: %s", item.RetryCount, err.Error()), report)
				continue
			}
			report.Failed++
			e.log.Warn("submission failed, will retry",
				zap.String("submission_id", sub.ID),
				zap.Int("retry_count", item.RetryCount),
				zap.Error(err))
			if perr := e.store.PutWorkItem(ctx, item); perr != nil {
				e.log.Error("failed to record retry", zap.String("submission_id", sub.ID), zap.Error(perr))
			}

		default:
			if partiallyAccepted(outcome) {
				e.dropAccepted(ctx, sub, outcome.Updated.Added)
			}
			item.RecordFailure(err, e.now())
			e.hold(ctx, item, sub, describe(err), report)
		}
	}
	return nil
}

// partiallyAccepted reports whether a failed update still stored some lines.
func partiallyAccepted(outcome *SubmitOutcome) bool {
	return outcome != nil && outcome.Updated != nil && len(outcome.Updated.Added) > 0
}

// dropAccepted removes lines the backend already stored from the queued
// submission so a retry sends only the rejected ones.
func (e *SyncEngine) dropAccepted(ctx context.Context, sub *model.PendingSubmission, accepted []model.LineResult) {
	sub.Lines = withoutLines(sub.Lines, accepted)
	if err := e.store.PutSubmission(ctx, sub); err != nil {
		e.log.Error("failed to drop accepted lines from queued submission",
			zap.String("submission_id", sub.ID), zap.Error(err))
		return
	}
	e.log.Info("accepted lines removed from queued submission",
		zap.String("submission_id", sub.ID),
		zap.Int("accepted", len(accepted)),
		zap.Int("remaining", len(sub.Lines)))
}

func withoutLines(lines []model.ScanLine, drop []model.LineResult) []model.ScanLine {
	names := make(map[string]bool, len(drop))
	for _, d := range drop {
		names[d.LotName] = true
	}
	kept := make([]model.ScanLine, 0, len(lines))
	for _, l := range lines {
		if !names[l.LotName] {
			kept = append(kept, l)
		}
	}
	return kept
}

// complete forgets a synced submission and hands its remote id to queued
// amendments of it.
func (e *SyncEngine) complete(ctx context.Context, sub *model.PendingSubmission, outcome *SubmitOutcome, byID map[string]*model.SyncWorkItem, subs []*model.PendingSubmission) error {
	for _, other := range subs {
		if other.Amends == nil || other.Amends.LocalID != sub.ID || other.Amends.RemoteID != 0 {
			continue
		}
		item := byID[other.ID]
		if item == nil {
			continue
		}
		var p model.SubmissionPayload
		_ = json.Unmarshal(item.Payload, &p)
		p.SubmissionID = other.ID
		p.ResolvedRemoteID = outcome.RemoteID
		data, err := json.Marshal(p)
		if err != nil {
			return apierror.InternalError("encode work item").WithCause(err)
		}
		item.Payload = data
		item.UpdatedAt = e.now()
		if err := e.store.PutWorkItem(ctx, item); err != nil {
			return asStorageError("record amended submission id", err)
		}
	}

	if err := e.store.DeleteSubmission(ctx, sub.ID); err != nil {
		e.log.Error("synced submission could not be removed from the queue",
			zap.String("submission_id", sub.ID), zap.Int64("remote_id", outcome.RemoteID), zap.Error(err))
		return asStorageError("remove synced submission", err)
	}
	if err := e.store.DeleteWorkItem(ctx, sub.ID); err != nil {
		e.log.Warn("failed to remove work item", zap.String("submission_id", sub.ID), zap.Error(err))
	}

	e.log.Info("queued submission synced",
		zap.String("submission_id", sub.ID),
		zap.Int64("remote_id", outcome.RemoteID))
	e.bus.Publish(Event{Type: EventSubmissionSynced, Data: SubmissionEvent{SubmissionID: sub.ID, RemoteID: outcome.RemoteID, ProjectID: sub.ProjectID}})
	return nil
}

func (e *SyncEngine) hold(ctx context.Context, item *model.SyncWorkItem, sub *model.PendingSubmission, reason string, report *DrainReport) {
	item.Hold(reason, e.now())
	if err := e.store.PutWorkItem(ctx, item); err != nil {
		e.log.Error("failed to hold work item", zap.String("submission_id", sub.ID), zap.Error(err))
	}
	report.Held++
	e.log.Warn("submission held", zap.String("submission_id", sub.ID), zap.String("reason", reason))
	e.bus.Publish(Event{Type: EventSubmissionHeld, Data: SubmissionEvent{SubmissionID: sub.ID, ProjectID: sub.ProjectID, Reason: reason}})
}

// describe renders err with its per-line details.
func describe(err error) string {
	apiErr, ok := apierror.As(err)
	if !ok || len(apiErr.Details) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(apiErr.Details))
	for _, d := range apiErr.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return apiErr.Message + " (" + strings.Join(parts, "; ") + ")"
}

func (e *SyncEngine) drainLookups(ctx context.Context, report *DrainReport) {
	if e.refresher == nil {
		return
	}
	items, err := e.store.ListWorkItems(ctx, repository.WorkItemFilter{Kind: model.WorkLookupRefresh, Status: model.WorkPending})
	if err != nil {
		e.log.Warn("failed to list lookup refreshes", zap.Error(err))
		return
	}

	for _, item := range items {
		var p model.LookupRefreshPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil || p.LotName == "" {
			e.dropLookup(ctx, item, report)
			continue
		}

		_, err := e.refresher.Refresh(ctx, p.LotName, p.LocationID)
		switch {
		case err == nil || apierror.Is(err, apierror.CodeNotFound):
			if derr := e.store.DeleteWorkItem(ctx, item.ID); derr != nil {
				e.log.Warn("failed to remove lookup refresh", zap.String("lot", p.LotName), zap.Error(derr))
			}
			report.LookupsRefreshed++
		case apierror.Is(err, apierror.CodeNetworkUnavailable),
			apierror.Is(err, apierror.CodeUnauthorized),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return
		default:
			item.RecordFailure(err, e.now())
			if item.RetryCount >= e.cfg.LookupRefreshMax {
				e.dropLookup(ctx, item, report)
				continue
			}
			if perr := e.store.PutWorkItem(ctx, item); perr != nil {
				e.log.Warn("failed to record lookup retry", zap.String("lot", p.LotName), zap.Error(perr))
			}
		}
	}
}

func (e *SyncEngine) dropLookup(ctx context.Context, item *model.SyncWorkItem, report *DrainReport) {
	if err := e.store.DeleteWorkItem(ctx, item.ID); err != nil {
		e.log.Warn("failed to drop lookup refresh", zap.String("id", item.ID), zap.Error(err))
		return
	}
	report.LookupsDropped++
	e.log.Info("lookup refresh abandoned", zap.String("id", item.ID), zap.String("last_error", item.LastError))
}

// Retry releases a held work item back to the queue and schedules a drain.
func (e *SyncEngine) Retry(ctx context.Context, id string) error {
	item, err := e.store.GetWorkItem(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return apierror.NotFound(fmt.Sprintf("Queue entry %s not found", id))
	}
	if err != nil {
		return asStorageError("load work item", err)
	}
	if item.Status != model.WorkHeld {
		return apierror.Conflict(fmt.Sprintf("Queue entry %s is not held", id))
	}

	item.Status = model.WorkPending
	item.UpdatedAt = e.now()
	if err := e.store.PutWorkItem(ctx, item); err != nil {
		return asStorageError("release work item", err)
	}
	e.log.Info("held work item released", zap.String("id", id), zap.Int("retry_count", item.RetryCount))
	e.Trigger()
	return nil
}

// Pending lists the queue for inspection.
func (e *SyncEngine) Pending(ctx context.Context) (*QueueView, error) {
	subs, err := e.store.ListSubmissions(ctx, repository.SubmissionFilter{})
	if err != nil {
		return nil, asStorageError("list submissions", err)
	}
	items, err := e.store.ListWorkItems(ctx, repository.WorkItemFilter{})
	if err != nil {
		return nil, asStorageError("list work items", err)
	}

	byID := make(map[string]*model.SyncWorkItem, len(items))
	view := &QueueView{
		Submissions: make([]QueueEntry, 0, len(subs)),
		Lookups:     []*model.SyncWorkItem{},
	}
	for _, it := range items {
		if it.Kind == model.WorkLookupRefresh {
			view.Lookups = append(view.Lookups, it)
			continue
		}
		byID[it.ID] = it
	}
	for _, sub := range subs {
		view.Submissions = append(view.Submissions, QueueEntry{Submission: sub, WorkItem: byID[sub.ID]})
	}
	return view, nil
}

// Trigger schedules a drain on the background loop without waiting for it.
func (e *SyncEngine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start runs the background drain loop until Stop.
func (e *SyncEngine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.drainLoop(ctx)

	e.log.Info("sync engine started", zap.Duration("drain_interval", e.cfg.DrainInterval))
	return nil
}

// Stop stops the drain loop, waiting for an in-flight drain.
func (e *SyncEngine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	if err := waitGroupWithContext(ctx, &e.wg); err != nil {
		return err
	}
	e.log.Info("sync engine stopped")
	return nil
}

func (e *SyncEngine) drainLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	e.runDrain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runDrain(ctx)
		case <-e.trigger:
			e.runDrain(ctx)
		}
	}
}

func (e *SyncEngine) runDrain(ctx context.Context) {
	if !e.conn.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
	defer cancel()

	if _, err := e.Drain(ctx); err != nil {
		e.log.Error("drain failed", zap.Error(err))
	}
}
