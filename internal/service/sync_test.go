package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotscan/internal/model"
	"lotscan/internal/remote"
	"lotscan/internal/repository"
	"lotscan/pkg/apierror"
)

func newTestSync(t *testing.T, backend *fakeBackend, store QueueStore, conn *ConnectivityMonitor) (*SyncEngine, *EventBus) {
	t.Helper()
	bus := NewEventBus(nil)
	e := NewSyncEngine(backend, store, nil, conn, bus, SyncConfig{MaxAttempts: 3, LookupRefreshMax: 2}, nil)
	e.now = newClock().Now
	return e, bus
}

func lines(lots ...string) []model.ScanLine {
	out := make([]model.ScanLine, 0, len(lots))
	for _, l := range lots {
		out = append(out, model.ScanLine{LotName: l, ScannedQty: 1})
	}
	return out
}

func createOK(firstID int64) func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
	var next atomic.Int64
	next.Store(firstID - 1)
	return func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		return &model.SubmissionResult{SubmissionID: next.Add(1), ValidLines: len(req.Lines)}, nil
	}
}

func offlineMonitor() *ConnectivityMonitor {
	m := NewConnectivityMonitor(&fakeBackend{}, time.Minute, nil, nil)
	m.ReportFailure(offline)
	return m
}

func queued(t *testing.T, store QueueStore) []*model.PendingSubmission {
	t.Helper()
	subs, err := store.ListSubmissions(context.Background(), repository.SubmissionFilter{})
	require.NoError(t, err)
	return subs
}

func TestSyncEngine_SubmitOnline(t *testing.T) {
	var got remote.CreateSubmissionRequest
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		got = req
		return &model.SubmissionResult{SubmissionID: 501, Reference: "INV/0501"}, nil
	}}
	store := newTestStore(t)
	e, bus := newTestSync(t, backend, store, nil)
	events, cancel := bus.Subscribe(4)
	defer cancel()

	prev := int64(480)
	out, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362"), Notes: "n", ReinventoryOf: &prev})
	require.NoError(t, err)
	assert.True(t, out.Synced)
	assert.False(t, out.Queued)
	assert.Equal(t, int64(501), out.RemoteID)
	assert.Equal(t, "INV/0501", out.Created.Reference)

	assert.Equal(t, testProjectID, got.ProjectID)
	assert.Equal(t, &prev, got.PreviousSubmissionID)
	assert.Empty(t, queued(t, store))
	assert.Len(t, collect(events, EventSubmissionSynced), 1)
}

func TestSyncEngine_SubmitOfflineQueuesExactlyOne(t *testing.T) {
	backend := &fakeBackend{CreateFn: createOK(1)}
	store := newTestStore(t)
	e, bus := newTestSync(t, backend, store, offlineMonitor())
	events, cancel := bus.Subscribe(4)
	defer cancel()

	out, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362", "0099363")})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Zero(t, backend.Calls("create"))

	subs := queued(t, store)
	require.Len(t, subs, 1)
	assert.Equal(t, out.SubmissionID, subs[0].ID)
	assert.Equal(t, lines("0099362", "0099363"), subs[0].Lines)

	item, err := store.GetWorkItem(context.Background(), out.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkCreateSubmission, item.Kind)
	assert.Equal(t, model.WorkPending, item.Status)
	assert.Len(t, collect(events, EventSubmissionQueued), 1)
}

func TestSyncEngine_SubmitNetworkFailureQueues(t *testing.T) {
	backend := &fakeBackend{}
	store := newTestStore(t)
	conn := NewConnectivityMonitor(backend, time.Minute, nil, nil)
	e, _ := newTestSync(t, backend, store, conn)

	out, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362")})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Equal(t, 1, backend.Calls("create"))
	assert.Len(t, queued(t, store), 1)
	assert.False(t, conn.Online())
}

func TestSyncEngine_SubmitDeferQueues(t *testing.T) {
	backend := &fakeBackend{CreateFn: createOK(1)}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)

	out, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362"), Defer: true})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Zero(t, backend.Calls("create"))
}

func TestSyncEngine_SubmitRejectionIsNotQueued(t *testing.T) {
	for name, rejection := range map[string]error{
		"validation":   apierror.ValidationError("All scan lines must be valid", apierror.FieldError{Field: "0099362", Message: "Lot not found"}),
		"server":       apierror.ServerError("backend returned 500"),
		"unauthorized": apierror.Unauthorized("Invalid authentication token"),
	} {
		t.Run(name, func(t *testing.T) {
			backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
				return nil, rejection
			}}
			store := newTestStore(t)
			e, _ := newTestSync(t, backend, store, nil)

			_, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362")})
			assert.Equal(t, apierror.CodeOf(rejection), apierror.CodeOf(err))
			assert.Empty(t, queued(t, store))
		})
	}
}

func TestSyncEngine_SubmitValidatesLocally(t *testing.T) {
	backend := &fakeBackend{CreateFn: createOK(1)}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, offlineMonitor())
	ctx := context.Background()

	_, err := e.Submit(ctx, SubmitRequest{ProjectID: testProjectID})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	_, err = e.Submit(ctx, SubmitRequest{Lines: lines("0099362")})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	_, err = e.Submit(ctx, SubmitRequest{ProjectID: testProjectID, Lines: []model.ScanLine{{LotName: "0099362"}}})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	assert.Empty(t, queued(t, store))
}

func TestSyncEngine_SubmitStorageFailureIsLoud(t *testing.T) {
	backend := &fakeBackend{}
	base := newTestStore(t)

	t.Run("submission", func(t *testing.T) {
		e, _ := newTestSync(t, backend, &failingStore{Store: base, failSubmission: true}, offlineMonitor())
		_, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362")})
		assert.True(t, apierror.Is(err, apierror.CodeStorageUnavailable))
	})

	t.Run("work item rolls back submission", func(t *testing.T) {
		e, _ := newTestSync(t, backend, &failingStore{Store: base, failWorkItem: true}, offlineMonitor())
		_, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362")})
		assert.True(t, apierror.Is(err, apierror.CodeStorageUnavailable))
		assert.Empty(t, queued(t, base))
	})
}

func queueN(t *testing.T, e *SyncEngine, n int, projectID int64) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out, err := e.Submit(context.Background(), SubmitRequest{ProjectID: projectID, Lines: lines("0099362"), Defer: true})
		require.NoError(t, err)
		ids = append(ids, out.SubmissionID)
	}
	return ids
}

func TestSyncEngine_DrainSendsInCreationOrder(t *testing.T) {
	var mu sync.Mutex
	var notes []string
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		notes = append(notes, req.Notes)
		return &model.SubmissionResult{SubmissionID: int64(len(notes))}, nil
	}}
	store := newTestStore(t)
	e, bus := newTestSync(t, backend, store, nil)
	events, cancel := bus.Subscribe(16)
	defer cancel()
	ctx := context.Background()

	for _, n := range []string{"first", "second", "third"} {
		_, err := e.Submit(ctx, SubmitRequest{ProjectID: testProjectID, Lines: lines("0099362"), Notes: n, Defer: true})
		require.NoError(t, err)
	}

	report, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Synced)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, []string{"first", "second", "third"}, notes)
	assert.Empty(t, queued(t, store))

	items, err := store.ListWorkItems(ctx, repository.WorkItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Len(t, collect(events, EventSubmissionSynced), 3)
}

func TestSyncEngine_DrainInterruptedKeepsRemainderInOrder(t *testing.T) {
	const total, succeed = 5, 2
	var calls atomic.Int32
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		n := calls.Add(1)
		if n > succeed {
			return nil, apierror.NetworkUnavailable("backend unreachable")
		}
		return &model.SubmissionResult{SubmissionID: int64(n)}, nil
	}}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)

	ids := queueN(t, e, total, testProjectID)

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Equal(t, succeed, report.Synced)
	assert.Equal(t, total-succeed, report.Remaining)
	assert.Equal(t, int32(succeed+1), calls.Load())

	remaining := queued(t, store)
	require.Len(t, remaining, total-succeed)
	for i, sub := range remaining {
		assert.Equal(t, ids[succeed+i], sub.ID)
	}
}

func TestSyncEngine_ServerErrorRetriesThenHolds(t *testing.T) {
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		return nil, apierror.ServerError("backend returned 500")
	}}
	store := newTestStore(t)
	e, bus := newTestSync(t, backend, store, nil)
	events, cancel := bus.Subscribe(16)
	defer cancel()
	ctx := context.Background()

	ids := queueN(t, e, 2, testProjectID)

	for attempt := 1; attempt <= 3; attempt++ {
		report, err := e.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Attempted, "a server error stops the project for the pass")

		item, err := store.GetWorkItem(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, attempt, item.RetryCount)
	}

	item, err := store.GetWorkItem(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.WorkHeld, item.Status)
	assert.Contains(t, item.LastError, "backend returned 500")
	assert.Len(t, collect(events, EventSubmissionHeld), 1)

	// The held record is kept; the next one gets its turn.
	report, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Len(t, queued(t, store), 2)

	next, err := store.GetWorkItem(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 1, next.RetryCount)
}

func TestSyncEngine_ServerErrorOnlyBlocksItsProject(t *testing.T) {
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		if req.ProjectID == 1 {
			return nil, apierror.ServerError("")
		}
		return &model.SubmissionResult{SubmissionID: 10}, nil
	}}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)

	queueN(t, e, 2, 1)
	queueN(t, e, 1, 2)

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Remaining)
}

func TestSyncEngine_ValidationErrorHoldsWithDetail(t *testing.T) {
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		return nil, apierror.ValidationError("All scan lines must be valid",
			apierror.FieldError{Field: "0099362", Message: "Lot not found in project location"})
	}}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)
	ctx := context.Background()

	ids := queueN(t, e, 1, testProjectID)

	report, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Held)

	item, err := store.GetWorkItem(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.WorkHeld, item.Status)
	assert.Equal(t, "All scan lines must be valid (0099362: Lot not found in project location)", item.LastError)

	// Held records are skipped, never deleted.
	report, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Len(t, queued(t, store), 1)

	backend.CreateFn = createOK(900)
	require.NoError(t, e.Retry(ctx, ids[0]))
	report, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Empty(t, queued(t, store))
}

func TestSyncEngine_Retry(t *testing.T) {
	store := newTestStore(t)
	e, _ := newTestSync(t, &fakeBackend{}, store, nil)
	ctx := context.Background()

	assert.True(t, apierror.Is(e.Retry(ctx, "missing"), apierror.CodeNotFound))

	ids := queueN(t, e, 1, testProjectID)
	assert.True(t, apierror.Is(e.Retry(ctx, ids[0]), apierror.CodeConflict))
}

func TestSyncEngine_UnauthorizedStopsDrain(t *testing.T) {
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		return nil, apierror.Unauthorized("Invalid authentication token")
	}}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)

	ids := queueN(t, e, 2, testProjectID)
	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Equal(t, "unauthorized", report.AbortReason)
	assert.Equal(t, 1, backend.Calls("create"))

	item, err := store.GetWorkItem(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.WorkPending, item.Status)
	assert.Zero(t, item.RetryCount)
}

func TestSyncEngine_AmendmentWaitsForOriginal(t *testing.T) {
	var updates []remote.UpdateSubmissionRequest
	online := false
	backend := &fakeBackend{
		CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
			if !online {
				return nil, apierror.NetworkUnavailable("")
			}
			return &model.SubmissionResult{SubmissionID: 640}, nil
		},
		UpdateFn: func(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error) {
			updates = append(updates, req)
			return &model.UpdateResult{SubmissionID: req.SubmissionID}, nil
		},
	}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)
	ctx := context.Background()

	original := queueN(t, e, 1, testProjectID)[0]
	amend, err := e.Submit(ctx, SubmitRequest{Lines: lines("0099365"), Amends: &model.SubmissionRef{LocalID: original}})
	require.NoError(t, err)
	assert.True(t, amend.Queued, "an amendment of a queued submission always waits")

	item, err := store.GetWorkItem(ctx, amend.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkUpdateSubmission, item.Kind)

	subs := queued(t, store)
	require.Len(t, subs, 2)
	assert.Equal(t, testProjectID, subs[1].ProjectID)

	report, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Empty(t, updates)

	online = true
	report, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(640), updates[0].SubmissionID)
	assert.Equal(t, lines("0099365"), updates[0].Add)
	assert.Empty(t, queued(t, store))
}

func TestSyncEngine_AmendmentOfHeldOriginalIsSkipped(t *testing.T) {
	backend := &fakeBackend{
		CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
			return nil, apierror.ValidationError("All scan lines must be valid")
		},
	}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)
	ctx := context.Background()

	original := queueN(t, e, 1, testProjectID)[0]
	_, err := e.Submit(ctx, SubmitRequest{Lines: lines("0099365"), Amends: &model.SubmissionRef{LocalID: original}})
	require.NoError(t, err)

	report, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Held)
	assert.Equal(t, 1, report.Waiting)
	assert.Zero(t, backend.Calls("update"))
	assert.Len(t, queued(t, store), 2)
}

func TestSyncEngine_AmendUnknownLocalSubmission(t *testing.T) {
	e, _ := newTestSync(t, &fakeBackend{}, newTestStore(t), nil)
	_, err := e.Submit(context.Background(), SubmitRequest{Lines: lines("0099365"), Amends: &model.SubmissionRef{LocalID: "nope"}})
	assert.True(t, apierror.Is(err, apierror.CodeNotFound))
}

func TestSyncEngine_AmendKnownRemoteOnline(t *testing.T) {
	backend := &fakeBackend{UpdateFn: func(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error) {
		return &model.UpdateResult{SubmissionID: req.SubmissionID, Added: []model.LineResult{{LotName: "0099365", Success: true}}}, nil
	}}
	e, _ := newTestSync(t, backend, newTestStore(t), nil)

	out, err := e.Submit(context.Background(), SubmitRequest{Lines: lines("0099365"), Amends: &model.SubmissionRef{RemoteID: 512}})
	require.NoError(t, err)
	assert.True(t, out.Synced)
	assert.Equal(t, int64(512), out.RemoteID)
	require.NotNil(t, out.Updated)
	assert.Len(t, out.Updated.Added, 1)
}

func TestSyncEngine_OverlappingDrainIsSkipped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		close(entered)
		<-release
		return &model.SubmissionResult{SubmissionID: 1}, nil
	}}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)
	queueN(t, e, 1, testProjectID)

	done := make(chan *DrainReport, 1)
	go func() {
		r, _ := e.Drain(context.Background())
		done <- r
	}()

	<-entered
	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Synced)
}

func TestSyncEngine_DrainRefreshesLookups(t *testing.T) {
	backend := &fakeBackend{}
	store := newTestStore(t)
	resolver := NewLotResolver(backend, store, nil, nil, ResolverConfig{}, nil)
	ctx := context.Background()

	_, err := resolver.FindProduct(ctx, "0099362", testLocationID)
	require.True(t, apierror.Is(err, apierror.CodeNetworkUnavailable))
	_, err = resolver.FindProduct(ctx, "0099363", testLocationID)
	require.True(t, apierror.Is(err, apierror.CodeNetworkUnavailable))

	e := NewSyncEngine(backend, store, resolver, nil, nil, SyncConfig{LookupRefreshMax: 2}, nil)

	backend.FindFn = func(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error) {
		if lot == "0099362" {
			return product22027(), nil
		}
		return nil, apierror.ServerError("")
	}

	report, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LookupsRefreshed)

	lookup, err := store.GetLookup(ctx, "0099364")
	require.NoError(t, err)
	assert.Equal(t, int64(22027), lookup.Product.ProductID)

	items, err := store.ListWorkItems(ctx, repository.WorkItemFilter{Kind: model.WorkLookupRefresh})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)

	report, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LookupsDropped)

	items, err = store.ListWorkItems(ctx, repository.WorkItemFilter{Kind: model.WorkLookupRefresh})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSyncEngine_Pending(t *testing.T) {
	backend := &fakeBackend{}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)
	ctx := context.Background()

	ids := queueN(t, e, 2, testProjectID)
	payload, _ := json.Marshal(model.LookupRefreshPayload{LotName: "0099362", LocationID: testLocationID})
	require.NoError(t, store.PutWorkItem(ctx, &model.SyncWorkItem{
		ID: "lookup", Kind: model.WorkLookupRefresh, Payload: payload, Status: model.WorkPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	view, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, view.Submissions, 2)
	assert.Equal(t, ids[0], view.Submissions[0].Submission.ID)
	require.NotNil(t, view.Submissions[0].WorkItem)
	assert.Equal(t, model.WorkPending, view.Submissions[0].WorkItem.Status)
	assert.Len(t, view.Lookups, 1)
}

func TestSyncEngine_BackgroundDrainOnReconnect(t *testing.T) {
	backend := &fakeBackend{CreateFn: createOK(1)}
	store := newTestStore(t)
	conn := offlineMonitor()
	e := NewSyncEngine(backend, store, nil, conn, nil, SyncConfig{DrainInterval: time.Hour}, nil)
	ctx := context.Background()

	queueN(t, e, 1, testProjectID)
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	conn.ReportSuccess()

	require.Eventually(t, func() bool {
		subs, err := store.ListSubmissions(ctx, repository.SubmissionFilter{})
		return err == nil && len(subs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncEngine_SubmitDuringDrainQueues(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	var once sync.Once
	backend := &fakeBackend{CreateFn: func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		once.Do(func() {
			close(entered)
			<-release
		})
		return &model.SubmissionResult{SubmissionID: 700}, nil
	}}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)
	queueN(t, e, 1, testProjectID)

	done := make(chan *DrainReport, 1)
	go func() {
		r, _ := e.Drain(context.Background())
		done <- r
	}()
	<-entered

	out, err := e.Submit(context.Background(), SubmitRequest{ProjectID: testProjectID, Lines: lines("0099363")})
	require.NoError(t, err)
	assert.True(t, out.Queued, "a submit during a drain waits for the next pass")
	assert.Equal(t, 1, backend.Calls("create"))

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Synced)

	report, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Empty(t, queued(t, store))
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func partialUpdate(accept ...string) func(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error) {
	keep := make(map[string]bool, len(accept))
	for _, l := range accept {
		keep[l] = true
	}
	return func(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error) {
		res := &model.UpdateResult{SubmissionID: req.SubmissionID}
		var details []apierror.FieldError
		for _, l := range req.Add {
			if keep[l.LotName] {
				res.Added = append(res.Added, model.LineResult{LotName: l.LotName, Success: true})
				continue
			}
			res.Errors = append(res.Errors, model.LineResult{LotName: l.LotName, Error: "Lot not found in project location"})
			details = append(details, apierror.FieldError{Field: l.LotName, Message: "Lot not found in project location"})
		}
		if len(res.Errors) > 0 {
			return res, apierror.ValidationError("Some scan lines were rejected", details...)
		}
		return res, nil
	}
}

func TestSyncEngine_PartialUpdateOnlineReportsRejected(t *testing.T) {
	backend := &fakeBackend{UpdateFn: partialUpdate("0099362")}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)

	out, err := e.Submit(context.Background(), SubmitRequest{Lines: lines("0099362", "0099363"), Amends: &model.SubmissionRef{RemoteID: 77}})
	require.NoError(t, err)
	assert.True(t, out.Synced)
	assert.Equal(t, int64(77), out.RemoteID)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "0099363", out.Rejected[0].LotName)
	assert.Empty(t, queued(t, store))
}

func TestSyncEngine_PartialUpdateRetrySendsOnlyRejected(t *testing.T) {
	var sent [][]model.ScanLine
	update := partialUpdate("0099362")
	backend := &fakeBackend{UpdateFn: func(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error) {
		sent = append(sent, req.Add)
		return update(ctx, req)
	}}
	store := newTestStore(t)
	e, _ := newTestSync(t, backend, store, nil)
	ctx := context.Background()

	out, err := e.Submit(ctx, SubmitRequest{Lines: lines("0099362", "0099363"), Amends: &model.SubmissionRef{RemoteID: 77}, Defer: true})
	require.NoError(t, err)
	require.True(t, out.Queued)

	report, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Held)

	subs := queued(t, store)
	require.Len(t, subs, 1)
	assert.Equal(t, lines("0099363"), subs[0].Lines)

	backend.UpdateFn = func(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error) {
		sent = append(sent, req.Add)
		return &model.UpdateResult{SubmissionID: req.SubmissionID}, nil
	}
	require.NoError(t, e.Retry(ctx, out.SubmissionID))
	report, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)

	require.Len(t, sent, 2)
	assert.Equal(t, lines("0099362", "0099363"), sent[0])
	assert.Equal(t, lines("0099363"), sent[1], "accepted lines are not sent twice")
	assert.Empty(t, queued(t, store))
}

func TestWithoutLines(t *testing.T) {
	got := withoutLines(lines("a", "b", "c"), []model.LineResult{{LotName: "b"}, {LotName: "z"}})
	assert.Equal(t, lines("a", "c"), got)
	assert.Empty(t, withoutLines(lines("a"), []model.LineResult{{LotName: "a"}}))
}
