package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lotscan/internal/model"
	"lotscan/internal/remote"
	"lotscan/internal/repository"
	"lotscan/pkg/apierror"
)

// fakeBackend stands in for the Remote Client. Unset functions fail with
// NetworkUnavailable so a test only wires what it expects to be called.
type fakeBackend struct {
	mu    sync.Mutex
	token string
	calls map[string]int

	LoginFn   func(ctx context.Context, identity, secret string) (*model.AuthRecord, error)
	RefreshFn func(ctx context.Context) (string, error)
	LogoutFn  func(ctx context.Context) error
	FindFn    func(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error)
	CreateFn  func(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error)
	UpdateFn  func(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error)
	ListFn    func(ctx context.Context, projectID int64, limit, offset int) (*model.SubmissionPage, error)
	LinesFn   func(ctx context.Context, submissionID int64) ([]model.SubmissionLine, error)
	PrevFn    func(ctx context.Context, lot string, locationID int64) (*model.LotHistory, error)
	PingFn    func(ctx context.Context) error
}

var offline = apierror.NetworkUnavailable("backend unreachable")

func (f *fakeBackend) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeBackend) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeBackend) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeBackend) Login(ctx context.Context, identity, secret string) (*model.AuthRecord, error) {
	f.count("login")
	if f.LoginFn == nil {
		return nil, offline
	}
	return f.LoginFn(ctx, identity, secret)
}

func (f *fakeBackend) RefreshToken(ctx context.Context) (string, error) {
	f.count("refresh")
	if f.RefreshFn == nil {
		return "", offline
	}
	return f.RefreshFn(ctx)
}

func (f *fakeBackend) Logout(ctx context.Context) error {
	f.count("logout")
	if f.LogoutFn == nil {
		return offline
	}
	return f.LogoutFn(ctx)
}

func (f *fakeBackend) FindProductByLot(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error) {
	f.count("find")
	if f.FindFn == nil {
		return nil, offline
	}
	return f.FindFn(ctx, lot, locationID)
}

func (f *fakeBackend) CreateSubmission(ctx context.Context, req remote.CreateSubmissionRequest) (*model.SubmissionResult, error) {
	f.count("create")
	if f.CreateFn == nil {
		return nil, offline
	}
	return f.CreateFn(ctx, req)
}

func (f *fakeBackend) UpdateSubmission(ctx context.Context, req remote.UpdateSubmissionRequest) (*model.UpdateResult, error) {
	f.count("update")
	if f.UpdateFn == nil {
		return nil, offline
	}
	return f.UpdateFn(ctx, req)
}

func (f *fakeBackend) ListSubmissions(ctx context.Context, projectID int64, limit, offset int) (*model.SubmissionPage, error) {
	f.count("list")
	if f.ListFn == nil {
		return nil, offline
	}
	return f.ListFn(ctx, projectID, limit, offset)
}

func (f *fakeBackend) GetSubmissionLines(ctx context.Context, submissionID int64) ([]model.SubmissionLine, error) {
	f.count("lines")
	if f.LinesFn == nil {
		return nil, offline
	}
	return f.LinesFn(ctx, submissionID)
}

func (f *fakeBackend) CheckPreviousSubmissions(ctx context.Context, lot string, locationID int64) (*model.LotHistory, error) {
	f.count("previous")
	if f.PrevFn == nil {
		return nil, offline
	}
	return f.PrevFn(ctx, lot, locationID)
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.count("ping")
	if f.PingFn == nil {
		return offline
	}
	return f.PingFn(ctx)
}

// clock hands out strictly increasing times.
type clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) *repository.SQLStore {
	t.Helper()
	s, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "lotscan.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// failingStore fails the selected writes with a storage error.
type failingStore struct {
	repository.Store
	failSubmission bool
	failWorkItem   bool
	failAuth       bool
}

func (s *failingStore) PutSubmission(ctx context.Context, sub *model.PendingSubmission) error {
	if s.failSubmission {
		return apierror.StorageUnavailable("disk full")
	}
	return s.Store.PutSubmission(ctx, sub)
}

func (s *failingStore) SaveAuth(ctx context.Context, rec *model.AuthRecord) error {
	if s.failAuth {
		return apierror.StorageUnavailable("disk full")
	}
	return s.Store.SaveAuth(ctx, rec)
}

func (s *failingStore) PutWorkItem(ctx context.Context, item *model.SyncWorkItem) error {
	if s.failWorkItem {
		return apierror.StorageUnavailable("disk full")
	}
	return s.Store.PutWorkItem(ctx, item)
}

const (
	testProjectID  int64 = 9
	testLocationID int64 = 12
)

// product22027 is the product of lots 0099362..0099365, 43 units in total.
func product22027() *model.ProductInfo {
	return &model.ProductInfo{
		ProductID:    22027,
		ProductName:  "Cotton yarn 30/1",
		ProductStock: 43,
		Lots: []model.ProductLot{
			{LotID: 501, LotName: "0099362", TheoreticalQty: 8},
			{LotID: 502, LotName: "0099363", TheoreticalQty: 12},
			{LotID: 503, LotName: "0099364", TheoreticalQty: 5},
			{LotID: 504, LotName: "0099365", TheoreticalQty: 18},
		},
	}
}

func testAuthRecord(expires time.Time) *model.AuthRecord {
	return &model.AuthRecord{
		Token:     "tok-1",
		Operator:  model.Operator{ID: 4, Name: "Anna", LocationID: 3},
		Project:   &model.Project{ID: testProjectID, Name: "Autumn count", LocationID: testLocationID},
		Racks:     []model.Rack{{ID: 71, Name: "R-01", LocationID: testLocationID}},
		ExpiresAt: expires,
	}
}

// staticAuth always returns rec, or err when set.
type staticAuth struct {
	rec *model.AuthRecord
	err error
}

func (a staticAuth) Current(ctx context.Context) (*model.AuthRecord, error) {
	if a.err != nil {
		return nil, a.err
	}
	cp := *a.rec
	return &cp, nil
}

func signedIn() staticAuth {
	return staticAuth{rec: testAuthRecord(time.Now().Add(time.Hour))}
}

// collect drains buffered events of type typ from ch.
func collect(ch <-chan Event, typ EventType) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			if e.Type == typ {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}
