package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotscan/internal/model"
	"lotscan/internal/repository"
	"lotscan/pkg/apierror"
)

func newTestAuth(t *testing.T, backend *fakeBackend) (*AuthService, *repository.SQLStore, *clock, *EventBus) {
	t.Helper()
	store := newTestStore(t)
	bus := NewEventBus(nil)
	clk := newClock()
	svc := NewAuthService(backend, store, nil, bus, AuthConfig{TokenTTL: time.Hour, RefreshInterval: time.Minute}, nil)
	svc.now = clk.Now
	return svc, store, clk, bus
}

func loginOK(token string) func(ctx context.Context, identity, secret string) (*model.AuthRecord, error) {
	return func(ctx context.Context, identity, secret string) (*model.AuthRecord, error) {
		rec := testAuthRecord(time.Time{})
		rec.Token = token
		return rec, nil
	}
}

func TestAuthService_Login(t *testing.T) {
	backend := &fakeBackend{LoginFn: loginOK("tok-1")}
	svc, store, clk, bus := newTestAuth(t, backend)
	events, cancel := bus.Subscribe(4)
	defer cancel()
	ctx := context.Background()

	rec, err := svc.Login(ctx, "0812", "1234")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", backend.Token())
	assert.Equal(t, rec.IssuedAt.Add(time.Hour), rec.ExpiresAt)

	stored, err := store.GetAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", stored.Token)
	assert.Equal(t, testLocationID, stored.LocationID())

	cur, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cur.Operator.ID)
	assert.Len(t, collect(events, EventLoggedIn), 1)

	clk.Advance(2 * time.Hour)
	_, err = svc.Current(ctx)
	assert.True(t, apierror.Is(err, apierror.CodeUnauthorized))
	assert.Empty(t, backend.Token())

	_, err = store.GetAuth(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAuthService_LoginRejected(t *testing.T) {
	backend := &fakeBackend{LoginFn: func(ctx context.Context, identity, secret string) (*model.AuthRecord, error) {
		return nil, apierror.Unauthorized("Invalid PIN")
	}}
	svc, store, _, _ := newTestAuth(t, backend)

	_, err := svc.Login(context.Background(), "0812", "0000")
	assert.True(t, apierror.Is(err, apierror.CodeUnauthorized))

	_, err = store.GetAuth(context.Background())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAuthService_LogoutClearsEvenWhenRemoteFails(t *testing.T) {
	backend := &fakeBackend{LoginFn: loginOK("tok-1")}
	svc, store, _, bus := newTestAuth(t, backend)
	events, cancel := bus.Subscribe(4)
	defer cancel()
	ctx := context.Background()

	_, err := svc.Login(ctx, "0812", "1234")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx))
	assert.Equal(t, 1, backend.Calls("logout"))
	assert.Empty(t, backend.Token())

	_, err = store.GetAuth(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	out := collect(events, EventLoggedOut)
	require.Len(t, out, 1)
	assert.Equal(t, LoggedOut{Reason: LogoutRequested}, out[0].Data)

	// A second logout has nothing to announce.
	require.NoError(t, svc.Logout(ctx))
	assert.Empty(t, collect(events, EventLoggedOut))
}

func TestAuthService_ForceLogout(t *testing.T) {
	backend := &fakeBackend{LoginFn: loginOK("tok-1")}
	svc, _, _, bus := newTestAuth(t, backend)
	events, cancel := bus.Subscribe(4)
	defer cancel()

	_, err := svc.Login(context.Background(), "0812", "1234")
	require.NoError(t, err)

	svc.ForceLogout(LogoutUnauthorized)
	assert.Zero(t, backend.Calls("logout"))

	_, err = svc.Current(context.Background())
	assert.True(t, apierror.Is(err, apierror.CodeUnauthorized))
	out := collect(events, EventLoggedOut)
	require.Len(t, out, 1)
	assert.Equal(t, LoggedOut{Reason: LogoutUnauthorized}, out[0].Data)
}

func TestAuthService_Refresh(t *testing.T) {
	backend := &fakeBackend{
		LoginFn:   loginOK("tok-1"),
		RefreshFn: func(ctx context.Context) (string, error) { return "tok-2", nil },
	}
	svc, store, clk, _ := newTestAuth(t, backend)
	ctx := context.Background()

	first, err := svc.Login(ctx, "0812", "1234")
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	rec, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", rec.Token)
	assert.Equal(t, "tok-2", backend.Token())
	assert.True(t, rec.ExpiresAt.After(first.ExpiresAt))

	stored, err := store.GetAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", stored.Token)
}

func TestAuthService_RefreshOfflineKeepsSession(t *testing.T) {
	backend := &fakeBackend{LoginFn: loginOK("tok-1")}
	svc, _, _, _ := newTestAuth(t, backend)
	ctx := context.Background()

	_, err := svc.Login(ctx, "0812", "1234")
	require.NoError(t, err)

	_, err = svc.Refresh(ctx)
	assert.True(t, apierror.Is(err, apierror.CodeNetworkUnavailable))

	cur, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cur.Token)
}

func TestAuthService_RefreshKeepsTokenWhenSaveFails(t *testing.T) {
	backend := &fakeBackend{
		LoginFn:   loginOK("tok-1"),
		RefreshFn: func(ctx context.Context) (string, error) { return "tok-2", nil },
	}
	store := &failingStore{Store: newTestStore(t)}
	svc := NewAuthService(backend, store, nil, nil, AuthConfig{TokenTTL: time.Hour}, nil)
	svc.now = newClock().Now
	ctx := context.Background()

	_, err := svc.Login(ctx, "0812", "1234")
	require.NoError(t, err)

	store.failAuth = true
	_, err = svc.Refresh(ctx)
	assert.True(t, apierror.Is(err, apierror.CodeStorageUnavailable))
	assert.Equal(t, "tok-1", backend.Token(), "client token matches the stored record")

	stored, err := store.GetAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", stored.Token)
}

func TestAuthService_RefreshDoesNotOverwriteNewLogin(t *testing.T) {
	refreshing := make(chan struct{})
	loggedIn := make(chan struct{})
	logins := 0
	backend := &fakeBackend{
		LoginFn: func(ctx context.Context, identity, secret string) (*model.AuthRecord, error) {
			logins++
			rec := testAuthRecord(time.Time{})
			if logins > 1 {
				rec.Token = "tok-3"
			}
			return rec, nil
		},
		RefreshFn: func(ctx context.Context) (string, error) {
			close(refreshing)
			<-loggedIn
			return "tok-2", nil
		},
	}
	svc, store, _, _ := newTestAuth(t, backend)
	ctx := context.Background()

	_, err := svc.Login(ctx, "0812", "1234")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(ctx)
		done <- err
	}()

	<-refreshing
	_, err = svc.Login(ctx, "0907", "5678")
	require.NoError(t, err)
	close(loggedIn)

	err = <-done
	assert.True(t, apierror.Is(err, apierror.CodeConflict))
	assert.Equal(t, "tok-3", backend.Token())

	stored, err := store.GetAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-3", stored.Token)
}

func TestAuthService_RefreshAfterLogoutIsRejected(t *testing.T) {
	backend := &fakeBackend{
		LoginFn:   loginOK("tok-1"),
		LogoutFn:  func(ctx context.Context) error { return nil },
		RefreshFn: func(ctx context.Context) (string, error) { return "tok-2", nil },
	}
	svc, _, _, _ := newTestAuth(t, backend)
	ctx := context.Background()

	_, err := svc.Login(ctx, "0812", "1234")
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx))

	_, err = svc.Refresh(ctx)
	assert.True(t, apierror.Is(err, apierror.CodeUnauthorized))
	assert.Empty(t, backend.Token())
}

func TestAuthService_Restore(t *testing.T) {
	backend := &fakeBackend{}
	svc, store, clk, _ := newTestAuth(t, backend)
	ctx := context.Background()

	rec, err := svc.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	saved := testAuthRecord(clk.Now().Add(time.Hour))
	require.NoError(t, store.SaveAuth(ctx, saved))

	rec, err = svc.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tok-1", backend.Token())
}
