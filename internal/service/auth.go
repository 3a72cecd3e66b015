package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/internal/model"
	"lotscan/internal/repository"
	"lotscan/pkg/apierror"
)

// AuthBackend is the part of the Remote Client the AuthService uses.
type AuthBackend interface {
	Login(ctx context.Context, identity, secret string) (*model.AuthRecord, error)
	RefreshToken(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
	SetToken(token string)
}

// AuthConfig holds AuthService settings.
type AuthConfig struct {
	TokenTTL        time.Duration
	RefreshInterval time.Duration
}

// Logout reasons carried by EventLoggedOut.
const (
	LogoutRequested    = "logout"
	LogoutExpired      = "expired"
	LogoutUnauthorized = "unauthorized"
)

// AuthService owns the device's AuthRecord and keeps the client token in
// step with it.
type AuthService struct {
	backend AuthBackend
	store   repository.AuthStore
	conn    *ConnectivityMonitor
	bus     *EventBus
	cfg     AuthConfig
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	active bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAuthService creates an AuthService. conn and bus may be nil.
func NewAuthService(backend AuthBackend, store repository.AuthStore, conn *ConnectivityMonitor, bus *EventBus, cfg AuthConfig, log *zap.Logger) *AuthService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Minute
	}
	return &AuthService{
		backend: backend,
		store:   store,
		conn:    conn,
		bus:     bus,
		cfg:     cfg,
		log:     logger.OrNop(log).Named("auth"),
		now:     time.Now,
	}
}

// Login signs the operator in and replaces the stored AuthRecord.
func (s *AuthService) Login(ctx context.Context, identity, secret string) (*model.AuthRecord, error) {
	rec, err := s.backend.Login(ctx, identity, secret)
	s.conn.Observe(err)
	if err != nil {
		s.log.Info("login rejected", zap.String("identity", identity), zap.Error(err))
		return nil, err
	}

	now := s.now()
	rec.IssuedAt = now
	rec.ExpiresAt = now.Add(s.cfg.TokenTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SaveAuth(ctx, rec); err != nil {
		return nil, asStorageError("save auth", err)
	}
	s.backend.SetToken(rec.Token)
	s.active = true

	s.log.Info("operator logged in",
		zap.Int64("operator_id", rec.Operator.ID),
		zap.Int64("location_id", rec.LocationID()))
	s.bus.Publish(Event{Type: EventLoggedIn, Data: rec.Operator})
	return rec, nil
}

// Logout signs out. The remote call is best effort; local state is always cleared.
func (s *AuthService) Logout(ctx context.Context) error {
	if err := s.backend.Logout(ctx); err != nil {
		s.conn.Observe(err)
		s.log.Warn("remote logout failed", zap.Error(err))
	}
	return s.clear(ctx, LogoutRequested)
}

// ForceLogout clears the session without contacting the backend.
func (s *AuthService) ForceLogout(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.clear(ctx, reason); err != nil {
		s.log.Error("forced logout could not clear stored auth", zap.Error(err))
	}
}

func (s *AuthService) clear(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backend.SetToken("")
	err := s.store.DeleteAuth(ctx)
	wasActive := s.active
	s.active = false

	if wasActive {
		s.log.Info("operator logged out", zap.String("reason", reason))
		s.bus.Publish(Event{Type: EventLoggedOut, Data: LoggedOut{Reason: reason}})
	}
	if err != nil {
		return asStorageError("delete auth", err)
	}
	return nil
}

// Current returns the valid AuthRecord. A missing record is Unauthorized;
// an expired one is removed first.
func (s *AuthService) Current(ctx context.Context) (*model.AuthRecord, error) {
	rec, err := s.store.GetAuth(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.Unauthorized("Not logged in")
	}
	if err != nil {
		return nil, asStorageError("load auth", err)
	}
	if rec.Expired(s.now()) {
		s.ForceLogout(LogoutExpired)
		return nil, apierror.Unauthorized("Session expired")
	}
	return rec, nil
}

// Restore loads a still valid stored record into the client at start-up.
// It returns nil when there is no session to restore.
func (s *AuthService) Restore(ctx context.Context) (*model.AuthRecord, error) {
	rec, err := s.Current(ctx)
	if apierror.Is(err, apierror.CodeUnauthorized) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.backend.SetToken(rec.Token)
	s.active = true
	s.mu.Unlock()

	s.log.Info("session restored",
		zap.Int64("operator_id", rec.Operator.ID),
		zap.Time("expires_at", rec.ExpiresAt))
	return rec, nil
}

// Refresh rotates the token and extends the record's lifetime. The client
// only switches to the new token once the record holding it is stored, and
// a record replaced by a login during the call is left alone.
func (s *AuthService) Refresh(ctx context.Context) (*model.AuthRecord, error) {
	rec, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}

	// mu is not held across the call: a rejected token runs ForceLogout.
	token, err := s.backend.RefreshToken(ctx)
	s.conn.Observe(err)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.store.GetAuth(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, asStorageError("load auth", err)
	}
	if !s.active || stored == nil {
		return nil, apierror.Unauthorized("Not logged in")
	}
	if stored.Token != rec.Token {
		s.log.Info("session changed during token refresh, rotated token discarded")
		return nil, apierror.Conflict("Session changed during token refresh")
	}

	now := s.now()
	stored.Token = token
	stored.IssuedAt = now
	stored.ExpiresAt = now.Add(s.cfg.TokenTTL)
	if err := s.store.SaveAuth(ctx, stored); err != nil {
		s.log.Error("failed to store refreshed token", zap.Error(err))
		return nil, asStorageError("save auth", err)
	}
	s.backend.SetToken(token)
	s.log.Debug("token refreshed", zap.Time("expires_at", stored.ExpiresAt))
	return stored, nil
}

// Start runs the token refresh loop until Stop.
func (s *AuthService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.refreshLoop(ctx)

	s.log.Info("token refresh started", zap.Duration("interval", s.cfg.RefreshInterval))
	return nil
}

// Stop stops the refresh loop.
func (s *AuthService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return waitGroupWithContext(ctx, &s.wg)
}

func (s *AuthService) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshOnce(ctx)
		}
	}
}

func (s *AuthService) refreshOnce(ctx context.Context) {
	_, err := s.Refresh(ctx)
	switch {
	case err == nil:
	case apierror.Is(err, apierror.CodeUnauthorized):
		// Nobody logged in, or the backend revoked the token.
	case apierror.Is(err, apierror.CodeNetworkUnavailable):
		s.log.Debug("token refresh skipped while offline")
	case apierror.Is(err, apierror.CodeConflict):
		// A login replaced the session; the next tick refreshes that one.
	default:
		s.log.Warn("token refresh failed", zap.Error(err))
	}
}

// asStorageError keeps coded errors and wraps anything else as StorageUnavailable.
func asStorageError(op string, err error) error {
	if _, ok := apierror.As(err); ok {
		return err
	}
	return apierror.StorageUnavailable(op + " failed").WithCause(err)
}
