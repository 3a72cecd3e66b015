package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/internal/repository"
)

// Purger removes expired records from the Local Store.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, maxWorkItemAge time.Duration) (repository.PurgeStats, error)
}

// CleanupConfig holds configuration for the cleanup scheduler.
type CleanupConfig struct {
	// MaxWorkItemAge is the age after which unresolved lookup refreshes are dropped.
	// Default: 72 hours
	MaxWorkItemAge time.Duration

	// CleanupInterval is how often the cleanup runs.
	// Default: 10 minutes
	CleanupInterval time.Duration

	// InitialDelay postpones the first run after Start.
	InitialDelay time.Duration
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		MaxWorkItemAge:  72 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		InitialDelay:    time.Minute,
	}
}

// CleanupScheduler periodically purges expired lookups, expired auth and
// stale lookup refreshes. Pending submissions are never touched.
type CleanupScheduler struct {
	store     Purger
	config    CleanupConfig
	log       *zap.Logger
	now       func() time.Time
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// NewCleanupScheduler creates a new cleanup scheduler.
func NewCleanupScheduler(store Purger, config CleanupConfig, log *zap.Logger) *CleanupScheduler {
	defaults := DefaultCleanupConfig()
	if config.MaxWorkItemAge == 0 {
		config.MaxWorkItemAge = defaults.MaxWorkItemAge
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	return &CleanupScheduler{
		store:  store,
		config: config,
		log:    logger.OrNop(log).Named("cleanup"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the cleanup scheduler.
func (s *CleanupScheduler) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.CleanupInterval)
	s.mu.Unlock()

	s.log.Info("cleanup scheduler started",
		zap.Duration("interval", s.config.CleanupInterval),
		zap.Duration("max_work_item_age", s.config.MaxWorkItemAge))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.config.InitialDelay):
			s.runCleanup()
		case <-s.stopCh:
		}
	}()
	go s.run()
}

// run is the main cleanup loop.
func (s *CleanupScheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.runCleanup()
		case <-s.stopCh:
			s.log.Info("cleanup scheduler stopped")
			return
		}
	}
}

func (s *CleanupScheduler) runCleanup() {
	stats, err := s.RunNow()
	if err != nil {
		s.log.Error("cleanup failed", zap.Error(err))
		return
	}

	if stats.Total() > 0 {
		s.log.Info("expired records purged",
			zap.Int64("lookups", stats.Lookups),
			zap.Int64("auth", stats.Auth),
			zap.Int64("work_items", stats.WorkItems))
	} else {
		s.log.Debug("nothing to purge")
	}
}

// Stop stops the cleanup scheduler and waits for a running purge.
func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// RunNow triggers an immediate cleanup run.
func (s *CleanupScheduler) RunNow() (repository.PurgeStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	return s.store.PurgeExpired(ctx, s.now(), s.config.MaxWorkItemAge)
}
