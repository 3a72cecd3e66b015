package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"go.uber.org/zap"

	"lotscan/internal/cache"
	"lotscan/internal/config"
	"lotscan/internal/handler"
	"lotscan/internal/logger"
	"lotscan/internal/remote"
	"lotscan/internal/repository"
	"lotscan/internal/router"
	"lotscan/internal/service"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	log := logger.NewForEnvironment(cfg.App.Environment, cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	defer log.Sync()

	log.Info("starting scanner core",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	// Initialize Local Store based on config
	var store *repository.SQLStore
	var err error
	switch cfg.Store.Type {
	case "mysql":
		store, err = repository.OpenMySQLStore(cfg.Store.DSN(), log)
	default: // sqlite
		store, err = repository.NewSQLiteStore(cfg.Store.Path, log)
	}
	if err != nil {
		log.Fatal("failed to open local store", zap.String("type", cfg.Store.Type), zap.Error(err))
	}
	defer store.Close()
	log.Info("local store initialized", zap.String("type", cfg.Store.Type))

	// Initialize hot lookup cache. Redis falls back to memory when unreachable.
	var lookupCache cache.LookupCache
	if cfg.Cache.Type == "redis" {
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:      cfg.Cache.RedisAddress(),
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			KeyPrefix: cfg.Cache.KeyPrefix,
		}, log)
		if err != nil {
			log.Warn("redis cache unavailable, using memory cache", zap.Error(err))
		} else {
			defer rc.Close()
			lookupCache = rc
		}
	}
	if lookupCache == nil {
		mc := cache.NewMemoryCache()
		defer mc.Close()
		lookupCache = mc
	}

	lotPattern, err := regexp.Compile(cfg.Scan.LotPattern)
	if err != nil {
		log.Fatal("invalid lot pattern", zap.String("pattern", cfg.Scan.LotPattern), zap.Error(err))
	}

	// Initialize core services
	client := remote.New(remote.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Timeout:    cfg.Backend.Timeout,
		Framing:    cfg.Backend.Framing,
		AuthScheme: cfg.Backend.AuthScheme,
	}, log)

	bus := service.NewEventBus(log)

	monitor := service.NewConnectivityMonitor(client, cfg.Sync.PingInterval, bus, log)

	authService := service.NewAuthService(client, store, monitor, bus, service.AuthConfig{
		TokenTTL:        cfg.Backend.TokenTTL,
		RefreshInterval: cfg.Backend.RefreshInterval,
	}, log)
	client.OnUnauthorized(func(error) {
		authService.ForceLogout(service.LogoutUnauthorized)
	})

	resolver := service.NewLotResolver(client, store, lookupCache, monitor, service.ResolverConfig{
		CacheTTL: cfg.Cache.LookupTTL,
		StoreTTL: cfg.Cache.StoreTTL,
	}, log)

	syncEngine := service.NewSyncEngine(client, store, resolver, monitor, bus, service.SyncConfig{
		DrainInterval:    cfg.Sync.DrainInterval,
		DrainTimeout:     cfg.Sync.DrainTimeout,
		MaxAttempts:      cfg.Sync.MaxAttempts,
		LookupRefreshMax: cfg.Sync.LookupRefreshMax,
	}, log)

	session := service.NewScanSession(resolver, authService, syncEngine, bus, service.SessionConfig{
		LotPattern:   lotPattern,
		DedupeWindow: cfg.Scan.DedupeWindow,
	}, log)

	history := service.NewHistoryService(client, authService, monitor)

	cleanup := service.NewCleanupScheduler(store, service.CleanupConfig{
		MaxWorkItemAge:  cfg.Sync.WorkItemMaxAge,
		CleanupInterval: cfg.Sync.PurgeInterval,
	}, log)

	ctx := context.Background()
	if rec, err := authService.Restore(ctx); err != nil {
		log.Warn("failed to restore session", zap.Error(err))
	} else if rec != nil {
		log.Info("session restored", zap.Int64("operator_id", rec.Operator.ID), zap.Time("expires_at", rec.ExpiresAt))
	}

	// Start background tasks
	if err := authService.Start(ctx); err != nil {
		log.Fatal("failed to start auth refresh", zap.Error(err))
	}
	if err := monitor.Start(ctx); err != nil {
		log.Fatal("failed to start connectivity monitor", zap.Error(err))
	}
	if err := syncEngine.Start(ctx); err != nil {
		log.Fatal("failed to start sync engine", zap.Error(err))
	}
	cleanup.Start()

	// Create router
	r := router.New(router.Config{
		Handler:        handler.New(store, monitor, cfg.App.Version, cfg.Store.Type),
		AuthHandler:    handler.NewAuthHandler(authService),
		SessionHandler: handler.NewSessionHandler(session, bus, log),
		QueueHandler:   handler.NewQueueHandler(syncEngine),
		HistoryHandler: handler.NewHistoryHandler(history),
		APIKey:         cfg.Server.APIKey,
		Logger:         log,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop background tasks first so no drain writes after the store closes.
	cleanup.Stop()
	if err := syncEngine.Stop(shutdownCtx); err != nil {
		log.Warn("sync engine stop", zap.Error(err))
	}
	if err := monitor.Stop(shutdownCtx); err != nil {
		log.Warn("connectivity monitor stop", zap.Error(err))
	}
	if err := authService.Stop(shutdownCtx); err != nil {
		log.Warn("auth refresh stop", zap.Error(err))
	}

	// Ends open event streams.
	bus.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	log.Info("server stopped")
}
