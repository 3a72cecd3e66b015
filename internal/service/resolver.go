package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/cache"
	"lotscan/internal/logger"
	"lotscan/internal/model"
	"lotscan/internal/repository"
	"lotscan/pkg/apierror"
)

// LotSource resolves lots against the backend.
type LotSource interface {
	FindProductByLot(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error)
}

// LookupStore is the part of the Local Store the LotResolver uses.
type LookupStore interface {
	repository.LookupStore
	repository.WorkItemStore
}

// ResolverConfig holds LotResolver settings.
type ResolverConfig struct {
	// CacheTTL bounds entries in the hot cache.
	CacheTTL time.Duration
	// StoreTTL is the lifetime of a lookup persisted in the Local Store.
	StoreTTL time.Duration
}

// LotResolver resolves a lot to its product through the hot cache, the
// Local Store and finally the backend. Expired entries are never served.
type LotResolver struct {
	source LotSource
	store  LookupStore
	cache  cache.LookupCache
	conn   *ConnectivityMonitor
	cfg    ResolverConfig
	log    *zap.Logger
	now    func() time.Time
}

// NewLotResolver creates a LotResolver. cache and conn may be nil.
func NewLotResolver(source LotSource, store LookupStore, c cache.LookupCache, conn *ConnectivityMonitor, cfg ResolverConfig, log *zap.Logger) *LotResolver {
	if cfg.StoreTTL <= 0 {
		cfg.StoreTTL = 24 * time.Hour
	}
	if cfg.CacheTTL <= 0 || cfg.CacheTTL > cfg.StoreTTL {
		cfg.CacheTTL = cfg.StoreTTL
	}
	return &LotResolver{
		source: source,
		store:  store,
		cache:  c,
		conn:   conn,
		cfg:    cfg,
		log:    logger.OrNop(log).Named("resolver"),
		now:    time.Now,
	}
}

// FindProduct returns the product owning lot at locationID.
func (r *LotResolver) FindProduct(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error) {
	now := r.now()

	if hit, ok := r.fromCache(ctx, lot, locationID, now); ok {
		return &hit.Product, nil
	}
	if hit, ok := r.fromStore(ctx, lot, locationID, now); ok {
		r.warmCache(ctx, hit, now)
		return &hit.Product, nil
	}

	p, err := r.source.FindProductByLot(ctx, lot, locationID)
	r.conn.Observe(err)
	if err != nil {
		if apierror.Is(err, apierror.CodeNetworkUnavailable) {
			r.enqueueRefresh(ctx, lot, locationID)
		}
		return nil, err
	}

	r.remember(ctx, p, locationID)
	return p, nil
}

// LookupLot returns the record of a single lot.
func (r *LotResolver) LookupLot(ctx context.Context, lot string, locationID int64) (*model.LotRecord, error) {
	p, err := r.FindProduct(ctx, lot, locationID)
	if err != nil {
		return nil, err
	}
	rec, ok := model.LotRecordFor(*p, lot)
	if !ok {
		return nil, apierror.NotFound(fmt.Sprintf("Lot %s not found", lot))
	}
	return &rec, nil
}

// Refresh fetches lot from the backend regardless of cached entries. A lot
// the backend no longer knows is forgotten in both tiers.
func (r *LotResolver) Refresh(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error) {
	p, err := r.source.FindProductByLot(ctx, lot, locationID)
	r.conn.Observe(err)
	if apierror.Is(err, apierror.CodeNotFound) {
		r.forget(ctx, lot, locationID)
	}
	if err != nil {
		return nil, err
	}
	r.remember(ctx, p, locationID)
	return p, nil
}

func (r *LotResolver) forget(ctx context.Context, lot string, locationID int64) {
	if r.cache != nil {
		if err := r.cache.Evict(ctx, cache.Key{Lot: lot, LocationID: locationID}); err != nil {
			r.log.Debug("cache evict failed", zap.String("lot", lot), zap.Error(err))
		}
	}
	// The store keeps one lookup per lot; another location's entry stays.
	hit, err := r.store.GetLookup(ctx, lot)
	if err != nil || hit.LocationID != locationID {
		return
	}
	if err := r.store.DeleteLookup(ctx, lot); err != nil {
		r.log.Warn("lookup store delete failed", zap.String("lot", lot), zap.Error(err))
		return
	}
	r.log.Info("lookup forgotten", zap.String("lot", lot), zap.Int64("location_id", locationID))
}

func (r *LotResolver) fromCache(ctx context.Context, lot string, locationID int64, now time.Time) (*model.CachedLotLookup, bool) {
	if r.cache == nil {
		return nil, false
	}
	hit, err := r.cache.Get(ctx, cache.Key{Lot: lot, LocationID: locationID})
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.log.Debug("cache read failed", zap.String("lot", lot), zap.Error(err))
		}
		return nil, false
	}
	if !hit.Usable(now) {
		return nil, false
	}
	return hit, true
}

func (r *LotResolver) fromStore(ctx context.Context, lot string, locationID int64, now time.Time) (*model.CachedLotLookup, bool) {
	hit, err := r.store.GetLookup(ctx, lot)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.log.Warn("lookup store read failed, treating as absent", zap.String("lot", lot), zap.Error(err))
		}
		return nil, false
	}
	if !hit.Usable(now) || hit.LocationID != locationID {
		return nil, false
	}
	return hit, true
}

// remember writes one lookup per named lot of p to both tiers.
func (r *LotResolver) remember(ctx context.Context, p *model.ProductInfo, locationID int64) {
	now := r.now()
	for _, l := range p.Lots {
		if l.LotName == "" {
			continue
		}
		entry := &model.CachedLotLookup{
			LotName:        l.LotName,
			LocationID:     locationID,
			Product:        *p,
			TheoreticalQty: l.TheoreticalQty,
			FetchedAt:      now,
			ExpiresAt:      now.Add(r.cfg.StoreTTL),
		}
		if err := r.store.PutLookup(ctx, entry); err != nil {
			r.log.Warn("lookup store write failed", zap.String("lot", l.LotName), zap.Error(err))
		}
		r.warmCache(ctx, entry, now)
	}
}

// warmCache caches entry no longer than CacheTTL and never past its expiry.
func (r *LotResolver) warmCache(ctx context.Context, entry *model.CachedLotLookup, now time.Time) {
	if r.cache == nil {
		return
	}
	ttl := min(entry.ExpiresAt.Sub(now), r.cfg.CacheTTL)
	if err := r.cache.Put(ctx, entry, ttl); err != nil {
		r.log.Debug("cache write failed", zap.String("lot", entry.LotName), zap.Error(err))
	}
}

// lookupWorkID is deterministic so a lot is queued for refresh at most once.
func lookupWorkID(lot string, locationID int64) string {
	return fmt.Sprintf("%s:%d:%s", model.WorkLookupRefresh, locationID, lot)
}

func (r *LotResolver) enqueueRefresh(ctx context.Context, lot string, locationID int64) {
	id := lookupWorkID(lot, locationID)
	if _, err := r.store.GetWorkItem(ctx, id); err == nil {
		return
	}

	payload, err := json.Marshal(model.LookupRefreshPayload{LotName: lot, LocationID: locationID})
	if err != nil {
		r.log.Error("failed to encode lookup refresh", zap.Error(err))
		return
	}
	now := r.now()
	item := &model.SyncWorkItem{
		ID:        id,
		Kind:      model.WorkLookupRefresh,
		Payload:   payload,
		Status:    model.WorkPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.PutWorkItem(ctx, item); err != nil {
		r.log.Warn("failed to queue lookup refresh", zap.String("lot", lot), zap.Error(err))
		return
	}
	r.log.Debug("lookup refresh queued", zap.String("lot", lot), zap.Int64("location_id", locationID))
}
