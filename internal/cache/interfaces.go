package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"lotscan/internal/model"
)

// ErrMiss is returned when a lookup is not cached or no longer usable.
var ErrMiss = errors.New("lookup not cached")

// Key identifies a cached lookup. The same lot may resolve differently per
// warehouse location.
type Key struct {
	Lot        string
	LocationID int64
}

// KeyOf returns the key l is cached under.
func KeyOf(l *model.CachedLotLookup) Key {
	return Key{Lot: l.LotName, LocationID: l.LocationID}
}

func (k Key) String() string {
	return strconv.FormatInt(k.LocationID, 10) + ":" + k.Lot
}

// LookupCache is the hot tier in front of the Local Store for lot lookups.
// MemoryCache serves a single device; RedisCache is shared by the stations
// of one site.
type LookupCache interface {
	// Get returns the lookup under k, or ErrMiss.
	Get(ctx context.Context, k Key) (*model.CachedLotLookup, error)

	// Put caches l for ttl. A non-positive ttl stores nothing.
	Put(ctx context.Context, l *model.CachedLotLookup, ttl time.Duration) error

	// Evict drops the lookups under keys. Unknown keys are ignored.
	Evict(ctx context.Context, keys ...Key) error
}
