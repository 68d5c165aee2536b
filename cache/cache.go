// Package cache implements a two-tier (in-process + distributed)
// cache: a bounded local map backed by a Redis-class distributed
// tier, with a circuit breaker guarding the
// distributed hop and a single-flight guard against cache-aside
// stampedes.
package cache

import (
	"context"
	"errors"
	"time"
)

// Region names a TTL bucket. Every region carries its own configured
// TTL so callers never hardcode a duration at the call site.
type Region string

const (
	RegionUsers       Region = "users"
	RegionRoles       Region = "roles"
	RegionASN         Region = "asn"
	RegionTokens      Region = "tokens"
	RegionIPBlock     Region = "ip-block"
	RegionGeoLocation Region = "geo-location"
	RegionGeoHistory  Region = "geo-history"
)

// ErrMiss is returned by Get when neither tier has the key.
var ErrMiss = errors.New("cache: miss")

// Cache is the cache-aside port used by repository/risk/token callers.
// Implementations must not cache nil/absent values: Put with a nil
// value is a caller bug, not a cacheable "known absent" marker.
type Cache interface {
	// Get returns the distributed value if the distributed tier is
	// healthy; on distributed failure or an open breaker it falls back
	// to the local tier. A hit on the distributed tier warms local.
	Get(ctx context.Context, region Region, key string) ([]byte, error)

	// Put always populates local; the distributed write is attempted
	// but its failure is non-fatal and never surfaces to the caller.
	Put(ctx context.Context, region Region, key string, value []byte) error

	// LoadOrCompute is cache-aside with per-key single-flight: at most
	// one loader runs per key per process, concurrent callers for the
	// same key block on the in-flight call's result.
	LoadOrCompute(ctx context.Context, region Region, key string, loader func(ctx context.Context) ([]byte, error)) ([]byte, error)

	// Invalidate removes key from both tiers.
	Invalidate(ctx context.Context, region Region, key string) error
}

// TTLs maps a Region to its configured time-to-live. Every region must
// have an entry; DefaultTTLs provides sane defaults, all overridable
// from the composition root's config file.
type TTLs map[Region]time.Duration

// DefaultTTLs covers every region a composition root wires today.
func DefaultTTLs() TTLs {
	return TTLs{
		RegionUsers:       5 * time.Minute,
		RegionRoles:       15 * time.Minute,
		RegionASN:         1 * time.Hour,
		RegionTokens:      1 * time.Minute,
		RegionIPBlock:     2 * time.Minute,
		RegionGeoLocation: 30 * time.Minute,
		RegionGeoHistory:  24 * time.Hour,
	}
}

func (t TTLs) ttl(r Region) time.Duration {
	if d, ok := t[r]; ok {
		return d
	}
	return 5 * time.Minute
}

func regionKey(region Region, key string) string {
	return string(region) + ":" + key
}
