package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// BreakerSettings configures the single "redis" circuit breaker
// shared by every TieredCache operation's design note
// that breaker state is shared per logical dependency name rather
// than per key or per region.
type BreakerSettings struct {
	MaxRequestsHalfOpen uint32
	OpenTimeout         time.Duration
	ConsecutiveFailures uint32
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxRequestsHalfOpen == 0 {
		s.MaxRequestsHalfOpen = 1
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	return s
}

// TieredCache is the Cache implementation wiring the local tier, the
// redis tier, a breaker guarding every redis hop, and a single-flight
// group deduplicating concurrent LoadOrCompute calls for the same
// key.
type TieredCache struct {
	local   *local
	redis   *redisTier
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	ttls    TTLs
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewTieredCache builds a TieredCache. redis may be nil, in which case
// the cache degrades to local-only (used in tests and local dev,
// mirroring repository/memory's role for the storage layer).
func NewTieredCache(redis *redisTier, ttls TTLs, localMaxBytes int64, bs BreakerSettings, log logrus.FieldLogger) *TieredCache {
	bs = bs.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: bs.MaxRequestsHalfOpen,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("dependency", name).WithField("from", from.String()).WithField("to", to.String()).
				Warn("cache breaker state change")
		},
	})
	return &TieredCache{
		local:   newLocal(localMaxBytes),
		redis:   redis,
		breaker: cb,
		ttls:    ttls,
		log:     log,
		now:     time.Now,
	}
}

// Sweep runs the local tier's expiry sweep on the calling goroutine,
// blocking until ctx is cancelled; the composition root starts it once
// in its own goroutine and cancels ctx at shutdown.
func (c *TieredCache) Sweep(ctx context.Context, interval time.Duration) {
	c.local.sweep(ctx, interval)
}

func (c *TieredCache) Get(ctx context.Context, region Region, key string) ([]byte, error) {
	fullKey := regionKey(region, key)
	if c.redis != nil {
		v, err := c.breaker.Execute(func() (interface{}, error) {
			return c.redis.get(ctx, fullKey)
		})
		switch {
		case err == nil:
			val := v.([]byte)
			c.local.put(c.now(), fullKey, val, c.ttls.ttl(region))
			return val, nil
		case errors.Is(err, ErrMiss):
			// a distributed miss is not final: local is still consulted
			// in case it holds a warm value from before an eviction
		default:
			c.log.WithField("region", region).WithError(err).Debug("cache: distributed get failed, falling back to local")
		}
	}
	if val, ok := c.local.get(c.now(), fullKey); ok {
		return val, nil
	}
	return nil, ErrMiss
}

func (c *TieredCache) Put(ctx context.Context, region Region, key string, value []byte) error {
	if value == nil {
		return errors.New("cache: refusing to cache nil value")
	}
	fullKey := regionKey(region, key)
	ttl := c.ttls.ttl(region)
	c.local.put(c.now(), fullKey, value, ttl)
	if c.redis != nil {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.redis.set(ctx, fullKey, value, ttl)
		})
		if err != nil {
			c.log.WithField("region", region).WithError(err).Debug("cache: distributed put failed, local already warm")
		}
	}
	return nil
}

func (c *TieredCache) Invalidate(ctx context.Context, region Region, key string) error {
	fullKey := regionKey(region, key)
	c.local.delete(fullKey)
	if c.redis != nil {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.redis.del(ctx, fullKey)
		})
		if err != nil {
			c.log.WithField("region", region).WithError(err).Debug("cache: distributed invalidate failed")
		}
	}
	return nil
}

func (c *TieredCache) LoadOrCompute(ctx context.Context, region Region, key string, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if val, err := c.Get(ctx, region, key); err == nil {
		return val, nil
	}
	fullKey := regionKey(region, key)
	v, err, _ := c.group.Do(fullKey, func() (interface{}, error) {
		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, errors.New("cache: loader returned nil value")
		}
		if putErr := c.Put(ctx, region, key, val); putErr != nil {
			c.log.WithField("region", region).WithError(putErr).Debug("cache: post-load put failed")
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

var _ Cache = (*TieredCache)(nil)
