// Package cache implements the three-tier enrichment cache: an in-memory
// TTL cache (L1), row-store entries (L2) and sharded JSON files on disk
// (L3). Reads fall through the tiers and backfill upward on a hit; writes
// go through to every available tier. Any tier may be absent or failing and
// the hierarchy degrades to whatever remains.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/trapline/internal/metrics"
)

// ErrNotCached is returned when no tier holds a live entry.
var ErrNotCached = errors.New("not cached")

// RowStore is the L2 backend, implemented by the store package.
type RowStore interface {
	CacheGet(ctx context.Context, service, key string) ([]byte, bool, error)
	CachePut(ctx context.Context, service, key string, value []byte, ttl time.Duration) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// All tiers are optional; the hierarchy runs on whatever is configured.
	RowStore RowStore
	DiskRoot string

	Metrics *metrics.CacheMetrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Hierarchy struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.CacheMetrics

	l1 *ttlcache.Cache[string, []byte]
	l2 RowStore
	l3 *DiskCache
}

func New(cfg Config) (*Hierarchy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate cache config: %w", err)
	}

	h := &Hierarchy{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		l2:      cfg.RowStore,
		l1: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
	}

	if cfg.DiskRoot != "" {
		disk, err := NewDiskCache(cfg.DiskRoot, cfg.Clock)
		if err != nil {
			return nil, err
		}
		h.l3 = disk
	}
	return h, nil
}

// Start runs the L1 janitor until ctx is done.
func (h *Hierarchy) Start(ctx context.Context) {
	go h.l1.Start()
	go func() {
		<-ctx.Done()
		h.l1.Stop()
	}()
}

func l1Key(service, key string) string { return service + "/" + key }

// Get walks L1, L2, L3 in order. A hit on a lower tier backfills every tier
// above it with that tier's own TTL. Tier errors are recorded and treated
// as misses so a broken tier never breaks the read path.
func (h *Hierarchy) Get(ctx context.Context, service, key string) ([]byte, Tier, error) {
	policy := PolicyFor(service)

	if item := h.l1.Get(l1Key(service, key)); item != nil {
		h.hit(service, TierL1)
		return item.Value(), TierL1, nil
	}

	if h.l2 != nil {
		value, ok, err := h.l2.CacheGet(ctx, service, key)
		if err != nil {
			h.tierError(TierL2, service, key, err)
		} else if ok {
			h.hit(service, TierL2)
			h.l1.Set(l1Key(service, key), value, policy.L1)
			return value, TierL2, nil
		}
	}

	if h.l3 != nil {
		value, ok, err := h.l3.Get(service, key)
		if err != nil {
			h.tierError(TierL3, service, key, err)
		} else if ok {
			h.hit(service, TierL3)
			h.l1.Set(l1Key(service, key), value, policy.L1)
			if h.l2 != nil {
				if err := h.l2.CachePut(ctx, service, key, value, policy.L2); err != nil {
					h.tierError(TierL2, service, key, err)
				}
			}
			return value, TierL3, nil
		}
	}

	if h.metrics != nil {
		h.metrics.Misses.WithLabelValues(service).Inc()
	}
	return nil, "", ErrNotCached
}

// Put writes through to every available tier. ttlHint can shorten the
// per-tier policy TTLs but never extend them; pass 0 to use policy values.
func (h *Hierarchy) Put(ctx context.Context, service, key string, value []byte, ttlHint time.Duration) error {
	policy := PolicyFor(service)

	h.l1.Set(l1Key(service, key), value, clamp(policy.L1, ttlHint))
	h.put(service, TierL1)

	var firstErr error
	if h.l2 != nil {
		if err := h.l2.CachePut(ctx, service, key, value, clamp(policy.L2, ttlHint)); err != nil {
			h.tierError(TierL2, service, key, err)
			firstErr = err
		} else {
			h.put(service, TierL2)
		}
	}
	if h.l3 != nil {
		if err := h.l3.Put(service, key, value, clamp(policy.L3, ttlHint)); err != nil {
			h.tierError(TierL3, service, key, err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			h.put(service, TierL3)
		}
	}
	return firstErr
}

func (h *Hierarchy) hit(service string, tier Tier) {
	if h.metrics != nil {
		h.metrics.Hits.WithLabelValues(service, string(tier)).Inc()
	}
}

func (h *Hierarchy) put(service string, tier Tier) {
	if h.metrics != nil {
		h.metrics.Puts.WithLabelValues(service, string(tier)).Inc()
	}
}

func (h *Hierarchy) tierError(tier Tier, service, key string, err error) {
	h.log.Debug("cache: tier failure treated as miss",
		"tier", string(tier), "service", service, "key", key, "error", err)
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(string(tier)).Inc()
	}
}
