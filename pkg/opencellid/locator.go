package opencellid

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/markus-lassfolk/locationd/pkg/cellular"
	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
	"github.com/markus-lassfolk/locationd/pkg/ubus"
)

// Locator is a gps.Locator placing the router at its serving cell tower.
// Answers come from the cache while the cell is unchanged.
type Locator struct {
	config  *Config
	api     Lookuper
	runner  ubus.Runner
	cache   *Cache
	limiter *rate.Limiter
	logger  *logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	lookups int
	hits    int
}

// NewLocator builds a locator. api may be nil (no key), cache may be nil.
func NewLocator(config *Config, api Lookuper, runner ubus.Runner, cache *Cache, logger *logx.Logger) *Locator {
	if config == nil {
		config = DefaultConfig()
	}
	limit := rate.Inf
	burst := 1
	if config.MaxLookupsPerHour > 0 {
		limit = rate.Every(time.Hour / time.Duration(config.MaxLookupsPerHour))
		burst = config.MaxLookupsPerHour
	}
	return &Locator{
		config:  config,
		api:     api,
		runner:  runner,
		cache:   cache,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     time.Now,
	}
}

func (l *Locator) Available(ctx context.Context) bool {
	return l.api != nil
}

func (l *Locator) Locate(ctx context.Context) (*gps.PositionFix, error) {
	if l.api == nil {
		return nil, gps.ErrBackendUnavailable
	}

	cell, err := cellular.ReadServingCell(ctx, l.runner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gps.ErrBackendUnavailable, err)
	}
	key := cell.Key()
	now := l.now()

	if l.cache != nil {
		loc, missed, err := l.cache.Get(key, now)
		switch {
		case err != nil:
			l.logger.Warn("opencellid_cache_read_failed", "error", err)
		case loc != nil:
			l.mu.Lock()
			l.hits++
			l.mu.Unlock()
			l.logger.Trace("opencellid_cache_hit", "cell", key)
			return l.fix(loc, now)
		case missed:
			return nil, fmt.Errorf("%w: %s", ErrCellNotFound, key)
		}
	}

	if !l.limiter.AllowN(now, 1) {
		return nil, fmt.Errorf("%w: opencellid lookup limit of %d per hour reached", gps.ErrBackendUnavailable, l.config.MaxLookupsPerHour)
	}

	l.mu.Lock()
	l.lookups++
	l.mu.Unlock()

	loc, err := l.api.Lookup(ctx, *cell)
	if errors.Is(err, ErrCellNotFound) {
		l.logger.Debug("opencellid_cell_unknown", "cell", key)
		l.store(func() error { return l.cache.PutMiss(key, err.Error(), now.Add(l.jittered(l.config.NegativeTTL))) })
		return nil, fmt.Errorf("%w: %s", ErrCellNotFound, key)
	}
	if err != nil {
		l.logger.Warn("opencellid_lookup_failed", "cell", key, "error", err)
		return nil, err
	}

	fix, err := l.fix(loc, now)
	if err != nil {
		return nil, err
	}
	l.store(func() error { return l.cache.Put(key, loc, now.Add(l.config.CacheTTL)) })
	l.logger.Debug("opencellid_location", "cell", key, "range", loc.Range, "samples", loc.Samples)
	return fix, nil
}

func (l *Locator) fix(loc *CellLocation, now time.Time) (*gps.PositionFix, error) {
	accuracy := loc.Range
	if accuracy <= 0 {
		accuracy = l.config.DefaultRange
	}
	fix := &gps.PositionFix{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  accuracy,
		Timestamp: now,
		Provider:  gps.ProviderFusedNetwork,
		FixType:   gps.Fix2D,
	}
	if !fix.Valid() || (loc.Latitude == 0 && loc.Longitude == 0) {
		return nil, fmt.Errorf("%w: opencellid returned (%f, %f)", gps.ErrMalformedPayload, loc.Latitude, loc.Longitude)
	}
	return fix, nil
}

func (l *Locator) store(put func() error) {
	if l.cache == nil {
		return
	}
	if err := put(); err != nil {
		l.logger.Warn("opencellid_cache_write_failed", "error", err)
	}
}

// jittered spreads negative entries over ±20% of ttl
func (l *Locator) jittered(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl) * (0.8 + 0.4*rand.Float64()))
}

// Stats returns API lookups made and cache hits served
func (l *Locator) Stats() (lookups, hits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookups, l.hits
}
