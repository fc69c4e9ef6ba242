// Package cache keeps the normalised observation table for the lookback
// window and refreshes it from the configured source.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"spreadmatrix/config"
	"spreadmatrix/internal/metrics"
	"spreadmatrix/internal/source"
	"spreadmatrix/internal/spread"
	"spreadmatrix/logger"
	"spreadmatrix/models"
)

// ErrThrottled is returned by Refresh when explicit refreshes arrive faster
// than the configured rate.
var ErrThrottled = errors.New("refresh throttled")

// RefreshEvent describes a completed refresh.
type RefreshEvent struct {
	At           time.Time
	Source       string
	Observations int
}

// Listener is notified after each successful refresh.
type Listener func(RefreshEvent)

// ListenerID identifies a registered listener.
type ListenerID uint64

// TableCache owns the observation table. Readers always receive a copy.
type TableCache struct {
	src      source.Source
	store    Store
	norm     spread.Normalizer
	lookback time.Duration
	timeout  time.Duration
	interval time.Duration
	limiter  *rate.Limiter
	log      *logger.Log
	now      func() time.Time

	refreshMu sync.Mutex

	mu          sync.RWMutex
	obs         []models.Observation
	refreshedAt time.Time

	listenersMu    sync.RWMutex
	listeners      map[ListenerID]Listener
	nextListenerID ListenerID
}

func New(src source.Source, store Store, norm spread.Normalizer, cacheCfg config.CacheConfig, sourceCfg config.SourceConfig) *TableCache {
	limit := rate.Inf
	if cacheCfg.RefreshRate > 0 {
		limit = rate.Limit(cacheCfg.RefreshRate)
	}
	burst := cacheCfg.RefreshBurst
	if burst <= 0 {
		burst = 1
	}
	return &TableCache{
		src:       src,
		store:     store,
		norm:      norm,
		lookback:  sourceCfg.Lookback,
		timeout:   sourceCfg.Timeout,
		interval:  cacheCfg.RefreshInterval,
		limiter:   rate.NewLimiter(limit, burst),
		log:       logger.GetLogger(),
		now:       time.Now,
		listeners: make(map[ListenerID]Listener),
	}
}

// Observations returns a copy of the current table.
func (c *TableCache) Observations() []models.Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Observation, len(c.obs))
	copy(out, c.obs)
	return out
}

// RefreshedAt reports when the table was last replaced. It is zero before
// the first load.
func (c *TableCache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Location is the display zone observations are expressed in.
func (c *TableCache) Location() *time.Location {
	if c.norm.Location == nil {
		return time.UTC
	}
	return c.norm.Location
}

// Warm loads a table saved by another replica, or fetches one when the
// store is empty.
func (c *TableCache) Warm(ctx context.Context) error {
	log := c.log.WithComponent("cache")
	obs, ok, err := c.store.Load(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load cached observations")
	}
	if ok {
		obs = append([]models.Observation(nil), obs...)
		loc := c.Location()
		for i := range obs {
			obs[i].Timestamp = obs[i].Timestamp.In(loc)
		}
		c.swap(obs)
		log.WithFields(logger.Fields{"observations": len(obs)}).Info("loaded observations from cache store")
		return nil
	}
	return c.refresh(ctx)
}

// Refresh reloads the table on explicit request.
func (c *TableCache) Refresh(ctx context.Context) error {
	if !c.limiter.Allow() {
		return ErrThrottled
	}
	return c.refresh(ctx)
}

// Run refreshes on every interval until ctx is cancelled.
func (c *TableCache) Run(ctx context.Context) {
	interval := c.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := c.log.WithComponent("cache")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("scheduled refresh failed; keeping previous table")
			}
		}
	}
}

func (c *TableCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	now := c.now()
	w := source.Window{End: now}
	if c.lookback > 0 {
		w.Start = now.Add(-c.lookback)
	}

	start := time.Now()
	rows, err := c.src.Fetch(ctx, w)
	if err != nil {
		metrics.ObserveRefresh(c.src.Name(), 0, err, time.Since(start))
		return fmt.Errorf("fetch from %s: %w", c.src.Name(), err)
	}
	obs := c.norm.Normalize(rows)
	metrics.ObserveRefresh(c.src.Name(), len(obs), nil, time.Since(start))

	if err := c.store.Save(ctx, obs); err != nil {
		c.log.WithComponent("cache").WithError(err).Warn("failed to save observations to cache store")
	}
	c.swap(obs)

	logger.LogDataFlowEntry(c.log.WithComponent("cache"), c.src.Name(), "cache", len(obs), "observation")
	c.notify(RefreshEvent{At: now, Source: c.src.Name(), Observations: len(obs)})
	return nil
}

func (c *TableCache) swap(obs []models.Observation) {
	c.mu.Lock()
	c.obs = obs
	c.refreshedAt = c.now()
	c.mu.Unlock()
}

// OnRefresh registers fn to run after every successful refresh.
func (c *TableCache) OnRefresh(fn Listener) ListenerID {
	if fn == nil {
		return 0
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListenerID++
	c.listeners[c.nextListenerID] = fn
	return c.nextListenerID
}

func (c *TableCache) RemoveListener(id ListenerID) {
	c.listenersMu.Lock()
	delete(c.listeners, id)
	c.listenersMu.Unlock()
}

func (c *TableCache) notify(ev RefreshEvent) {
	c.listenersMu.RLock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *TableCache) Close() error {
	return c.store.Close()
}
