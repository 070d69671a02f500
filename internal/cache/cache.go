package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/store"
)

const (
	refreshInterval = 1 * time.Second
	freshnessWindow = 5 * time.Second
)

// Cache holds a snapshot of all non-deleted monitor items so the scheduler
// hot path never hits the database. One writer (the refresher), many
// readers; readers get the snapshot by pointer swap, so the critical
// section stays O(1).
type Cache struct {
	store *store.Store

	mu          sync.RWMutex
	items       map[int64]*models.MonitorItem
	lastRefresh time.Time

	// limit caps the working set during refresh (load shedding, tests).
	limit int

	// Overridable in tests.
	now func() time.Time
}

// New builds an empty cache. limit <= 0 means unlimited.
func New(s *store.Store, limit int) *Cache {
	return &Cache{
		store: s,
		items: make(map[int64]*models.MonitorItem),
		limit: limit,
		now:   time.Now,
	}
}

// Start performs an initial refresh and then refreshes every second until
// the context is cancelled.
func (c *Cache) Start(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("Initial cache refresh failed, scheduler will fall back to direct reads")
	}

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug().Msg("Cache refresher stopped")
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					log.Warn().Err(err).Msg("Cache refresh failed, keeping previous snapshot")
				}
			}
		}
	}()
}

// Refresh reloads all items from the store and swaps the snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	items, err := c.store.ListAllItems(ctx, c.limit)
	if err != nil {
		metrics.CacheRefreshFailuresTotal.Inc()
		return err
	}

	next := make(map[int64]*models.MonitorItem, len(items))
	for _, item := range items {
		next[item.ID] = item
	}

	c.mu.Lock()
	c.items = next
	c.lastRefresh = c.now()
	c.mu.Unlock()

	metrics.CacheItems.Set(float64(len(next)))
	return nil
}

// Fresh reports whether the snapshot is within the freshness window.
func (c *Cache) Fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.lastRefresh) <= freshnessWindow
}

// LastRefresh returns the time of the last successful refresh.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Snapshot returns the current item map. Callers must treat it as
// read-only; the refresher replaces rather than mutates it.
func (c *Cache) Snapshot() map[int64]*models.MonitorItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items
}

// Get returns one item. Within the freshness window it serves the cached
// copy; outside it falls back to the store and opportunistically updates
// the snapshot entry.
func (c *Cache) Get(ctx context.Context, id int64) (*models.MonitorItem, error) {
	c.mu.RLock()
	item, ok := c.items[id]
	fresh := c.now().Sub(c.lastRefresh) <= freshnessWindow
	c.mu.RUnlock()

	if fresh {
		if !ok {
			return nil, nil
		}
		return item, nil
	}

	log.Debug().Int64("monitor_id", id).Msg("Cache stale, reading item from store")
	loaded, err := c.store.GetItem(ctx, id)
	if err != nil {
		// Degraded but not dead: serve the stale entry when we have one.
		if ok {
			return item, nil
		}
		return nil, err
	}

	c.mu.Lock()
	if loaded == nil {
		delete(c.items, id)
	} else {
		c.items[id] = loaded
	}
	c.mu.Unlock()
	return loaded, nil
}

// EnabledItems returns the enabled, non-paused subset of the snapshot,
// ordered by id.
func (c *Cache) EnabledItems() []*models.MonitorItem {
	snapshot := c.Snapshot()
	now := c.now()

	out := make([]*models.MonitorItem, 0, len(snapshot))
	for _, item := range snapshot {
		if item.Enable && !item.Paused(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
