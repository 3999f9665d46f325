// Package registration caches the set of objects registered under this
// gateway. The directory authority is the source of truth; the cache is
// refreshed wholesale on a timer and on demand so registration checks never
// block on a network round trip.
package registration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mvera/fedgate/internal/directory"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// ItemSource lists this gateway's registrations from the directory.
type ItemSource interface {
	GetAgentItems(ctx context.Context) ([]directory.AgentItem, error)
}

// Cache holds the registered object ids of this gateway.
type Cache struct {
	agid    string
	source  ItemSource
	refresh time.Duration
	logger  *logger.Logger

	mu    sync.RWMutex
	items map[string]directory.AgentItem

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCache builds an empty cache. refresh of zero disables the timer.
func NewCache(agid string, source ItemSource, refresh time.Duration, log *logger.Logger) *Cache {
	return &Cache{
		agid:    agid,
		source:  source,
		refresh: refresh,
		logger:  log.With("component", "registration_cache"),
		items:   make(map[string]directory.AgentItem),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Refresh replaces the cached registrations with the directory's current
// view. The gateway's own id is always considered registered.
func (c *Cache) Refresh(ctx context.Context) error {
	items, err := c.source.GetAgentItems(ctx)
	if err != nil {
		return fmt.Errorf("refreshing registrations: %w", err)
	}

	fresh := make(map[string]directory.AgentItem, len(items)+1)
	for _, it := range items {
		fresh[it.Oid] = it
	}
	fresh[c.agid] = directory.AgentItem{Oid: c.agid, Name: "gateway"}

	c.mu.Lock()
	c.items = fresh
	c.mu.Unlock()

	c.logger.Debug(ctx, "Registrations refreshed", "count", len(fresh))
	return nil
}

// Start performs the initial refresh and begins the periodic one.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	if c.refresh <= 0 {
		close(c.done)
		return nil
	}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bg := context.Background()
				if err := c.Refresh(bg); err != nil {
					c.logger.Warn(bg, "Periodic registration refresh failed", "error", err)
				}
			case <-c.stop:
				return
			}
		}
	}()
	return nil
}

// Stop halts the refresh timer.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

// IsRegistered reports whether oid is registered under this gateway.
func (c *Cache) IsRegistered(oid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[oid]
	return ok
}

// Oids returns the sorted registered object ids.
func (c *Cache) Oids() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	oids := make([]string, 0, len(c.items))
	for oid := range c.items {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	return oids
}
