// Package schema caches entity lists and entity descriptors per connection.
//
// Entries expire after a TTL (per connection, with a global default). A
// stale entry is never served: the next request triggers discovery, and
// concurrent requests for the same key share one discovery call. An
// optional SnapshotStore persists descriptors so a restarted process can
// reuse those still within their TTL.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scrypster/entbridge/pkg/types"
)

// DefaultTTL applies when neither the connection nor the cache sets one.
const DefaultTTL = 15 * time.Minute

// Discoverer lists and describes a backend's entities.
type Discoverer interface {
	ListEntities(ctx context.Context) ([]types.EntityDescriptor, error)
	DescribeEntity(ctx context.Context, entity string) (*types.EntityDescriptor, error)
}

// SnapshotStore persists descriptors across restarts.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, connectionID, entity string) (*types.EntityDescriptor, error)
	SaveSnapshot(ctx context.Context, connectionID string, desc *types.EntityDescriptor) error
	// DeleteSnapshots removes one entity, or every entity of the connection
	// when entity is empty.
	DeleteSnapshots(ctx context.Context, connectionID, entity string) error
	Close() error
}

// ErrSnapshotNotFound is returned by SnapshotStore.LoadSnapshot on a miss.
var ErrSnapshotNotFound = errors.New("schema snapshot not found")

type listEntry struct {
	entities  []types.EntityDescriptor
	fetchedAt time.Time
}

type descEntry struct {
	desc      *types.EntityDescriptor
	fetchedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	lists  map[string]listEntry
	descs  map[string]map[string]descEntry // connection -> lower(entity)
	ttls   map[string]time.Duration
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	store  SnapshotStore
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the default TTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStore enables snapshot persistence.
func WithStore(s SnapshotStore) Option {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		lists:  make(map[string]listEntry),
		descs:  make(map[string]map[string]descEntry),
		ttls:   make(map[string]time.Duration),
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTTL overrides the TTL for one connection. A non-positive value
// restores the default.
func (c *Cache) SetTTL(connectionID string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.ttls, connectionID)
		return
	}
	c.ttls[connectionID] = ttl
}

func (c *Cache) ttlFor(connectionID string) time.Duration {
	if d, ok := c.ttls[connectionID]; ok {
		return d
	}
	return c.ttl
}

func (c *Cache) fresh(connectionID string, fetchedAt time.Time) bool {
	return c.now().Sub(fetchedAt) < c.ttlFor(connectionID)
}

// ListEntities returns the connection's entity list, discovering it when
// absent or stale.
func (c *Cache) ListEntities(ctx context.Context, connectionID string, d Discoverer) ([]types.EntityDescriptor, error) {
	c.mu.RLock()
	e, ok := c.lists[connectionID]
	if ok && c.fresh(connectionID, e.fetchedAt) {
		c.mu.RUnlock()
		return e.entities, nil
	}
	c.mu.RUnlock()

	v, err := c.do(ctx, "list\x00"+connectionID, func(ctx context.Context) (any, error) {
		c.mu.RLock()
		e, ok := c.lists[connectionID]
		hit := ok && c.fresh(connectionID, e.fetchedAt)
		c.mu.RUnlock()
		if hit {
			return e.entities, nil
		}
		entities, err := d.ListEntities(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
		c.mu.Lock()
		c.lists[connectionID] = listEntry{entities: entities, fetchedAt: c.now()}
		c.mu.Unlock()
		c.logger.Debug("entity list discovered", "connection", connectionID, "entities", len(entities))
		return entities, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.EntityDescriptor), nil
}

// Describe returns the descriptor for entity, discovering it when absent
// or stale. Lookups are case-insensitive.
func (c *Cache) Describe(ctx context.Context, connectionID, entity string, d Discoverer) (*types.EntityDescriptor, error) {
	key := strings.ToLower(entity)

	c.mu.RLock()
	e, ok := c.descs[connectionID][key]
	if ok && c.fresh(connectionID, e.fetchedAt) {
		c.mu.RUnlock()
		return e.desc, nil
	}
	c.mu.RUnlock()

	v, err := c.do(ctx, "desc\x00"+connectionID+"\x00"+key, func(ctx context.Context) (any, error) {
		c.mu.RLock()
		e, ok := c.descs[connectionID][key]
		hit := ok && c.fresh(connectionID, e.fetchedAt)
		c.mu.RUnlock()
		if hit {
			return e.desc, nil
		}
		if desc := c.loadSnapshot(ctx, connectionID, entity); desc != nil {
			c.put(connectionID, key, desc, desc.FetchedAt)
			return desc, nil
		}

		desc, err := d.DescribeEntity(ctx, entity)
		if err != nil {
			return nil, err
		}
		fetched := c.now()
		desc.FetchedAt = fetched
		c.put(connectionID, key, desc, fetched)
		c.saveSnapshot(ctx, connectionID, desc)
		c.logger.Debug("entity described", "connection", connectionID, "entity", desc.Name, "fields", len(desc.Fields))
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.EntityDescriptor), nil
}

// SearchFields describes entity and returns fields whose name or label
// (and optionally description) contain keyword.
func (c *Cache) SearchFields(ctx context.Context, connectionID, entity, keyword string, includeDescriptions bool, d Discoverer) ([]types.FieldDescriptor, error) {
	desc, err := c.Describe(ctx, connectionID, entity, d)
	if err != nil {
		return nil, err
	}
	return desc.SearchFields(keyword, includeDescriptions), nil
}

// Invalidate drops cached entries. An empty entity drops the connection's
// list and every descriptor; otherwise only that entity's descriptor.
func (c *Cache) Invalidate(ctx context.Context, connectionID, entity string) {
	c.mu.Lock()
	if entity == "" {
		delete(c.lists, connectionID)
		delete(c.descs, connectionID)
	} else {
		delete(c.descs[connectionID], strings.ToLower(entity))
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteSnapshots(ctx, connectionID, entity); err != nil {
			c.logger.Warn("failed to delete schema snapshots", "connection", connectionID, "entity", entity, "error", err)
		}
	}
}

// Close releases the snapshot store.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func (c *Cache) put(connectionID, key string, desc *types.EntityDescriptor, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.descs[connectionID]
	if !ok {
		m = make(map[string]descEntry)
		c.descs[connectionID] = m
	}
	m[key] = descEntry{desc: desc, fetchedAt: fetchedAt}
}

// loadSnapshot returns a persisted descriptor still within TTL, or nil.
func (c *Cache) loadSnapshot(ctx context.Context, connectionID, entity string) *types.EntityDescriptor {
	if c.store == nil {
		return nil
	}
	desc, err := c.store.LoadSnapshot(ctx, connectionID, entity)
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			c.logger.Warn("failed to load schema snapshot", "connection", connectionID, "entity", entity, "error", err)
		}
		return nil
	}
	c.mu.RLock()
	ok := c.fresh(connectionID, desc.FetchedAt)
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return desc
}

func (c *Cache) saveSnapshot(ctx context.Context, connectionID string, desc *types.EntityDescriptor) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSnapshot(ctx, connectionID, desc); err != nil {
		c.logger.Warn("failed to save schema snapshot", "connection", connectionID, "entity", desc.Name, "error", err)
	}
}

// do runs fn once per key across concurrent callers. The shared call is
// detached from any single caller's cancellation.
func (c *Cache) do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.WrapError(types.KindTimeout, ctx.Err(), "schema discovery timed out")
		}
		return nil, fmt.Errorf("schema discovery: %w", ctx.Err())
	case res := <-ch:
		return res.Val, res.Err
	}
}
