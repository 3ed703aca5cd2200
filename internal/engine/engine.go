// Package engine is the single entry point callers use to reach any
// configured backend. It owns the connection registry, validates requests
// against the schema cache, routes them to the adapter selected by the
// connection's system kind and annotates every failure with the connection,
// system and operation it came from.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/entbridge/internal/adapter"
	"github.com/scrypster/entbridge/internal/auth"
	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/internal/schema"
	"github.com/scrypster/entbridge/pkg/types"
)

// AdapterFactory builds the adapter for one connection profile.
type AdapterFactory func(profile *connections.Profile, deps adapter.Deps) (adapter.Adapter, error)

// Engine routes unified requests to per-connection adapters.
type Engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	auth       *auth.Manager
	schema     *schema.Cache
	factory    AdapterFactory
	httpClient *http.Client
	now        func() time.Time

	mu       sync.RWMutex
	profiles *connections.Manager
	adapters map[string]adapter.Adapter
	unusable map[string]error
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAdapterFactory replaces adapter.New, mainly for tests.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithHTTPClient sets the client used for backend and token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithProfiles installs an already loaded profile registry.
func WithProfiles(m *connections.Manager) Option {
	return func(e *Engine) { e.profiles = m }
}

// WithClock replaces time.Now for credential and schema expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSchemaCache installs a prepared schema cache.
func WithSchemaCache(c *schema.Cache) Option {
	return func(e *Engine) { e.schema = c }
}

// New creates an Engine. A nil cfg uses config.Default(). When no profile
// registry is supplied the file at cfg.Profiles.Path is loaded; a missing
// file leaves the engine empty until Configure.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		factory:  adapter.New,
		now:      time.Now,
		adapters: make(map[string]adapter.Adapter),
		unusable: make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}

	authOpts := []auth.Option{
		auth.WithClock(e.now),
		auth.WithLogger(e.logger),
		auth.WithRetry(cfg.Transport.RetryAttempts, cfg.Transport.RetryBaseDelay, cfg.Transport.RetryMaxDelay),
	}
	if e.httpClient != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(e.httpClient))
	}
	e.auth = auth.NewManager(authOpts...)

	if e.schema == nil {
		store, err := OpenSnapshotStore(cfg.Schema)
		if err != nil {
			return nil, err
		}
		cacheOpts := []schema.Option{
			schema.WithTTL(cfg.Schema.TTL),
			schema.WithClock(e.now),
			schema.WithLogger(e.logger),
		}
		if store != nil {
			cacheOpts = append(cacheOpts, schema.WithStore(store))
		}
		e.schema = schema.NewCache(cacheOpts...)
	}

	if e.profiles == nil {
		m, err := connections.NewManager(cfg.Profiles.Path)
		if err != nil {
			return nil, err
		}
		e.profiles = m
	}
	return e, nil
}

// ConfigureResult reports what a Configure or Reload loaded.
type ConfigureResult struct {
	Path        string            `json:"path,omitempty"`
	Connections []string          `json:"connections"`
	Invalid     map[string]string `json:"invalid,omitempty"`
}

// Configure loads the profile file at path, replacing the registry. Cached
// adapters, credentials and schema entries of the old registry are dropped.
func (e *Engine) Configure(ctx context.Context, path string) (*ConfigureResult, error) {
	if path == "" {
		path = config.DefaultProfilePath()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, types.WrapError(types.KindConfig, err, "profile file %s is not readable", path)
	}
	m, err := connections.NewManager(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errClosed()
	}
	old := e.profiles
	e.profiles = m
	e.resetLocked(ctx, old)
	e.mu.Unlock()

	e.logger.Info("connection profiles configured", "path", path, "connections", len(m.IDs()))
	return configureResult(m), nil
}

// Reload re-reads the current profile file.
func (e *Engine) Reload(ctx context.Context) (*ConfigureResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errClosed()
	}
	if e.profiles.Path() == "" {
		return nil, types.ConfigErrorf("profiles were not loaded from a file")
	}
	ids := e.profiles.IDs()
	if err := e.profiles.Load(); err != nil {
		return nil, err
	}
	e.resetIDsLocked(ctx, ids)
	return configureResult(e.profiles), nil
}

func configureResult(m *connections.Manager) *ConfigureResult {
	res := &ConfigureResult{Path: m.Path(), Connections: []string{}}
	for _, s := range m.List() {
		if s.Valid {
			res.Connections = append(res.Connections, s.ID)
		}
	}
	if errs := m.Errors(); len(errs) > 0 {
		res.Invalid = make(map[string]string, len(errs))
		for id, err := range errs {
			res.Invalid[id] = err.Error()
		}
	}
	return res
}

func (e *Engine) resetLocked(ctx context.Context, old *connections.Manager) {
	var ids []string
	if old != nil {
		ids = old.IDs()
	}
	e.resetIDsLocked(ctx, ids)
}

func (e *Engine) resetIDsLocked(ctx context.Context, ids []string) {
	for id := range e.adapters {
		ids = append(ids, id)
	}
	for _, id := range ids {
		e.auth.Remove(id)
		e.schema.Invalidate(ctx, id, "")
	}
	e.adapters = make(map[string]adapter.Adapter)
	e.unusable = make(map[string]error)
}

// ConnectionInfo is one row of ListConnections.
type ConnectionInfo struct {
	connections.Summary
	Connected bool   `json:"connected"`
	Unusable  string `json:"unusable,omitempty"`
}

// ListConnections returns every configured profile, valid or not, sorted by
// id. Secrets are never included.
func (e *Engine) ListConnections() []ConnectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sums := e.profiles.List()
	out := make([]ConnectionInfo, 0, len(sums))
	for _, s := range sums {
		info := ConnectionInfo{Summary: s}
		_, info.Connected = e.adapters[s.ID]
		if err, ok := e.unusable[s.ID]; ok {
			info.Unusable = err.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Profiles exposes the active profile registry.
func (e *Engine) Profiles() *connections.Manager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profiles
}

// Config returns the process settings the engine was built with.
func (e *Engine) Config() *config.Config { return e.cfg }

// adapterFor returns the cached adapter for id, building it on first use.
func (e *Engine) adapterFor(id string) (adapter.Adapter, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errClosed()
	}
	if err, ok := e.unusable[id]; ok {
		e.mu.RUnlock()
		return nil, err
	}
	if a, ok := e.adapters[id]; ok {
		e.mu.RUnlock()
		return a, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errClosed()
	}
	if err, ok := e.unusable[id]; ok {
		return nil, err
	}
	if a, ok := e.adapters[id]; ok {
		return a, nil
	}

	p, err := e.profiles.Get(id)
	if err != nil {
		return nil, err
	}
	if err := e.auth.Register(id, p.Auth); err != nil {
		return nil, err
	}
	a, err := e.factory(p, adapter.Deps{
		Credentials: e.auth,
		Transport:   e.cfg.Transport,
		Limits: adapter.Limits{
			AggregateRowCap:  e.cfg.Query.AggregateRowCap,
			EmulationScanCap: e.cfg.Query.EmulationScanCap,
		},
		HTTPClient: e.httpClient,
		Logger:     e.logger,
	})
	if err != nil {
		e.auth.Remove(id)
		return nil, err
	}
	if ttl := p.SchemaTTL(); ttl > 0 {
		e.schema.SetTTL(id, ttl)
	}
	e.adapters[id] = a
	e.logger.Debug("adapter ready", "connection", id, "system", string(p.System))
	return a, nil
}

// markUnusable records a terminal auth failure. Later calls fail fast with
// the same error until Configure, Reload or Disconnect.
func (e *Engine) markUnusable(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.adapters[id]; !ok {
		return
	}
	if _, already := e.unusable[id]; already {
		return
	}
	e.unusable[id] = err
	e.logger.Warn("connection marked unusable", "connection", id, "error", err)
}

// Close releases the schema snapshot store. The engine rejects calls after
// Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id := range e.adapters {
		e.auth.Remove(id)
	}
	e.adapters = make(map[string]adapter.Adapter)
	e.mu.Unlock()

	if err := e.schema.Close(); err != nil {
		return fmt.Errorf("close schema store: %w", err)
	}
	return nil
}

func errClosed() error {
	return types.ConfigErrorf("engine is closed")
}
