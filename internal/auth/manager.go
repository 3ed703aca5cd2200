package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/pkg/types"
)

// DefaultFetchTimeout bounds a single token or CSRF fetch.
const DefaultFetchTimeout = 30 * time.Second

// Token fetch retry defaults, matching the transport's.
const (
	DefaultFetchAttempts = 3
	DefaultRetryBase     = 200 * time.Millisecond
	DefaultRetryMax      = 5 * time.Second
)

// CSRFFetcher retrieves a fresh CSRF token for a connection.
type CSRFFetcher func(ctx context.Context) (string, error)

type entry struct {
	provider Provider
	cred     *Credential
	csrf     string
}

// Manager caches one credential per connection.
type Manager struct {
	mu           sync.Mutex
	entries      map[string]*entry
	group        singleflight.Group
	httpClient   *http.Client
	now          func() time.Time
	fetchTimeout time.Duration
	attempts     int
	retryBase    time.Duration
	retryMax     time.Duration
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFetchTimeout bounds each token fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.fetchTimeout = d }
}

// WithRetry sets how often a transient token endpoint failure is retried
// and the exponential backoff between attempts.
func WithRetry(attempts int, base, ceiling time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		if base > 0 {
			m.retryBase = base
		}
		if ceiling > 0 {
			m.retryMax = ceiling
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:      make(map[string]*entry),
		httpClient:   &http.Client{Timeout: DefaultFetchTimeout},
		now:          time.Now,
		fetchTimeout: DefaultFetchTimeout,
		attempts:     DefaultFetchAttempts,
		retryBase:    DefaultRetryBase,
		retryMax:     DefaultRetryMax,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register binds connection id to the flow described by cfg, replacing any
// previous registration and dropping its cached credential.
func (m *Manager) Register(id string, cfg connections.AuthConfig) error {
	p, err := NewProvider(cfg, m.httpClient, m.now)
	if err != nil {
		if e, ok := types.AsError(err); ok {
			e.Connection = id
		}
		return err
	}
	m.RegisterProvider(id, p)
	return nil
}

// RegisterProvider binds id to an explicit provider.
func (m *Manager) RegisterProvider(id string, p Provider) {
	m.mu.Lock()
	m.entries[id] = &entry{provider: p}
	m.mu.Unlock()
	m.group.Forget(id)
}

// Remove forgets the connection entirely.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	m.group.Forget(id)
}

// Flow returns the credential flow registered for id.
func (m *Manager) Flow(id string) (connections.AuthType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return e.provider.Flow(), true
}

// Acquire returns a valid credential for id, fetching one if the cache is
// empty or expired. Concurrent callers for the same id share one fetch.
// The fetch itself is detached from any single caller's cancellation so
// that one caller giving up does not fail the others; each caller still
// stops waiting when its own context ends.
func (m *Manager) Acquire(ctx context.Context, id string) (*Credential, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		err := types.ConfigErrorf("no credentials registered for connection %q", id)
		err.Connection = id
		return nil, err
	}
	if !e.cred.Expired(m.now()) {
		c := e.cred
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan(id, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return nil, waitError(ctx, "credentials", id)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

func (m *Manager) refresh(ctx context.Context, id string) (*Credential, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.ConfigErrorf("connection %q was removed during credential refresh", id)
	}
	if !e.cred.Expired(m.now()) {
		c := e.cred
		m.mu.Unlock()
		return c, nil
	}
	provider := e.provider
	m.mu.Unlock()

	start := m.now()
	cred, err := m.fetch(ctx, id, provider)
	if err != nil {
		m.logger.Warn("credential fetch failed", "connection", id, "flow", provider.Flow(), "error", err)
		if te, ok := types.AsError(err); ok && te.Connection == "" {
			te.Connection = id
		}
		return nil, err
	}

	m.mu.Lock()
	if cur, ok := m.entries[id]; ok && cur == e {
		e.cred = cred
	}
	m.mu.Unlock()

	m.logger.Debug("credential acquired",
		"connection", id,
		"flow", provider.Flow(),
		"expires_at", cred.ExpiresAt,
		"latency", m.now().Sub(start))
	return cred, nil
}

// fetch calls the provider, retrying transient and rate-limited failures
// with exponential backoff. Each attempt gets its own fetch timeout.
func (m *Manager) fetch(ctx context.Context, id string, provider Provider) (*Credential, error) {
	for attempt := 1; ; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
		cred, err := provider.Fetch(fetchCtx)
		cancel()
		if err == nil {
			return cred, nil
		}
		te, ok := types.AsError(err)
		if !ok || !te.Retryable() || attempt >= m.attempts {
			return nil, err
		}

		wait := m.backoff(attempt)
		m.logger.Warn("retrying credential fetch",
			"connection", id,
			"attempt", attempt,
			"kind", te.Kind,
			"status", te.Status,
			"wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.retryBase << (attempt - 1)
	if d <= 0 || d > m.retryMax {
		d = m.retryMax
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// Invalidate drops the cached credential and CSRF token for id so the next
// Acquire fetches afresh.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.cred = nil
		e.csrf = ""
	}
	m.mu.Unlock()
}

// CSRF returns the cached CSRF token for id, using fetch when none is cached.
// Concurrent callers share one fetch.
func (m *Manager) CSRF(ctx context.Context, id string, fetch CSRFFetcher) (string, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return "", types.ConfigErrorf("no credentials registered for connection %q", id)
	}
	if e.csrf != "" {
		tok := e.csrf
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("csrf:"+id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
		defer cancel()
		tok, err := fetch(fetchCtx)
		if err != nil {
			return "", fmt.Errorf("fetch csrf token: %w", err)
		}
		m.mu.Lock()
		if cur, ok := m.entries[id]; ok && cur == e {
			e.csrf = tok
		}
		m.mu.Unlock()
		return tok, nil
	})
	select {
	case <-ctx.Done():
		return "", waitError(ctx, "csrf token", id)
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// InvalidateCSRF drops only the cached CSRF token for id.
func (m *Manager) InvalidateCSRF(id string) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.csrf = ""
	}
	m.mu.Unlock()
}

func waitError(ctx context.Context, what, id string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.WrapError(types.KindTimeout, ctx.Err(), "timed out waiting for %s for %s", what, id)
	}
	return fmt.Errorf("waiting for %s for %s: %w", what, id, ctx.Err())
}
