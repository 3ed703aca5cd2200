// Package auth obtains, caches and refreshes backend credentials.
//
// Each connection has exactly one credential flow, chosen by its profile.
// Credentials are cached per connection and refreshed lazily: a credential
// counts as expired ExpirySkew before its stated expiry, and concurrent
// callers that find it expired share a single refresh.
package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/scrypster/entbridge/internal/connections"
)

// ExpirySkew is how long before its stated expiry a credential is treated
// as expired.
const ExpirySkew = 30 * time.Second

// Credential is an authorization value ready to attach to a request.
type Credential struct {
	Flow       connections.AuthType
	Scheme     string // "Bearer", "Basic" or a custom api-key prefix
	Token      string
	HeaderName string // defaults to Authorization
	ExpiresAt  time.Time
	IssuedAt   time.Time
}

// Expired reports whether the credential must be refreshed at now. A zero
// ExpiresAt never expires.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-ExpirySkew))
}

// HeaderValue is the full header value, scheme included.
func (c *Credential) HeaderValue() string {
	if c.Scheme == "" {
		return c.Token
	}
	return c.Scheme + " " + c.Token
}

// Apply sets the credential header on h.
func (c *Credential) Apply(h http.Header) {
	name := c.HeaderName
	if name == "" {
		name = "Authorization"
	}
	h.Set(name, c.HeaderValue())
}

// Provider fetches a fresh credential for one flow.
type Provider interface {
	Fetch(ctx context.Context) (*Credential, error)
	Flow() connections.AuthType
}
