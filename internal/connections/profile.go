package connections

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/entbridge/pkg/types"
)

// AuthType names a credential flow.
type AuthType string

// Supported credential flows
const (
	AuthClientCredentials AuthType = "oauth2_client_credentials"
	AuthJWTBearer         AuthType = "oauth2_jwt_bearer"
	AuthBasic             AuthType = "basic"
	AuthAPIKey            AuthType = "api_key"
)

// AuthConfig holds the credential parameters for one connection. Which
// fields are required depends on Type.
type AuthConfig struct {
	Type AuthType `yaml:"type" json:"type"`

	// OAuth2 flows
	TokenURL     string            `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	ClientID     string            `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string            `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	Scope        string            `yaml:"scope,omitempty" json:"scope,omitempty"`
	ExtraParams  map[string]string `yaml:"extra_params,omitempty" json:"extra_params,omitempty"`

	// JWT bearer
	PrivateKey     string `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty" json:"private_key_file,omitempty"`
	KeyID          string `yaml:"key_id,omitempty" json:"key_id,omitempty"`
	Subject        string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Audience       string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// Basic
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// API key
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	HeaderName string `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	Prefix     string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Profile is one named connection to an enterprise backend.
type Profile struct {
	ID          string           `yaml:"-" json:"id"`
	System      types.SystemKind `yaml:"system" json:"system"`
	BaseURL     string           `yaml:"base_url" json:"base_url"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Auth        AuthConfig       `yaml:"auth" json:"auth"`
	Options     Options          `yaml:"options,omitempty" json:"options,omitempty"`
}

// Validate checks that the profile is complete for its system and flow.
// Failures are ConfigErrors scoped to this connection.
func (p *Profile) Validate() error {
	fail := func(format string, args ...any) error {
		e := types.ConfigErrorf(format, args...)
		e.Connection = p.ID
		e.System = p.System
		return e
	}

	if !p.System.IsValid() {
		return fail("unknown system %q (want sap, salesforce, netsuite or oracle)", p.System)
	}
	if p.BaseURL == "" {
		return fail("base_url is required")
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail("base_url %q must be an absolute http(s) URL", p.BaseURL)
	}

	a := p.Auth
	missing := func(fields ...string) error {
		return fail("auth type %s requires %s", a.Type, strings.Join(fields, ", "))
	}
	switch a.Type {
	case AuthClientCredentials:
		if a.TokenURL == "" || a.ClientID == "" || a.ClientSecret == "" {
			return missing("token_url", "client_id", "client_secret")
		}
	case AuthJWTBearer:
		if a.TokenURL == "" || a.ClientID == "" || a.Subject == "" {
			return missing("token_url", "client_id", "subject")
		}
		if a.PrivateKey == "" && a.PrivateKeyFile == "" {
			return missing("private_key or private_key_file")
		}
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return missing("username", "password")
		}
	case AuthAPIKey:
		if a.APIKey == "" {
			return missing("api_key")
		}
	case "":
		return fail("auth.type is required")
	default:
		return fail("unknown auth type %q", a.Type)
	}

	if p.System == types.SystemSAP && p.Options.String("service", "") == "" {
		return fail("sap connections require options.service (the OData service name)")
	}
	for _, key := range []string{"timeout", "schema_ttl"} {
		if _, ok := p.Options[key]; ok {
			if _, ok := p.Options.duration(key); !ok {
				return fail("options.%s must be a duration such as \"30s\"", key)
			}
		}
	}
	return nil
}

// Timeout is the per-call timeout override, zero when unset.
func (p *Profile) Timeout() time.Duration { return p.Options.Duration("timeout", 0) }

// SchemaTTL is the schema cache TTL override, zero when unset.
func (p *Profile) SchemaTTL() time.Duration { return p.Options.Duration("schema_ttl", 0) }

// MaxConcurrency is the in-flight request bound override, zero when unset.
func (p *Profile) MaxConcurrency() int { return p.Options.Int("max_concurrency", 0) }

// RateLimit is the requests-per-second override, zero when unset.
func (p *Profile) RateLimit() float64 { return p.Options.Float("rate_limit", 0) }

// EmulateAggregates forces client-side aggregation on every backend.
func (p *Profile) EmulateAggregates() bool { return p.Options.Bool("emulate_aggregates", false) }

// APIVersion returns options.api_version or def.
func (p *Profile) APIVersion(def string) string { return p.Options.String("api_version", def) }

// Redacted returns a copy with secrets masked, safe to log or return to
// callers.
func (p Profile) Redacted() Profile {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "[REDACTED]"
	}
	p.Auth.ClientSecret = mask(p.Auth.ClientSecret)
	p.Auth.Password = mask(p.Auth.Password)
	p.Auth.APIKey = mask(p.Auth.APIKey)
	p.Auth.PrivateKey = mask(p.Auth.PrivateKey)
	return p
}

// Options is the free-form per-connection options map.
type Options map[string]any

// String returns the option as a string, or def.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Int returns the option as an int, or def.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Float returns the option as a float64, or def.
func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the option as a bool, or def.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration returns the option as a duration, or def. Bare numbers are
// seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	if d, ok := o.duration(key); ok {
		return d
	}
	return def
}

func (o Options) duration(key string) (time.Duration, bool) {
	switch v := o[key].(type) {
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d, true
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}
