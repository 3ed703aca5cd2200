package auth

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/jwt"

	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/pkg/types"
)

// defaultExpiresIn applies when a token endpoint omits expires_in.
const defaultExpiresIn = time.Hour

// NewProvider builds the provider for cfg. httpClient is used for token
// endpoint calls; now stamps issue and expiry times.
func NewProvider(cfg connections.AuthConfig, httpClient *http.Client, now func() time.Time) (Provider, error) {
	if now == nil {
		now = time.Now
	}
	switch cfg.Type {
	case connections.AuthClientCredentials:
		return newClientCredentials(cfg, httpClient, now), nil
	case connections.AuthJWTBearer:
		return newJWTBearer(cfg, httpClient, now)
	case connections.AuthBasic:
		return &staticProvider{flow: cfg.Type, cred: Credential{
			Flow:   cfg.Type,
			Scheme: "Basic",
			Token:  base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password)),
		}}, nil
	case connections.AuthAPIKey:
		header := cfg.HeaderName
		if header == "" {
			header = "Authorization"
		}
		prefix := cfg.Prefix
		if prefix == "" && strings.EqualFold(header, "Authorization") {
			prefix = "Bearer"
		}
		return &staticProvider{flow: cfg.Type, cred: Credential{
			Flow:       cfg.Type,
			Scheme:     prefix,
			Token:      cfg.APIKey,
			HeaderName: header,
		}}, nil
	default:
		return nil, types.ConfigErrorf("unknown auth type %q", cfg.Type)
	}
}

// staticProvider serves credentials that never expire.
type staticProvider struct {
	flow connections.AuthType
	cred Credential
}

func (p *staticProvider) Flow() connections.AuthType { return p.flow }

func (p *staticProvider) Fetch(ctx context.Context) (*Credential, error) {
	c := p.cred
	return &c, nil
}

// clientCredentialsProvider runs the OAuth2 client-credentials grant.
type clientCredentialsProvider struct {
	cfg    clientcredentials.Config
	client *http.Client
	now    func() time.Time
}

func newClientCredentials(cfg connections.AuthConfig, httpClient *http.Client, now func() time.Time) *clientCredentialsProvider {
	params := url.Values{}
	for k, v := range cfg.ExtraParams {
		params.Set(k, v)
	}
	return &clientCredentialsProvider{
		cfg: clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       cfg.TokenURL,
			Scopes:         strings.Fields(cfg.Scope),
			EndpointParams: params,
			AuthStyle:      oauth2.AuthStyleInParams,
		},
		client: httpClient,
		now:    now,
	}
}

func (p *clientCredentialsProvider) Flow() connections.AuthType {
	return connections.AuthClientCredentials
}

func (p *clientCredentialsProvider) Fetch(ctx context.Context) (*Credential, error) {
	tok, err := p.cfg.Token(withHTTPClient(ctx, p.client))
	if err != nil {
		return nil, tokenError(p.cfg.TokenURL, err)
	}
	return fromOAuthToken(connections.AuthClientCredentials, tok, p.now()), nil
}

// jwtBearerProvider signs an RS256 assertion and exchanges it for an access
// token.
type jwtBearerProvider struct {
	cfg    *jwt.Config
	client *http.Client
	now    func() time.Time
}

func newJWTBearer(cfg connections.AuthConfig, httpClient *http.Client, now func() time.Time) (*jwtBearerProvider, error) {
	if err := checkPrivateKey(cfg.PrivateKey); err != nil {
		return nil, err
	}
	audience := cfg.Audience
	if audience == "" {
		audience = cfg.TokenURL
	}
	return &jwtBearerProvider{
		cfg: &jwt.Config{
			Email:        cfg.ClientID,
			Subject:      cfg.Subject,
			PrivateKey:   []byte(cfg.PrivateKey),
			PrivateKeyID: cfg.KeyID,
			Scopes:       strings.Fields(cfg.Scope),
			TokenURL:     cfg.TokenURL,
			Audience:     audience,
			Expires:      5 * time.Minute,
		},
		client: httpClient,
		now:    now,
	}, nil
}

func (p *jwtBearerProvider) Flow() connections.AuthType { return connections.AuthJWTBearer }

func (p *jwtBearerProvider) Fetch(ctx context.Context) (*Credential, error) {
	tok, err := p.cfg.TokenSource(withHTTPClient(ctx, p.client)).Token()
	if err != nil {
		return nil, tokenError(p.cfg.TokenURL, err)
	}
	return fromOAuthToken(connections.AuthJWTBearer, tok, p.now()), nil
}

func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func fromOAuthToken(flow connections.AuthType, tok *oauth2.Token, now time.Time) *Credential {
	expires := tok.Expiry
	if expires.IsZero() {
		if tok.ExpiresIn > 0 {
			expires = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
		} else {
			expires = now.Add(defaultExpiresIn)
		}
	}
	return &Credential{
		Flow:      flow,
		Scheme:    tok.Type(),
		Token:     tok.AccessToken,
		ExpiresAt: expires,
		IssuedAt:  now,
	}
}

// checkPrivateKey rejects keys the assertion signer would fail on, so a bad
// key surfaces as a config error at registration instead of on every fetch.
func checkPrivateKey(key string) error {
	block, _ := pem.Decode([]byte(key))
	if block == nil || !strings.Contains(block.Type, "PRIVATE KEY") {
		return types.ConfigErrorf("private_key is not a PEM encoded RSA key")
	}
	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return nil
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		return types.ConfigErrorf("private_key could not be parsed: %v", err)
	}
	return nil
}

// tokenError classifies a token endpoint failure. Only a 4xx reply rejects
// the client's credentials; 429 is a rate limit, while 5xx replies and
// failures to reach the endpoint are transient.
func tokenError(tokenURL string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return types.WrapError(types.KindTimeout, err, "token request to %s timed out", tokenURL)
	}
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return types.WrapError(types.KindTransient, err, "token request to %s failed", tokenURL)
	}

	kind := types.KindAuth
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests:
			kind = types.KindRateLimit
		case status >= 500:
			kind = types.KindTransient
		}
	}
	e := types.WrapError(kind, err, "token request to %s failed (status %d)", tokenURL, status)
	e.Status = status
	e.Code = re.ErrorCode
	if re.ErrorDescription != "" {
		e.Message = fmt.Sprintf("token request to %s failed: %s", tokenURL, re.ErrorDescription)
	}
	return e
}
