// Package transport executes authenticated HTTP requests against one
// backend connection.
//
// A Client owns the connection's concurrency semaphore, rate limiter and
// circuit breaker. Every call acquires a credential from the credential
// store, retries transient failures and rate limits with exponential
// backoff, and re-acquires the credential exactly once after a 401 or 403.
// Responses are classified into the shared error taxonomy so that adapters
// only ever see a successful body or a *types.Error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/scrypster/entbridge/internal/auth"
	"github.com/scrypster/entbridge/pkg/types"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 64 << 20

// Credentials is the subset of the auth manager the transport needs.
type Credentials interface {
	Acquire(ctx context.Context, id string) (*auth.Credential, error)
	Invalidate(id string)
	CSRF(ctx context.Context, id string, fetch auth.CSRFFetcher) (string, error)
	InvalidateCSRF(id string)
}

// CSRFConfig enables the fetch-then-send CSRF handshake used by SAP
// Gateway for modifying requests.
type CSRFConfig struct {
	// FetchPath is requested with "X-CSRF-Token: Fetch" to obtain a token.
	FetchPath string
}

// Options configures a Client. Zero numeric values take the defaults below.
type Options struct {
	ConnectionID string
	System       types.SystemKind
	BaseURL      string
	Credentials  Credentials

	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxConcurrency int
	RateLimit      float64 // requests per second, <= 0 disables
	RateBurst      int
	Breaker        CircuitBreakerConfig

	CSRF           *CSRFConfig
	DefaultHeaders map[string]string
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	id       string
	system   types.SystemKind
	base     *url.URL
	creds    Credentials
	http     *http.Client
	timeout  time.Duration
	attempts int
	baseWait time.Duration
	maxWait  time.Duration
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	breaker  *circuitBreaker
	csrf     *CSRFConfig
	headers  map[string]string
	logger   *slog.Logger
}

// Request describes one backend call. Path is resolved against the
// connection's base URL unless it is already absolute.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Body      any    // JSON encoded when non-nil
	RawBody   []byte // sent verbatim when Body is nil
	Header    http.Header
	Operation string
}

// Response is a successful (2xx/3xx) backend reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the body into v, keeping numbers as json.Number.
func (r *Response) JSON(v any) error {
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return types.WrapError(types.KindBackend, err, "decode response body")
	}
	return nil
}

// New creates a Client for one connection.
func New(opts Options) (*Client, error) {
	if opts.ConnectionID == "" {
		return nil, types.ConfigErrorf("transport requires a connection id")
	}
	if opts.Credentials == nil {
		return nil, types.ConfigErrorf("transport for %s requires a credential store", opts.ConnectionID)
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, types.ConfigErrorf("invalid base url %q", opts.BaseURL)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var hc http.Client
	if opts.HTTPClient != nil {
		hc = *opts.HTTPClient
	}
	if hc.Jar == nil {
		// SAP ties CSRF tokens to the session cookie.
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		hc.Jar = jar
	}

	limit := rate.Inf
	burst := opts.RateBurst
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
	}

	logger := opts.Logger.With("connection", opts.ConnectionID, "system", string(opts.System))
	return &Client{
		id:       opts.ConnectionID,
		system:   opts.System,
		base:     base,
		creds:    opts.Credentials,
		http:     &hc,
		timeout:  opts.Timeout,
		attempts: opts.RetryAttempts,
		baseWait: opts.RetryBaseDelay,
		maxWait:  opts.RetryMaxDelay,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  newCircuitBreaker(opts.ConnectionID, opts.Breaker, logger),
		csrf:     opts.CSRF,
		headers:  opts.DefaultHeaders,
		logger:   logger,
	}, nil
}

// ConnectionID returns the connection this client serves.
func (c *Client) ConnectionID() string { return c.id }

// BaseURL returns the connection's base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Breaker returns the circuit breaker snapshot for health reporting.
func (c *Client) Breaker() BreakerStatus { return c.breaker.status() }

// ResolveURL joins path onto the base URL. Absolute URLs are returned as is.
func (c *Client) ResolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base.String() + path
}

// failure is a classified attempt error plus the signals the retry loop
// needs.
type failure struct {
	err        *types.Error
	auth       bool // 401/403: re-acquire credential once
	csrf       bool // CSRF token rejected: refetch once
	retryAfter time.Duration
	final      bool // never retry
}

// Do executes req, applying the connection's limits, credentials and retry
// policy. The returned error is always a *types.Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	body, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	var authRetried, csrfRetried bool
	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, f := c.once(ctx, req, body)
		if f == nil {
			c.logger.Debug("backend request",
				"method", req.Method,
				"path", req.Path,
				"status", resp.Status,
				"attempt", attempt,
				"latency", time.Since(start))
			return resp, nil
		}

		switch {
		case f.csrf && !csrfRetried:
			csrfRetried = true
			c.creds.InvalidateCSRF(c.id)
			attempt--
			continue
		case f.auth && !authRetried:
			authRetried = true
			c.logger.Info("credential rejected, re-acquiring", "status", f.err.Status, "path", req.Path)
			c.creds.Invalidate(c.id)
			attempt--
			continue
		case f.auth:
			return nil, c.finish(f.err, req)
		case f.final || !f.err.Retryable() || attempt >= c.attempts:
			return nil, c.finish(f.err, req)
		}

		wait := c.backoff(attempt, f.retryAfter)
		c.logger.Warn("retrying backend request",
			"method", req.Method,
			"path", req.Path,
			"attempt", attempt,
			"kind", f.err.Kind,
			"status", f.err.Status,
			"wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, c.finish(contextFailure(ctx.Err()).err, req)
		case <-timer.C:
		}
	}
}

func (c *Client) finish(e *types.Error, req *Request) error {
	if e.Connection == "" {
		e.Connection = c.id
	}
	if e.System == "" {
		e.System = c.system
	}
	if e.Operation == "" {
		e.Operation = req.Operation
	}
	return e
}

// backoff returns base*2^(attempt-1) capped at the max delay with up to 20%
// jitter, or the server's Retry-After when that is longer.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := c.baseWait << (attempt - 1)
	if d <= 0 || d > c.maxWait {
		d = c.maxWait
	}
	d += time.Duration(rand.Int64N(int64(d)/5 + 1))
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (c *Client) once(ctx context.Context, req *Request, body []byte) (*Response, *failure) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, contextFailure(err)
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, contextFailure(ctx.Err())
		}
		return nil, &failure{final: true, err: types.WrapError(types.KindTimeout, err, "rate limiter wait exceeds deadline")}
	}

	cred, err := c.creds.Acquire(ctx, c.id)
	if err != nil {
		return nil, credentialFailure(err)
	}

	hreq, err := c.newHTTPRequest(ctx, req, body)
	if err != nil {
		return nil, &failure{final: true, err: types.WrapError(types.KindValidation, err, "build request")}
	}
	cred.Apply(hreq.Header)

	if c.csrf != nil && isModifying(req.Method) {
		tok, err := c.creds.CSRF(ctx, c.id, func(ctx context.Context) (string, error) {
			return c.fetchCSRF(ctx, cred)
		})
		if err != nil {
			return nil, credentialFailure(err)
		}
		hreq.Header.Set("X-CSRF-Token", tok)
	}

	resp, err := c.breaker.execute(ctx, func() (*Response, error) {
		resp, err := c.http.Do(hreq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		r := &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}
		if resp.StatusCode >= 500 {
			return r, &serverError{resp: r}
		}
		return r, nil
	})

	var se *serverError
	switch {
	case errors.As(err, &se):
		return nil, c.classify(se.resp)
	case errors.Is(err, ErrCircuitOpen):
		return nil, &failure{final: true, err: types.WrapError(types.KindTransient, err, "circuit open for %s", c.id)}
	case err != nil:
		return nil, networkFailure(ctx, err)
	}

	if f := c.classify(resp); f != nil {
		return nil, f
	}
	return resp, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request, body []byte) (*http.Request, error) {
	u := c.ResolveURL(req.Path)
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + EncodeQuery(req.Query)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, u, rd)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		hreq.Header.Set(k, v)
	}
	for k, vs := range req.Header {
		hreq.Header.Del(k)
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	return hreq, nil
}

func (c *Client) fetchCSRF(ctx context.Context, cred *auth.Credential) (string, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResolveURL(c.csrf.FetchPath), nil)
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("X-CSRF-Token", "Fetch")
	cred.Apply(hreq.Header)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return "", networkFailure(ctx, err).err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		e := types.NewError(types.KindAuth, "csrf token fetch rejected")
		e.Status = resp.StatusCode
		return "", e
	}
	tok := resp.Header.Get("X-CSRF-Token")
	if tok == "" || strings.EqualFold(tok, "Required") {
		e := types.NewError(types.KindBackend, "backend did not issue a csrf token")
		e.Status = resp.StatusCode
		return "", e
	}
	return tok, nil
}

// classify maps a response status onto the error taxonomy. A nil result
// means success.
func (c *Client) classify(resp *Response) *failure {
	if resp.Status < 400 {
		return nil
	}
	msg, code := ExtractBackendMessage(resp.Body)
	if msg == "" {
		msg = http.StatusText(resp.Status)
	}

	f := &failure{}
	switch {
	case resp.Status == http.StatusForbidden && c.csrf != nil &&
		strings.EqualFold(resp.Header.Get("X-CSRF-Token"), "Required"):
		f.csrf = true
		f.err = types.NewError(types.KindAuth, "csrf token rejected: %s", msg)
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		f.auth = true
		f.err = types.NewError(types.KindAuth, "%s", msg)
	case resp.Status == http.StatusNotFound:
		f.err = types.NewError(types.KindNotFound, "%s", msg)
	case resp.Status == http.StatusTooManyRequests:
		f.err = types.NewError(types.KindRateLimit, "%s", msg)
		f.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.Status == http.StatusRequestTimeout || resp.Status == http.StatusBadGateway ||
		resp.Status == http.StatusServiceUnavailable || resp.Status == http.StatusGatewayTimeout ||
		resp.Status == http.StatusInternalServerError:
		f.err = types.NewError(types.KindTransient, "%s", msg)
		f.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.Status >= 500:
		f.err = types.NewError(types.KindBackend, "%s", msg)
	case isTranslationCode(code):
		f.err = types.NewError(types.KindTranslation, "%s", msg)
	default:
		f.err = types.NewError(types.KindBackend, "%s", msg)
	}
	f.err.Status = resp.Status
	f.err.Code = code
	return f
}

// isTranslationCode reports backend codes that mean the generated query was
// rejected as malformed.
func isTranslationCode(code string) bool {
	switch strings.ToUpper(code) {
	case "MALFORMED_QUERY", "INVALID_FIELD", "INVALID_TYPE", "INVALID_QUERY_FILTER_OPERATOR":
		return true
	}
	return false
}

type serverError struct{ resp *Response }

func (e *serverError) Error() string { return fmt.Sprintf("server error %d", e.resp.Status) }

func contextFailure(err error) *failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &failure{final: true, err: types.WrapError(types.KindTimeout, err, "request deadline exceeded")}
	}
	return &failure{final: true, err: types.WrapError(types.KindTimeout, err, "request cancelled")}
}

func networkFailure(ctx context.Context, err error) *failure {
	if ctx.Err() != nil {
		return contextFailure(ctx.Err())
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &failure{final: true, err: types.WrapError(types.KindTimeout, err, "request timed out")}
	}
	return &failure{err: types.WrapError(types.KindTransient, err, "network error")}
}

// credentialFailure passes typed credential errors through. They are final
// here: the credential store has already retried transient token endpoint
// failures.
func credentialFailure(err error) *failure {
	if e, ok := types.AsError(err); ok {
		return &failure{final: true, err: e}
	}
	return &failure{final: true, err: types.WrapError(types.KindAuth, err, "acquire credential")}
}

func isModifying(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func encodeBody(req *Request) ([]byte, error) {
	if req.Body == nil {
		return req.RawBody, nil
	}
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "encode request body")
	}
	return data, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// EncodeQuery encodes values with keys sorted, spaces as %20 and a literal
// "$" in keys so OData system query options stay readable in logs.
func EncodeQuery(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		ek := strings.ReplaceAll(url.QueryEscape(k), "%24", "$")
		for _, val := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(ek)
			b.WriteByte('=')
			b.WriteString(strings.ReplaceAll(url.QueryEscape(val), "+", "%20"))
		}
	}
	return b.String()
}
