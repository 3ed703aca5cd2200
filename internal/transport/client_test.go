package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrypster/entbridge/internal/auth"
	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqProvider hands out tok-1, tok-2, ... on each fetch.
type seqProvider struct{ n int64 }

func (p *seqProvider) Flow() connections.AuthType { return connections.AuthClientCredentials }

func (p *seqProvider) Fetch(ctx context.Context) (*auth.Credential, error) {
	n := atomic.AddInt64(&p.n, 1)
	return &auth.Credential{
		Scheme:    "Bearer",
		Token:     fmt.Sprintf("tok-%d", n),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) (*Client, *seqProvider) {
	t.Helper()
	creds := auth.NewManager()
	p := &seqProvider{}
	creds.RegisterProvider("conn", p)
	opts := Options{
		ConnectionID:   "conn",
		System:         types.SystemSalesforce,
		BaseURL:        srv.URL,
		Credentials:    creds,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		Timeout:        2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c, p
}

func TestDo_SuccessAttachesCredential(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"ok":true,"n":12345678901234}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, nil)
	resp, err := c.Do(context.Background(), &Request{
		Path:  "/services/data/v59.0/query",
		Query: url.Values{"q": {"SELECT Id FROM Account"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "q=SELECT%20Id%20FROM%20Account", gotQuery)

	var body map[string]any
	require.NoError(t, resp.JSON(&body))
	assert.Equal(t, "12345678901234", body["n"].(fmt.Stringer).String())
}

func TestDo_UnauthorizedRefreshesOnce(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, p := newTestClient(t, srv, nil)
	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
	assert.Equal(t, int64(2), atomic.LoadInt64(&p.n))
}

func TestDo_SecondUnauthorizedIsTerminalAuthError(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, nil)
	_, err := c.Do(context.Background(), &Request{Path: "/x", Operation: "query"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAuth))
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "INVALID_SESSION_ID", e.Code)
	assert.Equal(t, "Session expired or invalid", e.Message)
	assert.Equal(t, "conn", e.Connection)
	assert.Equal(t, "query", e.Operation)
}

func TestDo_ServerErrorsRetriedThenSurfaceTransient(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, nil)
	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	assert.True(t, errors.Is(err, types.ErrTransient))
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestDo_TransientThenSuccess(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, nil)
	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestDo_RateLimited(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, nil)
	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	assert.True(t, errors.Is(err, types.ErrRateLimit))
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestDo_NotFoundAndClientErrorsNotRetried(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"/IWBEP/CM_MGW_RT/020","message":{"lang":"en","value":"Resource not found for segment"}}}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"message":"unexpected token: FORM","errorCode":"MALFORMED_QUERY"}]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, nil)

	_, err := c.Do(context.Background(), &Request{Path: "/missing"})
	assert.True(t, errors.Is(err, types.ErrNotFound))
	e, _ := types.AsError(err)
	assert.Equal(t, "Resource not found for segment", e.Message)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	_, err = c.Do(context.Background(), &Request{Path: "/bad"})
	assert.True(t, errors.Is(err, types.ErrTranslation))
	e, _ = types.AsError(err)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestDo_TimeoutNotRetried(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, &Request{Path: "/slow"})
	assert.True(t, errors.Is(err, types.ErrTimeout))
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestDo_CSRFHandshake(t *testing.T) {
	var fetches, posts int64
	var mu sync.Mutex
	issued := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodGet && r.Header.Get("X-CSRF-Token") == "Fetch" {
			n := atomic.AddInt64(&fetches, 1)
			issued = fmt.Sprintf("csrf-%d", n)
			w.Header().Set("X-CSRF-Token", issued)
			return
		}
		atomic.AddInt64(&posts, 1)
		// The first token is rejected as stale.
		if r.Header.Get("X-CSRF-Token") != "csrf-2" {
			w.Header().Set("X-CSRF-Token", "Required")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"d":{}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, func(o *Options) {
		o.System = types.SystemSAP
		o.CSRF = &CSRFConfig{FetchPath: "/sap/opu/odata/sap/SVC/"}
	})
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/sap/opu/odata/sap/SVC/Things", Body: map[string]any{"A": 1}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches))
	assert.Equal(t, int64(2), atomic.LoadInt64(&posts))

	// GETs never fetch a token.
	_, err = c.Do(context.Background(), &Request{Path: "/sap/opu/odata/sap/SVC/Things"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches))
}

func TestDo_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, func(o *Options) {
		o.RetryAttempts = 1
		o.Breaker = CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}
	})
	for i := 0; i < 2; i++ {
		_, err := c.Do(context.Background(), &Request{Path: "/x"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.Breaker().State)

	_, err := c.Do(context.Background(), &Request{Path: "/x"})
	assert.True(t, errors.Is(err, types.ErrTransient))
	assert.ErrorIs(t, err, ErrCircuitOpen)

	st := c.Breaker()
	assert.EqualValues(t, 3, st.Requests)
	assert.EqualValues(t, 1, st.Rejected)
}

func TestResolveURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c, _ := newTestClient(t, srv, nil)

	assert.Equal(t, srv.URL+"/a/b", c.ResolveURL("a/b"))
	assert.Equal(t, srv.URL+"/a/b", c.ResolveURL("/a/b"))
	assert.Equal(t, "https://other.example.com/next", c.ResolveURL("https://other.example.com/next"))
}

func TestEncodeQuery(t *testing.T) {
	q := url.Values{}
	q.Set("$filter", "Name eq 'A B'")
	q.Set("$top", "10")
	assert.Equal(t, "$filter=Name%20eq%20%27A%20B%27&$top=10", EncodeQuery(q))
}

func TestExtractBackendMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
		code    string
	}{
		{"salesforce", `[{"message":"No such column","errorCode":"INVALID_FIELD"}]`, "No such column", "INVALID_FIELD"},
		{"odata", `{"error":{"code":"SY/530","message":{"lang":"en","value":"Invalid filter"}}}`, "Invalid filter", "SY/530"},
		{"netsuite", `{"type":"x","title":"Bad Request","status":400,"o:errorDetails":[{"detail":"Invalid search query","o:errorCode":"INVALID_PARAMETER"}]}`, "Invalid search query", "INVALID_PARAMETER"},
		{"fusion", `{"title":"Bad Request","detail":"URL request parameter q has invalid value","o:errorCode":"27502"}`, "URL request parameter q has invalid value", "27502"},
		{"text", `Service Unavailable`, "Service Unavailable", ""},
		{"empty", ``, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, code := ExtractBackendMessage([]byte(tt.body))
			assert.Equal(t, tt.message, msg)
			assert.Equal(t, tt.code, code)
		})
	}
}
