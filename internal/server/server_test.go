package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entbridge/internal/api/mcp"
	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/internal/engine"
	"github.com/scrypster/entbridge/internal/logging"
	"github.com/scrypster/entbridge/internal/server"
)

const profiles = `
connections:
  crm:
    system: salesforce
    base_url: https://crm.example.com
    auth:
      type: api_key
      api_key: k
`

func newTools(t *testing.T) *mcp.Server {
	t.Helper()
	m, err := connections.NewManagerFromBytes([]byte(profiles))
	require.NoError(t, err)
	eng, err := engine.New(config.Default(), engine.WithProfiles(m), engine.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return mcp.NewServer(eng)
}

func newHandler(t *testing.T, cfg config.ServerConfig) http.Handler {
	t.Helper()
	return server.Handler(cfg, newTools(t), logging.Discard())
}

func post(h http.Handler, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const listTools = `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`

func TestHandler_MCPRoundTrip(t *testing.T) {
	h := newHandler(t, config.ServerConfig{})
	w := post(h, listTools, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp struct {
		Result mcp.MCPToolsListResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Result.Tools, 17)
}

func TestHandler_NotificationIsAccepted(t *testing.T) {
	h := newHandler(t, config.ServerConfig{})
	w := post(h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandler_Healthz(t *testing.T) {
	h := newHandler(t, config.ServerConfig{APIToken: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "healthz needs no token")
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["connections"])
}

func TestHandler_SecurityHeaders(t *testing.T) {
	h := newHandler(t, config.ServerConfig{})
	w := post(h, listTools, "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestHandler_RequiresToken(t *testing.T) {
	h := newHandler(t, config.ServerConfig{APIToken: "secret"})

	w := post(h, listTools, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	w = post(h, listTools, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(h, listTools, "secret")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_RateLimited(t *testing.T) {
	h := newHandler(t, config.ServerConfig{RateLimit: 0.001, RateBurst: 2})

	assert.Equal(t, http.StatusOK, post(h, listTools, "").Code)
	assert.Equal(t, http.StatusOK, post(h, listTools, "").Code)
	w := post(h, listTools, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newHandler(t, config.ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr, err := server.Start(ctx, config.ServerConfig{Addr: "127.0.0.1:0"}, newTools(t), logging.Discard())
	require.NoError(t, err)

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)

	resp, err := http.Post("http://"+addr+"/mcp", "application/json", strings.NewReader(listTools))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "enterprise_query")

	cancel()
	assert.Eventually(t, func() bool {
		_, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "server should stop accepting connections")
}

func TestStart_BadAddress(t *testing.T) {
	_, err := server.Start(context.Background(), config.ServerConfig{Addr: "256.0.0.1:bogus"}, newTools(t), logging.Discard())
	assert.Error(t, err)
}
