package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entbridge/internal/api/mcp"
	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/internal/engine"
	"github.com/scrypster/entbridge/internal/logging"
)

const sfRoot = "/services/data/v59.0"

// fakeSalesforce serves a small Account object and records every SOQL
// statement and write it receives.
type fakeSalesforce struct {
	*httptest.Server
	mu     sync.Mutex
	soql   []string
	writes []string
	hits   int
}

func (f *fakeSalesforce) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.soql...)
}

func (f *fakeSalesforce) hitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func newFakeSalesforce(t *testing.T) *fakeSalesforce {
	t.Helper()
	f := &fakeSalesforce{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits++
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"errorCode":"INVALID_SESSION_ID","message":"Session expired or invalid"}]`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == sfRoot+"/":
			_, _ = w.Write([]byte(`{}`))
		case r.URL.Path == sfRoot+"/sobjects":
			_, _ = w.Write([]byte(`{"sobjects":[
				{"name":"Account","label":"Account","queryable":true},
				{"name":"Contact","label":"Contact","queryable":true},
				{"name":"FeedPollChoice","label":"Poll Choice","queryable":false}]}`))
		case r.URL.Path == sfRoot+"/sobjects/Account/describe":
			_, _ = w.Write([]byte(`{"name":"Account","label":"Account","fields":[
				{"name":"Id","label":"Account ID","type":"id","filterable":true,"sortable":true},
				{"name":"Name","label":"Account Name","type":"string","filterable":true,"sortable":true,"updateable":true,"createable":true},
				{"name":"AnnualRevenue","label":"Annual Revenue","type":"currency","nillable":true,"filterable":true,"sortable":true,"updateable":true,"createable":true},
				{"name":"BillingCity","label":"Billing City","type":"string","nillable":true,"filterable":true,"sortable":true,"updateable":true,"createable":true}]}`))
		case r.URL.Path == sfRoot+"/query":
			q := r.URL.Query().Get("q")
			f.mu.Lock()
			f.soql = append(f.soql, q)
			f.mu.Unlock()
			if strings.HasPrefix(q, "SELECT SUM(") {
				_, _ = w.Write([]byte(`{"totalSize":1,"done":true,"records":[{"attributes":{"type":"AggregateResult"},"value":12000.0,"cnt":3}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"totalSize":2,"done":true,"records":[
				{"attributes":{"type":"Account"},"Id":"001A","Name":"Acme","AnnualRevenue":5000.0},
				{"attributes":{"type":"Account"},"Id":"001B","Name":"Globex","AnnualRevenue":7000.0}]}`))
		case r.URL.Path == sfRoot+"/sobjects/Account/001A":
			switch r.Method {
			case http.MethodGet:
				_, _ = w.Write([]byte(`{"attributes":{"type":"Account"},"Id":"001A","Name":"Acme"}`))
			default:
				f.mu.Lock()
				f.writes = append(f.writes, r.Method)
				f.mu.Unlock()
				w.WriteHeader(http.StatusNoContent)
			}
		case r.URL.Path == sfRoot+"/sobjects/Account" && r.Method == http.MethodPost:
			f.mu.Lock()
			f.writes = append(f.writes, r.Method)
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"001NEW","success":true,"errors":[]}`))
		case r.URL.Path == sfRoot+"/limits":
			_, _ = w.Write([]byte(`{"DailyApiRequests":{"Max":15000,"Remaining":14990}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`[{"errorCode":"NOT_FOUND","message":"The requested resource does not exist"}]`))
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func profileYAML(sfURL, key string) string {
	return `
connections:
  sf:
    system: salesforce
    base_url: ` + sfURL + `
    description: Sales org
    auth:
      type: api_key
      api_key: ` + key + `
  s4:
    system: sap
    base_url: https://s4.example.com
    auth:
      type: basic
      username: u
      password: p
`
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.RetryAttempts = 1
	cfg.Transport.RetryBaseDelay = time.Millisecond
	cfg.Transport.RateLimit = 0
	return cfg
}

func newTestServer(t *testing.T, sfURL string) *mcp.Server {
	t.Helper()
	profiles, err := connections.NewManagerFromBytes([]byte(profileYAML(sfURL, "k")))
	require.NoError(t, err)
	eng, err := engine.New(testConfig(), engine.WithProfiles(profiles), engine.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return mcp.NewServer(eng, mcp.WithVersion("test"))
}

// callTool issues a tools/call request and decodes the envelope.
func callTool(t *testing.T, srv *mcp.Server, name string, args map[string]interface{}) (mcp.ToolResult, bool) {
	t.Helper()
	req, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]interface{}{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	raw, err := srv.HandleRequest(context.Background(), req)
	require.NoError(t, err)

	var resp struct {
		Result *mcp.MCPToolCallResult `json:"result"`
		Error  *mcp.JSONRPCError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Nil(t, resp.Error, "unexpected JSON-RPC error")
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, "text", resp.Result.Content[0].Type)

	var env mcp.ToolResult
	require.NoError(t, json.Unmarshal([]byte(resp.Result.Content[0].Text), &env))
	return env, resp.Result.IsError
}

// dataAs re-decodes the envelope's data into out.
func dataAs(t *testing.T, env mcp.ToolResult, out interface{}) {
	t.Helper()
	b, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, out))
}

func errorKind(env mcp.ToolResult) string {
	info, _ := env.Metadata["error"].(map[string]interface{})
	kind, _ := info["kind"].(string)
	return kind
}

// ---------------------------------------------------------------------------
// Protocol
// ---------------------------------------------------------------------------

func TestInitialize(t *testing.T) {
	srv := newTestServer(t, "https://unused.example.com")
	raw, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`))
	require.NoError(t, err)

	var resp struct {
		Result mcp.MCPInitializeResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, mcp.ProtocolVersion, resp.Result.ProtocolVersion)
	assert.Equal(t, "entbridge", resp.Result.ServerInfo.Name)
	assert.Equal(t, "test", resp.Result.ServerInfo.Version)
	assert.NotNil(t, resp.Result.Capabilities.Tools)
}

func TestNotification_NoReply(t *testing.T) {
	srv := newTestServer(t, "https://unused.example.com")
	raw, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestToolsList_ExposesEveryTool(t *testing.T) {
	srv := newTestServer(t, "https://unused.example.com")
	raw, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.NoError(t, err)

	var resp struct {
		Result mcp.MCPToolsListResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))

	names := make([]string, 0, len(resp.Result.Tools))
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"enterprise_configure", "enterprise_list_connections", "enterprise_connect",
		"enterprise_disconnect", "enterprise_health_check", "enterprise_list_entities",
		"enterprise_describe_entity", "enterprise_search_fields", "enterprise_refresh_schema",
		"enterprise_query", "enterprise_get_record", "enterprise_create_record",
		"enterprise_update_record", "enterprise_delete_record", "enterprise_aggregate",
		"enterprise_raw_request", "enterprise_generate_config",
	}, names)
}

func TestHandleRequest_ProtocolErrors(t *testing.T) {
	srv := newTestServer(t, "https://unused.example.com")
	tests := []struct {
		name string
		req  string
		code int
	}{
		{"parse error", `{not json`, mcp.ErrCodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, mcp.ErrCodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"store_memory"}`, mcp.ErrCodeMethodNotFound},
		{"missing tool name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, mcp.ErrCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := srv.HandleRequest(context.Background(), []byte(tt.req))
			require.NoError(t, err)
			var resp mcp.JSONRPCResponse
			require.NoError(t, json.Unmarshal(raw, &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestUnknownTool_IsToolError(t *testing.T) {
	srv := newTestServer(t, "https://unused.example.com")
	env, isErr := callTool(t, srv, "enterprise_teleport", nil)
	assert.True(t, isErr)
	assert.False(t, env.Success)
	assert.Equal(t, "validation", errorKind(env))
	assert.Contains(t, env.Message, "unknown tool")
}

// ---------------------------------------------------------------------------
// Connection tools
// ---------------------------------------------------------------------------

func TestListConnectionsAndConnect(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_list_connections", nil)
	require.False(t, isErr)
	var conns []engine.ConnectionInfo
	dataAs(t, env, &conns)
	require.Len(t, conns, 2)
	assert.Equal(t, "s4", conns[0].ID)
	assert.False(t, conns[0].Valid, "sap profile without options.service is invalid")
	assert.Equal(t, "sf", conns[1].ID)
	assert.True(t, conns[1].Valid)

	env, isErr = callTool(t, srv, "enterprise_connect", map[string]interface{}{"connection": "sf"})
	require.False(t, isErr, env.Message)
	assert.True(t, env.Success)
	assert.Contains(t, env.Message, "salesforce")

	env, isErr = callTool(t, srv, "enterprise_connect", map[string]interface{}{"connection": "s4"})
	assert.True(t, isErr)
	assert.Equal(t, "config", errorKind(env))

	env, isErr = callTool(t, srv, "enterprise_disconnect", map[string]interface{}{"connection": "sf"})
	require.False(t, isErr, env.Message)
	assert.Contains(t, env.Message, "Disconnected")
}

func TestHealthCheck(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_health_check", map[string]interface{}{"connection": "sf"})
	require.False(t, isErr, env.Message)
	assert.True(t, env.Success)
	var st engine.HealthStatus
	dataAs(t, env, &st)
	assert.True(t, st.Reachable)
	assert.True(t, st.AuthValid)
	assert.Equal(t, "closed", st.Breaker)
}

func TestConfigureAndGenerateConfig(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	env, isErr := callTool(t, srv, "enterprise_generate_config", map[string]interface{}{"path": path})
	require.False(t, isErr, env.Message)
	tmpl, _ := env.Data.(string)
	assert.Contains(t, tmpl, "connections:")
	_, err := os.Stat(path)
	require.NoError(t, err)

	env, isErr = callTool(t, srv, "enterprise_generate_config", map[string]interface{}{"path": path})
	assert.True(t, isErr, "existing file is not overwritten without force")

	custom := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(custom, []byte(profileYAML(sf.URL, "k")), 0o600))
	env, isErr = callTool(t, srv, "enterprise_configure", map[string]interface{}{"config_path": custom})
	require.False(t, isErr, env.Message)
	assert.Contains(t, env.Message, "Loaded 2 connection profile(s)")
	assert.Contains(t, env.Message, "1 profile(s) are invalid")

	env, isErr = callTool(t, srv, "enterprise_configure", map[string]interface{}{"config_path": filepath.Join(dir, "missing.yaml")})
	assert.True(t, isErr)
	assert.Equal(t, "config", errorKind(env))
}

// ---------------------------------------------------------------------------
// Schema tools
// ---------------------------------------------------------------------------

func TestSchemaTools(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_list_entities", map[string]interface{}{"connection": "sf"})
	require.False(t, isErr, env.Message)
	var ents []map[string]interface{}
	dataAs(t, env, &ents)
	require.Len(t, ents, 2, "non-queryable objects are hidden")

	env, isErr = callTool(t, srv, "enterprise_describe_entity", map[string]interface{}{"connection": "sf", "entity": "Account"})
	require.False(t, isErr, env.Message)
	assert.Equal(t, "Account has 4 field(s)", env.Message)

	env, isErr = callTool(t, srv, "enterprise_search_fields", map[string]interface{}{"connection": "sf", "entity": "Account", "keyword": "revenue"})
	require.False(t, isErr, env.Message)
	var fields []map[string]interface{}
	dataAs(t, env, &fields)
	require.Len(t, fields, 1)
	assert.Equal(t, "AnnualRevenue", fields[0]["name"])

	env, isErr = callTool(t, srv, "enterprise_describe_entity", map[string]interface{}{"connection": "sf", "entity": "Widget"})
	assert.True(t, isErr)
	assert.Equal(t, "not_found", errorKind(env))

	env, isErr = callTool(t, srv, "enterprise_refresh_schema", map[string]interface{}{"connection": "sf"})
	require.False(t, isErr, env.Message)
	assert.Contains(t, env.Message, "cleared")
}

// ---------------------------------------------------------------------------
// Query and record tools
// ---------------------------------------------------------------------------

func TestQuery_TranslatesWireFilters(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_query", map[string]interface{}{
		"connection": "sf",
		"entity":     "account",
		"fields":     []string{"name", "AnnualRevenue"},
		"filters":    map[string]interface{}{"AnnualRevenue__gte": 1000, "BillingCity__in": []string{"Austin", "Boston"}},
		"sort":       []string{"-AnnualRevenue"},
		"limit":      10,
	})
	require.False(t, isErr, env.Message)
	assert.True(t, env.Success)

	var res struct {
		Records     []map[string]interface{} `json:"records"`
		Count       int                      `json:"count"`
		NativeQuery string                   `json:"native_query"`
	}
	dataAs(t, env, &res)
	assert.Equal(t, 2, res.Count)
	assert.NotContains(t, res.Records[0], "attributes")
	assert.Equal(t, []string{
		"SELECT Name, AnnualRevenue FROM Account WHERE AnnualRevenue >= 1000 AND BillingCity IN ('Austin', 'Boston') ORDER BY AnnualRevenue DESC LIMIT 11",
	}, sf.statements())
}

func TestQuery_FieldsAsEncodedString(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_query", map[string]interface{}{
		"connection": "sf",
		"entity":     "Account",
		"fields":     `["Name"]`,
	})
	require.False(t, isErr, env.Message)
	require.Len(t, sf.statements(), 1)
	assert.True(t, strings.HasPrefix(sf.statements()[0], "SELECT Name FROM Account"))
}

func TestQuery_ValidationFailureSkipsBackend(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	_, isErr := callTool(t, srv, "enterprise_describe_entity", map[string]interface{}{"connection": "sf", "entity": "Account"})
	require.False(t, isErr)
	before := sf.hitCount()

	tests := []struct {
		name    string
		filters map[string]interface{}
	}{
		{"unknown field", map[string]interface{}{"Industry": "Energy"}},
		{"bad operand type", map[string]interface{}{"AnnualRevenue__gt": "lots"}},
		{"null needs a boolean", map[string]interface{}{"Name__null": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, isErr := callTool(t, srv, "enterprise_query", map[string]interface{}{
				"connection": "sf", "entity": "Account", "filters": tt.filters,
			})
			assert.True(t, isErr)
			assert.False(t, env.Success)
			assert.Equal(t, "validation", errorKind(env))
		})
	}
	assert.Equal(t, before, sf.hitCount(), "rejected queries never reach the backend")
	assert.Empty(t, sf.statements())
}

func TestQuery_DebugAttachesTrace(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_query", map[string]interface{}{
		"connection": "sf", "entity": "Account", "debug": true,
	})
	require.False(t, isErr, env.Message)
	trace, ok := env.Metadata["trace"].(map[string]interface{})
	require.True(t, ok, "trace metadata missing")
	stages, _ := trace["stages"].([]interface{})
	assert.Len(t, stages, 5)
	assert.Contains(t, trace["native_query"], "FROM Account")
	assert.Equal(t, "enterprise_query", env.Metadata["tool"])
}

func TestRecordTools(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_get_record", map[string]interface{}{"connection": "sf", "entity": "Account", "record_id": "001A"})
	require.False(t, isErr, env.Message)
	rec, _ := env.Data.(map[string]interface{})
	assert.Equal(t, "Acme", rec["Name"])

	env, isErr = callTool(t, srv, "enterprise_get_record", map[string]interface{}{"connection": "sf", "entity": "Account", "record_id": "001Z"})
	assert.True(t, isErr)
	assert.Equal(t, "not_found", errorKind(env))

	env, isErr = callTool(t, srv, "enterprise_create_record", map[string]interface{}{
		"connection": "sf", "entity": "Account", "data": map[string]interface{}{"Name": "Initech"},
	})
	require.False(t, isErr, env.Message)
	assert.Equal(t, "Created Account 001NEW", env.Message)

	env, isErr = callTool(t, srv, "enterprise_create_record", map[string]interface{}{
		"connection": "sf", "entity": "Account", "data": map[string]interface{}{"Id": "x", "Name": "Initech"},
	})
	assert.True(t, isErr)
	assert.Contains(t, env.Message, "read-only")

	env, isErr = callTool(t, srv, "enterprise_update_record", map[string]interface{}{
		"connection": "sf", "entity": "Account", "record_id": "001A", "data": map[string]interface{}{"billingcity": "Austin"},
	})
	require.False(t, isErr, env.Message)

	env, isErr = callTool(t, srv, "enterprise_delete_record", map[string]interface{}{"connection": "sf", "entity": "Account", "record_id": "001A"})
	require.False(t, isErr, env.Message)
	assert.Equal(t, "Deleted Account 001A", env.Message)

	sf.mu.Lock()
	defer sf.mu.Unlock()
	assert.Equal(t, []string{http.MethodPost, http.MethodPatch, http.MethodDelete}, sf.writes)
}

func TestAggregateTool(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_aggregate", map[string]interface{}{
		"connection": "sf", "entity": "Account", "function": "SUM", "field": "AnnualRevenue",
	})
	require.False(t, isErr, env.Message)
	var res struct {
		Function    string  `json:"function"`
		Value       float64 `json:"value"`
		RecordCount int     `json:"record_count"`
	}
	dataAs(t, env, &res)
	assert.Equal(t, "sum", res.Function)
	assert.Equal(t, 12000.0, res.Value)
	assert.Equal(t, 3, res.RecordCount)

	env, isErr = callTool(t, srv, "enterprise_aggregate", map[string]interface{}{
		"connection": "sf", "entity": "Account", "function": "avg", "field": "Name",
	})
	assert.True(t, isErr)
	assert.Equal(t, "validation", errorKind(env))
}

func TestRawRequestTool(t *testing.T) {
	sf := newFakeSalesforce(t)
	srv := newTestServer(t, sf.URL)

	env, isErr := callTool(t, srv, "enterprise_raw_request", map[string]interface{}{
		"connection": "sf", "method": "get", "path": sfRoot + "/limits",
	})
	require.False(t, isErr, env.Message)
	assert.True(t, env.Success)
	assert.Contains(t, env.Message, "returned 200")
}

func TestAuthFailure_ReportsKindAndConnection(t *testing.T) {
	sf := newFakeSalesforce(t)
	profiles, err := connections.NewManagerFromBytes([]byte(profileYAML(sf.URL, "wrong")))
	require.NoError(t, err)
	eng, err := engine.New(testConfig(), engine.WithProfiles(profiles), engine.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer eng.Close()
	srv := mcp.NewServer(eng)

	env, isErr := callTool(t, srv, "enterprise_query", map[string]interface{}{"connection": "sf", "entity": "Account"})
	require.True(t, isErr)
	info, _ := env.Metadata["error"].(map[string]interface{})
	assert.Equal(t, "auth", info["kind"])
	assert.Equal(t, "sf", info["connection"])
	assert.Equal(t, "salesforce", info["system"])
	assert.EqualValues(t, 401, info["status"])
}
