package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/internal/engine"
	"github.com/scrypster/entbridge/internal/logging"
	"github.com/scrypster/entbridge/pkg/types"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Server implements the Model Context Protocol for entbridge. Every tool
// delegates to the query engine and answers with a ToolResult envelope.
type Server struct {
	engine  *engine.Engine
	logger  *slog.Logger
	version string
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the server's logger. It must not write to stdout when the
// stdio transport is in use.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithVersion sets the version reported in serverInfo.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a new MCP server backed by eng.
func NewServer(eng *engine.Engine, opts ...ServerOption) *Server {
	s := &Server{engine: eng, logger: logging.Discard(), version: "dev"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the engine the server delegates to.
func (s *Server) Engine() *engine.Engine { return s.engine }

// HandleRequest processes one JSON-RPC 2.0 message and returns the encoded
// reply, or nil for a notification.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	// Notifications carry no id and get no reply.
	if req.ID == nil && (req.Method == "initialized" || strings.HasPrefix(req.Method, "notifications/")) {
		return nil, nil
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = s.handleInitialize()
	case "initialized", "notifications/initialized", "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize() MCPInitializeResult {
	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "entbridge",
			Version: s.version,
		},
	}
}

// handleToolsCall dispatches a tools/call request and wraps the envelope in
// the MCP content block. Tool failures are reported with isError set; only
// a malformed call is returned as a JSON-RPC error.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (*MCPToolCallResult, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	var tc *engine.TraceCollector
	if debug, _ := p.Arguments["debug"].(bool); debug {
		delete(p.Arguments, "debug")
		tc = engine.NewTraceCollector()
		ctx = engine.WithTraceCollector(ctx, tc)
	}

	start := time.Now()
	res, err := s.CallTool(ctx, p.Name, p.Arguments)
	if err != nil {
		res = errorResult(err)
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["tool"] = p.Name
	res.Metadata["duration_ms"] = time.Since(start).Milliseconds()
	if tc != nil {
		res.Metadata["trace"] = engine.BuildTraceSummary(tc.Events(), tc.ElapsedMS())
	}
	s.logger.Debug("tool call", "tool", p.Name, "success", res.Success, "duration_ms", time.Since(start).Milliseconds())

	text, mErr := json.Marshal(res)
	if mErr != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", mErr)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
		IsError: err != nil,
	}, nil
}

// CallTool runs the named tool with JSON-decoded arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	switch name {
	case "enterprise_configure":
		return call(ctx, s, args, s.Configure)
	case "enterprise_generate_config":
		return call(ctx, s, args, s.GenerateConfig)
	case "enterprise_list_connections":
		return s.ListConnections(ctx)
	case "enterprise_connect":
		return call(ctx, s, args, s.Connect)
	case "enterprise_disconnect":
		return call(ctx, s, args, s.Disconnect)
	case "enterprise_health_check":
		return call(ctx, s, args, s.HealthCheck)
	case "enterprise_list_entities":
		return call(ctx, s, args, s.ListEntities)
	case "enterprise_describe_entity":
		return call(ctx, s, args, s.DescribeEntity)
	case "enterprise_search_fields":
		return call(ctx, s, args, s.SearchFields)
	case "enterprise_refresh_schema":
		return call(ctx, s, args, s.RefreshSchema)
	case "enterprise_query":
		return call(ctx, s, args, s.Query)
	case "enterprise_get_record":
		return call(ctx, s, args, s.GetRecord)
	case "enterprise_create_record":
		return call(ctx, s, args, s.CreateRecord)
	case "enterprise_update_record":
		return call(ctx, s, args, s.UpdateRecord)
	case "enterprise_delete_record":
		return call(ctx, s, args, s.DeleteRecord)
	case "enterprise_aggregate":
		return call(ctx, s, args, s.Aggregate)
	case "enterprise_raw_request":
		return call(ctx, s, args, s.RawRequest)
	default:
		return nil, types.ValidationErrorf("unknown tool: %s", name)
	}
}

// call decodes args into A and runs fn.
func call[A any](ctx context.Context, s *Server, args map[string]interface{}, fn func(context.Context, A) (*ToolResult, error)) (*ToolResult, error) {
	var a A
	if args != nil {
		if err := s.unmarshalParams(args, &a); err != nil {
			return nil, types.WrapError(types.KindValidation, err, "invalid arguments")
		}
	}
	return fn(ctx, a)
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

// Configure loads a profile file and lists its connections.
func (s *Server) Configure(ctx context.Context, args ConfigureArgs) (*ToolResult, error) {
	res, err := s.engine.Configure(ctx, args.ConfigPath)
	if err != nil {
		return nil, err
	}
	out := &ToolResult{
		Success: true,
		Data: map[string]any{
			"path":        res.Path,
			"connections": s.engine.ListConnections(),
		},
		Message: fmt.Sprintf("Loaded %d connection profile(s).", len(res.Connections)+len(res.Invalid)),
	}
	if len(res.Invalid) > 0 {
		out.Message += fmt.Sprintf(" %d profile(s) are invalid.", len(res.Invalid))
		out.Metadata = map[string]any{"invalid": res.Invalid}
	}
	return out, nil
}

// GenerateConfig returns the profile template and optionally writes it.
func (s *Server) GenerateConfig(ctx context.Context, args GenerateConfigArgs) (*ToolResult, error) {
	tmpl := connections.GenerateTemplate()
	if args.Path == "" {
		return &ToolResult{Success: true, Data: tmpl, Message: "Configuration template"}, nil
	}
	if err := connections.WriteTemplate(args.Path, args.Force); err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    tmpl,
		Message: fmt.Sprintf("Configuration template written to %s", args.Path),
	}, nil
}

// ListConnections lists every configured profile, valid or not.
func (s *Server) ListConnections(ctx context.Context) (*ToolResult, error) {
	conns := s.engine.ListConnections()
	return &ToolResult{
		Success: true,
		Data:    conns,
		Message: fmt.Sprintf("%d connection(s) configured", len(conns)),
	}, nil
}

// Connect authenticates against a connection.
func (s *Server) Connect(ctx context.Context, args ConnectionArgs) (*ToolResult, error) {
	res, err := s.engine.Connect(ctx, args.Connection)
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    res,
		Message: fmt.Sprintf("Connected to %s via %q", res.System, args.Connection),
	}, nil
}

// Disconnect drops a connection's adapter and credential.
func (s *Server) Disconnect(ctx context.Context, args ConnectionArgs) (*ToolResult, error) {
	if err := s.engine.Disconnect(ctx, args.Connection); err != nil {
		return nil, err
	}
	return &ToolResult{Success: true, Message: fmt.Sprintf("Disconnected %q", args.Connection)}, nil
}

// HealthCheck reports reachability and auth state. An unhealthy backend is
// a successful call with success=false in the envelope.
func (s *Server) HealthCheck(ctx context.Context, args ConnectionArgs) (*ToolResult, error) {
	st, err := s.engine.HealthCheck(ctx, args.Connection)
	if err != nil {
		return nil, err
	}
	msg := "healthy"
	if !st.Healthy() {
		msg = "unhealthy"
		if st.Error != "" {
			msg += ": " + st.Error
		}
	}
	return &ToolResult{Success: st.Healthy(), Data: st, Message: msg}, nil
}

// ListEntities lists the entities a connection exposes.
func (s *Server) ListEntities(ctx context.Context, args ConnectionArgs) (*ToolResult, error) {
	ents, err := s.engine.ListEntities(ctx, args.Connection)
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    ents,
		Message: fmt.Sprintf("%d entities on %s", len(ents), args.Connection),
	}, nil
}

// DescribeEntity returns the field-level schema of an entity.
func (s *Server) DescribeEntity(ctx context.Context, args EntityArgs) (*ToolResult, error) {
	desc, err := s.engine.DescribeEntity(ctx, args.Connection, args.Entity)
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    desc,
		Message: fmt.Sprintf("%s has %d field(s)", desc.Name, len(desc.Fields)),
	}, nil
}

// SearchFields finds fields of an entity by keyword.
func (s *Server) SearchFields(ctx context.Context, args SearchFieldsArgs) (*ToolResult, error) {
	fields, err := s.engine.SearchFields(ctx, args.Connection, args.Entity, args.Keyword, args.IncludeDescriptions)
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    fields,
		Message: fmt.Sprintf("%d field(s) match %q", len(fields), args.Keyword),
	}, nil
}

// RefreshSchema drops cached descriptors and re-reads the named entity.
func (s *Server) RefreshSchema(ctx context.Context, args RefreshSchemaArgs) (*ToolResult, error) {
	desc, err := s.engine.RefreshSchema(ctx, args.Connection, args.Entity)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return &ToolResult{Success: true, Message: fmt.Sprintf("Schema cache cleared for %q", args.Connection)}, nil
	}
	return &ToolResult{Success: true, Data: desc, Message: fmt.Sprintf("Refreshed %s", desc.Name)}, nil
}

// Query reads records.
func (s *Server) Query(ctx context.Context, args QueryArgs) (*ToolResult, error) {
	filters, err := types.ParseFilters(args.Filters)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Query(ctx, args.Connection, types.QuerySpec{
		Entity:  args.Entity,
		Fields:  args.Fields,
		Filters: filters,
		Sort:    types.ParseSort(args.Sort),
		Limit:   args.Limit,
		Offset:  args.Offset,
	})
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Returned %d %s record(s)", res.Count, args.Entity)
	if res.Partial {
		msg += " (partial: " + res.PartialReason + ")"
	}
	return &ToolResult{Success: true, Data: res, Message: msg}, nil
}

// GetRecord fetches one record by id.
func (s *Server) GetRecord(ctx context.Context, args RecordArgs) (*ToolResult, error) {
	rec, err := s.engine.GetRecord(ctx, args.Connection, args.Entity, args.RecordID)
	if err != nil {
		return nil, err
	}
	return &ToolResult{Success: true, Data: rec}, nil
}

// CreateRecord creates a record and returns its id.
func (s *Server) CreateRecord(ctx context.Context, args WriteRecordArgs) (*ToolResult, error) {
	id, err := s.engine.CreateRecord(ctx, args.Connection, args.Entity, args.Data)
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    map[string]any{"id": id},
		Message: fmt.Sprintf("Created %s %s", args.Entity, id),
	}, nil
}

// UpdateRecord patches a record.
func (s *Server) UpdateRecord(ctx context.Context, args WriteRecordArgs) (*ToolResult, error) {
	if err := s.engine.UpdateRecord(ctx, args.Connection, args.Entity, args.RecordID, args.Data); err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    map[string]any{"id": args.RecordID},
		Message: fmt.Sprintf("Updated %s %s", args.Entity, args.RecordID),
	}, nil
}

// DeleteRecord deletes a record.
func (s *Server) DeleteRecord(ctx context.Context, args RecordArgs) (*ToolResult, error) {
	if err := s.engine.DeleteRecord(ctx, args.Connection, args.Entity, args.RecordID); err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Data:    map[string]any{"id": args.RecordID},
		Message: fmt.Sprintf("Deleted %s %s", args.Entity, args.RecordID),
	}, nil
}

// Aggregate computes count, sum, avg, min or max.
func (s *Server) Aggregate(ctx context.Context, args AggregateArgs) (*ToolResult, error) {
	filters, err := types.ParseFilters(args.Filters)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Aggregate(ctx, args.Connection, types.AggregateSpec{
		Entity:   args.Entity,
		Function: types.AggregateFunction(args.Function),
		Field:    args.Field,
		Filters:  filters,
		GroupBy:  args.GroupBy,
	})
	if err != nil {
		return nil, err
	}
	target := res.Field
	if target == "" {
		target = "*"
	}
	return &ToolResult{
		Success: true,
		Data:    res,
		Message: fmt.Sprintf("%s(%s) over %d record(s)", res.Function, target, res.RecordCount),
	}, nil
}

// RawRequest sends an authenticated request to a backend path.
func (s *Server) RawRequest(ctx context.Context, args RawRequestArgs) (*ToolResult, error) {
	method := strings.ToUpper(strings.TrimSpace(args.Method))
	if method == "" {
		method = "GET"
	}
	resp, err := s.engine.RawRequest(ctx, args.Connection, types.RawRequest{
		Method: method,
		Path:   args.Path,
		Query:  args.Query,
		Body:   args.Body,
		Header: args.Headers,
	})
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: resp.Status < 400,
		Data:    resp,
		Message: fmt.Sprintf("%s %s returned %d", method, args.Path, resp.Status),
	}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// errorResult builds the failure envelope.
func errorResult(err error) *ToolResult {
	res := &ToolResult{Success: false, Message: err.Error()}
	info := ErrorInfo{Kind: types.KindBackend}
	if e, ok := types.AsError(err); ok {
		info = ErrorInfo{
			Kind:       e.Kind,
			Connection: e.Connection,
			System:     e.System,
			Operation:  e.Operation,
			Status:     e.Status,
			Code:       e.Code,
		}
	}
	res.Metadata = map[string]any{"error": info}
	return res
}

// unmarshalParams unmarshals JSON-RPC parameters into a typed struct.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}

	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
