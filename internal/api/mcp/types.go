// Package mcp implements the Model Context Protocol (MCP) server for
// entbridge. It exposes the query engine as JSON-RPC 2.0 tools.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/scrypster/entbridge/pkg/types"
)

// stringList accepts a JSON array of strings. Some MCP clients send array
// arguments as a JSON-encoded string ("[\"a\",\"b\"]") or as a
// comma-separated string; both forms are accepted.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return err
		}
		*l = arr
		return nil
	}
	*l = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

// ConfigureArgs contains arguments for the enterprise_configure tool.
type ConfigureArgs struct {
	ConfigPath string `json:"config_path,omitempty"` // Profile file; default location when empty
}

// GenerateConfigArgs contains arguments for the enterprise_generate_config
// tool. With an empty Path the template is only returned.
type GenerateConfigArgs struct {
	Path  string `json:"path,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// ConnectionArgs names a connection profile.
type ConnectionArgs struct {
	Connection string `json:"connection"`
}

// EntityArgs names an entity on a connection.
type EntityArgs struct {
	Connection string `json:"connection"`
	Entity     string `json:"entity"`
}

// SearchFieldsArgs contains arguments for the enterprise_search_fields tool.
type SearchFieldsArgs struct {
	Connection          string `json:"connection"`
	Entity              string `json:"entity"`
	Keyword             string `json:"keyword"`
	IncludeDescriptions bool   `json:"include_descriptions,omitempty"`
}

// RefreshSchemaArgs contains arguments for the enterprise_refresh_schema
// tool. An empty Entity drops every cached descriptor of the connection.
type RefreshSchemaArgs struct {
	Connection string `json:"connection"`
	Entity     string `json:"entity,omitempty"`
}

// QueryArgs contains arguments for the enterprise_query tool.
//
// Filters uses the wire form: keys are field names with an optional
// operator suffix ("Amount__gte", "Status__in"). Sort keys sort descending
// with a leading "-".
type QueryArgs struct {
	Connection string         `json:"connection"`
	Entity     string         `json:"entity"`
	Filters    map[string]any `json:"filters,omitempty"`
	Fields     stringList     `json:"fields,omitempty"`
	Sort       stringList     `json:"sort,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Offset     int            `json:"offset,omitempty"`
}

// RecordArgs identifies a single record.
type RecordArgs struct {
	Connection string `json:"connection"`
	Entity     string `json:"entity"`
	RecordID   string `json:"record_id"`
}

// WriteRecordArgs contains arguments for the create and update tools.
// RecordID is ignored by create.
type WriteRecordArgs struct {
	Connection string       `json:"connection"`
	Entity     string       `json:"entity"`
	RecordID   string       `json:"record_id,omitempty"`
	Data       types.Record `json:"data"`
}

// AggregateArgs contains arguments for the enterprise_aggregate tool.
type AggregateArgs struct {
	Connection string         `json:"connection"`
	Entity     string         `json:"entity"`
	Function   string         `json:"function"`
	Field      string         `json:"field,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	GroupBy    stringList     `json:"group_by,omitempty"`
}

// RawRequestArgs contains arguments for the enterprise_raw_request tool.
type RawRequestArgs struct {
	Connection string            `json:"connection"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      map[string]string `json:"query,omitempty"`
	Body       any               `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// ToolResult is the envelope every tool returns as its text content.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorInfo describes a failed tool call in the envelope metadata.
type ErrorInfo struct {
	Kind       types.ErrorKind  `json:"kind"`
	Connection string           `json:"connection,omitempty"`
	System     types.SystemKind `json:"system,omitempty"`
	Operation  string           `json:"operation,omitempty"`
	Status     int              `json:"status,omitempty"`
	Code       string           `json:"code,omitempty"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
