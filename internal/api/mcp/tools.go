package mcp

type schema = map[string]interface{}

func str(desc string) schema {
	return schema{"type": "string", "description": desc}
}

func object(required []string, props schema) schema {
	s := schema{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	connectionProp = str("Connection profile name (e.g. 'my_salesforce').")
	entityProp     = str("Entity / object name (e.g. 'Account', 'A_SalesOrder', 'customer').")
	recordIDProp   = str("Primary key / record ID.")
	filtersProp    = schema{
		"type": "object",
		"description": "Filter conditions keyed by field name with an optional operator suffix: " +
			"exact match (Field: value), Field__ne, Field__gt, Field__gte, Field__lt, Field__lte, " +
			"Field__in (array), Field__like (substring), Field__null (bool).",
	}
)

// buildToolsList returns the canonical list of MCP tool definitions.
func buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name: "enterprise_configure",
			Description: "Load the connection profile file and list the configured connections. " +
				"Call this first. Pass config_path to use a non-default file.",
			InputSchema: object(nil, schema{
				"config_path": str("Path to the profile YAML file (optional)."),
			}),
		},
		{
			Name:        "enterprise_list_connections",
			Description: "List all configured enterprise connection profiles, including invalid ones with their error.",
			InputSchema: object(nil, schema{}),
		},
		{
			Name:        "enterprise_connect",
			Description: "Authenticate against a configured enterprise system and report the auth flow used.",
			InputSchema: object([]string{"connection"}, schema{"connection": connectionProp}),
		},
		{
			Name:        "enterprise_disconnect",
			Description: "Drop a connection's cached adapter and credentials. Clears an auth failure so the connection can be retried.",
			InputSchema: object([]string{"connection"}, schema{"connection": connectionProp}),
		},
		{
			Name:        "enterprise_health_check",
			Description: "Check reachability and auth status for a connection, with latency and circuit breaker state.",
			InputSchema: object([]string{"connection"}, schema{"connection": connectionProp}),
		},
		{
			Name:        "enterprise_list_entities",
			Description: "List the entities / objects / tables available on a connection (e.g. Account, A_SalesOrder, customer).",
			InputSchema: object([]string{"connection"}, schema{"connection": connectionProp}),
		},
		{
			Name: "enterprise_describe_entity",
			Description: "Get the field-level schema of an entity: names, types, nullability, read-only and " +
				"filterable flags, picklist values and relationships. Use this before querying.",
			InputSchema: object([]string{"connection", "entity"}, schema{
				"connection": connectionProp,
				"entity":     entityProp,
			}),
		},
		{
			Name:        "enterprise_search_fields",
			Description: "Search the fields of an entity by keyword in field names and labels.",
			InputSchema: object([]string{"connection", "entity", "keyword"}, schema{
				"connection":           connectionProp,
				"entity":               entityProp,
				"keyword":              str("Keyword to search field names/labels."),
				"include_descriptions": schema{"type": "boolean", "description": "Also match field descriptions."},
			}),
		},
		{
			Name:        "enterprise_refresh_schema",
			Description: "Drop cached schema for a connection, or for one entity, and reload it from the backend.",
			InputSchema: object([]string{"connection"}, schema{
				"connection": connectionProp,
				"entity":     str("Entity to refresh (optional; omit to clear the whole connection)."),
			}),
		},
		{
			Name: "enterprise_query",
			Description: "Query records from an entity with optional filters, field selection, sorting and " +
				"pagination. Filters are validated against the entity schema before any request is sent.",
			InputSchema: object([]string{"connection", "entity"}, schema{
				"connection": connectionProp,
				"entity":     entityProp,
				"filters":    filtersProp,
				"fields":     schema{"type": "array", "items": schema{"type": "string"}, "description": "Fields to return (empty = all)."},
				"sort":       schema{"type": "array", "items": schema{"type": "string"}, "description": "Sort keys; prefix with '-' for descending."},
				"limit":      schema{"type": "integer", "description": "Max records to return.", "default": 100},
				"offset":     schema{"type": "integer", "description": "Number of records to skip.", "default": 0},
				"debug":      schema{"type": "boolean", "description": "Attach a pipeline trace to the result metadata."},
			}),
		},
		{
			Name:        "enterprise_get_record",
			Description: "Fetch a single record by its ID.",
			InputSchema: object([]string{"connection", "entity", "record_id"}, schema{
				"connection": connectionProp,
				"entity":     entityProp,
				"record_id":  recordIDProp,
			}),
		},
		{
			Name:        "enterprise_create_record",
			Description: "Create a new record. Pass the field values as the 'data' object; read-only fields are rejected.",
			InputSchema: object([]string{"connection", "entity", "data"}, schema{
				"connection": connectionProp,
				"entity":     entityProp,
				"data":       schema{"type": "object", "description": "Field-value pairs for the new record."},
			}),
		},
		{
			Name:        "enterprise_update_record",
			Description: "Update an existing record by ID with the fields in 'data'.",
			InputSchema: object([]string{"connection", "entity", "record_id", "data"}, schema{
				"connection": connectionProp,
				"entity":     entityProp,
				"record_id":  recordIDProp,
				"data":       schema{"type": "object", "description": "Fields to update."},
			}),
		},
		{
			Name:        "enterprise_delete_record",
			Description: "Delete a record by ID.",
			InputSchema: object([]string{"connection", "entity", "record_id"}, schema{
				"connection": connectionProp,
				"entity":     entityProp,
				"record_id":  recordIDProp,
			}),
		},
		{
			Name: "enterprise_aggregate",
			Description: "Run an aggregation (count, sum, avg, min, max) on a field, optionally filtered and grouped. " +
				"Runs natively where the backend supports it.",
			InputSchema: object([]string{"connection", "entity", "function"}, schema{
				"connection": connectionProp,
				"entity":     entityProp,
				"function":   schema{"type": "string", "enum": []string{"count", "sum", "avg", "min", "max"}, "description": "Aggregation function."},
				"field":      str("Field to aggregate (optional for count)."),
				"filters":    filtersProp,
				"group_by":   schema{"type": "array", "items": schema{"type": "string"}, "description": "Fields to group by."},
			}),
		},
		{
			Name: "enterprise_raw_request",
			Description: "Send a raw HTTP request through the connection's authenticated transport. " +
				"Use this for vendor-specific endpoints not covered by the other tools.",
			InputSchema: object([]string{"connection", "method", "path"}, schema{
				"connection": connectionProp,
				"method":     schema{"type": "string", "enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
				"path":       str("API path relative to the connection's base URL."),
				"query":      schema{"type": "object", "description": "Query string parameters (optional)."},
				"body":       schema{"type": "object", "description": "Request body (optional)."},
				"headers":    schema{"type": "object", "description": "Extra request headers (optional)."},
			}),
		},
		{
			Name:        "enterprise_generate_config",
			Description: "Generate a template profile file covering all four systems. Pass path to also write it.",
			InputSchema: object(nil, schema{
				"path":  str("Where to write the template (optional)."),
				"force": schema{"type": "boolean", "description": "Overwrite an existing file."},
			}),
		},
	}
}
