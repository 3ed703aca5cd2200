// Package types defines the backend-neutral data model shared by every
// enterprise adapter: records, entity and field descriptors, the filter
// grammar, query and aggregate requests, and the error taxonomy.
package types

import (
	"sort"
	"strings"
	"time"
)

// Record is a single row returned by a backend, keyed by field name.
// Backend metadata envelopes (OData __metadata, SOQL attributes, REST links)
// are stripped before a Record leaves an adapter.
type Record map[string]any

// SystemKind identifies which backend family a connection talks to.
type SystemKind string

// Supported backend families
const (
	// SystemSAP is an OData v2 ERP service
	SystemSAP SystemKind = "sap"

	// SystemSalesforce is a SOQL CRM endpoint
	SystemSalesforce SystemKind = "salesforce"

	// SystemNetSuite is a SuiteQL ERP endpoint
	SystemNetSuite SystemKind = "netsuite"

	// SystemOracle is an Oracle Fusion REST finder suite
	SystemOracle SystemKind = "oracle"
)

// ValidSystemKinds lists every supported backend family.
var ValidSystemKinds = []SystemKind{SystemSAP, SystemSalesforce, SystemNetSuite, SystemOracle}

// IsValid reports whether k is one of the supported backend families.
func (k SystemKind) IsValid() bool {
	for _, v := range ValidSystemKinds {
		if k == v {
			return true
		}
	}
	return false
}

// FieldType is the normalized type of a field across backends.
type FieldType string

// Normalized field types
const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldReference FieldType = "reference"
)

// FieldDescriptor describes one field of an entity after normalization.
type FieldDescriptor struct {
	Name           string    `json:"name"`
	Label          string    `json:"label,omitempty"`
	Type           FieldType `json:"type"`
	NativeType     string    `json:"native_type,omitempty"`
	Nullable       bool      `json:"nullable"`
	Filterable     bool      `json:"filterable"`
	Sortable       bool      `json:"sortable"`
	ReadOnly       bool      `json:"read_only"`
	Required       bool      `json:"required,omitempty"`
	ReferenceTo    []string  `json:"reference_to,omitempty"`
	PicklistValues []string  `json:"picklist_values,omitempty"`
	Description    string    `json:"description,omitempty"`
}

// EntityDescriptor is the normalized schema of one backend entity.
type EntityDescriptor struct {
	Name        string            `json:"name"`
	Label       string            `json:"label,omitempty"`
	NativeName  string            `json:"native_name,omitempty"`
	KeyField    string            `json:"key_field,omitempty"`
	Description string            `json:"description,omitempty"`
	Fields      []FieldDescriptor `json:"fields"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// Field looks up a field by name. An exact match wins; otherwise the first
// case-insensitive match is returned.
func (e *EntityDescriptor) Field(name string) (*FieldDescriptor, bool) {
	if e == nil {
		return nil, false
	}
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i], true
		}
	}
	for i := range e.Fields {
		if strings.EqualFold(e.Fields[i].Name, name) {
			return &e.Fields[i], true
		}
	}
	return nil, false
}

// FieldNames returns the field names in descriptor order.
func (e *EntityDescriptor) FieldNames() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Name)
	}
	return names
}

// SearchFields returns the fields whose name or label contains keyword,
// case-insensitively. When includeDescriptions is set the description is
// searched too. Results are sorted by name.
func (e *EntityDescriptor) SearchFields(keyword string, includeDescriptions bool) []FieldDescriptor {
	if e == nil {
		return nil
	}
	kw := strings.ToLower(strings.TrimSpace(keyword))
	var out []FieldDescriptor
	for _, f := range e.Fields {
		if kw == "" ||
			strings.Contains(strings.ToLower(f.Name), kw) ||
			strings.Contains(strings.ToLower(f.Label), kw) ||
			(includeDescriptions && strings.Contains(strings.ToLower(f.Description), kw)) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
