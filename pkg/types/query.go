package types

import (
	"encoding/json"
	"strings"
)

// Default paging values for a QuerySpec.
const (
	DefaultLimit = 100
)

// SortField orders results by one field.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// ParseSort converts wire sort keys into SortFields. A leading "-" sorts
// descending; a trailing " desc" or " asc" is accepted too.
func ParseSort(keys []string) []SortField {
	out := make([]SortField, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		sf := SortField{Field: k}
		switch {
		case strings.HasPrefix(k, "-"):
			sf = SortField{Field: strings.TrimSpace(k[1:]), Desc: true}
		case strings.HasSuffix(strings.ToLower(k), " desc"):
			sf = SortField{Field: strings.TrimSpace(k[:len(k)-5]), Desc: true}
		case strings.HasSuffix(strings.ToLower(k), " asc"):
			sf = SortField{Field: strings.TrimSpace(k[:len(k)-4])}
		}
		out = append(out, sf)
	}
	return out
}

// QuerySpec is a backend-neutral read request.
type QuerySpec struct {
	Entity  string             `json:"entity"`
	Fields  []string           `json:"fields,omitempty"`
	Filters []FilterExpression `json:"filters,omitempty"`
	Sort    []SortField        `json:"sort,omitempty"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`

	// Descriptor is the validated schema of Entity, set by the engine
	// before the query reaches an adapter.
	Descriptor *EntityDescriptor `json:"-"`
}

// WithDefaults returns a copy with zero Limit replaced by DefaultLimit and
// negative values clamped.
func (q QuerySpec) WithDefaults() QuerySpec {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// QueryResult is the normalized outcome of a query.
type QueryResult struct {
	Records []Record `json:"records"`
	Count   int      `json:"count"`

	// TotalCount is the backend-reported total for the filter, or -1 when
	// the backend did not report one.
	TotalCount int64 `json:"total_count"`
	HasMore    bool  `json:"has_more"`

	// Partial is set whenever fewer rows were examined than the request
	// asked for, for example after a limit clamp or an emulation scan cap.
	Partial       bool   `json:"partial,omitempty"`
	PartialReason string `json:"partial_reason,omitempty"`

	// NativeQuery is the translated backend request, for diagnostics.
	NativeQuery string `json:"native_query,omitempty"`

	// Emulated lists operators evaluated client-side.
	Emulated []Operator `json:"emulated,omitempty"`
}

// AggregateFunction is a supported aggregate.
type AggregateFunction string

// Aggregate functions
const (
	AggCount AggregateFunction = "count"
	AggSum   AggregateFunction = "sum"
	AggAvg   AggregateFunction = "avg"
	AggMin   AggregateFunction = "min"
	AggMax   AggregateFunction = "max"
)

// IsValid reports whether fn is supported.
func (fn AggregateFunction) IsValid() bool {
	switch fn {
	case AggCount, AggSum, AggAvg, AggMin, AggMax:
		return true
	}
	return false
}

// Numeric reports whether fn needs a numeric field.
func (fn AggregateFunction) Numeric() bool {
	return fn == AggSum || fn == AggAvg
}

// AggregateSpec is a backend-neutral aggregate request. An empty Field with
// count counts rows.
type AggregateSpec struct {
	Entity   string             `json:"entity"`
	Function AggregateFunction  `json:"function"`
	Field    string             `json:"field,omitempty"`
	Filters  []FilterExpression `json:"filters,omitempty"`
	GroupBy  []string           `json:"group_by,omitempty"`

	Descriptor *EntityDescriptor `json:"-"`
}

// AggregateGroup is one group-by bucket.
type AggregateGroup struct {
	Key         map[string]any `json:"key"`
	Value       any            `json:"value"`
	RecordCount int            `json:"record_count"`
}

// AggregateResult is the outcome of an aggregate. Value is nil for an
// aggregate over zero non-null values (other than count).
type AggregateResult struct {
	Function    AggregateFunction `json:"function"`
	Field       string            `json:"field,omitempty"`
	Value       any               `json:"value"`
	Groups      []AggregateGroup  `json:"groups,omitempty"`
	RecordCount int               `json:"record_count"`
	Emulated    bool              `json:"emulated"`
	NativeQuery string            `json:"native_query,omitempty"`
}

// RawRequest is an escape hatch to a backend endpoint that the unified model
// does not cover. Path is relative to the connection's base URL.
type RawRequest struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Body   any               `json:"body,omitempty"`
	Header map[string]string `json:"header,omitempty"`
}

// RawResponse is the unparsed backend reply to a RawRequest. Body holds the
// decoded JSON when the reply was JSON, otherwise the text.
type RawResponse struct {
	Status int               `json:"status"`
	Header map[string]string `json:"header,omitempty"`
	Body   any               `json:"body,omitempty"`
}

// DecodeBody decodes a response body as JSON when possible and falls back to
// the raw text.
func DecodeBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil {
		return v
	}
	return string(data)
}
