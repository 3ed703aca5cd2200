package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/internal/transport"
	"github.com/scrypster/entbridge/pkg/types"
)

// base holds what every adapter shares.
type base struct {
	profile connections.Profile
	client  *transport.Client
	limits  Limits
	logger  *slog.Logger
}

func (b *base) Transport() *transport.Client { return b.client }

func (b *base) System() types.SystemKind { return b.profile.System }

func (b *base) do(ctx context.Context, op string, req *transport.Request) (*transport.Response, error) {
	req.Operation = op
	return b.client.Do(ctx, req)
}

// getJSON issues a GET and decodes the JSON reply into v.
func (b *base) getJSON(ctx context.Context, op, path string, query url.Values, v any) error {
	resp, err := b.do(ctx, op, &transport.Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return resp.JSON(v)
}

// RawRequest sends an arbitrary request through the connection's transport.
func (b *base) RawRequest(ctx context.Context, rr types.RawRequest) (*types.RawResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(rr.Method))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return nil, types.ValidationErrorf("unsupported HTTP method %q", rr.Method)
	}
	if strings.TrimSpace(rr.Path) == "" {
		return nil, types.ValidationErrorf("raw request path is required")
	}
	if u, err := url.Parse(rr.Path); err == nil && u.IsAbs() {
		base, _ := url.Parse(b.client.BaseURL())
		if !strings.EqualFold(u.Host, base.Host) {
			return nil, types.ValidationErrorf("raw request path must stay on %s", base.Host)
		}
	}

	req := &transport.Request{Method: method, Path: rr.Path, Body: rr.Body}
	if len(rr.Query) > 0 {
		req.Query = url.Values{}
		for k, v := range rr.Query {
			req.Query.Set(k, v)
		}
	}
	if len(rr.Header) > 0 {
		req.Header = http.Header{}
		for k, v := range rr.Header {
			req.Header.Set(k, v)
		}
	}

	resp, err := b.do(ctx, "raw_request", req)
	if err != nil {
		return nil, err
	}
	out := &types.RawResponse{Status: resp.Status, Body: types.DecodeBody(resp.Body)}
	if len(resp.Header) > 0 {
		out.Header = make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			out.Header[k] = resp.Header.Get(k)
		}
	}
	return out, nil
}

// emulatedAggregate is the shared Aggregate path for backends, or
// requests, without native support.
func (b *base) emulatedAggregate(ctx context.Context, q querier, spec types.AggregateSpec) (*types.AggregateResult, error) {
	return emulateAggregate(ctx, q, spec, b.limits.AggregateRowCap)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// checkIdent rejects field names that are not plain identifiers so they
// can be spliced into native query text.
func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return types.TranslationErrorf("field name %q is not a valid identifier", name)
	}
	return nil
}

// splitFilters separates filters the backend can express from those that
// must be evaluated client-side.
func splitFilters(filters []types.FilterExpression, clientOnly func(types.FilterExpression) bool) (native, post []types.FilterExpression) {
	for _, f := range filters {
		if clientOnly(f) {
			post = append(post, f)
		} else {
			native = append(native, f)
		}
	}
	return native, post
}

func containsOp(ops []types.Operator, op types.Operator) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func operatorsOf(filters []types.FilterExpression) []types.Operator {
	var out []types.Operator
	for _, f := range filters {
		if !containsOp(out, f.Op) {
			out = append(out, f.Op)
		}
	}
	return out
}

// clientSide is the TranslateFilter error for emulated operators.
func clientSide(system types.SystemKind, op types.Operator) error {
	return types.WrapError(types.KindTranslation, ErrClientSide, "%s cannot express %s natively", system, op)
}

// normalizeValue converts decoded JSON into plain Go values: json.Number
// becomes int64 when integral, otherwise float64.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	}
	return v
}

// toRecord normalizes a decoded row, dropping the named metadata keys at
// every nesting level.
func toRecord(row map[string]any, drop ...string) types.Record {
	out := make(types.Record, len(row))
	for k, v := range row {
		if containsString(drop, k) {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			out[k] = map[string]any(toRecord(m, drop...))
			continue
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// formatNumber renders a numeric operand without exponent notation.
func formatNumber(v any) (string, bool) {
	switch t := v.(type) {
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float32:
		return formatFloat(float64(t)), true
	case float64:
		return formatFloat(t), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func scalarString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := formatNumber(v); ok {
		return n
	}
	return fmt.Sprint(v)
}

// lastPathSegment returns the final path element of a URL or path.
func lastPathSegment(s string) string {
	s = strings.TrimRight(s, "/")
	if u, err := url.Parse(s); err == nil {
		s = u.Path
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if un, err := url.PathUnescape(s); err == nil {
		return un
	}
	return s
}

// projection returns the requested fields, falling back to every field of
// the descriptor.
func projection(spec types.QuerySpec) []string {
	if len(spec.Fields) > 0 {
		return spec.Fields
	}
	return spec.Descriptor.FieldNames()
}

// fieldType returns the normalized type of field, or "" when unknown.
func fieldType(desc *types.EntityDescriptor, field string) types.FieldType {
	if f, ok := desc.Field(field); ok {
		return f.Type
	}
	return ""
}

// nativeType returns the backend's own type name for field, or "".
func nativeType(desc *types.EntityDescriptor, field string) string {
	if f, ok := desc.Field(field); ok {
		return f.NativeType
	}
	return ""
}

// sortFields orders fields by name for backends that describe them in map
// order.
func sortFields(fields []types.FieldDescriptor) {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
}
