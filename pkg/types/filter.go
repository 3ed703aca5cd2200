package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Operator is a filter comparison operator.
type Operator string

// Filter operators. Conjunction across expressions is always AND.
const (
	OpEq   Operator = "eq"
	OpNe   Operator = "ne"
	OpGt   Operator = "gt"
	OpGte  Operator = "gte"
	OpLt   Operator = "lt"
	OpLte  Operator = "lte"
	OpIn   Operator = "in"
	OpLike Operator = "like"
	OpNull Operator = "null"
)

// Operators lists every operator in wire-suffix order.
var Operators = []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpLike, OpNull}

// IsValid reports whether op is a known operator.
func (op Operator) IsValid() bool {
	for _, o := range Operators {
		if op == o {
			return true
		}
	}
	return false
}

// Ordered reports whether op is a range comparison.
func (op Operator) Ordered() bool {
	return op == OpGt || op == OpGte || op == OpLt || op == OpLte
}

// FilterExpression is one (field, operator, operand) triple.
//
// For OpIn the Value is a []any, for OpNull it is a bool where true means
// "field is null", and for everything else it is a scalar. Type is the
// normalized type of the field, stamped after schema validation so that
// adapters can format literals; it is empty on unvalidated expressions.
type FilterExpression struct {
	Field string    `json:"field"`
	Op    Operator  `json:"op"`
	Value any       `json:"value"`
	Type  FieldType `json:"type,omitempty"`
}

func (f FilterExpression) String() string {
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

// ParseFilterKey splits a wire filter key such as "Amount__gte" into its
// field and operator. Keys without a recognised operator suffix are equality
// tests on the whole key, so custom field names like "Region__c" survive.
func ParseFilterKey(key string) (string, Operator) {
	idx := strings.LastIndex(key, "__")
	if idx <= 0 {
		return key, OpEq
	}
	op := Operator(key[idx+2:])
	if op == OpEq || !op.IsValid() {
		return key, OpEq
	}
	return key[:idx], op
}

// ParseFilters converts the wire filter map into expressions ordered by key.
// Operand shapes are checked here; operand types are checked against the
// schema later by Coerce.
func ParseFilters(filters map[string]any) ([]FilterExpression, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]FilterExpression, 0, len(keys))
	for _, key := range keys {
		field, op := ParseFilterKey(key)
		if strings.TrimSpace(field) == "" {
			return nil, ValidationErrorf("filter %q has no field name", key)
		}
		expr, err := NewFilter(field, op, filters[key])
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, nil
}

// NewFilter builds a FilterExpression, checking the operand shape for op.
func NewFilter(field string, op Operator, value any) (FilterExpression, error) {
	expr := FilterExpression{Field: field, Op: op}
	switch op {
	case OpIn:
		list, ok := toList(value)
		if !ok {
			return expr, ValidationErrorf("filter %s__in needs a list operand, got %T", field, value)
		}
		if len(list) == 0 {
			return expr, ValidationErrorf("filter %s__in needs at least one value", field)
		}
		for _, v := range list {
			if !isScalar(v) {
				return expr, ValidationErrorf("filter %s__in contains a non-scalar value %T", field, v)
			}
		}
		expr.Value = list
	case OpNull:
		b, ok := toBool(value)
		if !ok {
			return expr, ValidationErrorf("filter %s__null needs a boolean operand, got %v", field, value)
		}
		expr.Value = b
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpLike:
		if value == nil {
			return expr, ValidationErrorf("filter %s__%s has a null operand; use %s__null", field, op, field)
		}
		if !isScalar(value) {
			return expr, ValidationErrorf("filter %s__%s needs a scalar operand, got %T", field, op, value)
		}
		expr.Value = value
	default:
		return expr, ValidationErrorf("unknown filter operator %q", op)
	}
	return expr, nil
}

// Coerce converts the operand to the representation for field type ft and
// stamps ft onto the expression. Numbers become int64 or float64, booleans
// become bool, and dates are validated and kept as their ISO string.
func (f FilterExpression) Coerce(ft FieldType) (FilterExpression, error) {
	f.Type = ft
	switch f.Op {
	case OpNull:
		return f, nil
	case OpLike:
		s, ok := f.Value.(string)
		if !ok {
			s = fmt.Sprint(f.Value)
		}
		f.Value = s
		return f, nil
	case OpIn:
		list := f.Value.([]any)
		coerced := make([]any, len(list))
		for i, v := range list {
			c, err := CoerceValue(v, ft)
			if err != nil {
				return f, ValidationErrorf("filter %s__in value %d: %v", f.Field, i, err)
			}
			coerced[i] = c
		}
		f.Value = coerced
		return f, nil
	default:
		if ft == FieldBoolean && f.Op.Ordered() {
			return f, ValidationErrorf("filter %s__%s: boolean fields support only eq and ne", f.Field, f.Op)
		}
		c, err := CoerceValue(f.Value, ft)
		if err != nil {
			return f, ValidationErrorf("filter %s__%s: %v", f.Field, f.Op, err)
		}
		f.Value = c
		return f, nil
	}
}

// CoerceValue converts a single scalar to the representation for ft.
func CoerceValue(v any, ft FieldType) (any, error) {
	switch ft {
	case FieldNumber:
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return n, nil
	case FieldBoolean:
		b, ok := toBool(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a boolean", v)
		}
		return b, nil
	case FieldDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339), nil
		case string:
			if _, ok := ParseDate(t); !ok {
				return nil, fmt.Errorf("%q is not an ISO date or timestamp", t)
			}
			return t, nil
		default:
			return nil, fmt.Errorf("%v is not a date", v)
		}
	default:
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		default:
			return fmt.Sprint(v), nil
		}
	}
}

// Match evaluates the expression against a record in memory.
//
// A missing or null field value never satisfies eq, ordered comparisons,
// in or like, and always satisfies ne.
func (f FilterExpression) Match(r Record) bool {
	v, present := lookup(r, f.Field)
	if f.Op == OpNull {
		want, _ := f.Value.(bool)
		return (!present || v == nil) == want
	}
	if !present || v == nil {
		return f.Op == OpNe
	}
	switch f.Op {
	case OpEq:
		return compare(v, f.Value) == 0
	case OpNe:
		return compare(v, f.Value) != 0
	case OpGt:
		return compare(v, f.Value) > 0
	case OpGte:
		return compare(v, f.Value) >= 0
	case OpLt:
		c := compare(v, f.Value)
		return c < 0 && c != incomparable
	case OpLte:
		c := compare(v, f.Value)
		return c <= 0 && c != incomparable
	case OpIn:
		list, _ := f.Value.([]any)
		for _, item := range list {
			if compare(v, item) == 0 {
				return true
			}
		}
		return false
	case OpLike:
		return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(f.Value)))
	}
	return false
}

// MatchAll reports whether r satisfies every expression.
func MatchAll(r Record, filters []FilterExpression) bool {
	for _, f := range filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}

// ParseDate parses the date and timestamp layouts backends return.
func ParseDate(s string) (time.Time, bool) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05.000Z0700",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"1/2/2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

const incomparable = math.MinInt32

func lookup(r Record, field string) (any, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

// compare orders a record value against an operand: numerically when both
// are numbers, chronologically when both are dates, otherwise as strings.
func compare(a, b any) int {
	if an, ok := toFloat(a); ok {
		if bn, ok := toFloat(b); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := toBool(b)
		if !ok {
			return incomparable
		}
		if ab == bb {
			return 0
		}
		if !ab {
			return -1
		}
		return 1
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	if at, ok := ParseDate(as); ok {
		if bt, ok := ParseDate(bs); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(as, bs)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case string:
		parts := strings.Split(t, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "t":
			return true, true
		case "false", "0", "no", "f":
			return false, true
		}
	case float64:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	case int:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	}
	return false, false
}

// toNumber returns an int64 when the value is integral and fits, otherwise a
// float64.
func toNumber(v any) (any, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), true
		}
		return int64(t), true
	case float32:
		return toNumber(float64(t))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t), true
		}
		return t, true
	case json.Number:
		return toNumber(t.String())
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return nil, false
}

// ToFloat converts a numeric record value or numeric string to float64.
func ToFloat(v any) (float64, bool) { return toFloat(v) }

func toFloat(v any) (float64, bool) {
	n, ok := toNumber(v)
	if !ok {
		return 0, false
	}
	switch t := n.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
