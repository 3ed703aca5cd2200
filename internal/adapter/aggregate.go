package adapter

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/scrypster/entbridge/pkg/types"
)

// querier is the part of an adapter emulation needs.
type querier interface {
	Query(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error)
}

// emulateAggregate fetches the matching rows, projected to the aggregate
// field and group-by fields, and reduces them in memory. Fetching more than
// rowCap rows, or a client-side filter scan stopping early, fails with an
// AggregateCap error instead of returning a result computed over a
// truncated set.
func emulateAggregate(ctx context.Context, q querier, spec types.AggregateSpec, rowCap int) (*types.AggregateResult, error) {
	fields := append([]string{}, spec.GroupBy...)
	if spec.Field != "" && !containsString(fields, spec.Field) {
		fields = append(fields, spec.Field)
	}
	if len(fields) == 0 && spec.Descriptor != nil && spec.Descriptor.KeyField != "" {
		fields = []string{spec.Descriptor.KeyField}
	}

	res, err := q.Query(ctx, types.QuerySpec{
		Entity:     spec.Entity,
		Fields:     fields,
		Filters:    spec.Filters,
		Limit:      rowCap,
		Descriptor: spec.Descriptor,
	})
	if err != nil {
		return nil, err
	}
	var e *types.Error
	switch {
	case res.Partial:
		e = types.NewError(types.KindAggregateCap,
			"%s over %s is incomplete: %s; narrow the filters or raise the emulation scan cap",
			spec.Function, spec.Entity, res.PartialReason)
	case res.HasMore:
		e = types.NewError(types.KindAggregateCap,
			"%s over %s matches more than %d rows; narrow the filters or raise the aggregate row cap",
			spec.Function, spec.Entity, rowCap)
	}
	if e != nil {
		e.Operation = "aggregate"
		return nil, e
	}

	out, err := reduceAggregate(spec, res.Records)
	if err != nil {
		return nil, err
	}
	out.Emulated = true
	out.NativeQuery = res.NativeQuery
	return out, nil
}

// reduceAggregate computes spec over records.
func reduceAggregate(spec types.AggregateSpec, records []types.Record) (*types.AggregateResult, error) {
	out := &types.AggregateResult{Function: spec.Function, Field: spec.Field, RecordCount: len(records)}

	if len(spec.GroupBy) == 0 {
		v, err := reduce(spec, records)
		if err != nil {
			return nil, err
		}
		out.Value = v
		return out, nil
	}

	type bucket struct {
		key  map[string]any
		rows []types.Record
	}
	buckets := map[string]*bucket{}
	var order []string
	for _, r := range records {
		key := make(map[string]any, len(spec.GroupBy))
		for _, g := range spec.GroupBy {
			key[g] = valueOf(r, g)
		}
		k := groupKey(spec.GroupBy, key)
		b, ok := buckets[k]
		if !ok {
			b = &bucket{key: key}
			buckets[k] = b
			order = append(order, k)
		}
		b.rows = append(b.rows, r)
	}
	sort.Strings(order)

	for _, k := range order {
		b := buckets[k]
		v, err := reduce(spec, b.rows)
		if err != nil {
			return nil, err
		}
		out.Groups = append(out.Groups, types.AggregateGroup{Key: b.key, Value: v, RecordCount: len(b.rows)})
	}
	return out, nil
}

func reduce(spec types.AggregateSpec, rows []types.Record) (any, error) {
	if spec.Function == types.AggCount && spec.Field == "" {
		return int64(len(rows)), nil
	}

	var (
		n       int64
		sum     float64
		allInts = true
		best    any
	)
	for _, r := range rows {
		v := valueOf(r, spec.Field)
		if v == nil {
			continue
		}
		n++
		switch spec.Function {
		case types.AggSum, types.AggAvg:
			f, ok := types.ToFloat(v)
			if !ok {
				return nil, types.NewError(types.KindValidation, "field %s has non-numeric value %v", spec.Field, v)
			}
			if _, isInt := v.(int64); !isInt {
				allInts = false
			}
			sum += f
		case types.AggMin:
			if best == nil || less(v, best) {
				best = v
			}
		case types.AggMax:
			if best == nil || less(best, v) {
				best = v
			}
		}
	}

	switch spec.Function {
	case types.AggCount:
		return n, nil
	case types.AggSum:
		if n == 0 {
			return nil, nil
		}
		if allInts {
			return int64(sum), nil
		}
		return sum, nil
	case types.AggAvg:
		if n == 0 {
			return nil, nil
		}
		return sum / float64(n), nil
	default:
		return best, nil
	}
}

// less orders numbers numerically and everything else as strings, which
// is chronological for ISO dates.
func less(a, b any) bool {
	if af, ok := types.ToFloat(a); ok {
		if bf, ok := types.ToFloat(b); ok {
			return af < bf
		}
	}
	return scalarString(a) < scalarString(b)
}

func valueOf(r types.Record, field string) any {
	if v, ok := r[field]; ok {
		return v
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return v
		}
	}
	return nil
}

func groupKey(fields []string, key map[string]any) string {
	vals := make([]any, len(fields))
	for i, f := range fields {
		vals[i] = key[f]
	}
	data, _ := json.Marshal(vals)
	return string(data)
}

// nativeGroups converts rows from a native GROUP BY query into result
// groups. valueKey and countKey name the aggregate and row-count columns.
func nativeGroups(spec types.AggregateSpec, rows []types.Record, valueKey, countKey string) *types.AggregateResult {
	out := &types.AggregateResult{Function: spec.Function, Field: spec.Field}
	total := 0
	for _, r := range rows {
		cnt := 0
		if c, ok := types.ToFloat(valueOf(r, countKey)); ok {
			cnt = int(c)
		}
		total += cnt
		if len(spec.GroupBy) == 0 {
			out.Value = valueOf(r, valueKey)
			continue
		}
		key := make(map[string]any, len(spec.GroupBy))
		for _, g := range spec.GroupBy {
			key[g] = valueOf(r, g)
		}
		out.Groups = append(out.Groups, types.AggregateGroup{Key: key, Value: valueOf(r, valueKey), RecordCount: cnt})
	}
	out.RecordCount = total
	if len(spec.GroupBy) == 0 && spec.Function == types.AggCount && out.Value == nil {
		out.Value = int64(0)
	}
	return out
}
