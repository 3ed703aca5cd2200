package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/entbridge/pkg/types"
)

// field resolves name against desc, case-insensitively.
func field(desc *types.EntityDescriptor, name string) (*types.FieldDescriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.ValidationErrorf("empty field name on %s", desc.Name)
	}
	fd, ok := desc.Field(name)
	if !ok {
		return nil, types.ValidationErrorf("unknown field %q on %s", name, desc.Name)
	}
	return fd, nil
}

// validateFilters checks every expression against the descriptor and
// coerces its operand to the field's type.
func validateFilters(desc *types.EntityDescriptor, filters []types.FilterExpression) ([]types.FilterExpression, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	out := make([]types.FilterExpression, 0, len(filters))
	for _, f := range filters {
		if !f.Op.IsValid() {
			return nil, types.ValidationErrorf("unknown filter operator %q on %s", f.Op, f.Field)
		}
		fd, err := field(desc, f.Field)
		if err != nil {
			return nil, err
		}
		if !fd.Filterable {
			return nil, types.ValidationErrorf("field %s on %s is not filterable", fd.Name, desc.Name)
		}
		expr, err := types.NewFilter(fd.Name, f.Op, f.Value)
		if err != nil {
			return nil, err
		}
		expr, err = expr.Coerce(fd.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, nil
}

// validateQuery returns spec with defaults applied, names canonicalized and
// the descriptor attached. clamped reports that Limit was lowered to
// maxLimit.
func validateQuery(spec types.QuerySpec, desc *types.EntityDescriptor, maxLimit int) (types.QuerySpec, bool, error) {
	spec = spec.WithDefaults()
	spec.Entity = desc.Name

	if len(spec.Fields) > 0 {
		seen := make(map[string]bool, len(spec.Fields))
		fields := make([]string, 0, len(spec.Fields))
		for _, name := range spec.Fields {
			fd, err := field(desc, name)
			if err != nil {
				return spec, false, err
			}
			if !seen[fd.Name] {
				seen[fd.Name] = true
				fields = append(fields, fd.Name)
			}
		}
		spec.Fields = fields
	}

	filters, err := validateFilters(desc, spec.Filters)
	if err != nil {
		return spec, false, err
	}
	spec.Filters = filters

	if len(spec.Sort) > 0 {
		sorts := make([]types.SortField, 0, len(spec.Sort))
		for _, s := range spec.Sort {
			fd, err := field(desc, s.Field)
			if err != nil {
				return spec, false, err
			}
			if !fd.Sortable {
				return spec, false, types.ValidationErrorf("field %s on %s is not sortable", fd.Name, desc.Name)
			}
			sorts = append(sorts, types.SortField{Field: fd.Name, Desc: s.Desc})
		}
		spec.Sort = sorts
	}

	clamped := false
	if maxLimit > 0 && spec.Limit > maxLimit {
		spec.Limit = maxLimit
		clamped = true
	}
	spec.Descriptor = desc
	return spec, clamped, nil
}

// validateAggregate checks the function, its field and the group-by list.
func validateAggregate(spec types.AggregateSpec, desc *types.EntityDescriptor) (types.AggregateSpec, error) {
	spec.Function = types.AggregateFunction(strings.ToLower(string(spec.Function)))
	if !spec.Function.IsValid() {
		return spec, types.ValidationErrorf("unsupported aggregate function %q (want count, sum, avg, min or max)", spec.Function)
	}
	spec.Entity = desc.Name

	if spec.Field == "" && spec.Function != types.AggCount {
		return spec, types.ValidationErrorf("%s needs a field", spec.Function)
	}
	if spec.Field != "" {
		fd, err := field(desc, spec.Field)
		if err != nil {
			return spec, err
		}
		if spec.Function.Numeric() && fd.Type != types.FieldNumber {
			return spec, types.ValidationErrorf("%s needs a numeric field; %s is %s", spec.Function, fd.Name, fd.Type)
		}
		spec.Field = fd.Name
	}

	if len(spec.GroupBy) > 0 {
		groups := make([]string, 0, len(spec.GroupBy))
		for _, g := range spec.GroupBy {
			fd, err := field(desc, g)
			if err != nil {
				return spec, err
			}
			groups = append(groups, fd.Name)
		}
		spec.GroupBy = groups
	}

	filters, err := validateFilters(desc, spec.Filters)
	if err != nil {
		return spec, err
	}
	spec.Filters = filters
	spec.Descriptor = desc
	return spec, nil
}

// validateWrite checks create and update payloads. Field names come back
// in the backend's casing.
func validateWrite(desc *types.EntityDescriptor, fields types.Record) (types.Record, error) {
	if len(fields) == 0 {
		return nil, types.ValidationErrorf("no fields to write on %s", desc.Name)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(types.Record, len(fields))
	var readOnly []string
	for _, k := range keys {
		fd, err := field(desc, k)
		if err != nil {
			return nil, err
		}
		if fd.ReadOnly {
			readOnly = append(readOnly, fd.Name)
			continue
		}
		out[fd.Name] = fields[k]
	}
	if len(readOnly) > 0 {
		return nil, types.ValidationErrorf("read-only fields on %s: %s", desc.Name, strings.Join(readOnly, ", "))
	}
	return out, nil
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return types.ValidationErrorf("record id is required")
	}
	return nil
}

func clampReason(limit int) string {
	return fmt.Sprintf("limit clamped to %d", limit)
}
