package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/scrypster/entbridge/internal/transport"
	"github.com/scrypster/entbridge/pkg/types"
)

const (
	suiteqlPath     = "/services/rest/query/v1/suiteql"
	nsRecordPath    = "/services/rest/record/v1"
	suiteqlPageSize = 1000
)

// suiteql is the NetSuite adapter: SuiteQL for reads and aggregates, the
// REST record service for single-record operations and schema.
type suiteql struct {
	base
}

func newSuiteQL(b base) *suiteql { return &suiteql{base: b} }

func (a *suiteql) EmulatedOperators() []types.Operator { return nil }

func (a *suiteql) Ping(ctx context.Context) error {
	_, err := a.run(ctx, "ping", "SELECT 1 AS ok FROM DUAL", 1, 0)
	return err
}

func (a *suiteql) ListEntities(ctx context.Context) ([]types.EntityDescriptor, error) {
	var body struct {
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
	}
	if err := a.getJSON(ctx, "list_entities", nsRecordPath+"/metadata-catalog", nil, &body); err != nil {
		return nil, err
	}
	out := make([]types.EntityDescriptor, 0, len(body.Items))
	for _, it := range body.Items {
		out = append(out, types.EntityDescriptor{Name: it.Name, NativeName: it.Name})
	}
	return out, nil
}

type nsSchema struct {
	Title      string                `json:"title"`
	Properties map[string]nsProperty `json:"properties"`
	Required   []string              `json:"required"`
}

type nsProperty struct {
	Type        string   `json:"type"`
	Format      string   `json:"format"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Nullable    bool     `json:"nullable"`
	ReadOnly    bool     `json:"readOnly"`
	Ref         string   `json:"$ref"`
	Enum        []string `json:"enum"`
}

func (a *suiteql) DescribeEntity(ctx context.Context, entity string) (*types.EntityDescriptor, error) {
	if err := checkIdent(entity); err != nil {
		return nil, types.ValidationErrorf("invalid record type %q", entity)
	}
	resp, err := a.do(ctx, "describe_entity", &transport.Request{
		Method: http.MethodGet,
		Path:   nsRecordPath + "/metadata-catalog/" + strings.ToLower(entity),
		Header: http.Header{"Accept": {"application/schema+json"}},
	})
	if err != nil {
		return nil, err
	}
	var body nsSchema
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}

	desc := &types.EntityDescriptor{
		Name:       strings.ToLower(entity),
		Label:      firstNonEmpty(body.Title, entity),
		NativeName: strings.ToLower(entity),
		KeyField:   "id",
	}
	for name, p := range body.Properties {
		fd := types.FieldDescriptor{
			Name:           name,
			Label:          firstNonEmpty(p.Title, name),
			Type:           nsFieldType(p),
			NativeType:     firstNonEmpty(p.Format, p.Type),
			Nullable:       p.Nullable || !containsString(body.Required, name),
			Filterable:     p.Type != "array",
			Sortable:       p.Type != "array" && p.Type != "object",
			ReadOnly:       p.ReadOnly,
			Required:       containsString(body.Required, name),
			PicklistValues: p.Enum,
			Description:    p.Description,
		}
		if p.Type == "object" || p.Ref != "" {
			fd.Type = types.FieldReference
			if p.Ref != "" {
				fd.ReferenceTo = []string{lastPathSegment(p.Ref)}
			}
		}
		desc.Fields = append(desc.Fields, fd)
	}
	sortFields(desc.Fields)
	return desc, nil
}

func nsFieldType(p nsProperty) types.FieldType {
	switch p.Type {
	case "integer", "number":
		return types.FieldNumber
	case "boolean":
		return types.FieldBoolean
	}
	if p.Format == "date" || p.Format == "date-time" {
		return types.FieldDate
	}
	return types.FieldString
}

var suiteqlOps = map[types.Operator]string{
	types.OpEq:  "=",
	types.OpGt:  ">",
	types.OpGte: ">=",
	types.OpLt:  "<",
	types.OpLte: "<=",
}

// TranslateFilter renders a SuiteQL WHERE predicate. Oracle comparisons
// exclude nulls, so ne adds an explicit IS NULL branch to keep null rows.
func (a *suiteql) TranslateFilter(f types.FilterExpression) (string, error) {
	if err := checkIdent(f.Field); err != nil {
		return "", err
	}
	switch f.Op {
	case types.OpNull:
		if want, _ := f.Value.(bool); want {
			return f.Field + " IS NULL", nil
		}
		return f.Field + " IS NOT NULL", nil
	case types.OpNe:
		return fmt.Sprintf("(%s <> %s OR %s IS NULL)", f.Field, sqlLiteral(f.Value, f.Type), f.Field), nil
	case types.OpLike:
		return sqlLike(f.Field, scalarString(f.Value)), nil
	case types.OpIn:
		list, _ := f.Value.([]any)
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = sqlLiteral(v, f.Type)
		}
		return fmt.Sprintf("%s IN (%s)", f.Field, strings.Join(parts, ", ")), nil
	}
	sym, ok := suiteqlOps[f.Op]
	if !ok {
		return "", types.TranslationErrorf("unsupported operator %q", f.Op)
	}
	return fmt.Sprintf("%s %s %s", f.Field, sym, sqlLiteral(f.Value, f.Type)), nil
}

// sqlLike renders a case-insensitive substring match.
func sqlLike(field, v string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
	pat := "'%" + sqlEscape(esc) + "%'"
	if esc != v {
		return fmt.Sprintf(`UPPER(%s) LIKE UPPER(%s) ESCAPE '\'`, field, pat)
	}
	return fmt.Sprintf("UPPER(%s) LIKE UPPER(%s)", field, pat)
}

func sqlEscape(s string) string { return strings.ReplaceAll(s, "'", "''") }

// sqlLiteral renders an Oracle-dialect literal. Booleans are NetSuite's
// 'T' and 'F' checkbox values.
func sqlLiteral(v any, ft types.FieldType) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "'T'"
		}
		return "'F'"
	case string:
		if ft == types.FieldDate {
			if ts, ok := types.ParseDate(t); ok {
				if ts.Hour() == 0 && ts.Minute() == 0 && ts.Second() == 0 {
					return fmt.Sprintf("TO_DATE('%s', 'YYYY-MM-DD')", ts.Format("2006-01-02"))
				}
				return fmt.Sprintf("TO_TIMESTAMP('%s', 'YYYY-MM-DD HH24:MI:SS')", ts.UTC().Format("2006-01-02 15:04:05"))
			}
		}
		return "'" + sqlEscape(t) + "'"
	}
	if n, ok := formatNumber(v); ok {
		return n
	}
	return "'" + sqlEscape(fmt.Sprint(v)) + "'"
}

func (a *suiteql) where(filters []types.FilterExpression) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		p, err := a.TranslateFilter(f)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

// BuildQuery renders the SuiteQL statement for spec. Paging is carried in
// the request URL, not the statement.
func (a *suiteql) BuildQuery(spec types.QuerySpec) (string, error) {
	if err := checkIdent(spec.Entity); err != nil {
		return "", types.ValidationErrorf("invalid record type %q", spec.Entity)
	}
	cols := "*"
	if len(spec.Fields) > 0 {
		for _, f := range spec.Fields {
			if err := checkIdent(f); err != nil {
				return "", err
			}
		}
		cols = strings.Join(spec.Fields, ", ")
	}
	where, err := a.where(spec.Filters)
	if err != nil {
		return "", err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s%s", cols, spec.Entity, where)
	if len(spec.Sort) > 0 {
		parts := make([]string, len(spec.Sort))
		for i, s := range spec.Sort {
			if err := checkIdent(s.Field); err != nil {
				return "", err
			}
			parts[i] = s.Field
			if s.Desc {
				parts[i] += " DESC"
			}
		}
		stmt += " ORDER BY " + strings.Join(parts, ", ")
	}
	return stmt, nil
}

type nsQueryResponse struct {
	Items        []map[string]any `json:"items"`
	HasMore      bool             `json:"hasMore"`
	TotalResults int64            `json:"totalResults"`
	Offset       int              `json:"offset"`
	Count        int              `json:"count"`
}

// run posts one SuiteQL page.
func (a *suiteql) run(ctx context.Context, op, stmt string, limit, offset int) (*nsQueryResponse, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	resp, err := a.do(ctx, op, &transport.Request{
		Method: http.MethodPost,
		Path:   suiteqlPath,
		Query:  q,
		Body:   map[string]string{"q": stmt},
		Header: http.Header{"Prefer": {"transient"}},
	})
	if err != nil {
		return nil, err
	}
	var body nsQueryResponse
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Query pages with a fixed page size because SuiteQL offsets must be a
// multiple of the limit. Rows before the requested offset on the first
// page are dropped here.
func (a *suiteql) Query(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error) {
	spec = spec.WithDefaults()
	stmt, err := a.BuildQuery(spec)
	if err != nil {
		return nil, err
	}
	size := spec.Limit + 1
	if size > suiteqlPageSize {
		size = suiteqlPageSize
	}
	start := spec.Offset / size * size
	drop := spec.Offset - start

	res, err := collect(ctx, collectOptions{limit: spec.Limit}, func(ctx context.Context, cursor string, _ int) (*page, error) {
		offset := start
		if cursor != "" {
			offset, _ = strconv.Atoi(cursor)
		}
		body, err := a.run(ctx, "query", stmt, size, offset)
		if err != nil {
			return nil, err
		}
		pg := &page{total: body.TotalResults}
		for _, it := range body.Items {
			pg.records = append(pg.records, a.normalize(it, spec))
		}
		if cursor == "" && drop > 0 {
			if drop > len(pg.records) {
				drop = len(pg.records)
			}
			pg.records = pg.records[drop:]
		}
		if body.HasMore {
			pg.next = strconv.Itoa(offset + size)
		}
		return pg, nil
	})
	if err != nil {
		return nil, err
	}
	res.NativeQuery = stmt
	return res, nil
}

// normalize drops links, restores the requested field-name casing that
// SuiteQL lowercases, and converts numeric strings of number fields.
func (a *suiteql) normalize(item map[string]any, spec types.QuerySpec) types.Record {
	names := map[string]string{}
	for _, f := range spec.Fields {
		names[strings.ToLower(f)] = f
	}
	if spec.Descriptor != nil {
		for _, f := range spec.Descriptor.Fields {
			if _, ok := names[strings.ToLower(f.Name)]; !ok {
				names[strings.ToLower(f.Name)] = f.Name
			}
		}
	}
	row := toRecord(item, "links")
	out := make(types.Record, len(row))
	for k, v := range row {
		name := k
		if n, ok := names[strings.ToLower(k)]; ok {
			name = n
		}
		if s, ok := v.(string); ok && fieldType(spec.Descriptor, name) == types.FieldNumber {
			if n, err := types.CoerceValue(s, types.FieldNumber); err == nil {
				v = n
			}
		}
		out[name] = v
	}
	return out
}

func (a *suiteql) recordPath(entity, id string) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid record type %q", entity)
	}
	if strings.TrimSpace(id) == "" {
		return "", types.ValidationErrorf("record id is required")
	}
	return nsRecordPath + "/" + strings.ToLower(entity) + "/" + url.PathEscape(id), nil
}

func (a *suiteql) GetRecord(ctx context.Context, entity, id string) (types.Record, error) {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := a.getJSON(ctx, "get_record", path, nil, &row); err != nil {
		return nil, err
	}
	return toRecord(row, "links"), nil
}

// CreateRecord returns the internal id from the Location header of the
// 204 reply.
func (a *suiteql) CreateRecord(ctx context.Context, entity string, fields types.Record) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid record type %q", entity)
	}
	resp, err := a.do(ctx, "create_record", &transport.Request{
		Method: http.MethodPost,
		Path:   nsRecordPath + "/" + strings.ToLower(entity),
		Body:   fields,
	})
	if err != nil {
		return "", err
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", types.NewError(types.KindBackend, "create %s returned no Location header", entity)
	}
	return lastPathSegment(loc), nil
}

func (a *suiteql) UpdateRecord(ctx context.Context, entity, id string, fields types.Record) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "update_record", &transport.Request{Method: http.MethodPatch, Path: path, Body: fields})
	return err
}

func (a *suiteql) DeleteRecord(ctx context.Context, entity, id string) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "delete_record", &transport.Request{Method: http.MethodDelete, Path: path})
	return err
}

// Aggregate runs a native GROUP BY statement unless the profile forces
// emulation.
func (a *suiteql) Aggregate(ctx context.Context, spec types.AggregateSpec) (*types.AggregateResult, error) {
	if a.profile.EmulateAggregates() {
		return a.emulatedAggregate(ctx, a, spec)
	}
	stmt, err := a.buildAggregate(spec)
	if err != nil {
		return nil, err
	}

	var rows []types.Record
	offset := 0
	for {
		body, err := a.run(ctx, "aggregate", stmt, suiteqlPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, it := range body.Items {
			row := toRecord(it, "links")
			if n, err := types.CoerceValue(row["value"], types.FieldNumber); err == nil {
				row["value"] = n
			}
			rows = append(rows, row)
		}
		if !body.HasMore {
			break
		}
		offset += suiteqlPageSize
	}

	out := nativeGroups(spec, rows, "value", "cnt")
	out.NativeQuery = stmt
	return out, nil
}

func (a *suiteql) buildAggregate(spec types.AggregateSpec) (string, error) {
	if err := checkIdent(spec.Entity); err != nil {
		return "", types.ValidationErrorf("invalid record type %q", spec.Entity)
	}
	arg := "*"
	if spec.Field != "" {
		if err := checkIdent(spec.Field); err != nil {
			return "", err
		}
		arg = spec.Field
	}
	for _, g := range spec.GroupBy {
		if err := checkIdent(g); err != nil {
			return "", err
		}
	}
	where, err := a.where(spec.Filters)
	if err != nil {
		return "", err
	}
	sel := append([]string{}, spec.GroupBy...)
	sel = append(sel, fmt.Sprintf("%s(%s) AS value", strings.ToUpper(string(spec.Function)), arg), "COUNT(*) AS cnt")
	stmt := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(sel, ", "), spec.Entity, where)
	if len(spec.GroupBy) > 0 {
		stmt += " GROUP BY " + strings.Join(spec.GroupBy, ", ")
	}
	return stmt, nil
}
