package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scrypster/entbridge/internal/transport"
	"github.com/scrypster/entbridge/pkg/types"
)

// soql is the Salesforce REST adapter. Every operator is native.
type soql struct {
	base
	root string // /services/data/vNN.N
}

func newSOQL(b base) *soql {
	v := b.profile.APIVersion("v59.0")
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return &soql{base: b, root: "/services/data/" + v}
}

func (a *soql) EmulatedOperators() []types.Operator { return nil }

func (a *soql) Ping(ctx context.Context) error {
	var out map[string]any
	return a.getJSON(ctx, "ping", a.root+"/", nil, &out)
}

type sfGlobalDescribe struct {
	SObjects []struct {
		Name      string `json:"name"`
		Label     string `json:"label"`
		Queryable bool   `json:"queryable"`
	} `json:"sobjects"`
}

func (a *soql) ListEntities(ctx context.Context) ([]types.EntityDescriptor, error) {
	var body sfGlobalDescribe
	if err := a.getJSON(ctx, "list_entities", a.root+"/sobjects", nil, &body); err != nil {
		return nil, err
	}
	out := make([]types.EntityDescriptor, 0, len(body.SObjects))
	for _, s := range body.SObjects {
		if !s.Queryable {
			continue
		}
		out = append(out, types.EntityDescriptor{Name: s.Name, Label: s.Label, NativeName: s.Name})
	}
	return out, nil
}

type sfDescribe struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Fields []struct {
		Name              string   `json:"name"`
		Label             string   `json:"label"`
		Type              string   `json:"type"`
		Nillable          bool     `json:"nillable"`
		Filterable        bool     `json:"filterable"`
		Sortable          bool     `json:"sortable"`
		Updateable        bool     `json:"updateable"`
		Createable        bool     `json:"createable"`
		DefaultedOnCreate bool     `json:"defaultedOnCreate"`
		ReferenceTo       []string `json:"referenceTo"`
		InlineHelpText    string   `json:"inlineHelpText"`
		PicklistValues    []struct {
			Value  string `json:"value"`
			Active bool   `json:"active"`
		} `json:"picklistValues"`
	} `json:"fields"`
}

func (a *soql) DescribeEntity(ctx context.Context, entity string) (*types.EntityDescriptor, error) {
	if err := checkIdent(entity); err != nil {
		return nil, types.ValidationErrorf("invalid entity name %q", entity)
	}
	var body sfDescribe
	if err := a.getJSON(ctx, "describe_entity", a.root+"/sobjects/"+entity+"/describe", nil, &body); err != nil {
		return nil, err
	}
	desc := &types.EntityDescriptor{Name: body.Name, Label: body.Label, NativeName: body.Name, KeyField: "Id"}
	for _, f := range body.Fields {
		fd := types.FieldDescriptor{
			Name:        f.Name,
			Label:       f.Label,
			Type:        sfFieldType(f.Type),
			NativeType:  f.Type,
			Nullable:    f.Nillable,
			Filterable:  f.Filterable,
			Sortable:    f.Sortable,
			ReadOnly:    !f.Updateable && !f.Createable,
			Required:    !f.Nillable && f.Createable && !f.DefaultedOnCreate,
			ReferenceTo: f.ReferenceTo,
			Description: f.InlineHelpText,
		}
		for _, p := range f.PicklistValues {
			if p.Active {
				fd.PicklistValues = append(fd.PicklistValues, p.Value)
			}
		}
		desc.Fields = append(desc.Fields, fd)
	}
	return desc, nil
}

func sfFieldType(t string) types.FieldType {
	switch t {
	case "int", "double", "currency", "percent", "long":
		return types.FieldNumber
	case "boolean":
		return types.FieldBoolean
	case "date", "datetime":
		return types.FieldDate
	case "reference":
		return types.FieldReference
	default:
		return types.FieldString
	}
}

var soqlOps = map[types.Operator]string{
	types.OpEq:  "=",
	types.OpNe:  "!=",
	types.OpGt:  ">",
	types.OpGte: ">=",
	types.OpLt:  "<",
	types.OpLte: "<=",
}

// TranslateFilter renders a SOQL WHERE predicate. SOQL comparisons treat
// null as a value, so != matches null rows and LIKE is case-insensitive.
func (a *soql) TranslateFilter(f types.FilterExpression) (string, error) {
	return a.translate(f, "")
}

// translate renders f for a field of the given Salesforce type, which may
// be empty when the entity's schema is not at hand.
func (a *soql) translate(f types.FilterExpression, native string) (string, error) {
	if native != "" && f.Type == types.FieldDate {
		f = sfDateOperands(f, native)
	}
	if err := checkIdent(f.Field); err != nil {
		return "", err
	}
	switch f.Op {
	case types.OpNull:
		if want, _ := f.Value.(bool); want {
			return f.Field + " = null", nil
		}
		return f.Field + " != null", nil
	case types.OpLike:
		return fmt.Sprintf("%s LIKE '%%%s%%'", f.Field, soqlEscapeLike(scalarString(f.Value))), nil
	case types.OpIn:
		list, _ := f.Value.([]any)
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = soqlLiteral(v, f.Type)
		}
		return fmt.Sprintf("%s IN (%s)", f.Field, strings.Join(parts, ", ")), nil
	}
	sym, ok := soqlOps[f.Op]
	if !ok {
		return "", types.TranslationErrorf("unsupported operator %q", f.Op)
	}
	return fmt.Sprintf("%s %s %s", f.Field, sym, soqlLiteral(f.Value, f.Type)), nil
}

func soqlLiteral(v any, ft types.FieldType) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		if ft == types.FieldDate {
			// Date and datetime literals are unquoted in SOQL.
			return t
		}
		return "'" + soqlEscape(t) + "'"
	}
	if n, ok := formatNumber(v); ok {
		return n
	}
	return "'" + soqlEscape(fmt.Sprint(v)) + "'"
}

// sfDateOperands reshapes date operands for the field's native type: a
// datetime field only compares against a zoned timestamp and a date field
// only against a day.
func sfDateOperands(f types.FilterExpression, native string) types.FilterExpression {
	conv := func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		t, ok := types.ParseDate(s)
		if !ok {
			return v
		}
		switch native {
		case "datetime":
			return t.Format(time.RFC3339)
		case "date":
			return t.Format("2006-01-02")
		}
		return v
	}
	switch list := f.Value.(type) {
	case []any:
		out := make([]any, len(list))
		for i, v := range list {
			out[i] = conv(v)
		}
		f.Value = out
	default:
		f.Value = conv(f.Value)
	}
	return f
}

func soqlEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return r.Replace(s)
}

func soqlEscapeLike(s string) string {
	return strings.NewReplacer(`%`, `\%`, `_`, `\_`).Replace(soqlEscape(s))
}

func (a *soql) where(filters []types.FilterExpression, desc *types.EntityDescriptor) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		p, err := a.translate(f, nativeType(desc, f.Field))
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

// BuildQuery renders the full SOQL statement for spec. The statement asks
// for one row beyond the limit so the caller can tell whether more exist.
func (a *soql) BuildQuery(spec types.QuerySpec) (string, error) {
	if err := checkIdent(spec.Entity); err != nil {
		return "", types.ValidationErrorf("invalid entity name %q", spec.Entity)
	}
	fields := projection(spec)
	if len(fields) == 0 {
		fields = []string{"Id"}
	}
	for _, f := range fields {
		if err := checkIdent(f); err != nil {
			return "", err
		}
	}
	where, err := a.where(spec.Filters, spec.Descriptor)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", strings.Join(fields, ", "), spec.Entity, where)
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
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, " LIMIT %d", spec.Limit+1)
	if spec.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", spec.Offset)
	}
	return b.String(), nil
}

type sfQueryResponse struct {
	TotalSize      int64            `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

func (a *soql) Query(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error) {
	spec = spec.WithDefaults()
	stmt, err := a.BuildQuery(spec)
	if err != nil {
		return nil, err
	}

	res, err := collect(ctx, collectOptions{limit: spec.Limit}, func(ctx context.Context, cursor string, _ int) (*page, error) {
		body, err := a.runQuery(ctx, "query", stmt, cursor)
		if err != nil {
			return nil, err
		}
		pg := &page{total: -1}
		for _, r := range body.Records {
			pg.records = append(pg.records, toRecord(r, "attributes"))
		}
		if !body.Done {
			pg.next = body.NextRecordsURL
		}
		return pg, nil
	})
	if err != nil {
		return nil, err
	}
	res.NativeQuery = stmt
	return res, nil
}

func (a *soql) runQuery(ctx context.Context, op, stmt, cursor string) (*sfQueryResponse, error) {
	var body sfQueryResponse
	if cursor != "" {
		if err := a.getJSON(ctx, op, cursor, nil, &body); err != nil {
			return nil, err
		}
		return &body, nil
	}
	if err := a.getJSON(ctx, op, a.root+"/query", url.Values{"q": {stmt}}, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

func (a *soql) recordPath(entity, id string) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid entity name %q", entity)
	}
	if strings.TrimSpace(id) == "" {
		return "", types.ValidationErrorf("record id is required")
	}
	return a.root + "/sobjects/" + entity + "/" + url.PathEscape(id), nil
}

func (a *soql) GetRecord(ctx context.Context, entity, id string) (types.Record, error) {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := a.getJSON(ctx, "get_record", path, nil, &row); err != nil {
		return nil, err
	}
	return toRecord(row, "attributes"), nil
}

func (a *soql) CreateRecord(ctx context.Context, entity string, fields types.Record) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid entity name %q", entity)
	}
	resp, err := a.do(ctx, "create_record", &transport.Request{
		Method: http.MethodPost,
		Path:   a.root + "/sobjects/" + entity,
		Body:   fields,
	})
	if err != nil {
		return "", err
	}
	var body struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
		Errors  []any  `json:"errors"`
	}
	if err := resp.JSON(&body); err != nil {
		return "", err
	}
	if !body.Success || body.ID == "" {
		return "", types.NewError(types.KindBackend, "create %s failed: %v", entity, body.Errors)
	}
	return body.ID, nil
}

func (a *soql) UpdateRecord(ctx context.Context, entity, id string, fields types.Record) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "update_record", &transport.Request{Method: http.MethodPatch, Path: path, Body: fields})
	return err
}

func (a *soql) DeleteRecord(ctx context.Context, entity, id string) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "delete_record", &transport.Request{Method: http.MethodDelete, Path: path})
	return err
}

// Aggregate runs a native SOQL aggregate unless the profile forces
// emulation.
func (a *soql) Aggregate(ctx context.Context, spec types.AggregateSpec) (*types.AggregateResult, error) {
	if a.profile.EmulateAggregates() {
		return a.emulatedAggregate(ctx, a, spec)
	}
	stmt, err := a.buildAggregate(spec)
	if err != nil {
		return nil, err
	}

	var rows []types.Record
	cursor := ""
	for {
		body, err := a.runQuery(ctx, "aggregate", stmt, cursor)
		if err != nil {
			return nil, err
		}
		for _, r := range body.Records {
			rows = append(rows, toRecord(r, "attributes"))
		}
		if body.Done || body.NextRecordsURL == "" {
			break
		}
		cursor = body.NextRecordsURL
	}

	out := nativeGroups(spec, rows, "value", "cnt")
	out.NativeQuery = stmt
	return out, nil
}

func (a *soql) buildAggregate(spec types.AggregateSpec) (string, error) {
	if err := checkIdent(spec.Entity); err != nil {
		return "", types.ValidationErrorf("invalid entity name %q", spec.Entity)
	}
	arg := spec.Field
	if arg == "" {
		arg = "Id"
	}
	if err := checkIdent(arg); err != nil {
		return "", err
	}
	for _, g := range spec.GroupBy {
		if err := checkIdent(g); err != nil {
			return "", err
		}
	}
	where, err := a.where(spec.Filters, spec.Descriptor)
	if err != nil {
		return "", err
	}

	sel := append([]string{}, spec.GroupBy...)
	sel = append(sel, fmt.Sprintf("%s(%s) value", strings.ToUpper(string(spec.Function)), arg), "COUNT(Id) cnt")
	stmt := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(sel, ", "), spec.Entity, where)
	if len(spec.GroupBy) > 0 {
		stmt += " GROUP BY " + strings.Join(spec.GroupBy, ", ")
	}
	return stmt, nil
}
