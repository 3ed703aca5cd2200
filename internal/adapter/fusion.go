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
	fusionMaxPage  = 500
	fusionItemType = "application/vnd.oracle.adf.resourceitem+json"
)

// fusionEmulated lists the operators the q parameter never expresses.
var fusionEmulated = []types.Operator{types.OpIn}

// fusionClientOnly reports whether f is evaluated after fetching. Besides
// IN, a LIKE operand holding % or _ stays client-side because q offers no
// escape for them.
func fusionClientOnly(f types.FilterExpression) bool {
	if containsOp(fusionEmulated, f.Op) {
		return true
	}
	return f.Op == types.OpLike && strings.ContainsAny(scalarString(f.Value), "%_")
}

// fusion is the Oracle Fusion Cloud REST adapter.
type fusion struct {
	base
	root string // /fscmRestApi/resources/<version>
}

func newFusion(b base) *fusion {
	root := b.profile.Options.String("resource_path", "/fscmRestApi/resources/"+b.profile.APIVersion("latest"))
	return &fusion{base: b, root: strings.TrimRight(root, "/")}
}

func (a *fusion) EmulatedOperators() []types.Operator { return fusionEmulated }

func (a *fusion) Ping(ctx context.Context) error {
	var out map[string]any
	return a.getJSON(ctx, "ping", a.root, url.Values{"onlyData": {"true"}, "limit": {"1"}}, &out)
}

func (a *fusion) ListEntities(ctx context.Context) ([]types.EntityDescriptor, error) {
	var body struct {
		Items []struct {
			Name  string `json:"name"`
			Title string `json:"title"`
		} `json:"items"`
		Links []struct {
			Rel  string `json:"rel"`
			Name string `json:"name"`
		} `json:"links"`
	}
	if err := a.getJSON(ctx, "list_entities", a.root, nil, &body); err != nil {
		return nil, err
	}
	var out []types.EntityDescriptor
	for _, it := range body.Items {
		if it.Name != "" {
			out = append(out, types.EntityDescriptor{Name: it.Name, Label: it.Title, NativeName: it.Name})
		}
	}
	if len(out) == 0 {
		for _, l := range body.Links {
			if l.Rel == "child" && l.Name != "" {
				out = append(out, types.EntityDescriptor{Name: l.Name, NativeName: l.Name})
			}
		}
	}
	return out, nil
}

type fusionResource struct {
	Title      string            `json:"title"`
	Attributes []fusionAttribute `json:"attributes"`
}

type fusionAttribute struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Updatable  bool   `json:"updatable"`
	Mandatory  bool   `json:"mandatory"`
	Queryable  *bool  `json:"queryable"`
	Annotation struct {
		Description string `json:"description"`
	} `json:"annotations"`
}

func (a *fusion) DescribeEntity(ctx context.Context, entity string) (*types.EntityDescriptor, error) {
	if err := checkIdent(entity); err != nil {
		return nil, types.ValidationErrorf("invalid resource name %q", entity)
	}
	var body struct {
		Resources map[string]fusionResource `json:"Resources"`
		fusionResource
	}
	if err := a.getJSON(ctx, "describe_entity", a.root+"/"+entity+"/describe", nil, &body); err != nil {
		return nil, err
	}
	res := body.fusionResource
	for name, r := range body.Resources {
		if strings.EqualFold(name, entity) {
			res = r
			break
		}
	}
	if len(res.Attributes) == 0 {
		return nil, types.NewError(types.KindNotFound, "resource %s has no describable attributes", entity)
	}

	desc := &types.EntityDescriptor{
		Name:       entity,
		Label:      firstNonEmpty(res.Title, entity),
		NativeName: entity,
		KeyField:   a.profile.Options.String("key_field", ""),
	}
	for _, at := range res.Attributes {
		queryable := at.Queryable == nil || *at.Queryable
		desc.Fields = append(desc.Fields, types.FieldDescriptor{
			Name:        at.Name,
			Label:       firstNonEmpty(at.Title, at.Name),
			Type:        fusionFieldType(at.Type),
			NativeType:  at.Type,
			Nullable:    !at.Mandatory,
			Filterable:  queryable,
			Sortable:    queryable,
			ReadOnly:    !at.Updatable,
			Required:    at.Mandatory,
			Description: at.Annotation.Description,
		})
	}
	return desc, nil
}

func fusionFieldType(t string) types.FieldType {
	switch strings.ToLower(t) {
	case "integer", "number", "decimal", "bigdecimal", "long", "double":
		return types.FieldNumber
	case "boolean":
		return types.FieldBoolean
	case "date", "datetime", "timestamp":
		return types.FieldDate
	default:
		return types.FieldString
	}
}

var fusionOps = map[types.Operator]string{
	types.OpEq:  "=",
	types.OpGt:  ">",
	types.OpGte: ">=",
	types.OpLt:  "<",
	types.OpLte: "<=",
}

// TranslateFilter renders one row-match expression of the q parameter.
func (a *fusion) TranslateFilter(f types.FilterExpression) (string, error) {
	if err := checkIdent(f.Field); err != nil {
		return "", err
	}
	switch f.Op {
	case types.OpIn:
		return "", clientSide(types.SystemOracle, f.Op)
	case types.OpNull:
		if want, _ := f.Value.(bool); want {
			return f.Field + " IS NULL", nil
		}
		return f.Field + " IS NOT NULL", nil
	case types.OpNe:
		return fmt.Sprintf("(%s != %s OR %s IS NULL)", f.Field, fusionLiteral(f.Value), f.Field), nil
	case types.OpLike:
		if fusionClientOnly(f) {
			return "", clientSide(types.SystemOracle, f.Op)
		}
		v := strings.ToUpper(scalarString(f.Value))
		return fmt.Sprintf("UPPER(%s) LIKE '%%%s%%'", f.Field, sqlEscape(v)), nil
	}
	sym, ok := fusionOps[f.Op]
	if !ok {
		return "", types.TranslationErrorf("unsupported operator %q", f.Op)
	}
	return fmt.Sprintf("%s %s %s", f.Field, sym, fusionLiteral(f.Value)), nil
}

func fusionLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case string:
		return "'" + sqlEscape(t) + "'"
	}
	if n, ok := formatNumber(v); ok {
		return n
	}
	return "'" + sqlEscape(fmt.Sprint(v)) + "'"
}

func (a *fusion) qParam(filters []types.FilterExpression) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		p, err := a.TranslateFilter(f)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " AND "), nil
}

// BuildQuery returns the collection path and query parameters for the
// natively expressible part of spec, without paging.
func (a *fusion) BuildQuery(spec types.QuerySpec) (string, url.Values, error) {
	if err := checkIdent(spec.Entity); err != nil {
		return "", nil, types.ValidationErrorf("invalid resource name %q", spec.Entity)
	}
	native, _ := splitFilters(spec.Filters, fusionClientOnly)
	q := url.Values{"onlyData": {"true"}, "totalResults": {"true"}}
	filter, err := a.qParam(native)
	if err != nil {
		return "", nil, err
	}
	if filter != "" {
		q.Set("q", filter)
	}
	if len(spec.Fields) > 0 {
		fields := append([]string{}, spec.Fields...)
		// Post filters need their fields in the projection.
		for _, f := range spec.Filters {
			if fusionClientOnly(f) && !containsString(fields, f.Field) {
				fields = append(fields, f.Field)
			}
		}
		for _, f := range fields {
			if err := checkIdent(f); err != nil {
				return "", nil, err
			}
		}
		q.Set("fields", strings.Join(fields, ","))
	}
	if len(spec.Sort) > 0 {
		parts := make([]string, len(spec.Sort))
		for i, s := range spec.Sort {
			if err := checkIdent(s.Field); err != nil {
				return "", nil, err
			}
			dir := "asc"
			if s.Desc {
				dir = "desc"
			}
			parts[i] = s.Field + ":" + dir
		}
		q.Set("orderBy", strings.Join(parts, ","))
	}
	return a.root + "/" + spec.Entity, q, nil
}

type fusionCollection struct {
	Items        []map[string]any `json:"items"`
	HasMore      bool             `json:"hasMore"`
	TotalResults *int64           `json:"totalResults"`
	Offset       int              `json:"offset"`
}

func (a *fusion) Query(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error) {
	spec = spec.WithDefaults()
	path, q, err := a.BuildQuery(spec)
	if err != nil {
		return nil, err
	}
	_, post := splitFilters(spec.Filters, fusionClientOnly)

	opts := collectOptions{limit: spec.Limit}
	start := spec.Offset
	if len(post) > 0 {
		// The offset counts matching rows, so it is applied after filtering.
		opts.offset, opts.post, opts.scanCap = spec.Offset, post, a.limits.EmulationScanCap
		start = 0
	}

	res, err := collect(ctx, opts, func(ctx context.Context, cursor string, size int) (*page, error) {
		offset := start
		if cursor != "" {
			offset, _ = strconv.Atoi(cursor)
		}
		if size > fusionMaxPage || len(post) > 0 {
			size = fusionMaxPage
		}
		pq := url.Values{}
		for k, v := range q {
			pq[k] = v
		}
		pq.Set("limit", strconv.Itoa(size))
		if offset > 0 {
			pq.Set("offset", strconv.Itoa(offset))
		}
		var body fusionCollection
		if err := a.getJSON(ctx, "query", path, pq, &body); err != nil {
			return nil, err
		}
		pg := &page{total: -1}
		if body.TotalResults != nil {
			pg.total = *body.TotalResults
		}
		for _, it := range body.Items {
			pg.records = append(pg.records, toRecord(it, "links"))
		}
		if body.HasMore {
			pg.next = strconv.Itoa(offset + len(body.Items))
		}
		return pg, nil
	})
	if err != nil {
		return nil, err
	}
	if len(post) > 0 {
		res.Emulated = operatorsOf(post)
		if len(spec.Fields) > 0 {
			for _, r := range res.Records {
				for k := range r {
					if !containsString(spec.Fields, k) {
						delete(r, k)
					}
				}
			}
		}
	}
	res.NativeQuery = path + "?" + transport.EncodeQuery(q)
	return res, nil
}

func (a *fusion) recordPath(entity, id string) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid resource name %q", entity)
	}
	if strings.TrimSpace(id) == "" {
		return "", types.ValidationErrorf("record id is required")
	}
	return a.root + "/" + entity + "/" + url.PathEscape(id), nil
}

func (a *fusion) GetRecord(ctx context.Context, entity, id string) (types.Record, error) {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := a.getJSON(ctx, "get_record", path, url.Values{"onlyData": {"true"}}, &row); err != nil {
		return nil, err
	}
	return toRecord(row, "links"), nil
}

// CreateRecord returns the resource key from the created item's self link.
func (a *fusion) CreateRecord(ctx context.Context, entity string, fields types.Record) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid resource name %q", entity)
	}
	resp, err := a.do(ctx, "create_record", &transport.Request{
		Method: http.MethodPost,
		Path:   a.root + "/" + entity,
		Body:   fields,
		Header: http.Header{"Content-Type": {fusionItemType}},
	})
	if err != nil {
		return "", err
	}
	var body struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := resp.JSON(&body); err != nil {
		return "", err
	}
	for _, l := range body.Links {
		if l.Rel == "self" && l.Href != "" {
			return lastPathSegment(l.Href), nil
		}
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		return lastPathSegment(loc), nil
	}
	return "", types.NewError(types.KindBackend, "create %s returned no self link", entity)
}

func (a *fusion) UpdateRecord(ctx context.Context, entity, id string, fields types.Record) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "update_record", &transport.Request{
		Method: http.MethodPatch,
		Path:   path,
		Body:   fields,
		Header: http.Header{"Content-Type": {fusionItemType}},
	})
	return err
}

func (a *fusion) DeleteRecord(ctx context.Context, entity, id string) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "delete_record", &transport.Request{Method: http.MethodDelete, Path: path})
	return err
}

// Aggregate reads totalResults for plain row counts and emulates the rest.
func (a *fusion) Aggregate(ctx context.Context, spec types.AggregateSpec) (*types.AggregateResult, error) {
	_, post := splitFilters(spec.Filters, fusionClientOnly)
	if a.profile.EmulateAggregates() || spec.Function != types.AggCount || spec.Field != "" ||
		len(spec.GroupBy) > 0 || len(post) > 0 {
		return a.emulatedAggregate(ctx, a, spec)
	}

	path, q, err := a.BuildQuery(types.QuerySpec{Entity: spec.Entity, Filters: spec.Filters})
	if err != nil {
		return nil, err
	}
	q.Set("limit", "1")
	var body fusionCollection
	if err := a.getJSON(ctx, "aggregate", path, q, &body); err != nil {
		return nil, err
	}
	if body.TotalResults == nil {
		return nil, types.NewError(types.KindBackend, "resource %s did not report totalResults", spec.Entity)
	}
	n := *body.TotalResults
	return &types.AggregateResult{
		Function:    spec.Function,
		Value:       n,
		RecordCount: int(n),
		NativeQuery: path + "?" + transport.EncodeQuery(q),
	}, nil
}
