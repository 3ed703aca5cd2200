package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/entbridge/internal/transport"
	"github.com/scrypster/entbridge/pkg/types"
)

// odata is the SAP Gateway OData v2 adapter. Every operator is native;
// aggregates other than an unfiltered-or-filtered row count are emulated.
type odata struct {
	base
	root string // service root, e.g. /sap/opu/odata/sap/API_BUSINESS_PARTNER
}

func newOData(b base) *odata {
	service := b.profile.Options.String("service", "")
	root := b.profile.Options.String("service_path", "/sap/opu/odata/sap/"+service)
	return &odata{base: b, root: strings.TrimRight(root, "/")}
}

func (a *odata) EmulatedOperators() []types.Operator { return nil }

func (a *odata) Ping(ctx context.Context) error {
	var out map[string]any
	return a.getJSON(ctx, "ping", a.root+"/", url.Values{"$format": {"json"}}, &out)
}

func (a *odata) ListEntities(ctx context.Context) ([]types.EntityDescriptor, error) {
	var body struct {
		D struct {
			EntitySets []string `json:"EntitySets"`
		} `json:"d"`
	}
	if err := a.getJSON(ctx, "list_entities", a.root+"/", url.Values{"$format": {"json"}}, &body); err != nil {
		return nil, err
	}
	out := make([]types.EntityDescriptor, 0, len(body.D.EntitySets))
	for _, name := range body.D.EntitySets {
		out = append(out, types.EntityDescriptor{Name: name, NativeName: name})
	}
	return out, nil
}

func (a *odata) DescribeEntity(ctx context.Context, entity string) (*types.EntityDescriptor, error) {
	resp, err := a.do(ctx, "describe_entity", &transport.Request{
		Method: http.MethodGet,
		Path:   a.root + "/$metadata",
		Header: http.Header{"Accept": {"application/xml"}},
	})
	if err != nil {
		return nil, err
	}
	doc, err := parseMetadata(resp.Body)
	if err != nil {
		return nil, err
	}
	desc, ok := doc.describe(entity)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "entity set %s not found in service %s", entity, a.root)
	}
	return desc, nil
}

var odataOps = map[types.Operator]string{
	types.OpEq:  "eq",
	types.OpNe:  "ne",
	types.OpGt:  "gt",
	types.OpGte: "ge",
	types.OpLt:  "lt",
	types.OpLte: "le",
}

// TranslateFilter renders a $filter predicate using the normalized field
// type only. Query uses the descriptor's Edm types for typed literals.
func (a *odata) TranslateFilter(f types.FilterExpression) (string, error) {
	return a.translate(f, "")
}

func (a *odata) translate(f types.FilterExpression, edmType string) (string, error) {
	if err := checkIdent(f.Field); err != nil {
		return "", err
	}
	field := strings.ReplaceAll(f.Field, ".", "/")
	switch f.Op {
	case types.OpNull:
		if want, _ := f.Value.(bool); want {
			return field + " eq null", nil
		}
		return field + " ne null", nil
	case types.OpLike:
		v := strings.ToLower(scalarString(f.Value))
		return fmt.Sprintf("substringof('%s',tolower(%s))", odataEscape(v), field), nil
	case types.OpIn:
		list, _ := f.Value.([]any)
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = fmt.Sprintf("%s eq %s", field, odataLiteral(v, f.Type, edmType))
		}
		if len(parts) == 1 {
			return parts[0], nil
		}
		return "(" + strings.Join(parts, " or ") + ")", nil
	}
	sym, ok := odataOps[f.Op]
	if !ok {
		return "", types.TranslationErrorf("unsupported operator %q", f.Op)
	}
	return fmt.Sprintf("%s %s %s", field, sym, odataLiteral(f.Value, f.Type, edmType)), nil
}

func odataEscape(s string) string { return strings.ReplaceAll(s, "'", "''") }

// odataLiteral renders v as an OData v2 literal. edmType, when known,
// selects typed suffixes such as 10.5M for Edm.Decimal.
func odataLiteral(v any, ft types.FieldType, edmType string) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case string:
		if ft == types.FieldDate {
			if ts, ok := types.ParseDate(t); ok {
				if edmType == "Edm.DateTimeOffset" {
					return "datetimeoffset'" + ts.UTC().Format(time.RFC3339) + "'"
				}
				return "datetime'" + ts.Format("2006-01-02T15:04:05") + "'"
			}
		}
		if edmType == "Edm.Guid" {
			return "guid'" + odataEscape(t) + "'"
		}
		return "'" + odataEscape(t) + "'"
	}
	n, ok := formatNumber(v)
	if !ok {
		return "'" + odataEscape(fmt.Sprint(v)) + "'"
	}
	switch edmType {
	case "Edm.Decimal":
		return n + "M"
	case "Edm.Double":
		return n + "d"
	case "Edm.Single":
		return n + "f"
	case "Edm.Int64":
		return n + "L"
	}
	return n
}

func (a *odata) filterClause(spec types.QuerySpec, filters []types.FilterExpression) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		native := ""
		if fd, ok := spec.Descriptor.Field(f.Field); ok {
			native = fd.NativeType
		}
		p, err := a.translate(f, native)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " and "), nil
}

// BuildQuery returns the entity set path and system query options for
// spec, without paging options.
func (a *odata) BuildQuery(spec types.QuerySpec) (string, url.Values, error) {
	if err := checkIdent(spec.Entity); err != nil {
		return "", nil, types.ValidationErrorf("invalid entity set name %q", spec.Entity)
	}
	q := url.Values{"$format": {"json"}, "$inlinecount": {"allpages"}}

	filter, err := a.filterClause(spec, spec.Filters)
	if err != nil {
		return "", nil, err
	}
	if filter != "" {
		q.Set("$filter", filter)
	}
	if len(spec.Fields) > 0 {
		for _, f := range spec.Fields {
			if err := checkIdent(f); err != nil {
				return "", nil, err
			}
		}
		q.Set("$select", strings.Join(spec.Fields, ","))
	}
	if len(spec.Sort) > 0 {
		parts := make([]string, len(spec.Sort))
		for i, s := range spec.Sort {
			if err := checkIdent(s.Field); err != nil {
				return "", nil, err
			}
			parts[i] = s.Field
			if s.Desc {
				parts[i] += " desc"
			}
		}
		q.Set("$orderby", strings.Join(parts, ","))
	}
	return a.root + "/" + spec.Entity, q, nil
}

type odataCollection struct {
	Results []map[string]any `json:"results"`
	Count   json.Number      `json:"__count"`
	Next    string           `json:"__next"`
}

// decodeCollection accepts both the {"d":{"results":[...]}} and the older
// {"d":[...]} payload shapes.
func decodeCollection(resp *transport.Response) (*odataCollection, error) {
	var env struct {
		D json.RawMessage `json:"d"`
	}
	if err := resp.JSON(&env); err != nil {
		return nil, err
	}
	var out odataCollection
	trimmed := strings.TrimSpace(string(env.D))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(env.D, &out.Results); err != nil {
			return nil, types.WrapError(types.KindBackend, err, "decode OData collection")
		}
		return &out, nil
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, types.WrapError(types.KindBackend, err, "decode OData collection")
	}
	return &out, nil
}

func (a *odata) Query(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error) {
	spec = spec.WithDefaults()
	path, q, err := a.BuildQuery(spec)
	if err != nil {
		return nil, err
	}
	maxPage := a.profile.Options.Int("page_size", 1000)
	fetched := 0

	res, err := collect(ctx, collectOptions{limit: spec.Limit}, func(ctx context.Context, cursor string, size int) (*page, error) {
		req := &transport.Request{Method: http.MethodGet}
		if strings.HasPrefix(cursor, "next:") {
			req.Path = strings.TrimPrefix(cursor, "next:")
			if !strings.HasPrefix(req.Path, "/") && !strings.Contains(req.Path, "://") {
				// __next may be relative to the service root.
				req.Path = a.root + "/" + req.Path
			}
			if !strings.Contains(req.Path, "$format=") {
				req.Query = url.Values{"$format": {"json"}}
			}
		} else {
			if size > maxPage {
				size = maxPage
			}
			pq := url.Values{}
			for k, v := range q {
				pq[k] = v
			}
			pq.Set("$top", strconv.Itoa(size))
			if skip := spec.Offset + fetched; skip > 0 {
				pq.Set("$skip", strconv.Itoa(skip))
			}
			req.Path, req.Query = path, pq
		}

		resp, err := a.do(ctx, "query", req)
		if err != nil {
			return nil, err
		}
		coll, err := decodeCollection(resp)
		if err != nil {
			return nil, err
		}

		pg := &page{total: -1}
		if n, err := coll.Count.Int64(); err == nil {
			pg.total = n
		}
		for _, r := range coll.Results {
			pg.records = append(pg.records, a.normalize(r, spec.Descriptor))
		}
		fetched += len(pg.records)

		switch {
		case coll.Next != "":
			pg.next = "next:" + coll.Next
		case pg.total >= 0 && int64(spec.Offset+fetched) < pg.total && len(pg.records) > 0:
			// The server capped $top without a __next link.
			pg.next = "skip"
		}
		return pg, nil
	})
	if err != nil {
		return nil, err
	}
	res.NativeQuery = path + "?" + transport.EncodeQuery(q)
	return res, nil
}

var odataDateRe = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

// normalize strips OData bookkeeping, converts /Date(ms)/ values to
// RFC 3339 and numeric strings of number fields to numbers.
func (a *odata) normalize(row map[string]any, desc *types.EntityDescriptor) types.Record {
	out := make(types.Record, len(row))
	for k, v := range row {
		if k == "__metadata" {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			if _, deferred := m["__deferred"]; deferred {
				continue
			}
		}
		if s, ok := v.(string); ok {
			if m := odataDateRe.FindStringSubmatch(s); m != nil {
				ms, _ := strconv.ParseInt(m[1], 10, 64)
				out[k] = time.UnixMilli(ms).UTC().Format(time.RFC3339)
				continue
			}
			if fieldType(desc, k) == types.FieldNumber {
				if n, err := types.CoerceValue(s, types.FieldNumber); err == nil {
					out[k] = n
					continue
				}
			}
		}
		out[k] = normalizeValue(v)
	}
	return out
}

// keyPredicate renders id as an OData key predicate. An id already in
// parentheses, such as (CompanyCode='1010',FiscalYear='2024'), is used
// verbatim.
func keyPredicate(id string) string {
	if strings.HasPrefix(id, "(") && strings.HasSuffix(id, ")") {
		return id
	}
	return "('" + url.PathEscape(odataEscape(id)) + "')"
}

func (a *odata) recordPath(entity, id string) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid entity set name %q", entity)
	}
	if strings.TrimSpace(id) == "" {
		return "", types.ValidationErrorf("record id is required")
	}
	return a.root + "/" + entity + keyPredicate(id), nil
}

func (a *odata) GetRecord(ctx context.Context, entity, id string) (types.Record, error) {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return nil, err
	}
	var body struct {
		D map[string]any `json:"d"`
	}
	if err := a.getJSON(ctx, "get_record", path, url.Values{"$format": {"json"}}, &body); err != nil {
		return nil, err
	}
	return a.normalize(body.D, nil), nil
}

func (a *odata) CreateRecord(ctx context.Context, entity string, fields types.Record) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", types.ValidationErrorf("invalid entity set name %q", entity)
	}
	resp, err := a.do(ctx, "create_record", &transport.Request{
		Method: http.MethodPost,
		Path:   a.root + "/" + entity,
		Body:   fields,
	})
	if err != nil {
		return "", err
	}
	var body struct {
		D struct {
			Metadata struct {
				URI string `json:"uri"`
			} `json:"__metadata"`
		} `json:"d"`
	}
	if err := resp.JSON(&body); err != nil {
		return "", err
	}
	uri := body.D.Metadata.URI
	if uri == "" {
		uri = resp.Header.Get("Location")
	}
	id := keyFromURI(uri)
	if id == "" {
		return "", types.NewError(types.KindBackend, "create %s returned no entity uri", entity)
	}
	return id, nil
}

// keyFromURI extracts the key from ".../Set('123')" as 123, or the full
// predicate for composite keys.
func keyFromURI(uri string) string {
	open := strings.LastIndex(uri, "(")
	end := strings.LastIndex(uri, ")")
	if open < 0 || end <= open {
		return ""
	}
	key, err := url.PathUnescape(uri[open+1 : end])
	if err != nil {
		key = uri[open+1 : end]
	}
	if strings.Contains(key, "=") {
		return "(" + key + ")"
	}
	if len(key) >= 2 && key[0] == '\'' && key[len(key)-1] == '\'' {
		key = strings.ReplaceAll(key[1:len(key)-1], "''", "'")
	}
	return key
}

func (a *odata) UpdateRecord(ctx context.Context, entity, id string, fields types.Record) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "update_record", &transport.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   fields,
		Header: http.Header{"X-Http-Method": {"MERGE"}},
	})
	return err
}

func (a *odata) DeleteRecord(ctx context.Context, entity, id string) error {
	path, err := a.recordPath(entity, id)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, "delete_record", &transport.Request{Method: http.MethodDelete, Path: path})
	return err
}

// Aggregate uses /$count for plain row counts and emulates the rest.
func (a *odata) Aggregate(ctx context.Context, spec types.AggregateSpec) (*types.AggregateResult, error) {
	if a.profile.EmulateAggregates() || spec.Function != types.AggCount || spec.Field != "" || len(spec.GroupBy) > 0 {
		return a.emulatedAggregate(ctx, a, spec)
	}
	if err := checkIdent(spec.Entity); err != nil {
		return nil, types.ValidationErrorf("invalid entity set name %q", spec.Entity)
	}

	q := url.Values{}
	filter, err := a.filterClause(types.QuerySpec{Descriptor: spec.Descriptor}, spec.Filters)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		q.Set("$filter", filter)
	}
	path := a.root + "/" + spec.Entity + "/$count"
	resp, err := a.do(ctx, "aggregate", &transport.Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  q,
		Header: http.Header{"Accept": {"text/plain"}},
	})
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(resp.Body)), 10, 64)
	if err != nil {
		return nil, types.WrapError(types.KindBackend, err, "parse $count reply %q", string(resp.Body))
	}
	native := path
	if len(q) > 0 {
		native += "?" + transport.EncodeQuery(q)
	}
	return &types.AggregateResult{
		Function:    spec.Function,
		Value:       n,
		RecordCount: int(n),
		NativeQuery: native,
	}, nil
}
