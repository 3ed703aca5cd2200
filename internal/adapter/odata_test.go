package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bpMetadata = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx Version="1.0" xmlns:edmx="http://schemas.microsoft.com/ado/2007/06/edmx"
  xmlns:m="http://schemas.microsoft.com/ado/2007/08/dataservices/metadata"
  xmlns:sap="http://www.sap.com/Protocols/SAPData">
 <edmx:DataServices m:DataServiceVersion="2.0">
  <Schema Namespace="API_BUSINESS_PARTNER" xmlns="http://schemas.microsoft.com/ado/2008/09/edm">
   <EntityType Name="A_BusinessPartnerType" sap:label="Business Partner">
    <Key><PropertyRef Name="BusinessPartner"/></Key>
    <Property Name="BusinessPartner" Type="Edm.String" Nullable="false" MaxLength="10" sap:label="Business Partner" sap:updatable="false" sap:creatable="false"/>
    <Property Name="BusinessPartnerFullName" Type="Edm.String" MaxLength="81" sap:label="Name" sap:quickinfo="Full name of the partner"/>
    <Property Name="CreditLimit" Type="Edm.Decimal" Precision="15" Scale="2" sap:label="Credit Limit"/>
    <Property Name="CreationDate" Type="Edm.DateTime" Precision="0" sap:label="Created On" sap:display-format="Date"/>
    <Property Name="IsBlocked" Type="Edm.Boolean" sap:label="Blocked" sap:sortable="false"/>
    <Property Name="Photo" Type="Edm.Binary"/>
    <NavigationProperty Name="to_BusinessPartnerAddress" Relationship="API_BUSINESS_PARTNER.assoc_A" FromRole="FromRole_A" ToRole="ToRole_A_BusinessPartnerAddress"/>
   </EntityType>
   <EntityContainer Name="API_BUSINESS_PARTNER_Entities" m:IsDefaultEntityContainer="true">
    <EntitySet Name="A_BusinessPartner" EntityType="API_BUSINESS_PARTNER.A_BusinessPartnerType" sap:label="Business Partners"/>
   </EntityContainer>
  </Schema>
 </edmx:DataServices>
</edmx:Edmx>`

var bpOptions = connections.Options{"service": "API_BUSINESS_PARTNER"}

const bpRoot = "/sap/opu/odata/sap/API_BUSINESS_PARTNER"

func TestOData_DescribeParsesMetadata(t *testing.T) {
	a := newTestAdapter(t, types.SystemSAP, bpOptions, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, bpRoot+"/$metadata", r.URL.Path)
		assert.Equal(t, "application/xml", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, bpMetadata)
	})

	desc, err := a.DescribeEntity(context.Background(), "a_businesspartner")
	require.NoError(t, err)
	assert.Equal(t, "A_BusinessPartner", desc.Name)
	assert.Equal(t, "Business Partners", desc.Label)
	assert.Equal(t, "BusinessPartner", desc.KeyField)

	key, ok := desc.Field("BusinessPartner")
	require.True(t, ok)
	assert.True(t, key.ReadOnly)
	assert.True(t, key.Required)
	assert.False(t, key.Nullable)

	name, _ := desc.Field("BusinessPartnerFullName")
	assert.Equal(t, "Full name of the partner", name.Description)
	assert.Equal(t, "Name", name.Label)

	limit, _ := desc.Field("CreditLimit")
	assert.Equal(t, types.FieldNumber, limit.Type)
	assert.Equal(t, "Edm.Decimal", limit.NativeType)

	created, _ := desc.Field("CreationDate")
	assert.Equal(t, types.FieldDate, created.Type)

	blocked, _ := desc.Field("IsBlocked")
	assert.Equal(t, types.FieldBoolean, blocked.Type)
	assert.False(t, blocked.Sortable)
	assert.True(t, blocked.Filterable)

	photo, _ := desc.Field("Photo")
	assert.False(t, photo.Filterable)

	nav, _ := desc.Field("to_BusinessPartnerAddress")
	assert.Equal(t, types.FieldReference, nav.Type)
	assert.True(t, nav.ReadOnly)

	_, err = a.DescribeEntity(context.Background(), "A_Missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestOData_TranslateFilter(t *testing.T) {
	a := &odata{}
	cases := []struct {
		f    types.FilterExpression
		edm  string
		want string
	}{
		{filter("Name", types.OpEq, "O'Neil", types.FieldString), "", `Name eq 'O''Neil'`},
		{filter("Name", types.OpNe, "x", types.FieldString), "", `Name ne 'x'`},
		{filter("Name", types.OpLike, "Acme", types.FieldString), "", `substringof('acme',tolower(Name))`},
		{filter("Qty", types.OpGte, int64(10), types.FieldNumber), "", `Qty ge 10`},
		{filter("CreditLimit", types.OpGt, 1000.5, types.FieldNumber), "Edm.Decimal", `CreditLimit gt 1000.5M`},
		{filter("Weight", types.OpLt, 2.5, types.FieldNumber), "Edm.Double", `Weight lt 2.5d`},
		{filter("CreationDate", types.OpGte, "2024-01-31", types.FieldDate), "Edm.DateTime", `CreationDate ge datetime'2024-01-31T00:00:00'`},
		{filter("ChangedAt", types.OpLt, "2024-01-31T10:00:00Z", types.FieldDate), "Edm.DateTimeOffset", `ChangedAt lt datetimeoffset'2024-01-31T10:00:00Z'`},
		{filter("IsBlocked", types.OpEq, false, types.FieldBoolean), "", `IsBlocked eq false`},
		{filter("Country", types.OpIn, []any{"DE", "US"}, types.FieldString), "", `(Country eq 'DE' or Country eq 'US')`},
		{filter("Country", types.OpIn, []any{"DE"}, types.FieldString), "", `Country eq 'DE'`},
		{filter("Region", types.OpNull, true, types.FieldString), "", `Region eq null`},
		{filter("to_Address.City", types.OpEq, "Berlin", types.FieldString), "", `to_Address/City eq 'Berlin'`},
	}
	for _, tc := range cases {
		got, err := a.translate(tc.f, tc.edm)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestOData_QueryPagesWithNextLink(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	a := newTestAdapter(t, types.SystemSAP, bpOptions, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.RawQuery)
		mu.Unlock()
		q := r.URL.Query()
		if q.Get("$skiptoken") == "" {
			assert.Equal(t, "BusinessPartnerFullName desc", q.Get("$orderby"))
			assert.Equal(t, "CreditLimit gt 1000M", q.Get("$filter"))
			assert.Equal(t, "3", q.Get("$top"))
			assert.Equal(t, "allpages", q.Get("$inlinecount"))
			writeJSON(w, http.StatusOK, map[string]any{"d": map[string]any{
				"__count": "4",
				"__next":  "A_BusinessPartner?$skiptoken='2'",
				"results": []map[string]any{
					{"__metadata": map[string]any{"uri": "x"}, "BusinessPartner": "1", "CreditLimit": "5000.00",
						"CreationDate": "/Date(1706659200000)/", "to_BusinessPartnerAddress": map[string]any{"__deferred": map[string]any{"uri": "y"}}},
					{"BusinessPartner": "2", "CreditLimit": "2500.50"},
				},
			}})
			return
		}
		assert.Equal(t, "json", q.Get("$format"))
		writeJSON(w, http.StatusOK, map[string]any{"d": map[string]any{
			"results": []map[string]any{{"BusinessPartner": "3", "CreditLimit": "1200.00"}, {"BusinessPartner": "4", "CreditLimit": "1100.00"}},
		}})
	})

	desc := &types.EntityDescriptor{Name: "A_BusinessPartner", Fields: []types.FieldDescriptor{
		{Name: "BusinessPartner", Type: types.FieldString, NativeType: "Edm.String"},
		{Name: "CreditLimit", Type: types.FieldNumber, NativeType: "Edm.Decimal"},
		{Name: "CreationDate", Type: types.FieldDate, NativeType: "Edm.DateTime"},
	}}
	res, err := a.Query(context.Background(), types.QuerySpec{
		Entity:     "A_BusinessPartner",
		Filters:    []types.FilterExpression{filter("CreditLimit", types.OpGt, int64(1000), types.FieldNumber)},
		Sort:       []types.SortField{{Field: "BusinessPartnerFullName", Desc: true}},
		Limit:      2,
		Descriptor: desc,
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.True(t, res.HasMore)
	assert.Equal(t, int64(4), res.TotalCount)

	first := res.Records[0]
	assert.NotContains(t, first, "__metadata")
	assert.NotContains(t, first, "to_BusinessPartnerAddress")
	assert.Equal(t, "2024-01-31T00:00:00Z", first["CreationDate"])
	assert.Equal(t, 5000.0, first["CreditLimit"])
	assert.Equal(t, 2500.5, res.Records[1]["CreditLimit"])
	assert.Len(t, seen, 1, "limit reached on the first page")
}

func TestOData_CreateFetchesCSRFToken(t *testing.T) {
	var mu sync.Mutex
	var fetches, posts int
	a := newTestAdapter(t, types.SystemSAP, bpOptions, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.Header.Get("X-CSRF-Token") == "Fetch":
			fetches++
			assert.Equal(t, bpRoot+"/", r.URL.Path)
			http.SetCookie(w, &http.Cookie{Name: "SAP_SESSIONID", Value: "s1", Path: "/"})
			w.Header().Set("X-CSRF-Token", "csrf-1")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			posts++
			assert.Equal(t, "csrf-1", r.Header.Get("X-CSRF-Token"))
			if c, err := r.Cookie("SAP_SESSIONID"); assert.NoError(t, err) {
				assert.Equal(t, "s1", c.Value)
			}

			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Acme GmbH", body["BusinessPartnerFullName"])
			writeJSON(w, http.StatusCreated, map[string]any{"d": map[string]any{
				"__metadata":      map[string]any{"uri": "https://host" + bpRoot + "/A_BusinessPartner('1000042')"},
				"BusinessPartner": "1000042",
			}})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	id, err := a.CreateRecord(context.Background(), "A_BusinessPartner", types.Record{"BusinessPartnerFullName": "Acme GmbH"})
	require.NoError(t, err)
	assert.Equal(t, "1000042", id)
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, posts)
}

func TestOData_UpdateUsesMergeTunnel(t *testing.T) {
	var method, tunnel, path string
	a := newTestAdapter(t, types.SystemSAP, bpOptions, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") == "Fetch" {
			w.Header().Set("X-CSRF-Token", "t")
			return
		}
		method, tunnel, path = r.Method, r.Header.Get("X-HTTP-Method"), r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, a.UpdateRecord(context.Background(), "A_BusinessPartner", "O'Hara 1", types.Record{"IsBlocked": true}))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "MERGE", tunnel)
	assert.Equal(t, bpRoot+"/A_BusinessPartner('O''Hara 1')", path)
}

func TestOData_GetRecordNotFound(t *testing.T) {
	a := newTestAdapter(t, types.SystemSAP, bpOptions, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{
			"code":    "/IWBEP/CM_MGW_RT/020",
			"message": map[string]any{"lang": "en", "value": "Resource not found for segment 'A_BusinessPartnerType'"},
		}})
	})
	_, err := a.GetRecord(context.Background(), "A_BusinessPartner", "999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Contains(t, err.Error(), "Resource not found")
}

func TestOData_CountAggregateUsesCountSegment(t *testing.T) {
	a := newTestAdapter(t, types.SystemSAP, bpOptions, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, bpRoot+"/A_BusinessPartner/$count", r.URL.Path)
		assert.Equal(t, "IsBlocked eq true", r.URL.Query().Get("$filter"))
		_, _ = io.WriteString(w, "17")
	})
	res, err := a.Aggregate(context.Background(), types.AggregateSpec{
		Entity:   "A_BusinessPartner",
		Function: types.AggCount,
		Filters:  []types.FilterExpression{filter("IsBlocked", types.OpEq, true, types.FieldBoolean)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(17), res.Value)
	assert.False(t, res.Emulated)
}

func TestOData_SumIsEmulated(t *testing.T) {
	a := newTestAdapter(t, types.SystemSAP, bpOptions, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Country,CreditLimit", r.URL.Query().Get("$select"))
		writeJSON(w, http.StatusOK, map[string]any{"d": map[string]any{
			"__count": "3",
			"results": []map[string]any{
				{"Country": "DE", "CreditLimit": "100.50"},
				{"Country": "DE", "CreditLimit": "200.00"},
				{"Country": "US", "CreditLimit": "50.00"},
			},
		}})
	})
	desc := &types.EntityDescriptor{Name: "A_BusinessPartner", Fields: []types.FieldDescriptor{
		{Name: "Country", Type: types.FieldString},
		{Name: "CreditLimit", Type: types.FieldNumber, NativeType: "Edm.Decimal"},
	}}
	res, err := a.Aggregate(context.Background(), types.AggregateSpec{
		Entity:     "A_BusinessPartner",
		Function:   types.AggSum,
		Field:      "CreditLimit",
		GroupBy:    []string{"Country"},
		Descriptor: desc,
	})
	require.NoError(t, err)
	assert.True(t, res.Emulated)
	assert.Equal(t, 3, res.RecordCount)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "DE", res.Groups[0].Key["Country"])
	assert.InDelta(t, 300.5, res.Groups[0].Value, 1e-9)
	assert.Equal(t, 50.0, res.Groups[1].Value)
}

func TestKeyFromURI(t *testing.T) {
	assert.Equal(t, "42", keyFromURI("https://h/svc/Set('42')"))
	assert.Equal(t, "O'Hara", keyFromURI("/svc/Set('O''Hara')"))
	assert.Equal(t, "(CompanyCode='1010',FiscalYear='2024')", keyFromURI("/svc/Set(CompanyCode='1010',FiscalYear='2024')"))
	assert.Equal(t, "", keyFromURI("/svc/Set"))
	assert.True(t, strings.HasPrefix(keyPredicate("(A='1')"), "(A="))
}

var (
	odataOrRe     = regexp.MustCompile(`^\((.+)\)$`)
	odataSubRe    = regexp.MustCompile(`^substringof\('(.*)',tolower\((\w+)\)\)$`)
	odataCmpRe    = regexp.MustCompile(`^(\w+) (eq|ne|gt|ge|lt|le) (.+)$`)
	odataTypedRe  = regexp.MustCompile(`^(?:datetime|datetimeoffset|guid)'(.*)'$`)
	odataNumberRe = regexp.MustCompile(`^(-?[0-9.]+)[MdfL]?$`)
)

// odataValue parses an OData v2 literal.
func odataValue(s string) any {
	if m := odataTypedRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	switch {
	case s == "null":
		return nil
	case s == "true" || s == "false":
		return s == "true"
	case strings.HasPrefix(s, "'"):
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	if m := odataNumberRe.FindStringSubmatch(s); m != nil {
		f, _ := strconv.ParseFloat(m[1], 64)
		return f
	}
	return s
}

// odataEval evaluates one $filter predicate. A null property equals only
// null and is unequal to everything else.
func odataEval(t *testing.T, pred string, r types.Record) bool {
	if m := odataOrRe.FindStringSubmatch(pred); m != nil {
		for _, alt := range strings.Split(m[1], " or ") {
			if odataEval(t, alt, r) {
				return true
			}
		}
		return false
	}
	if m := odataSubRe.FindStringSubmatch(pred); m != nil {
		v, ok := r[m[2]].(string)
		return ok && strings.Contains(strings.ToLower(v), strings.ReplaceAll(m[1], "''", "'"))
	}
	m := odataCmpRe.FindStringSubmatch(pred)
	if !assert.NotNil(t, m, "unparsable predicate %q", pred) {
		return false
	}
	v, lit := r[m[1]], odataValue(m[3])
	switch {
	case v == nil || lit == nil:
		isEq := v == nil && lit == nil
		switch m[2] {
		case "eq":
			return isEq
		case "ne":
			return !isEq
		}
		return false
	}
	return compareOp(m[2], backendCompare(v, lit))
}

// odataAccounts serves accounts as an OData v2 entity set, honouring
// $filter, $top and $skip.
func odataAccounts(t *testing.T, filters *[]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !assert.Equal(t, bpRoot+"/Accounts", r.URL.Path) {
			return
		}
		q := r.URL.Query()
		cond := q.Get("$filter")
		*filters = append(*filters, cond)
		var rows []map[string]any
		for _, rec := range accounts {
			match := true
			if cond != "" {
				for _, pred := range strings.Split(cond, " and ") {
					match = match && odataEval(t, pred, rec)
				}
			}
			if match {
				row := map[string]any{"__metadata": map[string]any{"type": "Account"}}
				for k, v := range rec {
					row[k] = v
				}
				rows = append(rows, row)
			}
		}
		total := len(rows)
		skip, _ := strconv.Atoi(q.Get("$skip"))
		if skip > len(rows) {
			skip = len(rows)
		}
		rows = rows[skip:]
		if top, err := strconv.Atoi(q.Get("$top")); err == nil && top < len(rows) {
			rows = rows[:top]
		}
		writeJSON(w, http.StatusOK, map[string]any{"d": map[string]any{
			"__count": strconv.Itoa(total),
			"results": rows,
		}})
	}
}

func TestOData_NativeFilterMatchesInMemorySemantics(t *testing.T) {
	desc := &types.EntityDescriptor{Name: "Accounts", KeyField: "Id", Fields: []types.FieldDescriptor{
		{Name: "Id", Type: types.FieldString, NativeType: "Edm.String"},
		{Name: "Name", Type: types.FieldString, NativeType: "Edm.String"},
		{Name: "Industry", Type: types.FieldString, NativeType: "Edm.String"},
		{Name: "AnnualRevenue", Type: types.FieldNumber, NativeType: "Edm.Decimal"},
		{Name: "CreatedDate", Type: types.FieldDate, NativeType: "Edm.DateTime"},
	}}
	for name, filters := range operatorCases() {
		t.Run(name, func(t *testing.T) {
			var sent []string
			a := newTestAdapter(t, types.SystemSAP, bpOptions, odataAccounts(t, &sent))
			res, err := a.Query(context.Background(), types.QuerySpec{
				Entity:     "Accounts",
				Filters:    filters,
				Limit:      50,
				Descriptor: desc,
			})
			require.NoError(t, err)
			assert.Equal(t, expectedIDs(filters), ids(res.Records))
			assert.False(t, res.HasMore)
			require.Len(t, sent, 1)
			assert.NotEmpty(t, sent[0])
		})
	}
}
