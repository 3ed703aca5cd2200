package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/entbridge/internal/auth"
	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedProvider struct{}

func (fixedProvider) Flow() connections.AuthType { return connections.AuthClientCredentials }

func (fixedProvider) Fetch(ctx context.Context) (*auth.Credential, error) {
	return &auth.Credential{Scheme: "Bearer", Token: "test-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// newTestAdapter builds an adapter of the given system against handler.
func newTestAdapter(t *testing.T, system types.SystemKind, opts connections.Options, handler http.HandlerFunc) Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := auth.NewManager()
	creds.RegisterProvider("test", fixedProvider{})
	a, err := New(&connections.Profile{
		ID:      "test",
		System:  system,
		BaseURL: srv.URL,
		Options: opts,
	}, Deps{
		Credentials: creds,
		Transport: config.TransportConfig{
			RequestTimeout: 2 * time.Second,
			RetryAttempts:  2,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  2 * time.Millisecond,
			MaxConcurrency: 4,
		},
		Limits: Limits{AggregateRowCap: 50, EmulationScanCap: 40},
	})
	require.NoError(t, err)
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func filter(field string, op types.Operator, value any, ft types.FieldType) types.FilterExpression {
	return types.FilterExpression{Field: field, Op: op, Value: value, Type: ft}
}

// operatorCases exercises every operator against accounts. Each adapter's
// native translation, run by a fake that evaluates it, must select the same
// rows as the in-memory matcher.
func operatorCases() map[string][]types.FilterExpression {
	return map[string][]types.FilterExpression{
		"eq":                {filter("Industry", types.OpEq, "Technology", types.FieldString)},
		"ne keeps nulls":    {filter("Industry", types.OpNe, "Technology", types.FieldString)},
		"gt":                {filter("AnnualRevenue", types.OpGt, int64(1000000), types.FieldNumber)},
		"gte date":          {filter("CreatedDate", types.OpGte, "2024-01-01", types.FieldDate)},
		"lt skips nulls":    {filter("AnnualRevenue", types.OpLt, int64(2500000), types.FieldNumber)},
		"lte date":          {filter("CreatedDate", types.OpLte, "2023-11-15", types.FieldDate)},
		"in list":           {filter("Industry", types.OpIn, []any{"Retail", "Energy"}, types.FieldString)},
		"like ignores case": {filter("Name", types.OpLike, "acme", types.FieldString)},
		"is null":           {filter("AnnualRevenue", types.OpNull, true, types.FieldNumber)},
		"not null":          {filter("Industry", types.OpNull, false, types.FieldString)},
		"combined": {
			filter("AnnualRevenue", types.OpGte, int64(900000), types.FieldNumber),
			filter("Industry", types.OpIn, []any{"Technology", "Energy"}, types.FieldString),
			filter("CreatedDate", types.OpLt, "2024-07-01", types.FieldDate),
		},
	}
}

// backendCompare orders a stored value against a parsed literal:
// numerically, then as dates, then as text.
func backendCompare(v, lit any) int {
	if a, ok := soqlNum(v); ok {
		if b, ok := soqlNum(lit); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
	}
	as, bs := fmt.Sprint(v), fmt.Sprint(lit)
	if at, ok := types.ParseDate(as); ok {
		if bt, ok := types.ParseDate(bs); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(as, bs)
}

// compareOp applies a comparison symbol from any of the dialects.
func compareOp(sym string, c int) bool {
	switch sym {
	case "=", "eq":
		return c == 0
	case "!=", "<>", "ne":
		return c != 0
	case ">", "gt":
		return c > 0
	case ">=", "ge":
		return c >= 0
	case "<", "lt":
		return c < 0
	default:
		return c <= 0
	}
}

// likeMatch matches v against an SQL LIKE pattern, treating % and _ as
// wildcards unless escaped with a backslash when escape is set.
func likeMatch(v, pattern string, escape bool) bool {
	var b strings.Builder
	b.WriteString("(?is)^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escape && r == '\\' && i+1 < len(runes):
			i++
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String()).MatchString(v)
}

var (
	sqlOrRe    = regexp.MustCompile(`^\((.+) OR (.+)\)$`)
	sqlNullRe  = regexp.MustCompile(`^(\w+) IS (NOT )?NULL$`)
	sqlLikeRe  = regexp.MustCompile(`^UPPER\((\w+)\) LIKE (?:UPPER\()?'(.*?)'\)?( ESCAPE '\\')?$`)
	sqlInRe    = regexp.MustCompile(`^(\w+) IN \((.*)\)$`)
	sqlCmpRe   = regexp.MustCompile(`^(\w+) (=|<>|!=|>=|<=|>|<) (.+)$`)
	sqlDateRe  = regexp.MustCompile(`^TO_(?:DATE|TIMESTAMP)\('([^']*)', '[^']*'\)$`)
	sqlSplitRe = regexp.MustCompile(`, `)
)

// sqlValue parses a literal of the SuiteQL and Fusion q dialects.
func sqlValue(s string) any {
	if m := sqlDateRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	switch {
	case strings.EqualFold(s, "null"):
		return nil
	case s == "true" || s == "false":
		return s == "true"
	case strings.HasPrefix(s, "'"):
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// sqlEval evaluates one predicate with SQL semantics: null satisfies no
// comparison.
func sqlEval(t *testing.T, pred string, r types.Record) bool {
	if m := sqlOrRe.FindStringSubmatch(pred); m != nil {
		return sqlEval(t, m[1], r) || sqlEval(t, m[2], r)
	}
	if m := sqlNullRe.FindStringSubmatch(pred); m != nil {
		return (r[m[1]] == nil) == (m[2] == "")
	}
	if m := sqlLikeRe.FindStringSubmatch(pred); m != nil {
		v, ok := r[m[1]].(string)
		pattern := strings.ReplaceAll(m[2], "''", "'")
		return ok && likeMatch(strings.ToUpper(v), strings.ToUpper(pattern), m[3] != "")
	}
	if m := sqlInRe.FindStringSubmatch(pred); m != nil {
		if r[m[1]] == nil {
			return false
		}
		for _, lit := range sqlSplitRe.Split(m[2], -1) {
			if backendCompare(r[m[1]], sqlValue(lit)) == 0 {
				return true
			}
		}
		return false
	}
	m := sqlCmpRe.FindStringSubmatch(pred)
	if !assert.NotNil(t, m, "unparsable predicate %q", pred) {
		return false
	}
	v := r[m[1]]
	if v == nil {
		return false
	}
	return compareOp(m[2], backendCompare(v, sqlValue(m[3])))
}

// sqlMatches evaluates an AND-joined condition.
func sqlMatches(t *testing.T, cond string, r types.Record) bool {
	if cond == "" {
		return true
	}
	for _, pred := range strings.Split(cond, " AND ") {
		if !sqlEval(t, pred, r) {
			return false
		}
	}
	return true
}
