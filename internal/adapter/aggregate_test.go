package adapter

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/scrypster/entbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opportunities = []types.Record{
	{"Id": "1", "StageName": "Won", "Amount": int64(100), "CloseDate": "2024-03-01"},
	{"Id": "2", "StageName": "Won", "Amount": int64(250), "CloseDate": "2024-01-15"},
	{"Id": "3", "StageName": "Open", "Amount": nil, "CloseDate": "2024-06-30"},
	{"Id": "4", "StageName": "Open", "Amount": 99.5, "CloseDate": "2023-12-31"},
}

func TestReduceAggregate(t *testing.T) {
	cases := []struct {
		name string
		spec types.AggregateSpec
		want any
	}{
		{"count rows", types.AggregateSpec{Function: types.AggCount}, int64(4)},
		{"count non-null", types.AggregateSpec{Function: types.AggCount, Field: "Amount"}, int64(3)},
		{"sum mixed", types.AggregateSpec{Function: types.AggSum, Field: "Amount"}, 449.5},
		{"avg", types.AggregateSpec{Function: types.AggAvg, Field: "Amount"}, 449.5 / 3},
		{"min number", types.AggregateSpec{Function: types.AggMin, Field: "Amount"}, 99.5},
		{"max date", types.AggregateSpec{Function: types.AggMax, Field: "CloseDate"}, "2024-06-30"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := reduceAggregate(tc.spec, opportunities)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Value)
			assert.Equal(t, 4, res.RecordCount)
		})
	}
}

func TestReduceAggregate_IntegerSumStaysInteger(t *testing.T) {
	res, err := reduceAggregate(types.AggregateSpec{Function: types.AggSum, Field: "Amount"}, opportunities[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(350), res.Value)
}

func TestReduceAggregate_EmptySetIsNull(t *testing.T) {
	res, err := reduceAggregate(types.AggregateSpec{Function: types.AggSum, Field: "Amount"}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Value)

	res, err = reduceAggregate(types.AggregateSpec{Function: types.AggCount}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Value)
}

func TestReduceAggregate_GroupBy(t *testing.T) {
	res, err := reduceAggregate(types.AggregateSpec{Function: types.AggSum, Field: "Amount", GroupBy: []string{"StageName"}}, opportunities)
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "Open", res.Groups[0].Key["StageName"])
	assert.Equal(t, 99.5, res.Groups[0].Value)
	assert.Equal(t, 2, res.Groups[0].RecordCount)
	assert.Equal(t, "Won", res.Groups[1].Key["StageName"])
	assert.Equal(t, int64(350), res.Groups[1].Value)
}

func TestReduceAggregate_NonNumericSumFails(t *testing.T) {
	_, err := reduceAggregate(types.AggregateSpec{Function: types.AggSum, Field: "StageName"}, opportunities)
	assert.True(t, errors.Is(err, types.ErrValidation))
}

type stubQuerier struct {
	res  *types.QueryResult
	spec types.QuerySpec
}

func (s *stubQuerier) Query(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error) {
	s.spec = spec
	return s.res, nil
}

func TestEmulateAggregate_ProjectsAndCaps(t *testing.T) {
	q := &stubQuerier{res: &types.QueryResult{Records: opportunities, NativeQuery: "native"}}
	res, err := emulateAggregate(context.Background(), q, types.AggregateSpec{
		Entity: "Opportunity", Function: types.AggAvg, Field: "Amount", GroupBy: []string{"StageName"},
	}, 10)
	require.NoError(t, err)
	assert.True(t, res.Emulated)
	assert.Equal(t, "native", res.NativeQuery)
	assert.Equal(t, []string{"StageName", "Amount"}, q.spec.Fields)
	assert.Equal(t, 10, q.spec.Limit)

	q.res = &types.QueryResult{Records: opportunities, HasMore: true}
	_, err = emulateAggregate(context.Background(), q, types.AggregateSpec{Entity: "Opportunity", Function: types.AggCount}, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAggregateCap))
	assert.Contains(t, err.Error(), "more than 4 rows")

	q.res = &types.QueryResult{
		Records:       opportunities,
		HasMore:       true,
		Partial:       true,
		PartialReason: "client-side filtering stopped after scanning 40 rows",
	}
	_, err = emulateAggregate(context.Background(), q, types.AggregateSpec{Entity: "Opportunity", Function: types.AggCount}, 10000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAggregateCap))
	assert.Contains(t, err.Error(), "scanning 40 rows")
	assert.NotContains(t, err.Error(), "10000")
}

func TestFusion_AggregateReportsScanCap(t *testing.T) {
	many := make([]types.Record, 60)
	for i := range many {
		many[i] = types.Record{"Id": strconv.Itoa(i), "Region": "EMEA"}
	}
	var qs []string
	a := newTestAdapter(t, types.SystemOracle, nil, fusionRecords(t, "orders", many, &qs))
	_, err := a.Aggregate(context.Background(), types.AggregateSpec{
		Entity:   "orders",
		Function: types.AggCount,
		Filters:  []types.FilterExpression{filter("Region", types.OpIn, []any{"APAC"}, types.FieldString)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAggregateCap))
	assert.Contains(t, err.Error(), "scan cap")
	assert.NotContains(t, err.Error(), "more than 50 rows")
}

func TestNativeGroups_EmptyCountIsZero(t *testing.T) {
	res := nativeGroups(types.AggregateSpec{Function: types.AggCount}, nil, "value", "cnt")
	assert.Equal(t, int64(0), res.Value)
	assert.Equal(t, 0, res.RecordCount)
}
