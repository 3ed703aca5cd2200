package adapter

import (
	"context"
	"fmt"

	"github.com/scrypster/entbridge/pkg/types"
)

// page is one backend result page. next is an adapter-specific cursor, or
// empty when the backend has no more rows. total is the backend's row
// count for the native filter, or -1.
type page struct {
	records []types.Record
	next    string
	total   int64
}

// pager fetches the page at cursor; an empty cursor is the first page.
// size is a hint for how many more rows the collector can use.
type pager func(ctx context.Context, cursor string, size int) (*page, error)

// collectOptions parameterizes collect.
type collectOptions struct {
	limit int

	// offset rows are skipped client-side. Adapters pass the offset
	// natively and leave this zero unless post filters are active.
	offset int

	// post filters are evaluated in memory on every fetched row.
	post []types.FilterExpression

	// scanCap stops a post-filtered scan after this many rows.
	scanCap int
}

// collect drives pager until limit rows are collected or the backend runs
// out. One row beyond the limit is requested so HasMore can be reported.
func collect(ctx context.Context, opts collectOptions, fetch pager) (*types.QueryResult, error) {
	res := &types.QueryResult{Records: []types.Record{}, TotalCount: -1}
	filtering := len(opts.post) > 0
	skip := opts.offset
	scanned := 0
	cursor := ""

	for {
		size := opts.limit - len(res.Records) + skip + 1
		pg, err := fetch(ctx, cursor, size)
		if err != nil {
			return nil, err
		}
		if !filtering && pg.total >= 0 {
			res.TotalCount = pg.total
		}

		for i, r := range pg.records {
			scanned++
			if filtering && !types.MatchAll(r, opts.post) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			if len(res.Records) == opts.limit {
				res.HasMore = true
				return finish(res), nil
			}
			res.Records = append(res.Records, r)
			if len(res.Records) == opts.limit && i == len(pg.records)-1 && pg.next == "" {
				return finish(res), nil
			}
		}

		if pg.next == "" || len(pg.records) == 0 {
			return finish(res), nil
		}
		if filtering && opts.scanCap > 0 && scanned >= opts.scanCap {
			res.HasMore = true
			res.Partial = true
			res.PartialReason = fmt.Sprintf("client-side filtering stopped after scanning %d rows", scanned)
			return finish(res), nil
		}
		if len(res.Records) == opts.limit && !filtering {
			res.HasMore = true
			return finish(res), nil
		}
		cursor = pg.next
	}
}

func finish(res *types.QueryResult) *types.QueryResult {
	res.Count = len(res.Records)
	return res
}
