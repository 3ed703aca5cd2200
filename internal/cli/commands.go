package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/internal/engine"
	"github.com/scrypster/entbridge/pkg/types"
)

func (a *app) initCmd() *cobra.Command {
	var output string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a connection profile template",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := output
			if path == "" {
				path = a.profilePath
			}
			if path == "" {
				path = config.DefaultProfilePath()
			}
			if err := connections.WriteTemplate(path, force); err != nil {
				return err
			}
			return a.printer(cmd).Result(
				fmt.Sprintf("Wrote profile template to %s. Edit it, then run 'entbridge test'.", path),
				map[string]any{"path": path},
			)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default: the --config path)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func (a *app) connectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "connections",
		Aliases: []string{"ls"},
		Short:   "List configured connection profiles",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				conns := eng.ListConnections()
				p := a.printer(cmd)
				if len(conns) == 0 && !p.jsonMode {
					fmt.Fprintf(p.out, "No connections configured in %s\n", eng.Profiles().Path())
					return nil
				}
				rows := make([][]string, 0, len(conns))
				for _, c := range conns {
					status := "ok"
					if !c.Valid {
						status = "invalid: " + c.Error
					}
					rows = append(rows, []string{c.ID, string(c.System), string(c.AuthType), c.BaseURL, status})
				}
				return p.Table(conns, []string{"ID", "SYSTEM", "AUTH", "BASE URL", "STATUS"}, rows)
			})
		},
	}
}

func (a *app) testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [connection...]",
		Short: "Health-check connections (all valid profiles by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				ids := args
				if len(ids) == 0 {
					ids = eng.Profiles().IDs()
				}
				if len(ids) == 0 {
					return types.ConfigErrorf("no valid connections configured in %s", eng.Profiles().Path())
				}

				var results []*engine.HealthStatus
				failed := 0
				for _, id := range ids {
					h, err := eng.HealthCheck(cmd.Context(), id)
					if err != nil {
						h = &engine.HealthStatus{Connection: id, ErrorKind: types.KindOf(err), Error: err.Error()}
					}
					if !h.Healthy() {
						failed++
					}
					results = append(results, h)
				}

				p := a.printer(cmd)
				rows := make([][]string, 0, len(results))
				for _, h := range results {
					state := "OK"
					detail := fmt.Sprintf("%dms", h.LatencyMS)
					switch {
					case h.Reachable && !h.AuthValid:
						state, detail = "WARN", "reachable, auth failed: "+h.Error
					case !h.Healthy():
						state, detail = "FAIL", h.Error
					}
					rows = append(rows, []string{state, h.Connection, string(h.System), detail})
				}
				if err := p.Table(results, []string{"STATE", "CONNECTION", "SYSTEM", "DETAIL"}, rows); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d connection(s) failed", failed, len(results))
				}
				return nil
			})
		},
	}
}

// target holds the --connection and --entity flags shared by data commands.
type target struct {
	conn   string
	entity string
}

func (t *target) bind(cmd *cobra.Command, needEntity bool) {
	cmd.Flags().StringVarP(&t.conn, "connection", "c", "", "Connection id")
	_ = cmd.MarkFlagRequired("connection")
	if needEntity {
		cmd.Flags().StringVarP(&t.entity, "entity", "e", "", "Entity name")
		_ = cmd.MarkFlagRequired("entity")
	}
}

func (a *app) entitiesCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List the entities a connection exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				ents, err := eng.ListEntities(cmd.Context(), t.conn)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(ents))
				for _, e := range ents {
					rows = append(rows, []string{e.Name, e.Label})
				}
				return a.printer(cmd).Table(ents, []string{"NAME", "LABEL"}, rows)
			})
		},
	}
	t.bind(cmd, false)
	return cmd
}

func fieldRows(fields []types.FieldDescriptor) [][]string {
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []string{
			f.Name, string(f.Type), f.Label,
			yesNo(f.Filterable), yesNo(f.Sortable), yesNo(f.ReadOnly),
		})
	}
	return rows
}

var fieldHeader = []string{"FIELD", "TYPE", "LABEL", "FILTER", "SORT", "READ-ONLY"}

func (a *app) describeCmd() *cobra.Command {
	var t target
	var refresh bool
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Show an entity's fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				var (
					desc *types.EntityDescriptor
					err  error
				)
				if refresh {
					desc, err = eng.RefreshSchema(cmd.Context(), t.conn, t.entity)
				} else {
					desc, err = eng.DescribeEntity(cmd.Context(), t.conn, t.entity)
				}
				if err != nil {
					return err
				}
				p := a.printer(cmd)
				if !p.jsonMode {
					fmt.Fprintf(p.out, "%s (key: %s)\n\n", desc.Name, desc.KeyField)
				}
				return p.Table(desc, fieldHeader, fieldRows(desc.Fields))
			})
		},
	}
	t.bind(cmd, true)
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the schema cache")
	return cmd
}

func (a *app) fieldsCmd() *cobra.Command {
	var t target
	var descriptions bool
	cmd := &cobra.Command{
		Use:   "fields <keyword>",
		Short: "Search an entity's fields by keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				fields, err := eng.SearchFields(cmd.Context(), t.conn, t.entity, args[0], descriptions)
				if err != nil {
					return err
				}
				return a.printer(cmd).Table(fields, fieldHeader, fieldRows(fields))
			})
		},
	}
	t.bind(cmd, true)
	cmd.Flags().BoolVar(&descriptions, "descriptions", false, "Also match field descriptions")
	return cmd
}

// parseFilters decodes a JSON object of "Field__op" keys.
func parseFilters(raw string) ([]types.FilterExpression, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, types.WrapError(types.KindValidation, err, "--filters must be a JSON object")
	}
	return types.ParseFilters(m)
}

// parseData decodes a JSON object of field values.
func parseData(raw string) (types.Record, error) {
	var r types.Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, types.WrapError(types.KindValidation, err, "--data must be a JSON object")
	}
	if len(r) == 0 {
		return nil, types.ValidationErrorf("--data must contain at least one field")
	}
	return r, nil
}

func (a *app) queryCmd() *cobra.Command {
	var (
		t       target
		filters string
		fields  []string
		sortBy  []string
		limit   int
		offset  int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query records with the unified filter syntax",
		Example: `  entbridge query -c crm -e Account --fields Name,AnnualRevenue \
    -f '{"AnnualRevenue__gte": 1000000, "BillingCity__in": ["Austin", "Boston"]}' \
    --sort -AnnualRevenue --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := parseFilters(filters)
			if err != nil {
				return err
			}
			spec := types.QuerySpec{
				Entity:  t.entity,
				Fields:  fields,
				Filters: fs,
				Sort:    types.ParseSort(sortBy),
				Limit:   limit,
				Offset:  offset,
			}
			return a.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Query(cmd.Context(), t.conn, spec)
				if err != nil {
					return err
				}
				return a.printer(cmd).JSON(res)
			})
		},
	}
	t.bind(cmd, true)
	cmd.Flags().StringVarP(&filters, "filters", "f", "", `Filters as JSON, e.g. '{"Amount__gt": 100}'`)
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to return (default: all)")
	cmd.Flags().StringSliceVar(&sortBy, "sort", nil, "Sort keys; prefix with - for descending")
	cmd.Flags().IntVar(&limit, "limit", types.DefaultLimit, "Maximum records to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one record by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				rec, err := eng.GetRecord(cmd.Context(), t.conn, t.entity, args[0])
				if err != nil {
					return err
				}
				return a.printer(cmd).JSON(rec)
			})
		},
	}
	t.bind(cmd, true)
	return cmd
}

func (a *app) createCmd() *cobra.Command {
	var t target
	var data string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseData(data)
			if err != nil {
				return err
			}
			return a.withEngine(func(eng *engine.Engine) error {
				id, err := eng.CreateRecord(cmd.Context(), t.conn, t.entity, rec)
				if err != nil {
					return err
				}
				return a.printer(cmd).Result(fmt.Sprintf("Created %s %s", t.entity, id), map[string]any{"id": id})
			})
		},
	}
	t.bind(cmd, true)
	cmd.Flags().StringVar(&data, "data", "", "Field values as a JSON object")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var t target
	var data string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseData(data)
			if err != nil {
				return err
			}
			return a.withEngine(func(eng *engine.Engine) error {
				if err := eng.UpdateRecord(cmd.Context(), t.conn, t.entity, args[0], rec); err != nil {
					return err
				}
				return a.printer(cmd).Result(fmt.Sprintf("Updated %s %s", t.entity, args[0]), map[string]any{"id": args[0]})
			})
		},
	}
	t.bind(cmd, true)
	cmd.Flags().StringVar(&data, "data", "", "Field values as a JSON object")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				if err := eng.DeleteRecord(cmd.Context(), t.conn, t.entity, args[0]); err != nil {
					return err
				}
				return a.printer(cmd).Result(fmt.Sprintf("Deleted %s %s", t.entity, args[0]), map[string]any{"id": args[0]})
			})
		},
	}
	t.bind(cmd, true)
	return cmd
}

func (a *app) aggregateCmd() *cobra.Command {
	var (
		t       target
		fn      string
		field   string
		filters string
		groupBy []string
	)
	cmd := &cobra.Command{
		Use:     "aggregate",
		Short:   "Compute count, sum, avg, min or max over matching records",
		Example: `  entbridge aggregate -c erp -e SalesOrder --function sum --field TotalNetAmount --group-by SoldToParty`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := parseFilters(filters)
			if err != nil {
				return err
			}
			spec := types.AggregateSpec{
				Entity:   t.entity,
				Function: types.AggregateFunction(strings.ToLower(fn)),
				Field:    field,
				Filters:  fs,
				GroupBy:  groupBy,
			}
			return a.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Aggregate(cmd.Context(), t.conn, spec)
				if err != nil {
					return err
				}
				return a.printer(cmd).JSON(res)
			})
		},
	}
	t.bind(cmd, true)
	cmd.Flags().StringVar(&fn, "function", "count", "count, sum, avg, min or max")
	cmd.Flags().StringVar(&field, "field", "", "Field to aggregate (optional for count)")
	cmd.Flags().StringVarP(&filters, "filters", "f", "", "Filters as JSON")
	cmd.Flags().StringSliceVar(&groupBy, "group-by", nil, "Fields to group by")
	return cmd
}

func (a *app) rawCmd() *cobra.Command {
	var (
		t       target
		body    string
		query   []string
		headers []string
	)
	cmd := &cobra.Command{
		Use:     "raw <method> <path>",
		Short:   "Send a request straight to a backend endpoint",
		Example: `  entbridge raw -c crm GET /limits`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.RawRequest{Method: strings.ToUpper(args[0]), Path: args[1]}
			var err error
			if req.Query, err = parsePairs("--query", query); err != nil {
				return err
			}
			if req.Header, err = parsePairs("--header", headers); err != nil {
				return err
			}
			if body != "" {
				var v any
				if err := json.Unmarshal([]byte(body), &v); err != nil {
					return types.WrapError(types.KindValidation, err, "--body must be JSON")
				}
				req.Body = v
			}
			return a.withEngine(func(eng *engine.Engine) error {
				resp, err := eng.RawRequest(cmd.Context(), t.conn, req)
				if err != nil {
					return err
				}
				if err := a.printer(cmd).JSON(resp); err != nil {
					return err
				}
				if resp.Status >= 400 {
					return fmt.Errorf("%s %s returned %d", req.Method, req.Path, resp.Status)
				}
				return nil
			})
		},
	}
	t.bind(cmd, false)
	cmd.Flags().StringVar(&body, "body", "", "Request body as JSON")
	cmd.Flags().StringArrayVarP(&query, "query", "q", nil, "Query parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as key=value (repeatable)")
	return cmd
}

// parsePairs turns key=value strings into a map.
func parsePairs(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, types.ValidationErrorf("%s expects key=value, got %s", flag, strconv.Quote(p))
		}
		out[k] = v
	}
	return out, nil
}
