package engine

import (
	"context"
	"strings"
	"time"

	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/pkg/types"
)

// ConnectResult reports the credential obtained by Connect.
type ConnectResult struct {
	Connection string               `json:"connection"`
	System     types.SystemKind     `json:"system"`
	AuthFlow   connections.AuthType `json:"auth_flow"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
}

// Connect builds the connection's adapter and acquires a credential.
func (e *Engine) Connect(ctx context.Context, conn string) (*ConnectResult, error) {
	return run(ctx, e, "connect", conn, func(ctx context.Context, r *request) (*ConnectResult, error) {
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		cred, err := r.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		res := &ConnectResult{Connection: conn, System: r.adapter.System(), AuthFlow: cred.Flow}
		if !cred.ExpiresAt.IsZero() {
			t := cred.ExpiresAt
			res.ExpiresAt = &t
		}
		r.logger.Info("connected", "system", string(res.System), "flow", string(res.AuthFlow))
		return res, nil
	})
}

// Disconnect drops the connection's adapter and credential. A connection
// marked unusable by an auth failure becomes usable again.
func (e *Engine) Disconnect(ctx context.Context, conn string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed()
	}
	_, built := e.adapters[conn]
	if !built {
		if _, err := e.profiles.Get(conn); err != nil {
			return err
		}
	}
	delete(e.adapters, conn)
	delete(e.unusable, conn)
	e.auth.Remove(conn)
	e.logger.Info("disconnected", "connection", conn)
	return nil
}

// HealthStatus is the outcome of a health check. Backend failures are
// reported in the status rather than returned as errors.
type HealthStatus struct {
	Connection string               `json:"connection"`
	System     types.SystemKind     `json:"system,omitempty"`
	Reachable  bool                 `json:"reachable"`
	AuthValid  bool                 `json:"auth_valid"`
	AuthFlow   connections.AuthType `json:"auth_flow,omitempty"`
	LatencyMS  int64                `json:"latency_ms"`
	Breaker    string               `json:"breaker_state,omitempty"`
	ErrorKind  types.ErrorKind      `json:"error_kind,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Healthy reports whether the backend answered an authenticated request.
func (h *HealthStatus) Healthy() bool { return h.Reachable && h.AuthValid }

// HealthCheck authenticates and issues the adapter's cheap ping. Only an
// unknown or misconfigured connection is returned as an error.
func (e *Engine) HealthCheck(ctx context.Context, conn string) (*HealthStatus, error) {
	return run(ctx, e, "health_check", conn, func(ctx context.Context, r *request) (*HealthStatus, error) {
		st := &HealthStatus{Connection: conn}
		if err := r.resolve(ctx); err != nil {
			if types.KindOf(err) != types.KindAuth {
				return nil, err
			}
			st.System = r.system()
			st.ErrorKind, st.Error = types.KindAuth, err.Error()
			return st, nil
		}
		st.System = r.adapter.System()
		defer func() { st.Breaker = r.adapter.Transport().Breaker().State }()

		start := time.Now()
		cred, err := r.authenticate(ctx)
		if err != nil {
			st.LatencyMS = time.Since(start).Milliseconds()
			st.ErrorKind, st.Error = types.KindOf(err), err.Error()
			r.failSoft(err)
			return st, nil
		}
		st.AuthValid = true
		st.AuthFlow = cred.Flow

		err = r.stage(ctx, StageExecute, func() (string, error) {
			return "ping", r.adapter.Ping(ctx)
		})
		st.LatencyMS = time.Since(start).Milliseconds()
		if err != nil {
			st.ErrorKind, st.Error = types.KindOf(err), err.Error()
			// A reply of any kind other than a transport failure means the
			// host answered.
			switch st.ErrorKind {
			case types.KindTransient, types.KindTimeout, "":
			default:
				st.Reachable = true
			}
			if st.ErrorKind == types.KindAuth {
				st.AuthValid = false
			}
			r.failSoft(err)
			return st, nil
		}
		st.Reachable = true
		return st, nil
	})
}

// failSoft logs a failure that is reported inside a result, and still
// retires the connection on a terminal auth error.
func (r *request) failSoft(err error) {
	_ = r.fail(err)
}

// ListEntities returns the connection's entities through the schema cache.
func (e *Engine) ListEntities(ctx context.Context, conn string) ([]types.EntityDescriptor, error) {
	return run(ctx, e, "list_entities", conn, func(ctx context.Context, r *request) ([]types.EntityDescriptor, error) {
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		var out []types.EntityDescriptor
		err := r.stage(ctx, StageExecute, func() (string, error) {
			list, err := e.schema.ListEntities(ctx, conn, r.adapter)
			out = list
			return "", err
		})
		return out, err
	})
}

// DescribeEntity returns the entity's descriptor through the schema cache.
func (e *Engine) DescribeEntity(ctx context.Context, conn, entity string) (*types.EntityDescriptor, error) {
	return run(ctx, e, "describe_entity", conn, func(ctx context.Context, r *request) (*types.EntityDescriptor, error) {
		if strings.TrimSpace(entity) == "" {
			return nil, types.ValidationErrorf("entity is required")
		}
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		var desc *types.EntityDescriptor
		err := r.stage(ctx, StageExecute, func() (string, error) {
			d, err := e.schema.Describe(ctx, conn, entity, r.adapter)
			desc = d
			return "", err
		})
		return desc, err
	})
}

// SearchFields returns the entity's fields whose name or label contains
// keyword.
func (e *Engine) SearchFields(ctx context.Context, conn, entity, keyword string, includeDescriptions bool) ([]types.FieldDescriptor, error) {
	return run(ctx, e, "search_fields", conn, func(ctx context.Context, r *request) ([]types.FieldDescriptor, error) {
		if strings.TrimSpace(entity) == "" {
			return nil, types.ValidationErrorf("entity is required")
		}
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		var out []types.FieldDescriptor
		err := r.stage(ctx, StageExecute, func() (string, error) {
			fields, err := e.schema.SearchFields(ctx, conn, entity, keyword, includeDescriptions, r.adapter)
			out = fields
			return "", err
		})
		if out == nil && err == nil {
			out = []types.FieldDescriptor{}
		}
		return out, err
	})
}

// RefreshSchema drops cached schema for the connection, or for one entity,
// and re-describes that entity when one is named.
func (e *Engine) RefreshSchema(ctx context.Context, conn, entity string) (*types.EntityDescriptor, error) {
	return run(ctx, e, "refresh_schema", conn, func(ctx context.Context, r *request) (*types.EntityDescriptor, error) {
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		e.schema.Invalidate(ctx, conn, entity)
		if strings.TrimSpace(entity) == "" {
			return nil, nil
		}
		var desc *types.EntityDescriptor
		err := r.stage(ctx, StageExecute, func() (string, error) {
			d, err := e.schema.Describe(ctx, conn, entity, r.adapter)
			desc = d
			return "", err
		})
		return desc, err
	})
}

// Query validates spec against the entity's schema and runs it. A limit
// above the configured maximum is lowered and the result marked partial.
func (e *Engine) Query(ctx context.Context, conn string, spec types.QuerySpec) (*types.QueryResult, error) {
	return run(ctx, e, "query", conn, func(ctx context.Context, r *request) (*types.QueryResult, error) {
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		clamped := false
		err := r.stage(ctx, StageValidate, func() (string, error) {
			desc, err := r.describe(ctx, spec.Entity)
			if err != nil {
				return "", err
			}
			spec, clamped, err = validateQuery(spec, desc, e.cfg.Query.MaxLimit)
			return "", err
		})
		if err != nil {
			return nil, err
		}
		if _, err := r.authenticate(ctx); err != nil {
			return nil, err
		}

		var res *types.QueryResult
		err = r.stage(ctx, StageExecute, func() (string, error) {
			out, err := r.adapter.Query(ctx, spec)
			if err != nil {
				return "", err
			}
			res = out
			return out.NativeQuery, nil
		})
		if err != nil {
			return nil, err
		}

		_ = r.stage(ctx, StageNormalize, func() (string, error) {
			if res.Records == nil {
				res.Records = []types.Record{}
			}
			res.Count = len(res.Records)
			if clamped {
				res.Partial = true
				if res.PartialReason == "" {
					res.PartialReason = clampReason(spec.Limit)
				} else {
					res.PartialReason = clampReason(spec.Limit) + "; " + res.PartialReason
				}
			}
			return "", nil
		})
		r.logger.Debug("query returned", "entity", spec.Entity, "count", res.Count, "has_more", res.HasMore)
		return res, nil
	})
}

// GetRecord fetches one record by id.
func (e *Engine) GetRecord(ctx context.Context, conn, entity, id string) (types.Record, error) {
	return run(ctx, e, "get_record", conn, func(ctx context.Context, r *request) (types.Record, error) {
		if err := requireID(id); err != nil {
			return nil, err
		}
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		var name string
		if err := r.stage(ctx, StageValidate, func() (string, error) {
			desc, err := r.describe(ctx, entity)
			if err == nil {
				name = desc.Name
			}
			return "", err
		}); err != nil {
			return nil, err
		}
		if _, err := r.authenticate(ctx); err != nil {
			return nil, err
		}
		var rec types.Record
		err := r.stage(ctx, StageExecute, func() (string, error) {
			out, err := r.adapter.GetRecord(ctx, name, id)
			rec = out
			return "", err
		})
		return rec, err
	})
}

// CreateRecord creates a record and returns the backend's id for it.
func (e *Engine) CreateRecord(ctx context.Context, conn, entity string, fields types.Record) (string, error) {
	return run(ctx, e, "create_record", conn, func(ctx context.Context, r *request) (string, error) {
		if err := r.resolve(ctx); err != nil {
			return "", err
		}
		var name string
		var payload types.Record
		if err := r.stage(ctx, StageValidate, func() (string, error) {
			desc, err := r.describe(ctx, entity)
			if err != nil {
				return "", err
			}
			name = desc.Name
			payload, err = validateWrite(desc, fields)
			return "", err
		}); err != nil {
			return "", err
		}
		if _, err := r.authenticate(ctx); err != nil {
			return "", err
		}
		var id string
		err := r.stage(ctx, StageExecute, func() (string, error) {
			out, err := r.adapter.CreateRecord(ctx, name, payload)
			id = out
			return "", err
		})
		if err == nil {
			r.logger.Info("record created", "entity", name, "id", id)
		}
		return id, err
	})
}

// UpdateRecord applies a partial update to one record.
func (e *Engine) UpdateRecord(ctx context.Context, conn, entity, id string, fields types.Record) error {
	_, err := run(ctx, e, "update_record", conn, func(ctx context.Context, r *request) (struct{}, error) {
		if err := requireID(id); err != nil {
			return struct{}{}, err
		}
		if err := r.resolve(ctx); err != nil {
			return struct{}{}, err
		}
		var name string
		var payload types.Record
		if err := r.stage(ctx, StageValidate, func() (string, error) {
			desc, err := r.describe(ctx, entity)
			if err != nil {
				return "", err
			}
			name = desc.Name
			payload, err = validateWrite(desc, fields)
			return "", err
		}); err != nil {
			return struct{}{}, err
		}
		if _, err := r.authenticate(ctx); err != nil {
			return struct{}{}, err
		}
		err := r.stage(ctx, StageExecute, func() (string, error) {
			return "", r.adapter.UpdateRecord(ctx, name, id, payload)
		})
		if err == nil {
			r.logger.Info("record updated", "entity", name, "id", id, "fields", len(payload))
		}
		return struct{}{}, err
	})
	return err
}

// DeleteRecord deletes one record.
func (e *Engine) DeleteRecord(ctx context.Context, conn, entity, id string) error {
	_, err := run(ctx, e, "delete_record", conn, func(ctx context.Context, r *request) (struct{}, error) {
		if err := requireID(id); err != nil {
			return struct{}{}, err
		}
		if err := r.resolve(ctx); err != nil {
			return struct{}{}, err
		}
		var name string
		if err := r.stage(ctx, StageValidate, func() (string, error) {
			desc, err := r.describe(ctx, entity)
			if err == nil {
				name = desc.Name
			}
			return "", err
		}); err != nil {
			return struct{}{}, err
		}
		if _, err := r.authenticate(ctx); err != nil {
			return struct{}{}, err
		}
		err := r.stage(ctx, StageExecute, func() (string, error) {
			return "", r.adapter.DeleteRecord(ctx, name, id)
		})
		if err == nil {
			r.logger.Info("record deleted", "entity", name, "id", id)
		}
		return struct{}{}, err
	})
	return err
}

// Aggregate validates spec and computes it natively where the backend can,
// otherwise by reducing fetched rows up to the configured cap.
func (e *Engine) Aggregate(ctx context.Context, conn string, spec types.AggregateSpec) (*types.AggregateResult, error) {
	return run(ctx, e, "aggregate", conn, func(ctx context.Context, r *request) (*types.AggregateResult, error) {
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		err := r.stage(ctx, StageValidate, func() (string, error) {
			desc, err := r.describe(ctx, spec.Entity)
			if err != nil {
				return "", err
			}
			spec, err = validateAggregate(spec, desc)
			return "", err
		})
		if err != nil {
			return nil, err
		}
		if _, err := r.authenticate(ctx); err != nil {
			return nil, err
		}
		var res *types.AggregateResult
		err = r.stage(ctx, StageExecute, func() (string, error) {
			out, err := r.adapter.Aggregate(ctx, spec)
			if err != nil {
				return "", err
			}
			res = out
			return out.NativeQuery, nil
		})
		if err != nil {
			return nil, err
		}
		r.logger.Debug("aggregate computed", "entity", spec.Entity, "function", string(spec.Function), "emulated", res.Emulated)
		return res, nil
	})
}

// RawRequest sends an unmodelled request to the connection's backend.
func (e *Engine) RawRequest(ctx context.Context, conn string, req types.RawRequest) (*types.RawResponse, error) {
	return run(ctx, e, "raw_request", conn, func(ctx context.Context, r *request) (*types.RawResponse, error) {
		if err := r.stage(ctx, StageValidate, func() (string, error) {
			if strings.TrimSpace(req.Path) == "" {
				return "", types.ValidationErrorf("raw request path is required")
			}
			return "", nil
		}); err != nil {
			return nil, err
		}
		if err := r.resolve(ctx); err != nil {
			return nil, err
		}
		if _, err := r.authenticate(ctx); err != nil {
			return nil, err
		}
		var resp *types.RawResponse
		err := r.stage(ctx, StageExecute, func() (string, error) {
			out, err := r.adapter.RawRequest(ctx, req)
			resp = out
			return strings.ToUpper(req.Method) + " " + req.Path, err
		})
		return resp, err
	})
}
