package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/entbridge/internal/adapter"
	"github.com/scrypster/entbridge/internal/auth"
	"github.com/scrypster/entbridge/internal/logging"
	"github.com/scrypster/entbridge/pkg/types"
)

// request carries one operation through the pipeline.
type request struct {
	e       *Engine
	op      string
	conn    string
	id      string
	start   time.Time
	logger  *slog.Logger
	adapter adapter.Adapter
}

// run executes fn as operation op on connection conn. It assigns the
// request id, scopes the logger and annotates any failure.
func run[T any](ctx context.Context, e *Engine, op, conn string, fn func(ctx context.Context, r *request) (T, error)) (T, error) {
	r := &request{e: e, op: op, conn: conn, id: uuid.NewString(), start: time.Now()}
	r.logger = e.logger.With("request_id", r.id, "operation", op, "connection", conn)
	ctx = logging.WithContext(ctx, r.logger)

	out, err := fn(ctx, r)
	if err != nil {
		var zero T
		return zero, r.fail(err)
	}
	r.logger.Debug("operation completed", "duration_ms", time.Since(r.start).Milliseconds())
	return out, nil
}

// stage runs fn as one pipeline stage and records it in the trace. fn may
// return a short detail such as the native query.
func (r *request) stage(ctx context.Context, s Stage, fn func() (string, error)) error {
	start := time.Now()
	detail, err := fn()
	ev := TraceEvent{
		Stage:      s,
		Operation:  r.op,
		Connection: r.conn,
		At:         start,
		Duration:   time.Since(start),
		Detail:     detail,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	emitToContext(ctx, ev)
	return err
}

// resolve looks up or builds the connection's adapter.
func (r *request) resolve(ctx context.Context) error {
	return r.stage(ctx, StageResolve, func() (string, error) {
		if strings.TrimSpace(r.conn) == "" {
			return "", types.ValidationErrorf("connection id is required")
		}
		a, err := r.e.adapterFor(r.conn)
		if err != nil {
			return "", err
		}
		r.adapter = a
		return string(a.System()), nil
	})
}

// authenticate makes sure a valid credential is cached before execution.
func (r *request) authenticate(ctx context.Context) (*auth.Credential, error) {
	var cred *auth.Credential
	err := r.stage(ctx, StageAuthenticate, func() (string, error) {
		c, err := r.e.auth.Acquire(ctx, r.conn)
		if err != nil {
			return "", err
		}
		cred = c
		return string(c.Flow), nil
	})
	return cred, err
}

// describe loads the entity descriptor for validation. A backend that does
// not know the entity makes the request invalid.
func (r *request) describe(ctx context.Context, entity string) (*types.EntityDescriptor, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, types.ValidationErrorf("entity is required")
	}
	desc, err := r.e.schema.Describe(ctx, r.conn, entity, r.adapter)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, types.WrapError(types.KindValidation, err, "unknown entity %q", entity)
		}
		return nil, err
	}
	return desc, nil
}

func (r *request) system() types.SystemKind {
	if r.adapter != nil {
		return r.adapter.System()
	}
	if p, err := r.e.Profiles().Get(r.conn); err == nil {
		return p.System
	}
	return ""
}

// fail annotates err, logs it and retires the connection on a terminal
// auth failure.
func (r *request) fail(err error) error {
	err = types.Annotate(err, r.conn, r.system(), r.op)
	kind := types.KindOf(err)
	attrs := []any{"error", err, "kind", string(kind), "duration_ms", time.Since(r.start).Milliseconds()}
	if e, ok := types.AsError(err); ok && e.Status != 0 {
		attrs = append(attrs, "status", e.Status)
	}
	switch kind {
	case types.KindValidation, types.KindNotFound, types.KindTranslation:
		r.logger.Info("operation rejected", attrs...)
	default:
		r.logger.Warn("operation failed", attrs...)
	}
	if kind == types.KindAuth {
		r.e.markUnusable(r.conn, err)
	}
	return err
}
