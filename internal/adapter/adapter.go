// Package adapter translates the backend-neutral query model into the four
// supported enterprise protocols: SAP OData v2, Salesforce SOQL, NetSuite
// SuiteQL and Oracle Fusion REST.
//
// Every adapter implements the same Adapter interface and is selected by
// the connection profile's system kind. Operators a backend cannot express
// natively are listed by EmulatedOperators and evaluated client-side after
// over-fetching; aggregates a backend cannot compute are emulated by
// reducing fetched rows, bounded by a row cap.
package adapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/connections"
	"github.com/scrypster/entbridge/internal/transport"
	"github.com/scrypster/entbridge/pkg/types"
)

// Adapter is the capability interface every backend implements.
//
// Query and Aggregate expect a spec already validated against the entity's
// descriptor: filter operands coerced and spec.Descriptor set.
type Adapter interface {
	System() types.SystemKind

	// Ping performs a cheap authenticated request to confirm reachability.
	Ping(ctx context.Context) error

	ListEntities(ctx context.Context) ([]types.EntityDescriptor, error)
	DescribeEntity(ctx context.Context, entity string) (*types.EntityDescriptor, error)

	// TranslateFilter renders one expression in the backend's native filter
	// syntax. Operators in EmulatedOperators return an error wrapping
	// ErrClientSide.
	TranslateFilter(f types.FilterExpression) (string, error)
	EmulatedOperators() []types.Operator

	Query(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error)
	GetRecord(ctx context.Context, entity, id string) (types.Record, error)
	CreateRecord(ctx context.Context, entity string, fields types.Record) (string, error)
	UpdateRecord(ctx context.Context, entity, id string, fields types.Record) error
	DeleteRecord(ctx context.Context, entity, id string) error
	Aggregate(ctx context.Context, spec types.AggregateSpec) (*types.AggregateResult, error)
	RawRequest(ctx context.Context, req types.RawRequest) (*types.RawResponse, error)

	// Transport exposes the connection's HTTP client for health reporting.
	Transport() *transport.Client
}

// ErrClientSide marks an operator the backend cannot express natively.
var ErrClientSide = errors.New("operator is evaluated client-side")

// Limits bounds client-side work.
type Limits struct {
	AggregateRowCap  int // rows fetched by an emulated aggregate
	EmulationScanCap int // rows scanned while post-filtering
}

// Deps carries the shared services an adapter is built with.
type Deps struct {
	Credentials transport.Credentials
	Transport   config.TransportConfig
	Limits      Limits
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// New builds the adapter for the profile's system kind.
func New(profile *connections.Profile, deps Deps) (Adapter, error) {
	if profile == nil {
		return nil, types.ConfigErrorf("nil connection profile")
	}
	if !profile.System.IsValid() {
		return nil, &types.Error{Kind: types.KindConfig, Connection: profile.ID, Message: "unknown system kind " + string(profile.System)}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Limits.AggregateRowCap <= 0 {
		deps.Limits.AggregateRowCap = 10000
	}
	if deps.Limits.EmulationScanCap <= 0 {
		deps.Limits.EmulationScanCap = 5000
	}

	opts := transportOptions(profile, deps)
	switch profile.System {
	case types.SystemSAP:
		service := profile.Options.String("service", "")
		root := profile.Options.String("service_path", "/sap/opu/odata/sap/"+service)
		opts.CSRF = &transport.CSRFConfig{FetchPath: root + "/"}
	case types.SystemOracle:
		opts.DefaultHeaders = map[string]string{"REST-Framework-Version": profile.Options.String("framework_version", "4")}
	}

	client, err := transport.New(opts)
	if err != nil {
		return nil, types.Annotate(err, profile.ID, profile.System, "connect")
	}
	b := base{
		profile: *profile,
		client:  client,
		limits:  deps.Limits,
		logger:  deps.Logger.With("connection", profile.ID, "system", string(profile.System)),
	}

	switch profile.System {
	case types.SystemSAP:
		return newOData(b), nil
	case types.SystemSalesforce:
		return newSOQL(b), nil
	case types.SystemNetSuite:
		return newSuiteQL(b), nil
	default:
		return newFusion(b), nil
	}
}

// transportOptions merges process defaults with per-profile overrides.
func transportOptions(p *connections.Profile, deps Deps) transport.Options {
	t := deps.Transport
	opts := transport.Options{
		ConnectionID:   p.ID,
		System:         p.System,
		BaseURL:        p.BaseURL,
		Credentials:    deps.Credentials,
		Timeout:        t.RequestTimeout,
		RetryAttempts:  t.RetryAttempts,
		RetryBaseDelay: t.RetryBaseDelay,
		RetryMaxDelay:  t.RetryMaxDelay,
		MaxConcurrency: t.MaxConcurrency,
		RateLimit:      t.RateLimit,
		RateBurst:      t.RateBurst,
		Breaker: transport.CircuitBreakerConfig{
			MaxFailures: t.BreakerFailures,
			Timeout:     t.BreakerTimeout,
		},
		HTTPClient: deps.HTTPClient,
		Logger:     deps.Logger,
	}
	if d := p.Timeout(); d > 0 {
		opts.Timeout = d
	}
	if n := p.MaxConcurrency(); n > 0 {
		opts.MaxConcurrency = n
	}
	if r := p.RateLimit(); r > 0 {
		opts.RateLimit = r
	}
	if n := p.Options.Int("retry_attempts", 0); n > 0 {
		opts.RetryAttempts = n
	}
	return opts
}
