package engine

import (
	"context"
	"sync"
	"time"
)

// Stage names one step of the request pipeline.
type Stage string

// Pipeline stages, in execution order.
const (
	StageValidate     Stage = "validate"
	StageResolve      Stage = "resolve"
	StageAuthenticate Stage = "authenticate"
	StageExecute      Stage = "execute"
	StageNormalize    Stage = "normalize"
)

// TraceEvent records one finished pipeline stage.
type TraceEvent struct {
	Stage      Stage         `json:"stage"`
	Operation  string        `json:"operation"`
	Connection string        `json:"connection,omitempty"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration_ns"`

	// Detail is a short stage-specific note, such as the native query.
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type contextKey string

const traceKey contextKey = "pipeline_trace"

// TraceCollector accumulates the stage events of one request. It is safe
// for concurrent use.
type TraceCollector struct {
	mu        sync.Mutex
	events    []TraceEvent
	startedAt time.Time
}

// NewTraceCollector returns a fresh collector.
func NewTraceCollector() *TraceCollector {
	return &TraceCollector{startedAt: time.Now()}
}

// Emit appends an event.
func (tc *TraceCollector) Emit(e TraceEvent) {
	tc.mu.Lock()
	tc.events = append(tc.events, e)
	tc.mu.Unlock()
}

// Events returns the collected events in emission order.
func (tc *TraceCollector) Events() []TraceEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]TraceEvent, len(tc.events))
	copy(out, tc.events)
	return out
}

// ElapsedMS returns the time since the collector was created.
func (tc *TraceCollector) ElapsedMS() int64 {
	return time.Since(tc.startedAt).Milliseconds()
}

// WithTraceCollector stores a collector in the context.
func WithTraceCollector(ctx context.Context, tc *TraceCollector) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// TraceCollectorFromContext retrieves the collector from the context.
func TraceCollectorFromContext(ctx context.Context) (*TraceCollector, bool) {
	tc, ok := ctx.Value(traceKey).(*TraceCollector)
	return tc, ok
}

func emitToContext(ctx context.Context, e TraceEvent) {
	if tc, ok := TraceCollectorFromContext(ctx); ok {
		tc.Emit(e)
	}
}

// TraceSummary is the compact form of a trace returned to tool callers.
type TraceSummary struct {
	Stages  []StageTiming `json:"stages"`
	TotalMS int64         `json:"total_ms"`
	Failed  Stage         `json:"failed_stage,omitempty"`
	Native  string        `json:"native_query,omitempty"`
}

// StageTiming is one row of a TraceSummary.
type StageTiming struct {
	Operation string  `json:"operation"`
	Stage     Stage   `json:"stage"`
	MS        float64 `json:"ms"`
}

// BuildTraceSummary condenses collected events.
func BuildTraceSummary(events []TraceEvent, elapsedMS int64) *TraceSummary {
	s := &TraceSummary{Stages: []StageTiming{}, TotalMS: elapsedMS}
	for _, e := range events {
		s.Stages = append(s.Stages, StageTiming{
			Operation: e.Operation,
			Stage:     e.Stage,
			MS:        float64(e.Duration.Microseconds()) / 1000,
		})
		if e.Error != "" && s.Failed == "" {
			s.Failed = e.Stage
		}
		if e.Stage == StageExecute && e.Detail != "" {
			s.Native = e.Detail
		}
	}
	return s
}
