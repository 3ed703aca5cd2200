package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without contacting the backend while the
// connection's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig tunes one connection's breaker. Zero values take the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	MaxFailures          uint32        // consecutive failures that trip the breaker (default: 5)
	Timeout              time.Duration // open period before a half-open probe (default: 30s)
	HalfOpenMaxSuccesses uint32        // probes that must succeed to close again (default: 2)
}

// BreakerStatus is the breaker snapshot reported by health checks.
type BreakerStatus struct {
	State               string `json:"state"`
	Requests            uint64 `json:"requests"`
	Rejected            uint64 `json:"rejected"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// circuitBreaker guards one connection's round trips. Only network errors
// and 5xx replies count as failures; a 404 or a validation rejection says
// nothing about backend health.
type circuitBreaker struct {
	cb       *gobreaker.CircuitBreaker
	requests atomic.Uint64
	rejected atomic.Uint64
}

func newCircuitBreaker(connection string, cfg CircuitBreakerConfig, logger *slog.Logger) *circuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}
	return &circuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        connection,
			MaxRequests: cfg.HalfOpenMaxSuccesses,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "from", stateName(from), "to", stateName(to))
			},
		}),
	}
}

// execute performs one round trip through the breaker. fn returns a
// non-nil error only for failures that reflect backend health; it may
// return a response alongside that error.
func (b *circuitBreaker) execute(ctx context.Context, fn func() (*Response, error)) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.requests.Add(1)
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		return nil, ErrCircuitOpen
	}
	resp, _ := out.(*Response)
	return resp, err
}

func (b *circuitBreaker) status() BreakerStatus {
	return BreakerStatus{
		State:               stateName(b.cb.State()),
		Requests:            b.requests.Load(),
		Rejected:            b.rejected.Load(),
		ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
