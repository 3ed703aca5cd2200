// Package server exposes the MCP tool server over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/entbridge/internal/api/mcp"
	"github.com/scrypster/entbridge/internal/config"
)

// maxBodyBytes bounds a single JSON-RPC request body.
const maxBodyBytes = 4 << 20

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// requireToken enforces a bearer token when one is configured.
func requireToken(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects requests beyond the limiter's budget. A zero rate
// disables limiting.
func rateLimit(next http.Handler, perSec float64, burst int) http.Handler {
	if perSec <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSec), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request at debug level.
func accessLog(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"code":%q}`, msg, code)
}

// Handler builds the HTTP handler: POST /mcp carries one JSON-RPC request
// per body and GET /healthz reports liveness without auth.
func Handler(cfg config.ServerConfig, tools *mcp.Server, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	rpc := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "TOO_LARGE")
			return
		}
		resp, err := tools.HandleRequest(r.Context(), body)
		if err != nil {
			logger.Error("handler error", "error", err)
			writeJSONError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
			return
		}
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
	})
	mux.Handle("POST /mcp", rateLimit(requireToken(rpc, cfg.APIToken), cfg.RateLimit, cfg.RateBurst))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","connections":%d}`, len(tools.Engine().ListConnections()))
	})

	return securityHeadersMiddleware(accessLog(mux, logger))
}

// Start listens on cfg.Addr and serves until ctx is done. It returns the
// address actually bound, which differs from cfg.Addr for port 0.
func Start(ctx context.Context, cfg config.ServerConfig, tools *mcp.Server, logger *slog.Logger) (string, error) {
	srv := &http.Server{
		Handler:      Handler(cfg, tools, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	addr := listener.Addr().String()
	logger.Info("http server listening", "addr", addr)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	return addr, nil
}
