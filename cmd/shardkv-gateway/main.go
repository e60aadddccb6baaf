// Command shardkv-gateway exposes a thin HTTP front end over a shardkv
// Client: direct shard calls (one operation per request; there is no map()
// batch endpoint), liveness/readiness probes, and Prometheus metrics on a
// separate port.
//
// Usage:
//
//	go run ./cmd/shardkv-gateway [-config configs/development.yaml]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shardkv/shardkv"
	"github.com/shardkv/shardkv/pkg/config"
	"github.com/shardkv/shardkv/pkg/health"
	"github.com/shardkv/shardkv/pkg/logger"
	"github.com/shardkv/shardkv/pkg/metrics"
	"github.com/shardkv/shardkv/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting shardkv gateway", "port", cfg.Server.Port)

	client, err := shardkv.Open(*configPath)
	if err != nil {
		slog.Error("failed to open shardkv client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if cfg.Metrics.Enabled {
		metricsShutdown := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			metricsShutdown(shutdownCtx)
		}()
		slog.Info("prometheus metrics enabled", "port", cfg.Metrics.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	for name := range cfg.Clusters {
		name := name
		checker.Register(name, func(ctx context.Context) health.ComponentHealth {
			cl, ok := client.Cluster(name)
			if !ok {
				return health.ComponentHealth{Status: health.StatusDown, Message: "cluster not found"}
			}
			if _, err := cl.GetConn(); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	gw := &gateway{client: client}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/clusters/{name}/call", gw.handleCall)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var handler http.Handler = mux
	handler = withTimeout(cfg.Server.WriteTimeout)(handler)
	handler = withRequestID(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("shardkv gateway listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("shardkv gateway stopped")
}

// gateway wraps the shardkv client for the HTTP surface.
type gateway struct {
	client *shardkv.Client
}

type callRequest struct {
	Operation string `json:"operation"`
	Args      []any  `json:"args"`
}

// handleCall executes one direct call against a named cluster: POST
// /api/v1/clusters/{name}/call with {"operation": "get", "args": ["key"]}.
func (g *gateway) handleCall(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	ctx, span := tracing.StartSpan(r.Context(), "gateway.call", requestID)
	defer func() {
		span.End()
		span.Log()
	}()

	name := r.PathValue("name")
	span.SetAttr("cluster", name)
	cl, ok := g.client.Cluster(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown cluster %q", name))
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v, err := cl.Execute(ctx, req.Operation, req.Args...)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": v})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// withRequestID stamps every request with a request ID, propagated through
// context for FromContext to pick up in downstream logging.
func withRequestID(next http.Handler) http.Handler {
	var counter atomic.Int64
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = strconv.FormatInt(counter.Add(1), 10)
		}
		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withTimeout cancels the request context after timeout and returns 504 if
// the handler hasn't written a response by then.
func withTimeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w}
			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				if !tw.written {
					slog.Warn("request timed out", "method", r.Method, "path", r.URL.Path, "timeout", timeout)
					http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
				}
			}
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	written bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.written = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.written = true
	return tw.ResponseWriter.Write(b)
}
