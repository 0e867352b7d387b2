// Package server wires the HTTP surface: the three Anthropic-dialect
// client endpoints delegate straight to internal/dispatch, and the admin
// API here manages the account pool, strategy, and request log.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"kirobridge/internal/auth"
	"kirobridge/internal/config"
	"kirobridge/internal/dispatch"
	"kirobridge/internal/events"
	"kirobridge/internal/pool"
	"kirobridge/internal/store"
	"kirobridge/internal/transport"
)

// Server is the main HTTP server.
type Server struct {
	cfg          *config.Config
	pool         *pool.AccountPool
	dispatcher   *dispatch.Dispatcher
	authMw       *auth.Middleware
	store        store.Store
	bus          *events.Bus
	logHandler   *events.LogHandler
	transportMgr *transport.Manager
	httpServer   *http.Server
	startTime    time.Time
}

func New(cfg *config.Config, p *pool.AccountPool, d *dispatch.Dispatcher, s store.Store, bus *events.Bus, lh *events.LogHandler, tm *transport.Manager) *Server {
	srv := &Server{
		cfg:          cfg,
		pool:         p,
		dispatcher:   d,
		authMw:       auth.NewMiddleware(cfg.StaticToken),
		store:        s,
		bus:          bus,
		logHandler:   lh,
		transportMgr: tm,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        recovery(requestLogger(mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authd := s.authMw.Authenticate

	// Client-facing Anthropic-dialect endpoints (spec.md §6).
	mux.Handle("GET /v1/models", authd(http.HandlerFunc(s.dispatcher.HandleModels)))
	mux.Handle("POST /v1/messages", authd(http.HandlerFunc(s.dispatcher.HandleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", authd(http.HandlerFunc(s.dispatcher.HandleCountTokens)))

	// Admin API (same API key, spec.md §6).
	mux.Handle("GET /api/status", authd(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /api/accounts", authd(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("POST /api/accounts", authd(http.HandlerFunc(s.handleAddAccount)))
	mux.Handle("POST /api/accounts/import", authd(http.HandlerFunc(s.handleImportAccounts)))
	mux.Handle("DELETE /api/accounts/{id}", authd(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /api/accounts/{id}/enable", authd(http.HandlerFunc(s.handleEnableAccount)))
	mux.Handle("POST /api/accounts/{id}/disable", authd(http.HandlerFunc(s.handleDisableAccount)))
	mux.Handle("GET /api/accounts/{id}/usage", authd(http.HandlerFunc(s.handleAccountUsage)))
	mux.Handle("POST /api/accounts/{id}/usage/refresh", authd(http.HandlerFunc(s.handleRefreshAccountUsage)))
	mux.Handle("GET /api/strategy", authd(http.HandlerFunc(s.handleGetStrategy)))
	mux.Handle("POST /api/strategy", authd(http.HandlerFunc(s.handleSetStrategy)))
	mux.Handle("GET /api/logs", authd(http.HandlerFunc(s.handleLogs)))
	mux.Handle("GET /api/logs/stats", authd(http.HandlerFunc(s.handleLogStats)))
	mux.Handle("POST /api/usage/refresh", authd(http.HandlerFunc(s.handleRefreshAllUsage)))

	// Health check — unauthenticated, for load balancers.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// The embedded web admin UI is an external collaborator (spec.md §1
	// Explicitly out of scope) — not served here.
}

// Run starts the server, background scanners, and blocks until a shutdown
// signal arrives, draining pending persistence flushes before exit
// (spec.md §5 cancellation and timeouts).
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bgDone := make(chan struct{})
	go func() {
		s.pool.RunBackground(ctx, s.cfg)
		close(bgDone)
	}()
	go s.transportMgr.RunCleanup(ctx)
	go s.runLogPurge(ctx)
	go s.runRequestLogMirror(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		cancel() // lets RunBackground drain its final accounts flush
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		<-bgDone // wait for the final accounts flush
		return err
	}
}

// requestLogCap mirrors the ring-buffer invariant spec.md §3 puts on the
// RequestLog entry: the request_logs.json export never carries more than
// this many entries, oldest evicted.
const requestLogCap = 1000

// runLogPurge deletes request_log rows older than the configured
// retention window on a ticker (adapted from the teacher's own
// runLogPurge, which ran every 6 hours against a 30-day retention).
func (s *Server) runLogPurge(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LogPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-s.cfg.LogRetention)
			n, err := s.store.PurgeOldLogs(ctx, before)
			if err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}

// runRequestLogMirror keeps DATA_DIR/request_logs.json in sync with the
// most recent requestLogCap SQLite rows (spec.md §6 persisted files).
func (s *Server) runRequestLogMirror(ctx context.Context) {
	path := filepath.Join(s.cfg.DataDir, "request_logs.json")
	ticker := time.NewTicker(s.cfg.LogMirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.ExportRequestLogs(ctx, path, requestLogCap); err != nil {
				slog.Error("request log mirror failed", "error", err)
			}
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// recovery turns a panicking handler into a 500 instead of crashing the
// process — the outermost middleware, so it catches panics from auth,
// logging, and the handlers alike.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered", "path", r.URL.Path, "remote", r.RemoteAddr, "panic", rec)
				writeAdminError(w, http.StatusInternalServerError, "api_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]string{"error": errType, "message": msg})
}
