// Package server wires the HTTP surface: the rotated API paths, the status
// and log endpoints, and the account administration handlers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/cc-rotator/internal/account"
	"github.com/yansir/cc-rotator/internal/config"
	"github.com/yansir/cc-rotator/internal/events"
	"github.com/yansir/cc-rotator/internal/pool"
	"github.com/yansir/cc-rotator/internal/rotation"
	"github.com/yansir/cc-rotator/internal/store"
)

// Server is the main HTTP server.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	pool       *pool.Pool
	oauth      *account.OAuthClient
	rotation   *rotation.Handler
	bus        *events.Bus
	logs       *events.LogHandler
	httpServer *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, st *store.Store, p *pool.Pool, oauth *account.OAuthClient, rot *rotation.Handler, bus *events.Bus, lh *events.LogHandler) *Server {
	srv := &Server{
		cfg:       cfg,
		store:     st,
		pool:      p,
		oauth:     oauth,
		rotation:  rot,
		bus:       bus,
		logs:      lh,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestID(requestLogger(mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Rotated API paths
	mux.Handle("POST /api/v1/messages", s.rotation)
	mux.Handle("POST /api/v1/chat/completions", s.rotation)
	mux.Handle("POST /sdk/v1/messages", s.rotation)

	// Observation
	mux.HandleFunc("GET /rotation/status", s.handleStatus)
	mux.HandleFunc("GET /rotation/logs", s.handleLogs)
	mux.HandleFunc("GET /rotation/events", s.handleEvents)

	// Account administration
	mux.HandleFunc("GET /rotation/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /rotation/accounts/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /rotation/accounts/exchange", s.handleExchange)
	mux.HandleFunc("GET /rotation/accounts/pending", s.handlePending)
	mux.HandleFunc("DELETE /rotation/accounts/{name}", s.handleDeleteAccount)

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":%q}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server, the expiry sweeper, and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.runSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// runSweeper deletes expired flows and rate-limit markers on a fixed cadence.
func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pool.SweepExpired(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Status())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.logs.Recent()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.bus.Recent()})
}

// requestID stamps every request with a Request-Id header if the client did
// not send one, and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("Request-Id")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("Request-Id", id)
		}
		w.Header().Set("Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "request_id", r.Header.Get("Request-Id"))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":%q,"message":%q}}`, errType, msg)
}
