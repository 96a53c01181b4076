// Package server provides the HTTP API of smartpantry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/server/api"
	"github.com/ayusman/smartpantry/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	Ledger    *ledger.Ledger
	Events    *EventHub

	// Stats, when set, is reported by the health endpoint.
	Stats func() any

	// Tracking, when set, reports why frame tracking stopped. Health is
	// degraded while it returns an error.
	Tracking func() error

	Log logrus.FieldLogger
}

// Server is the HTTP server for the inventory API.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	log    logrus.FieldLogger
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		log:    logging.Component(config.Log, "server"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Ledger != nil {
		inventory := api.NewInventoryHandler(s.config.Ledger)
		s.mux.Handle("/api/inventory", inventory)
		s.mux.Handle("/api/inventory/", inventory)
		s.mux.Handle("/api/compensations", api.NewCompensationHandler(s.config.Ledger))
	}

	if s.config.Store != nil {
		transactions := api.NewTransactionHandler(s.config.Store.Transactions())
		s.mux.Handle("/api/transactions", transactions)
		s.mux.Handle("/api/transactions/", transactions)
		s.mux.Handle("/api/sessions", api.NewSessionHandler(s.config.Store.Sessions()))
	}

	if s.config.Events != nil {
		s.mux.Handle("/api/events", s.config.Events)
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health. It reports 503 when
// the database does not answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := http.StatusOK
	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}

	if s.config.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.config.Store.Ping(ctx); err != nil {
			s.log.WithError(err).Warn("health check: database unavailable")
			status = http.StatusServiceUnavailable
			response["status"] = "degraded"
			response["database"] = err.Error()
		} else {
			response["database"] = "ok"
		}
	}
	if s.config.Tracking != nil {
		if err := s.config.Tracking(); err != nil {
			status = http.StatusServiceUnavailable
			response["status"] = "degraded"
			response["tracking"] = err.Error()
		} else {
			response["tracking"] = "ok"
		}
	}
	if s.config.Ledger != nil {
		response["session"] = s.config.Ledger.SessionID()
	}
	if s.config.Events != nil {
		response["event_clients"] = s.config.Events.Clients()
	}
	if s.config.Stats != nil {
		response["pipeline"] = s.config.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.WithError(err).Warn("failed to encode health response")
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.config.Events != nil {
		s.config.Events.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
