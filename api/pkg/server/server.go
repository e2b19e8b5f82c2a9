package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/sessions"
	"github.com/deskhive/deskhive/api/pkg/store"
	"github.com/deskhive/deskhive/api/pkg/types"
)

const apiPrefix = "/api/v1"

// DiskUsageReporter is the slice of the filesystem subsystem the API
// exposes.
type DiskUsageReporter interface {
	DiskUsage(sessionID string) (*types.DiskUsage, error)
}

// Cleaner triggers a synchronous janitor sweep.
type Cleaner interface {
	ForceCleanup(ctx context.Context) (int, error)
}

// Server is the HTTP API over the session subsystem. No auth: this
// service sits behind the deployment's own gateway.
type Server struct {
	cfg      config.ServerConfig
	store    store.Store
	sessions *sessions.Manager
	display  sessions.DisplayManager
	usage    DiskUsageReporter
	cleaner  Cleaner
}

func NewServer(
	cfg config.ServerConfig,
	store store.Store,
	sessionManager *sessions.Manager,
	display sessions.DisplayManager,
	usage DiskUsageReporter,
	cleaner Cleaner,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		sessions: sessionManager,
		display:  display,
		usage:    usage,
		cleaner:  cleaner,
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.streamEvents).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/cancel", s.cancelProcessing).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/vnc", s.vncInfo).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/disk-usage", s.diskUsage).Methods(http.MethodGet)
	api.HandleFunc("/cleanup", s.forceCleanup).Methods(http.MethodPost)

	return router
}

// ListenAndServe blocks until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.WebServer.Host, s.cfg.WebServer.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown failed")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("http server listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
