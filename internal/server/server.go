// Package server exposes the process-facing HTTP API: monitoring
// control, cached device state, job history and registration of push
// recipients and live-update tokens.
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/printwatch/printwatch/internal/config"
	"github.com/printwatch/printwatch/internal/jobs"
	"github.com/printwatch/printwatch/internal/live"
	"github.com/printwatch/printwatch/internal/monitor"
	"github.com/printwatch/printwatch/internal/notify"
	"github.com/printwatch/printwatch/internal/push"
	"github.com/printwatch/printwatch/internal/store"
	"github.com/rs/zerolog"
)

// Server is the HTTP API server and the owner of the monitor lifecycle.
type Server struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *store.Store
	gateway    push.Gateway
	dispatcher *notify.Dispatcher
	liveCh     *live.Channel
	router     *chi.Mux

	mu  sync.Mutex
	mon *monitor.Monitor
}

// New creates the API server and its shared collaborators.
func New(cfg *config.Config, st *store.Store, gateway push.Gateway, log zerolog.Logger) (*Server, error) {
	liveCh, err := live.NewChannel(gateway, st, cfg.LiveDismissAfter, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		log:        log.With().Str("component", "server").Logger(),
		store:      st,
		gateway:    gateway,
		dispatcher: notify.NewDispatcher(st, gateway, cfg.MilestoneThresholds, log),
		liveCh:     liveCh,
	}
	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/api", func(r chi.Router) {
			r.Post("/monitor", s.handleStartMonitor)
			r.Delete("/monitor", s.handleStopMonitor)
			r.Get("/monitor", s.handleMonitorStatus)

			r.Get("/devices", s.handleGetDevices)
			r.Get("/devices/{prefix}", s.handleGetDevice)

			r.Get("/jobs", s.handleGetJobs)

			r.Put("/recipients/{id}", s.handlePutRecipient)
			r.Delete("/recipients/{id}", s.handleDeleteRecipient)

			r.Put("/live/{prefix}", s.handlePutLiveToken)
			r.Delete("/live/{prefix}", s.handleDeleteLiveToken)
		})
	})

	s.router = r
}

// Run starts the HTTP listener and blocks.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
	return http.ListenAndServe(s.cfg.ListenAddr, s.router)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown stops any running monitor.
func (s *Server) Shutdown() {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
}

// requireToken enforces the bearer API token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			s.log.Warn().Str("path", r.URL.Path).Msg("rejected request with bad token")
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// monitorConfig builds the monitor session config from the request and
// the daemon defaults.
func (s *Server) monitorConfig(hubURL, accessToken string, prefixes []string) monitor.Config {
	return monitor.Config{
		HubURL:         hubURL,
		AccessToken:    accessToken,
		DevicePrefixes: prefixes,
		StaleJobAfter:  s.cfg.StaleJobAfter,
		BaseDelay:      s.cfg.ReconnectBase,
		MaxDelay:       s.cfg.ReconnectCap,
		MaxAttempts:    s.cfg.ReconnectMaxRetries,
		RequestTimeout: s.cfg.RequestTimeout,
	}
}

// newTracker builds the job tracker for one monitoring session.
func (s *Server) newTracker() (*jobs.Tracker, error) {
	return jobs.NewTracker(s.store, s.cfg.OwnerID, s.log)
}
