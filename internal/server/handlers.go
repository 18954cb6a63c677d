package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/printwatch/printwatch/internal/monitor"
	"github.com/printwatch/printwatch/internal/notify"
)

const defaultJobLimit = 50

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			// Headers are already written, nothing left to do.
			return
		}
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startMonitorRequest is the body of POST /api/monitor.
type startMonitorRequest struct {
	HubURL         string   `json:"hub_url"`
	AccessToken    string   `json:"access_token"`
	DevicePrefixes []string `json:"device_prefixes"`
}

func (s *Server) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	var req startMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HubURL == "" || req.AccessToken == "" {
		respondError(w, http.StatusBadRequest, "hub_url and access_token are required")
		return
	}
	if len(req.DevicePrefixes) == 0 {
		respondError(w, http.StatusBadRequest, "at least one device prefix is required")
		return
	}
	for _, p := range req.DevicePrefixes {
		if strings.ContainsAny(p, " .") {
			respondError(w, http.StatusBadRequest, "invalid device prefix: "+p)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mon != nil {
		respondError(w, http.StatusConflict, "monitoring already running")
		return
	}

	tracker, err := s.newTracker()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create job tracker")
		respondError(w, http.StatusInternalServerError, "failed to start monitoring")
		return
	}

	mon := monitor.New(s.monitorConfig(req.HubURL, req.AccessToken, req.DevicePrefixes), tracker, s.dispatcher, s.liveCh, s.log)
	mon.Start()
	s.mon = mon

	s.log.Info().Strs("devices", req.DevicePrefixes).Msg("monitoring started")
	respondJSON(w, http.StatusCreated, mon.Connectivity())
}

func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mon := s.mon
	s.mon = nil
	s.mu.Unlock()

	if mon != nil {
		mon.Stop()
		s.log.Info().Msg("monitoring stopped")
	}
	respondJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()

	if mon == nil {
		respondJSON(w, http.StatusOK, monitor.Connectivity{Connection: "stopped", Devices: []string{}})
		return
	}
	respondJSON(w, http.StatusOK, mon.Connectivity())
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()

	if mon == nil {
		respondError(w, http.StatusConflict, "monitoring not running")
		return
	}
	respondJSON(w, http.StatusOK, mon.States())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")

	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()

	if mon == nil {
		respondError(w, http.StatusConflict, "monitoring not running")
		return
	}
	entry, ok := mon.State(prefix)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown device: "+prefix)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := s.store.RecentJobs(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load job history")
		respondError(w, http.StatusInternalServerError, "failed to load jobs")
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) handlePutRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rec notify.Recipient
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec.ID = id
	if rec.DevicePrefix == "" || rec.PushToken == "" {
		respondError(w, http.StatusBadRequest, "device_prefix and push_token are required")
		return
	}

	if err := s.store.UpsertRecipient(rec); err != nil {
		s.log.Error().Err(err).Str("recipient", id).Msg("failed to save recipient")
		respondError(w, http.StatusInternalServerError, "failed to save recipient")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteRecipient(id); err != nil {
		s.log.Error().Err(err).Str("recipient", id).Msg("failed to delete recipient")
		respondError(w, http.StatusInternalServerError, "failed to delete recipient")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// putLiveTokenRequest is the body of PUT /api/live/{prefix}.
type putLiveTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handlePutLiveToken(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")

	var req putLiveTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := s.liveCh.Register(prefix, req.Token); err != nil {
		s.log.Error().Err(err).Str("device", prefix).Msg("failed to register live token")
		respondError(w, http.StatusInternalServerError, "failed to register live token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"device_prefix": prefix})
}

func (s *Server) handleDeleteLiveToken(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")

	if err := s.liveCh.Unregister(prefix); err != nil {
		s.log.Error().Err(err).Str("device", prefix).Msg("failed to unregister live token")
		respondError(w, http.StatusInternalServerError, "failed to unregister live token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": prefix})
}
