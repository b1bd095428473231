// Copyright 2025 James Ross
package proxyhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) registerObservability(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/wal/status", s.handleWALStatus)
	mux.HandleFunc("/wal/stats", s.handleWALStatus)
	mux.HandleFunc("/transaction/safety/status", s.handleLedgerStatus)
	mux.HandleFunc("/transaction/safety/recovery/trigger", s.handleRecoveryTrigger)
	mux.HandleFunc("/transaction/safety/cleanup", s.handleCleanup)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements spec §4.8: 200 if at least one backend
// healthy, else 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for name := range s.backends {
		if s.health.IsHealthy(name) {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

type statusResponse struct {
	Version  string                  `json:"version"`
	Backends map[string]backendState `json:"backends"`
	WAL      map[string]int64        `json:"wal_counts"`
}

type backendState struct {
	Healthy bool   `json:"healthy"`
	BaseURL string `json:"base_url"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		Version:  s.version,
		Backends: make(map[string]backendState),
	}
	for name, b := range s.backends {
		resp.Backends[string(name)] = backendState{Healthy: s.health.IsHealthy(name), BaseURL: b.BaseURL}
	}

	counts, err := s.store.WALCounts(ctx)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	wal := make(map[string]int64, len(counts))
	for k, v := range counts {
		wal[string(k)] = v
	}
	resp.WAL = wal

	writeJSON(w, http.StatusOK, resp)
}

type walStatusResponse struct {
	Counts        map[string]int64 `json:"counts"`
	OldestPending *time.Time       `json:"oldest_pending,omitempty"`
}

func (s *Server) handleWALStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.store.WALCounts(ctx)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	oldest, err := s.store.OldestPendingWAL(ctx)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}

	out := make(map[string]int64, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	writeJSON(w, http.StatusOK, walStatusResponse{Counts: out, OldestPending: oldest})
}

type ledgerStatusResponse struct {
	Counts map[string]int64 `json:"counts"`
}

func (s *Server) handleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.LedgerCounts(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	out := make(map[string]int64, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	writeJSON(w, http.StatusOK, ledgerStatusResponse{Counts: out})
}

// RecoveryRunner performs one pass of the ledger's recovery worker
// synchronously, used by the admin-triggered endpoint.
type RecoveryRunner func(ctx context.Context)

func (s *Server) handleRecoveryTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recoveryTrigger == nil {
		http.Error(w, "recovery trigger not configured", http.StatusServiceUnavailable)
		return
	}
	s.recoveryTrigger(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

type cleanupRequest struct {
	DaysOld int `json:"days_old"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DaysOld <= 0 {
		http.Error(w, "days_old must be a positive integer", http.StatusBadRequest)
		return
	}

	walDeleted, err := s.store.Cleanup(r.Context(), "wal", "synced_at", req.DaysOld)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	ledgerDeleted, err := s.store.Cleanup(r.Context(), "ledger", "updated_at", req.DaysOld)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"wal_deleted": walDeleted, "ledger_deleted": ledgerDeleted})
}
