package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/ingest"
	"github.com/lgm-ops/movesync/internal/smartmoving"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadIntegration resolves the {id} URL param, writing the error response
// itself when the integration cannot be used.
func (s *Server) loadIntegration(w http.ResponseWriter, r *http.Request) *crm.Integration {
	id := chi.URLParam(r, "id")
	in, err := s.integrations.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load integration")
		return nil
	}
	if in == nil {
		writeError(w, http.StatusNotFound, "integration not found")
		return nil
	}
	return in
}

type syncRequest struct {
	From     string `json:"from,omitempty"` // YYYY-MM-DD
	To       string `json:"to,omitempty"`
	Backfill bool   `json:"backfill,omitempty"`
}

// handleTriggerSync starts a manual run and returns 202 with its run ID,
// or 409 when the integration is already syncing.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	in := s.loadIntegration(w, r)
	if in == nil {
		return
	}

	var req syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	window, err := s.windowFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	syncType := crm.SyncManual
	if req.Backfill {
		syncType = crm.SyncBackfill
	}

	runID, err := s.orch.RunAsync(r.Context(), in, syncType, window, s.cfg.RunDeadline)
	if errors.Is(err, ingest.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "sync already running")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) windowFromRequest(req syncRequest) (ingest.Window, error) {
	now := time.Now()
	window := ingest.Window{From: now, To: now.AddDate(0, 0, s.cfg.WindowDays-1)}
	if req.From != "" {
		from, err := time.Parse("2006-01-02", req.From)
		if err != nil {
			return ingest.Window{}, errors.New("invalid from date, want YYYY-MM-DD")
		}
		window.From, window.To = from, from
	}
	if req.To != "" {
		to, err := time.Parse("2006-01-02", req.To)
		if err != nil {
			return ingest.Window{}, errors.New("invalid to date, want YYYY-MM-DD")
		}
		window.To = to
	}
	if window.To.Before(window.From) {
		return ingest.Window{}, errors.New("to date precedes from date")
	}
	return window, nil
}

// handleStatus returns the integration state and its recent runs. The n
// query parameter bounds the run history (default 10).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	in := s.loadIntegration(w, r)
	if in == nil {
		return
	}

	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}

	runs, err := s.syncLog.Recent(r.Context(), in.ID, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"integration": in,
		"runs":        runs,
	})
}

// handleTestConnection pings the upstream API with the integration's
// credentials.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	in := s.loadIntegration(w, r)
	if in == nil {
		return
	}

	client := s.orch.UpstreamClient(in)
	if err := client.Ping(r.Context()); err != nil {
		status := http.StatusBadGateway
		if smartmoving.IsAuthError(err) {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handlePatch updates the integration's mutable settings.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch ingest.IntegrationPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	in, err := s.integrations.Update(r.Context(), id, patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update integration")
		return
	}
	if in == nil {
		writeError(w, http.StatusNotFound, "integration not found")
		return
	}
	writeJSON(w, http.StatusOK, in)
}
