package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/goodtune/quotawatch/internal/usage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// ClearAlertsRequest scopes an alert clear. Empty fields widen the scope: no
// dimension clears the whole account, no account clears everything.
type ClearAlertsRequest struct {
	AccountID string `json:"account_id"`
	Dimension string `json:"dimension"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.controller.Snapshots()
	retrying := 0
	for _, snap := range snaps {
		if snap.Retrying {
			retrying++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduler": s.controller.Status(),
		"snapshots": len(snaps),
		"retrying":  retrying,
	})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps := s.controller.Snapshots()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, ok := s.controller.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	if _, ok := s.controller.Snapshot(id); !ok {
		writeError(w, http.StatusNotFound, "Account not found")
		return
	}

	history, err := s.controller.History(ctx, id, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("account", id).Msg("Failed to read history")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"history":    history,
		"count":      len(history),
	})
}

func (s *Server) handleProbes(w http.ResponseWriter, r *http.Request) {
	records := s.probeLog.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"probes": records,
		"count":  len(records),
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid probe id")
		return
	}

	record, ok := s.probeLog.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Probe record not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.controller.Refresh()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Refresh requested",
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controller.Pause()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Polling paused",
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.controller.Resume()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Polling resumed",
	})
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ClearAlertsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Dimension {
	case "", string(usage.DimensionSession), string(usage.DimensionWeekly):
	default:
		writeError(w, http.StatusBadRequest, "Invalid dimension")
		return
	}
	if req.Dimension != "" && req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "Dimension requires account_id")
		return
	}

	if err := s.controller.ClearAlerts(ctx, req.AccountID, usage.Dimension(req.Dimension)); err != nil {
		s.logger.Error().Err(err).Str("account", req.AccountID).Msg("Failed to clear alerts")
		writeError(w, http.StatusInternalServerError, "Failed to clear alerts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Alert state cleared",
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
