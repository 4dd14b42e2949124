package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/shuakami/proxy/pipeline"
	"github.com/shuakami/proxy/telemetry"
)

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleStats serves the counters API under /api/stats.
//
//	GET  /api/stats        current counters
//	POST /api/stats/reset  zero all counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetClass(r, telemetry.ClassInternal)
	pipeline.SetCORSHeaders(w.Header(), r)

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/reset"):
		telemetry.SetEndpoint(r, "stats_reset")
		s.authMiddleware(http.HandlerFunc(s.handleStatsReset)).ServeHTTP(w, r)
	case r.Method == http.MethodGet:
		telemetry.SetEndpoint(r, "stats")
		snapshot, err := s.counters.Read(r.Context())
		if err != nil {
			s.logger.Error("reading stats failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to read stats.", Details: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = io.WriteString(w, "Method Not Allowed")
	}
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if err := s.counters.Reset(r.Context()); err != nil {
		s.logger.Error("resetting stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to reset stats.", Details: err.Error()})
		return
	}
	s.logger.Info("proxy stats reset")
	writeJSON(w, http.StatusOK, messageResponse{Message: "Stats have been reset successfully."})
}

// handlePurge drops every cached response.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_purge")
	if err := s.store.DropAll(r.Context()); err != nil {
		s.logger.Error("purging cache failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to purge cache.", Details: err.Error()})
		return
	}
	s.logger.Info("cache purged")
	writeJSON(w, http.StatusOK, messageResponse{Message: "Cache has been purged successfully."})
}
