package httpapi

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Database      string  `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       s.version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Database:      "connected",
	}

	status := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health probe: database unreachable", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	} else {
		resp.Database = "not_configured"
	}

	writeJSON(w, status, resp)
}
