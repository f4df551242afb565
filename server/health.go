package server

import (
	"net/http"

	"github.com/mailpulse/mailpulse/version"
)

// HandleHealth reports liveness, build info and worker pool load
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	resp := map[string]interface{}{
		"status":     "ok",
		"version":    info.Version,
		"commit":     info.CommitHash,
		"build_time": info.BuildTime,
		"clients":    s.clients.Load(),
	}
	if pool := s.deps.Supervisor.Pool(); pool != nil {
		resp["workers"] = pool.GetSystemMetrics(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}
