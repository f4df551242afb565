package server

import (
	"net/http"

	"github.com/mailpulse/mailpulse/pulse/budget"
)

type usageResponse struct {
	Quota     *budget.Status `json:"quota,omitempty"`
	RateLimit *rateUsage     `json:"rate_limit,omitempty"`
}

type rateUsage struct {
	PerMinute     int `json:"per_minute"`
	CallsInWindow int `json:"calls_in_window"`
	Remaining     int `json:"remaining"`
}

// HandleUsage reports the owner's sends against quotas and the send rate
// window. Parts whose service is not configured are omitted.
func (s *Server) HandleUsage(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	var resp usageResponse

	if s.deps.Quotas != nil {
		status, err := s.deps.Quotas.GetStatus(r.Context(), owner)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		resp.Quota = status
	}

	if s.deps.Limiter != nil {
		calls, remaining, err := s.deps.Limiter.Stats(r.Context(), owner)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		resp.RateLimit = &rateUsage{
			PerMinute:     s.deps.Limiter.Limit(),
			CallsInWindow: calls,
			Remaining:     remaining,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
