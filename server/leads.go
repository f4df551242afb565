package server

import (
	"net/http"

	"github.com/mailpulse/mailpulse/leads"
)

// HandleListLeads pages through the owner's leads, optionally for one job
func (s *Server) HandleListLeads(w http.ResponseWriter, r *http.Request) {
	filter := leads.Filter{
		OwnerID: ownerID(r),
		JobID:   r.URL.Query().Get("job_id"),
		Limit:   parseIntQueryParam(r, "limit", leads.DefaultListLimit, 1, leads.MaxListLimit),
		Offset:  parseIntQueryParam(r, "offset", 0, 0, 1<<30),
	}
	list, err := s.deps.Leads.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*leads.Lead{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leads": list,
		"count": len(list),
	})
}
