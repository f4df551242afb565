package server

import (
	"encoding/base64"
	"html/template"
	"net/http"
	"strings"

	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/tracking"
)

// openPixel is a transparent 1x1 PNG
var openPixel, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg==")

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:sans-serif;max-width:480px;margin:80px auto;text-align:center">
<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
</body></html>
`))

// HandleTrackOpen serves the open pixel. The image is returned whatever the
// query holds; only correctly signed requests mark the delivery opened.
func (s *Server) HandleTrackOpen(w http.ResponseWriter, r *http.Request) {
	if jobID, index, err := s.deps.Links.VerifyOpen(r.URL.Query()); err == nil {
		if err := s.deps.Deliveries.MarkOpened(r.Context(), jobID, index); err != nil {
			s.logger.Debugw("Open not recorded",
				logger.FieldJobID, jobID,
				logger.FieldItemIndex, index,
				logger.FieldError, err)
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(openPixel)
}

// HandleUnsubscribe adds the signed address to the owner's suppression list
func (s *Server) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	owner, email, err := s.deps.Links.VerifyUnsubscribe(r.URL.Query())
	if err != nil {
		renderUnsubscribe(w, http.StatusBadRequest, "Invalid link",
			"This unsubscribe link is invalid or has been altered.")
		return
	}
	if err := s.deps.Suppressions.Add(r.Context(), owner, email, "unsubscribe link"); err != nil {
		s.logger.Errorw("Failed to record unsubscribe", logger.FieldOwnerID, owner, logger.FieldError, err)
		renderUnsubscribe(w, http.StatusInternalServerError, "Something went wrong",
			"We could not process your request. Please try again later.")
		return
	}
	s.logger.Infow("Recipient unsubscribed", logger.FieldOwnerID, owner)
	renderUnsubscribe(w, http.StatusOK, "Unsubscribed",
		email+" will no longer receive these emails.")
}

func renderUnsubscribe(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	unsubscribePage.Execute(w, struct{ Title, Message string }{title, message})
}

type addSuppressionRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (s *Server) HandleListSuppressions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Suppressions.List(r.Context(), ownerID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*tracking.Suppression{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suppressions": list})
}

// HandleAddSuppression suppresses an address manually, e.g. after a complaint
func (s *Server) HandleAddSuppression(w http.ResponseWriter, r *http.Request) {
	var req addSuppressionRequest
	if !readJSON(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	if err := s.deps.Suppressions.Add(r.Context(), ownerID(r), req.Email, reason); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"email": tracking.NormalizeEmail(req.Email)})
}

func (s *Server) HandleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Suppressions.Remove(r.Context(), ownerID(r), r.PathValue("email")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
