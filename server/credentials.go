package server

import (
	"net/http"
	"strings"

	"github.com/mailpulse/mailpulse/credential"
)

type createCredentialRequest struct {
	Channel string            `json:"channel"`
	Name    string            `json:"name"`
	Config  credential.Config `json:"config"`
}

// HandleListCredentials lists credentials without their secrets
func (s *Server) HandleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Credentials.List(r.Context(), ownerID(r), r.URL.Query().Get("channel"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if creds == nil {
		creds = []*credential.Credential{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds})
}

// HandleCreateCredential stores an encrypted provider credential
func (s *Server) HandleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if !readJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Config.Provider
	}

	cred, err := s.deps.Credentials.Create(r.Context(), ownerID(r), req.Channel, name, req.Config)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Credentials.Delete(r.Context(), r.PathValue("id"), ownerID(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
