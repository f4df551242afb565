package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mailpulse/mailpulse/logger"
)

// OwnerHeader carries the caller's owner id. Authentication happens in
// front of mailpulse; the header is trusted as given.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

// routes configures all HTTP handlers
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)

	// Jobs
	mux.HandleFunc("POST /api/jobs", s.owned(s.HandleCreateJob))
	mux.HandleFunc("GET /api/jobs", s.owned(s.HandleListJobs))
	mux.HandleFunc("GET /api/jobs/stream", s.owned(s.HandleJobStream)) // websocket of the owner's job updates
	mux.HandleFunc("GET /api/jobs/{id}", s.owned(s.HandleGetJob))
	mux.HandleFunc("DELETE /api/jobs/{id}", s.owned(s.HandleDeleteJob)) // soft-cancel active, delete terminal
	mux.HandleFunc("POST /api/jobs/{id}/pause", s.owned(s.HandlePauseJob))
	mux.HandleFunc("POST /api/jobs/{id}/resume", s.owned(s.HandleResumeJob))
	mux.HandleFunc("GET /api/jobs/{id}/deliveries", s.owned(s.HandleJobDeliveries))

	mux.HandleFunc("GET /api/leads", s.owned(s.HandleListLeads))

	mux.HandleFunc("GET /api/credentials", s.owned(s.HandleListCredentials))
	mux.HandleFunc("POST /api/credentials", s.owned(s.HandleCreateCredential))
	mux.HandleFunc("DELETE /api/credentials/{id}", s.owned(s.HandleDeleteCredential))

	mux.HandleFunc("GET /api/suppressions", s.owned(s.HandleListSuppressions))
	mux.HandleFunc("POST /api/suppressions", s.owned(s.HandleAddSuppression))
	mux.HandleFunc("DELETE /api/suppressions/{email}", s.owned(s.HandleRemoveSuppression))

	mux.HandleFunc("GET /api/usage", s.owned(s.HandleUsage))

	// Public links embedded in emails, authenticated by their signature
	mux.HandleFunc("GET /t/open", s.HandleTrackOpen)
	mux.HandleFunc("GET /t/unsubscribe", s.HandleUnsubscribe)

	return s.corsMiddleware(s.logRequests(mux))
}

// owned rejects requests without an owner id and stores it in the context
func (s *Server) owned(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" && websocketRequest(r) {
			// Browsers cannot set headers on websocket upgrades
			owner = strings.TrimSpace(r.URL.Query().Get("owner_id"))
		}
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		ctx = logger.WithOwnerID(ctx, owner)
		next(w, r.WithContext(ctx))
	}
}

// ownerID returns the owner stored by owned
func ownerID(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func websocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// corsMiddleware adds CORS headers for configured origins
// Uses the same origin validation as websocket connections (server.allowed_origins config)
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+OwnerHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin validates an Origin header against server.allowed_origins.
// Prefix matching allows any port.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijacker for websockets
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocketRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}
