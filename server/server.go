// Package server exposes the job engine over HTTP: the /api/jobs resource,
// its websocket update stream, credentials, usage, leads and the public
// tracking endpoints embedded in campaign emails.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/credential"
	"github.com/mailpulse/mailpulse/delivery"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/leads"
	"github.com/mailpulse/mailpulse/pulse/async"
	"github.com/mailpulse/mailpulse/pulse/budget"
	"github.com/mailpulse/mailpulse/tracking"
)

// Deps are the services the handlers call. Quotas and Limiter may be nil.
type Deps struct {
	Supervisor   *async.Supervisor
	Deliveries   *delivery.Store
	Credentials  *credential.Store
	Leads        *leads.Store
	Suppressions *tracking.SuppressionStore
	Links        tracking.Links
	Quotas       *budget.Tracker
	Limiter      *budget.Limiter
}

// Server is the mailpulse HTTP API
type Server struct {
	deps   Deps
	cfg    am.ServerConfig
	logger *zap.SugaredLogger

	httpServer *http.Server
	handler    http.Handler

	// Lifecycle of websocket clients
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	clients atomic.Int32
}

// New creates the server and builds its routes
func New(deps Deps, cfg am.ServerConfig, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Infow("HTTP server listening", "addr", addr)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrapf(err, "failed to serve on %s", addr)
}

// Shutdown stops accepting requests, closes job streams and waits for
// in-flight requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Timed out waiting for job streams to close")
	}
	return err
}
