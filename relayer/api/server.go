package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/fees"
)

// DefaultMaxUploadBytes caps a single ciphertext upload.
const DefaultMaxUploadBytes = 64 << 20

// Options are the collaborators of the API server.
type Options struct {
	Operator       Operator
	Ledger         Ledger
	Fees           fees.Schedule
	Health         HealthReporter
	Gatherer       prometheus.Gatherer // nil uses the default registry
	MaxUploadBytes int64
}

// Server provides HTTP endpoints
type Server struct {
	operator  Operator
	ledger    Ledger
	fees      fees.Schedule
	health    HealthReporter
	gatherer  prometheus.Gatherer
	maxUpload int64
	logger    zerolog.Logger
	server    *http.Server
}

// NewServer creates a new Server instance
func NewServer(opts Options, logger zerolog.Logger, port int) *Server {
	s := &Server{
		operator:  opts.Operator,
		ledger:    opts.Ledger,
		fees:      opts.Fees,
		health:    opts.Health,
		gatherer:  opts.Gatherer,
		maxUpload: opts.MaxUploadBytes,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("query server is nil")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("query server listening")

	go func() {
		err := s.server.Serve(ln)
		switch err {
		case nil:
			s.logger.Info().Msg("Query server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("Query server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("Query server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return s.server.Close()
	}
	return nil
}
