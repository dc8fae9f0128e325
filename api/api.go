package api

import (
	"context"
	"net"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/outbox"
)

// dbPinger is the subset of outbox.PostgresRepository the readiness probe
// depends on. Satisfied directly by *outbox.PostgresRepository.
type dbPinger interface {
	Ping(ctx context.Context) error
}

// pool is the subset of *delivery.Pool the liveness probe depends on.
type pool interface {
	Running() bool
}

// Server is the Admin/Health HTTP surface (C10).
type Server struct {
	config Config
	outbox outbox.Repository
	db     dbPinger
	pool   pool
	logger *zap.Logger
	app    *fiber.App
}

// NewServer wires the admin/health routes onto a fresh fiber app.
func NewServer(config Config, repo outbox.Repository, db dbPinger, deliveryPool pool, log *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config: config,
		outbox: repo,
		db:     db,
		pool:   deliveryPool,
		logger: log,
		app:    app,
	}

	app.Get("/healthz", s.handleHealthz)
	app.Get("/readyz", s.handleReadyz)
	app.Get("/stats", s.handleStats)
	app.Post("/admin/outbox/retry", s.handleRetry)

	return s
}

// Run starts the admin server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting admin server", zap.String("listen", s.config.ListenAddr))
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener starts the admin server using the provided listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting admin server", zap.String("listen", listener.Addr().String()))
	return s.app.Listener(listener)
}

// Shutdown gracefully shuts down the admin server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// Test drives a request through the app without a network listener, for
// handler-level tests.
func (s *Server) Test(req *http.Request, msTimeout ...int) (*http.Response, error) {
	return s.app.Test(req, msTimeout...)
}
