// Package web serves the HTTP API: job submission and inspection,
// notifications, settings and the server-sent event stream the UI
// listens on.
package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/notify"
	"github.com/cwygoda/fetchd/internal/settings"
	"github.com/cwygoda/fetchd/internal/worker"
)

// Downloads is the worker surface the API needs.
type Downloads interface {
	Cancel(ctx context.Context, id string) error
	Progress(id string) (worker.Progress, bool)
	Snapshot() map[string]worker.Progress
}

// Config wires the server's collaborators.
type Config struct {
	Service   *domain.JobService
	Downloads Downloads
	Settings  *settings.Manager
	Feed      *notify.Log
	Hub       *notify.Hub
	Log       *logrus.Entry

	// WebRoot optionally serves a static UI from this directory.
	WebRoot string
}

// Server is the HTTP adapter.
type Server struct {
	app       *fiber.App
	svc       *domain.JobService
	downloads Downloads
	cfg       *settings.Manager
	feed      *notify.Log
	hub       *notify.Hub
	log       *logrus.Entry
	webRoot   string
}

// New creates the server with all routes registered.
func New(cfg Config) *Server {
	s := &Server{
		svc:       cfg.Service,
		downloads: cfg.Downloads,
		cfg:       cfg.Settings,
		feed:      cfg.Feed,
		hub:       cfg.Hub,
		log:       cfg.Log,
		webRoot:   cfg.WebRoot,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "fetchd",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(s.requestLogger())

	api := s.app.Group("/api")

	jobs := api.Group("/jobs")
	jobs.Post("/", s.handleSubmit)
	jobs.Get("/", s.handleListJobs)
	jobs.Get("/:id", s.handleGetJob)
	jobs.Delete("/:id", s.handleDeleteJob)
	jobs.Post("/:id/retry", s.handleRetryJob)

	api.Get("/notifications", s.handleListNotifications)
	api.Delete("/notifications", s.handleClearNotifications)

	api.Get("/settings", s.handleGetSettings)
	api.Put("/settings", s.handleUpdateSettings)

	api.Get("/events", s.handleEvents)

	s.app.Get("/healthz", s.handleHealth)

	if s.webRoot != "" {
		s.app.Static("/", s.webRoot)
	}
}

// errorHandler renders every error as the JSON envelope. Anything that is
// not a fiber error is treated as internal and logged; its message does
// not leak to the client.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	if code >= fiber.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).Error("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.log.WithFields(logrus.Fields{
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
			"method":  c.Method(),
			"path":    c.Path(),
		}).Debug("request")
		return err
	}
}

// Listen serves until the listener fails or the server is shut down.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting for in-flight requests until the
// context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
