// Package api serves the REST surface: client and service CRUD, status
// history, uptime reports and scheduler diagnostics.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"healthwatch/internal/controller"
	"healthwatch/internal/engine"
	"healthwatch/internal/monitor"
	"healthwatch/internal/secret"
	"healthwatch/internal/storage"
	"healthwatch/internal/uptime"
	logx "healthwatch/pkg/logx"
)

// Hooks are the scheduler lifecycle callbacks invoked after each write.
type Hooks interface {
	Validate(svc monitor.Service) error
	OnServiceCreated(svc monitor.Service) error
	OnServiceUpdated(svc monitor.Service) error
	OnServiceDeleted(serviceID string)
	CheckNow(serviceID string) error
}

type Scheduler interface {
	Running() bool
	Snapshot() engine.Snapshot
}

type Uptime interface {
	Reports(ctx context.Context, q uptime.Query) ([]uptime.Report, error)
	Report(ctx context.Context, serviceID string, days int) (uptime.Report, error)
}

type Deps struct {
	Store     storage.Store
	Hooks     Hooks
	Scheduler Scheduler
	Uptime    Uptime
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
	Pprof        bool
}

type Server struct {
	app  *fiber.App
	deps Deps
	opts Options
	log  logx.Logger
}

func New(deps Deps, opts Options, log logx.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8080"
	}
	s := &Server{deps: deps, opts: opts, log: log.With(logx.String("comp", "api"))}
	s.app = fiber.New(fiber.Config{
		AppName:               "healthwatch",
		DisableStartupMessage: true,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             opts.BodyLimit,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.accessLog)
	if opts.Pprof {
		s.app.Use(pprof.New())
	}
	s.routes()
	return s
}

// App exposes the fiber app (tests drive it with app.Test).
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Addr() string { return s.opts.Addr }

func (s *Server) routes() {
	s.app.Get("/healthz", s.healthz)
	s.app.Get("/scheduler", s.scheduler)

	clients := s.app.Group("/clients")
	clients.Get("/", s.listClients)
	clients.Post("/", s.createClient)
	clients.Get("/:id", s.getClient)
	clients.Patch("/:id", s.patchClient)
	clients.Delete("/:id", s.deleteClient)

	services := s.app.Group("/services")
	services.Get("/", s.listServices)
	services.Post("/", s.createService)
	services.Get("/:id", s.getService)
	services.Patch("/:id", s.patchService)
	services.Delete("/:id", s.deleteService)
	services.Post("/:id/check", s.checkService)
	services.Get("/:id/status", s.serviceStatus)

	s.app.Get("/uptime", s.listUptime)
	s.app.Get("/uptime/:id", s.getUptime)
}

// Serve blocks until the listener stops. A clean Shutdown returns nil.
func (s *Server) Serve() error {
	s.log.Info("api listening", logx.String("addr", s.opts.Addr))
	return s.app.Listen(s.opts.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if !s.log.Enabled(logx.LevelDebug) {
		return err
	}
	status := c.Response().StatusCode()
	if err != nil {
		status = statusFor(err)
	}
	s.log.Debug("request",
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Int("status", status),
		logx.Duration("took", time.Since(start)),
		logx.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
	)
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed",
			logx.String("method", c.Method()),
			logx.String("path", c.Path()),
			logx.Err(err),
		)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	var fe *fiber.Error
	var ise *engine.InvalidScheduleError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, storage.ErrReference),
		errors.Is(err, secret.ErrNoKey),
		errors.Is(err, controller.ErrInvalidService),
		errors.As(err, &ise):
		return fiber.StatusBadRequest
	case errors.Is(err, engine.ErrQueueFull):
		return fiber.StatusTooManyRequests
	case errors.Is(err, engine.ErrStopped), errors.Is(err, storage.ErrDisabled):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func (s *Server) healthz(c *fiber.Ctx) error {
	running := s.deps.Scheduler != nil && s.deps.Scheduler.Running()
	return c.JSON(fiber.Map{"ok": true, "scheduler_running": running})
}

func (s *Server) scheduler(c *fiber.Ctx) error {
	if s.deps.Scheduler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "scheduler unavailable")
	}
	return c.JSON(s.deps.Scheduler.Snapshot())
}
