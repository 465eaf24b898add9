// Package controller keeps the engine's schedule set in step with the
// service definitions held in storage.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"healthwatch/internal/engine"
	"healthwatch/internal/monitor"
	"healthwatch/internal/storage"
	logx "healthwatch/pkg/logx"
)

var ErrInvalidService = errors.New("invalid service")

// Scheduler is the engine surface the controller drives.
type Scheduler interface {
	ParseSchedule(expr string) error
	RegisterWorker(serviceID string, h engine.Handler) error
	UnregisterWorker(serviceID string)
	RegisterSchedule(serviceID, expr string) error
	UnregisterSchedule(serviceID string) bool
	HasWorker(serviceID string) bool
	Trigger(serviceID string) error
}

// Services is the read side of the CRUD store.
type Services interface {
	ListActiveServices(ctx context.Context) ([]monitor.Service, error)
	GetService(ctx context.Context, id string) (monitor.Service, error)
}

type Prober interface {
	Probe(ctx context.Context, svc monitor.Service) monitor.Outcome
}

type Recorder interface {
	Record(ctx context.Context, serviceID string, out monitor.Outcome) (monitor.StatusRecord, error)
}

type Options struct {
	CacheTTL time.Duration
}

type Controller struct {
	sched    Scheduler
	services Services
	prober   Prober
	recorder Recorder
	log      logx.Logger
	cache    *serviceCache

	closeOnce sync.Once
}

func New(sched Scheduler, services Services, p Prober, r Recorder, opts Options, log logx.Logger) *Controller {
	c := &Controller{
		sched:    sched,
		services: services,
		prober:   p,
		recorder: r,
		log:      log.With(logx.String("comp", "controller")),
		cache:    newServiceCache(opts.CacheTTL),
	}
	c.cache.start()
	return c
}

// Close stops the cache janitor.
func (c *Controller) Close() {
	c.closeOnce.Do(c.cache.stop)
}

// Bootstrap registers every active service: all workers first, then all
// schedules, so no schedule can fire into a missing worker. Per-service
// failures are logged and skipped.
func (c *Controller) Bootstrap(ctx context.Context) error {
	svcs, err := c.services.ListActiveServices(ctx)
	if err != nil {
		return fmt.Errorf("list active services: %w", err)
	}

	ready := make([]monitor.Service, 0, len(svcs))
	for _, svc := range svcs {
		if err := c.Validate(svc); err != nil {
			c.log.Warn("skipping service", logx.String("service_id", svc.ID), logx.Err(err))
			continue
		}
		if err := c.sched.RegisterWorker(svc.ID, c.execute); err != nil {
			c.log.Error("register worker failed", logx.String("service_id", svc.ID), logx.Err(err))
			continue
		}
		c.cache.put(svc)
		ready = append(ready, svc)
	}

	scheduled := 0
	for _, svc := range ready {
		if !svc.Scheduled() {
			continue
		}
		if err := c.sched.RegisterSchedule(svc.ID, svc.CronSchedule); err != nil {
			c.log.Error("register schedule failed", logx.String("service_id", svc.ID), logx.Err(err))
			continue
		}
		scheduled++
	}
	c.log.Info("bootstrap complete",
		logx.Int("services", len(svcs)),
		logx.Int("workers", len(ready)),
		logx.Int("schedules", scheduled),
	)
	return nil
}

// Validate checks the parts of a service the scheduler depends on.
func (c *Controller) Validate(svc monitor.Service) error {
	if strings.TrimSpace(svc.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidService)
	}
	if err := validateEndpoint(svc.Endpoint); err != nil {
		return err
	}
	if expr := strings.TrimSpace(svc.CronSchedule); expr != "" {
		if err := c.sched.ParseSchedule(expr); err != nil {
			return &engine.InvalidScheduleError{ServiceID: svc.ID, Expr: expr, Err: err}
		}
	}
	return nil
}

func validateEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidService)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidService, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: endpoint scheme must be http or https", ErrInvalidService)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: endpoint host is required", ErrInvalidService)
	}
	return nil
}

func (c *Controller) OnServiceCreated(svc monitor.Service) error {
	if err := c.Validate(svc); err != nil {
		return err
	}
	if err := c.sched.RegisterWorker(svc.ID, c.execute); err != nil {
		return err
	}
	c.cache.put(svc)
	if !svc.Scheduled() {
		return nil
	}
	return c.sched.RegisterSchedule(svc.ID, svc.CronSchedule)
}

func (c *Controller) OnServiceUpdated(svc monitor.Service) error {
	c.cache.invalidate(svc.ID)
	if !svc.Scheduled() {
		c.sched.UnregisterSchedule(svc.ID)
		return nil
	}
	if err := c.Validate(svc); err != nil {
		return err
	}
	if !c.sched.HasWorker(svc.ID) {
		if err := c.sched.RegisterWorker(svc.ID, c.execute); err != nil {
			return err
		}
	}
	return c.sched.RegisterSchedule(svc.ID, svc.CronSchedule)
}

func (c *Controller) OnServiceDeleted(serviceID string) {
	c.cache.invalidate(serviceID)
	c.sched.UnregisterSchedule(serviceID)
	c.sched.UnregisterWorker(serviceID)
}

// CheckNow enqueues one immediate execution. Inactive services get a worker
// on demand.
func (c *Controller) CheckNow(serviceID string) error {
	if !c.sched.HasWorker(serviceID) {
		if err := c.sched.RegisterWorker(serviceID, c.execute); err != nil {
			return err
		}
	}
	return c.sched.Trigger(serviceID)
}

func (c *Controller) service(ctx context.Context, id string) (monitor.Service, error) {
	if svc, ok := c.cache.get(id); ok {
		return svc, nil
	}
	epoch := c.cache.mark()
	svc, err := c.services.GetService(ctx, id)
	if err != nil {
		return monitor.Service{}, err
	}
	c.cache.fill(svc, epoch)
	return svc, nil
}

// execute is the engine handler: load, probe, record.
func (c *Controller) execute(ctx context.Context, job engine.Job) error {
	svc, err := c.service(ctx, job.ServiceID)
	if errors.Is(err, storage.ErrNotFound) {
		return engine.NoRetry(fmt.Errorf("service %s no longer exists: %w", job.ServiceID, err))
	}
	if err != nil {
		return fmt.Errorf("load service %s: %w", job.ServiceID, err)
	}
	if !svc.Active && !job.Manual {
		c.log.Debug("skipping inactive service", logx.String("service_id", svc.ID))
		return nil
	}

	out := c.prober.Probe(ctx, svc)
	if _, err := c.recorder.Record(ctx, svc.ID, out); err != nil {
		return err
	}
	if out.Status != monitor.StatusUp {
		fields := []logx.Field{
			logx.String("service_id", svc.ID),
			logx.String("status", string(out.Status)),
			logx.Int64("latency_ms", out.LatencyMs),
		}
		if out.ErrorMessage != nil {
			fields = append(fields, logx.String("error", *out.ErrorMessage))
		}
		c.log.Info("service not healthy", fields...)
	}
	return nil
}
