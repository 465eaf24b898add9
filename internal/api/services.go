package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"healthwatch/internal/monitor"
	"healthwatch/internal/storage"
	logx "healthwatch/pkg/logx"
)

const (
	defaultStatusLimit = 100
	maxStatusLimit     = 1000
)

// serviceView hides the password and reports whether credentials are set.
type serviceView struct {
	monitor.Service
	HasBasicAuth bool `json:"has_basic_auth"`
}

func viewOf(svc monitor.Service) serviceView {
	return serviceView{Service: svc, HasBasicAuth: svc.HasBasicAuth()}
}

type serviceRequest struct {
	ClientID           *string `json:"client_id"`
	Name               *string `json:"name"`
	Slug               *string `json:"slug"`
	Endpoint           *string `json:"endpoint"`
	Username           *string `json:"username"`
	Password           *string `json:"password"`
	ExpectedStatusCode *int    `json:"expected_status_code"`
	TimeoutMs          *int    `json:"timeout_ms"`
	CronSchedule       *string `json:"cron_schedule"`
	Active             *bool   `json:"active"`
}

func (r serviceRequest) apply(svc *monitor.Service) error {
	if r.ClientID != nil {
		svc.ClientID = strings.TrimSpace(*r.ClientID)
	}
	if r.Name != nil {
		svc.Name = strings.TrimSpace(*r.Name)
	}
	if r.Slug != nil {
		svc.Slug = slugify(*r.Slug)
	}
	if r.Endpoint != nil {
		svc.Endpoint = strings.TrimSpace(*r.Endpoint)
	}
	if r.Username != nil {
		svc.Username = strings.TrimSpace(*r.Username)
	}
	if r.Password != nil {
		svc.Password = *r.Password
	}
	if r.ExpectedStatusCode != nil {
		if *r.ExpectedStatusCode < 100 || *r.ExpectedStatusCode > 599 {
			return fiber.NewError(fiber.StatusBadRequest, "expected_status_code must be between 100 and 599")
		}
		svc.ExpectedStatusCode = *r.ExpectedStatusCode
	}
	if r.TimeoutMs != nil {
		if *r.TimeoutMs <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "timeout_ms must be positive")
		}
		svc.TimeoutMs = *r.TimeoutMs
	}
	if r.CronSchedule != nil {
		svc.CronSchedule = strings.TrimSpace(*r.CronSchedule)
	}
	if r.Active != nil {
		svc.Active = *r.Active
	}
	return nil
}

func (s *Server) listServices(c *fiber.Ctx) error {
	f := storage.ServiceFilter{ClientID: c.Query("client_id")}
	if v := c.Query("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "active must be a boolean")
		}
		f.Active = &b
	}
	list, err := s.deps.Store.ListServices(c.UserContext(), f)
	if err != nil {
		return err
	}
	out := make([]serviceView, 0, len(list))
	for _, svc := range list {
		out = append(out, viewOf(svc))
	}
	return c.JSON(out)
}

func (s *Server) getService(c *fiber.Ctx) error {
	svc, err := s.deps.Store.GetService(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(viewOf(svc))
}

func (s *Server) createService(c *fiber.Ctx) error {
	var req serviceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	svc := monitor.Service{
		ID:                 uuid.NewString(),
		ExpectedStatusCode: monitor.DefaultExpectedStatus,
		TimeoutMs:          monitor.DefaultTimeoutMs,
		CronSchedule:       monitor.DefaultSchedule,
		Active:             true,
	}
	if err := req.apply(&svc); err != nil {
		return err
	}
	if svc.ClientID == "" || svc.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "client_id and name are required")
	}
	if svc.Slug == "" {
		svc.Slug = slugify(svc.Name)
	}
	if err := s.deps.Hooks.Validate(svc); err != nil {
		return err
	}

	if err := s.deps.Store.CreateService(c.UserContext(), &svc); err != nil {
		return err
	}
	if err := s.deps.Hooks.OnServiceCreated(svc); err != nil {
		s.log.Warn("scheduler registration failed", logx.String("service_id", svc.ID), logx.Err(err))
	}
	return c.Status(fiber.StatusCreated).JSON(viewOf(svc))
}

func (s *Server) patchService(c *fiber.Ctx) error {
	var req serviceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	ctx := c.UserContext()
	svc, err := s.deps.Store.GetService(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	if err := req.apply(&svc); err != nil {
		return err
	}
	if svc.Name == "" || svc.Slug == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name and slug must not be empty")
	}
	if err := s.deps.Hooks.Validate(svc); err != nil {
		return err
	}

	if err := s.deps.Store.UpdateService(ctx, &svc); err != nil {
		return err
	}
	if err := s.deps.Hooks.OnServiceUpdated(svc); err != nil {
		s.log.Warn("scheduler update failed", logx.String("service_id", svc.ID), logx.Err(err))
	}
	return c.JSON(viewOf(svc))
}

func (s *Server) deleteService(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.deps.Store.DeleteService(c.UserContext(), id); err != nil {
		return err
	}
	s.deps.Hooks.OnServiceDeleted(id)
	return c.JSON(fiber.Map{"id": id})
}

func (s *Server) checkService(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.deps.Store.GetService(c.UserContext(), id); err != nil {
		return err
	}
	if err := s.deps.Hooks.CheckNow(id); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "queued": true})
}

func (s *Server) serviceStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	f := storage.StatusFilter{ServiceID: id, Limit: c.QueryInt("limit", defaultStatusLimit)}
	if f.Limit <= 0 || f.Limit > maxStatusLimit {
		f.Limit = maxStatusLimit
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "since must be RFC3339")
		}
		f.Since = t
	}
	ctx := c.UserContext()
	if _, err := s.deps.Store.GetService(ctx, id); err != nil {
		return err
	}
	recs, err := s.deps.Store.ListStatusRecords(ctx, f)
	if err != nil {
		return err
	}
	return c.JSON(recs)
}
