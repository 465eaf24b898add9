package api

import (
	"github.com/gofiber/fiber/v2"

	"healthwatch/internal/uptime"
)

func (s *Server) listUptime(c *fiber.Ctx) error {
	reps, err := s.deps.Uptime.Reports(c.UserContext(), uptime.Query{
		ServiceID: c.Query("service_id"),
		ClientID:  c.Query("client_id"),
		Days:      c.QueryInt("days", uptime.DefaultDays),
	})
	if err != nil {
		return err
	}
	return c.JSON(reps)
}

func (s *Server) getUptime(c *fiber.Ctx) error {
	rep, err := s.deps.Uptime.Report(c.UserContext(), c.Params("id"), c.QueryInt("days", uptime.DefaultDays))
	if err != nil {
		return err
	}
	return c.JSON(rep)
}
