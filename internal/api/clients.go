package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"healthwatch/internal/monitor"
	logx "healthwatch/pkg/logx"
)

type clientRequest struct {
	Name   *string `json:"name"`
	Slug   *string `json:"slug"`
	Active *bool   `json:"active"`
}

func (r clientRequest) apply(c *monitor.Client) {
	if r.Name != nil {
		c.Name = strings.TrimSpace(*r.Name)
	}
	if r.Slug != nil {
		c.Slug = slugify(*r.Slug)
	}
	if r.Active != nil {
		c.Active = *r.Active
	}
}

func (s *Server) listClients(c *fiber.Ctx) error {
	list, err := s.deps.Store.ListClients(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(list)
}

func (s *Server) getClient(c *fiber.Ctx) error {
	cl, err := s.deps.Store.GetClient(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(cl)
}

func (s *Server) createClient(c *fiber.Ctx) error {
	var req clientRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	cl := monitor.Client{Active: true}
	req.apply(&cl)
	if cl.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	if cl.Slug == "" {
		cl.Slug = slugify(cl.Name)
	}
	if err := s.deps.Store.CreateClient(c.UserContext(), &cl); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(cl)
}

func (s *Server) patchClient(c *fiber.Ctx) error {
	var req clientRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	ctx := c.UserContext()
	cl, err := s.deps.Store.GetClient(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	req.apply(&cl)
	if cl.Name == "" || cl.Slug == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name and slug must not be empty")
	}
	if err := s.deps.Store.UpdateClient(ctx, &cl); err != nil {
		return err
	}
	return c.JSON(cl)
}

// deleteClient cascades to the client's services and drops their jobs.
func (s *Server) deleteClient(c *fiber.Ctx) error {
	id := c.Params("id")
	removed, err := s.deps.Store.DeleteClient(c.UserContext(), id)
	if err != nil {
		return err
	}
	for _, sid := range removed {
		s.deps.Hooks.OnServiceDeleted(sid)
	}
	s.log.Info("client deleted", logx.String("client_id", id), logx.Int("services", len(removed)))
	return c.JSON(fiber.Map{"id": id, "removed_services": removed})
}

// slugify lowercases and keeps [a-z0-9], collapsing everything else to '-'.
func slugify(v string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
