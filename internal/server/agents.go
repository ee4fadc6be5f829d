package server

import (
	"github.com/gofiber/fiber/v2"
)

type agentCreateRequest struct {
	Name          string `json:"name"`
	WorkspacePath string `json:"workspace_path"`
	Start         bool   `json:"start"`
}

func (s *Server) handleAgentList(c *fiber.Ctx) error {
	agents, err := s.deps.Agents.List(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"agents": agents})
}

func (s *Server) handleAgentCreate(c *fiber.Ctx) error {
	var req agentCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	created, err := s.deps.Agents.Create(c.Context(), req.Name, req.WorkspacePath, req.Start)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) handleAgentGet(c *fiber.Ctx) error {
	found, err := s.deps.Agents.Get(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(found)
}

func (s *Server) handleAgentRemove(c *fiber.Ctx) error {
	if err := s.deps.Agents.Remove(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "removed"})
}

func (s *Server) handleAgentStart(c *fiber.Ctx) error {
	result, err := s.deps.Agents.Start(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(result)
}

func (s *Server) handleAgentStop(c *fiber.Ctx) error {
	if err := s.deps.Agents.Stop(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "stopped"})
}

func (s *Server) handleAgentRestart(c *fiber.Ctx) error {
	result, err := s.deps.Agents.Restart(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(result)
}

func (s *Server) handleAgentLogs(c *fiber.Ctx) error {
	logs, err := s.deps.Agents.Logs(c.Context(), c.Params("id"), c.QueryInt("lines", 100))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"logs": logs})
}

func (s *Server) handleAgentStats(c *fiber.Ctx) error {
	stats, err := s.deps.Agents.Stats(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(stats)
}

func (s *Server) handleAgentHealth(c *fiber.Ctx) error {
	result, err := s.deps.Agents.InspectHealth(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(result)
}

type networkRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAgentSetNetwork(c *fiber.Ctx) error {
	var req networkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.deps.Agents.SetNetwork(c.Context(), c.Params("id"), req.Enabled); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"network_enabled": req.Enabled})
}

func (s *Server) handleAgentQuarantine(c *fiber.Ctx) error {
	if err := s.deps.Agents.Quarantine(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "quarantined"})
}

func (s *Server) handleAgentUnquarantine(c *fiber.Ctx) error {
	if err := s.deps.Agents.Unquarantine(c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "stopped"})
}

func (s *Server) handleAgentCrashLoopCheck(c *fiber.Ctx) error {
	looping, err := s.deps.Agents.CheckCrashLoop(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"crash_looping": looping})
}
