// Package server exposes the local control API over HTTP. The listener is
// loopback-only; this API is the machine-local replacement for a UI shell,
// not a remote management plane.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"openclaw-controller/internal/agent"
	"openclaw-controller/internal/command"
	"openclaw-controller/internal/config"
	"openclaw-controller/internal/gateway"
	"openclaw-controller/internal/image"
	"openclaw-controller/internal/plugin"
	"openclaw-controller/internal/preflight"
	"openclaw-controller/internal/version"
	"openclaw-controller/pkg/env"
	"openclaw-controller/pkg/inflight"
	"openclaw-controller/pkg/log"
)

// Deps carries everything the API serves.
type Deps struct {
	Store     *config.Store
	Gateway   *gateway.Manager
	Agents    *agent.Manager
	Resolver  *image.Resolver
	Preflight *preflight.Checker

	SafeMode         bool
	BundledPluginDir string
	ExtraPluginPaths []string
}

// Server is the fiber application plus its dependencies.
type Server struct {
	app     *fiber.App
	deps    Deps
	started time.Time
}

// New creates the control API server and registers all routes.
func New(deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "openclaw-controller",
		DisableStartupMessage: true,
	})

	s := &Server{app: app, deps: deps, started: time.Now()}
	s.registerRoutes()
	return s
}

// Listen serves the API. The address should be loopback only.
func (s *Server) Listen(addr string) error {
	log.Info("control API listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	deadline := 5 * time.Second
	if until, ok := ctx.Deadline(); ok {
		deadline = time.Until(until)
	}
	return s.app.ShutdownWithTimeout(deadline)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleOwnHealth)

	api := s.app.Group("/api/v1")

	gw := api.Group("/gateway")
	gw.Post("/configure", s.handleGatewayConfigure)
	gw.Post("/start", s.handleGatewayStart)
	gw.Post("/stop", s.handleGatewayStop)
	gw.Get("/status", s.handleGatewayStatus)
	gw.Get("/logs", s.handleGatewayLogs)

	img := api.Group("/image")
	img.Post("/resolve", s.handleImageResolve)
	img.Post("/build", s.handleImageBuild)
	img.Post("/test-pull", s.handleImageTestPull)

	agents := api.Group("/agents")
	agents.Get("/", s.handleAgentList)
	agents.Post("/", s.handleAgentCreate)
	agents.Get("/:id", s.handleAgentGet)
	agents.Delete("/:id", s.handleAgentRemove)
	agents.Post("/:id/start", s.handleAgentStart)
	agents.Post("/:id/stop", s.handleAgentStop)
	agents.Post("/:id/restart", s.handleAgentRestart)
	agents.Get("/:id/logs", s.handleAgentLogs)
	agents.Get("/:id/stats", s.handleAgentStats)
	agents.Get("/:id/health", s.handleAgentHealth)
	agents.Post("/:id/network", s.handleAgentSetNetwork)
	agents.Post("/:id/quarantine", s.handleAgentQuarantine)
	agents.Post("/:id/unquarantine", s.handleAgentUnquarantine)
	agents.Post("/:id/crashloop-check", s.handleAgentCrashLoopCheck)

	api.Get("/plugins", s.handlePluginList)
	api.Get("/preflight", s.handlePreflight)
	api.Post("/preflight/smoke-test", s.handleSmokeTest)
	api.Get("/state", s.handleStateGet)
	api.Post("/state/settings", s.handleSettingsSave)
}

// fail maps domain errors onto HTTP statuses.
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	var inFlight *inflight.ErrOperationInFlight
	var agentNotFound *agent.NotFoundError
	var incomplete *image.IncompleteReferenceError
	var safeMode *command.SafeModeViolationError

	switch {
	case errors.As(err, &inFlight):
		status = fiber.StatusConflict
	case errors.As(err, &agentNotFound):
		status = fiber.StatusNotFound
	case errors.As(err, &incomplete):
		status = fiber.StatusBadRequest
	case errors.As(err, &safeMode):
		status = fiber.StatusForbidden
	case errors.Is(err, agent.ErrQuarantined):
		status = fiber.StatusConflict
	case errors.Is(err, agent.ErrInternetDisabled):
		status = fiber.StatusForbidden
	}

	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleOwnHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"uptime_ms": time.Since(s.started).Milliseconds(),
		"safe_mode": s.deps.SafeMode,
		"version":   version.GetVersion(),
	})
}

type configureRequest struct {
	Image    string `json:"image"`
	LogLevel string `json:"log_level"`
}

func (s *Server) handleGatewayConfigure(c *fiber.Ctx) error {
	var req configureRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.LogLevel == "" {
		req.LogLevel = "info"
	}
	if err := s.deps.Gateway.Configure(c.Context(), req.Image, req.LogLevel); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"compose_file_path": s.deps.Store.ComposeFilePath()})
}

func (s *Server) handleGatewayStart(c *fiber.Ctx) error {
	result, err := s.deps.Gateway.Start(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(result)
}

func (s *Server) handleGatewayStop(c *fiber.Ctx) error {
	if err := s.deps.Gateway.Stop(c.Context()); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "stopped"})
}

func (s *Server) handleGatewayStatus(c *fiber.Ctx) error {
	return c.JSON(s.deps.Gateway.Status(c.Context()))
}

func (s *Server) handleGatewayLogs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"logs": s.deps.Gateway.Logs(c.Context())})
}

func (s *Server) handleImageResolve(c *fiber.Ctx) error {
	var sel image.Selection
	if err := c.BodyParser(&sel); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	resolved, err := s.deps.Resolver.Resolve(c.Context(), sel)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"image": resolved})
}

type buildRequest struct {
	BuildContext string `json:"build_context"`
}

func (s *Server) handleImageBuild(c *fiber.Ctx) error {
	var req buildRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	result, err := s.deps.Resolver.Build(c.Context(), req.BuildContext)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(result)
}

type testPullRequest struct {
	Image string `json:"image"`
}

func (s *Server) handleImageTestPull(c *fiber.Ctx) error {
	var req testPullRequest
	if err := c.BodyParser(&req); err != nil || req.Image == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "image is required"})
	}
	result, err := s.deps.Resolver.TestPullAccess(c.Context(), req.Image)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(result)
}

func (s *Server) handlePluginList(c *fiber.Ctx) error {
	workspaces := []string{}
	if state, err := s.deps.Store.Load(); err == nil {
		for _, a := range state.Agents {
			workspaces = append(workspaces, a.WorkspacePath)
		}
	}
	candidates := plugin.Discover(s.deps.BundledPluginDir, workspaces, s.deps.ExtraPluginPaths)
	return c.JSON(plugin.Filter(candidates, s.deps.SafeMode))
}

func (s *Server) handlePreflight(c *fiber.Ctx) error {
	return c.JSON(s.deps.Preflight.Check(c.Context()))
}

func (s *Server) handleSmokeTest(c *fiber.Ctx) error {
	result, err := s.deps.Preflight.SmokeTest(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(result)
}

func (s *Server) handleStateGet(c *fiber.Ctx) error {
	state, err := s.deps.Store.Load()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(state)
}

type settingsRequest struct {
	StopAgentsOnGatewayStop *bool `json:"stop_agents_on_gateway_stop"`
	AllowInternet           *bool `json:"allow_internet"`
	HTTPPort                *int  `json:"http_port"`
	HTTPSPort               *int  `json:"https_port"`
}

func (s *Server) handleSettingsSave(c *fiber.Ctx) error {
	var req settingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	state, err := s.deps.Store.Update(func(st *config.State) error {
		if req.StopAgentsOnGatewayStop != nil {
			st.StopAgentsOnGatewayStop = *req.StopAgentsOnGatewayStop
		}
		if req.AllowInternet != nil {
			st.AllowInternet = *req.AllowInternet
		}
		if req.HTTPPort != nil {
			st.HTTPPort = *req.HTTPPort
		}
		if req.HTTPSPort != nil {
			st.HTTPSPort = *req.HTTPSPort
		}
		return nil
	})
	if err != nil {
		return fail(c, err)
	}

	// The compose port mapping and the health prober both read ports from
	// .env, so a port change must regenerate it immediately.
	logLevel := "info"
	if vars, err := env.Load(s.deps.Store.EnvFilePath()); err == nil {
		if level, ok := vars["LOG_LEVEL"]; ok && level != "" {
			logLevel = level
		}
	}
	if err := s.deps.Store.WriteEnv(state, logLevel); err != nil {
		return fail(c, err)
	}
	return c.JSON(state)
}
