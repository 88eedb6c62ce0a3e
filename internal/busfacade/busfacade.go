// Package busfacade is the daemon's concrete transport: an HTTP+SSE API
// built on Fiber, sitting behind the narrow interface a bus façade needs
// from the Manager. No other internal package depends on this one (only
// the cmd/tbauthd entry point wires it), so the wire format stays
// swappable.
package busfacade

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbauthd/tbauthd/internal/busauth"
	"github.com/tbauthd/tbauthd/internal/enrollstore"
	"github.com/tbauthd/tbauthd/internal/manager"
	"github.com/tbauthd/tbauthd/internal/tberr"
)

// Version is reported by GET /version.
const Version = "1.0"

// Manager is the narrow slice of *manager.Manager the façade calls into,
// per spec §9's design note that transport stays separate from domain
// state behind a narrow interface.
type Manager interface {
	ListDevices() []manager.DeviceSummary
	GetDevice(uid string) (manager.DeviceSummary, error)
	Authorize(uid string) error
	Enroll(uid string, policy enrollstore.Policy) error
	Forget(uid string) error
	Subscribe() (string, <-chan manager.Signal)
	Unsubscribe(id string)
}

// Server wires the HTTP handlers.
type Server struct {
	app  *fiber.App
	mgr  Manager
	auth *busauth.Service
	log  zerolog.Logger
	addr string
}

// Config carries the listener and timeout knobs internal/config supplies.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds a Server and registers its routes.
func New(cfg Config, mgr Manager, auth *busauth.Service, log zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		AppName:      "tbauthd",
	})
	s := &Server{app: app, mgr: mgr, auth: auth, log: log, addr: cfg.Addr}
	s.registerRoutes()
	return s
}

// Start listens and serves; blocks until the app is shut down.
func (s *Server) Start() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) registerRoutes() {
	s.app.Get("/version", s.handleVersion)
	s.app.Post("/auth/login", s.handleLogin)

	s.app.Get("/devices", s.handleListDevices)
	s.app.Get("/devices/:uid", s.handleGetDevice)
	s.app.Get("/events", s.handleEvents)

	mutating := s.app.Group("", s.requireAuth)
	mutating.Post("/devices/:uid/authorize", s.handleAuthorize)
	mutating.Post("/devices/:uid/enroll", s.handleEnroll)
	mutating.Delete("/devices/:uid", s.handleForget)
}

func (s *Server) handleVersion(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"version": Version})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "malformed request body"})
	}
	token, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"token": token, "enabled": s.auth.Enabled()})
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	return c.JSON(s.mgr.ListDevices())
}

func (s *Server) handleGetDevice(c *fiber.Ctx) error {
	summary, err := s.mgr.GetDevice(c.Params("uid"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(summary)
}

func (s *Server) handleAuthorize(c *fiber.Ctx) error {
	if err := s.mgr.Authorize(c.Params("uid")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (s *Server) handleEnroll(c *fiber.Ctx) error {
	var req struct {
		Policy string `json:"policy"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "malformed request body"})
	}
	policy := enrollstore.ParsePolicy(req.Policy)
	if err := s.mgr.Enroll(c.Params("uid"), policy); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (s *Server) handleForget(c *fiber.Ctx) error {
	if err := s.mgr.Forget(c.Params("uid")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// handleEvents streams DeviceAdded/DeviceRemoved/DeviceChanged signals as
// SSE "data:" frames, each carrying one JSON object, one subscriber per
// connection.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	id, signals := s.mgr.Subscribe()
	connID := uuid.NewString()
	s.log.Info().Str("connection", connID).Msg("sse subscriber connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.mgr.Unsubscribe(id)
		for sig := range signals {
			line, err := json.Marshal(fiber.Map{
				"kind": sig.Kind.String(),
				"path": sig.Path,
				"uid":  sig.UID,
			})
			if err != nil {
				continue
			}
			if _, err := w.WriteString("data: "); err != nil {
				return
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			if _, err := w.WriteString("\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if !s.auth.Enabled() {
		return c.Next()
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "missing bearer token"})
	}
	claims, err := s.auth.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	c.Locals("username", claims.Username)
	return c.Next()
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	switch {
	case tberr.IsNotFound(err):
		status = http.StatusNotFound
	case isInvalidArgument(err):
		status = http.StatusBadRequest
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func isInvalidArgument(err error) bool {
	var invalid *tberr.InvalidArgument
	return errors.As(err, &invalid)
}
