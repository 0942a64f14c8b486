// Package web serves the bridge telemetry: a small JSON API for state,
// counters and joint targets, and a websocket that streams state snapshots.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-dogbot/pkg/hub"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// Defaults for the telemetry server.
const (
	DefaultBroadcastPeriod = 50 * time.Millisecond

	// countersEvery is how many state broadcasts pass between two counter
	// broadcasts.
	countersEvery = 20
)

// Source is the bridge as seen by the telemetry server.
type Source interface {
	Status() protocol.StatusData
	Snapshot() protocol.StateData
	Joint(name string) (protocol.JointStateData, bool)
	Counters() protocol.CountersData
	SetTarget(name string, rad float64) error
	ClearTargets()
	SetControlEnabled(on bool)
}

// Config configures a Server.
type Config struct {
	Addr            string
	BroadcastPeriod time.Duration
	Logger          *slog.Logger
}

// Server is the telemetry HTTP server.
type Server struct {
	cfg    Config
	src    Source
	app    *fiber.App
	hub    *hub.Hub
	logger *slog.Logger
}

// NewServer creates a server for src. Nothing listens until Run.
func NewServer(cfg Config, src Source) *Server {
	if cfg.BroadcastPeriod <= 0 {
		cfg.BroadcastPeriod = DefaultBroadcastPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		src:    src,
		logger: cfg.Logger.With("component", "web"),
		hub:    hub.New("state", cfg.Logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "DogBot Bridge",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/counters", s.handleCounters)
	api.Get("/joints", s.handleJoints)
	api.Get("/joints/:name", s.handleJoint)
	api.Post("/joints/:name/target", s.handleSetTarget)
	api.Delete("/targets", s.handleClearTargets)
	api.Post("/control", s.handleControl)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/state", websocket.New(s.handleStateWS))

	s.app = app
	return s
}

// App returns the fiber application, e.g. for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Hub returns the state broadcast hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	go s.broadcastLoop(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()
	s.logger.Info("telemetry server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(time.Second); err != nil {
			s.logger.Warn("telemetry shutdown", "error", err)
		}
		return nil
	case err := <-errc:
		return err
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BroadcastPeriod)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.hub.ClientCount() == 0 {
			continue
		}
		if msg, err := protocol.NewStateMessage(s.src.Snapshot()); err == nil {
			s.hub.BroadcastMessage(msg)
		}
		if n%countersEvery == 0 {
			if msg, err := protocol.NewCountersMessage(s.src.Counters()); err == nil {
				s.hub.BroadcastMessage(msg)
			}
		}
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
