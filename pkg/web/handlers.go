package web

import (
	"errors"
	"math"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-dogbot/pkg/bridge"
	"github.com/teslashibe/go-dogbot/pkg/hub"
	"github.com/teslashibe/go-dogbot/pkg/joints"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// TargetRequest is the body of POST /api/joints/:name/target.
type TargetRequest struct {
	Position *float64 `json:"position"` // rad
}

// ControlRequest is the body of POST /api/control.
type ControlRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.src.Status())
}

func (s *Server) handleCounters(c *fiber.Ctx) error {
	return c.JSON(s.src.Counters())
}

func (s *Server) handleJoints(c *fiber.Ctx) error {
	return c.JSON(s.src.Snapshot())
}

func (s *Server) handleJoint(c *fiber.Ctx) error {
	js, ok := s.src.Joint(c.Params("name"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown joint "+c.Params("name"))
	}
	return c.JSON(js)
}

func (s *Server) handleSetTarget(c *fiber.Ctx) error {
	name := c.Params("name")

	var req TargetRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if req.Position == nil || math.IsNaN(*req.Position) || math.IsInf(*req.Position, 0) {
		return fiber.NewError(fiber.StatusBadRequest, "position is required")
	}

	err := s.src.SetTarget(name, *req.Position)
	switch {
	case err == nil:
	case joints.IsUnknown(err):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, bridge.ErrExternalController):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}

	s.logger.Info("target set", "joint", name, "position", *req.Position)
	return c.JSON(fiber.Map{"joint": name, "position": *req.Position})
}

func (s *Server) handleClearTargets(c *fiber.Ctx) error {
	s.src.ClearTargets()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleControl(c *fiber.Ctx) error {
	var req ControlRequest
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return fiber.NewError(fiber.StatusBadRequest, "enabled is required")
	}
	s.src.SetControlEnabled(*req.Enabled)
	return c.JSON(fiber.Map{"enabled": *req.Enabled})
}

// handleStateWS streams state snapshots. The current snapshot is sent on
// connect; clients may send ping messages and get a pong back.
func (s *Server) handleStateWS(conn *websocket.Conn) {
	client := hub.NewClient(s.hub, conn)
	if client == nil {
		conn.Close()
		return
	}
	client.OnMessage = s.handleClientMessage

	if msg, err := protocol.NewStateMessage(s.src.Snapshot()); err == nil {
		if m, err := hub.FromProtocol(msg); err == nil {
			client.Send(m)
		}
	}
	client.Run()
}

func (s *Server) handleClientMessage(c *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Debug("bad client message", "error", err)
		return
	}
	if msg.Type != protocol.TypePing {
		return
	}
	pong, err := protocol.NewMessage(protocol.TypePong, nil)
	if err != nil {
		return
	}
	if m, err := hub.FromProtocol(pong); err == nil {
		c.Send(m)
	}
}
