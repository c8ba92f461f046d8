package web

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-voiceloop/pkg/hub"
	"github.com/teslashibe/go-voiceloop/pkg/session"
	"github.com/teslashibe/go-voiceloop/pkg/turn"
)

// handleStatus returns the session snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.conv.Status())
}

// handleStart acquires the microphone and begins listening. It answers once
// calibration has finished.
func (s *Server) handleStart(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.StartTimeout)
	defer cancel()

	err := s.conv.Start(ctx)
	switch {
	case err == nil:
		return c.JSON(s.conv.Status())
	case errors.Is(err, session.ErrActive):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, session.ErrAcquisition):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrStopped), errors.Is(err, session.ErrClosed):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	default:
		return err
	}
}

// handleStop ends the session. Stopping an idle session is not an error.
func (s *Server) handleStop(c *fiber.Ctx) error {
	s.conv.Stop()
	return c.JSON(s.conv.Status())
}

// handleConversation returns the completed turns.
func (s *Server) handleConversation(c *fiber.Ctx) error {
	turns := s.conv.History()
	if turns == nil {
		turns = []turn.Turn{}
	}
	return c.JSON(turns)
}

// handleEventsWS streams session events. The current state is sent first.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	hello, err := hub.EncodeEvent(hub.Event{Type: hub.EventHello, State: s.conv.State().String()})
	if err == nil {
		if err := c.WriteMessage(websocket.TextMessage, hello.Data); err != nil {
			return
		}
	}

	client := hub.NewClient(s.events, c)
	if client == nil {
		return
	}
	client.Run()
}
