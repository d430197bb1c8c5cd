package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/orchestrator"
)

// ChatEvent is the Slack-style event callback envelope.
type ChatEvent struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	Event     struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		User    string `json:"user"`
		BotID   string `json:"bot_id,omitempty"`
		Subtype string `json:"subtype,omitempty"`
	} `json:"event"`
}

// EventAck is the immediate acknowledgment for an accepted event.
type EventAck struct {
	OK      bool   `json:"ok"`
	Ignored string `json:"ignored,omitempty"`
}

// handleChatEvents receives chat platform event callbacks. Handling is
// asynchronous: the platform gets an immediate ack and the orchestration
// runs on a detached context.
func (s *Server) handleChatEvents(c echo.Context) error {
	var ev ChatEvent
	if err := c.Bind(&ev); err != nil {
		s.logger.Warn("invalid chat event", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event body")
	}

	// URL verification handshake: echo the challenge back.
	if ev.Type == "url_verification" {
		return c.JSON(http.StatusOK, map[string]string{"challenge": ev.Challenge})
	}

	// Loop guard: never respond to our own (or any bot's) messages.
	if ev.Event.BotID != "" || ev.Event.Subtype == "bot_message" {
		return c.JSON(http.StatusOK, EventAck{OK: true, Ignored: "bot message"})
	}

	// Only messages that mention the trigger word are for us.
	if !strings.Contains(strings.ToLower(ev.Event.Text), s.config.TriggerWord) {
		return c.JSON(http.StatusOK, EventAck{OK: true, Ignored: "no trigger word"})
	}

	req := orchestrator.Request{
		Channel: ev.Event.Channel,
		UserID:  ev.Event.User,
		Text:    ev.Event.Text,
	}

	s.events.Add(1)
	go func() {
		defer s.events.Done()

		// The platform's HTTP request is acked already; handling must not
		// die with it.
		ctx, cancel := context.WithTimeout(context.Background(), s.config.HandleTimeout)
		defer cancel()

		if _, err := s.orch.HandleRequest(ctx, req); err != nil {
			s.logger.Error("chat event handling failed",
				zap.String("chat.channel", req.Channel),
				zap.Error(err))
		}
	}()

	return c.JSON(http.StatusOK, EventAck{OK: true})
}
