package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"rextrack-worker-go/internal/logging"
	"rextrack-worker-go/internal/services/events"
)

type EventsHandler struct {
	manager      SourceManager
	buffer       int
	writeTimeout time.Duration
}

func NewEventsHandler(manager SourceManager, buffer int) *EventsHandler {
	if buffer < 1 {
		buffer = 256
	}
	return &EventsHandler{manager: manager, buffer: buffer, writeTimeout: 5 * time.Second}
}

// @Summary Stream events
// @Description Upgrades to a websocket and streams worker events as JSON. Filter with ?source=cam1 and ?types=state,error
// @Tags events
// @Param source query string false "Only events of this source"
// @Param types query string false "Comma separated event types"
// @Success 101
// @Router /events [get]
func (h *EventsHandler) Stream(c *gin.Context) {
	source := c.Query("source")
	types := parseTypes(c.Query("types"))

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logging.Warn(c).Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "server error") }()

	// Clients only listen; CloseRead handles their close frames.
	ctx := conn.CloseRead(c.Request.Context())

	ch, cancel := h.manager.Subscribe(h.buffer)
	defer cancel()

	logging.Info(c).Str("source", source).Msg("Event stream opened")
	for {
		select {
		case <-ctx.Done():
			logging.Info(c).Msg("Event stream closed")
			return
		case e, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if !matches(e, source, types) {
				continue
			}
			if err := h.write(ctx, conn, e); err != nil {
				var ce websocket.CloseError
				if !errors.As(err, &ce) && ctx.Err() == nil {
					logging.Warn(c).Err(err).Msg("Event stream write failed")
				}
				return
			}
		}
	}
}

func (h *EventsHandler) write(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

func parseTypes(raw string) map[events.Type]bool {
	if raw == "" {
		return nil
	}
	out := make(map[events.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[events.Type(t)] = true
		}
	}
	return out
}

func matches(e events.Event, source string, types map[events.Type]bool) bool {
	if source != "" && e.SourceID != source {
		return false
	}
	return types == nil || types[e.Type]
}

