package handlers

import (
	"dream-forge-backend/internal/events"

	"github.com/gin-gonic/gin"
)

// EventsHandler streams the caller's pipeline, session, order and credit
// updates over SSE.
type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

func (h *EventsHandler) Stream(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	client := h.hub.Subscribe(userID)
	defer h.hub.Unsubscribe(client)
	h.hub.Serve(c.Writer, c.Request, client)
}
