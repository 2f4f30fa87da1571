package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dream-forge-backend/internal/logger"

	"github.com/google/uuid"
)

const (
	clientBuffer      = 16
	defaultHeartbeat  = 15 * time.Second
	heartbeatEnvelope = ": ping\n\n"
)

// Client is one open SSE connection.
type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Channels map[string]bool
	Outbound chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// Hub fans events out to the SSE clients of this instance. It also
// implements Publisher for single-instance deployments.
type Hub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*Client]bool
	heartbeat     time.Duration
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:        log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
		heartbeat:     defaultHeartbeat,
	}
}

// WithHeartbeat overrides the keep-alive interval.
func (h *Hub) WithHeartbeat(d time.Duration) *Hub {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// Subscribe registers a client for the user's channel.
func (h *Hub) Subscribe(userID uuid.UUID) *Client {
	client := &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Channels: make(map[string]bool),
		Outbound: make(chan Event, clientBuffer),
		done:     make(chan struct{}),
	}
	h.AddChannel(client, UserChannel(userID))
	return client
}

func (h *Hub) AddChannel(client *Client, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	client.Channels[channel] = true
	clients, ok := h.subscriptions[channel]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[channel] = clients
	}
	clients[client] = true
	h.logger.Debug("SSE client subscribed", "clientID", client.ID, "channel", channel)
}

// Unsubscribe removes the client from every channel and ends its stream.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	for ch := range client.Channels {
		if subs, ok := h.subscriptions[ch]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.subscriptions, ch)
			}
		}
	}
	client.Channels = make(map[string]bool)
	h.mu.Unlock()
	client.closeOnce.Do(func() { close(client.done) })
}

// Subscribers returns the number of clients on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[channel])
}

// Broadcast delivers evt to local subscribers. Slow clients lose messages
// rather than block the publisher.
func (h *Hub) Broadcast(evt Event) {
	if evt.Channel == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subscriptions[evt.Channel] {
		select {
		case c.Outbound <- evt:
		default:
			h.logger.Warn("Dropping SSE message; outbound buffer full", "clientID", c.ID)
		}
	}
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.Broadcast(evt)
	return nil
}

// Serve streams the client's events until the request ends or the client is
// unsubscribed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, client *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client context done", "clientID", client.ID, "err", ctx.Err())
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, heartbeatEnvelope)
			flusher.Flush()
		case evt := <-client.Outbound:
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Warn("Failed to marshal SSE message", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		}
	}
}
