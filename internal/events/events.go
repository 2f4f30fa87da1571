// Package events pushes pipeline, session, order and credit updates to
// connected clients over server-sent events. With Redis configured, events
// fan out across instances through pub/sub.
package events

import (
	"context"
	"fmt"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/progress"

	"github.com/google/uuid"
)

type Type string

const (
	PipelineUpdated Type = "pipeline.updated"
	SessionUpdated  Type = "session.updated"
	OrderUpdated    Type = "order.updated"
	CreditsUpdated  Type = "credits.updated"
)

type Event struct {
	Channel string                 `json:"channel"`
	Type    Type                   `json:"event"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Publisher delivers an event to every subscriber of its channel.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s", userID.String())
}

// Event payloads

func PipelineEvent(p *models.Pipeline) Event {
	data := map[string]interface{}{
		"pipeline_id":     p.ID.String(),
		"status":          p.Status,
		"processing_mode": p.ProcessingMode,
		"progress":        progress.Describe(p.Status, p.Settings.Provider),
		"credits_charged": p.CreditsCharged,
	}
	if p.Error != nil {
		data["error"] = *p.Error
	}
	if p.ErrorStep != nil {
		data["error_step"] = *p.ErrorStep
	}
	if p.MeshURL != nil {
		data["mesh_url"] = *p.MeshURL
	}
	if p.TexturedModelURL != nil {
		data["textured_model_url"] = *p.TexturedModelURL
	}
	if p.Abandoned() {
		data["abandoned"] = true
	}
	return Event{Channel: UserChannel(p.UserID), Type: PipelineUpdated, Data: data}
}

func SessionEvent(s *models.Session) Event {
	data := map[string]interface{}{
		"session_id":   s.ID.String(),
		"status":       s.Status,
		"current_step": s.CurrentStep,
	}
	if s.Error != nil {
		data["error"] = *s.Error
	}
	if s.ModelURL != nil {
		data["model_url"] = *s.ModelURL
	}
	return Event{Channel: UserChannel(s.UserID), Type: SessionUpdated, Data: data}
}

func OrderEvent(o *models.Order) Event {
	data := map[string]interface{}{
		"order_id":     o.ID.String(),
		"order_number": o.OrderNumber,
		"status":       o.Status,
	}
	if o.Tracking != nil {
		data["tracking"] = o.Tracking
	}
	return Event{Channel: UserChannel(o.UserID), Type: OrderUpdated, Data: data}
}

func CreditsEvent(userID uuid.UUID, balance int64) Event {
	return Event{
		Channel: UserChannel(userID),
		Type:    CreditsUpdated,
		Data:    map[string]interface{}{"balance": balance},
	}
}
