package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionDraft           SessionStatus = "draft"
	SessionGeneratingViews SessionStatus = "generating-views"
	SessionViewsReady      SessionStatus = "views-ready"
	SessionGeneratingModel SessionStatus = "generating-model"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
)

// Session is the legacy multi-step wizard keyed by camera-angle views.
type Session struct {
	ID                   uuid.UUID               `json:"id"`
	UserID               uuid.UUID               `json:"user_id"`
	Status               SessionStatus           `json:"status"`
	CurrentStep          int                     `json:"current_step"`
	SourceImage          *InputImage             `json:"source_image,omitempty"`
	SelectedAngles       []ViewAngle             `json:"selected_angles,omitempty"`
	Views                map[ViewAngle]ViewImage `json:"views"`
	ViewGenerationCount  int                     `json:"view_generation_count"`
	ModelGenerationCount int                     `json:"model_generation_count"`
	TotalCreditsUsed     int64                   `json:"total_credits_used"`
	ModelURL             *string                 `json:"model_url,omitempty"`
	Error                *string                 `json:"error,omitempty"`
	ErrorStep            *SessionStatus          `json:"error_step,omitempty"`
	CreatedAt            time.Time               `json:"created_at"`
	UpdatedAt            time.Time               `json:"updated_at"`
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.SourceImage != nil {
		img := *s.SourceImage
		out.SourceImage = &img
	}
	out.SelectedAngles = append([]ViewAngle(nil), s.SelectedAngles...)
	out.Views = make(map[ViewAngle]ViewImage, len(s.Views))
	for k, v := range s.Views {
		out.Views[k] = v
	}
	out.ModelURL = cloneString(s.ModelURL)
	out.Error = cloneString(s.Error)
	if s.ErrorStep != nil {
		step := *s.ErrorStep
		out.ErrorStep = &step
	}
	return &out
}
