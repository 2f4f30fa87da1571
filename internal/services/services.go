// Package services runs the use cases: it loads entities, applies the pure
// state machines, executes their effects against the ledger and providers,
// and publishes the resulting updates.
package services

import (
	"context"
	"errors"
	"time"

	"dream-forge-backend/internal/models"
)

var (
	// ErrForbidden is returned when the caller does not own the entity.
	ErrForbidden = errors.New("not allowed to access this resource")
	ErrNoImage   = errors.New("an image file or url is required")

	// ErrMeshToolsDisabled is returned when MESH_OPTIMIZER_URL is unset.
	ErrMeshToolsDisabled = errors.New("mesh tools are not configured")
)

// ImageInput is an uploaded file or a URL to copy from.
type ImageInput struct {
	Data        []byte
	ContentType string
	URL         string
}

func (in ImageInput) empty() bool {
	return len(in.Data) == 0 && in.URL == ""
}

// Timeouts bound each external generation call per stage.
type Timeouts struct {
	Images  time.Duration
	Mesh    time.Duration
	Texture time.Duration
}

func (t Timeouts) For(stage models.Stage) time.Duration {
	switch stage {
	case models.StageImages:
		return t.Images
	case models.StageMesh:
		return t.Mesh
	case models.StageTexture:
		return t.Texture
	}
	return 0
}

// outcomeTimeout bounds writing a provider outcome once the job context is gone.
const outcomeTimeout = 30 * time.Second

// errInterrupted is the failure recorded for work cut off by shutdown. It
// classifies as a transient provider outage so the user is told to retry.
const errInterrupted = "service unavailable: interrupted by server shutdown"

// detached returns a context for recording the outcome of a job. It outlives
// cancellation of ctx so shutdown cannot leave a stage running with its
// charge held.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
}

// failureMessage is the raw error recorded for a failed provider call.
func failureMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return errInterrupted
	}
	return err.Error()
}
