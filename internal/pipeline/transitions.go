// Package pipeline holds the pure pipeline state machine. Every operation takes
// the current entity and returns the next entity plus the effects the caller
// must execute; nothing here performs I/O.
package pipeline

import (
	"fmt"

	"dream-forge-backend/internal/models"
)

var transitions = map[models.PipelineStatus][]models.PipelineStatus{
	models.StatusDraft:             {models.StatusGeneratingImages, models.StatusBatchQueued},
	models.StatusBatchQueued:       {models.StatusBatchProcessing, models.StatusFailed},
	models.StatusBatchProcessing:   {models.StatusImagesReady, models.StatusFailed},
	models.StatusGeneratingImages:  {models.StatusImagesReady, models.StatusFailed},
	models.StatusImagesReady:       {models.StatusGeneratingMesh},
	models.StatusGeneratingMesh:    {models.StatusMeshReady, models.StatusFailed},
	models.StatusMeshReady:         {models.StatusGeneratingTexture},
	models.StatusGeneratingTexture: {models.StatusCompleted, models.StatusFailed},
	models.StatusCompleted:         {},
	models.StatusFailed: {
		models.StatusGeneratingImages,
		models.StatusBatchQueued,
		models.StatusGeneratingMesh,
		models.StatusGeneratingTexture,
	},
}

// CanTransition reports whether to is an allowed successor of from.
func CanTransition(from, to models.PipelineStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the successors of from.
func AllowedTransitions(from models.PipelineStatus) []models.PipelineStatus {
	return append([]models.PipelineStatus(nil), transitions[from]...)
}

// PreconditionError is returned when an operation is not valid for the current
// state. The entity is never mutated when it is returned.
type PreconditionError struct {
	Op     string
	Status models.PipelineStatus
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not allowed while pipeline is %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s not allowed while pipeline is %s", e.Op, e.Status)
}

func precondition(op string, p *models.Pipeline, reason string) error {
	return &PreconditionError{Op: op, Status: p.Status, Reason: reason}
}

func transition(op string, p *models.Pipeline, to models.PipelineStatus) error {
	if !CanTransition(p.Status, to) {
		return precondition(op, p, fmt.Sprintf("cannot move to %s", to))
	}
	p.Status = to
	return nil
}
