// Package session is the state machine for the multi-step views wizard.
package session

import (
	"fmt"
	"time"

	"dream-forge-backend/internal/models"

	"github.com/google/uuid"
)

var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionDraft:           {models.SessionGeneratingViews},
	models.SessionGeneratingViews: {models.SessionViewsReady, models.SessionFailed},
	models.SessionViewsReady:      {models.SessionGeneratingViews, models.SessionGeneratingModel},
	models.SessionGeneratingModel: {models.SessionCompleted, models.SessionFailed},
	models.SessionCompleted:       {},
	models.SessionFailed:          {models.SessionGeneratingViews, models.SessionGeneratingModel},
}

var stepRanges = map[models.SessionStatus][2]int{
	models.SessionDraft:           {1, 2},
	models.SessionGeneratingViews: {2, 2},
	models.SessionViewsReady:      {3, 4},
	models.SessionGeneratingModel: {4, 4},
	models.SessionCompleted:       {5, 5},
	models.SessionFailed:          {1, 5},
}

type PreconditionError struct {
	Op     string
	Status models.SessionStatus
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not allowed while session is %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s not allowed while session is %s", e.Op, e.Status)
}

func CanTransition(from, to models.SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepRange returns the inclusive wizard step bounds allowed for a status.
func StepRange(status models.SessionStatus) (int, int) {
	r, ok := stepRanges[status]
	if !ok {
		return 1, 5
	}
	return r[0], r[1]
}

// ConsistentStep reports whether step is allowed for status.
func ConsistentStep(status models.SessionStatus, step int) bool {
	lo, hi := StepRange(status)
	return step >= lo && step <= hi
}

func move(op string, s *models.Session, to models.SessionStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return &PreconditionError{Op: op, Status: s.Status, Reason: fmt.Sprintf("cannot move to %s", to)}
	}
	s.Status = to
	lo, hi := StepRange(to)
	if s.CurrentStep < lo {
		s.CurrentStep = lo
	}
	if s.CurrentStep > hi {
		s.CurrentStep = hi
	}
	s.UpdatedAt = now
	return nil
}

func New(id, userID uuid.UUID, source *models.InputImage, now time.Time) *models.Session {
	return &models.Session{
		ID:          id,
		UserID:      userID,
		Status:      models.SessionDraft,
		CurrentStep: 1,
		SourceImage: source,
		Views:       make(map[models.ViewAngle]models.ViewImage),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SetStep moves the wizard cursor within the range allowed by the status.
func SetStep(s *models.Session, step int, now time.Time) (*models.Session, error) {
	if !ConsistentStep(s.Status, step) {
		lo, hi := StepRange(s.Status)
		return nil, &PreconditionError{Op: "setStep", Status: s.Status, Reason: fmt.Sprintf("step must be between %d and %d", lo, hi)}
	}
	next := s.Clone()
	next.CurrentStep = step
	next.UpdatedAt = now
	return next, nil
}

// SetSource stores the source photo while still in draft.
func SetSource(s *models.Session, img models.InputImage, now time.Time) (*models.Session, error) {
	if s.Status != models.SessionDraft {
		return nil, &PreconditionError{Op: "setSource", Status: s.Status}
	}
	next := s.Clone()
	next.SourceImage = &img
	next.UpdatedAt = now
	return next, nil
}

// UploadView sets an angle to a user upload. The map never exceeds the known angles.
func UploadView(s *models.Session, angle models.ViewAngle, img models.ViewImage, now time.Time) (*models.Session, error) {
	const op = "uploadView"
	if !angle.Valid() {
		return nil, &PreconditionError{Op: op, Status: s.Status, Reason: fmt.Sprintf("unknown view angle %q", angle)}
	}
	switch s.Status {
	case models.SessionDraft, models.SessionViewsReady, models.SessionFailed:
	default:
		return nil, &PreconditionError{Op: op, Status: s.Status}
	}
	next := s.Clone()
	img.Source = models.SourceUpload
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	next.Views[angle] = img
	next.UpdatedAt = now
	return next, nil
}

// StartViews begins (re)generating views.
func StartViews(s *models.Session, angles []models.ViewAngle, now time.Time) (*models.Session, error) {
	const op = "generateViews"
	if s.SourceImage == nil {
		return nil, &PreconditionError{Op: op, Status: s.Status, Reason: "no source image"}
	}
	if len(angles) == 0 {
		return nil, &PreconditionError{Op: op, Status: s.Status, Reason: "no angles selected"}
	}
	for _, a := range angles {
		if !a.Valid() {
			return nil, &PreconditionError{Op: op, Status: s.Status, Reason: fmt.Sprintf("unknown view angle %q", a)}
		}
	}
	next := s.Clone()
	if err := move(op, next, models.SessionGeneratingViews, now); err != nil {
		return nil, err
	}
	next.SelectedAngles = append([]models.ViewAngle(nil), angles...)
	next.ViewGenerationCount++
	next.Error = nil
	next.ErrorStep = nil
	return next, nil
}

// CompleteViews stores the generated views. Credits are counted only once a step completes.
func CompleteViews(s *models.Session, generated map[models.ViewAngle]models.ViewImage, cost int64, now time.Time) (*models.Session, error) {
	next := s.Clone()
	if err := move("completeViews", next, models.SessionViewsReady, now); err != nil {
		return nil, err
	}
	for angle, v := range generated {
		if !angle.Valid() {
			continue
		}
		next.Views[angle] = v
	}
	next.TotalCreditsUsed += cost
	return next, nil
}

// StartModel begins mesh generation from the collected views.
func StartModel(s *models.Session, now time.Time) (*models.Session, error) {
	const op = "generateModel"
	if len(s.Views) == 0 {
		return nil, &PreconditionError{Op: op, Status: s.Status, Reason: "no views available"}
	}
	next := s.Clone()
	if err := move(op, next, models.SessionGeneratingModel, now); err != nil {
		return nil, err
	}
	next.ModelGenerationCount++
	next.Error = nil
	next.ErrorStep = nil
	return next, nil
}

func CompleteModel(s *models.Session, modelURL string, cost int64, now time.Time) (*models.Session, error) {
	next := s.Clone()
	if err := move("completeModel", next, models.SessionCompleted, now); err != nil {
		return nil, err
	}
	next.ModelURL = &modelURL
	next.TotalCreditsUsed += cost
	return next, nil
}

// Fail records the failure of the in-progress step.
func Fail(s *models.Session, raw string, now time.Time) (*models.Session, error) {
	step := s.Status
	next := s.Clone()
	if err := move("fail", next, models.SessionFailed, now); err != nil {
		return nil, err
	}
	next.Error = &raw
	next.ErrorStep = &step
	return next, nil
}
