package pipeline

import (
	"errors"
	"fmt"
	"time"

	"dream-forge-backend/internal/errclass"
	"dream-forge-backend/internal/models"

	"github.com/google/uuid"
)

// ErrDiscarded is returned when a provider result arrives for an abandoned
// pipeline or for an attempt that is no longer current.
var ErrDiscarded = errors.New("pipeline result discarded")

// Costs are the per-stage credit prices.
type Costs struct {
	Views   int64
	Mesh    int64
	Texture int64
}

func (c Costs) For(stage models.Stage) int64 {
	switch stage {
	case models.StageImages:
		return c.Views
	case models.StageMesh:
		return c.Mesh
	case models.StageTexture:
		return c.Texture
	}
	return 0
}

// Effect is one side effect requested by a transition.
type Effect interface {
	effect()
}

// ChargeEffect asks the caller to debit the ledger for a new stage attempt.
type ChargeEffect struct {
	Stage   models.Stage
	Amount  int64
	Attempt int
}

// RefundEffect asks the caller to return a held charge.
type RefundEffect struct {
	Stage   models.Stage
	Amount  int64
	Attempt int
}

// ProviderCallEffect asks the caller to start the external generation call.
type ProviderCallEffect struct {
	Stage   models.Stage
	Attempt int
	Angles  []models.ViewAngle
}

func (ChargeEffect) effect()       {}
func (RefundEffect) effect()       {}
func (ProviderCallEffect) effect() {}

// StageResult carries the artifacts produced by a successful provider call.
type StageResult struct {
	Views            map[models.ViewAngle]models.ViewImage
	MeshURL          string
	MeshTaskID       string
	TexturedModelURL string
	ThumbnailURL     string
	DownloadFiles    []models.DownloadFile
}

// New creates a draft pipeline around its first input image.
func New(id, userID uuid.UUID, first models.InputImage, mode models.ProcessingMode, settings models.PipelineSettings, now time.Time) (*models.Pipeline, error) {
	if mode == "" {
		mode = models.ModeRealtime
	}
	if mode != models.ModeRealtime && mode != models.ModeBatch {
		return nil, fmt.Errorf("unknown processing mode %q", mode)
	}
	if first.URL == "" {
		return nil, fmt.Errorf("input image url is required")
	}
	if first.UploadedAt.IsZero() {
		first.UploadedAt = now
	}
	return &models.Pipeline{
		ID:             id,
		UserID:         userID,
		Status:         models.StatusDraft,
		ProcessingMode: mode,
		InputImages:    []models.InputImage{first},
		Settings:       settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func guardActive(op string, p *models.Pipeline) error {
	if p.Abandoned() {
		return precondition(op, p, "pipeline was reset")
	}
	return nil
}

// AddInputImage appends an image while the pipeline is still a draft.
func AddInputImage(p *models.Pipeline, img models.InputImage, now time.Time) (*models.Pipeline, error) {
	const op = "addInputImage"
	if err := guardActive(op, p); err != nil {
		return nil, err
	}
	if p.Status != models.StatusDraft {
		return nil, precondition(op, p, "input images are frozen once generation starts")
	}
	next := p.Clone()
	if img.UploadedAt.IsZero() {
		img.UploadedAt = now
	}
	next.InputImages = append(next.InputImages, img)
	next.UpdatedAt = now
	return next, nil
}

// UpdateSettings replaces the settings. Settings freeze with the first charge.
func UpdateSettings(p *models.Pipeline, settings models.PipelineSettings, now time.Time) (*models.Pipeline, error) {
	const op = "updateSettings"
	if err := guardActive(op, p); err != nil {
		return nil, err
	}
	if p.HasCharges() {
		return nil, precondition(op, p, "settings are frozen after the first charge")
	}
	next := p.Clone()
	next.Settings = settings
	next.UpdatedAt = now
	return next, nil
}

func normalizeAngles(angles []models.ViewAngle) ([]models.ViewAngle, error) {
	if len(angles) == 0 {
		return []models.ViewAngle{models.AngleFront, models.AngleBack, models.AngleLeft, models.AngleRight}, nil
	}
	seen := make(map[models.ViewAngle]bool, len(angles))
	out := make([]models.ViewAngle, 0, len(angles))
	for _, a := range angles {
		if !a.Valid() {
			return nil, fmt.Errorf("unknown view angle %q", a)
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out, nil
}

// StartViewGeneration charges the view stage and moves a draft into image
// generation. Batch pipelines are queued instead and the provider call is
// issued by the batch worker after it claims the pipeline.
func StartViewGeneration(p *models.Pipeline, angles []models.ViewAngle, costs Costs, now time.Time) (*models.Pipeline, []Effect, error) {
	const op = "startViewGeneration"
	if err := guardActive(op, p); err != nil {
		return nil, nil, err
	}
	if p.Status != models.StatusDraft {
		return nil, nil, precondition(op, p, "")
	}
	if len(p.InputImages) == 0 {
		return nil, nil, precondition(op, p, "no input image uploaded")
	}
	normalized, err := normalizeAngles(angles)
	if err != nil {
		return nil, nil, precondition(op, p, err.Error())
	}

	next := p.Clone()
	next.SelectedAngles = normalized
	target := models.StatusGeneratingImages
	if next.ProcessingMode == models.ModeBatch {
		target = models.StatusBatchQueued
	}
	if err := transition(op, next, target); err != nil {
		return nil, nil, err
	}
	effects := beginAttempt(next, models.StageImages, costs, now)
	return next, effects, nil
}

// ClaimBatch moves a queued batch pipeline into processing. It fails for any
// other status so that two workers can never claim the same pipeline.
func ClaimBatch(p *models.Pipeline, now time.Time) (*models.Pipeline, []Effect, error) {
	const op = "claimBatch"
	if err := guardActive(op, p); err != nil {
		return nil, nil, err
	}
	if p.Status != models.StatusBatchQueued {
		return nil, nil, precondition(op, p, "")
	}
	next := p.Clone()
	if err := transition(op, next, models.StatusBatchProcessing); err != nil {
		return nil, nil, err
	}
	next.UpdatedAt = now
	attempt := currentAttempt(next, models.StageImages)
	return next, []Effect{ProviderCallEffect{Stage: models.StageImages, Attempt: attempt, Angles: append([]models.ViewAngle(nil), next.SelectedAngles...)}}, nil
}

// ProceedToMesh confirms the views and starts mesh generation.
func ProceedToMesh(p *models.Pipeline, costs Costs, now time.Time) (*models.Pipeline, []Effect, error) {
	const op = "proceedToMesh"
	if err := guardActive(op, p); err != nil {
		return nil, nil, err
	}
	if p.Status != models.StatusImagesReady {
		return nil, nil, precondition(op, p, "")
	}
	if len(p.MeshImages) == 0 {
		return nil, nil, precondition(op, p, "no views available")
	}
	next := p.Clone()
	if err := transition(op, next, models.StatusGeneratingMesh); err != nil {
		return nil, nil, err
	}
	return next, beginAttempt(next, models.StageMesh, costs, now), nil
}

// AddTexture starts the optional texture stage.
func AddTexture(p *models.Pipeline, costs Costs, now time.Time) (*models.Pipeline, []Effect, error) {
	const op = "addTexture"
	if err := guardActive(op, p); err != nil {
		return nil, nil, err
	}
	if p.Status != models.StatusMeshReady {
		return nil, nil, precondition(op, p, "")
	}
	if p.MeshURL == nil && p.MeshTaskID == "" {
		return nil, nil, precondition(op, p, "no mesh available")
	}
	next := p.Clone()
	if err := transition(op, next, models.StatusGeneratingTexture); err != nil {
		return nil, nil, err
	}
	return next, beginAttempt(next, models.StageTexture, costs, now), nil
}

// ReplaceView swaps one generated view for a user upload.
func ReplaceView(p *models.Pipeline, angle models.ViewAngle, img models.ViewImage, now time.Time) (*models.Pipeline, error) {
	const op = "replaceView"
	if err := guardActive(op, p); err != nil {
		return nil, err
	}
	if p.Status != models.StatusImagesReady {
		return nil, precondition(op, p, "")
	}
	if !angle.Valid() {
		return nil, precondition(op, p, fmt.Sprintf("unknown view angle %q", angle))
	}
	next := p.Clone()
	if next.MeshImages == nil {
		next.MeshImages = make(map[models.ViewAngle]models.ViewImage)
	}
	img.Source = models.SourceUpload
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	next.MeshImages[angle] = img
	next.UpdatedAt = now
	return next, nil
}

// Retry re-enters the stage recorded in errorStep. A held charge from the
// failed attempt is reused; a refunded one is replaced by a fresh charge.
func Retry(p *models.Pipeline, costs Costs, now time.Time) (*models.Pipeline, []Effect, error) {
	const op = "retry"
	if err := guardActive(op, p); err != nil {
		return nil, nil, err
	}
	if p.Status != models.StatusFailed || p.ErrorStep == nil {
		return nil, nil, precondition(op, p, "")
	}
	raw := ""
	if p.Error != nil {
		raw = *p.Error
	}
	if !errclass.CanRetry(raw, *p.ErrorStep) {
		return nil, nil, precondition(op, p, "the failure is not retryable")
	}
	stage, ok := models.StageForStatus(*p.ErrorStep)
	if !ok {
		return nil, nil, precondition(op, p, "unknown failed step")
	}

	next := p.Clone()
	target := stage.GeneratingStatus()
	if stage == models.StageImages && next.ProcessingMode == models.ModeBatch {
		target = models.StatusBatchQueued
	}
	if err := transition(op, next, target); err != nil {
		return nil, nil, err
	}
	next.Error = nil
	next.ErrorStep = nil

	if last, ok := next.LastCharge(stage); ok && last.Held() {
		next.UpdatedAt = now
		if target == models.StatusBatchQueued {
			return next, nil, nil
		}
		return next, []Effect{providerCall(next, stage, last.Attempt)}, nil
	}
	return next, beginAttempt(next, stage, costs, now), nil
}

// Complete applies a successful provider result for the given attempt.
func Complete(p *models.Pipeline, stage models.Stage, attempt int, result StageResult, now time.Time) (*models.Pipeline, error) {
	if err := checkCurrent(p, stage, attempt); err != nil {
		return nil, err
	}
	next := p.Clone()
	var target models.PipelineStatus
	switch stage {
	case models.StageImages:
		if len(result.Views) == 0 {
			return nil, fmt.Errorf("image stage completed without views")
		}
		if next.MeshImages == nil {
			next.MeshImages = make(map[models.ViewAngle]models.ViewImage, len(result.Views))
		}
		for angle, view := range result.Views {
			next.MeshImages[angle] = view
		}
		target = models.StatusImagesReady
	case models.StageMesh:
		if result.MeshURL == "" {
			return nil, fmt.Errorf("mesh stage completed without a model url")
		}
		url := result.MeshURL
		next.MeshURL = &url
		if result.MeshTaskID != "" {
			next.MeshTaskID = result.MeshTaskID
		}
		target = models.StatusMeshReady
	case models.StageTexture:
		if result.TexturedModelURL == "" {
			return nil, fmt.Errorf("texture stage completed without a model url")
		}
		url := result.TexturedModelURL
		next.TexturedModelURL = &url
		target = models.StatusCompleted
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if result.ThumbnailURL != "" {
		thumb := result.ThumbnailURL
		next.ThumbnailURL = &thumb
	}
	if len(result.DownloadFiles) > 0 {
		next.DownloadFiles = append([]models.DownloadFile(nil), result.DownloadFiles...)
	}
	if err := transition("complete", next, target); err != nil {
		return nil, err
	}

	if charge, ok := next.LastCharge(stage); ok && charge.Held() {
		charge.Settled = true
		switch stage {
		case models.StageImages:
			next.CreditsCharged.Views += charge.Amount
		case models.StageMesh:
			next.CreditsCharged.Mesh += charge.Amount
		case models.StageTexture:
			next.CreditsCharged.Texture += charge.Amount
		}
	}
	next.UpdatedAt = now
	return next, nil
}

// Fail records a provider failure. With refund set, the held charge of the
// failed attempt is marked refunded and a RefundEffect is returned.
func Fail(p *models.Pipeline, stage models.Stage, attempt int, raw string, refund bool, now time.Time) (*models.Pipeline, []Effect, error) {
	if p.Abandoned() {
		return refundAbandoned(p, stage, attempt, refund, now)
	}
	if err := checkCurrent(p, stage, attempt); err != nil {
		return nil, nil, err
	}
	next := p.Clone()
	if err := transition("fail", next, models.StatusFailed); err != nil {
		return nil, nil, err
	}
	msg := raw
	if msg == "" {
		msg = "unknown error"
	}
	step := stage.GeneratingStatus()
	next.Error = &msg
	next.ErrorStep = &step
	next.UpdatedAt = now

	var effects []Effect
	if charge, ok := next.LastCharge(stage); ok && charge.Held() && refund {
		charge.Refunded = true
		effects = append(effects, RefundEffect{Stage: stage, Amount: charge.Amount, Attempt: charge.Attempt})
	}
	return next, effects, nil
}

// refundAbandoned handles a failure that arrives after Reset. The status is
// left as it was; only the in-flight attempt's held charge is returned.
func refundAbandoned(p *models.Pipeline, stage models.Stage, attempt int, refund bool, now time.Time) (*models.Pipeline, []Effect, error) {
	if !refund || inFlight(p, stage, attempt) != nil {
		return nil, nil, ErrDiscarded
	}
	next := p.Clone()
	charge, ok := next.LastCharge(stage)
	if !ok || !charge.Held() {
		return nil, nil, ErrDiscarded
	}
	charge.Refunded = true
	next.UpdatedAt = now
	return next, []Effect{RefundEffect{Stage: stage, Amount: charge.Amount, Attempt: charge.Attempt}}, nil
}

// Reset abandons the pipeline. Completed stages are not refunded and late
// provider results are discarded. A batch pipeline no worker has claimed yet
// gets its view charge back, since nothing will ever run for it.
func Reset(p *models.Pipeline, now time.Time) (*models.Pipeline, []Effect, error) {
	if p.Abandoned() {
		return nil, nil, precondition("reset", p, "pipeline was already reset")
	}
	next := p.Clone()
	t := now
	next.AbandonedAt = &t
	next.UpdatedAt = now

	var effects []Effect
	if next.Status == models.StatusBatchQueued {
		if charge, ok := next.LastCharge(models.StageImages); ok && charge.Held() {
			charge.Refunded = true
			effects = append(effects, RefundEffect{Stage: models.StageImages, Amount: charge.Amount, Attempt: charge.Attempt})
		}
	}
	return next, effects, nil
}

func checkCurrent(p *models.Pipeline, stage models.Stage, attempt int) error {
	if p.Abandoned() {
		return ErrDiscarded
	}
	return inFlight(p, stage, attempt)
}

// inFlight reports whether attempt is the one the pipeline is waiting on.
func inFlight(p *models.Pipeline, stage models.Stage, attempt int) error {
	current, ok := models.StageForStatus(p.Status)
	if !ok || current != stage {
		return ErrDiscarded
	}
	if p.Status == models.StatusBatchQueued && stage == models.StageImages {
		// queued pipelines can only fail, never complete, before a worker claims them
		return nil
	}
	if attempt != currentAttempt(p, stage) {
		return ErrDiscarded
	}
	return nil
}

func currentAttempt(p *models.Pipeline, stage models.Stage) int {
	if last, ok := p.LastCharge(stage); ok {
		return last.Attempt
	}
	return 0
}

func beginAttempt(p *models.Pipeline, stage models.Stage, costs Costs, now time.Time) []Effect {
	attempt := currentAttempt(p, stage) + 1
	amount := costs.For(stage)
	p.Charges = append(p.Charges, models.StageCharge{
		Stage:     stage,
		Amount:    amount,
		Attempt:   attempt,
		ChargedAt: now,
	})
	p.UpdatedAt = now
	effects := []Effect{ChargeEffect{Stage: stage, Amount: amount, Attempt: attempt}}
	if p.Status == models.StatusBatchQueued {
		return effects
	}
	return append(effects, providerCall(p, stage, attempt))
}

func providerCall(p *models.Pipeline, stage models.Stage, attempt int) ProviderCallEffect {
	call := ProviderCallEffect{Stage: stage, Attempt: attempt}
	if stage == models.StageImages {
		call.Angles = append([]models.ViewAngle(nil), p.SelectedAngles...)
	}
	return call
}

// RecordChargeTransaction stores the ledger transaction id on the matching charge.
func RecordChargeTransaction(p *models.Pipeline, stage models.Stage, attempt int, txID uuid.UUID) {
	for i := range p.Charges {
		if p.Charges[i].Stage == stage && p.Charges[i].Attempt == attempt {
			p.Charges[i].TransactionID = txID
			return
		}
	}
}

// RecordRefundTransaction stores the refund transaction id on the matching charge.
func RecordRefundTransaction(p *models.Pipeline, stage models.Stage, attempt int, txID uuid.UUID) {
	for i := range p.Charges {
		if p.Charges[i].Stage == stage && p.Charges[i].Attempt == attempt {
			id := txID
			p.Charges[i].RefundTransactionID = &id
			return
		}
	}
}
