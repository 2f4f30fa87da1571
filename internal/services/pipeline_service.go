package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dream-forge-backend/internal/errclass"
	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/progress"
	"dream-forge-backend/internal/providers"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type PipelineDeps struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Artifacts  *ArtifactService
	Images     providers.ImageGenerator
	Models     *providers.Registry
	Dispatcher *Dispatcher
	Publisher  events.Publisher
	Metrics    *metrics.Collector
	Logger     *logger.Logger

	Costs           pipeline.Costs
	Timeouts        Timeouts
	ViewConcurrency int
}

type PipelineService struct {
	store      store.Store
	ledger     *ledger.Ledger
	artifacts  *ArtifactService
	images     providers.ImageGenerator
	models     *providers.Registry
	dispatcher *Dispatcher
	publisher  events.Publisher
	metrics    *metrics.Collector
	logger     *logger.Logger

	costs           pipeline.Costs
	timeouts        Timeouts
	viewConcurrency int
	now             func() time.Time
}

func NewPipelineService(deps PipelineDeps) *PipelineService {
	concurrency := deps.ViewConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return &PipelineService{
		store:           deps.Store,
		ledger:          deps.Ledger,
		artifacts:       deps.Artifacts,
		images:          deps.Images,
		models:          deps.Models,
		dispatcher:      deps.Dispatcher,
		publisher:       deps.Publisher,
		metrics:         deps.Metrics,
		logger:          deps.Logger.With("component", "PipelineService"),
		costs:           deps.Costs,
		timeouts:        deps.Timeouts,
		viewConcurrency: concurrency,
		now:             time.Now,
	}
}

// PipelineView is the pull-based status answer: the entity, its progress
// copy and, when failed, the classified error.
type PipelineView struct {
	*models.Pipeline
	Progress progress.Presentation      `json:"progress"`
	Failure  *errclass.CategorizedError `json:"failure,omitempty"`
	CanRetry bool                       `json:"can_retry"`
}

func (s *PipelineService) view(p *models.Pipeline) *PipelineView {
	v := &PipelineView{Pipeline: p, Progress: progress.Describe(p.Status, p.Settings.Provider)}
	if p.Status == models.StatusFailed && p.Error != nil {
		step := models.StatusFailed
		if p.ErrorStep != nil {
			step = *p.ErrorStep
		}
		classified := errclass.Classify(*p.Error, step)
		v.Failure = &classified
		v.CanRetry = errclass.CanRetry(*p.Error, step)
	}
	return v
}

type CreatePipelineInput struct {
	Image    ImageInput
	Mode     models.ProcessingMode
	Settings models.PipelineSettings
}

func (s *PipelineService) normalizeSettings(in models.PipelineSettings) (models.PipelineSettings, error) {
	switch in.Quality {
	case "":
		in.Quality = models.QualityStandard
	case models.QualityDraft, models.QualityStandard, models.QualityHigh:
	default:
		return in, fmt.Errorf("unknown quality %q", in.Quality)
	}
	if in.Format == "" {
		in.Format = "glb"
	}
	if in.Provider == "" {
		in.Provider = s.models.DefaultName()
	}
	if _, err := s.models.Model(in.Provider); err != nil {
		return in, err
	}
	return in, nil
}

// CreatePipeline stores the first photo and opens a draft. The caller's
// credit account is created on first use.
func (s *PipelineService) CreatePipeline(ctx context.Context, userID uuid.UUID, in CreatePipelineInput) (*PipelineView, error) {
	settings, err := s.normalizeSettings(in.Settings)
	if err != nil {
		return nil, &InvalidInputError{Err: err}
	}
	id := uuid.New()
	img, err := s.artifacts.StoreInputImage(ctx, userID, id, in.Image)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(id, userID, img, in.Mode, settings, s.now())
	if err != nil {
		s.artifacts.Delete(ctx, img.StoragePath)
		return nil, &InvalidInputError{Err: err}
	}
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := s.ledger.EnsureAccount(ctx, tx, userID); err != nil {
			return err
		}
		return tx.SavePipeline(ctx, p)
	})
	if err != nil {
		s.artifacts.Delete(ctx, img.StoragePath)
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.logger.Info("pipeline created", "pipeline_id", p.ID, "user_id", userID, "mode", p.ProcessingMode)
	s.publish(ctx, p)
	return s.view(p), nil
}

func (s *PipelineService) GetPipeline(ctx context.Context, userID, id uuid.UUID) (*PipelineView, error) {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrForbidden
	}
	return s.view(p), nil
}

func (s *PipelineService) ListPipelines(ctx context.Context, userID uuid.UUID, page store.Page) ([]*PipelineView, int, error) {
	uid := userID
	list, total, err := s.store.ListPipelines(ctx, store.PipelineFilter{UserID: &uid, Page: page})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pipelines: %w", err)
	}
	out := make([]*PipelineView, 0, len(list))
	for _, p := range list {
		out = append(out, s.view(p))
	}
	return out, total, nil
}

func (s *PipelineService) AddInputImage(ctx context.Context, userID, id uuid.UUID, in ImageInput) (*PipelineView, error) {
	if err := s.checkOwner(ctx, userID, id); err != nil {
		return nil, err
	}
	img, err := s.artifacts.StoreInputImage(ctx, userID, id, in)
	if err != nil {
		return nil, err
	}
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		next, err := pipeline.AddInputImage(p, img, s.now())
		return next, nil, err
	})
	if err != nil {
		s.artifacts.Delete(ctx, img.StoragePath)
		return nil, err
	}
	return s.view(p), nil
}

func (s *PipelineService) UpdateSettings(ctx context.Context, userID, id uuid.UUID, settings models.PipelineSettings) (*PipelineView, error) {
	normalized, err := s.normalizeSettings(settings)
	if err != nil {
		return nil, &InvalidInputError{Err: err}
	}
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		next, err := pipeline.UpdateSettings(p, normalized, s.now())
		return next, nil, err
	})
	if err != nil {
		return nil, err
	}
	return s.view(p), nil
}

// StartViewGeneration charges the view stage and starts (or queues) image
// generation for the requested angles.
func (s *PipelineService) StartViewGeneration(ctx context.Context, userID, id uuid.UUID, angles []models.ViewAngle) (*PipelineView, error) {
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		return pipeline.StartViewGeneration(p, angles, s.costs, s.now())
	})
	if err != nil {
		return nil, err
	}
	return s.view(p), nil
}

// ProceedToMesh confirms the views and starts mesh generation.
func (s *PipelineService) ProceedToMesh(ctx context.Context, userID, id uuid.UUID) (*PipelineView, error) {
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		return pipeline.ProceedToMesh(p, s.costs, s.now())
	})
	if err != nil {
		return nil, err
	}
	return s.view(p), nil
}

func (s *PipelineService) AddTexture(ctx context.Context, userID, id uuid.UUID) (*PipelineView, error) {
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		return pipeline.AddTexture(p, s.costs, s.now())
	})
	if err != nil {
		return nil, err
	}
	return s.view(p), nil
}

func (s *PipelineService) Retry(ctx context.Context, userID, id uuid.UUID) (*PipelineView, error) {
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		return pipeline.Retry(p, s.costs, s.now())
	})
	if err != nil {
		return nil, err
	}
	return s.view(p), nil
}

// Reset abandons the pipeline. A late success is discarded; a late failure
// still refunds its attempt.
func (s *PipelineService) Reset(ctx context.Context, userID, id uuid.UUID) (*PipelineView, error) {
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		return pipeline.Reset(p, s.now())
	})
	if err != nil {
		return nil, err
	}
	return s.view(p), nil
}

// ReplaceView swaps one view for a user upload while views are being reviewed.
func (s *PipelineService) ReplaceView(ctx context.Context, userID, id uuid.UUID, angle models.ViewAngle, in ImageInput) (*PipelineView, error) {
	if !angle.Valid() {
		return nil, &InvalidInputError{Err: fmt.Errorf("unknown view angle %q", angle)}
	}
	current, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.UserID != userID {
		return nil, ErrForbidden
	}
	if current.Status != models.StatusImagesReady {
		return nil, &pipeline.PreconditionError{Op: "replaceView", Status: current.Status}
	}
	img, err := s.artifacts.StoreView(ctx, userID, id, angle, in, models.SourceUpload)
	if err != nil {
		return nil, err
	}
	p, err := s.mutate(ctx, userID, id, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		next, err := pipeline.ReplaceView(p, angle, img, s.now())
		return next, nil, err
	})
	if err != nil {
		s.artifacts.Delete(ctx, img.StoragePath)
		return nil, err
	}
	return s.view(p), nil
}

// ClaimBatch moves a queued batch pipeline into processing and dispatches
// its view generation. It is called by the batch worker.
func (s *PipelineService) ClaimBatch(ctx context.Context, id uuid.UUID) (*models.Pipeline, error) {
	return s.apply(ctx, id, nil, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		return pipeline.ClaimBatch(p, s.now())
	})
}

// QueuedBatch lists pipelines waiting for the batch worker.
func (s *PipelineService) QueuedBatch(ctx context.Context, limit int) ([]*models.Pipeline, error) {
	status := models.StatusBatchQueued
	list, _, err := s.store.ListPipelines(ctx, store.PipelineFilter{Status: &status, Page: store.Page{Limit: limit}})
	if err != nil {
		return nil, fmt.Errorf("failed to list queued pipelines: %w", err)
	}
	return list, nil
}

// interruptedStatuses are only ever left by a provider call finishing. A
// pipeline found in one at boot lost its call with the previous process.
var interruptedStatuses = []models.PipelineStatus{
	models.StatusGeneratingImages,
	models.StatusGeneratingMesh,
	models.StatusGeneratingTexture,
	models.StatusBatchProcessing,
}

// RecoverInterrupted fails every pipeline stranded mid-generation and refunds
// its held charge. It must run before the dispatcher accepts work.
func (s *PipelineService) RecoverInterrupted(ctx context.Context) (int, error) {
	var stranded []*models.Pipeline
	for _, status := range interruptedStatuses {
		status := status
		for offset := 0; ; {
			list, total, err := s.store.ListPipelines(ctx, store.PipelineFilter{
				Status:           &status,
				IncludeAbandoned: true,
				Page:             store.Page{Limit: 100, Offset: offset},
			})
			if err != nil {
				return 0, fmt.Errorf("failed to list %s pipelines: %w", status, err)
			}
			stranded = append(stranded, list...)
			offset += len(list)
			if len(list) == 0 || offset >= total {
				break
			}
		}
	}

	recovered := 0
	for _, p := range stranded {
		stage, _ := models.StageForStatus(p.Status)
		attempt := 0
		if last, ok := p.LastCharge(stage); ok {
			attempt = last.Attempt
		}
		if s.fail(ctx, p.ID, pipeline.ProviderCallEffect{Stage: stage, Attempt: attempt}, errInterrupted) {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Warn("recovered interrupted pipelines", "count", recovered)
	}
	return recovered, nil
}

func (s *PipelineService) checkOwner(ctx context.Context, userID, id uuid.UUID) error {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	if p.UserID != userID {
		return ErrForbidden
	}
	return nil
}

type transitionFunc func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error)

func (s *PipelineService) mutate(ctx context.Context, userID, id uuid.UUID, fn transitionFunc) (*models.Pipeline, error) {
	return s.apply(ctx, id, &userID, fn)
}

// apply runs one transition as a single unit: lock the row, run the pure
// transition, write ledger entries for its charge and refund effects, then
// save. Provider calls are dispatched only after the unit commits.
func (s *PipelineService) apply(ctx context.Context, id uuid.UUID, owner *uuid.UUID, fn transitionFunc) (*models.Pipeline, error) {
	var (
		prev    models.PipelineStatus
		next    *models.Pipeline
		effects []pipeline.Effect
		moved   []*models.CreditTransaction
	)
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPipelineForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if owner != nil && p.UserID != *owner {
			return ErrForbidden
		}
		prev = p.Status
		next, effects, err = fn(p)
		if err != nil {
			return err
		}
		moved, err = s.executeLedgerEffects(ctx, tx, next, effects)
		if err != nil {
			return err
		}
		return tx.SavePipeline(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, prev, next, moved)
	for _, e := range effects {
		if call, ok := e.(pipeline.ProviderCallEffect); ok {
			s.dispatch(next, call)
		}
	}
	return next, nil
}

func (s *PipelineService) executeLedgerEffects(ctx context.Context, tx store.Tx, p *models.Pipeline, effects []pipeline.Effect) ([]*models.CreditTransaction, error) {
	var moved []*models.CreditTransaction
	jobID := p.ID
	for _, e := range effects {
		switch eff := e.(type) {
		case pipeline.ChargeEffect:
			if eff.Amount <= 0 {
				continue
			}
			ct, err := s.ledger.Charge(ctx, tx, p.UserID, eff.Amount,
				fmt.Sprintf("%s generation", eff.Stage), &jobID, ledger.ChargeKey(p.ID, eff.Stage, eff.Attempt))
			if err != nil {
				return nil, err
			}
			pipeline.RecordChargeTransaction(p, eff.Stage, eff.Attempt, ct.ID)
			moved = append(moved, ct)
		case pipeline.RefundEffect:
			if eff.Amount <= 0 {
				continue
			}
			ct, err := s.ledger.Refund(ctx, tx, p.UserID, eff.Amount, p.ID, eff.Stage, eff.Attempt)
			if err != nil {
				return nil, err
			}
			pipeline.RecordRefundTransaction(p, eff.Stage, eff.Attempt, ct.ID)
			moved = append(moved, ct)
		}
	}
	return moved, nil
}

func (s *PipelineService) afterCommit(ctx context.Context, prev models.PipelineStatus, p *models.Pipeline, moved []*models.CreditTransaction) {
	if prev != p.Status {
		s.metrics.RecordTransition("pipeline", string(prev), string(p.Status))
	}
	for _, ct := range moved {
		s.metrics.RecordCredits(string(ct.Type), ct.Amount)
	}
	s.publish(ctx, p)
}

func (s *PipelineService) publish(ctx context.Context, p *models.Pipeline) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.PipelineEvent(p)); err != nil {
		s.logger.Warn("failed to publish pipeline event", "pipeline_id", p.ID, "error", err)
	}
}

func (s *PipelineService) dispatch(p *models.Pipeline, call pipeline.ProviderCallEffect) {
	id := p.ID
	name := fmt.Sprintf("%s:%s:%d", id, call.Stage, call.Attempt)
	err := s.dispatcher.Submit(name, func(ctx context.Context) {
		s.runStage(ctx, id, call)
	})
	if err != nil {
		// The charge is already held; fail the attempt so it is refunded.
		s.logger.Error("failed to dispatch provider call", "pipeline_id", id, "stage", call.Stage, "error", err)
		s.fail(context.Background(), id, call, fmt.Sprintf("service unavailable: %v", err))
	}
}

// runStage performs the external call for one attempt and records its outcome.
// Only the provider call uses ctx; the outcome is written on a detached
// context so it lands even when shutdown cancels the job.
func (s *PipelineService) runStage(ctx context.Context, id uuid.UUID, call pipeline.ProviderCallEffect) {
	wctx, cancel := detached(ctx)
	defer cancel()

	p, err := s.store.GetPipeline(wctx, id)
	if err != nil {
		s.logger.Error("failed to load pipeline for provider call", "pipeline_id", id, "error", err)
		return
	}
	if p.Abandoned() {
		s.logger.Info("skipping provider call for reset pipeline", "pipeline_id", id)
		s.fail(wctx, id, call, "pipeline was reset before the provider call started")
		return
	}
	if ctx.Err() != nil {
		s.fail(wctx, id, call, errInterrupted)
		return
	}

	log := s.logger.With("pipeline_id", id, "stage", call.Stage, "attempt", call.Attempt)
	log.Info("provider call started")

	var result pipeline.StageResult
	switch call.Stage {
	case models.StageImages:
		result, err = s.generateViews(ctx, p, call.Angles)
	case models.StageMesh:
		result, err = s.generateMesh(ctx, p)
	case models.StageTexture:
		result, err = s.generateTexture(ctx, p)
	default:
		err = fmt.Errorf("unknown stage %q", call.Stage)
	}
	if err != nil {
		log.Warn("provider call failed", "error", err)
		s.fail(wctx, id, call, failureMessage(ctx, err))
		return
	}
	s.complete(wctx, id, call, result)
}

func (s *PipelineService) generateViews(ctx context.Context, p *models.Pipeline, angles []models.ViewAngle) (pipeline.StageResult, error) {
	if s.images == nil {
		return pipeline.StageResult{}, fmt.Errorf("service unavailable: no image provider configured")
	}
	sources := make([]string, 0, len(p.InputImages))
	for _, img := range p.InputImages {
		sources = append(sources, img.URL)
	}

	var mu sync.Mutex
	views := make(map[models.ViewAngle]models.ViewImage, len(angles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.viewConcurrency)
	for _, angle := range angles {
		angle := angle
		g.Go(func() error {
			started := time.Now()
			var generated *providers.GeneratedImage
			err := providers.WithTimeout(gctx, s.timeouts.Images, providers.ProviderGemini, func(ctx context.Context) error {
				var err error
				generated, err = s.images.GenerateView(ctx, providers.ViewRequest{
					SourceImageURLs: sources,
					Angle:           angle,
					Quality:         p.Settings.Quality,
				})
				return err
			})
			s.metrics.RecordProviderCall(providers.ProviderGemini, string(models.StageImages), err, time.Since(started))
			if err != nil {
				return err
			}
			view, err := s.artifacts.StoreView(gctx, p.UserID, p.ID, angle, ImageInput{Data: generated.Data, ContentType: generated.MimeType}, models.SourceAI)
			if err != nil {
				return err
			}
			mu.Lock()
			views[angle] = view
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pipeline.StageResult{}, err
	}
	return pipeline.StageResult{Views: views}, nil
}

// meshImageURLs returns the confirmed views in a stable angle order.
func meshImageURLs(p *models.Pipeline) []string {
	angles := make([]models.ViewAngle, 0, len(p.MeshImages))
	for a := range p.MeshImages {
		angles = append(angles, a)
	}
	order := make(map[models.ViewAngle]int, len(models.AllViewAngles))
	for i, a := range models.AllViewAngles {
		order[a] = i
	}
	sort.Slice(angles, func(i, j int) bool { return order[angles[i]] < order[angles[j]] })
	urls := make([]string, 0, len(angles))
	for _, a := range angles {
		urls = append(urls, p.MeshImages[a].URL)
	}
	return urls
}

func (s *PipelineService) generateMesh(ctx context.Context, p *models.Pipeline) (pipeline.StageResult, error) {
	provider, err := s.models.Model(p.Settings.Provider)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	started := time.Now()
	var res *providers.ModelResult
	err = providers.WithTimeout(ctx, s.timeouts.Mesh, provider.Name(), func(ctx context.Context) error {
		var err error
		res, err = provider.GenerateMesh(ctx, providers.MeshRequest{
			ImageURLs: meshImageURLs(p),
			Quality:   p.Settings.Quality,
			Format:    p.Settings.Format,
		})
		return err
	})
	s.metrics.RecordProviderCall(provider.Name(), string(models.StageMesh), err, time.Since(started))
	if err != nil {
		return pipeline.StageResult{}, err
	}
	return s.artifacts.StoreModelResult(ctx, p, models.StageMesh, res), nil
}

func (s *PipelineService) generateTexture(ctx context.Context, p *models.Pipeline) (pipeline.StageResult, error) {
	provider, err := s.models.Model(p.Settings.Provider)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	req := providers.TextureRequest{MeshTaskID: p.MeshTaskID}
	if p.MeshURL != nil {
		req.MeshURL = *p.MeshURL
	}
	if len(p.InputImages) > 0 {
		req.StyleImage = p.InputImages[0].URL
	}
	started := time.Now()
	var res *providers.ModelResult
	err = providers.WithTimeout(ctx, s.timeouts.Texture, provider.Name(), func(ctx context.Context) error {
		var err error
		res, err = provider.GenerateTexture(ctx, req)
		return err
	})
	s.metrics.RecordProviderCall(provider.Name(), string(models.StageTexture), err, time.Since(started))
	if err != nil {
		return pipeline.StageResult{}, err
	}
	return s.artifacts.StoreModelResult(ctx, p, models.StageTexture, res), nil
}

func (s *PipelineService) complete(ctx context.Context, id uuid.UUID, call pipeline.ProviderCallEffect, result pipeline.StageResult) {
	_, err := s.apply(ctx, id, nil, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
		next, err := pipeline.Complete(p, call.Stage, call.Attempt, result, s.now())
		return next, nil, err
	})
	switch {
	case err == nil:
		s.logger.Info("stage completed", "pipeline_id", id, "stage", call.Stage, "attempt", call.Attempt)
	case errors.Is(err, pipeline.ErrDiscarded):
		s.logger.Info("discarding stale provider result", "pipeline_id", id, "stage", call.Stage, "attempt", call.Attempt)
	default:
		s.logger.Error("failed to record stage completion", "pipeline_id", id, "stage", call.Stage, "error", err)
		s.fail(ctx, id, call, fmt.Sprintf("failed to save generation result: %v", err))
	}
}

// fail moves the pipeline to failed and refunds the attempt's charge in the
// same unit. If the refund cannot be written the failure is still recorded
// and the charge stays held, so a retry reuses it. It reports whether a
// failure or refund was written.
func (s *PipelineService) fail(ctx context.Context, id uuid.UUID, call pipeline.ProviderCallEffect, raw string) bool {
	record := func(refund bool) error {
		_, err := s.apply(ctx, id, nil, func(p *models.Pipeline) (*models.Pipeline, []pipeline.Effect, error) {
			return pipeline.Fail(p, call.Stage, call.Attempt, raw, refund, s.now())
		})
		return err
	}
	err := record(true)
	if err == nil {
		return true
	}
	if errors.Is(err, pipeline.ErrDiscarded) {
		return false
	}
	s.logger.Error("failed to record failure with refund", "pipeline_id", id, "stage", call.Stage, "error", err)
	if err := record(false); err != nil {
		if !errors.Is(err, pipeline.ErrDiscarded) {
			s.logger.Error("failed to record stage failure", "pipeline_id", id, "stage", call.Stage, "error", err)
		}
		return false
	}
	return true
}

// InvalidInputError wraps request validation failures.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string { return e.Err.Error() }
func (e *InvalidInputError) Unwrap() error { return e.Err }
