package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/providers"
	"dream-forge-backend/internal/session"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// errStaleSession marks a provider result for an attempt that is no longer running.
var errStaleSession = errors.New("session result discarded")

// SessionCosts are the credit prices of the two billable wizard steps.
type SessionCosts struct {
	Views int64
	Model int64
}

type SessionService struct {
	store      store.Store
	ledger     *ledger.Ledger
	artifacts  *ArtifactService
	images     providers.ImageGenerator
	models     *providers.Registry
	dispatcher *Dispatcher
	publisher  events.Publisher
	metrics    *metrics.Collector
	logger     *logger.Logger

	costs           SessionCosts
	timeouts        Timeouts
	viewConcurrency int
	now             func() time.Time
}

func NewSessionService(deps PipelineDeps) *SessionService {
	concurrency := deps.ViewConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return &SessionService{
		store:           deps.Store,
		ledger:          deps.Ledger,
		artifacts:       deps.Artifacts,
		images:          deps.Images,
		models:          deps.Models,
		dispatcher:      deps.Dispatcher,
		publisher:       deps.Publisher,
		metrics:         deps.Metrics,
		logger:          deps.Logger.With("component", "SessionService"),
		costs:           SessionCosts{Views: deps.Costs.Views, Model: deps.Costs.Mesh},
		timeouts:        deps.Timeouts,
		viewConcurrency: concurrency,
		now:             time.Now,
	}
}

// CreateSession opens a wizard, optionally with its source photo.
func (s *SessionService) CreateSession(ctx context.Context, userID uuid.UUID, in ImageInput) (*models.Session, error) {
	id := uuid.New()
	var source *models.InputImage
	if !in.empty() {
		img, err := s.artifacts.StoreSessionImage(ctx, userID, id, in)
		if err != nil {
			return nil, err
		}
		source = &img
	}
	sess := session.New(id, userID, source, s.now())
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := s.ledger.EnsureAccount(ctx, tx, userID); err != nil {
			return err
		}
		return tx.SaveSession(ctx, sess)
	})
	if err != nil {
		if source != nil {
			s.artifacts.Delete(ctx, source.StoragePath)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("session created", "session_id", id, "user_id", userID)
	s.publish(ctx, sess)
	return sess, nil
}

func (s *SessionService) GetSession(ctx context.Context, userID, id uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *SessionService) SetStep(ctx context.Context, userID, id uuid.UUID, step int) (*models.Session, error) {
	return s.mutate(ctx, &userID, id, withoutCredits(func(sess *models.Session) (*models.Session, error) {
		return session.SetStep(sess, step, s.now())
	}))
}

func (s *SessionService) SetSource(ctx context.Context, userID, id uuid.UUID, in ImageInput) (*models.Session, error) {
	if _, err := s.GetSession(ctx, userID, id); err != nil {
		return nil, err
	}
	img, err := s.artifacts.StoreSessionImage(ctx, userID, id, in)
	if err != nil {
		return nil, err
	}
	sess, err := s.mutate(ctx, &userID, id, withoutCredits(func(sess *models.Session) (*models.Session, error) {
		return session.SetSource(sess, img, s.now())
	}))
	if err != nil {
		s.artifacts.Delete(ctx, img.StoragePath)
		return nil, err
	}
	return sess, nil
}

// UploadView stores a user photo for one angle.
func (s *SessionService) UploadView(ctx context.Context, userID, id uuid.UUID, angle models.ViewAngle, in ImageInput) (*models.Session, error) {
	if !angle.Valid() {
		return nil, &InvalidInputError{Err: fmt.Errorf("unknown view angle %q", angle)}
	}
	if _, err := s.GetSession(ctx, userID, id); err != nil {
		return nil, err
	}
	img, err := s.artifacts.StoreView(ctx, userID, id, angle, in, models.SourceUpload)
	if err != nil {
		return nil, err
	}
	sess, err := s.mutate(ctx, &userID, id, withoutCredits(func(sess *models.Session) (*models.Session, error) {
		return session.UploadView(sess, angle, img, s.now())
	}))
	if err != nil {
		s.artifacts.Delete(ctx, img.StoragePath)
		return nil, err
	}
	return sess, nil
}

// GenerateViews charges the view step and generates the requested angles
// in the background.
func (s *SessionService) GenerateViews(ctx context.Context, userID, id uuid.UUID, angles []models.ViewAngle) (*models.Session, error) {
	sess, err := s.mutate(ctx, &userID, id, func(tx store.Tx, sess *models.Session) (*models.Session, []*models.CreditTransaction, error) {
		next, err := session.StartViews(sess, angles, s.now())
		if err != nil {
			return nil, nil, err
		}
		return s.charge(ctx, tx, next, models.StageImages, s.costs.Views, next.ViewGenerationCount)
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(sess, models.StageImages, sess.ViewGenerationCount)
	return sess, nil
}

// GenerateModel charges the model step and builds a mesh from the views.
func (s *SessionService) GenerateModel(ctx context.Context, userID, id uuid.UUID) (*models.Session, error) {
	sess, err := s.mutate(ctx, &userID, id, func(tx store.Tx, sess *models.Session) (*models.Session, []*models.CreditTransaction, error) {
		next, err := session.StartModel(sess, s.now())
		if err != nil {
			return nil, nil, err
		}
		return s.charge(ctx, tx, next, models.StageMesh, s.costs.Model, next.ModelGenerationCount)
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(sess, models.StageMesh, sess.ModelGenerationCount)
	return sess, nil
}

func (s *SessionService) charge(ctx context.Context, tx store.Tx, sess *models.Session, stage models.Stage, amount int64, attempt int) (*models.Session, []*models.CreditTransaction, error) {
	if amount <= 0 {
		return sess, nil, nil
	}
	job := sess.ID
	ct, err := s.ledger.Charge(ctx, tx, sess.UserID, amount, fmt.Sprintf("session %s generation", stage), &job, ledger.ChargeKey(sess.ID, stage, attempt))
	if err != nil {
		return nil, nil, err
	}
	return sess, []*models.CreditTransaction{ct}, nil
}

// sessionFunc transitions a locked session and returns the ledger entries it
// wrote in the same transaction.
type sessionFunc func(tx store.Tx, sess *models.Session) (*models.Session, []*models.CreditTransaction, error)

func withoutCredits(fn func(*models.Session) (*models.Session, error)) sessionFunc {
	return func(_ store.Tx, sess *models.Session) (*models.Session, []*models.CreditTransaction, error) {
		next, err := fn(sess)
		return next, nil, err
	}
}

func (s *SessionService) mutate(ctx context.Context, owner *uuid.UUID, id uuid.UUID, fn sessionFunc) (*models.Session, error) {
	var (
		prev  models.SessionStatus
		next  *models.Session
		moved []*models.CreditTransaction
	)
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		sess, err := tx.GetSessionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if owner != nil && sess.UserID != *owner {
			return ErrForbidden
		}
		prev = sess.Status
		next, moved, err = fn(tx, sess)
		if err != nil {
			return err
		}
		return tx.SaveSession(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	if prev != next.Status {
		s.metrics.RecordTransition("session", string(prev), string(next.Status))
	}
	for _, ct := range moved {
		s.metrics.RecordCredits(string(ct.Type), ct.Amount)
	}
	s.publish(ctx, next)
	return next, nil
}

func (s *SessionService) publish(ctx context.Context, sess *models.Session) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.SessionEvent(sess)); err != nil {
		s.logger.Warn("failed to publish session event", "session_id", sess.ID, "error", err)
	}
}

func (s *SessionService) dispatch(sess *models.Session, stage models.Stage, attempt int) {
	id := sess.ID
	err := s.dispatcher.Submit(fmt.Sprintf("session:%s:%s:%d", id, stage, attempt), func(ctx context.Context) {
		s.run(ctx, id, stage, attempt)
	})
	if err != nil {
		s.logger.Error("failed to dispatch session generation", "session_id", id, "stage", stage, "error", err)
		s.fail(context.Background(), id, stage, attempt, fmt.Sprintf("service unavailable: %v", err))
	}
}

func (s *SessionService) run(ctx context.Context, id uuid.UUID, stage models.Stage, attempt int) {
	wctx, cancel := detached(ctx)
	defer cancel()

	sess, err := s.store.GetSession(wctx, id)
	if err != nil {
		s.logger.Error("failed to load session for provider call", "session_id", id, "error", err)
		return
	}
	if ctx.Err() != nil {
		s.fail(wctx, id, stage, attempt, errInterrupted)
		return
	}
	switch stage {
	case models.StageImages:
		views, err := s.generateViews(ctx, sess)
		if err != nil {
			s.fail(wctx, id, stage, attempt, failureMessage(ctx, err))
			return
		}
		s.finish(wctx, id, stage, attempt, func(cur *models.Session) (*models.Session, error) {
			return session.CompleteViews(cur, views, s.costs.Views, s.now())
		})
	case models.StageMesh:
		modelURL, err := s.generateModel(ctx, sess)
		if err != nil {
			s.fail(wctx, id, stage, attempt, failureMessage(ctx, err))
			return
		}
		s.finish(wctx, id, stage, attempt, func(cur *models.Session) (*models.Session, error) {
			return session.CompleteModel(cur, modelURL, s.costs.Model, s.now())
		})
	}
}

func (s *SessionService) generateViews(ctx context.Context, sess *models.Session) (map[models.ViewAngle]models.ViewImage, error) {
	if s.images == nil {
		return nil, fmt.Errorf("service unavailable: no image provider configured")
	}
	if sess.SourceImage == nil {
		return nil, fmt.Errorf("validation failed: no source image")
	}
	var mu sync.Mutex
	views := make(map[models.ViewAngle]models.ViewImage, len(sess.SelectedAngles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.viewConcurrency)
	for _, angle := range sess.SelectedAngles {
		angle := angle
		g.Go(func() error {
			started := time.Now()
			var generated *providers.GeneratedImage
			err := providers.WithTimeout(gctx, s.timeouts.Images, providers.ProviderGemini, func(ctx context.Context) error {
				var err error
				generated, err = s.images.GenerateView(ctx, providers.ViewRequest{
					SourceImageURLs: []string{sess.SourceImage.URL},
					Angle:           angle,
					Quality:         models.QualityStandard,
				})
				return err
			})
			s.metrics.RecordProviderCall(providers.ProviderGemini, "session_views", err, time.Since(started))
			if err != nil {
				return err
			}
			view, err := s.artifacts.StoreView(gctx, sess.UserID, sess.ID, angle, ImageInput{Data: generated.Data, ContentType: generated.MimeType}, models.SourceAI)
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
		return nil, err
	}
	return views, nil
}

func (s *SessionService) generateModel(ctx context.Context, sess *models.Session) (string, error) {
	provider, err := s.models.Model("")
	if err != nil {
		return "", err
	}
	urls := make([]string, 0, len(sess.Views))
	for _, angle := range models.AllViewAngles {
		if v, ok := sess.Views[angle]; ok {
			urls = append(urls, v.URL)
		}
	}
	started := time.Now()
	var res *providers.ModelResult
	err = providers.WithTimeout(ctx, s.timeouts.Mesh, provider.Name(), func(ctx context.Context) error {
		var err error
		res, err = provider.GenerateMesh(ctx, providers.MeshRequest{ImageURLs: urls, Quality: models.QualityStandard, Format: "glb"})
		return err
	})
	s.metrics.RecordProviderCall(provider.Name(), "session_model", err, time.Since(started))
	if err != nil {
		return "", err
	}
	owner := &models.Pipeline{ID: sess.ID, UserID: sess.UserID, Settings: models.PipelineSettings{Format: "glb"}}
	return s.artifacts.StoreModelResult(ctx, owner, models.StageMesh, res).MeshURL, nil
}

// current reports whether a result for stage/attempt still applies to sess.
func current(sess *models.Session, stage models.Stage, attempt int) bool {
	switch stage {
	case models.StageImages:
		return sess.Status == models.SessionGeneratingViews && sess.ViewGenerationCount == attempt
	case models.StageMesh:
		return sess.Status == models.SessionGeneratingModel && sess.ModelGenerationCount == attempt
	}
	return false
}

func (s *SessionService) finish(ctx context.Context, id uuid.UUID, stage models.Stage, attempt int, fn func(*models.Session) (*models.Session, error)) {
	_, err := s.mutate(ctx, nil, id, withoutCredits(func(sess *models.Session) (*models.Session, error) {
		if !current(sess, stage, attempt) {
			return nil, errStaleSession
		}
		return fn(sess)
	}))
	switch {
	case err == nil:
		s.logger.Info("session step completed", "session_id", id, "stage", stage, "attempt", attempt)
	case errors.Is(err, errStaleSession):
		s.logger.Info("discarding stale session result", "session_id", id, "stage", stage, "attempt", attempt)
	default:
		s.logger.Error("failed to record session completion", "session_id", id, "error", err)
		s.fail(ctx, id, stage, attempt, fmt.Sprintf("failed to save generation result: %v", err))
	}
}

// fail records the failure and refunds what the attempt was charged in the
// same unit. If the refund cannot be written the failure is still recorded
// so the session does not stay stuck generating. It reports whether the
// failure was written.
func (s *SessionService) fail(ctx context.Context, id uuid.UUID, stage models.Stage, attempt int, raw string) bool {
	record := func(refund bool) error {
		_, err := s.mutate(ctx, nil, id, func(tx store.Tx, sess *models.Session) (*models.Session, []*models.CreditTransaction, error) {
			if !current(sess, stage, attempt) {
				return nil, nil, errStaleSession
			}
			next, err := session.Fail(sess, raw, s.now())
			if err != nil || !refund {
				return next, nil, err
			}
			ct, err := s.ledger.RefundCharge(ctx, tx, sess.ID, stage, attempt)
			if err != nil {
				return nil, nil, err
			}
			if ct == nil {
				return next, nil, nil
			}
			return next, []*models.CreditTransaction{ct}, nil
		})
		return err
	}
	err := record(true)
	if err == nil {
		return true
	}
	if errors.Is(err, errStaleSession) {
		return false
	}
	s.logger.Error("failed to record session failure with refund", "session_id", id, "stage", stage, "error", err)
	if err := record(false); err != nil {
		if !errors.Is(err, errStaleSession) {
			s.logger.Error("failed to record session failure", "session_id", id, "stage", stage, "error", err)
		}
		return false
	}
	return true
}

// RecoverInterrupted fails every session stranded mid-generation by a
// previous process and refunds its charge. It must run before the dispatcher
// accepts work.
func (s *SessionService) RecoverInterrupted(ctx context.Context) (int, error) {
	type strandedStep struct {
		id      uuid.UUID
		stage   models.Stage
		attempt int
	}
	var stranded []strandedStep
	for _, status := range []models.SessionStatus{models.SessionGeneratingViews, models.SessionGeneratingModel} {
		status := status
		for offset := 0; ; {
			list, total, err := s.store.ListSessions(ctx, store.SessionFilter{Status: &status, Page: store.Page{Limit: 100, Offset: offset}})
			if err != nil {
				return 0, fmt.Errorf("failed to list %s sessions: %w", status, err)
			}
			for _, sess := range list {
				step := strandedStep{id: sess.ID, stage: models.StageImages, attempt: sess.ViewGenerationCount}
				if status == models.SessionGeneratingModel {
					step = strandedStep{id: sess.ID, stage: models.StageMesh, attempt: sess.ModelGenerationCount}
				}
				stranded = append(stranded, step)
			}
			offset += len(list)
			if len(list) == 0 || offset >= total {
				break
			}
		}
	}

	recovered := 0
	for _, step := range stranded {
		if s.fail(ctx, step.id, step.stage, step.attempt, errInterrupted) {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Warn("recovered interrupted sessions", "count", recovered)
	}
	return recovered, nil
}
