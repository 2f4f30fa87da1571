package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dream-forge-backend/internal/errclass"
	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/services"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineService_FullFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeRealtime)
	assert.Equal(t, models.StatusDraft, created.Status)
	assert.Equal(t, models.QualityStandard, created.Settings.Quality)
	assert.Equal(t, "glb", created.Settings.Format)
	assert.Equal(t, "meshy", created.Settings.Provider)
	assert.Equal(t, int64(10), h.balance(t, user))

	view, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, []models.ViewAngle{models.AngleFront, models.AngleBack})
	require.NoError(t, err)
	assert.Equal(t, models.StatusGeneratingImages, view.Status)
	assert.False(t, view.Progress.CanLeavePage)
	h.dispatcher.Wait()

	p := h.pipeline(t, created.ID)
	require.Equal(t, models.StatusImagesReady, p.Status)
	assert.Len(t, p.MeshImages, 2)
	assert.Equal(t, models.SourceAI, p.MeshImages[models.AngleFront].Source)
	assert.Equal(t, int64(1), p.CreditsCharged.Views)
	assert.Equal(t, int64(9), h.balance(t, user))
	assert.Equal(t, 2, h.images.count())

	_, err = h.pipelines.ProceedToMesh(ctx, user, created.ID)
	require.NoError(t, err)
	h.dispatcher.Wait()

	p = h.pipeline(t, created.ID)
	require.Equal(t, models.StatusMeshReady, p.Status)
	require.NotNil(t, p.MeshURL)
	assert.True(t, strings.HasPrefix(*p.MeshURL, h.filesURL+"users/"+user.String()))
	assert.Equal(t, "mesh-task-1", p.MeshTaskID)
	require.NotNil(t, p.ThumbnailURL)
	assert.Equal(t, int64(7), h.balance(t, user))

	h.models.mu.Lock()
	require.Len(t, h.models.meshes, 1)
	assert.Len(t, h.models.meshes[0].ImageURLs, 2)
	assert.Equal(t, p.MeshImages[models.AngleFront].URL, h.models.meshes[0].ImageURLs[0])
	h.models.mu.Unlock()

	_, err = h.pipelines.AddTexture(ctx, user, created.ID)
	require.NoError(t, err)
	h.dispatcher.Wait()

	p = h.pipeline(t, created.ID)
	require.Equal(t, models.StatusCompleted, p.Status)
	require.NotNil(t, p.TexturedModelURL)
	assert.Equal(t, int64(4), p.CreditsCharged.Total())
	assert.Equal(t, int64(6), h.balance(t, user))
	assert.Equal(t, h.balance(t, user), h.logSum(t, user))
	for _, c := range p.Charges {
		assert.True(t, c.Settled, c.Stage)
		assert.NotEqual(t, uuid.Nil, c.TransactionID)
	}
}

func TestPipelineService_ProceedToMeshWithoutCredits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, nil)
	require.NoError(t, err)
	h.dispatcher.Wait()
	require.Equal(t, models.StatusImagesReady, h.pipeline(t, created.ID).Status)
	require.Equal(t, int64(0), h.balance(t, user))

	_, err = h.pipelines.ProceedToMesh(ctx, user, created.ID)
	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Required)
	assert.Equal(t, errclass.CategoryResource, errclass.Classify(err.Error(), models.StatusImagesReady).Category)

	p := h.pipeline(t, created.ID)
	assert.Equal(t, models.StatusImagesReady, p.Status)
	_, charged := p.LastCharge(models.StageMesh)
	assert.False(t, charged)
	assert.Equal(t, int64(0), h.balance(t, user))
}

func TestPipelineService_FailureRefundsAndRetryChargesAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, nil)
	require.NoError(t, err)
	h.dispatcher.Wait()

	h.models.set(func(f *fakeModels) { f.meshErr = errors.New("meshy task failed: out of memory (id t1)") })
	_, err = h.pipelines.ProceedToMesh(ctx, user, created.ID)
	require.NoError(t, err)
	h.dispatcher.Wait()

	view, err := h.pipelines.GetPipeline(ctx, user, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, view.Status)
	require.NotNil(t, view.ErrorStep)
	assert.Equal(t, models.StatusGeneratingMesh, *view.ErrorStep)
	require.NotNil(t, view.Failure)
	assert.Equal(t, errclass.CodeGenerationFailed, view.Failure.Code)
	assert.True(t, view.CanRetry)
	// the failed attempt's charge is back on the account
	assert.Equal(t, int64(9), h.balance(t, user))

	h.models.set(func(f *fakeModels) { f.meshErr = nil })
	_, err = h.pipelines.Retry(ctx, user, created.ID)
	require.NoError(t, err)
	h.dispatcher.Wait()

	p := h.pipeline(t, created.ID)
	require.Equal(t, models.StatusMeshReady, p.Status)
	assert.Nil(t, p.Error)
	assert.Equal(t, int64(7), h.balance(t, user))
	assert.Equal(t, int64(2), p.CreditsCharged.Mesh)

	var meshCharges []models.StageCharge
	for _, c := range p.Charges {
		if c.Stage == models.StageMesh {
			meshCharges = append(meshCharges, c)
		}
	}
	require.Len(t, meshCharges, 2)
	assert.True(t, meshCharges[0].Refunded)
	assert.NotNil(t, meshCharges[0].RefundTransactionID)
	assert.Equal(t, 2, meshCharges[1].Attempt)
	assert.True(t, meshCharges[1].Settled)
	assert.Equal(t, h.balance(t, user), h.logSum(t, user))
}

func TestPipelineService_NonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()
	h.images.setErr(errors.New("request blocked by safety filter"))

	created := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, []models.ViewAngle{models.AngleFront})
	require.NoError(t, err)
	h.dispatcher.Wait()

	view, err := h.pipelines.GetPipeline(ctx, user, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, view.Status)
	assert.Equal(t, errclass.CategorySafety, view.Failure.Category)
	assert.False(t, view.CanRetry)
	assert.Equal(t, int64(10), h.balance(t, user))

	_, err = h.pipelines.Retry(ctx, user, created.ID)
	var pre *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pre)
}

func TestPipelineService_ResetDiscardsLateResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, nil)
	require.NoError(t, err)
	h.dispatcher.Wait()

	gate := make(chan struct{})
	h.models.set(func(f *fakeModels) { f.gate = gate })
	_, err = h.pipelines.ProceedToMesh(ctx, user, created.ID)
	require.NoError(t, err)

	_, err = h.pipelines.Reset(ctx, user, created.ID)
	require.NoError(t, err)
	close(gate)
	h.dispatcher.Wait()

	p := h.pipeline(t, created.ID)
	assert.True(t, p.Abandoned())
	assert.Equal(t, models.StatusGeneratingMesh, p.Status)
	assert.Nil(t, p.MeshURL)
	// a late success keeps its charge
	assert.Equal(t, int64(7), h.balance(t, user))

	list, total, err := h.pipelines.ListPipelines(ctx, user, store.Page{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, total)

	_, err = h.pipelines.Reset(ctx, user, created.ID)
	var pre *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pre)
}

func TestPipelineService_ResetThenLateFailureRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, nil)
	require.NoError(t, err)
	h.dispatcher.Wait()

	gate := make(chan struct{})
	h.models.set(func(f *fakeModels) {
		f.gate = gate
		f.meshErr = errors.New("meshy task failed: out of memory (id t2)")
	})
	_, err = h.pipelines.ProceedToMesh(ctx, user, created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), h.balance(t, user))

	_, err = h.pipelines.Reset(ctx, user, created.ID)
	require.NoError(t, err)
	close(gate)
	h.dispatcher.Wait()

	p := h.pipeline(t, created.ID)
	assert.True(t, p.Abandoned())
	assert.Equal(t, models.StatusGeneratingMesh, p.Status)
	assert.Nil(t, p.Error)
	charge, ok := p.LastCharge(models.StageMesh)
	require.True(t, ok)
	assert.True(t, charge.Refunded)
	assert.NotNil(t, charge.RefundTransactionID)
	assert.Equal(t, int64(9), h.balance(t, user))
	assert.Equal(t, h.balance(t, user), h.logSum(t, user))
}

func TestPipelineService_SideViewsWithoutCreditsForMesh(t *testing.T) {
	ctx := context.Background()
	// the signup bonus covers the views and nothing more
	h := newHarness(t, 1)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, []models.ViewAngle{models.AngleBack, models.AngleLeft, models.AngleRight})
	require.NoError(t, err)
	h.dispatcher.Wait()

	p := h.pipeline(t, created.ID)
	require.Equal(t, models.StatusImagesReady, p.Status)
	require.Len(t, p.MeshImages, 3)
	require.Zero(t, h.balance(t, user))

	_, err = h.pipelines.ProceedToMesh(ctx, user, created.ID)
	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Required)
	assert.Zero(t, insufficient.Available)
	failure := errclass.Resource(err.Error())
	assert.Equal(t, errclass.CategoryResource, failure.Category)
	h.dispatcher.Wait()

	assert.Equal(t, models.StatusImagesReady, h.pipeline(t, created.ID).Status)
	h.models.mu.Lock()
	assert.Empty(t, h.models.meshes)
	h.models.mu.Unlock()
	assert.Zero(t, h.balance(t, user))
}

func TestPipelineService_ShutdownDuringCallRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, nil)
	require.NoError(t, err)
	h.dispatcher.Wait()

	h.models.set(func(f *fakeModels) { f.gate = make(chan struct{}) })
	_, err = h.pipelines.ProceedToMesh(ctx, user, created.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.models.mu.Lock()
		defer h.models.mu.Unlock()
		return len(h.models.meshes) == 1
	}, time.Second, 5*time.Millisecond)

	// the grace period is already over, so the running call is cancelled
	expired, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, h.dispatcher.Stop(expired), context.Canceled)

	view, err := h.pipelines.GetPipeline(ctx, user, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, view.Status)
	require.NotNil(t, view.ErrorStep)
	assert.Equal(t, models.StatusGeneratingMesh, *view.ErrorStep)
	assert.True(t, view.CanRetry)
	assert.Equal(t, int64(9), h.balance(t, user))
	assert.Equal(t, h.balance(t, user), h.logSum(t, user))
}

func TestPipelineService_RecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()
	now := time.Now()
	meshID, batchID, draftID := uuid.New(), uuid.New(), uuid.New()

	stranded := func(tx store.Tx, id uuid.UUID, status models.PipelineStatus, stage models.Stage, amount int64) error {
		ct, err := h.ledger.Charge(ctx, tx, user, amount, "generation", &id, ledger.ChargeKey(id, stage, 1))
		if err != nil {
			return err
		}
		return tx.SavePipeline(ctx, &models.Pipeline{
			ID:             id,
			UserID:         user,
			Status:         status,
			ProcessingMode: models.ModeBatch,
			Charges:        []models.StageCharge{{Stage: stage, Amount: amount, Attempt: 1, TransactionID: ct.ID, ChargedAt: now}},
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	require.NoError(t, h.store.RunInTx(ctx, func(tx store.Tx) error {
		if err := stranded(tx, meshID, models.StatusGeneratingMesh, models.StageMesh, 2); err != nil {
			return err
		}
		if err := stranded(tx, batchID, models.StatusBatchProcessing, models.StageImages, 1); err != nil {
			return err
		}
		return tx.SavePipeline(ctx, &models.Pipeline{ID: draftID, UserID: user, Status: models.StatusDraft, CreatedAt: now, UpdatedAt: now})
	}))
	require.Equal(t, int64(7), h.balance(t, user))

	n, err := h.pipelines.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{meshID, batchID} {
		p := h.pipeline(t, id)
		assert.Equal(t, models.StatusFailed, p.Status)
		require.NotNil(t, p.Error)
		assert.Contains(t, *p.Error, "interrupted")
		assert.True(t, p.Charges[0].Refunded)
	}
	assert.Equal(t, models.StatusDraft, h.pipeline(t, draftID).Status)
	assert.Equal(t, int64(10), h.balance(t, user))
	assert.Equal(t, h.balance(t, user), h.logSum(t, user))

	n, err = h.pipelines.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(10), h.balance(t, user))
}

func TestPipelineService_BatchMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()

	created := h.createPipeline(t, user, models.ModeBatch)
	view, err := h.pipelines.StartViewGeneration(ctx, user, created.ID, []models.ViewAngle{models.AngleFront})
	require.NoError(t, err)
	assert.Equal(t, models.StatusBatchQueued, view.Status)
	assert.True(t, view.Progress.CanLeavePage)
	h.dispatcher.Wait()
	assert.Zero(t, h.images.count())
	assert.Equal(t, int64(9), h.balance(t, user))

	queued, err := h.pipelines.QueuedBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	claimed, err := h.pipelines.ClaimBatch(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBatchProcessing, claimed.Status)

	_, err = h.pipelines.ClaimBatch(ctx, created.ID)
	var pre *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pre)

	h.dispatcher.Wait()
	p := h.pipeline(t, created.ID)
	assert.Equal(t, models.StatusImagesReady, p.Status)
	assert.Equal(t, 1, h.images.count())
	assert.Equal(t, int64(9), h.balance(t, user))
}

func TestPipelineService_OwnershipAndDraftEdits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	owner, other := uuid.New(), uuid.New()
	created := h.createPipeline(t, owner, models.ModeRealtime)

	_, err := h.pipelines.GetPipeline(ctx, other, created.ID)
	assert.ErrorIs(t, err, services.ErrForbidden)
	_, err = h.pipelines.StartViewGeneration(ctx, other, created.ID, nil)
	assert.ErrorIs(t, err, services.ErrForbidden)
	_, err = h.pipelines.GetPipeline(ctx, owner, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	view, err := h.pipelines.AddInputImage(ctx, owner, created.ID, services.ImageInput{Data: []byte("png"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.Len(t, view.InputImages, 2)

	view, err = h.pipelines.UpdateSettings(ctx, owner, created.ID, models.PipelineSettings{Quality: models.QualityHigh, Format: "stl"})
	require.NoError(t, err)
	assert.Equal(t, models.QualityHigh, view.Settings.Quality)
	assert.Equal(t, "meshy", view.Settings.Provider)

	_, err = h.pipelines.UpdateSettings(ctx, owner, created.ID, models.PipelineSettings{Provider: "nope"})
	var invalid *services.InvalidInputError
	assert.ErrorAs(t, err, &invalid)

	_, err = h.pipelines.StartViewGeneration(ctx, owner, created.ID, []models.ViewAngle{models.AngleTop})
	require.NoError(t, err)
	h.dispatcher.Wait()

	// settings and inputs freeze once generation has been charged
	_, err = h.pipelines.UpdateSettings(ctx, owner, created.ID, models.PipelineSettings{Quality: models.QualityDraft})
	var pre *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pre)
	_, err = h.pipelines.AddInputImage(ctx, owner, created.ID, services.ImageInput{Data: []byte("png"), ContentType: "image/png"})
	assert.ErrorAs(t, err, &pre)
}

func TestPipelineService_ReplaceView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	user := uuid.New()
	created := h.createPipeline(t, user, models.ModeRealtime)

	_, err := h.pipelines.ReplaceView(ctx, user, created.ID, models.AngleFront, services.ImageInput{Data: []byte("png")})
	var pre *pipeline.PreconditionError
	require.ErrorAs(t, err, &pre)

	_, err = h.pipelines.StartViewGeneration(ctx, user, created.ID, []models.ViewAngle{models.AngleFront})
	require.NoError(t, err)
	h.dispatcher.Wait()

	view, err := h.pipelines.ReplaceView(ctx, user, created.ID, models.AngleFront, services.ImageInput{Data: []byte("mine"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceUpload, view.MeshImages[models.AngleFront].Source)

	data, _, ok := h.storage.Object(view.MeshImages[models.AngleFront].StoragePath)
	require.True(t, ok)
	assert.Equal(t, []byte("mine"), data)

	_, err = h.pipelines.ReplaceView(ctx, user, created.ID, models.ViewAngle("under"), services.ImageInput{Data: []byte("x")})
	var invalid *services.InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestPipelineService_PublishesToOwner(t *testing.T) {
	h := newHarness(t, 10)
	user := uuid.New()
	client := h.hub.Subscribe(user)
	defer h.hub.Unsubscribe(client)

	created := h.createPipeline(t, user, models.ModeRealtime)
	evt := <-client.Outbound
	assert.Equal(t, events.PipelineUpdated, evt.Type)
	assert.Equal(t, events.UserChannel(user), evt.Channel)
	assert.Equal(t, created.ID.String(), evt.Data["pipeline_id"])
}

func TestPipelineService_CreateRequiresImage(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.pipelines.CreatePipeline(context.Background(), uuid.New(), services.CreatePipelineInput{})
	assert.ErrorIs(t, err, services.ErrNoImage)
}
