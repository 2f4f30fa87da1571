package pipeline_test

import (
	"testing"
	"time"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	costs = pipeline.Costs{Views: 1, Mesh: 5, Texture: 3}
)

func newDraft(t *testing.T, mode models.ProcessingMode) *models.Pipeline {
	t.Helper()
	p, err := pipeline.New(uuid.New(), uuid.New(), models.InputImage{URL: "https://cdn/x.jpg", StoragePath: "u/x.jpg"}, mode, models.PipelineSettings{Provider: "meshy"}, now)
	require.NoError(t, err)
	return p
}

func chargeEffects(effects []pipeline.Effect) []pipeline.ChargeEffect {
	var out []pipeline.ChargeEffect
	for _, e := range effects {
		if c, ok := e.(pipeline.ChargeEffect); ok {
			out = append(out, c)
		}
	}
	return out
}

func providerCalls(effects []pipeline.Effect) []pipeline.ProviderCallEffect {
	var out []pipeline.ProviderCallEffect
	for _, e := range effects {
		if c, ok := e.(pipeline.ProviderCallEffect); ok {
			out = append(out, c)
		}
	}
	return out
}

func views() map[models.ViewAngle]models.ViewImage {
	return map[models.ViewAngle]models.ViewImage{
		models.AngleBack:  {URL: "https://cdn/back.png", Source: models.SourceAI},
		models.AngleLeft:  {URL: "https://cdn/left.png", Source: models.SourceAI},
		models.AngleRight: {URL: "https://cdn/right.png", Source: models.SourceAI},
	}
}

func toImagesReady(t *testing.T) *models.Pipeline {
	t.Helper()
	p := newDraft(t, models.ModeRealtime)
	p, _, err := pipeline.StartViewGeneration(p, []models.ViewAngle{models.AngleBack, models.AngleLeft, models.AngleRight}, costs, now)
	require.NoError(t, err)
	p, err = pipeline.Complete(p, models.StageImages, 1, pipeline.StageResult{Views: views()}, now)
	require.NoError(t, err)
	return p
}

func TestNew_Draft(t *testing.T) {
	p := newDraft(t, "")
	assert.Equal(t, models.StatusDraft, p.Status)
	assert.Equal(t, models.ModeRealtime, p.ProcessingMode)
	assert.Len(t, p.InputImages, 1)

	_, err := pipeline.New(uuid.New(), uuid.New(), models.InputImage{}, models.ModeRealtime, models.PipelineSettings{}, now)
	assert.Error(t, err)
}

func TestAddInputImage_OnlyInDraft(t *testing.T) {
	p := newDraft(t, models.ModeRealtime)
	p, err := pipeline.AddInputImage(p, models.InputImage{URL: "https://cdn/y.jpg"}, now)
	require.NoError(t, err)
	assert.Len(t, p.InputImages, 2)

	p, _, err = pipeline.StartViewGeneration(p, nil, costs, now)
	require.NoError(t, err)

	_, err = pipeline.AddInputImage(p, models.InputImage{URL: "https://cdn/z.jpg"}, now)
	var pe *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pe)
	assert.Len(t, p.InputImages, 2)
}

func TestStartViewGeneration_Realtime(t *testing.T) {
	p := newDraft(t, models.ModeRealtime)

	next, effects, err := pipeline.StartViewGeneration(p, []models.ViewAngle{models.AngleFront, models.AngleFront, models.AngleTop}, costs, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusGeneratingImages, next.Status)
	assert.Equal(t, []models.ViewAngle{models.AngleFront, models.AngleTop}, next.SelectedAngles)
	assert.Equal(t, []pipeline.ChargeEffect{{Stage: models.StageImages, Amount: 1, Attempt: 1}}, chargeEffects(effects))
	require.Len(t, providerCalls(effects), 1)
	assert.Equal(t, next.SelectedAngles, providerCalls(effects)[0].Angles)

	// input untouched
	assert.Equal(t, models.StatusDraft, p.Status)
	assert.Empty(t, p.Charges)
}

func TestStartViewGeneration_RejectsUnknownAngle(t *testing.T) {
	p := newDraft(t, models.ModeRealtime)
	_, _, err := pipeline.StartViewGeneration(p, []models.ViewAngle{"diagonal"}, costs, now)
	var pe *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pe)
}

func TestStartViewGeneration_Batch(t *testing.T) {
	p := newDraft(t, models.ModeBatch)

	queued, effects, err := pipeline.StartViewGeneration(p, nil, costs, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBatchQueued, queued.Status)
	assert.Len(t, chargeEffects(effects), 1)
	assert.Empty(t, providerCalls(effects))

	claimed, effects, err := pipeline.ClaimBatch(queued, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBatchProcessing, claimed.Status)
	require.Len(t, providerCalls(effects), 1)
	assert.Equal(t, 1, providerCalls(effects)[0].Attempt)

	_, _, err = pipeline.ClaimBatch(claimed, now)
	assert.Error(t, err)

	done, err := pipeline.Complete(claimed, models.StageImages, 1, pipeline.StageResult{Views: views()}, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusImagesReady, done.Status)
	assert.Equal(t, int64(1), done.CreditsCharged.Views)
}

func TestDoubleSubmitRejected(t *testing.T) {
	p := newDraft(t, models.ModeRealtime)
	p, _, err := pipeline.StartViewGeneration(p, nil, costs, now)
	require.NoError(t, err)

	_, _, err = pipeline.StartViewGeneration(p, nil, costs, now)
	var pe *pipeline.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.StatusGeneratingImages, pe.Status)
}

func TestHappyPath(t *testing.T) {
	p := toImagesReady(t)
	assert.Equal(t, int64(1), p.CreditsCharged.Views)

	p, effects, err := pipeline.ProceedToMesh(p, costs, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGeneratingMesh, p.Status)
	assert.Equal(t, []pipeline.ChargeEffect{{Stage: models.StageMesh, Amount: 5, Attempt: 1}}, chargeEffects(effects))
	assert.Equal(t, int64(0), p.CreditsCharged.Mesh)

	p, err = pipeline.Complete(p, models.StageMesh, 1, pipeline.StageResult{MeshURL: "https://cdn/m.glb", MeshTaskID: "task-1"}, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMeshReady, p.Status)
	assert.Equal(t, int64(5), p.CreditsCharged.Mesh)
	assert.Equal(t, "task-1", p.MeshTaskID)

	p, _, err = pipeline.AddTexture(p, costs, now)
	require.NoError(t, err)
	p, err = pipeline.Complete(p, models.StageTexture, 1, pipeline.StageResult{TexturedModelURL: "https://cdn/t.glb", ThumbnailURL: "https://cdn/t.png"}, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, models.CreditsCharged{Views: 1, Mesh: 5, Texture: 3}, p.CreditsCharged)
	for _, c := range p.Charges {
		assert.True(t, c.Settled)
		assert.False(t, c.Held())
	}
}

func TestAddTexture_OnDraftIsPrecondition(t *testing.T) {
	p := newDraft(t, models.ModeRealtime)
	_, _, err := pipeline.AddTexture(p, costs, now)
	var pe *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pe)
}

func TestFail_RefundsHeldCharge(t *testing.T) {
	p := toImagesReady(t)
	p, _, err := pipeline.ProceedToMesh(p, costs, now)
	require.NoError(t, err)

	failed, effects, err := pipeline.Fail(p, models.StageMesh, 1, "Request timeout after 30s", true, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorStep)
	assert.Equal(t, models.StatusGeneratingMesh, *failed.ErrorStep)
	assert.Equal(t, []pipeline.Effect{pipeline.RefundEffect{Stage: models.StageMesh, Amount: 5, Attempt: 1}}, effects)
	last, _ := failed.LastCharge(models.StageMesh)
	assert.True(t, last.Refunded)
	assert.Equal(t, int64(0), failed.CreditsCharged.Mesh)
}

func TestRetry_AfterRefundChargesOnce(t *testing.T) {
	p := toImagesReady(t)
	p, _, err := pipeline.ProceedToMesh(p, costs, now)
	require.NoError(t, err)
	p, _, err = pipeline.Fail(p, models.StageMesh, 1, "Request timeout after 30s", true, now)
	require.NoError(t, err)

	retried, effects, err := pipeline.Retry(p, costs, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusGeneratingMesh, retried.Status)
	assert.Nil(t, retried.Error)
	assert.Nil(t, retried.ErrorStep)
	assert.Equal(t, []pipeline.ChargeEffect{{Stage: models.StageMesh, Amount: 5, Attempt: 2}}, chargeEffects(effects))

	// a result for the old attempt is stale
	_, err = pipeline.Complete(retried, models.StageMesh, 1, pipeline.StageResult{MeshURL: "x"}, now)
	assert.ErrorIs(t, err, pipeline.ErrDiscarded)

	done, err := pipeline.Complete(retried, models.StageMesh, 2, pipeline.StageResult{MeshURL: "https://cdn/m.glb"}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), done.CreditsCharged.Mesh)
}

func TestRetry_ReusesHeldCharge(t *testing.T) {
	p := toImagesReady(t)
	p, _, err := pipeline.ProceedToMesh(p, costs, now)
	require.NoError(t, err)
	p, effects, err := pipeline.Fail(p, models.StageMesh, 1, "ECONNRESET", false, now)
	require.NoError(t, err)
	assert.Empty(t, effects)

	retried, effects, err := pipeline.Retry(p, costs, now)
	require.NoError(t, err)

	assert.Empty(t, chargeEffects(effects))
	require.Len(t, providerCalls(effects), 1)
	assert.Equal(t, 1, providerCalls(effects)[0].Attempt)
	assert.Len(t, retried.Charges, 2) // views + mesh attempt 1
}

func TestRetry_BatchReentersQueue(t *testing.T) {
	p := newDraft(t, models.ModeBatch)
	p, _, err := pipeline.StartViewGeneration(p, nil, costs, now)
	require.NoError(t, err)
	p, _, err = pipeline.ClaimBatch(p, now)
	require.NoError(t, err)
	p, _, err = pipeline.Fail(p, models.StageImages, 1, "503 Service Unavailable", true, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGeneratingImages, *p.ErrorStep)

	retried, effects, err := pipeline.Retry(p, costs, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBatchQueued, retried.Status)
	assert.Equal(t, []pipeline.ChargeEffect{{Stage: models.StageImages, Amount: 1, Attempt: 2}}, chargeEffects(effects))
	assert.Empty(t, providerCalls(effects))
}

func TestRetry_NonRetryableFailure(t *testing.T) {
	p := newDraft(t, models.ModeRealtime)
	p, _, err := pipeline.StartViewGeneration(p, nil, costs, now)
	require.NoError(t, err)
	p, _, err = pipeline.Fail(p, models.StageImages, 1, "blocked due to safety filter", true, now)
	require.NoError(t, err)

	_, _, err = pipeline.Retry(p, costs, now)
	var pe *pipeline.PreconditionError
	assert.ErrorAs(t, err, &pe)
}

func TestReset_DiscardsLateResults(t *testing.T) {
	p := toImagesReady(t)
	p, _, err := pipeline.ProceedToMesh(p, costs, now)
	require.NoError(t, err)

	reset, effects, err := pipeline.Reset(p, now)
	require.NoError(t, err)
	assert.True(t, reset.Abandoned())
	assert.Empty(t, effects)

	_, err = pipeline.Complete(reset, models.StageMesh, 1, pipeline.StageResult{MeshURL: "x"}, now)
	assert.ErrorIs(t, err, pipeline.ErrDiscarded)

	_, _, err = pipeline.AddTexture(reset, costs, now)
	assert.Error(t, err)
	_, _, err = pipeline.Reset(reset, now)
	assert.Error(t, err)
}

func TestReset_LateFailureStillRefunds(t *testing.T) {
	p := toImagesReady(t)
	p, _, err := pipeline.ProceedToMesh(p, costs, now)
	require.NoError(t, err)
	reset, _, err := pipeline.Reset(p, now)
	require.NoError(t, err)

	_, _, err = pipeline.Fail(reset, models.StageMesh, 2, "meshy task failed", true, now)
	assert.ErrorIs(t, err, pipeline.ErrDiscarded, "stale attempt")
	_, _, err = pipeline.Fail(reset, models.StageMesh, 1, "meshy task failed", false, now)
	assert.ErrorIs(t, err, pipeline.ErrDiscarded, "nothing to write without a refund")

	failed, effects, err := pipeline.Fail(reset, models.StageMesh, 1, "meshy task failed", true, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGeneratingMesh, failed.Status)
	assert.Nil(t, failed.Error)
	assert.Equal(t, []pipeline.Effect{pipeline.RefundEffect{Stage: models.StageMesh, Amount: 5, Attempt: 1}}, effects)
	charge, ok := failed.LastCharge(models.StageMesh)
	require.True(t, ok)
	assert.True(t, charge.Refunded)

	_, _, err = pipeline.Fail(failed, models.StageMesh, 1, "meshy task failed", true, now)
	assert.ErrorIs(t, err, pipeline.ErrDiscarded, "refunded once")
}

func TestReset_QueuedBatchRefundsViews(t *testing.T) {
	p := newDraft(t, models.ModeBatch)
	p, _, err := pipeline.StartViewGeneration(p, nil, costs, now)
	require.NoError(t, err)
	require.Equal(t, models.StatusBatchQueued, p.Status)

	reset, effects, err := pipeline.Reset(p, now)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Effect{pipeline.RefundEffect{Stage: models.StageImages, Amount: 1, Attempt: 1}}, effects)
	charge, _ := reset.LastCharge(models.StageImages)
	assert.True(t, charge.Refunded)
}

func TestUpdateSettings_FrozenAfterCharge(t *testing.T) {
	p := newDraft(t, models.ModeRealtime)
	p, err := pipeline.UpdateSettings(p, models.PipelineSettings{Provider: "tripo", Quality: models.QualityHigh}, now)
	require.NoError(t, err)
	assert.Equal(t, "tripo", p.Settings.Provider)

	p, _, err = pipeline.StartViewGeneration(p, nil, costs, now)
	require.NoError(t, err)
	_, err = pipeline.UpdateSettings(p, models.PipelineSettings{Provider: "meshy"}, now)
	assert.Error(t, err)
}

func TestReplaceView(t *testing.T) {
	p := toImagesReady(t)
	next, err := pipeline.ReplaceView(p, models.AngleBack, models.ViewImage{URL: "https://cdn/own.png"}, now)
	require.NoError(t, err)
	assert.Equal(t, models.SourceUpload, next.MeshImages[models.AngleBack].Source)
	assert.Equal(t, models.SourceAI, p.MeshImages[models.AngleBack].Source)
	assert.Len(t, next.MeshImages, 3)

	_, err = pipeline.ReplaceView(p, "bottom", models.ViewImage{URL: "x"}, now)
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, pipeline.CanTransition(models.StatusDraft, models.StatusBatchQueued))
	assert.True(t, pipeline.CanTransition(models.StatusFailed, models.StatusGeneratingTexture))
	assert.False(t, pipeline.CanTransition(models.StatusDraft, models.StatusGeneratingMesh))
	assert.False(t, pipeline.CanTransition(models.StatusCompleted, models.StatusFailed))
	assert.False(t, pipeline.CanTransition(models.StatusImagesReady, models.StatusFailed))
	for _, s := range models.AllPipelineStatuses {
		assert.False(t, pipeline.CanTransition(s, models.StatusDraft), s)
	}
}
