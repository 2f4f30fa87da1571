package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/providers"
	"dream-forge-backend/internal/services"
	"dream-forge-backend/internal/storage"
	"dream-forge-backend/internal/store"
	"dream-forge-backend/internal/worker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubImages struct{}

func (stubImages) GenerateView(ctx context.Context, req providers.ViewRequest) (*providers.GeneratedImage, error) {
	return &providers.GeneratedImage{Data: []byte("png"), MimeType: "image/png"}, nil
}

type stubModels struct{}

func (stubModels) Name() string { return providers.ProviderMeshy }
func (stubModels) GenerateMesh(ctx context.Context, req providers.MeshRequest) (*providers.ModelResult, error) {
	return nil, context.Canceled
}
func (stubModels) GenerateTexture(ctx context.Context, req providers.TextureRequest) (*providers.ModelResult, error) {
	return nil, context.Canceled
}
func (stubModels) Balance(ctx context.Context) (int64, error) { return 0, nil }

type fixture struct {
	store      *store.Memory
	dispatcher *services.Dispatcher
	pipelines  *services.PipelineService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{store: store.NewMemory(), dispatcher: services.NewDispatcher(2, log, nil)}
	t.Cleanup(func() { _ = f.dispatcher.Stop(context.Background()) })
	f.pipelines = services.NewPipelineService(services.PipelineDeps{
		Store:      f.store,
		Ledger:     ledger.New(10),
		Artifacts:  services.NewArtifactService(storage.NewMemory("http://files.test/"), log),
		Images:     stubImages{},
		Models:     providers.NewRegistry(providers.ProviderMeshy, stubModels{}),
		Dispatcher: f.dispatcher,
		Logger:     log,
		Costs:      pipeline.Costs{Views: 1, Mesh: 2, Texture: 1},
	})
	return f
}

func (f *fixture) queued(t *testing.T, user uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	p, err := f.pipelines.CreatePipeline(ctx, user, services.CreatePipelineInput{
		Image: services.ImageInput{Data: []byte("jpeg"), ContentType: "image/jpeg"},
		Mode:  models.ModeBatch,
	})
	require.NoError(t, err)
	v, err := f.pipelines.StartViewGeneration(ctx, user, p.ID, []models.ViewAngle{models.AngleFront})
	require.NoError(t, err)
	require.Equal(t, models.StatusBatchQueued, v.Status)
	return p.ID
}

func (f *fixture) status(t *testing.T, id uuid.UUID) models.PipelineStatus {
	t.Helper()
	p, err := f.store.GetPipeline(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestClaimBatch_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	id := f.queued(t, uuid.New())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipelines.ClaimBatch(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, errs, 1)
	var pre *pipeline.PreconditionError
	assert.ErrorAs(t, errs[0], &pre)

	f.dispatcher.Wait()
	assert.Equal(t, models.StatusImagesReady, f.status(t, id))
}

func TestBatchWorker_WorkersSplitTheQueue(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ids := []uuid.UUID{f.queued(t, user), f.queued(t, user), f.queued(t, user)}

	a := worker.NewBatchWorker(f.pipelines, time.Hour, 10, logger.Nop(), nil)
	b := worker.NewBatchWorker(f.pipelines, time.Hour, 10, logger.Nop(), nil)

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, w := range []*worker.BatchWorker{a, b} {
		wg.Add(1)
		go func(i int, w *worker.BatchWorker) {
			defer wg.Done()
			counts[i] = w.RunOnce(context.Background())
		}(i, w)
	}
	wg.Wait()
	assert.Equal(t, len(ids), counts[0]+counts[1])

	f.dispatcher.Wait()
	for _, id := range ids {
		assert.Equal(t, models.StatusImagesReady, f.status(t, id))
	}
	assert.Zero(t, a.RunOnce(context.Background()))
}

func TestBatchWorker_StartAndStop(t *testing.T) {
	f := newFixture(t)
	id := f.queued(t, uuid.New())

	w := worker.NewBatchWorker(f.pipelines, 10*time.Millisecond, 2, logger.Nop(), nil)
	w.Start(context.Background())
	w.Start(context.Background())

	assert.Eventually(t, func() bool {
		p, err := f.store.GetPipeline(context.Background(), id)
		return err == nil && p.Status != models.StatusBatchQueued
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
}
