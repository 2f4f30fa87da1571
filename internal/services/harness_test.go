package services_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/providers"
	"dream-forge-backend/internal/services"
	"dream-forge-backend/internal/storage"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeImages) GenerateView(ctx context.Context, req providers.ViewRequest) (*providers.GeneratedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &providers.GeneratedImage{Data: []byte("png-" + string(req.Angle)), MimeType: "image/png"}, nil
}

func (f *fakeImages) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeImages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeModels struct {
	baseURL string

	mu      sync.Mutex
	meshErr error
	texErr  error
	gate    chan struct{}
	balance int64
	meshes  []providers.MeshRequest
}

func (f *fakeModels) Name() string { return providers.ProviderMeshy }

func (f *fakeModels) GenerateMesh(ctx context.Context, req providers.MeshRequest) (*providers.ModelResult, error) {
	f.mu.Lock()
	gate := f.gate
	err := f.meshErr
	f.meshes = append(f.meshes, req)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &providers.ModelResult{
		TaskID:       "mesh-task-1",
		ModelURL:     f.baseURL + "/model.glb",
		ThumbnailURL: f.baseURL + "/thumb.png",
		Files:        []models.DownloadFile{{Name: "model.glb", URL: f.baseURL + "/model.glb"}},
	}, nil
}

func (f *fakeModels) GenerateTexture(ctx context.Context, req providers.TextureRequest) (*providers.ModelResult, error) {
	f.mu.Lock()
	err := f.texErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &providers.ModelResult{TaskID: "tex-task-1", ModelURL: f.baseURL + "/textured.glb"}, nil
}

func (f *fakeModels) Balance(ctx context.Context) (int64, error) {
	return f.balance, nil
}

func (f *fakeModels) set(fn func(f *fakeModels)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type harness struct {
	filesURL   string
	store      *store.Memory
	ledger     *ledger.Ledger
	storage    *storage.Memory
	artifacts  *services.ArtifactService
	images     *fakeImages
	models     *fakeModels
	registry   *providers.Registry
	dispatcher *services.Dispatcher
	hub        *events.Hub
	metrics    *metrics.Collector
	pipelines  *services.PipelineService
	sessions   *services.SessionService
	credits    *services.CreditService
	costs      pipeline.Costs
}

func newHarness(t *testing.T, signupBonus int64) *harness {
	t.Helper()
	h := &harness{}
	// /files/ serves what the memory backend stores; anything else stands in
	// for a provider's download URL.
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key, ok := strings.CutPrefix(r.URL.Path, "/files/"); ok {
			data, contentType, found := h.storage.Object(key)
			if !found {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", contentType)
			_, _ = w.Write(data)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("file:" + r.URL.Path))
	}))
	t.Cleanup(files.Close)

	log := logger.Nop()
	h.filesURL = files.URL + "/files/"
	h.store = store.NewMemory()
	h.ledger = ledger.New(signupBonus)
	h.storage = storage.NewMemory(h.filesURL)
	h.images = &fakeImages{}
	h.models = &fakeModels{baseURL: files.URL, balance: 1200}
	h.hub = events.NewHub(log)
	h.metrics = metrics.NewCollector("test")
	h.costs = pipeline.Costs{Views: 1, Mesh: 2, Texture: 1}
	h.artifacts = services.NewArtifactService(h.storage, log)
	h.registry = providers.NewRegistry(providers.ProviderMeshy, h.models)
	h.dispatcher = services.NewDispatcher(2, log, nil)
	t.Cleanup(func() { _ = h.dispatcher.Stop(context.Background()) })

	deps := services.PipelineDeps{
		Store:           h.store,
		Ledger:          h.ledger,
		Artifacts:       h.artifacts,
		Images:          h.images,
		Models:          h.registry,
		Dispatcher:      h.dispatcher,
		Publisher:       h.hub,
		Metrics:         h.metrics,
		Logger:          log,
		Costs:           h.costs,
		ViewConcurrency: 2,
	}
	h.pipelines = services.NewPipelineService(deps)
	h.sessions = services.NewSessionService(deps)
	h.credits = services.NewCreditService(h.store, h.ledger, h.hub, nil, log)
	return h
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return acct.Balance
}

// logSum is the sum of every ledger entry of the user.
func (h *harness) logSum(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	txs, _, err := h.store.ListTransactions(context.Background(), userID, store.Page{Limit: 100})
	require.NoError(t, err)
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	return sum
}

func (h *harness) createPipeline(t *testing.T, userID uuid.UUID, mode models.ProcessingMode) *services.PipelineView {
	t.Helper()
	view, err := h.pipelines.CreatePipeline(context.Background(), userID, services.CreatePipelineInput{
		Image: services.ImageInput{Data: []byte("jpeg"), ContentType: "image/jpeg"},
		Mode:  mode,
	})
	require.NoError(t, err)
	return view
}

func (h *harness) pipeline(t *testing.T, id uuid.UUID) *models.Pipeline {
	t.Helper()
	p, err := h.store.GetPipeline(context.Background(), id)
	require.NoError(t, err)
	return p
}
