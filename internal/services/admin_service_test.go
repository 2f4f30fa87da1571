package services_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/meshopt"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/services"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminService(h *harness, meshURL string) *services.AdminService {
	return services.NewAdminService(services.AdminDeps{
		Store:     h.store,
		Ledger:    h.ledger,
		Credits:   h.credits,
		Models:    h.registry,
		MeshOpt:   meshopt.NewClient(meshURL),
		Artifacts: h.artifacts,
		Logger:    logger.Nop(),
	})
}

func TestCreditService_BalanceAndPurchase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	user := uuid.New()

	acct, err := h.credits.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.Balance)

	client := h.hub.Subscribe(user)
	defer h.hub.Unsubscribe(client)

	ct, created, err := h.credits.RecordPurchase(ctx, user, 50, "pay_123")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.TxPurchase, ct.Type)

	evt := <-client.Outbound
	assert.Equal(t, int64(53), evt.Data["balance"])

	again, created, err := h.credits.RecordPurchase(ctx, user, 50, "pay_123")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ct.ID, again.ID)
	assert.Equal(t, int64(53), h.balance(t, user))

	txs, total, err := h.credits.Transactions(ctx, user, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, txs, 2)

	_, _, err = h.credits.RecordPurchase(ctx, user, 0, "pay_456")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestAdminService_GrantDeductReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	admin := newAdminService(h, "")
	operator, user := uuid.New(), uuid.New()

	ct, err := admin.GrantCredits(ctx, operator, user, 20, "", models.TxBonus)
	require.NoError(t, err)
	assert.Equal(t, int64(20), ct.Amount)
	assert.Equal(t, "admin grant", ct.Reason)

	_, err = admin.DeductCredits(ctx, operator, user, 5, "")
	assert.ErrorIs(t, err, ledger.ErrReasonRequired)

	_, err = admin.DeductCredits(ctx, operator, user, 25, "chargeback")
	var insufficient *ledger.InsufficientCreditsError
	assert.ErrorAs(t, err, &insufficient)

	ct, err = admin.DeductCredits(ctx, operator, user, 5, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), ct.Amount)
	assert.Equal(t, int64(15), h.balance(t, user))

	rec, err := admin.ReconcileBalance(ctx, user, false)
	require.NoError(t, err)
	assert.Zero(t, rec.Drift)

	users, total, err := admin.ListUsers(ctx, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, user, users[0].UserID)

	txs, _, err := admin.ListTransactions(ctx, user, store.Page{})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestAdminService_ListJobsIncludesAbandoned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	admin := newAdminService(h, "")
	user := uuid.New()

	kept := h.createPipeline(t, user, models.ModeRealtime)
	reset := h.createPipeline(t, user, models.ModeRealtime)
	_, err := h.pipelines.Reset(ctx, user, reset.ID)
	require.NoError(t, err)

	jobs, total, err := admin.ListJobs(ctx, nil, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)

	draft := models.StatusDraft
	_, total, err = admin.ListJobs(ctx, &draft, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	own, total, err := h.pipelines.ListPipelines(ctx, user, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, kept.ID, own[0].ID)
}

func TestAdminService_ProviderBalance(t *testing.T) {
	h := newHarness(t, 0)
	admin := newAdminService(h, "")

	b, err := admin.ProviderBalance(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "meshy", b.Provider)
	assert.Equal(t, int64(1200), b.Balance)

	_, err = admin.ProviderBalance(context.Background(), "unknown")
	var invalid *services.InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestAdminService_AnalyzeAndOptimizeMesh(t *testing.T) {
	ctx := context.Background()
	var (
		mu       sync.Mutex
		analyzed string
	)
	fn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/trimesh_analyze":
			var body struct {
				FileURL string `json:"file_url"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			analyzed = body.FileURL
			mu.Unlock()
			_, _ = w.Write([]byte(`{"success":true,"analysis":{"vertex_count":10,"face_count":5000,
				"bounding_box":{"width":50,"height":60,"depth":40},"is_watertight":false,"degenerate_faces":0}}`))
		case "/trimesh_optimize":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success":       true,
				"file_data":     base64.StdEncoding.EncodeToString([]byte("solid fixed")),
				"operations":    []string{"fill_holes"},
				"output_format": "stl",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer fn.Close()

	h := newHarness(t, 10)
	admin := newAdminService(h, fn.URL)
	user := uuid.New()

	draft := h.createPipeline(t, user, models.ModeRealtime)
	_, err := admin.AnalyzeMesh(ctx, draft.ID)
	var invalid *services.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	p := meshReadyPipeline(t, h, user)
	analysis, err := admin.AnalyzeMesh(ctx, p.ID)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, *p.MeshURL, analyzed)
	mu.Unlock()
	assert.Equal(t, 3, analysis.PrintabilityScore)
	assert.NotEmpty(t, analysis.Issues)

	optimized, err := admin.OptimizeMesh(ctx, p.ID, meshopt.Options{}, "stl")
	require.NoError(t, err)
	assert.Equal(t, []string{"fill_holes"}, optimized.Result.Operations)
	assert.True(t, strings.HasSuffix(optimized.URL, "/optimized/model.stl"))

	key := "users/" + user.String() + "/pipelines/" + p.ID.String() + "/optimized/model.stl"
	data, contentType, ok := h.storage.Object(key)
	require.True(t, ok)
	assert.Equal(t, []byte("solid fixed"), data)
	assert.Equal(t, "model/stl", contentType)
}

func TestAdminService_MeshToolsDisabled(t *testing.T) {
	h := newHarness(t, 10)
	admin := newAdminService(h, "")
	_, err := admin.AnalyzeMesh(context.Background(), uuid.New())
	assert.ErrorIs(t, err, services.ErrMeshToolsDisabled)
	_, err = admin.OptimizeMesh(context.Background(), uuid.New(), meshopt.Options{}, "stl")
	assert.ErrorIs(t, err, services.ErrMeshToolsDisabled)
}
