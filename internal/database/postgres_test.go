package database_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"dream-forge-backend/internal/database"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var txColumns = []string{"id", "user_id", "type", "amount", "reason", "related_job_id", "idempotency_key", "created_at"}

func setupMock(t *testing.T) (*database.DatabaseClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewDatabaseClientFromDB(db), mock
}

func imagesReadyPipeline(user uuid.UUID) *models.Pipeline {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Pipeline{
		ID:             uuid.New(),
		UserID:         user,
		Status:         models.StatusImagesReady,
		ProcessingMode: models.ModeRealtime,
		InputImages:    []models.InputImage{{URL: "https://cdn/in.jpg"}},
		MeshImages: map[models.ViewAngle]models.ViewImage{
			models.AngleBack: {URL: "https://cdn/back.png", Source: models.SourceAI},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunInTx_ChargeAndTransitionCommitTogether(t *testing.T) {
	ctx := context.Background()
	client, mock := setupMock(t)
	user := uuid.New()
	p := imagesReadyPipeline(user)
	doc, err := json.Marshal(p)
	require.NoError(t, err)
	key := ledger.ChargeKey(p.ID, models.StageMesh, 1)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM pipelines") + `\s+WHERE id = \$1\s+FOR UPDATE`).
		WithArgs(p.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	mock.ExpectQuery(`FROM credit_transactions\s+WHERE idempotency_key = \$1`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectQuery(`FROM credit_accounts\s+WHERE user_id = \$1\s+FOR UPDATE`).
		WithArgs(user.String()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "created_at", "updated_at"}).AddRow(user.String(), 10, now, now))
	mock.ExpectExec(`INSERT INTO credit_transactions .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credit_accounts`).
		WithArgs(user.String(), int64(5), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pipelines`).
		WithArgs(p.ID.String(), user.String(), string(models.StatusGeneratingMesh), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	l := ledger.New(0)
	err = client.RunInTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetPipelineForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		next, effects, err := pipeline.ProceedToMesh(locked, pipeline.Costs{Mesh: 5}, now)
		if err != nil {
			return err
		}
		for _, e := range effects {
			if c, ok := e.(pipeline.ChargeEffect); ok {
				if _, err := l.Charge(ctx, tx, user, c.Amount, "mesh", &next.ID, ledger.ChargeKey(next.ID, c.Stage, c.Attempt)); err != nil {
					return err
				}
			}
		}
		return tx.SavePipeline(ctx, next)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_RollsBackOnInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	client, mock := setupMock(t)
	user := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM credit_transactions\s+WHERE idempotency_key = \$1`).
		WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectQuery(`FROM credit_accounts\s+WHERE user_id = \$1\s+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "created_at", "updated_at"}).AddRow(user.String(), 0, now, now))
	mock.ExpectRollback()

	l := ledger.New(0)
	err := client.RunInTx(ctx, func(tx store.Tx) error {
		_, err := l.Charge(ctx, tx, user, 5, "mesh", nil, "charge:x:mesh:1")
		return err
	})

	var ie *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &ie)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTransaction_DuplicateKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	client, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_transactions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var inserted bool
	err := client.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		inserted, err = tx.InsertTransaction(ctx, &models.CreditTransaction{
			ID: uuid.New(), UserID: uuid.New(), Type: models.TxPurchase, Amount: 10, IdempotencyKey: "purchase:abc", CreatedAt: time.Now(),
		})
		return err
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPipeline_NotFound(t *testing.T) {
	client, mock := setupMock(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT document FROM pipelines\s+WHERE id = \$1`).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	_, err := client.GetPipeline(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessions_FiltersByStatus(t *testing.T) {
	client, mock := setupMock(t)
	sess := models.Session{ID: uuid.New(), UserID: uuid.New(), Status: models.SessionGeneratingModel}
	doc, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sessions WHERE status = \$1`).
		WithArgs(string(models.SessionGeneratingModel)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT document FROM sessions WHERE status = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs(string(models.SessionGeneratingModel), 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	status := models.SessionGeneratingModel
	list, total, err := client.ListSessions(context.Background(), store.SessionFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOrder_AppendsOnlyNewHistory(t *testing.T) {
	ctx := context.Background()
	client, mock := setupMock(t)
	pending := models.OrderPending
	o := &models.Order{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		OrderNumber: "DF-20250301-ABCDEF",
		Status:      models.OrderConfirmed,
		StatusHistory: []models.StatusHistoryEntry{
			{To: models.OrderPending, ChangedAt: time.Now()},
			{From: &pending, To: models.OrderConfirmed, ChangedAt: time.Now(), Reason: "paid"},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM order_status_history`).
		WithArgs(o.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO order_status_history`).
		WithArgs(o.ID.String(), "pending", "confirmed", "paid", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, client.RunInTx(ctx, func(tx store.Tx) error {
		return tx.SaveOrder(ctx, o)
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPipelines_BuildsFilter(t *testing.T) {
	client, mock := setupMock(t)
	status := models.StatusBatchQueued
	p := imagesReadyPipeline(uuid.New())
	doc, err := json.Marshal(p)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM pipelines WHERE status = $1 AND abandoned_at IS NULL")).
		WithArgs("batch-queued").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM pipelines WHERE status = $1 AND abandoned_at IS NULL ORDER BY created_at DESC LIMIT $2 OFFSET $3")).
		WithArgs("batch-queued", 4, 0).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	list, total, err := client.ListPipelines(context.Background(), store.PipelineFilter{Status: &status, Page: store.Page{Limit: 4}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
