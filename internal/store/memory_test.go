package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := &models.Pipeline{ID: uuid.New(), UserID: uuid.New(), Status: models.StatusDraft}

	boom := errors.New("boom")
	err := m.RunInTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.SavePipeline(ctx, p))
		_, err := tx.InsertTransaction(ctx, &models.CreditTransaction{ID: uuid.New(), UserID: p.UserID, Amount: 5, IdempotencyKey: "k"})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetPipeline(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	txs, total, err := m.ListTransactions(ctx, p.UserID, store.Page{})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Zero(t, total)
}

func TestMemory_CommitAndIsolation(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := &models.Pipeline{ID: uuid.New(), UserID: uuid.New(), Status: models.StatusDraft}

	require.NoError(t, m.RunInTx(ctx, func(tx store.Tx) error {
		return tx.SavePipeline(ctx, p)
	}))

	// mutating the caller's copy never leaks into the store
	p.Status = models.StatusFailed
	got, err := m.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)

	require.NoError(t, m.RunInTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetPipelineForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		locked.Status = models.StatusGeneratingImages
		if err := tx.SavePipeline(ctx, locked); err != nil {
			return err
		}
		again, err := tx.GetPipelineForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, models.StatusGeneratingImages, again.Status, "reads see own staged writes")
		return nil
	}))

	got, err = m.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGeneratingImages, got.Status)
}

func TestMemory_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	user := uuid.New()

	for i := 0; i < 2; i++ {
		require.NoError(t, m.RunInTx(ctx, func(tx store.Tx) error {
			inserted, err := tx.InsertTransaction(ctx, &models.CreditTransaction{ID: uuid.New(), UserID: user, Amount: 10, IdempotencyKey: "purchase:abc"})
			require.NoError(t, err)
			assert.Equal(t, i == 0, inserted)
			return nil
		}))
	}

	require.NoError(t, m.RunInTx(ctx, func(tx store.Tx) error {
		sum, err := tx.SumTransactions(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(10), sum)
		found, err := tx.FindTransactionByKey(ctx, "purchase:abc")
		require.NoError(t, err)
		assert.Equal(t, int64(10), found.Amount)
		return nil
	}))
}

func TestMemory_ListPipelinesFilter(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	user := uuid.New()
	abandoned := time.Now()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.RunInTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.SavePipeline(ctx, &models.Pipeline{ID: uuid.New(), UserID: user, Status: models.StatusBatchQueued, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
				return err
			}
		}
		if err := tx.SavePipeline(ctx, &models.Pipeline{ID: uuid.New(), UserID: user, Status: models.StatusDraft, CreatedAt: base}); err != nil {
			return err
		}
		return tx.SavePipeline(ctx, &models.Pipeline{ID: uuid.New(), UserID: user, Status: models.StatusBatchQueued, AbandonedAt: &abandoned})
	}))

	status := models.StatusBatchQueued
	list, total, err := m.ListPipelines(ctx, store.PipelineFilter{Status: &status, Page: store.Page{Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

	_, total, err = m.ListPipelines(ctx, store.PipelineFilter{UserID: &user, IncludeAbandoned: true})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestMemory_ListSessionsByStatus(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.RunInTx(ctx, func(tx store.Tx) error {
		for i, status := range []models.SessionStatus{models.SessionGeneratingViews, models.SessionGeneratingModel, models.SessionGeneratingViews} {
			if err := tx.SaveSession(ctx, &models.Session{ID: uuid.New(), UserID: uuid.New(), Status: status, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
				return err
			}
		}
		return nil
	}))

	status := models.SessionGeneratingViews
	list, total, err := m.ListSessions(ctx, store.SessionFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
	for _, sess := range list {
		assert.Equal(t, models.SessionGeneratingViews, sess.Status)
	}
}

func TestPage_Normalize(t *testing.T) {
	assert.Equal(t, store.Page{Limit: 20}, store.Page{}.Normalize())
	assert.Equal(t, store.Page{Limit: 20, Offset: 0}, store.Page{Limit: 500, Offset: -1}.Normalize())
	assert.Equal(t, store.Page{Limit: 5, Offset: 10}, store.Page{Limit: 5, Offset: 10}.Normalize())
}
