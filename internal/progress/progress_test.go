package progress_test

import (
	"testing"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/progress"

	"github.com/stretchr/testify/assert"
)

func TestDescribe_CanLeavePage(t *testing.T) {
	generating := map[models.PipelineStatus]bool{
		models.StatusGeneratingImages:  true,
		models.StatusGeneratingMesh:    true,
		models.StatusGeneratingTexture: true,
	}

	for _, status := range models.AllPipelineStatuses {
		got := progress.Describe(status, "meshy")
		assert.Equal(t, !generating[status], got.CanLeavePage, status)
		assert.NotEmpty(t, got.Title, status)
		assert.NotEmpty(t, got.IconID, status)
	}
}

func TestDescribe_MeshSubtitleDependsOnProvider(t *testing.T) {
	meshy := progress.Describe(models.StatusGeneratingMesh, "meshy")
	tripo := progress.Describe(models.StatusGeneratingMesh, "tripo")
	assert.NotEqual(t, meshy.Subtitle, tripo.Subtitle)

	// other statuses ignore the provider
	for _, status := range models.AllPipelineStatuses {
		if status == models.StatusGeneratingMesh {
			continue
		}
		assert.Equal(t, progress.Describe(status, "meshy"), progress.Describe(status, "tripo"), status)
	}
}

func TestDescribe_PercentMonotonicAlongHappyPath(t *testing.T) {
	path := []models.PipelineStatus{
		models.StatusDraft,
		models.StatusGeneratingImages,
		models.StatusImagesReady,
		models.StatusGeneratingMesh,
		models.StatusMeshReady,
		models.StatusGeneratingTexture,
		models.StatusCompleted,
	}
	last := -1
	for _, status := range path {
		p := progress.Describe(status, "")
		assert.Greater(t, p.Percent, last, status)
		last = p.Percent
	}
	assert.Equal(t, 100, last)
}

func TestIsGenerating(t *testing.T) {
	assert.True(t, progress.IsGenerating(models.StatusGeneratingMesh))
	assert.False(t, progress.IsGenerating(models.StatusBatchProcessing))
	assert.False(t, progress.IsGenerating(models.StatusFailed))
}
