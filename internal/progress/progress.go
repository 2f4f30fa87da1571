// Package progress derives user-facing progress copy from a pipeline status.
package progress

import "dream-forge-backend/internal/models"

type Presentation struct {
	Title              string `json:"title"`
	Subtitle           string `json:"subtitle"`
	EstimatedTimeRange string `json:"estimated_time_range,omitempty"`
	CanLeavePage       bool   `json:"can_leave_page"`
	IconID             string `json:"icon_id"`
	Percent            int    `json:"percent"`
	Step               int    `json:"step"`
}

// Describe holds no state. provider only affects the generating-mesh subtitle.
func Describe(status models.PipelineStatus, provider string) Presentation {
	switch status {
	case models.StatusDraft:
		return Presentation{
			Title:        "Upload your photo",
			Subtitle:     "Add one or more photos to get started",
			CanLeavePage: true,
			IconID:       "upload",
			Percent:      0,
			Step:         1,
		}
	case models.StatusBatchQueued:
		return Presentation{
			Title:              "Queued for processing",
			Subtitle:           "Your views will be generated shortly. We will notify you when they are ready.",
			EstimatedTimeRange: "5-30 min",
			CanLeavePage:       true,
			IconID:             "queue",
			Percent:            10,
			Step:               2,
		}
	case models.StatusBatchProcessing:
		return Presentation{
			Title:              "Processing in background",
			Subtitle:           "Generating views in the batch queue",
			EstimatedTimeRange: "2-10 min",
			CanLeavePage:       true,
			IconID:             "batch",
			Percent:            25,
			Step:               2,
		}
	case models.StatusGeneratingImages:
		return Presentation{
			Title:              "Generating views",
			Subtitle:           "AI is creating multi-angle views of your photo",
			EstimatedTimeRange: "30-60 sec",
			CanLeavePage:       false,
			IconID:             "sparkles",
			Percent:            25,
			Step:               2,
		}
	case models.StatusImagesReady:
		return Presentation{
			Title:        "Views ready",
			Subtitle:     "Review the generated views before creating your 3D model",
			CanLeavePage: true,
			IconID:       "images",
			Percent:      40,
			Step:         3,
		}
	case models.StatusGeneratingMesh:
		return Presentation{
			Title:              "Building 3D model",
			Subtitle:           meshSubtitle(provider),
			EstimatedTimeRange: "1-3 min",
			CanLeavePage:       false,
			IconID:             "cube",
			Percent:            60,
			Step:               4,
		}
	case models.StatusMeshReady:
		return Presentation{
			Title:        "3D model ready",
			Subtitle:     "Download your model or add texture",
			CanLeavePage: true,
			IconID:       "cube-check",
			Percent:      80,
			Step:         4,
		}
	case models.StatusGeneratingTexture:
		return Presentation{
			Title:              "Adding texture",
			Subtitle:           "Painting colors and materials onto your model",
			EstimatedTimeRange: "1-2 min",
			CanLeavePage:       false,
			IconID:             "palette",
			Percent:            90,
			Step:               5,
		}
	case models.StatusCompleted:
		return Presentation{
			Title:        "Complete",
			Subtitle:     "Your textured model is ready",
			CanLeavePage: true,
			IconID:       "check",
			Percent:      100,
			Step:         5,
		}
	case models.StatusFailed:
		return Presentation{
			Title:        "Generation failed",
			Subtitle:     "See the error details for recovery options",
			CanLeavePage: true,
			IconID:       "alert",
			Percent:      0,
			Step:         0,
		}
	}
	return Presentation{Title: string(status), CanLeavePage: true, IconID: "unknown"}
}

func meshSubtitle(provider string) string {
	switch provider {
	case "tripo":
		return "Tripo3D is building your mesh"
	case "meshy":
		return "Meshy AI is building your mesh"
	}
	return "Building your mesh from the generated views"
}

// IsGenerating reports the statuses during which leaving the page risks missing completion.
func IsGenerating(status models.PipelineStatus) bool {
	return !Describe(status, "").CanLeavePage
}
