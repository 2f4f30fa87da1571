package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PipelinesHandler struct {
	pipelines *services.PipelineService
}

func NewPipelinesHandler(pipelines *services.PipelineService) *PipelinesHandler {
	return &PipelinesHandler{pipelines: pipelines}
}

type pipelineListResponse struct {
	Pipelines []*services.PipelineView `json:"pipelines"`
	models.PageInfo
}

// CreatePipeline godoc
// @Summary     Create a pipeline draft
// @Description Accepts either a multipart "image" upload (with optional mode and settings fields) or JSON with image_url.
// @Tags        pipelines
// @Security    Bearer
// @Success     201 {object} services.PipelineView
// @Router      /pipelines [post]
func (h *PipelinesHandler) CreatePipeline(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var in services.CreatePipelineInput
	if isMultipart(c) {
		img, err := readUpload(c, "image")
		if err != nil {
			badRequest(c, "invalid image", err)
			return
		}
		in.Image = img
		in.Mode = models.ProcessingMode(c.PostForm("mode"))
		if raw := c.PostForm("settings"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &in.Settings); err != nil {
				badRequest(c, "invalid settings", err)
				return
			}
		}
	} else {
		var req models.CreatePipelineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		in.Image = services.ImageInput{URL: req.ImageURL}
		in.Mode = req.Mode
		in.Settings = req.Settings
	}

	view, err := h.pipelines.CreatePipeline(c.Request.Context(), userID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *PipelinesHandler) AddImage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var in services.ImageInput
	if isMultipart(c) {
		img, err := readUpload(c, "image")
		if err != nil {
			badRequest(c, "invalid image", err)
			return
		}
		in = img
	} else {
		var req models.AddImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		in.URL = req.ImageURL
	}

	view, err := h.pipelines.AddInputImage(c.Request.Context(), userID, id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PipelinesHandler) ListPipelines(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	p := page(c)
	list, total, err := h.pipelines.ListPipelines(c.Request.Context(), userID, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipelineListResponse{Pipelines: list, PageInfo: pageInfo(p, total)})
}

// GetPipeline godoc
// @Summary     Pipeline status
// @Description Returns the pipeline with its progress presentation and, when failed, the classified error.
// @Tags        pipelines
// @Security    Bearer
// @Param       id path string true "Pipeline ID"
// @Success     200 {object} services.PipelineView
// @Failure     404 {object} models.ErrorResponse
// @Router      /pipelines/{id} [get]
func (h *PipelinesHandler) GetPipeline(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := h.pipelines.GetPipeline(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PipelinesHandler) UpdateSettings(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var settings models.PipelineSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	view, err := h.pipelines.UpdateSettings(c.Request.Context(), userID, id, settings)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// StartViews godoc
// @Summary     Generate views
// @Description Charges the view cost and starts generating the requested angles. Batch pipelines are queued instead.
// @Tags        pipelines
// @Security    Bearer
// @Param       id path string true "Pipeline ID"
// @Success     202 {object} services.PipelineView
// @Failure     402 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /pipelines/{id}/views [post]
func (h *PipelinesHandler) StartViews(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.StartViewsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	for _, a := range req.Angles {
		if !a.Valid() {
			badRequest(c, "invalid angle", fmt.Errorf("unknown angle %q", a))
			return
		}
	}
	view, err := h.pipelines.StartViewGeneration(c.Request.Context(), userID, id, req.Angles)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h *PipelinesHandler) ReplaceView(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	img, err := readUpload(c, "image")
	if err != nil {
		badRequest(c, "invalid image", err)
		return
	}
	view, err := h.pipelines.ReplaceView(c.Request.Context(), userID, id, models.ViewAngle(c.Param("angle")), img)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PipelinesHandler) ProceedToMesh(c *gin.Context) {
	h.action(c, http.StatusAccepted, h.pipelines.ProceedToMesh)
}

func (h *PipelinesHandler) AddTexture(c *gin.Context) {
	h.action(c, http.StatusAccepted, h.pipelines.AddTexture)
}

func (h *PipelinesHandler) Retry(c *gin.Context) {
	h.action(c, http.StatusAccepted, h.pipelines.Retry)
}

// Reset abandons the pipeline. Late provider results for it are discarded.
func (h *PipelinesHandler) Reset(c *gin.Context) {
	h.action(c, http.StatusOK, h.pipelines.Reset)
}

type pipelineAction func(ctx context.Context, userID, id uuid.UUID) (*services.PipelineView, error)

func (h *PipelinesHandler) action(c *gin.Context, status int, fn pipelineAction) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := fn(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, view)
}
