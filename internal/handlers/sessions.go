package handlers

import (
	"fmt"
	"net/http"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// SessionsHandler serves the step-by-step wizard flow.
type SessionsHandler struct {
	sessions *services.SessionService
}

func NewSessionsHandler(sessions *services.SessionService) *SessionsHandler {
	return &SessionsHandler{sessions: sessions}
}

func (h *SessionsHandler) CreateSession(c *gin.Context) {
	userID, ok := currentUser(c)
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
	} else if c.Request.ContentLength > 0 {
		var req models.CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		in.URL = req.ImageURL
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), userID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionsHandler) GetSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sess, err := h.sessions.GetSession(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) SetStep(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.SetStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	sess, err := h.sessions.SetStep(c.Request.Context(), userID, id, req.Step)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SetSource replaces the session's source photo.
func (h *SessionsHandler) SetSource(c *gin.Context) {
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
	sess, err := h.sessions.SetSource(c.Request.Context(), userID, id, img)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// UploadView stores a user photo for one angle. The angle comes from the
// "angle" form field.
func (h *SessionsHandler) UploadView(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	angle := models.ViewAngle(c.PostForm("angle"))
	if !angle.Valid() {
		badRequest(c, "invalid angle", fmt.Errorf("unknown angle %q", angle))
		return
	}
	img, err := readUpload(c, "image")
	if err != nil {
		badRequest(c, "invalid image", err)
		return
	}
	sess, err := h.sessions.UploadView(c.Request.Context(), userID, id, angle, img)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) GenerateViews(c *gin.Context) {
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
	sess, err := h.sessions.GenerateViews(c.Request.Context(), userID, id, req.Angles)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}

func (h *SessionsHandler) GenerateModel(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sess, err := h.sessions.GenerateModel(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}
