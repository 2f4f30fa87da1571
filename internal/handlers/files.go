package handlers

import (
	"net/http"
	"strings"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/storage"

	"github.com/gin-gonic/gin"
)

// FilesHandler serves objects held by the in-memory storage backend, so
// local runs have fetchable URLs without a bucket.
type FilesHandler struct {
	store *storage.Memory
}

func NewFilesHandler(store *storage.Memory) *FilesHandler {
	return &FilesHandler{store: store}
}

func (h *FilesHandler) GetFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	data, contentType, ok := h.store.Object(key)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "file not found", Code: "NOT_FOUND"})
		return
	}
	c.Data(http.StatusOK, contentType, data)
}
