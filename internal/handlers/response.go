package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"dream-forge-backend/internal/apierr"
	"dream-forge-backend/internal/errclass"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/middleware"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/order"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/services"
	"dream-forge-backend/internal/session"
	"dream-forge-backend/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxUploadBytes caps a single uploaded photo.
const maxUploadBytes = 20 << 20

var errUnauthenticated = errors.New("user id not found")

// toAPIError maps domain errors onto HTTP statuses. Anything unknown is a 500.
func toAPIError(err error) *apierr.Error {
	var (
		apiErr       *apierr.Error
		pipePre      *pipeline.PreconditionError
		sessPre      *session.PreconditionError
		orderTrans   *order.TransitionError
		insufficient *ledger.InsufficientCreditsError
		invalid      *services.InvalidInputError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &insufficient):
		return apierr.PaymentRequired(errclass.CodeInsufficientCredits, err)
	case errors.As(err, &pipePre), errors.As(err, &sessPre):
		return apierr.Conflict("PRECONDITION_FAILED", err)
	case errors.As(err, &orderTrans):
		return apierr.Conflict("INVALID_TRANSITION", err)
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound("NOT_FOUND", err)
	case errors.Is(err, services.ErrForbidden):
		return apierr.Forbidden("FORBIDDEN", err)
	case errors.As(err, &invalid), errors.Is(err, services.ErrNoImage),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrReasonRequired):
		return apierr.BadRequest(errclass.CodeInvalidInput, err)
	case errors.Is(err, services.ErrDispatcherStopped), errors.Is(err, services.ErrMeshToolsDisabled):
		return apierr.Unavailable(errclass.CodeServiceUnavailable, err)
	}
	return apierr.Internal(err)
}

func respondError(c *gin.Context, err error) {
	e := toAPIError(err)
	_ = c.Error(err)
	resp := models.ErrorResponse{Error: http.StatusText(e.Status), Message: e.Error(), Code: e.Code}
	if e.Status == http.StatusInternalServerError {
		// internals stay in the log
		resp.Message = "internal server error"
	}
	if e.Status == http.StatusPaymentRequired {
		classified(&resp, errclass.Resource(err.Error()))
	}
	c.JSON(e.Status, resp)
}

func classified(resp *models.ErrorResponse, ce errclass.CategorizedError) {
	resp.Retryable = &ce.Retryable
	resp.Category = string(ce.Category)
	resp.Severity = string(ce.Severity)
	resp.UserMessage = ce.UserMessage
	resp.RecoveryActions = make([]string, 0, len(ce.RecoveryActions))
	for _, a := range ce.RecoveryActions {
		resp.RecoveryActions = append(resp.RecoveryActions, string(a))
	}
}

func badRequest(c *gin.Context, msg string, err error) {
	resp := models.ErrorResponse{Error: msg, Code: errclass.CodeInvalidInput}
	if err != nil {
		resp.Message = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: errUnauthenticated.Error(), Code: "UNAUTHORIZED"})
		return uuid.Nil, false
	}
	return id, true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name, err)
		return uuid.Nil, false
	}
	return id, true
}

// page reads ?limit=&offset= and clamps them.
func page(c *gin.Context) store.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return store.Page{Limit: limit, Offset: offset}.Normalize()
}

func pageInfo(p store.Page, total int) models.PageInfo {
	return models.PageInfo{Total: total, Limit: p.Limit, Offset: p.Offset}
}

// readUpload loads the multipart file field, if present.
func readUpload(c *gin.Context, field string) (services.ImageInput, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return services.ImageInput{}, nil
		}
		return services.ImageInput{}, err
	}
	return readFileHeader(fh)
}

func readFileHeader(fh *multipart.FileHeader) (services.ImageInput, error) {
	if fh.Size > maxUploadBytes {
		return services.ImageInput{}, fmt.Errorf("%s is larger than %d bytes", fh.Filename, maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return services.ImageInput{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return services.ImageInput{}, fmt.Errorf("failed to read upload: %w", err)
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return services.ImageInput{}, fmt.Errorf("%s is not an image (%s)", fh.Filename, contentType)
	}
	return services.ImageInput{Data: data, ContentType: contentType}, nil
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/")
}
