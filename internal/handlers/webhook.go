package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/services"

	"github.com/gin-gonic/gin"
)

type WebhookHandler struct {
	token   string
	credits *services.CreditService
	logger  *logger.Logger
}

func NewWebhookHandler(token string, credits *services.CreditService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		token:   token,
		credits: credits,
		logger:  log.With("component", "PaymentWebhook"),
	}
}

// HandlePayment godoc
// @Summary     Credit purchase callback
// @Description Records a purchase once per payment reference. Repeated deliveries return the original transaction.
// @Tags        webhooks
// @Accept      json
// @Produce     json
// @Param       Authorization header string true "Webhook token"
// @Success     200 {object} models.PaymentWebhookResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /webhooks/payments [post]
func (h *WebhookHandler) HandlePayment(c *gin.Context) {
	if h.token == "" {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "payment webhook is not configured", Code: "SERVICE_UNAVAILABLE"})
		return
	}

	// Extract token (could be "Bearer <token>" or just "<token>")
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "missing authorization token", Code: "UNAUTHORIZED"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid authorization token", Code: "UNAUTHORIZED"})
		return
	}

	var req models.PaymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payment event", err)
		return
	}

	ct, created, err := h.credits.RecordPurchase(c.Request.Context(), req.UserID, req.Amount, req.Reference)
	if err != nil {
		h.logger.Error("failed to record purchase", "reference", req.Reference, "error", err)
		respondError(c, err)
		return
	}
	if !created {
		h.logger.Info("duplicate payment delivery", "reference", req.Reference)
	}
	c.JSON(http.StatusOK, models.PaymentWebhookResponse{TransactionID: ct.ID.String(), Duplicate: !created})
}
