package handlers

import (
	"net/http"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/services"

	"github.com/gin-gonic/gin"
)

type CreditsHandler struct {
	credits *services.CreditService
}

func NewCreditsHandler(credits *services.CreditService) *CreditsHandler {
	return &CreditsHandler{credits: credits}
}

func (h *CreditsHandler) GetBalance(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	acct, err := h.credits.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CreditBalanceResponse{Balance: acct.Balance, Unlimited: acct.Unlimited()})
}

func (h *CreditsHandler) ListTransactions(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	p := page(c)
	txs, total, err := h.credits.Transactions(c.Request.Context(), userID, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.TransactionListResponse{Transactions: txs, PageInfo: pageInfo(p, total)})
}
