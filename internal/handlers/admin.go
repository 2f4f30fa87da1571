package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"dream-forge-backend/internal/meshopt"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/order"
	"dream-forge-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// AdminHandler serves /admin. Every route sits behind AdminMiddleware.
type AdminHandler struct {
	admin  *services.AdminService
	orders *services.OrderService
}

func NewAdminHandler(admin *services.AdminService, orders *services.OrderService) *AdminHandler {
	return &AdminHandler{admin: admin, orders: orders}
}

type jobListResponse struct {
	Jobs []*models.Pipeline `json:"jobs"`
	models.PageInfo
}

type optimizeMeshRequest struct {
	Options      meshopt.Options `json:"options"`
	OutputFormat string          `json:"output_format"`
}

func (h *AdminHandler) GrantCredits(c *gin.Context) {
	adminID, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.AdminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	kind := req.Type
	switch kind {
	case "":
		kind = models.TxBonus
	case models.TxBonus, models.TxAdjustment:
	default:
		// purchases only come through the payment webhook
		badRequest(c, "invalid transaction type", fmt.Errorf("type must be bonus or adjustment"))
		return
	}
	ct, err := h.admin.GrantCredits(c.Request.Context(), adminID, req.UserID, req.Amount, req.Reason, kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ct)
}

func (h *AdminHandler) DeductCredits(c *gin.Context) {
	adminID, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.AdminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ct, err := h.admin.DeductCredits(c.Request.Context(), adminID, req.UserID, req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ct)
}

func (h *AdminHandler) ListUsers(c *gin.Context) {
	p := page(c)
	users, total, err := h.admin.ListUsers(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.AccountListResponse{Users: users, PageInfo: pageInfo(p, total)})
}

func (h *AdminHandler) ListJobs(c *gin.Context) {
	var status *models.PipelineStatus
	if raw := c.Query("status"); raw != "" {
		s := models.PipelineStatus(raw)
		status = &s
	}
	p := page(c)
	jobs, total, err := h.admin.ListJobs(c.Request.Context(), status, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobListResponse{Jobs: jobs, PageInfo: pageInfo(p, total)})
}

func (h *AdminHandler) ListTransactions(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	p := page(c)
	txs, total, err := h.admin.ListTransactions(c.Request.Context(), userID, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.TransactionListResponse{Transactions: txs, PageInfo: pageInfo(p, total)})
}

// ReconcileBalance reports drift between the balance and the log. ?fix=true
// rewrites the balance to the log sum.
func (h *AdminHandler) ReconcileBalance(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	fix, _ := strconv.ParseBool(c.Query("fix"))
	rec, err := h.admin.ReconcileBalance(c.Request.Context(), userID, fix)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *AdminHandler) ProviderBalance(c *gin.Context) {
	b, err := h.admin.ProviderBalance(c.Request.Context(), c.Query("provider"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *AdminHandler) ListOrders(c *gin.Context) {
	var status *models.OrderStatus
	if raw := c.Query("status"); raw != "" {
		s := models.OrderStatus(raw)
		if !s.Valid() {
			badRequest(c, "invalid status", fmt.Errorf("unknown order status %q", raw))
			return
		}
		status = &s
	}
	p := page(c)
	list, total, err := h.orders.ListAllOrders(c.Request.Context(), status, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OrderListResponse{Orders: list, PageInfo: pageInfo(p, total)})
}

func (h *AdminHandler) UpdateOrderStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if !req.Status.Valid() {
		badRequest(c, "invalid status", fmt.Errorf("unknown order status %q", req.Status))
		return
	}
	o, err := h.orders.UpdateStatus(c.Request.Context(), id, order.StatusUpdate{
		To:         req.Status,
		Reason:     req.Reason,
		AdminNotes: req.AdminNotes,
		Tracking:   req.Tracking,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *AdminHandler) UpdateTracking(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var tracking models.Tracking
	if err := c.ShouldBindJSON(&tracking); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if tracking.Carrier == "" || tracking.TrackingNumber == "" {
		badRequest(c, "invalid tracking", fmt.Errorf("carrier and tracking_number are required"))
		return
	}
	o, err := h.orders.UpdateTracking(c.Request.Context(), id, tracking)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *AdminHandler) AnalyzeMesh(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	analysis, err := h.admin.AnalyzeMesh(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

func (h *AdminHandler) OptimizeMesh(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req optimizeMeshRequest
	// an empty body runs the default repairs
	_ = c.ShouldBindJSON(&req)
	res, err := h.admin.OptimizeMesh(c.Request.Context(), id, req.Options, req.OutputFormat)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
