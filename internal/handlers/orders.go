package handlers

import (
	"net/http"

	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/services"

	"github.com/gin-gonic/gin"
)

type OrdersHandler struct {
	orders *services.OrderService
}

func NewOrdersHandler(orders *services.OrderService) *OrdersHandler {
	return &OrdersHandler{orders: orders}
}

// CreateOrder godoc
// @Summary     Order a print
// @Description Prices each item from the material/size table, adds shipping and opens a pending order. Every item must reference a finished model.
// @Tags        orders
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.CreateOrderRequest true "Items and shipping"
// @Success     201 {object} models.Order
// @Failure     400 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Router      /orders [post]
func (h *OrdersHandler) CreateOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	in := services.CreateOrderInput{
		ShippingAddress: req.ShippingAddress,
		ShippingMethod:  req.ShippingMethod,
		SaveAddress:     req.SaveAddress,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, services.OrderItemInput{
			PipelineID: it.PipelineID,
			Material:   it.Material,
			Size:       it.Size,
			Colors:     it.Colors,
			Quantity:   it.Quantity,
		})
	}
	o, err := h.orders.CreateOrder(c.Request.Context(), userID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (h *OrdersHandler) ListOrders(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	p := page(c)
	list, total, err := h.orders.ListOrders(c.Request.Context(), userID, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OrderListResponse{Orders: list, PageInfo: pageInfo(p, total)})
}

func (h *OrdersHandler) GetOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.orders.GetOrder(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *OrdersHandler) CancelOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.CancelOrderRequest
	// body is optional
	_ = c.ShouldBindJSON(&req)
	o, err := h.orders.CancelOrder(c.Request.Context(), userID, id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *OrdersHandler) ListAddresses(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	addresses, err := h.orders.ListAddresses(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.AddressListResponse{Addresses: addresses})
}
