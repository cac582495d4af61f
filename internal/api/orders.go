package api

import (
	"net/http"

	"ecom-events/internal/service"

	"github.com/gin-gonic/gin"
)

// placeOrder handles direct order creation
func (h *Handler) placeOrder(c *gin.Context) {
	var req service.PlaceOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.svc.Orders.PlaceOrder(c.Request.Context(), c.GetString(ctxUsername), &req)
	if err != nil {
		respondError(c, "Failed to place order", err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.svc.Orders.ListOrders(c.Request.Context(), c.GetString(ctxUsername), c.GetBool(ctxAdmin))
	if err != nil {
		respondError(c, "Failed to list orders", err)
		return
	}

	c.JSON(http.StatusOK, orders)
}

// getOrder handles get order by ID. Users only see their own orders.
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c, "order")
	if !ok {
		return
	}

	order, err := h.svc.Orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, "Order not found", err)
		return
	}

	if !c.GetBool(ctxAdmin) && order.Username != c.GetString(ctxUsername) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Order not found",
		})
		return
	}

	c.JSON(http.StatusOK, order)
}

// updateShippingStatus handles PUT /orders/:id/shipping-status?status=
func (h *Handler) updateShippingStatus(c *gin.Context) {
	orderID, ok := parseID(c, "order")
	if !ok {
		return
	}

	status := c.Query("status")
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Missing status",
		})
		return
	}

	order, err := h.svc.Orders.UpdateShippingStatus(c.Request.Context(), orderID, status)
	if err != nil {
		respondError(c, "Failed to update shipping status", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) countByCategory(c *gin.Context) {
	counts, err := h.svc.Orders.CountByCategory(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to count orders", err)
		return
	}
	c.JSON(http.StatusOK, toMap(counts))
}

func (h *Handler) countByStatus(c *gin.Context) {
	counts, err := h.svc.Orders.CountByStatus(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to count orders", err)
		return
	}
	c.JSON(http.StatusOK, toMap(counts))
}
