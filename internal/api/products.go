package api

import (
	"net/http"
	"strconv"

	"ecom-events/internal/models"
	"ecom-events/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) createProduct(c *gin.Context) {
	var req service.CreateProductRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	product, err := h.svc.Inventory.CreateProduct(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create product", err)
		return
	}

	c.JSON(http.StatusCreated, product)
}

func (h *Handler) getProduct(c *gin.Context) {
	productID, ok := parseID(c, "product")
	if !ok {
		return
	}

	product, err := h.svc.Inventory.GetProduct(c.Request.Context(), productID)
	if err != nil {
		respondError(c, "Product not found", err)
		return
	}

	c.JSON(http.StatusOK, product)
}

// processPayment charges the caller and announces PAYMENT_SUCCESS
func (h *Handler) processPayment(c *gin.Context) {
	var req service.PaymentRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.svc.Payments.ProcessPayment(c.Request.Context(), c.GetString(ctxUsername), &req)
	if err != nil {
		respondError(c, "Payment failed", err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) recentNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	items, err := h.svc.Notifications.Recent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to read notifications", err)
		return
	}

	c.JSON(http.StatusOK, items)
}

func toMap(counts []models.OrderCount) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for _, c := range counts {
		out[c.Key] = c.Count
	}
	return out
}
