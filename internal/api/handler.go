package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ecom-events/internal/models"
	"ecom-events/internal/service"
	"ecom-events/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxProcessedEventsLimit = 500

// Pinger is a dependency checked by the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services holds the role services this process runs. Routes are only
// mounted for non-nil services.
type Services struct {
	Orders        *service.OrderService
	Inventory     *service.InventoryService
	Payments      *service.PaymentService
	Notifications *service.NotificationService
	Ledger        store.Repository
	Dependencies  map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	svc Services
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", authenticated())

	if h.svc.Payments != nil {
		v1.POST("/payments", h.processPayment)
	}

	if h.svc.Orders != nil {
		v1.POST("/orders", h.placeOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/count-by-category", h.countByCategory)
		v1.GET("/orders/count-by-status", h.countByStatus)
		v1.GET("/orders/:id", h.getOrder)
		v1.PUT("/orders/:id/shipping-status", requireAdmin(), h.updateShippingStatus)
	}

	if h.svc.Inventory != nil {
		v1.POST("/products", requireAdmin(), h.createProduct)
		v1.GET("/products/:id", h.getProduct)
	}

	if h.svc.Notifications != nil {
		v1.GET("/notifications/recent", h.recentNotifications)
	}

	if h.svc.Ledger != nil {
		v1.GET("/processed-events", requireAdmin(), h.listProcessedEvents)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.svc.Dependencies {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// listProcessedEvents exposes the dedup ledger read-only
func (h *Handler) listProcessedEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit > maxProcessedEventsLimit {
		limit = maxProcessedEventsLimit
	}

	events, err := h.svc.Ledger.ListProcessedEvents(c.Request.Context(), c.Query("group"), limit)
	if err != nil {
		respondError(c, "Failed to list processed events", err)
		return
	}
	if events == nil {
		events = []models.ProcessedEvent{}
	}

	c.JSON(http.StatusOK, events)
}

func parseID(c *gin.Context, what string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + what + " ID",
		})
		return 0, false
	}
	return id, true
}

// respondError maps domain errors to HTTP statuses
func respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrProductNotFound), errors.Is(err, models.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidPayload), errors.Is(err, models.ErrInvalidShippingStatus):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrCatalogUnavailable):
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
