package service

import (
	"context"
	"errors"
	"fmt"

	"ecom-events/internal/broker"
	"ecom-events/internal/models"
	"ecom-events/internal/redisclient"
	"ecom-events/internal/store"
	"ecom-events/internal/util"

	"go.uber.org/zap"
)

// ErrCatalogUnavailable is returned when the product mirror cannot be read.
var ErrCatalogUnavailable = errors.New("product catalog unavailable")

// OrderService handles the synchronous order paths
type OrderService struct {
	repo           store.Repository
	redis          *redisclient.Client
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	repo store.Repository,
	redis *redisclient.Client,
	eventPublisher *broker.EventPublisher,
) *OrderService {
	return &OrderService{
		repo:           repo,
		redis:          redis,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// PlaceOrderRequest represents a direct order request
type PlaceOrderRequest struct {
	ProductID int64 `json:"productId" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// PlaceOrder creates an order without a payment event. Product data comes
// from the Redis catalog mirror; the stock check here is advisory and the
// inventory consumer has the final word.
func (s *OrderService) PlaceOrder(ctx context.Context, username string, req *PlaceOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()

	if username == "" || req.ProductID == 0 || req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: username, productId and a positive quantity are required", models.ErrInvalidPayload)
	}
	if s.redis == nil {
		return nil, ErrCatalogUnavailable
	}

	product, err := s.redis.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, models.ErrProductNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	if product.Quantity < req.Quantity {
		return nil, fmt.Errorf("%w: product %d available=%d requested=%d",
			models.ErrInsufficientStock, product.ID, product.Quantity, req.Quantity)
	}

	order := &models.Order{
		Username:       username,
		ProductID:      product.ID,
		Category:       product.Category,
		Quantity:       req.Quantity,
		TotalPrice:     product.Price * float64(req.Quantity),
		OrderStatus:    models.OrderStatusPlaced,
		ShippingStatus: models.ShippingStatusPending,
	}

	if err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		return tx.CreateOrder(ctx, order)
	}); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.WithLabelValues("direct").Inc()
	s.logger.Info("Order placed", zap.Int64("order_id", order.ID), zap.String("username", username))

	if _, err := s.eventPublisher.Publish(ctx, &models.OrderPlaced{OrderSnapshot: models.SnapshotOf(order)}); err != nil {
		s.logger.Warn("Failed to publish ORDER_PLACED event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	return order, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.repo.GetOrderByID(ctx, orderID)
}

// ListOrders returns every order for admins and the caller's own orders otherwise
func (s *OrderService) ListOrders(ctx context.Context, username string, admin bool) ([]models.Order, error) {
	if admin {
		username = ""
	} else if username == "" {
		return []models.Order{}, nil
	}
	orders, err := s.repo.ListOrders(ctx, username)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// UpdateShippingStatus changes the shipping status and publishes ORDER_STATUS_UPDATED.
// Any known status may follow any other.
func (s *OrderService) UpdateShippingStatus(ctx context.Context, orderID int64, status string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateShippingStatus")
	defer span.End()

	normalized, err := models.NormalizeShippingStatus(status)
	if err != nil {
		return nil, err
	}

	var order *models.Order
	if err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.UpdateShippingStatus(ctx, orderID, normalized); err != nil {
			return fmt.Errorf("failed to update shipping status: %w", err)
		}
		o.ShippingStatus = normalized
		order = o
		return nil
	}); err != nil {
		return nil, err
	}

	s.logger.Info("Shipping status updated",
		zap.Int64("order_id", order.ID),
		zap.String("shipping_status", normalized))

	if _, err := s.eventPublisher.Publish(ctx, &models.OrderStatusUpdated{OrderSnapshot: models.SnapshotOf(order)}); err != nil {
		s.logger.Warn("Failed to publish ORDER_STATUS_UPDATED event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	return order, nil
}

// CountByCategory counts orders per category
func (s *OrderService) CountByCategory(ctx context.Context) ([]models.OrderCount, error) {
	return s.repo.CountOrdersByCategory(ctx)
}

// CountByStatus counts orders per order status
func (s *OrderService) CountByStatus(ctx context.Context) ([]models.OrderCount, error) {
	return s.repo.CountOrdersByStatus(ctx)
}
