package service

import (
	"context"
	"fmt"

	"ecom-events/internal/consumer"
	"ecom-events/internal/models"
	"ecom-events/internal/store"
	"ecom-events/internal/util"

	"go.uber.org/zap"
)

// OrderSaga turns PAYMENT_SUCCESS into a confirmed order.
type OrderSaga struct {
	logger *zap.Logger
}

// NewOrderSaga creates the order-creation saga step
func NewOrderSaga() *OrderSaga {
	return &OrderSaga{logger: util.GetLogger()}
}

// Register subscribes the saga to PAYMENT_SUCCESS, with the source event guard
func (s *OrderSaga) Register(c *consumer.IdempotentConsumer) {
	c.Register(models.EventTypePaymentSuccess, s)
	c.RegisterGuard(models.EventTypePaymentSuccess, s)
}

// Seen reports whether an order already exists for this payment event.
func (s *OrderSaga) Seen(ctx context.Context, tx store.Tx, env *models.Envelope) (bool, error) {
	if env.EventID == "" {
		return false, nil
	}
	existing, err := tx.GetOrderBySourceEventID(ctx, env.EventID)
	if err != nil {
		return false, fmt.Errorf("failed to check source event: %w", err)
	}
	if existing != nil {
		s.logger.Info("Order already exists for payment event",
			zap.String("event_id", env.EventID),
			zap.Int64("order_id", existing.ID))
		return true, nil
	}
	return false, nil
}

// Apply creates the order and hands ORDER_PLACED back for publishing after commit.
func (s *OrderSaga) Apply(ctx context.Context, tx store.Tx, env *models.Envelope) (*consumer.Result, error) {
	ctx, span := util.StartSpan(ctx, "OrderSaga.Apply")
	defer span.End()

	payment, ok := env.Payload.(*models.PaymentSuccess)
	if !ok {
		return nil, fmt.Errorf("%w: expected PAYMENT_SUCCESS, got %T", models.ErrInvalidPayload, env.Payload)
	}
	if payment.Username == "" || payment.ProductID == 0 {
		return nil, fmt.Errorf("%w: username and productId are required", models.ErrInvalidPayload)
	}

	quantity := payment.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity=%d", models.ErrInvalidPayload, quantity)
	}
	if payment.AmountPaid <= 0 {
		return nil, fmt.Errorf("%w: amountPaid=%d", models.ErrInvalidPayload, payment.AmountPaid)
	}

	order := &models.Order{
		Username:       payment.Username,
		ProductID:      payment.ProductID,
		Quantity:       quantity,
		TotalPrice:     float64(payment.AmountPaid) / 100,
		OrderStatus:    models.OrderStatusConfirmed,
		ShippingStatus: models.ShippingStatusPending,
	}
	if env.EventID != "" {
		source := env.EventID
		order.SourceEventID = &source
	}

	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("Order created from payment",
		zap.Int64("order_id", order.ID),
		zap.String("username", order.Username),
		zap.String("payment_intent_id", payment.PaymentIntentID),
		zap.Float64("total_price", order.TotalPrice))

	return &consumer.Result{
		Events: []*models.Envelope{
			models.NewEnvelope(&models.OrderPlaced{OrderSnapshot: models.SnapshotOf(order)}),
		},
		OnCommit: func(context.Context) {
			util.OrdersCreatedTotal.WithLabelValues("payment").Inc()
		},
	}, nil
}
