package service

import (
	"context"
	"fmt"
	"time"

	"ecom-events/internal/broker"
	"ecom-events/internal/models"
	"ecom-events/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultCurrency = "usd"

// PaymentProvider confirms a charge and returns the provider's intent id
type PaymentProvider interface {
	Charge(ctx context.Context, amount int64, currency string) (string, error)
}

// SimulatedProvider accepts every charge
type SimulatedProvider struct{}

func (SimulatedProvider) Charge(_ context.Context, amount int64, _ string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", models.ErrInvalidPayload)
	}
	return "pi_" + uuid.New().String(), nil
}

// PaymentService handles payment processing
type PaymentService struct {
	provider       PaymentProvider
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(provider PaymentProvider, eventPublisher *broker.EventPublisher) *PaymentService {
	if provider == nil {
		provider = SimulatedProvider{}
	}
	return &PaymentService{
		provider:       provider,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// PaymentRequest represents a checkout payment. Amount is in minor units.
type PaymentRequest struct {
	ProductID int64 `json:"productId" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
	Amount    int64 `json:"amount" binding:"required,min=1"`
}

// PaymentResponse is returned once PAYMENT_SUCCESS is published
type PaymentResponse struct {
	EventID         string `json:"eventId"`
	PaymentIntentID string `json:"paymentIntentId"`
	AmountPaid      int64  `json:"amountPaid"`
	Currency        string `json:"currency"`
}

// ProcessPayment charges the provider and publishes PAYMENT_SUCCESS.
func (ps *PaymentService) ProcessPayment(ctx context.Context, username string, req *PaymentRequest) (*PaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessPayment")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	if username == "" || req.ProductID == 0 || req.Quantity < 1 || req.Amount <= 0 {
		util.PaymentFailedTotal.Inc()
		return nil, fmt.Errorf("%w: username, productId, quantity >= 1 and amount > 0 are required", models.ErrInvalidPayload)
	}

	ps.logger.Info("Processing payment",
		zap.String("username", username),
		zap.Int64("product_id", req.ProductID),
		zap.Int64("amount", req.Amount))

	intentID, err := ps.provider.Charge(ctx, req.Amount, defaultCurrency)
	if err != nil {
		util.PaymentFailedTotal.Inc()
		ps.logger.Warn("Payment failed", zap.String("username", username), zap.Error(err))
		return nil, fmt.Errorf("payment failed: %w", err)
	}

	util.PaymentSuccessTotal.Inc()

	eventID, err := ps.eventPublisher.Publish(ctx, &models.PaymentSuccess{
		Username:        username,
		ProductID:       req.ProductID,
		Quantity:        req.Quantity,
		AmountPaid:      req.Amount,
		Currency:        defaultCurrency,
		PaymentIntentID: intentID,
	})
	if err != nil {
		// The charge went through; the order side never hears about it.
		ps.logger.Error("Failed to publish PAYMENT_SUCCESS event",
			zap.String("payment_intent_id", intentID),
			zap.Error(err))
		return nil, fmt.Errorf("payment %s succeeded but could not be announced: %w", intentID, err)
	}

	ps.logger.Info("Payment succeeded",
		zap.String("event_id", eventID),
		zap.String("payment_intent_id", intentID))

	return &PaymentResponse{
		EventID:         eventID,
		PaymentIntentID: intentID,
		AmountPaid:      req.Amount,
		Currency:        defaultCurrency,
	}, nil
}
