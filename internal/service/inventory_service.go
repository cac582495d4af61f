package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ecom-events/internal/broker"
	"ecom-events/internal/consumer"
	"ecom-events/internal/models"
	"ecom-events/internal/redisclient"
	"ecom-events/internal/store"
	"ecom-events/internal/util"

	"go.uber.org/zap"
)

// Low-stock alert modes
const (
	// AlertModeEvery alerts on every reduction that leaves stock under the threshold.
	AlertModeEvery = "every"
	// AlertModeCrossing alerts only on the reduction that crosses the threshold.
	AlertModeCrossing = "crossing"
)

const (
	defaultLowStockThreshold = 5
	catalogSyncLock          = "catalog-sync"
)

type InventoryConfig struct {
	LowStockThreshold int
	AlertMode         string
}

// InventoryService owns product stock. Stock only changes through
// ORDER_PLACED deliveries and product creation.
type InventoryService struct {
	repo           store.Repository
	redis          *redisclient.Client
	eventPublisher *broker.EventPublisher
	threshold      int
	alertMode      string
	logger         *zap.Logger
}

// NewInventoryService creates a new inventory service. redis may be nil, in
// which case the catalog mirror is not maintained.
func NewInventoryService(
	repo store.Repository,
	redis *redisclient.Client,
	eventPublisher *broker.EventPublisher,
	cfg InventoryConfig,
) *InventoryService {
	threshold := cfg.LowStockThreshold
	if threshold <= 0 {
		threshold = defaultLowStockThreshold
	}
	mode := strings.ToLower(cfg.AlertMode)
	if mode != AlertModeCrossing {
		mode = AlertModeEvery
	}
	return &InventoryService{
		repo:           repo,
		redis:          redis,
		eventPublisher: eventPublisher,
		threshold:      threshold,
		alertMode:      mode,
		logger:         util.GetLogger(),
	}
}

// Register subscribes the service to ORDER_PLACED
func (s *InventoryService) Register(c *consumer.IdempotentConsumer) {
	c.Register(models.EventTypeOrderPlaced, consumer.HandlerFunc(s.ApplyOrderPlaced))
}

// ApplyOrderPlaced reduces stock for an order. The product row stays locked
// until the consumer transaction ends.
func (s *InventoryService) ApplyOrderPlaced(ctx context.Context, tx store.Tx, env *models.Envelope) (*consumer.Result, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ApplyOrderPlaced")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockReductionLatency.Observe(time.Since(start).Seconds())
	}()

	order, ok := env.Payload.(*models.OrderPlaced)
	if !ok {
		return nil, fmt.Errorf("%w: expected ORDER_PLACED, got %T", models.ErrInvalidPayload, env.Payload)
	}
	if order.ProductID == 0 || order.Quantity <= 0 {
		return nil, fmt.Errorf("%w: productId=%d quantity=%d", models.ErrInvalidPayload, order.ProductID, order.Quantity)
	}

	product, err := tx.GetProductForUpdate(ctx, order.ProductID)
	if err != nil {
		util.StockReductionsFailed.WithLabelValues("product_not_found").Inc()
		s.logger.Error("Product not found for order",
			zap.Int64("order_id", order.OrderID),
			zap.Int64("product_id", order.ProductID),
			zap.Error(err))
		return nil, err
	}

	current := product.Quantity
	if current < order.Quantity {
		util.StockReductionsFailed.WithLabelValues("insufficient_stock").Inc()
		s.logger.Error("Insufficient stock for order",
			zap.Int64("order_id", order.OrderID),
			zap.Int64("product_id", product.ID),
			zap.Int("available", current),
			zap.Int("requested", order.Quantity))
		return nil, fmt.Errorf("%w: product %d available=%d requested=%d",
			models.ErrInsufficientStock, product.ID, current, order.Quantity)
	}

	newQuantity := current - order.Quantity
	updatedAt, err := tx.UpdateProductQuantity(ctx, product.ID, newQuantity)
	if err != nil {
		return nil, err
	}
	product.Quantity = newQuantity
	product.UpdatedAt = updatedAt

	s.logger.Info("Stock reduced",
		zap.Int64("order_id", order.OrderID),
		zap.Int64("product_id", product.ID),
		zap.Int("old_quantity", current),
		zap.Int("new_quantity", newQuantity))

	events := []*models.Envelope{
		models.NewEnvelope(&models.ProductStockReduced{
			ProductID:   product.ID,
			ProductName: product.Name,
			Category:    product.Category,
			Quantity:    newQuantity,
		}),
	}

	alert := s.shouldAlert(current, newQuantity)
	if alert {
		s.logger.Warn("Low stock",
			zap.Int64("product_id", product.ID),
			zap.Int("current_stock", newQuantity),
			zap.Int("threshold", s.threshold))
		events = append(events, models.NewEnvelope(&models.LowStockAlert{
			ProductID:    product.ID,
			ProductName:  product.Name,
			CurrentStock: newQuantity,
			Threshold:    s.threshold,
		}))
	}

	mirrored := *product
	return &consumer.Result{
		Events: events,
		OnCommit: func(ctx context.Context) {
			if alert {
				util.LowStockAlertsTotal.Inc()
			}
			s.mirror(ctx, &mirrored)
		},
	}, nil
}

func (s *InventoryService) shouldAlert(oldQuantity, newQuantity int) bool {
	if newQuantity >= s.threshold {
		return false
	}
	if s.alertMode == AlertModeCrossing {
		return oldQuantity >= s.threshold
	}
	return true
}

// CreateProductRequest represents a request to add a product to the catalog
type CreateProductRequest struct {
	Name     string  `json:"name" binding:"required"`
	Quantity int     `json:"quantity" binding:"min=0"`
	Price    float64 `json:"price" binding:"min=0"`
	Category string  `json:"category"`
}

// CreateProduct persists a product, mirrors it and publishes PRODUCT_CREATED
func (s *InventoryService) CreateProduct(ctx context.Context, req *CreateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CreateProduct")
	defer span.End()

	if strings.TrimSpace(req.Name) == "" || req.Quantity < 0 || req.Price < 0 {
		return nil, fmt.Errorf("%w: name, quantity and price are required", models.ErrInvalidPayload)
	}

	product := &models.Product{
		Name:     req.Name,
		Quantity: req.Quantity,
		Price:    req.Price,
		Category: req.Category,
	}
	if err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		return tx.CreateProduct(ctx, product)
	}); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	s.logger.Info("Product created", zap.Int64("product_id", product.ID), zap.String("name", product.Name))
	s.mirror(ctx, product)

	price, quantity := product.Price, product.Quantity
	if _, err := s.eventPublisher.Publish(ctx, &models.ProductCreated{ProductFields: models.ProductFields{
		ProductID:   product.ID,
		ProductName: product.Name,
		Category:    product.Category,
		Price:       &price,
		Quantity:    &quantity,
	}}); err != nil {
		s.logger.Warn("Failed to publish PRODUCT_CREATED event", zap.Int64("product_id", product.ID), zap.Error(err))
	}

	return product, nil
}

// GetProduct retrieves a product from the database
func (s *InventoryService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

// SyncCatalog mirrors every product into Redis. Only one instance syncs at a time.
func (s *InventoryService) SyncCatalog(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}

	acquired, err := s.redis.AcquireLock(ctx, catalogSyncLock, time.Minute)
	if err != nil {
		return fmt.Errorf("failed to acquire catalog sync lock: %w", err)
	}
	if !acquired {
		s.logger.Info("Catalog sync already running elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := s.redis.ReleaseLock(ctx, catalogSyncLock); err != nil {
			s.logger.Warn("Failed to release catalog sync lock", zap.Error(err))
		}
	}()

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}

	for i := range products {
		if _, err := s.redis.UpsertProduct(ctx, &products[i]); err != nil {
			return fmt.Errorf("failed to mirror product %d: %w", products[i].ID, err)
		}
	}

	s.logger.Info("Catalog mirrored to Redis", zap.Int("products", len(products)))
	return nil
}

func (s *InventoryService) mirror(ctx context.Context, p *models.Product) {
	if s.redis == nil {
		return
	}
	if _, err := s.redis.UpsertProduct(ctx, p); err != nil {
		s.logger.Warn("Failed to mirror product", zap.Int64("product_id", p.ID), zap.Error(err))
	}
}
