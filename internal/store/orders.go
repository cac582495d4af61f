package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ecom-events/internal/models"

	"github.com/lib/pq"
)

const (
	orderColumns = "id, username, product_id, category, quantity, total_price, order_status, shipping_status, order_date, source_event_id"

	uniqueViolation         = "23505"
	sourceEventIDConstraint = "orders_source_event_id_key"
)

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders for a user, newest first
func (s *Store) ListOrders(ctx context.Context, username string) ([]models.Order, error) {
	var orders []models.Order
	var err error
	if username == "" {
		err = s.db.SelectContext(ctx, &orders,
			"SELECT "+orderColumns+" FROM orders ORDER BY order_date DESC, id DESC")
	} else {
		err = s.db.SelectContext(ctx, &orders,
			"SELECT "+orderColumns+" FROM orders WHERE username = $1 ORDER BY order_date DESC, id DESC", username)
	}
	return orders, err
}

// CountOrdersByCategory counts orders per product category
func (s *Store) CountOrdersByCategory(ctx context.Context) ([]models.OrderCount, error) {
	var counts []models.OrderCount
	err := s.db.SelectContext(ctx, &counts,
		"SELECT category AS key, COUNT(*) AS count FROM orders GROUP BY category ORDER BY category")
	return counts, err
}

// CountOrdersByStatus counts orders per order status
func (s *Store) CountOrdersByStatus(ctx context.Context) ([]models.OrderCount, error) {
	var counts []models.OrderCount
	err := s.db.SelectContext(ctx, &counts,
		"SELECT order_status AS key, COUNT(*) AS count FROM orders GROUP BY order_status ORDER BY order_status")
	return counts, err
}

// GetOrderBySourceEventID finds the order created from a PAYMENT_SUCCESS event
func (t *sqlTx) GetOrderBySourceEventID(ctx context.Context, eventID string) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE source_event_id = $1", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CreateOrder creates a new order
func (t *sqlTx) CreateOrder(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (username, product_id, category, quantity, total_price, order_status, shipping_status, source_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, order_date`

	row := t.tx.QueryRowxContext(ctx, query,
		o.Username, o.ProductID, o.Category, o.Quantity, o.TotalPrice,
		o.OrderStatus, o.ShippingStatus, o.SourceEventID)
	if err := row.Scan(&o.ID, &o.OrderDate); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == sourceEventIDConstraint {
			return fmt.Errorf("%w: %v", models.ErrDuplicateSourceEvent, err)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrderForUpdate locks the order row until the transaction ends
func (t *sqlTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

// UpdateShippingStatus updates the shipping status of an order
func (t *sqlTx) UpdateShippingStatus(ctx context.Context, id int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET shipping_status = $1 WHERE id = $2",
		status, id)
	return err
}
