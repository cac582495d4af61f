package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ecom-events/internal/models"
)

const productColumns = "id, name, quantity, price, category, updated_at"

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY id")
	return products, err
}

// GetProductForUpdate locks the product row until the transaction ends
func (t *sqlTx) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}
	return &product, nil
}

// UpdateProductQuantity sets the stock level of a product
func (t *sqlTx) UpdateProductQuantity(ctx context.Context, id int64, quantity int) (time.Time, error) {
	var updatedAt time.Time
	err := t.tx.QueryRowxContext(ctx,
		"UPDATE products SET quantity = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at",
		quantity, id).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to update stock: %w", err)
	}
	return updatedAt, nil
}

// CreateProduct inserts a product and fills in its id and updated_at
func (t *sqlTx) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (name, quantity, price, category)
		VALUES ($1, $2, $3, $4)
		RETURNING id, updated_at`

	row := t.tx.QueryRowxContext(ctx, query, p.Name, p.Quantity, p.Price, p.Category)
	if err := row.Scan(&p.ID, &p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}
