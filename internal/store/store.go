package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"ecom-events/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Tx is the unit of work handed to consumer effects and synchronous commands.
// Everything done through one Tx commits or rolls back together.
type Tx interface {
	// ClaimEvent inserts the ledger row for (group, eventID). It returns false
	// when the row already exists, i.e. another delivery won the claim.
	ClaimEvent(ctx context.Context, group, eventID, eventType string) (bool, error)

	GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error)
	// UpdateProductQuantity returns the new updated_at as stamped by the database.
	UpdateProductQuantity(ctx context.Context, id int64, quantity int) (time.Time, error)
	CreateProduct(ctx context.Context, p *models.Product) error

	// GetOrderBySourceEventID returns nil, nil when no order exists.
	GetOrderBySourceEventID(ctx context.Context, eventID string) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	UpdateShippingStatus(ctx context.Context, id int64, status string) error
}

// Repository is the persistence surface used by services and the consumer.
type Repository interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)

	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	// ListOrders returns all orders when username is empty.
	ListOrders(ctx context.Context, username string) ([]models.Order, error)
	CountOrdersByCategory(ctx context.Context) ([]models.OrderCount, error)
	CountOrdersByStatus(ctx context.Context) ([]models.OrderCount, error)

	ListProcessedEvents(ctx context.Context, group string, limit int) ([]models.ProcessedEvent, error)
}

type Store struct {
	db *sqlx.DB
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by the readiness check
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn in a transaction. fn's error rolls everything back.
func (s *Store) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sqlx.Tx
}

var _ Tx = (*sqlTx)(nil)
