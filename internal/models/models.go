package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Product represents a product in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Price     float64   `db:"price" json:"price"`
	Category  string    `db:"category" json:"category"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order. SourceEventID is nil only for orders
// placed through the direct path.
type Order struct {
	ID             int64     `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	ProductID      int64     `db:"product_id" json:"product_id"`
	Category       string    `db:"category" json:"category"`
	Quantity       int       `db:"quantity" json:"quantity"`
	TotalPrice     float64   `db:"total_price" json:"total_price"`
	OrderStatus    string    `db:"order_status" json:"order_status"`
	ShippingStatus string    `db:"shipping_status" json:"shipping_status"`
	OrderDate      time.Time `db:"order_date" json:"order_date"`
	SourceEventID  *string   `db:"source_event_id" json:"source_event_id,omitempty"`
}

// OrderCount is one row of an order aggregation
type OrderCount struct {
	Key   string `db:"key" json:"key"`
	Count int64  `db:"count" json:"count"`
}

// Order statuses
const (
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusPlaced    = "PLACED"
)

// Shipping statuses
const (
	ShippingStatusPending   = "PENDING"
	ShippingStatusShipped   = "SHIPPED"
	ShippingStatusDelivered = "DELIVERED"
	ShippingStatusCancelled = "CANCELLED"
)

var shippingStatuses = []string{
	ShippingStatusPending,
	ShippingStatusShipped,
	ShippingStatusDelivered,
	ShippingStatusCancelled,
}

// NormalizeShippingStatus upper-cases s and checks it against the known
// shipping statuses.
func NormalizeShippingStatus(s string) (string, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, st := range shippingStatuses {
		if st == up {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidShippingStatus, s)
}

// ProcessedEvent is one row of a consumer group's dedup ledger
type ProcessedEvent struct {
	ConsumerGroup string    `db:"consumer_group" json:"consumer_group"`
	EventID       string    `db:"event_id" json:"event_id"`
	EventType     string    `db:"event_type" json:"event_type"`
	ProcessedAt   time.Time `db:"processed_at" json:"processed_at"`
}

// ErrPermanent marks failures that will not go away on redelivery.
var ErrPermanent = errors.New("permanent failure")

var (
	ErrMalformedEnvelope     = fmt.Errorf("%w: malformed envelope", ErrPermanent)
	ErrUnknownEventType      = fmt.Errorf("%w: unknown event type", ErrPermanent)
	ErrInvalidPayload        = fmt.Errorf("%w: invalid payload", ErrPermanent)
	ErrProductNotFound       = fmt.Errorf("%w: product not found", ErrPermanent)
	ErrOrderNotFound         = fmt.Errorf("%w: order not found", ErrPermanent)
	ErrInsufficientStock     = fmt.Errorf("%w: insufficient stock", ErrPermanent)
	ErrInvalidShippingStatus = fmt.Errorf("%w: invalid shipping status", ErrPermanent)
)

// ErrDuplicateSourceEvent is returned when an order for the same source event
// already exists. It is not a failure: the effect was applied before.
var ErrDuplicateSourceEvent = errors.New("order already exists for source event")

// IsPermanent reports whether err should bypass retries.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
