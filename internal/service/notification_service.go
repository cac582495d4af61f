package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ecom-events/internal/consumer"
	"ecom-events/internal/models"
	"ecom-events/internal/redisclient"
	"ecom-events/internal/store"
	"ecom-events/internal/util"

	"go.uber.org/zap"
)

// Notification audiences
const (
	AudienceUser  = "user"
	AudienceAdmin = "admin"
)

// Notification is a human-readable rendering of one fact
type Notification struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Audience  string    `json:"audience"`
	Recipient string    `json:"recipient,omitempty"`
	Title     string    `json:"title"`
	Lines     []string  `json:"lines"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationService renders every fact on the bus for users and admins
type NotificationService struct {
	redis       *redisclient.Client
	recentLimit int
	logger      *zap.Logger
}

// NewNotificationService creates a new notification service. redis may be
// nil, in which case notifications are only logged.
func NewNotificationService(redis *redisclient.Client, recentLimit int) *NotificationService {
	return &NotificationService{
		redis:       redis,
		recentLimit: recentLimit,
		logger:      util.GetLogger(),
	}
}

// Register subscribes the service to every event type
func (s *NotificationService) Register(c *consumer.IdempotentConsumer) {
	for _, t := range models.AllEventTypes() {
		c.Register(t, s)
	}
}

// Apply renders the event. Sending happens after the ledger row commits.
func (s *NotificationService) Apply(_ context.Context, _ store.Tx, env *models.Envelope) (*consumer.Result, error) {
	n, err := Render(env)
	if err != nil {
		return nil, err
	}
	return &consumer.Result{
		OnCommit: func(ctx context.Context) { s.send(ctx, n) },
	}, nil
}

func (s *NotificationService) send(ctx context.Context, n *Notification) {
	util.NotificationsSentTotal.WithLabelValues(n.Audience).Inc()
	s.logger.Info(n.Title,
		zap.String("event_id", n.EventID),
		zap.String("event_type", n.EventType),
		zap.String("audience", n.Audience),
		zap.String("recipient", n.Recipient),
		zap.Strings("lines", n.Lines))

	if s.redis == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		s.logger.Warn("Failed to encode notification", zap.Error(err))
		return
	}
	if err := s.redis.PushNotification(ctx, data, s.recentLimit); err != nil {
		s.logger.Warn("Failed to store notification", zap.String("event_id", n.EventID), zap.Error(err))
	}
}

// Recent returns the latest notifications, newest first
func (s *NotificationService) Recent(ctx context.Context, limit int) ([]Notification, error) {
	if s.redis == nil {
		return []Notification{}, nil
	}
	items, err := s.redis.RecentNotifications(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(items))
	for _, item := range items {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			s.logger.Warn("Skipping unreadable notification", zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Render turns an envelope into a notification.
func Render(env *models.Envelope) (*Notification, error) {
	n := &Notification{
		EventID:   env.EventID,
		EventType: string(env.EventType),
		Audience:  AudienceUser,
		CreatedAt: time.Now().UTC(),
	}

	switch p := env.Payload.(type) {
	case *models.UserRegistered:
		n.Recipient = p.Username
		n.Title = "Welcome Email"
		n.Lines = []string{
			fmt.Sprintf("To: %s (%s)", p.Username, p.Email),
			"Subject: Welcome to Ecom!",
			fmt.Sprintf("Thank you for registering, %s!", p.Username),
			"Your account has been created successfully.",
		}
	case *models.UserLoggedIn:
		if strings.Contains(strings.ToUpper(p.Roles), "ADMIN") {
			n.Audience = AudienceAdmin
			n.Title = "Admin Login"
			n.Lines = []string{
				fmt.Sprintf("Admin: %s has logged in", p.Username),
				fmt.Sprintf("Roles: %s", p.Roles),
			}
		} else {
			n.Recipient = p.Username
			n.Title = "User Login"
			n.Lines = []string{fmt.Sprintf("User: %s has logged in", p.Username)}
		}
		if !env.Timestamp.IsZero() {
			n.Lines = append(n.Lines, "Time: "+env.Timestamp.Format(time.RFC3339))
		}
	case *models.LowStockAlert:
		n.Audience = AudienceAdmin
		n.Title = "Low Stock Alert"
		n.Lines = []string{
			fmt.Sprintf("Product: %s (ID: %d)", p.ProductName, p.ProductID),
			fmt.Sprintf("Current Stock: %d", p.CurrentStock),
			fmt.Sprintf("Threshold: %d", p.Threshold),
			"Action Required: Please restock immediately!",
		}
	case *models.OrderPlaced:
		n.Recipient = p.Username
		n.Title = "Order Placed"
		n.Lines = []string{
			fmt.Sprintf("Order: #%d", p.OrderID),
			fmt.Sprintf("Quantity: %d", p.Quantity),
			fmt.Sprintf("Total: $%.2f", p.TotalPrice),
			fmt.Sprintf("Status: %s", p.OrderStatus),
		}
	case *models.OrderStatusUpdated:
		n.Recipient = p.Username
		n.Title = "Order Status Update"
		n.Lines = []string{
			fmt.Sprintf("Order: #%d", p.OrderID),
			fmt.Sprintf("Shipping Status: %s", p.ShippingStatus),
			"Your order shipping status has been updated.",
		}
	case *models.PaymentSuccess:
		n.Recipient = p.Username
		n.Title = "Payment Received"
		n.Lines = []string{
			fmt.Sprintf("Amount: %.2f %s", float64(p.AmountPaid)/100, strings.ToUpper(p.Currency)),
			fmt.Sprintf("Reference: %s", p.PaymentIntentID),
		}
	case *models.ItemAddedToCart:
		n.Recipient = p.Username
		n.Title = "Item Added to Cart"
		n.Lines = []string{
			fmt.Sprintf("Product: %s", p.ProductName),
			fmt.Sprintf("Quantity: %d", p.Quantity),
		}
	case *models.ItemRemovedFromCart:
		n.Recipient = p.Username
		n.Title = "Item Removed from Cart"
		n.Lines = []string{fmt.Sprintf("Product: %s", p.ProductName)}
	case *models.CartUpdated:
		n.Recipient = p.Username
		n.Title = "Cart Updated"
		n.Lines = []string{
			fmt.Sprintf("Product: %s", p.ProductName),
			fmt.Sprintf("New Quantity: %d", p.Quantity),
		}
	case *models.CartCleared:
		n.Recipient = p.Username
		n.Title = "Cart Cleared"
		n.Lines = []string{"Your cart has been cleared."}
	case *models.ProductCreated:
		n.Audience = AudienceAdmin
		n.Title = "New Product Created"
		n.Lines = []string{
			fmt.Sprintf("Product: %s", p.ProductName),
			fmt.Sprintf("Category: %s", p.Category),
		}
		if p.Price != nil {
			n.Lines = append(n.Lines, fmt.Sprintf("Price: $%.2f", *p.Price))
		}
	case *models.ProductUpdated:
		n.Audience = AudienceAdmin
		n.Title = "Product Updated"
		n.Lines = []string{
			fmt.Sprintf("Product: %s (ID: %d)", p.ProductName, p.ProductID),
			"Product details have been updated.",
		}
	case *models.ProductDeleted:
		n.Audience = AudienceAdmin
		n.Title = "Product Deleted"
		n.Lines = []string{
			fmt.Sprintf("Product: %s (ID: %d)", p.ProductName, p.ProductID),
			"Product has been removed from catalog.",
		}
	case *models.ProductStockReduced:
		n.Audience = AudienceAdmin
		n.Title = "Product Stock Reduced"
		n.Lines = []string{
			fmt.Sprintf("Product: %s (ID: %d)", p.ProductName, p.ProductID),
			fmt.Sprintf("Remaining Stock: %d", p.Quantity),
		}
	case *models.CategoryCreated:
		n.Audience = AudienceAdmin
		n.Title = "New Category Created"
		n.Lines = []string{
			fmt.Sprintf("Category: %s (ID: %d)", p.CategoryName, p.CategoryID),
			"New category is now available in the catalog.",
		}
	default:
		return nil, fmt.Errorf("%w: no rendering for %s", models.ErrInvalidPayload, env.EventType)
	}

	return n, nil
}
