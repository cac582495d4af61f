package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ecom-events/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/upsert_product.lua
var upsertProductScript string

type Client struct {
	rdb          *redis.Client
	upsertScript *redis.Script
	ledgerTTL    time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, ledgerTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(rdb, ledgerTTL), nil
}

// New wraps an existing redis client
func New(rdb *redis.Client, ledgerTTL time.Duration) *Client {
	if ledgerTTL <= 0 {
		ledgerTTL = 24 * time.Hour
	}
	return &Client{
		rdb:          rdb,
		upsertScript: redis.NewScript(upsertProductScript),
		ledgerTTL:    ledgerTTL,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection, used by the readiness check
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func productKey(id int64) string {
	return fmt.Sprintf("inventory:%d", id)
}

// UpsertProduct mirrors a product projection. Older projections never
// overwrite newer ones; the result reports whether the write happened.
func (c *Client) UpsertProduct(ctx context.Context, p *models.Product) (bool, error) {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	result, err := c.upsertScript.Run(ctx, c.rdb, []string{productKey(p.ID)},
		updatedAt.UnixMicro(),
		p.Name,
		p.Quantity,
		strconv.FormatFloat(p.Price, 'f', 2, 64),
		p.Category,
	).Result()
	if err != nil {
		return false, fmt.Errorf("upsert product script failed: %w", err)
	}

	written, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return written == 1, nil
}

// GetProduct reads a mirrored product projection
func (c *Client) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	result, err := c.rdb.HGetAll(ctx, productKey(productID)).Result()
	if err != nil {
		return nil, err
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
	}

	quantity, _ := strconv.Atoi(result["quantity"])
	price, _ := strconv.ParseFloat(result["price"], 64)
	micros, _ := strconv.ParseInt(result["updated_at"], 10, 64)

	return &models.Product{
		ID:        productID,
		Name:      result["name"],
		Quantity:  quantity,
		Price:     price,
		Category:  result["category"],
		UpdatedAt: time.UnixMicro(micros).UTC(),
	}, nil
}

func ledgerKey(group, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", group, eventID)
}

// IsProcessed reports whether the ledger cache has seen eventID for group.
// The database ledger stays authoritative; a miss proves nothing.
func (c *Client) IsProcessed(ctx context.Context, group, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, ledgerKey(group, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed caches a committed ledger row
func (c *Client) MarkProcessed(ctx context.Context, group, eventID string) error {
	return c.rdb.SetNX(ctx, ledgerKey(group, eventID), "1", c.ledgerTTL).Err()
}

const recentNotificationsKey = "notifications:recent"

// PushNotification prepends a rendered notification and keeps the list capped
func (c *Client) PushNotification(ctx context.Context, data []byte, limit int) error {
	if limit <= 0 {
		limit = 100
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, recentNotificationsKey, data)
	pipe.LTrim(ctx, recentNotificationsKey, 0, int64(limit-1))
	_, err := pipe.Exec(ctx)
	return err
}

// RecentNotifications returns up to limit notifications, newest first
func (c *Client) RecentNotifications(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	items, err := c.rdb.LRange(ctx, recentNotificationsKey, 0, int64(limit-1)).Result()
	if errors.Is(err, redis.Nil) {
		return []string{}, nil
	}
	return items, err
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
