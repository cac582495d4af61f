package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ecom-events/internal/broker"
	"ecom-events/internal/broker/brokertest"
	"ecom-events/internal/consumer"
	"ecom-events/internal/models"
	"ecom-events/internal/redisclient"
	"ecom-events/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	orderGroup        = "order-service-group"
	inventoryGroup    = "inventory-service-group"
	notificationGroup = "notification-service-group"
)

var testRetry = broker.RetryPolicy{
	MaxRetries:      1,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
}

// harness wires services against in-memory infrastructure
type harness struct {
	repo      *storetest.Memory
	recorder  *brokertest.Recorder
	publisher *broker.EventPublisher
	redis     *redisclient.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rec := brokertest.NewRecorder()
	return &harness{
		repo:      storetest.NewMemory(),
		recorder:  rec,
		publisher: broker.NewEventPublisher(rec, "DEAD_LETTER", testRetry),
		redis:     redisclient.New(rdb, time.Hour),
	}
}

func (h *harness) consumer(group string) *consumer.IdempotentConsumer {
	return consumer.New(consumer.Config{Group: group, Retry: testRetry}, h.repo, h.publisher,
		consumer.WithLogger(zap.NewNop()))
}

func (h *harness) inventory(threshold int, mode string) *InventoryService {
	return NewInventoryService(h.repo, h.redis, h.publisher, InventoryConfig{
		LowStockThreshold: threshold,
		AlertMode:         mode,
	})
}

func (h *harness) seed(t *testing.T, p models.Product) {
	t.Helper()
	h.repo.SeedProduct(p)
	stored, err := h.repo.GetProductByID(context.Background(), p.ID)
	require.NoError(t, err)
	_, err = h.redis.UpsertProduct(context.Background(), stored)
	require.NoError(t, err)
}

func (h *harness) stock(t *testing.T, productID int64) int {
	t.Helper()
	p, err := h.repo.GetProductByID(context.Background(), productID)
	require.NoError(t, err)
	return p.Quantity
}

func messageOf(t *testing.T, env *models.Envelope) kafka.Message {
	t.Helper()
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: env.EventType.Topic(), Key: []byte(env.Key()), Value: value}
}

func deliver(t *testing.T, c *consumer.IdempotentConsumer, env *models.Envelope) consumer.Outcome {
	t.Helper()
	out, err := c.Deliver(context.Background(), messageOf(t, env))
	require.NoError(t, err)
	return out
}

// pump delivers every recorded message of one event type to c
func (h *harness) pump(t *testing.T, c *consumer.IdempotentConsumer, typ models.EventType) []consumer.Outcome {
	t.Helper()
	var outcomes []consumer.Outcome
	for _, msg := range h.recorder.Topic(typ.Topic()) {
		out, err := c.Deliver(context.Background(), msg)
		require.NoError(t, err)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func orderPlacedEnv(orderID, productID int64, quantity int) *models.Envelope {
	return models.NewEnvelope(&models.OrderPlaced{OrderSnapshot: models.OrderSnapshot{
		OrderID:        orderID,
		Username:       "alice",
		ProductID:      productID,
		Quantity:       quantity,
		OrderStatus:    models.OrderStatusConfirmed,
		ShippingStatus: models.ShippingStatusPending,
	}})
}
