package service

import (
	"context"
	"sync"
	"testing"

	"ecom-events/internal/consumer"
	"ecom-events/internal/models"
	"ecom-events/internal/store"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderConsumer(h *harness) *consumer.IdempotentConsumer {
	c := h.consumer(orderGroup)
	NewOrderSaga().Register(c)
	return c
}

func paymentEnv(username string, productID int64, quantity int, amount int64) *models.Envelope {
	return models.NewEnvelope(&models.PaymentSuccess{
		Username:        username,
		ProductID:       productID,
		Quantity:        quantity,
		AmountPaid:      amount,
		Currency:        "usd",
		PaymentIntentID: "pi_test",
	})
}

func TestSagaCreatesConfirmedOrder(t *testing.T) {
	h := newHarness(t)
	c := orderConsumer(h)
	env := paymentEnv("alice", 42, 2, 2999)

	assert.Equal(t, consumer.OutcomeProcessed, deliver(t, c, env))

	orders := h.repo.Orders()
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, "alice", o.Username)
	assert.Equal(t, int64(42), o.ProductID)
	assert.Equal(t, 2, o.Quantity)
	assert.Equal(t, 29.99, o.TotalPrice)
	assert.Equal(t, models.OrderStatusConfirmed, o.OrderStatus)
	assert.Equal(t, models.ShippingStatusPending, o.ShippingStatus)
	require.NotNil(t, o.SourceEventID)
	assert.Equal(t, env.EventID, *o.SourceEventID)

	placed := h.recorder.Envelopes(models.EventTypeOrderPlaced)
	require.Len(t, placed, 1)
	snapshot := placed[0].Payload.(*models.OrderPlaced)
	assert.Equal(t, o.ID, snapshot.OrderID)
	assert.Equal(t, 29.99, snapshot.TotalPrice)
	assert.Equal(t, models.OrderStatusConfirmed, snapshot.OrderStatus)
}

func TestSagaDuplicateDeliveryCreatesOneOrder(t *testing.T) {
	h := newHarness(t)
	c := orderConsumer(h)
	env := paymentEnv("alice", 42, 2, 2999)

	assert.Equal(t, consumer.OutcomeProcessed, deliver(t, c, env))
	assert.Equal(t, consumer.OutcomeSkipped, deliver(t, c, env))

	assert.Len(t, h.repo.Orders(), 1)
	assert.Len(t, h.recorder.Topic("ORDER_PLACED"), 1)
}

func TestSagaConcurrentDuplicatesCreateOneOrder(t *testing.T) {
	h := newHarness(t)
	c := orderConsumer(h)
	msg := messageOf(t, paymentEnv("alice", 42, 2, 2999))

	var wg sync.WaitGroup
	outcomes := make([]consumer.Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int, msg kafka.Message) {
			defer wg.Done()
			outcomes[i], _ = c.Deliver(context.Background(), msg)
		}(i, msg)
	}
	wg.Wait()

	processed := 0
	for _, out := range outcomes {
		if out == consumer.OutcomeProcessed {
			processed++
		} else {
			assert.Equal(t, consumer.OutcomeSkipped, out)
		}
	}
	assert.Equal(t, 1, processed)
	assert.Len(t, h.repo.Orders(), 1)
}

func TestSagaDistinctEventsCreateDistinctOrders(t *testing.T) {
	h := newHarness(t)
	c := orderConsumer(h)

	deliver(t, c, paymentEnv("alice", 42, 1, 1000))
	deliver(t, c, paymentEnv("alice", 42, 1, 1000))

	assert.Len(t, h.repo.Orders(), 2)
}

func TestSagaPreexistingOrderIsSkippedByGuard(t *testing.T) {
	h := newHarness(t)
	env := paymentEnv("alice", 42, 1, 1000)
	source := env.EventID
	require.NoError(t, h.repo.RunInTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateOrder(context.Background(), &models.Order{
			Username: "alice", ProductID: 42, Quantity: 1, TotalPrice: 10,
			OrderStatus: models.OrderStatusConfirmed, ShippingStatus: models.ShippingStatusPending,
			SourceEventID: &source,
		})
	}))

	c := orderConsumer(h)
	assert.Equal(t, consumer.OutcomeSkipped, deliver(t, c, env))
	assert.Len(t, h.repo.Orders(), 1)
	assert.Empty(t, h.recorder.Topic("ORDER_PLACED"))
}

func TestSagaPayloadDefaultsAndValidation(t *testing.T) {
	h := newHarness(t)
	c := orderConsumer(h)

	assert.Equal(t, consumer.OutcomeProcessed, deliver(t, c, paymentEnv("bob", 7, 0, 500)))
	orders := h.repo.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, 1, orders[0].Quantity, "missing quantity defaults to 1")
	assert.Equal(t, 5.0, orders[0].TotalPrice)

	assert.Equal(t, consumer.OutcomeDropped, deliver(t, c, paymentEnv("", 7, 1, 500)))
	assert.Equal(t, consumer.OutcomeDropped, deliver(t, c, paymentEnv("bob", 0, 1, 500)))
	assert.Equal(t, consumer.OutcomeDropped, deliver(t, c, paymentEnv("bob", 7, 1, 0)))
	assert.Equal(t, consumer.OutcomeDropped, deliver(t, c, paymentEnv("bob", 7, 1, -250)))
	assert.Len(t, h.repo.Orders(), 1)
	assert.Len(t, h.recorder.Topic("DEAD_LETTER"), 4)
}
