package service

import (
	"context"
	"testing"

	"ecom-events/internal/consumer"
	"ecom-events/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Payment -> order -> inventory -> notification, every hop through the recorder.
func TestPaymentToLowStockChoreography(t *testing.T) {
	h := newHarness(t)
	h.seed(t, models.Product{ID: 42, Name: "Widget", Quantity: 3, Price: 14.99, Category: "tools"})

	orders := h.consumer(orderGroup)
	NewOrderSaga().Register(orders)
	inventory := h.consumer(inventoryGroup)
	h.inventory(5, AlertModeEvery).Register(inventory)
	notifications := h.consumer(notificationGroup)
	notifier := NewNotificationService(h.redis, 50)
	notifier.Register(notifications)

	_, err := NewPaymentService(nil, h.publisher).ProcessPayment(context.Background(), "alice",
		&PaymentRequest{ProductID: 42, Quantity: 2, Amount: 2999})
	require.NoError(t, err)

	// redelivery of the payment must not create a second order
	assert.Equal(t, []consumer.Outcome{consumer.OutcomeProcessed}, h.pump(t, orders, models.EventTypePaymentSuccess))
	assert.Equal(t, []consumer.Outcome{consumer.OutcomeSkipped}, h.pump(t, orders, models.EventTypePaymentSuccess))

	stored := h.repo.Orders()
	require.Len(t, stored, 1)
	assert.Equal(t, 29.99, stored[0].TotalPrice)
	assert.Equal(t, models.OrderStatusConfirmed, stored[0].OrderStatus)
	assert.Equal(t, models.ShippingStatusPending, stored[0].ShippingStatus)

	placed := h.recorder.Envelopes(models.EventTypeOrderPlaced)
	require.Len(t, placed, 1)

	assert.Equal(t, []consumer.Outcome{consumer.OutcomeProcessed}, h.pump(t, inventory, models.EventTypeOrderPlaced))
	assert.Equal(t, 1, h.stock(t, 42))

	alerts := h.recorder.Envelopes(models.EventTypeLowStockAlert)
	require.Len(t, alerts, 1)
	alert := alerts[0].Payload.(*models.LowStockAlert)
	assert.Equal(t, int64(42), alert.ProductID)
	assert.Equal(t, 1, alert.CurrentStock)
	assert.Equal(t, 5, alert.Threshold)

	for _, typ := range []models.EventType{
		models.EventTypePaymentSuccess,
		models.EventTypeOrderPlaced,
		models.EventTypeProductStockReduced,
		models.EventTypeLowStockAlert,
	} {
		for _, out := range h.pump(t, notifications, typ) {
			assert.Equal(t, consumer.OutcomeProcessed, out, typ)
		}
	}

	recent, err := notifier.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, "Low Stock Alert", recent[0].Title)

	assert.Empty(t, h.recorder.Topic("DEAD_LETTER"))
}
