package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ecom-events/internal/broker"
	"ecom-events/internal/broker/brokertest"
	"ecom-events/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = broker.RetryPolicy{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func TestPublishWritesToEventTypeTopic(t *testing.T) {
	rec := brokertest.NewRecorder()
	pub := broker.NewEventPublisher(rec, "DEAD_LETTER", fastRetry)

	id, err := pub.Publish(context.Background(), &models.LowStockAlert{
		ProductID:    42,
		ProductName:  "Widget",
		CurrentStock: 4,
		Threshold:    5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := rec.Topic("LOW_STOCK_ALERT")
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", string(msgs[0].Key))
	assert.Equal(t, "LOW_STOCK_ALERT", brokertest.Header(msgs[0], broker.HeaderEventType))

	envs := rec.Envelopes(models.EventTypeLowStockAlert)
	require.Len(t, envs, 1)
	assert.Equal(t, id, envs[0].EventID)
}

func TestPublishEnvelopeRetriesWithSameEventID(t *testing.T) {
	rec := brokertest.NewRecorder()
	rec.FailNext(errors.New("leader not available"), errors.New("leader not available"))
	pub := broker.NewEventPublisher(rec, "DEAD_LETTER", fastRetry)

	env := models.NewEnvelope(&models.PaymentSuccess{Username: "alice", PaymentIntentID: "pi_1"})
	require.NoError(t, pub.PublishEnvelope(context.Background(), env))

	envs := rec.Envelopes(models.EventTypePaymentSuccess)
	require.Len(t, envs, 1)
	assert.Equal(t, env.EventID, envs[0].EventID)
}

func TestPublishEnvelopeGivesUp(t *testing.T) {
	rec := brokertest.NewRecorder()
	boom := errors.New("broker down")
	rec.FailNext(boom, boom, boom, boom)
	pub := broker.NewEventPublisher(rec, "DEAD_LETTER", fastRetry)

	_, err := pub.Publish(context.Background(), &models.CategoryCreated{CategoryID: 1, CategoryName: "Books"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.Messages())
}

func TestPublishDeadLetterHeaders(t *testing.T) {
	rec := brokertest.NewRecorder()
	pub := broker.NewEventPublisher(rec, "DEAD_LETTER", fastRetry)

	err := pub.PublishDeadLetter(context.Background(), broker.DeadLetter{
		ConsumerGroup: "inventory-service-group",
		SourceTopic:   "ORDER_PLACED",
		Key:           []byte("7"),
		Value:         []byte(`{"eventId":"e1"}`),
		EventType:     "ORDER_PLACED",
		Err:           models.ErrInsufficientStock,
		Attempts:      1,
	})
	require.NoError(t, err)

	msgs := rec.Topic("DEAD_LETTER")
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, `{"eventId":"e1"}`, string(m.Value))
	assert.Equal(t, "inventory-service-group", brokertest.Header(m, broker.HeaderConsumerGroup))
	assert.Equal(t, "ORDER_PLACED", brokertest.Header(m, broker.HeaderSourceTopic))
	assert.Equal(t, "1", brokertest.Header(m, broker.HeaderAttempts))
	assert.Contains(t, brokertest.Header(m, broker.HeaderError), "insufficient stock")
}
