package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"checkout-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	keys   []string
	events []interface{}
}

func (w *recordingWriter) PublishEvent(_ context.Context, key string, event interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, key)
	w.events = append(w.events, event)
	return nil
}

func TestPublishersRouteToTopics(t *testing.T) {
	orders, audit := &recordingWriter{}, &recordingWriter{}
	ep := NewEventPublisher(orders, audit)
	ctx := context.Background()

	require.NoError(t, ep.PublishOrderCreated(ctx, &models.OrderCreatedEvent{OrderID: "ord-1"}))
	require.NoError(t, ep.PublishOversellDetected(ctx, &models.OversellDetectedEvent{TicketTypeID: "tt-a"}))
	require.NoError(t, ep.PublishCheckoutBlocked(ctx, &models.CheckoutBlockedEvent{ClientIP: "10.0.0.1"}))

	assert.Equal(t, []string{"order-ord-1"}, orders.keys)
	assert.Equal(t, []string{"ticket-type-tt-a", "ip-10.0.0.1"}, audit.keys)

	created := orders.events[0].(*models.OrderCreatedEvent)
	assert.Equal(t, models.EventTypeOrderCreated, created.EventType)
	assert.NotEmpty(t, created.EventID)
	assert.False(t, created.Timestamp.IsZero())
}

func TestHandleMessageRoutesPaymentSucceeded(t *testing.T) {
	eh := NewEventHandler()

	var got *models.PaymentSucceededEvent
	eh.OnPaymentSucceeded(func(_ context.Context, e *models.PaymentSucceededEvent) error {
		got = e
		return nil
	})

	msg := kafka.Message{Value: []byte(`{
		"event_id": "evt-1",
		"event_type": "PAYMENT_SUCCEEDED",
		"payment_intent_id": "pi_123",
		"amount_received": 9550,
		"currency": "gbp",
		"metadata": {"event_id": "event-1"}
	}`)}

	require.NoError(t, eh.HandleMessage(context.Background(), msg))
	require.NotNil(t, got)
	assert.Equal(t, "pi_123", got.PaymentIntentID)
	assert.Equal(t, int64(9550), got.AmountReceived)
	assert.Equal(t, "event-1", got.Metadata["event_id"])
}

func TestHandleMessagePropagatesHandlerError(t *testing.T) {
	eh := NewEventHandler()
	eh.OnPaymentSucceeded(func(context.Context, *models.PaymentSucceededEvent) error {
		return errors.New("store down")
	})

	err := eh.HandleMessage(context.Background(), kafka.Message{
		Value: []byte(`{"event_id":"evt-1","event_type":"PAYMENT_SUCCEEDED"}`),
	})
	assert.EqualError(t, err, "store down")
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	eh := NewEventHandler()
	err := eh.HandleMessage(context.Background(), kafka.Message{
		Value: []byte(`{"event_id":"evt-1","event_type":"ORDER_CREATED"}`),
	})
	assert.NoError(t, err)

	err = eh.HandleMessage(context.Background(), kafka.Message{Value: []byte(`not json`)})
	assert.NoError(t, err, "an undecodable message must not block the partition")
}
