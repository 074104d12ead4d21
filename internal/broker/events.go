package broker

import (
	"context"
	"encoding/json"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the part of Producer the publisher needs.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events. Order lifecycle events go
// to the order topic, incidents and blocked requests to the audit topic.
type EventPublisher struct {
	orders EventWriter
	audit  EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, audit EventWriter) *EventPublisher {
	return &EventPublisher{orders: orders, audit: audit}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeOrderCreated)
	return ep.orders.PublishEvent(ctx, "order-"+event.OrderID, event)
}

// PublishCheckoutBlocked publishes CheckoutBlocked event
func (ep *EventPublisher) PublishCheckoutBlocked(ctx context.Context, event *models.CheckoutBlockedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeCheckoutBlocked)
	return ep.audit.PublishEvent(ctx, "ip-"+event.ClientIP, event)
}

// PublishOversellDetected publishes OversellDetected event
func (ep *EventPublisher) PublishOversellDetected(ctx context.Context, event *models.OversellDetectedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeOversellDetected)
	return ep.audit.PublishEvent(ctx, "ticket-type-"+event.TicketTypeID, event)
}

func stamp(base *models.BaseEvent, eventType string) {
	if base.EventID == "" {
		base.EventID = uuid.New().String()
	}
	if base.Timestamp.IsZero() {
		base.Timestamp = time.Now()
	}
	base.EventType = eventType
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentSucceeded func(context.Context, *models.PaymentSucceededEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentSucceeded registers a handler for PaymentSucceeded events
func (eh *EventHandler) OnPaymentSucceeded(handler func(context.Context, *models.PaymentSucceededEvent) error) {
	eh.onPaymentSucceeded = handler
}

// HandleMessage routes messages to appropriate handlers. Undecodable
// messages are logged and dropped since redelivering them cannot help.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping undecodable message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentSucceeded:
		if eh.onPaymentSucceeded != nil {
			var event models.PaymentSucceededEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Dropping undecodable payment event",
					zap.String("event_id", baseEvent.EventID),
					zap.Error(err))
				return nil
			}
			return eh.onPaymentSucceeded(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
