package worker

import (
	"context"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consuming side of a topic.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PaymentHandler materializes the order for a succeeded payment.
type PaymentHandler interface {
	HandlePaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
}

// FulfillmentWorker consumes payment events and turns them into orders
type FulfillmentWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewFulfillmentWorker creates a new fulfillment worker
func NewFulfillmentWorker(source MessageSource, payments PaymentHandler) *FulfillmentWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentSucceeded(payments.HandlePaymentSucceeded)

	return &FulfillmentWorker{
		source:       source,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start blocks until ctx is cancelled or the source fails
func (w *FulfillmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting fulfillment worker...")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *FulfillmentWorker) Stop() error {
	w.logger.Info("Stopping fulfillment worker...")
	return w.source.Close()
}
