package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"checkout-service/internal/models"
	"checkout-service/internal/pricing"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TestOrderRequest creates an order without a gateway charge.
type TestOrderRequest struct {
	EventID   string                `json:"event_id" binding:"required"`
	Items     []models.CartLine     `json:"items" binding:"required,min=1,dive"`
	Customer  models.CustomerFields `json:"customer"`
	SendEmail *bool                 `json:"send_email,omitempty"`
}

// Fulfillment turns payment-succeeded events into orders, once per event.
type Fulfillment struct {
	events       EventStore
	payments     PaymentEventStore
	materializer *Materializer
	publisher    EventPublisher
	logger       *zap.Logger
}

// NewFulfillment creates a new fulfillment handler
func NewFulfillment(
	events EventStore,
	payments PaymentEventStore,
	materializer *Materializer,
	publisher EventPublisher,
) *Fulfillment {
	return &Fulfillment{
		events:       events,
		payments:     payments,
		materializer: materializer,
		publisher:    publisher,
		logger:       util.GetLogger(),
	}
}

// HandlePaymentSucceeded rebuilds the cart from the payment metadata and
// materializes the order. Returning an error leaves the message uncommitted
// so it is redelivered; payloads that can never succeed are marked processed.
func (f *Fulfillment) HandlePaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	ctx, span := util.StartSpan(ctx, "Fulfillment.HandlePaymentSucceeded")
	defer span.End()

	processed, err := f.payments.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		f.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	existing, err := f.payments.GetOrderByPaymentRef(ctx, event.PaymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to look up order by payment: %w", err)
	}
	if existing != nil {
		f.checkExistingOrder(ctx, existing, event.PaymentIntentID)
		return f.markProcessed(ctx, event.EventID)
	}

	meta, err := models.ParsePaymentMetadata(event.Metadata)
	if err != nil {
		f.logger.Error("Unusable payment metadata, skipping",
			zap.String("payment_intent_id", event.PaymentIntentID),
			zap.Error(err))
		return f.markProcessed(ctx, event.EventID)
	}

	ev, err := f.events.GetEvent(ctx, meta.EventID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && ev == nil) {
		f.logger.Error("Paid event no longer exists",
			zap.String("payment_intent_id", event.PaymentIntentID),
			zap.String("event_id", meta.EventID))
		return f.markProcessed(ctx, event.EventID)
	}
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}

	req := MaterializeRequest{
		OrgID:    meta.OrgID,
		Event:    *ev,
		Items:    meta.Items,
		Customer: meta.Customer,
		Payment:  paymentFromMetadata(event, meta, ev.Currency),
		Pricing:  pricingFromMetadata(meta),
	}

	result, err := f.materializer.CreateOrder(ctx, req)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to materialize order for %s: %w", event.PaymentIntentID, err)
	}

	if err := f.markProcessed(ctx, event.EventID); err != nil {
		f.logger.Error("Failed to mark event processed", zap.String("event_id", event.EventID), zap.Error(err))
	}
	f.publishCreated(ctx, result)
	return nil
}

// CreateTestOrder materializes an order with the test payment method. No
// charge exists so fees are zero.
func (f *Fulfillment) CreateTestOrder(ctx context.Context, req *TestOrderRequest) (*MaterializeResult, error) {
	ctx, span := util.StartSpan(ctx, "Fulfillment.CreateTestOrder")
	defer span.End()

	ev, err := f.events.GetEvent(ctx, req.EventID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && ev == nil) {
		return nil, orderError("Event not found", http.StatusNotFound, err)
	}
	if err != nil {
		return nil, orderError("Failed to load event", http.StatusInternalServerError, err)
	}

	result, err := f.materializer.CreateOrder(ctx, MaterializeRequest{
		OrgID:     ev.OrgID,
		Event:     *ev,
		Items:     req.Items,
		Customer:  req.Customer,
		Payment:   PaymentDescriptor{Method: models.PaymentMethodTest},
		SendEmail: req.SendEmail,
	})
	if err != nil {
		return nil, err
	}

	f.publishCreated(ctx, result)
	return result, nil
}

// checkExistingOrder reports an order left without tickets by an earlier
// failed attempt. The order row is never rebuilt here; it needs a manual fix.
func (f *Fulfillment) checkExistingOrder(ctx context.Context, order *models.Order, paymentRef string) {
	count, err := f.payments.CountOrderTickets(ctx, order.ID)
	if err != nil {
		f.logger.Warn("Failed to count tickets of existing order",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return
	}
	if count == 0 {
		util.PartialOrdersTotal.Inc()
		f.logger.Error("Order exists for payment but has no tickets",
			zap.String("payment_intent_id", paymentRef),
			zap.String("order_id", order.ID),
			zap.String("order_number", order.OrderNumber))
		return
	}
	f.logger.Info("Order already exists for payment",
		zap.String("payment_intent_id", paymentRef),
		zap.String("order_number", order.OrderNumber),
		zap.Int("tickets", count))
}

func (f *Fulfillment) markProcessed(ctx context.Context, eventID string) error {
	if err := f.payments.MarkEventProcessed(ctx, eventID, models.EventTypePaymentSucceeded); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func (f *Fulfillment) publishCreated(ctx context.Context, result *MaterializeResult) {
	if f.publisher == nil {
		return
	}
	order := result.Order
	err := f.publisher.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		OrgID:       order.OrgID,
		EventRef:    order.EventID,
		CustomerID:  result.CustomerID,
		Total:       order.Total,
		Currency:    order.Currency,
		TicketCount: len(result.Tickets),
	})
	if err != nil {
		f.logger.Error("Failed to publish OrderCreated event",
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
	}
}

// paymentFromMetadata expresses the charge in the event currency. A
// converted charge is represented by the base total computed at quote time.
func paymentFromMetadata(event *models.PaymentSucceededEvent, meta models.PaymentMetadata, baseCcy string) PaymentDescriptor {
	p := PaymentDescriptor{
		Method:      models.PaymentMethodStripe,
		Reference:   event.PaymentIntentID,
		PlatformFee: meta.PlatformFee,
	}

	if !meta.Converted() {
		p.TotalCharged = decimal.NewNullDecimal(pricing.FromMinorUnits(event.AmountReceived, baseCcy))
		return p
	}

	p.PresentmentCurrency = meta.PresentmentCurrency
	p.ExchangeRate = meta.ExchangeRate
	p.PlatformFee = pricing.RoundMoney(meta.PlatformFee.DivRound(meta.ExchangeRate.Decimal, 8), baseCcy)
	if meta.BaseTotal.Valid {
		p.TotalCharged = meta.BaseTotal
	}
	return p
}

func pricingFromMetadata(meta models.PaymentMetadata) *OrderPricing {
	p := &OrderPricing{
		DiscountCode:   meta.DiscountCode,
		DiscountAmount: meta.DiscountAmount,
		VATAmount:      meta.VATAmount,
		VATRate:        meta.VATRate,
		VATInclusive:   meta.VATInclusive,
	}
	if meta.Converted() {
		if meta.BaseDiscountAmount.Valid {
			p.DiscountAmount = meta.BaseDiscountAmount.Decimal
		}
		if meta.BaseVATAmount.Valid {
			p.VATAmount = meta.BaseVATAmount.Decimal
		}
	}
	return p
}
