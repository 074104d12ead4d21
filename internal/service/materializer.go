package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/pricing"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentDescriptor says how an order was paid. TotalCharged is in the
// event currency and is only set when a real charge happened.
type PaymentDescriptor struct {
	Method              string
	Reference           string
	TotalCharged        decimal.NullDecimal
	PresentmentCurrency string
	ExchangeRate        decimal.NullDecimal
	PlatformFee         decimal.Decimal
}

// OrderPricing is the discount and VAT snapshot computed at quote time, in
// the event currency.
type OrderPricing struct {
	DiscountCode   string
	DiscountAmount decimal.Decimal
	VATAmount      decimal.Decimal
	VATRate        decimal.Decimal
	VATInclusive   bool
}

// MaterializeRequest is one paid (or test) cart to turn into an order.
// SendEmail defaults to true when nil.
type MaterializeRequest struct {
	OrgID     string
	Event     models.Event
	Items     []models.CartLine
	Customer  models.CustomerFields
	Payment   PaymentDescriptor
	Pricing   *OrderPricing
	SendEmail *bool
}

// MaterializeResult is the created order with everything a response needs.
type MaterializeResult struct {
	Order       *models.Order                `json:"order"`
	Tickets     []models.Ticket              `json:"tickets"`
	CustomerID  string                       `json:"customer_id"`
	TicketTypes map[string]models.TicketType `json:"ticket_types"`
}

// MaterializerProperty holds the collaborators of a Materializer.
type MaterializerProperty struct {
	TicketTypes TicketTypeStore
	Customers   CustomerStore
	Orders      OrderStore
	Notifier    Notifier
	Tasks       TaskDispatcher
	Publisher   EventPublisher
	OrderPrefix string
}

// Materializer turns a completed payment into an order, its items and one
// ticket per unit, and is the only writer of ticket_types.sold.
type Materializer struct {
	ticketTypes TicketTypeStore
	customers   CustomerStore
	orders      OrderStore
	notifier    Notifier
	tasks       TaskDispatcher
	publisher   EventPublisher
	orderPrefix string
	logger      *zap.Logger
}

// NewMaterializer creates a new order materializer
func NewMaterializer(p MaterializerProperty) *Materializer {
	prefix := p.OrderPrefix
	if prefix == "" {
		prefix = "ORD"
	}
	return &Materializer{
		ticketTypes: p.TicketTypes,
		customers:   p.Customers,
		orders:      p.Orders,
		notifier:    p.Notifier,
		tasks:       p.Tasks,
		publisher:   p.Publisher,
		orderPrefix: prefix,
		logger:      util.GetLogger(),
	}
}

// CreateOrder persists the order. Failures are *OrderCreationError. Once the
// order row exists a later failure is reported, not rolled back.
func (m *Materializer) CreateOrder(ctx context.Context, req MaterializeRequest) (*MaterializeResult, error) {
	ctx, span := util.StartSpan(ctx, "Materializer.CreateOrder",
		attribute.String("org_id", req.OrgID),
		attribute.String("event_id", req.Event.ID),
		attribute.String("payment_method", req.Payment.Method))
	defer span.End()

	start := time.Now()
	result, oerr := m.createOrder(ctx, req)
	if oerr != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(oerr)).Inc()
		util.RecordError(span, oerr)
		m.logger.Error("Order creation failed",
			zap.String("event_id", req.Event.ID),
			zap.String("payment_ref", req.Payment.Reference),
			zap.Int("status", oerr.Status),
			zap.Error(oerr))
		return nil, oerr
	}

	util.OrderCreationLatency.Observe(time.Since(start).Seconds())
	util.OrdersCreatedTotal.WithLabelValues(req.Payment.Method).Inc()
	util.TicketsIssuedTotal.Add(float64(len(result.Tickets)))
	return result, nil
}

func (m *Materializer) createOrder(ctx context.Context, req MaterializeRequest) (*MaterializeResult, *OrderCreationError) {
	if len(req.Items) == 0 {
		return nil, orderError("No items in order", http.StatusBadRequest, nil)
	}
	email := strings.ToLower(strings.TrimSpace(req.Customer.Email))
	if email == "" {
		return nil, orderError("Customer email is required", http.StatusBadRequest, nil)
	}
	if req.Payment.Method == "" {
		return nil, orderError("Payment method is required", http.StatusBadRequest, nil)
	}

	ids := lo.Uniq(lo.Map(req.Items, func(l models.CartLine, _ int) string { return l.TicketTypeID }))
	fetched, err := m.ticketTypes.FetchTicketTypes(ctx, req.OrgID, ids)
	if err != nil {
		return nil, orderError("Failed to fetch ticket types", http.StatusInternalServerError, err)
	}
	ticketTypes := lo.KeyBy(fetched, func(tt models.TicketType) string { return tt.ID })
	for _, id := range ids {
		if _, ok := ticketTypes[id]; !ok {
			return nil, orderError(fmt.Sprintf("Ticket type %s not found", id), http.StatusBadRequest, nil)
		}
	}

	seq, err := m.orders.NextOrderNumber(ctx, req.OrgID)
	if err != nil {
		return nil, orderError("Failed to generate order number", http.StatusInternalServerError, err)
	}
	orderNumber := fmt.Sprintf("%s-%06d", m.orderPrefix, seq)

	currency := pricing.NormalizeCurrency(req.Event.Currency)
	subtotal := decimal.Zero
	for _, line := range req.Items {
		subtotal = subtotal.Add(ticketTypes[line.TicketTypeID].Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	subtotal = pricing.RoundMoney(subtotal, currency)

	snapshot := OrderPricing{}
	if req.Pricing != nil {
		snapshot = *req.Pricing
	}
	fees := OrderFees(req.Payment.TotalCharged, subtotal)
	total := subtotal.Sub(snapshot.DiscountAmount)
	if !snapshot.VATInclusive {
		total = total.Add(snapshot.VATAmount)
	}
	if req.Payment.TotalCharged.Valid {
		total = req.Payment.TotalCharged.Decimal
	}

	customerFields := req.Customer
	customerFields.Email = email
	customerID, err := m.customers.UpsertCustomer(ctx, req.OrgID, customerFields)
	if err != nil {
		return nil, orderError("Failed to save customer", http.StatusInternalServerError, err)
	}

	order := &models.Order{
		OrgID:          req.OrgID,
		OrderNumber:    orderNumber,
		EventID:        req.Event.ID,
		CustomerID:     customerID,
		Status:         models.OrderStatusCompleted,
		Subtotal:       subtotal,
		Fees:           fees,
		DiscountAmount: snapshot.DiscountAmount,
		VATAmount:      snapshot.VATAmount,
		VATRate:        snapshot.VATRate,
		VATInclusive:   snapshot.VATInclusive,
		Total:          total,
		Currency:       currency,
		ExchangeRate:   req.Payment.ExchangeRate,
		PaymentMethod:  req.Payment.Method,
		PlatformFee:    req.Payment.PlatformFee,
	}
	if snapshot.DiscountCode != "" {
		order.DiscountCode = lo.ToPtr(snapshot.DiscountCode)
	}
	if req.Payment.PresentmentCurrency != "" {
		order.PresentmentCurrency = lo.ToPtr(pricing.NormalizeCurrency(req.Payment.PresentmentCurrency))
	}
	if req.Payment.Reference != "" {
		order.PaymentRef = lo.ToPtr(req.Payment.Reference)
	}

	if err := m.orders.InsertOrder(ctx, order); err != nil {
		return nil, orderError("Failed to create order", http.StatusInternalServerError, err)
	}

	items, tickets := expandLines(order, req.Event.ID, customerFields, req.Items, ticketTypes)
	if err := m.orders.InsertOrderLines(ctx, items, tickets); err != nil {
		m.logger.Error("Order row written but tickets were not",
			zap.String("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
		return nil, orderError("Failed to create tickets", http.StatusInternalServerError, err)
	}

	if err := m.customers.UpdateCustomerStats(ctx, customerID, total); err != nil {
		m.logger.Warn("Failed to update customer stats",
			zap.String("customer_id", customerID),
			zap.String("order_number", orderNumber),
			zap.Error(err))
	}

	for _, line := range req.Items {
		m.incrementSold(ctx, line, orderNumber)
	}

	if req.SendEmail == nil || *req.SendEmail {
		m.sendConfirmation(req, customerFields, order, tickets, ticketTypes)
	}

	m.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("payment_method", order.PaymentMethod),
		zap.Int("tickets", len(tickets)))

	return &MaterializeResult{
		Order:       order,
		Tickets:     tickets,
		CustomerID:  customerID,
		TicketTypes: ticketTypes,
	}, nil
}

// OrderFees is what the buyer paid above the ticket subtotal. Without a real
// charge there are no fees.
func OrderFees(totalCharged decimal.NullDecimal, subtotal decimal.Decimal) decimal.Decimal {
	if !totalCharged.Valid {
		return decimal.Zero
	}
	fees := totalCharged.Decimal.Sub(subtotal)
	if fees.IsNegative() {
		return decimal.Zero
	}
	return fees
}

// expandLines builds one item per cart line and one ticket per unit. Holder
// details are copied from the customer as they are now.
func expandLines(order *models.Order, eventID string, customer models.CustomerFields, lines []models.CartLine, ticketTypes map[string]models.TicketType) ([]models.OrderItem, []models.Ticket) {
	items := make([]models.OrderItem, 0, len(lines))
	tickets := make([]models.Ticket, 0, lo.SumBy(lines, func(l models.CartLine) int { return l.Quantity }))

	for _, line := range lines {
		var size *string
		if line.MerchSize != nil && *line.MerchSize != "" {
			size = lo.ToPtr(*line.MerchSize)
		}

		items = append(items, models.OrderItem{
			ID:           uuid.NewString(),
			OrderID:      order.ID,
			TicketTypeID: line.TicketTypeID,
			Quantity:     line.Quantity,
			UnitPrice:    ticketTypes[line.TicketTypeID].Price,
			MerchSize:    size,
		})

		for i := 0; i < line.Quantity; i++ {
			tickets = append(tickets, models.Ticket{
				ID:              uuid.NewString(),
				OrgID:           order.OrgID,
				OrderID:         order.ID,
				EventID:         eventID,
				TicketTypeID:    line.TicketTypeID,
				TicketCode:      shortuuid.New(),
				HolderFirstName: customer.FirstName,
				HolderLastName:  customer.LastName,
				HolderEmail:     customer.Email,
				MerchSize:       size,
				Status:          models.TicketStatusValid,
			})
		}
	}
	return items, tickets
}

// incrementSold moves the counter after the order is durable. An increment
// that crosses capacity is an oversell incident; the order still stands.
func (m *Materializer) incrementSold(ctx context.Context, line models.CartLine, orderNumber string) {
	sold, capacity, err := m.ticketTypes.IncrementSold(ctx, line.TicketTypeID, line.Quantity)
	if err != nil {
		util.InventoryIncrementFailed.Inc()
		m.logger.Error("Failed to increment sold count",
			zap.String("ticket_type_id", line.TicketTypeID),
			zap.Int("qty", line.Quantity),
			zap.String("order_number", orderNumber),
			zap.Error(err))
		return
	}
	if capacity == nil || sold <= *capacity {
		return
	}

	util.OversellIncidentsTotal.Inc()
	m.logger.Error("Ticket type oversold",
		zap.String("ticket_type_id", line.TicketTypeID),
		zap.String("order_number", orderNumber),
		zap.Int("capacity", *capacity),
		zap.Int("sold", sold))

	if m.publisher == nil || m.tasks == nil {
		return
	}
	event := &models.OversellDetectedEvent{
		TicketTypeID: line.TicketTypeID,
		OrderNumber:  orderNumber,
		Capacity:     *capacity,
		Sold:         sold,
	}
	m.tasks.Dispatch("audit_oversell", func(ctx context.Context) error {
		return m.publisher.PublishOversellDetected(ctx, event)
	})
}

func (m *Materializer) sendConfirmation(req MaterializeRequest, customer models.CustomerFields, order *models.Order, tickets []models.Ticket, ticketTypes map[string]models.TicketType) {
	if m.notifier == nil || m.tasks == nil {
		return
	}

	payload := notify.OrderConfirmation{
		OrgID:       req.OrgID,
		Customer:    customer,
		Event:       req.Event,
		OrderNumber: order.OrderNumber,
		Total:       order.Total,
		Currency:    order.Currency,
		Tickets:     make([]notify.TicketLine, 0, len(tickets)),
	}
	for _, t := range tickets {
		tt := ticketTypes[t.TicketTypeID]
		line := notify.TicketLine{
			Code:           t.TicketCode,
			TicketTypeName: tt.Name,
			HolderName:     strings.TrimSpace(t.HolderFirstName + " " + t.HolderLastName),
		}
		if product := tt.Product(); product != nil {
			line.MerchName = product.Name
		}
		if t.MerchSize != nil {
			line.MerchSize = *t.MerchSize
		}
		payload.Tickets = append(payload.Tickets, line)
	}

	accepted := m.tasks.Dispatch("order_confirmation", func(ctx context.Context) error {
		if err := m.notifier.SendOrderConfirmation(ctx, payload); err != nil {
			util.EmailFailedTotal.Inc()
			return err
		}
		return nil
	})
	if !accepted {
		util.EmailFailedTotal.Inc()
	}
}

func failureReason(err *OrderCreationError) string {
	switch err.Status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "store_error"
	}
}
