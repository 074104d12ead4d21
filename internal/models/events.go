package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypePaymentSucceeded = "PAYMENT_SUCCEEDED"
	EventTypeCheckoutBlocked  = "CHECKOUT_BLOCKED"
	EventTypeOversellDetected = "OVERSELL_DETECTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published once an order and its tickets exist
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	OrgID       string          `json:"org_id"`
	EventRef    string          `json:"event_ref"`
	CustomerID  string          `json:"customer_id"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	TicketCount int             `json:"ticket_count"`
}

// PaymentSucceededEvent is forwarded by the webhook layer when the gateway
// reports a completed charge.
type PaymentSucceededEvent struct {
	BaseEvent
	PaymentIntentID string            `json:"payment_intent_id"`
	AmountReceived  int64             `json:"amount_received"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata"`
}

// CheckoutBlockedEvent is the audit record of a request refused upstream
// of the Intent Builder (rate limit).
type CheckoutBlockedEvent struct {
	BaseEvent
	ClientIP string `json:"client_ip"`
	Path     string `json:"path"`
	Reason   string `json:"reason"`
}

// OversellDetectedEvent is raised when an atomic sold increment crosses
// capacity at fulfillment time.
type OversellDetectedEvent struct {
	BaseEvent
	TicketTypeID string `json:"ticket_type_id"`
	OrderNumber  string `json:"order_number"`
	Capacity     int    `json:"capacity"`
	Sold         int    `json:"sold"`
}
