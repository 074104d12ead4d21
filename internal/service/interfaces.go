package service

import (
	"context"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/notify"

	"github.com/shopspring/decimal"
)

// EventStore reads event snapshots.
type EventStore interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	GetReleaseGroups(ctx context.Context, eventID string) ([]models.ReleaseGroup, error)
}

// TicketTypeStore reads ticket types and moves the sold counter. IncrementSold
// must be a single atomic increment; it returns the counter after the update.
type TicketTypeStore interface {
	FetchTicketTypes(ctx context.Context, orgID string, ids []string) ([]models.TicketType, error)
	IncrementSold(ctx context.Context, ticketTypeID string, qty int) (int, *int, error)
}

// DiscountStore looks codes up case-insensitively. IncrementUsedCount is
// best-effort and not consistent under concurrency.
type DiscountStore interface {
	FetchDiscount(ctx context.Context, orgID, code string) (*models.DiscountCode, error)
	IncrementUsedCount(ctx context.Context, discountID string) error
}

type CustomerStore interface {
	UpsertCustomer(ctx context.Context, orgID string, fields models.CustomerFields) (string, error)
	UpdateCustomerStats(ctx context.Context, customerID string, orderTotal decimal.Decimal) error
}

type OrderStore interface {
	NextOrderNumber(ctx context.Context, orgID string) (int64, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderLines(ctx context.Context, items []models.OrderItem, tickets []models.Ticket) error
}

// PaymentEventStore backs idempotent fulfillment.
type PaymentEventStore interface {
	GetOrderByPaymentRef(ctx context.Context, paymentRef string) (*models.Order, error)
	CountOrderTickets(ctx context.Context, orderID string) (int, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// AccountStore resolves connected payment accounts. Reads are never cached
// so a revoked account stops receiving charges immediately.
type AccountStore interface {
	GetOrgPaymentAccountID(ctx context.Context, orgID string) (string, error)
	GetPaymentAccount(ctx context.Context, accountID string) (*models.PaymentAccount, error)
}

// SettingsStore is the uncached source behind ConfigProvider.
type SettingsStore interface {
	GetVATSettings(ctx context.Context, orgID string) (*models.VATSettings, error)
	GetFeePlan(ctx context.Context, orgID string) (*models.FeePlan, error)
	GetExchangeRates(ctx context.Context) (*models.ExchangeRates, error)
}

// ConfigProvider serves pricing configuration to the Intent Builder.
type ConfigProvider interface {
	ExchangeRates(ctx context.Context) (*models.ExchangeRates, error)
	VATSettings(ctx context.Context, orgID string) (*models.VATSettings, error)
	FeePlan(ctx context.Context, orgID string) (*models.FeePlan, error)
}

// Cache is a JSON cache with per-key TTL, implemented by redisclient.Client.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error)
}

type Notifier interface {
	SendOrderConfirmation(ctx context.Context, payload notify.OrderConfirmation) error
}

// TaskDispatcher runs fire-and-forget work. Dispatch must not block and must
// not surface task errors; it reports whether the task was accepted.
type TaskDispatcher interface {
	Dispatch(name string, task func(ctx context.Context) error) bool
}

// EventPublisher is implemented by broker.EventPublisher.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishCheckoutBlocked(ctx context.Context, event *models.CheckoutBlockedEvent) error
	PublishOversellDetected(ctx context.Context, event *models.OversellDetectedEvent) error
}
