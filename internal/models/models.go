package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Event is the read-only snapshot of an event the checkout core prices against.
type Event struct {
	ID               string              `db:"id" json:"id"`
	OrgID            string              `db:"org_id" json:"org_id"`
	Name             string              `db:"name" json:"name"`
	Slug             string              `db:"slug" json:"slug"`
	Currency         string              `db:"currency" json:"currency"`
	Status           string              `db:"status" json:"status"`
	VenueName        *string             `db:"venue_name" json:"venue_name,omitempty"`
	DateStart        *time.Time          `db:"date_start" json:"date_start,omitempty"`
	VATRegistered    *bool               `db:"vat_registered" json:"vat_registered,omitempty"`
	VATRate          decimal.NullDecimal `db:"vat_rate" json:"vat_rate"`
	VATPricesInclude *bool               `db:"vat_prices_include" json:"vat_prices_include,omitempty"`
	PaymentAccountID *string             `db:"payment_account_id" json:"payment_account_id,omitempty"`
}

// TicketType is a purchasable ticket (or ticket+merch bundle) of an event.
// Capacity nil means unbounded; Sold only moves through Store.IncrementSold.
type TicketType struct {
	ID            string          `db:"id" json:"id"`
	OrgID         string          `db:"org_id" json:"org_id"`
	EventID       string          `db:"event_id" json:"event_id"`
	Name          string          `db:"name" json:"name"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Capacity      *int            `db:"capacity" json:"capacity,omitempty"`
	Sold          int             `db:"sold" json:"sold"`
	MaxPerOrder   *int            `db:"max_per_order" json:"max_per_order,omitempty"`
	IncludesMerch bool            `db:"includes_merch" json:"includes_merch"`
	SortOrder     int             `db:"sort_order" json:"sort_order"`
	Status        string          `db:"status" json:"status"`
	ProductID     *string         `db:"product_id" json:"product_id,omitempty"`
	ProductName   *string         `db:"product_name" json:"product_name,omitempty"`
	ProductType   *string         `db:"product_type" json:"product_type,omitempty"`
}

// Remaining returns how many units can still be sold, or -1 when unbounded.
func (t TicketType) Remaining() int {
	if t.Capacity == nil {
		return -1
	}
	if left := *t.Capacity - t.Sold; left > 0 {
		return left
	}
	return 0
}

// SoldOut reports whether a capped ticket type has no units left.
func (t TicketType) SoldOut() bool {
	return t.Capacity != nil && t.Sold >= *t.Capacity
}

// Product returns the linked merchandise record, if any.
func (t TicketType) Product() *Product {
	if t.ProductID == nil {
		return nil
	}
	p := &Product{ID: *t.ProductID}
	if t.ProductName != nil {
		p.Name = *t.ProductName
	}
	if t.ProductType != nil {
		p.Type = *t.ProductType
	}
	return p
}

// Product is merchandise linked to a ticket type.
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// CartLine is a client-supplied line; never persisted as is.
type CartLine struct {
	TicketTypeID string  `json:"ticket_type_id" binding:"required" validate:"required"`
	Quantity     int     `json:"qty" binding:"required,min=1" validate:"required,min=1"`
	MerchSize    *string `json:"merch_size,omitempty"`
}

// DiscountCode is an organization-scoped promotion code.
type DiscountCode struct {
	ID                 string              `db:"id" json:"id"`
	OrgID              string              `db:"org_id" json:"org_id"`
	Code               string              `db:"code" json:"code"`
	Type               string              `db:"type" json:"type"`
	Value              decimal.Decimal     `db:"value" json:"value"`
	StartsAt           *time.Time          `db:"starts_at" json:"starts_at,omitempty"`
	ExpiresAt          *time.Time          `db:"expires_at" json:"expires_at,omitempty"`
	MaxUses            *int                `db:"max_uses" json:"max_uses,omitempty"`
	UsedCount          int                 `db:"used_count" json:"used_count"`
	MinOrderAmount     decimal.NullDecimal `db:"min_order_amount" json:"min_order_amount"`
	ApplicableEventIDs pq.StringArray      `db:"applicable_event_ids" json:"applicable_event_ids,omitempty"`
	Status             string              `db:"status" json:"status"`
}

// Customer is identified by (org_id, lower(email)).
type Customer struct {
	ID          string          `db:"id" json:"id"`
	OrgID       string          `db:"org_id" json:"org_id"`
	Email       string          `db:"email" json:"email"`
	FirstName   string          `db:"first_name" json:"first_name"`
	LastName    string          `db:"last_name" json:"last_name"`
	Phone       *string         `db:"phone" json:"phone,omitempty"`
	TotalOrders int             `db:"total_orders" json:"total_orders"`
	TotalSpent  decimal.Decimal `db:"total_spent" json:"total_spent"`
	LastOrderAt *time.Time      `db:"last_order_at" json:"last_order_at,omitempty"`
}

// CustomerFields are the buyer details captured at checkout.
type CustomerFields struct {
	Email     string  `json:"email" binding:"required,email" validate:"required,email"`
	FirstName string  `json:"first_name" binding:"required" validate:"required"`
	LastName  string  `json:"last_name" binding:"required" validate:"required"`
	Phone     *string `json:"phone,omitempty"`
}

// Order is created exactly once per successful checkout.
type Order struct {
	ID                  string              `db:"id" json:"id"`
	OrgID               string              `db:"org_id" json:"org_id"`
	OrderNumber         string              `db:"order_number" json:"order_number"`
	EventID             string              `db:"event_id" json:"event_id"`
	CustomerID          string              `db:"customer_id" json:"customer_id"`
	Status              string              `db:"status" json:"status"`
	Subtotal            decimal.Decimal     `db:"subtotal" json:"subtotal"`
	Fees                decimal.Decimal     `db:"fees" json:"fees"`
	DiscountCode        *string             `db:"discount_code" json:"discount_code,omitempty"`
	DiscountAmount      decimal.Decimal     `db:"discount_amount" json:"discount_amount"`
	VATAmount           decimal.Decimal     `db:"vat_amount" json:"vat_amount"`
	VATRate             decimal.Decimal     `db:"vat_rate" json:"vat_rate"`
	VATInclusive        bool                `db:"vat_inclusive" json:"vat_inclusive"`
	Total               decimal.Decimal     `db:"total" json:"total"`
	Currency            string              `db:"currency" json:"currency"`
	PresentmentCurrency *string             `db:"presentment_currency" json:"presentment_currency,omitempty"`
	ExchangeRate        decimal.NullDecimal `db:"exchange_rate" json:"exchange_rate"`
	PaymentMethod       string              `db:"payment_method" json:"payment_method"`
	PaymentRef          *string             `db:"payment_ref" json:"payment_ref,omitempty"`
	PlatformFee         decimal.Decimal     `db:"platform_fee" json:"platform_fee"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
}

// OrderItem is one row per distinct cart line.
type OrderItem struct {
	ID           string          `db:"id" json:"id"`
	OrderID      string          `db:"order_id" json:"order_id"`
	TicketTypeID string          `db:"ticket_type_id" json:"ticket_type_id"`
	Quantity     int             `db:"qty" json:"qty"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	MerchSize    *string         `db:"merch_size" json:"merch_size,omitempty"`
}

// Ticket is one row per purchased unit. Holder fields are a copy taken at
// purchase time and do not follow later customer edits.
type Ticket struct {
	ID              string    `db:"id" json:"id"`
	OrgID           string    `db:"org_id" json:"org_id"`
	OrderID         string    `db:"order_id" json:"order_id"`
	EventID         string    `db:"event_id" json:"event_id"`
	TicketTypeID    string    `db:"ticket_type_id" json:"ticket_type_id"`
	TicketCode      string    `db:"ticket_code" json:"ticket_code"`
	HolderFirstName string    `db:"holder_first_name" json:"holder_first_name"`
	HolderLastName  string    `db:"holder_last_name" json:"holder_last_name"`
	HolderEmail     string    `db:"holder_email" json:"holder_email"`
	MerchSize       *string   `db:"merch_size" json:"merch_size,omitempty"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// VATSettings is the organization-level VAT configuration.
type VATSettings struct {
	OrgID            string          `db:"org_id" json:"org_id"`
	Registered       bool            `db:"vat_registered" json:"vat_registered"`
	Rate             decimal.Decimal `db:"vat_rate" json:"vat_rate"`
	PricesIncludeVAT bool            `db:"prices_include_vat" json:"prices_include_vat"`
}

// FeePlan is the platform billing plan of an organization.
type FeePlan struct {
	OrgID      string          `db:"org_id" json:"org_id"`
	PlanID     string          `db:"plan_id" json:"plan_id"`
	FeePercent decimal.Decimal `db:"fee_percent" json:"fee_percent"`
	MinFee     decimal.Decimal `db:"min_fee" json:"min_fee"`
}

// PaymentAccount is a connected gateway sub-account.
type PaymentAccount struct {
	AccountID      string `db:"account_id" json:"account_id"`
	OrgID          string `db:"org_id" json:"org_id"`
	ChargesEnabled bool   `db:"charges_enabled" json:"charges_enabled"`
	Status         string `db:"status" json:"status"`
}

// Usable reports whether charges can be routed to the account.
func (a *PaymentAccount) Usable() bool {
	return a != nil && a.AccountID != "" && a.ChargesEnabled && a.Status != PaymentAccountRevoked
}

// ExchangeRates is the cached FX payload; Rates are units of currency per
// one unit of Base.
type ExchangeRates struct {
	Base      string                     `json:"base"`
	FetchedAt time.Time                  `json:"fetched_at"`
	Rates     map[string]decimal.Decimal `json:"rates"`
}

// ReleaseGroup orders ticket types that go on sale one after another.
type ReleaseGroup struct {
	Name          string   `json:"name"`
	Mode          string   `json:"mode"`
	TicketTypeIDs []string `json:"ticket_type_ids"`
}

// Discount types
const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// Record statuses
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDisabled = "disabled"
	StatusLive     = "live"
)

// Order and ticket statuses
const (
	OrderStatusCompleted = "completed"
	TicketStatusValid    = "valid"
)

// Payment methods
const (
	PaymentMethodStripe = "stripe"
	PaymentMethodTest   = "test"
)

// Release modes
const (
	ReleaseModeSequential = "sequential"
	ReleaseModeParallel   = "parallel"
)

const PaymentAccountRevoked = "revoked"
