package pricing

import (
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Discount rejection reasons
const (
	DiscountReasonNotFound     = "discount_not_found"
	DiscountReasonNotStarted   = "discount_not_started"
	DiscountReasonExpired      = "discount_expired"
	DiscountReasonExhausted    = "discount_exhausted"
	DiscountReasonWrongEvent   = "discount_not_applicable"
	DiscountReasonMinimumSpend = "discount_minimum_not_met"
)

// DiscountError is a customer-facing discount rejection.
type DiscountError struct {
	Reason  string
	Message string
}

func (e *DiscountError) Error() string {
	return e.Message
}

// DiscountCheck is the context a discount code is validated against.
type DiscountCheck struct {
	EventID  string
	Subtotal decimal.Decimal
	Currency string
	Now      time.Time
}

// ValidateDiscount applies the checks in a fixed order: validity window,
// usage cap, event allow-list, minimum order amount. The first failure wins.
func ValidateDiscount(d *models.DiscountCode, check DiscountCheck) error {
	if d == nil {
		return &DiscountError{Reason: DiscountReasonNotFound, Message: "Invalid discount code"}
	}

	if d.StartsAt != nil && check.Now.Before(*d.StartsAt) {
		return &DiscountError{Reason: DiscountReasonNotStarted, Message: "This discount code is not active yet"}
	}
	if d.ExpiresAt != nil && check.Now.After(*d.ExpiresAt) {
		return &DiscountError{Reason: DiscountReasonExpired, Message: "This discount code has expired"}
	}

	if d.MaxUses != nil && d.UsedCount >= *d.MaxUses {
		return &DiscountError{Reason: DiscountReasonExhausted, Message: "This discount code has reached its usage limit"}
	}

	if len(d.ApplicableEventIDs) > 0 && !lo.Contains([]string(d.ApplicableEventIDs), check.EventID) {
		return &DiscountError{Reason: DiscountReasonWrongEvent, Message: "This discount code is not valid for this event"}
	}

	if d.MinOrderAmount.Valid && d.MinOrderAmount.Decimal.IsPositive() && check.Subtotal.LessThan(d.MinOrderAmount.Decimal) {
		return &DiscountError{
			Reason:  DiscountReasonMinimumSpend,
			Message: fmt.Sprintf("Minimum order of %s required for this discount code", FormatAmount(d.MinOrderAmount.Decimal, check.Currency)),
		}
	}

	return nil
}

// DiscountAmount returns the reduction for a subtotal, always within
// [0, subtotal]. Percentages round to the currency's smallest unit; fixed
// amounts are min(value, subtotal).
func DiscountAmount(subtotal decimal.Decimal, d *models.DiscountCode, ccy string) decimal.Decimal {
	if d == nil || !subtotal.IsPositive() || !d.Value.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch d.Type {
	case models.DiscountTypePercentage:
		amount = RoundMoney(subtotal.Mul(d.Value).Div(hundred), ccy)
	case models.DiscountTypeFixed:
		amount = RoundMoney(d.Value, ccy)
	default:
		return decimal.Zero
	}

	return decimal.Min(amount, subtotal)
}
