package pricing

import (
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultRateMaxAge is how old an FX payload may be and still price a
// checkout.
const DefaultRateMaxAge = 24 * time.Hour

// clock skew tolerated for payloads stamped slightly in the future
const rateFutureSkew = 5 * time.Minute

// RatesFreshForCheckout reports whether a rate payload fetched at fetchedAt
// may be used at now.
func RatesFreshForCheckout(fetchedAt, now time.Time, maxAge time.Duration) bool {
	if fetchedAt.IsZero() {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultRateMaxAge
	}
	age := now.Sub(fetchedAt)
	if age < -rateFutureSkew {
		return false
	}
	return age <= maxAge
}

// ExchangeRate returns the multiplier taking an amount in from to an amount
// in to. ok is false when either side is missing from the payload.
func ExchangeRate(rates *models.ExchangeRates, from, to string) (decimal.Decimal, bool) {
	if rates == nil {
		return decimal.Zero, false
	}
	from, to = NormalizeCurrency(from), NormalizeCurrency(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}

	fromRate, ok := rateFor(rates, from)
	if !ok {
		return decimal.Zero, false
	}
	toRate, ok := rateFor(rates, to)
	if !ok {
		return decimal.Zero, false
	}
	return toRate.DivRound(fromRate, 8), true
}

func rateFor(rates *models.ExchangeRates, ccy string) (decimal.Decimal, bool) {
	if NormalizeCurrency(rates.Base) == ccy {
		return decimal.NewFromInt(1), true
	}
	r, ok := rates.Rates[ccy]
	if !ok || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// Convert moves an amount between currencies, rounded to the target's
// smallest unit.
func Convert(amount, rate decimal.Decimal, to string) decimal.Decimal {
	return RoundMoney(amount.Mul(rate), to)
}
