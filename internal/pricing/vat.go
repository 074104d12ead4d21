package pricing

import (
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// VATConfig is the effective VAT policy for one checkout.
type VATConfig struct {
	Applies   bool
	Rate      decimal.Decimal
	Inclusive bool
}

// VATBreakdown splits a charge into its net and tax parts.
type VATBreakdown struct {
	Net   decimal.Decimal
	VAT   decimal.Decimal
	Gross decimal.Decimal
}

// ResolveVAT picks the VAT policy for an event. The event's registered flag
// is ternary: true uses the event's rate and inclusivity, false means no
// VAT, and nil falls back to the organization settings.
func ResolveVAT(event *models.Event, org *models.VATSettings) VATConfig {
	if event != nil && event.VATRegistered != nil {
		if !*event.VATRegistered {
			return VATConfig{}
		}
		cfg := VATConfig{Applies: true, Inclusive: true}
		switch {
		case event.VATRate.Valid:
			cfg.Rate = event.VATRate.Decimal
		case org != nil:
			cfg.Rate = org.Rate
		}
		if event.VATPricesInclude != nil {
			cfg.Inclusive = *event.VATPricesInclude
		} else if org != nil {
			cfg.Inclusive = org.PricesIncludeVAT
		}
		if !cfg.Rate.IsPositive() {
			return VATConfig{}
		}
		return cfg
	}

	if org == nil || !org.Registered || !org.Rate.IsPositive() {
		return VATConfig{}
	}
	return VATConfig{Applies: true, Rate: org.Rate, Inclusive: org.PricesIncludeVAT}
}

// InclusiveVAT is the tax contained in a VAT-inclusive price:
// price - price/(1+rate/100).
func InclusiveVAT(price, rate decimal.Decimal, ccy string) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	divisor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	return RoundMoney(price.Sub(price.DivRound(divisor, 8)), ccy)
}

// ExclusiveVAT is the tax added on top of a VAT-exclusive price:
// price * rate/100.
func ExclusiveVAT(price, rate decimal.Decimal, ccy string) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return RoundMoney(price.Mul(rate).Div(hundred), ccy)
}

// ApplyVAT derives the breakdown of a post-discount amount in ccy. Inclusive
// pricing leaves the gross unchanged; exclusive pricing adds VAT on top.
func ApplyVAT(amount decimal.Decimal, cfg VATConfig, ccy string) VATBreakdown {
	if !cfg.Applies {
		return VATBreakdown{Net: amount, VAT: decimal.Zero, Gross: amount}
	}
	if cfg.Inclusive {
		vat := InclusiveVAT(amount, cfg.Rate, ccy)
		return VATBreakdown{Net: amount.Sub(vat), VAT: vat, Gross: amount}
	}
	vat := ExclusiveVAT(amount, cfg.Rate, ccy)
	return VATBreakdown{Net: amount, VAT: vat, Gross: amount.Add(vat)}
}
