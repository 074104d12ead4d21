// Package pricing holds the money arithmetic shared by quoting and order
// creation: minor units, discounts, VAT, currency conversion and fees.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Currencies the gateway charges without a fractional minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

var currencySymbols = map[string]string{
	"GBP": "£",
	"EUR": "€",
	"USD": "$",
	"AUD": "A$",
	"CAD": "C$",
	"NZD": "NZ$",
	"JPY": "¥",
	"CHF": "CHF ",
	"SEK": "kr ",
	"NOK": "kr ",
	"DKK": "kr ",
	"PLN": "zł ",
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(ccy string) string {
	return strings.ToUpper(strings.TrimSpace(ccy))
}

// MinorUnitExponent is the number of decimal places of the currency's
// smallest unit.
func MinorUnitExponent(ccy string) int32 {
	if zeroDecimalCurrencies[NormalizeCurrency(ccy)] {
		return 0
	}
	return 2
}

// RoundMoney rounds an amount to the currency's smallest unit.
func RoundMoney(amount decimal.Decimal, ccy string) decimal.Decimal {
	return amount.Round(MinorUnitExponent(ccy))
}

// ToMinorUnits converts a major-unit amount into the integer the gateway
// charges (pence, cents, yen).
func ToMinorUnits(amount decimal.Decimal, ccy string) int64 {
	return amount.Shift(MinorUnitExponent(ccy)).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(units int64, ccy string) decimal.Decimal {
	return decimal.New(units, -MinorUnitExponent(ccy))
}

// CurrencySymbol returns the display symbol, or the code followed by a
// space when no symbol is known.
func CurrencySymbol(ccy string) string {
	ccy = NormalizeCurrency(ccy)
	if s, ok := currencySymbols[ccy]; ok {
		return s
	}
	return ccy + " "
}

// FormatAmount renders an amount for customer-facing messages, e.g. "£95.00".
func FormatAmount(amount decimal.Decimal, ccy string) string {
	return CurrencySymbol(ccy) + amount.StringFixed(MinorUnitExponent(ccy))
}
