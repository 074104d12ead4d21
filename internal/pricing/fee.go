package pricing

import "github.com/shopspring/decimal"

// ApplicationFee is the platform's cut of a charge: percent of the amount,
// raised to minFee, never more than the amount itself.
func ApplicationFee(amount, percent, minFee decimal.Decimal, ccy string) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}

	fee := decimal.Zero
	if percent.IsPositive() {
		fee = RoundMoney(amount.Mul(percent).Div(hundred), ccy)
	}
	if minFee.IsPositive() && fee.LessThan(minFee) {
		fee = RoundMoney(minFee, ccy)
	}
	return decimal.Min(fee, amount)
}
