// Package gateway creates payment intents on the card processor, either as a
// direct charge on an organization's connected account or on the platform
// account.
package gateway

import (
	"context"
	"errors"
)

// ErrCurrencyNotSupported is returned when the target account cannot charge
// in the requested currency.
var ErrCurrencyNotSupported = errors.New("currency not supported by payment account")

// IntentRequest describes one payment authorization. Amount and
// ApplicationFeeAmount are in the currency's smallest unit. An empty
// ConnectedAccount charges the platform account.
type IntentRequest struct {
	Amount               int64
	Currency             string
	Metadata             map[string]string
	ApplicationFeeAmount *int64
	ConnectedAccount     string
	Description          string
	ReceiptEmail         string
	IdempotencyKey       string
}

// Intent is what the client needs to confirm the payment.
type Intent struct {
	ID           string
	ClientSecret string
}

// PaymentGateway is implemented by StripeGateway.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}
