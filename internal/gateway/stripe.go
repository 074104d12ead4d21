package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/util"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type intentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGateway creates payment intents through the Stripe API.
type StripeGateway struct {
	intents intentCreator
	logger  *zap.Logger
}

// NewStripeGateway creates a gateway for the given secret key
func NewStripeGateway(secretKey string) *StripeGateway {
	sc := client.New(secretKey, nil)
	return &StripeGateway{intents: sc.PaymentIntents, logger: util.GetLogger()}
}

// CreatePaymentIntent authorizes req. A currency rejection from Stripe is
// reported as ErrCurrencyNotSupported.
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreatePaymentIntent",
		attribute.String("currency", req.Currency),
		attribute.Bool("connected", req.ConnectedAccount != ""))
	defer span.End()

	params := buildParams(ctx, req)

	start := time.Now()
	pi, err := g.intents.New(params)
	util.GatewayLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		util.RecordError(span, err)
		if isCurrencyError(err) {
			g.logger.Warn("Payment account rejected currency",
				zap.String("currency", req.Currency),
				zap.String("account", req.ConnectedAccount),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrCurrencyNotSupported, err)
		}
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func buildParams(ctx context.Context, req IntentRequest) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx

	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	if req.ConnectedAccount != "" {
		params.SetStripeAccount(req.ConnectedAccount)
		if req.ApplicationFeeAmount != nil && *req.ApplicationFeeAmount > 0 {
			params.ApplicationFeeAmount = stripe.Int64(*req.ApplicationFeeAmount)
		}
	}
	return params
}

func isCurrencyError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	if stripeErr.Param == "currency" {
		return true
	}
	return strings.Contains(strings.ToLower(stripeErr.Msg), "currency")
}
