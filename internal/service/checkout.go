package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/pricing"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckoutRequest is a buyer's cart as submitted for a quote.
type CheckoutRequest struct {
	EventID      string                `json:"event_id" binding:"required" validate:"required"`
	Items        []models.CartLine     `json:"items" binding:"required,min=1,dive" validate:"required,min=1,dive"`
	Customer     models.CustomerFields `json:"customer"`
	DiscountCode string                `json:"discount_code,omitempty"`
	Currency     string                `json:"currency,omitempty" binding:"omitempty,len=3" validate:"omitempty,len=3"`

	// IdempotencyKey is forwarded to the gateway so a retried submission
	// does not open a second intent.
	IdempotencyKey string `json:"-"`
}

// QuoteResult is returned to the client to confirm the payment. When
// CurrencyFallback is set no payment intent was created and the caller
// should resubmit in Currency.
type QuoteResult struct {
	PaymentIntentID  string             `json:"payment_intent_id,omitempty"`
	ClientSecret     string             `json:"client_secret,omitempty"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	Subtotal         decimal.Decimal    `json:"subtotal"`
	Discount         *DiscountSummary   `json:"discount,omitempty"`
	VAT              *VATSummary        `json:"vat,omitempty"`
	Total            decimal.Decimal    `json:"total"`
	PlatformFee      decimal.Decimal    `json:"-"`
	Conversion       *ConversionSummary `json:"conversion,omitempty"`
	CurrencyFallback bool               `json:"currency_fallback,omitempty"`
}

type DiscountSummary struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

type VATSummary struct {
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
	Inclusive bool            `json:"inclusive"`
}

// ConversionSummary carries the event-currency figures of a converted quote.
type ConversionSummary struct {
	BaseCurrency string          `json:"base_currency"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	BaseSubtotal decimal.Decimal `json:"base_subtotal"`
	BaseTotal    decimal.Decimal `json:"base_total"`
}

// IntentBuilderProperty holds the collaborators of an IntentBuilder.
type IntentBuilderProperty struct {
	Events      EventStore
	TicketTypes TicketTypeStore
	Discounts   DiscountStore
	Accounts    AccountStore
	Config      ConfigProvider
	Gateway     PaymentGateway
	Tasks       TaskDispatcher
	Publisher   EventPublisher
	RateMaxAge  time.Duration
	Now         func() time.Time
}

const inlineTaskTimeout = 5 * time.Second

// IntentBuilder prices a cart and opens a payment intent for it. Nothing it
// does reserves inventory.
type IntentBuilder struct {
	events      EventStore
	ticketTypes TicketTypeStore
	discounts   DiscountStore
	accounts    AccountStore
	config      ConfigProvider
	gateway     PaymentGateway
	tasks       TaskDispatcher
	publisher   EventPublisher
	validate    *validator.Validate
	rateMaxAge  time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewIntentBuilder creates a new intent builder
func NewIntentBuilder(p IntentBuilderProperty) *IntentBuilder {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	maxAge := p.RateMaxAge
	if maxAge <= 0 {
		maxAge = pricing.DefaultRateMaxAge
	}

	return &IntentBuilder{
		events:      p.Events,
		ticketTypes: p.TicketTypes,
		discounts:   p.Discounts,
		accounts:    p.Accounts,
		config:      p.Config,
		gateway:     p.Gateway,
		tasks:       p.Tasks,
		publisher:   p.Publisher,
		validate:    newValidator(),
		rateMaxAge:  maxAge,
		now:         now,
		logger:      util.GetLogger(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreatePaymentIntent validates and prices req, then authorizes the charge.
// Every failure is a *CheckoutError.
func (b *IntentBuilder) CreatePaymentIntent(ctx context.Context, req *CheckoutRequest) (*QuoteResult, error) {
	ctx, span := util.StartSpan(ctx, "IntentBuilder.CreatePaymentIntent",
		attribute.String("event_id", req.EventID),
		attribute.Int("lines", len(req.Items)))
	defer span.End()

	result, cerr := b.quote(ctx, req)
	if cerr != nil {
		util.QuotesRejectedTotal.WithLabelValues(cerr.Code).Inc()
		util.RecordError(span, cerr)
		if cerr.Kind == KindUpstream {
			b.logger.Error("Checkout failed",
				zap.String("event_id", req.EventID),
				zap.String("code", cerr.Code),
				zap.Error(cerr.Err))
		} else {
			b.logger.Info("Checkout rejected",
				zap.String("event_id", req.EventID),
				zap.String("code", cerr.Code),
				zap.String("reason", cerr.Message))
		}
		return nil, cerr
	}
	return result, nil
}

type chargeAccount struct {
	ID        string
	Connected bool
}

func (a chargeAccount) label() string {
	if a.Connected {
		return "connected"
	}
	return "platform"
}

func (b *IntentBuilder) quote(ctx context.Context, req *CheckoutRequest) (*QuoteResult, *CheckoutError) {
	if len(req.Items) == 0 {
		return nil, validationError(CodeEmptyCart, "Your cart is empty")
	}
	if err := b.validate.Struct(req); err != nil {
		return nil, validationError(CodeInvalidRequest, describeValidation(err))
	}

	event, err := b.events.GetEvent(ctx, req.EventID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && event == nil) {
		return nil, notFoundError(CodeEventNotFound, "Event not found")
	}
	if err != nil {
		return nil, storeError(err)
	}
	if event.Status != models.StatusLive {
		return nil, validationError(CodeEventNotOnSale, "This event is not on sale")
	}

	cartIDs := lo.Uniq(lo.Map(req.Items, func(l models.CartLine, _ int) string { return l.TicketTypeID }))
	known, cerr := b.fetchEventTicketTypes(ctx, event, cartIDs)
	if cerr != nil {
		return nil, cerr
	}

	if cerr := checkCartLines(req.Items, known); cerr != nil {
		return nil, cerr
	}
	if cerr := checkCapacity(req.Items, known); cerr != nil {
		return nil, cerr
	}

	groups, err := b.events.GetReleaseGroups(ctx, event.ID)
	if err != nil {
		return nil, storeError(err)
	}
	if extra := lo.Without(sequentialGroupMembers(groups, cartIDs), cartIDs...); len(extra) > 0 {
		tiers, cerr := b.fetchEventTicketTypes(ctx, event, extra)
		if cerr != nil {
			return nil, cerr
		}
		for id, tt := range tiers {
			known[id] = tt
		}
	}
	if cerr := checkRelease(groups, req.Items, known); cerr != nil {
		return nil, cerr
	}

	baseCcy := pricing.NormalizeCurrency(event.Currency)
	target := pricing.NormalizeCurrency(req.Currency)
	wantsConversion := target != "" && target != baseCcy
	code := strings.TrimSpace(req.DiscountCode)

	var (
		account     chargeAccount
		vatSettings *models.VATSettings
		plan        *models.FeePlan
		rates       *models.ExchangeRates
		discount    *models.DiscountCode
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		account, err = b.resolveAccount(gctx, event)
		return err
	})
	g.Go(func() error {
		var err error
		vatSettings, err = b.config.VATSettings(gctx, event.OrgID)
		return err
	})
	g.Go(func() error {
		var err error
		plan, err = b.config.FeePlan(gctx, event.OrgID)
		return err
	})
	if code != "" {
		g.Go(func() error {
			var err error
			discount, err = b.discounts.FetchDiscount(gctx, event.OrgID, code)
			return err
		})
	}
	if wantsConversion {
		g.Go(func() error {
			r, err := b.config.ExchangeRates(gctx)
			if err != nil {
				b.logger.Warn("Exchange rates unavailable", zap.Error(err))
				return nil
			}
			rates = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storeError(err)
	}

	subtotal := decimal.Zero
	for _, line := range req.Items {
		subtotal = subtotal.Add(known[line.TicketTypeID].Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	subtotal = pricing.RoundMoney(subtotal, baseCcy)

	discountAmount := decimal.Zero
	if code != "" {
		check := pricing.DiscountCheck{EventID: event.ID, Subtotal: subtotal, Currency: baseCcy, Now: b.now()}
		if err := pricing.ValidateDiscount(discount, check); err != nil {
			return nil, validationError(CodeInvalidDiscount, err.Error())
		}
		discountAmount = pricing.DiscountAmount(subtotal, discount, baseCcy)
	}
	afterDiscount := subtotal.Sub(discountAmount)

	vatCfg := pricing.ResolveVAT(event, vatSettings)
	base := pricing.ApplyVAT(afterDiscount, vatCfg, baseCcy)

	chargeCcy := baseCcy
	charge := base
	chargeSubtotal, chargeDiscount := subtotal, discountAmount
	var rate decimal.NullDecimal
	if wantsConversion {
		if r, ok := b.conversionRate(rates, baseCcy, target); ok {
			rate = decimal.NewNullDecimal(r)
			chargeCcy = target
			chargeSubtotal = pricing.Convert(subtotal, r, target)
			chargeDiscount = pricing.Convert(discountAmount, r, target)
			charge = pricing.ApplyVAT(pricing.Convert(afterDiscount, r, target), vatCfg, target)
		}
	}

	fee := decimal.Zero
	if account.Connected && plan != nil {
		minFee := plan.MinFee
		if rate.Valid {
			minFee = pricing.Convert(minFee, rate.Decimal, chargeCcy)
		}
		fee = pricing.ApplicationFee(charge.Gross, plan.FeePercent, minFee, chargeCcy)
	}

	amount := pricing.ToMinorUnits(charge.Gross, chargeCcy)
	if amount <= 0 {
		return nil, validationError(CodeAmountTooLow, "Order total must be greater than zero")
	}

	customer := req.Customer
	customer.Email = strings.ToLower(strings.TrimSpace(customer.Email))

	meta := models.PaymentMetadata{
		EventID:        event.ID,
		OrgID:          event.OrgID,
		Customer:       customer,
		Items:          req.Items,
		Subtotal:       chargeSubtotal,
		DiscountAmount: chargeDiscount,
		VATAmount:      charge.VAT,
		VATRate:        vatCfg.Rate,
		VATInclusive:   vatCfg.Applies && vatCfg.Inclusive,
		PlatformFee:    fee,
	}
	if discount != nil {
		meta.DiscountCode = discount.Code
	}
	if rate.Valid {
		meta.PresentmentCurrency = chargeCcy
		meta.BaseCurrency = baseCcy
		meta.ExchangeRate = rate
		meta.BaseSubtotal = decimal.NewNullDecimal(subtotal)
		meta.BaseDiscountAmount = decimal.NewNullDecimal(discountAmount)
		meta.BaseVATAmount = decimal.NewNullDecimal(base.VAT)
		meta.BaseTotal = decimal.NewNullDecimal(base.Gross)
	}
	bag, err := meta.ToMap()
	if err != nil {
		return nil, storeError(err)
	}

	intentReq := gateway.IntentRequest{
		Amount:         amount,
		Currency:       chargeCcy,
		Metadata:       bag,
		Description:    fmt.Sprintf("%s (%d tickets)", event.Name, lo.SumBy(req.Items, func(l models.CartLine) int { return l.Quantity })),
		ReceiptEmail:   customer.Email,
		IdempotencyKey: req.IdempotencyKey,
	}
	if account.Connected {
		intentReq.ConnectedAccount = account.ID
		if feeUnits := pricing.ToMinorUnits(fee, chargeCcy); feeUnits > 0 {
			intentReq.ApplicationFeeAmount = &feeUnits
		}
	}

	intent, err := b.gateway.CreatePaymentIntent(ctx, intentReq)
	if err != nil {
		if rate.Valid && errors.Is(err, gateway.ErrCurrencyNotSupported) {
			util.CurrencyFallbackTotal.WithLabelValues("gateway_rejected").Inc()
			b.logger.Info("Gateway rejected presentment currency, asking client to fall back",
				zap.String("event_id", event.ID),
				zap.String("currency", chargeCcy),
				zap.String("base_currency", baseCcy))
			return &QuoteResult{
				Currency:         baseCcy,
				Subtotal:         subtotal,
				Total:            base.Gross,
				CurrencyFallback: true,
			}, nil
		}
		return nil, gatewayError(err)
	}

	if discount != nil {
		b.bumpDiscountUsage(discount.ID)
	}

	util.QuotesCreatedTotal.WithLabelValues(chargeCcy, account.label()).Inc()
	b.logger.Info("Payment intent created",
		zap.String("payment_intent_id", intent.ID),
		zap.String("event_id", event.ID),
		zap.Int64("amount", amount),
		zap.String("currency", chargeCcy),
		zap.String("account", account.label()))

	result := &QuoteResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          amount,
		Currency:        chargeCcy,
		Subtotal:        chargeSubtotal,
		Total:           charge.Gross,
		PlatformFee:     fee,
	}
	if discount != nil {
		result.Discount = &DiscountSummary{Code: discount.Code, Amount: chargeDiscount}
	}
	if vatCfg.Applies {
		result.VAT = &VATSummary{Rate: vatCfg.Rate, Amount: charge.VAT, Inclusive: vatCfg.Inclusive}
	}
	if rate.Valid {
		result.Conversion = &ConversionSummary{
			BaseCurrency: baseCcy,
			ExchangeRate: rate.Decimal,
			BaseSubtotal: subtotal,
			BaseTotal:    base.Gross,
		}
	}
	return result, nil
}

// RecordBlocked is called by the rate limiter in front of the builder when it
// refuses a request. The audit event is published in the background.
func (b *IntentBuilder) RecordBlocked(ctx context.Context, clientIP, path, reason string) {
	util.CheckoutBlockedTotal.WithLabelValues(reason).Inc()
	b.logger.Warn("Checkout request blocked",
		zap.String("client_ip", clientIP),
		zap.String("path", path),
		zap.String("reason", reason))

	if b.publisher == nil || b.tasks == nil {
		return
	}
	event := &models.CheckoutBlockedEvent{ClientIP: clientIP, Path: path, Reason: reason}
	b.tasks.Dispatch("audit_checkout_blocked", func(ctx context.Context) error {
		return b.publisher.PublishCheckoutBlocked(ctx, event)
	})
}

func (b *IntentBuilder) fetchEventTicketTypes(ctx context.Context, event *models.Event, ids []string) (map[string]models.TicketType, *CheckoutError) {
	list, err := b.ticketTypes.FetchTicketTypes(ctx, event.OrgID, ids)
	if err != nil {
		return nil, storeError(err)
	}
	list = lo.Filter(list, func(tt models.TicketType, _ int) bool { return tt.EventID == event.ID })
	return lo.KeyBy(list, func(tt models.TicketType) string { return tt.ID }), nil
}

func checkCartLines(lines []models.CartLine, known map[string]models.TicketType) *CheckoutError {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		tt, ok := known[line.TicketTypeID]
		if !ok {
			return validationError(CodeTicketTypeNotFound, "One or more ticket types in your cart could not be found")
		}
		if tt.Status != models.StatusActive {
			return validationError(CodeTicketUnavailable, fmt.Sprintf("%s is no longer on sale", tt.Name))
		}
		requested[tt.ID] += line.Quantity
		if tt.MaxPerOrder != nil && requested[tt.ID] > *tt.MaxPerOrder {
			return validationError(CodeMaxPerOrder,
				fmt.Sprintf("You can buy at most %d %s tickets per order", *tt.MaxPerOrder, tt.Name))
		}
	}
	return nil
}

// checkCapacity is advisory: sold may already be stale. Lines for the same
// ticket type are counted together.
func checkCapacity(lines []models.CartLine, known map[string]models.TicketType) *CheckoutError {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		tt := known[line.TicketTypeID]
		requested[tt.ID] += line.Quantity
		if tt.Capacity != nil && tt.Sold+requested[tt.ID] > *tt.Capacity {
			return inventoryError(fmt.Sprintf("Not enough tickets available for %s. Only %d remaining.",
				tt.Name, tt.Remaining()))
		}
	}
	return nil
}

// resolveAccount picks the event's account, then the organization default,
// then the platform account.
func (b *IntentBuilder) resolveAccount(ctx context.Context, event *models.Event) (chargeAccount, error) {
	if event.PaymentAccountID != nil && *event.PaymentAccountID != "" {
		acct, err := b.accounts.GetPaymentAccount(ctx, *event.PaymentAccountID)
		if err != nil {
			return chargeAccount{}, fmt.Errorf("failed to load event payment account: %w", err)
		}
		if acct.Usable() {
			return chargeAccount{ID: acct.AccountID, Connected: true}, nil
		}
		b.logger.Warn("Event payment account not usable",
			zap.String("event_id", event.ID),
			zap.String("account", *event.PaymentAccountID))
	}

	orgAccountID, err := b.accounts.GetOrgPaymentAccountID(ctx, event.OrgID)
	if err != nil {
		return chargeAccount{}, fmt.Errorf("failed to load organization payment account: %w", err)
	}
	if orgAccountID != "" {
		acct, err := b.accounts.GetPaymentAccount(ctx, orgAccountID)
		if err != nil {
			return chargeAccount{}, fmt.Errorf("failed to load organization payment account: %w", err)
		}
		if acct.Usable() {
			return chargeAccount{ID: acct.AccountID, Connected: true}, nil
		}
		b.logger.Warn("Organization payment account not usable, charging platform account",
			zap.String("org_id", event.OrgID),
			zap.String("account", orgAccountID))
	}

	return chargeAccount{}, nil
}

func (b *IntentBuilder) conversionRate(rates *models.ExchangeRates, from, to string) (decimal.Decimal, bool) {
	reason := ""
	switch {
	case rates == nil:
		reason = "rates_missing"
	case !pricing.RatesFreshForCheckout(rates.FetchedAt, b.now(), b.rateMaxAge):
		reason = "rates_stale"
	}
	if reason == "" {
		if r, ok := pricing.ExchangeRate(rates, from, to); ok {
			return r, true
		}
		reason = "rate_unavailable"
	}

	util.CurrencyFallbackTotal.WithLabelValues(reason).Inc()
	b.logger.Info("Charging in event currency",
		zap.String("requested", to),
		zap.String("base", from),
		zap.String("reason", reason))
	return decimal.Zero, false
}

func (b *IntentBuilder) bumpDiscountUsage(discountID string) {
	increment := func(ctx context.Context) error {
		if err := b.discounts.IncrementUsedCount(ctx, discountID); err != nil {
			util.DiscountIncrementFailed.Inc()
			return fmt.Errorf("failed to increment discount %s usage: %w", discountID, err)
		}
		return nil
	}

	// Without a dispatcher the increment runs inline; the quote still succeeds.
	if b.tasks == nil {
		ctx, cancel := context.WithTimeout(context.Background(), inlineTaskTimeout)
		defer cancel()
		if err := increment(ctx); err != nil {
			b.logger.Error("Discount usage increment failed", zap.String("discount_id", discountID), zap.Error(err))
		}
		return
	}

	if !b.tasks.Dispatch("discount_usage", increment) {
		util.DiscountIncrementFailed.Inc()
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "A valid email address is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
