package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"

	"github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store   *memStore
	gw      *fakeGateway
	tasks   *syncTasks
	pub     *fakePublisher
	builder *IntentBuilder
}

func newHarness() *harness {
	h := &harness{
		store: newMemStore(),
		gw:    &fakeGateway{},
		tasks: &syncTasks{},
		pub:   &fakePublisher{},
	}
	h.builder = NewIntentBuilder(IntentBuilderProperty{
		Events:      h.store,
		TicketTypes: h.store,
		Discounts:   h.store,
		Accounts:    h.store,
		Config:      NewCachedConfig(h.store, nil, 0, 0),
		Gateway:     h.gw,
		Tasks:       h.tasks,
		Publisher:   h.pub,
		Now:         func() time.Time { return fixedNow },
	})
	return h
}

func cartRequest(lines ...models.CartLine) *CheckoutRequest {
	return &CheckoutRequest{
		EventID:  "evt-1",
		Items:    lines,
		Customer: models.CustomerFields{Email: "Jane@Example.com", FirstName: "Jane", LastName: "Doe"},
	}
}

func scenarioCart() []models.CartLine {
	return []models.CartLine{
		{TicketTypeID: "tt-a", Quantity: 2},
		{TicketTypeID: "tt-b", Quantity: 1, MerchSize: lo.ToPtr("M")},
	}
}

func (h *harness) addPercentageDiscount(code string, value int64) {
	h.store.discounts["disc-1"] = &models.DiscountCode{
		ID: "disc-1", OrgID: "org-1", Code: code, Type: models.DiscountTypePercentage,
		Value: decimal.NewFromInt(value), Status: models.StatusActive,
	}
}

func (h *harness) freshRates() {
	h.store.rates = &models.ExchangeRates{
		Base:      "GBP",
		FetchedAt: fixedNow.Add(-time.Hour),
		Rates: map[string]decimal.Decimal{
			"EUR": decimal.RequireFromString("1.17"),
			"USD": decimal.RequireFromString("1.27"),
		},
	}
}

func requireCheckoutError(t *testing.T, err error) *CheckoutError {
	t.Helper()
	var ce *CheckoutError
	require.True(t, errors.As(err, &ce), "expected *CheckoutError, got %v", err)
	return ce
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOversellBoundaryAtQuoteTime(t *testing.T) {
	h := newHarness()
	h.store.ticketTypes["tt-a"].Capacity = lo.ToPtr(10)
	h.store.ticketTypes["tt-a"].Sold = 9

	result, err := h.builder.CreatePaymentIntent(context.Background(),
		cartRequest(models.CartLine{TicketTypeID: "tt-a", Quantity: 1}))
	require.NoError(t, err)
	assert.Equal(t, int64(2500), result.Amount)

	_, err = h.builder.CreatePaymentIntent(context.Background(),
		cartRequest(models.CartLine{TicketTypeID: "tt-a", Quantity: 2}))
	ce := requireCheckoutError(t, err)
	assert.Equal(t, KindInventory, ce.Kind)
	assert.Equal(t, http.StatusConflict, ce.Status)
	assert.Contains(t, ce.Message, "Not enough tickets available")
	assert.Contains(t, ce.Message, "Only 1 remaining")
	assert.Len(t, h.gw.requests, 1)
}

func TestCapacityCountsRepeatedLinesTogether(t *testing.T) {
	h := newHarness()
	h.store.ticketTypes["tt-a"].Capacity = lo.ToPtr(3)

	_, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(
		models.CartLine{TicketTypeID: "tt-a", Quantity: 2},
		models.CartLine{TicketTypeID: "tt-a", Quantity: 2},
	))
	assert.Equal(t, CodeInsufficientStock, requireCheckoutError(t, err).Code)
}

func TestEndToEndQuoteWithPercentageDiscount(t *testing.T) {
	h := newHarness()
	h.addPercentageDiscount("SUMMER10", 10)

	req := cartRequest(scenarioCart()...)
	req.DiscountCode = " summer10 "
	req.IdempotencyKey = "idem-42"

	result, err := h.builder.CreatePaymentIntent(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, dec("95").Equal(result.Subtotal))
	require.NotNil(t, result.Discount)
	assert.Equal(t, "SUMMER10", result.Discount.Code)
	assert.True(t, dec("9.50").Equal(result.Discount.Amount))
	assert.True(t, dec("85.50").Equal(result.Total))
	assert.Equal(t, int64(8550), result.Amount)
	assert.Equal(t, "GBP", result.Currency)
	assert.Nil(t, result.VAT)
	assert.Nil(t, result.Conversion)
	assert.Equal(t, "pi_1_secret", result.ClientSecret)

	sent := h.gw.last()
	assert.Equal(t, int64(8550), sent.Amount)
	assert.Empty(t, sent.ConnectedAccount)
	assert.Equal(t, "jane@example.com", sent.ReceiptEmail)
	assert.Equal(t, "idem-42", sent.IdempotencyKey)

	meta, err := models.ParsePaymentMetadata(sent.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", meta.EventID)
	assert.Equal(t, "org-1", meta.OrgID)
	assert.Equal(t, "jane@example.com", meta.Customer.Email)
	assert.Equal(t, "SUMMER10", meta.DiscountCode)
	assert.True(t, dec("9.5").Equal(meta.DiscountAmount))
	assert.True(t, dec("95").Equal(meta.Subtotal))
	assert.Len(t, meta.Items, 2)
	assert.False(t, meta.Converted())

	assert.Contains(t, h.tasks.names, "discount_usage")
	assert.Equal(t, 1, h.store.discountUses)
}

func TestDiscountUsageWithoutDispatcherRunsInline(t *testing.T) {
	h := newHarness()
	h.addPercentageDiscount("SUMMER10", 10)
	h.builder = NewIntentBuilder(IntentBuilderProperty{
		Events:      h.store,
		TicketTypes: h.store,
		Discounts:   h.store,
		Accounts:    h.store,
		Config:      NewCachedConfig(h.store, nil, 0, 0),
		Gateway:     h.gw,
		Now:         func() time.Time { return fixedNow },
	})

	req := cartRequest(scenarioCart()...)
	req.DiscountCode = "SUMMER10"

	var result *QuoteResult
	require.NotPanics(t, func() {
		var err error
		result, err = h.builder.CreatePaymentIntent(context.Background(), req)
		require.NoError(t, err)
	})
	assert.Equal(t, int64(8550), result.Amount)
	assert.Equal(t, 1, h.store.discountUses)
	assert.Empty(t, h.tasks.names)
}

func TestMinimumOrderRejectsRegardlessOfPercentage(t *testing.T) {
	for _, pct := range []int64{10, 50, 100} {
		t.Run(fmt.Sprintf("%d%%", pct), func(t *testing.T) {
			h := newHarness()
			h.addPercentageDiscount("BIGSPEND", pct)
			h.store.discounts["disc-1"].MinOrderAmount = decimal.NewNullDecimal(decimal.NewFromInt(100))

			req := cartRequest(scenarioCart()...)
			req.DiscountCode = "BIGSPEND"

			_, err := h.builder.CreatePaymentIntent(context.Background(), req)
			ce := requireCheckoutError(t, err)
			assert.Equal(t, KindValidation, ce.Kind)
			assert.Equal(t, CodeInvalidDiscount, ce.Code)
			assert.Equal(t, "Minimum order of £100.00 required for this discount code", ce.Message)
			assert.Empty(t, h.gw.requests)
			assert.Zero(t, h.store.discountUses)
		})
	}
}

func TestDiscountRejections(t *testing.T) {
	h := newHarness()

	req := cartRequest(scenarioCart()...)
	req.DiscountCode = "NOPE"
	_, err := h.builder.CreatePaymentIntent(context.Background(), req)
	assert.Equal(t, "Invalid discount code", requireCheckoutError(t, err).Message)

	h.addPercentageDiscount("OTHER", 10)
	h.store.discounts["disc-1"].ApplicableEventIDs = pq.StringArray{"evt-2"}
	req.DiscountCode = "OTHER"
	_, err = h.builder.CreatePaymentIntent(context.Background(), req)
	assert.Equal(t, "This discount code is not valid for this event", requireCheckoutError(t, err).Message)

	h.store.discounts["disc-1"].ExpiresAt = lo.ToPtr(fixedNow.Add(-time.Minute))
	_, err = h.builder.CreatePaymentIntent(context.Background(), req)
	assert.Equal(t, "This discount code has expired", requireCheckoutError(t, err).Message)
}

func TestSequentialReleaseBlocksLaterTier(t *testing.T) {
	h := newHarness()
	h.store.addTicketType(models.TicketType{ID: "tt-early", Name: "Early Bird", Price: decimal.NewFromInt(20), Capacity: lo.ToPtr(10), Sold: 5, SortOrder: 2})
	h.store.addTicketType(models.TicketType{ID: "tt-regular", Name: "Regular", Price: decimal.NewFromInt(30), SortOrder: 3})
	h.store.releaseGroups["evt-1"] = []models.ReleaseGroup{{
		Name: "tiers", Mode: models.ReleaseModeSequential, TicketTypeIDs: []string{"tt-regular", "tt-early"},
	}}

	_, err := h.builder.CreatePaymentIntent(context.Background(),
		cartRequest(models.CartLine{TicketTypeID: "tt-regular", Quantity: 1}))
	ce := requireCheckoutError(t, err)
	assert.Equal(t, CodeNotReleased, ce.Code)
	assert.Equal(t, "Regular is not on sale yet", ce.Message)

	_, err = h.builder.CreatePaymentIntent(context.Background(),
		cartRequest(models.CartLine{TicketTypeID: "tt-early", Quantity: 1}))
	require.NoError(t, err)

	h.store.ticketTypes["tt-early"].Sold = 10
	_, err = h.builder.CreatePaymentIntent(context.Background(),
		cartRequest(models.CartLine{TicketTypeID: "tt-regular", Quantity: 1}))
	require.NoError(t, err)
}

func TestParallelReleaseGroupDoesNotGate(t *testing.T) {
	h := newHarness()
	h.store.releaseGroups["evt-1"] = []models.ReleaseGroup{{
		Name: "all", Mode: models.ReleaseModeParallel, TicketTypeIDs: []string{"tt-a", "tt-b"},
	}}

	_, err := h.builder.CreatePaymentIntent(context.Background(),
		cartRequest(models.CartLine{TicketTypeID: "tt-b", Quantity: 1}))
	assert.NoError(t, err)
}

func TestConnectedAccountResolution(t *testing.T) {
	h := newHarness()
	h.store.events["evt-1"].PaymentAccountID = lo.ToPtr("acct_evt")
	h.store.accounts["acct_evt"] = &models.PaymentAccount{AccountID: "acct_evt", OrgID: "org-1", ChargesEnabled: true, Status: models.PaymentAccountRevoked}
	h.store.accounts["acct_org"] = &models.PaymentAccount{AccountID: "acct_org", OrgID: "org-1", ChargesEnabled: true, Status: models.StatusActive}
	h.store.orgAccounts["org-1"] = "acct_org"
	h.store.plans["org-1"] = &models.FeePlan{OrgID: "org-1", FeePercent: dec("5"), MinFee: dec("0.30")}

	result, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(scenarioCart()...))
	require.NoError(t, err)

	sent := h.gw.last()
	assert.Equal(t, "acct_org", sent.ConnectedAccount)
	require.NotNil(t, sent.ApplicationFeeAmount)
	assert.Equal(t, int64(475), *sent.ApplicationFeeAmount)
	assert.True(t, dec("4.75").Equal(result.PlatformFee))

	h.store.accounts["acct_evt"].Status = models.StatusActive
	_, err = h.builder.CreatePaymentIntent(context.Background(), cartRequest(scenarioCart()...))
	require.NoError(t, err)
	assert.Equal(t, "acct_evt", h.gw.last().ConnectedAccount)
}

func TestPlatformFallbackChargesNoFee(t *testing.T) {
	h := newHarness()
	h.store.accounts["acct_org"] = &models.PaymentAccount{AccountID: "acct_org", OrgID: "org-1", ChargesEnabled: false}
	h.store.orgAccounts["org-1"] = "acct_org"
	h.store.plans["org-1"] = &models.FeePlan{OrgID: "org-1", FeePercent: dec("5"), MinFee: dec("0.30")}

	result, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(scenarioCart()...))
	require.NoError(t, err)

	sent := h.gw.last()
	assert.Empty(t, sent.ConnectedAccount)
	assert.Nil(t, sent.ApplicationFeeAmount)
	assert.True(t, result.PlatformFee.IsZero())
	assert.Equal(t, int64(9500), result.Amount)
}

func TestVATPolicies(t *testing.T) {
	cart := models.CartLine{TicketTypeID: "tt-a", Quantity: 2}

	t.Run("organization exclusive", func(t *testing.T) {
		h := newHarness()
		h.store.vat["org-1"] = &models.VATSettings{OrgID: "org-1", Registered: true, Rate: dec("20"), PricesIncludeVAT: false}

		result, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(cart))
		require.NoError(t, err)
		assert.Equal(t, int64(6000), result.Amount)
		require.NotNil(t, result.VAT)
		assert.True(t, dec("10").Equal(result.VAT.Amount))
		assert.False(t, result.VAT.Inclusive)
	})

	t.Run("organization inclusive", func(t *testing.T) {
		h := newHarness()
		h.store.vat["org-1"] = &models.VATSettings{OrgID: "org-1", Registered: true, Rate: dec("20"), PricesIncludeVAT: true}

		result, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(cart))
		require.NoError(t, err)
		assert.Equal(t, int64(5000), result.Amount)
		require.NotNil(t, result.VAT)
		assert.True(t, dec("8.33").Equal(result.VAT.Amount))
	})

	t.Run("event not registered overrides organization", func(t *testing.T) {
		h := newHarness()
		h.store.vat["org-1"] = &models.VATSettings{OrgID: "org-1", Registered: true, Rate: dec("20")}
		h.store.events["evt-1"].VATRegistered = lo.ToPtr(false)

		result, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(cart))
		require.NoError(t, err)
		assert.Equal(t, int64(5000), result.Amount)
		assert.Nil(t, result.VAT)
	})

	t.Run("event registered uses its own rate", func(t *testing.T) {
		h := newHarness()
		h.store.events["evt-1"].VATRegistered = lo.ToPtr(true)
		h.store.events["evt-1"].VATRate = decimal.NewNullDecimal(dec("10"))
		h.store.events["evt-1"].VATPricesInclude = lo.ToPtr(false)

		result, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(cart))
		require.NoError(t, err)
		assert.Equal(t, int64(5500), result.Amount)
	})
}

func TestPresentmentCurrencyConversion(t *testing.T) {
	h := newHarness()
	h.freshRates()
	h.addPercentageDiscount("SUMMER10", 10)

	req := cartRequest(scenarioCart()...)
	req.DiscountCode = "SUMMER10"
	req.Currency = "eur"

	result, err := h.builder.CreatePaymentIntent(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "EUR", result.Currency)
	assert.Equal(t, int64(10004), result.Amount)
	require.NotNil(t, result.Conversion)
	assert.Equal(t, "GBP", result.Conversion.BaseCurrency)
	assert.True(t, dec("1.17").Equal(result.Conversion.ExchangeRate))
	assert.True(t, dec("85.50").Equal(result.Conversion.BaseTotal))
	assert.True(t, dec("95").Equal(result.Conversion.BaseSubtotal))

	meta, err := models.ParsePaymentMetadata(h.gw.last().Metadata)
	require.NoError(t, err)
	assert.True(t, meta.Converted())
	assert.Equal(t, "EUR", meta.PresentmentCurrency)
	assert.Equal(t, "GBP", meta.BaseCurrency)
	assert.True(t, dec("111.15").Equal(meta.Subtotal))
	assert.True(t, dec("11.12").Equal(meta.DiscountAmount))
	assert.True(t, dec("9.50").Equal(meta.BaseDiscountAmount.Decimal))
	assert.True(t, dec("85.50").Equal(meta.BaseTotal.Decimal))
}

func TestUnusableRatesFallBackSilently(t *testing.T) {
	cases := map[string]func(h *harness){
		"missing": func(h *harness) {},
		"stale": func(h *harness) {
			h.freshRates()
			h.store.rates.FetchedAt = fixedNow.Add(-48 * time.Hour)
		},
		"unknown currency": func(h *harness) {
			h.freshRates()
			delete(h.store.rates.Rates, "EUR")
		},
		"store error": func(h *harness) {
			h.store.ratesErr = errors.New("connection reset")
		},
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			setup(h)

			req := cartRequest(scenarioCart()...)
			req.Currency = "EUR"

			result, err := h.builder.CreatePaymentIntent(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, "GBP", result.Currency)
			assert.Equal(t, int64(9500), result.Amount)
			assert.Nil(t, result.Conversion)
			assert.False(t, result.CurrencyFallback)
			assert.Equal(t, "GBP", h.gw.last().Currency)
		})
	}
}

func TestGatewayCurrencyRejectionSignalsFallback(t *testing.T) {
	h := newHarness()
	h.freshRates()
	h.addPercentageDiscount("SUMMER10", 10)
	h.gw.err = fmt.Errorf("%w: eur not enabled", gateway.ErrCurrencyNotSupported)

	req := cartRequest(scenarioCart()...)
	req.Currency = "EUR"
	req.DiscountCode = "SUMMER10"

	result, err := h.builder.CreatePaymentIntent(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.CurrencyFallback)
	assert.Equal(t, "GBP", result.Currency)
	assert.Empty(t, result.ClientSecret)
	assert.Zero(t, h.store.discountUses)
}

func TestGatewayFailureIsUpstreamError(t *testing.T) {
	h := newHarness()
	h.gw.err = fmt.Errorf("%w: eur not enabled", gateway.ErrCurrencyNotSupported)

	_, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(scenarioCart()...))
	ce := requireCheckoutError(t, err)
	assert.Equal(t, KindUpstream, ce.Kind)
	assert.Equal(t, CodeGatewayFailure, ce.Code)
	assert.Equal(t, http.StatusBadGateway, ce.Status)
	assert.NotContains(t, ce.Message, "eur")
	assert.True(t, errors.Is(err, gateway.ErrCurrencyNotSupported))
}

func TestRequestValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.builder.CreatePaymentIntent(ctx, cartRequest())
	assert.Equal(t, CodeEmptyCart, requireCheckoutError(t, err).Code)

	req := cartRequest(scenarioCart()...)
	req.Customer.Email = "not-an-email"
	_, err = h.builder.CreatePaymentIntent(ctx, req)
	ce := requireCheckoutError(t, err)
	assert.Equal(t, CodeInvalidRequest, ce.Code)
	assert.Equal(t, "A valid email address is required", ce.Message)

	req = cartRequest(models.CartLine{TicketTypeID: "tt-a", Quantity: 0})
	_, err = h.builder.CreatePaymentIntent(ctx, req)
	assert.Equal(t, CodeInvalidRequest, requireCheckoutError(t, err).Code)

	req = cartRequest(models.CartLine{TicketTypeID: "tt-missing", Quantity: 1})
	_, err = h.builder.CreatePaymentIntent(ctx, req)
	assert.Equal(t, CodeTicketTypeNotFound, requireCheckoutError(t, err).Code)

	req = cartRequest(scenarioCart()...)
	req.EventID = "evt-missing"
	_, err = h.builder.CreatePaymentIntent(ctx, req)
	ce = requireCheckoutError(t, err)
	assert.Equal(t, CodeEventNotFound, ce.Code)
	assert.Equal(t, http.StatusNotFound, ce.Status)

	h.store.events["evt-1"].Status = "draft"
	_, err = h.builder.CreatePaymentIntent(ctx, cartRequest(scenarioCart()...))
	assert.Equal(t, CodeEventNotOnSale, requireCheckoutError(t, err).Code)

	assert.Empty(t, h.gw.requests)
}

func TestTicketTypeAvailabilityRules(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.store.ticketTypes["tt-a"].MaxPerOrder = lo.ToPtr(4)
	_, err := h.builder.CreatePaymentIntent(ctx, cartRequest(models.CartLine{TicketTypeID: "tt-a", Quantity: 5}))
	assert.Equal(t, CodeMaxPerOrder, requireCheckoutError(t, err).Code)

	h.store.ticketTypes["tt-b"].Status = models.StatusInactive
	_, err = h.builder.CreatePaymentIntent(ctx, cartRequest(models.CartLine{TicketTypeID: "tt-b", Quantity: 1}))
	ce := requireCheckoutError(t, err)
	assert.Equal(t, CodeTicketUnavailable, ce.Code)
	assert.Equal(t, "GA + Tee is no longer on sale", ce.Message)
}

func TestZeroTotalIsRejected(t *testing.T) {
	h := newHarness()
	h.store.ticketTypes["tt-a"].Price = decimal.Zero

	_, err := h.builder.CreatePaymentIntent(context.Background(),
		cartRequest(models.CartLine{TicketTypeID: "tt-a", Quantity: 2}))
	assert.Equal(t, CodeAmountTooLow, requireCheckoutError(t, err).Code)

	h = newHarness()
	h.store.discounts["disc-1"] = &models.DiscountCode{
		ID: "disc-1", OrgID: "org-1", Code: "FREE", Type: models.DiscountTypeFixed,
		Value: decimal.NewFromInt(500), Status: models.StatusActive,
	}
	req := cartRequest(scenarioCart()...)
	req.DiscountCode = "free"
	_, err = h.builder.CreatePaymentIntent(context.Background(), req)
	assert.Equal(t, CodeAmountTooLow, requireCheckoutError(t, err).Code)
	assert.Empty(t, h.gw.requests)
}

func TestStoreFailureIsUpstreamError(t *testing.T) {
	h := newHarness()
	h.store.fetchErr = errors.New("pq: connection refused")

	_, err := h.builder.CreatePaymentIntent(context.Background(), cartRequest(scenarioCart()...))
	ce := requireCheckoutError(t, err)
	assert.Equal(t, KindUpstream, ce.Kind)
	assert.Equal(t, CodeStoreFailure, ce.Code)
	assert.Equal(t, http.StatusInternalServerError, ce.Status)
	assert.NotContains(t, ce.Message, "pq")
}

func TestDroppedDiscountBumpDoesNotFailQuote(t *testing.T) {
	h := newHarness()
	h.addPercentageDiscount("SUMMER10", 10)
	h.tasks.reject = true

	req := cartRequest(scenarioCart()...)
	req.DiscountCode = "SUMMER10"
	_, err := h.builder.CreatePaymentIntent(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, h.store.discountUses)
}

func TestRecordBlockedPublishesAuditEvent(t *testing.T) {
	h := newHarness()

	h.builder.RecordBlocked(context.Background(), "203.0.113.9", "/api/v1/checkout/payment-intent", "rate_limited")

	require.Len(t, h.pub.blocked, 1)
	assert.Equal(t, "203.0.113.9", h.pub.blocked[0].ClientIP)
	assert.Equal(t, "rate_limited", h.pub.blocked[0].Reason)
	assert.Contains(t, h.tasks.names, "audit_checkout_blocked")
}
