package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

const exchangeRatesKey = "exchange_rates"

// GetVATSettings retrieves an organization's VAT settings; nil when unset
func (s *Store) GetVATSettings(ctx context.Context, orgID string) (*models.VATSettings, error) {
	var settings models.VATSettings
	err := s.db.GetContext(ctx, &settings,
		"SELECT org_id, vat_registered, vat_rate, prices_include_vat FROM org_vat_settings WHERE org_id = $1",
		orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// GetFeePlan retrieves the billing plan of an organization; nil when the
// organization has none
func (s *Store) GetFeePlan(ctx context.Context, orgID string) (*models.FeePlan, error) {
	var plan models.FeePlan
	err := s.db.GetContext(ctx, &plan, `
		SELECT o.id AS org_id, p.id AS plan_id, p.fee_percent, p.min_fee
		FROM organizations o
		JOIN billing_plans p ON p.id = o.plan_id
		WHERE o.id = $1`, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetOrgPaymentAccountID retrieves the organization's default connected
// account; empty when none is linked
func (s *Store) GetOrgPaymentAccountID(ctx context.Context, orgID string) (string, error) {
	var accountID sql.NullString
	err := s.db.GetContext(ctx, &accountID,
		"SELECT payment_account_id FROM organizations WHERE id = $1", orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return accountID.String, nil
}

// GetPaymentAccount retrieves a connected account; nil when unknown
func (s *Store) GetPaymentAccount(ctx context.Context, accountID string) (*models.PaymentAccount, error) {
	var account models.PaymentAccount
	err := s.db.GetContext(ctx, &account,
		"SELECT account_id, org_id, charges_enabled, status FROM payment_accounts WHERE account_id = $1",
		accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetExchangeRates retrieves the last stored FX payload; nil when none
func (s *Store) GetExchangeRates(ctx context.Context) (*models.ExchangeRates, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, "SELECT value FROM platform_settings WHERE key = $1", exchangeRatesKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rates models.ExchangeRates
	if err := json.Unmarshal(raw, &rates); err != nil {
		return nil, fmt.Errorf("invalid exchange rate payload: %w", err)
	}
	return &rates, nil
}
