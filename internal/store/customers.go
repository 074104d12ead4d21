package store

import (
	"context"
	"strings"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// UpsertCustomer creates or refreshes the customer keyed by
// (org_id, lower(email)) and returns its ID
func (s *Store) UpsertCustomer(ctx context.Context, orgID string, fields models.CustomerFields) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO customers (org_id, email, first_name, last_name, phone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, email) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			phone = COALESCE(EXCLUDED.phone, customers.phone),
			updated_at = NOW()
		RETURNING id`,
		orgID, strings.ToLower(strings.TrimSpace(fields.Email)), fields.FirstName, fields.LastName, fields.Phone)
	return id, err
}

// UpdateCustomerStats adds one order and its total to the customer's
// lifetime statistics
func (s *Store) UpdateCustomerStats(ctx context.Context, customerID string, orderTotal decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET total_orders = total_orders + 1, total_spent = total_spent + $1,
		    last_order_at = NOW(), updated_at = NOW()
		WHERE id = $2`, orderTotal, customerID)
	return err
}
