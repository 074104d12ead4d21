package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"checkout-service/internal/models"
)

// FetchDiscount looks up an active discount code case-insensitively.
// Returns nil when no such code exists.
func (s *Store) FetchDiscount(ctx context.Context, orgID, code string) (*models.DiscountCode, error) {
	var discount models.DiscountCode
	err := s.db.GetContext(ctx, &discount, `
		SELECT id, org_id, code, type, value, starts_at, expires_at, max_uses, used_count,
		       min_order_amount, applicable_event_ids, status
		FROM discounts
		WHERE org_id = $1 AND LOWER(code) = $2 AND status = $3
		LIMIT 1`, orgID, strings.ToLower(strings.TrimSpace(code)), models.StatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &discount, nil
}

// IncrementUsedCount bumps a discount's usage counter. This is a read then
// a write, so concurrent checkouts can lose increments; the cap is checked
// at quote time only.
func (s *Store) IncrementUsedCount(ctx context.Context, discountID string) error {
	var used int
	err := s.db.GetContext(ctx, &used, "SELECT used_count FROM discounts WHERE id = $1", discountID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("discount %s: %w", discountID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE discounts SET used_count = $1, updated_at = NOW() WHERE id = $2",
		used+1, discountID)
	return err
}
