package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var event models.Event
	err := s.db.GetContext(ctx, &event, `
		SELECT id, org_id, name, slug, currency, status, venue_name, date_start,
		       vat_registered, vat_rate, vat_prices_include, payment_account_id
		FROM events WHERE id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetReleaseGroups retrieves the ticket release groups configured on an event
func (s *Store) GetReleaseGroups(ctx context.Context, eventID string) ([]models.ReleaseGroup, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, "SELECT release_groups FROM events WHERE id = $1", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var groups []models.ReleaseGroup
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("invalid release groups for event %s: %w", eventID, err)
	}
	return groups, nil
}
