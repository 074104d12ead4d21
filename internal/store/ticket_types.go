package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// FetchTicketTypes retrieves ticket types of an organization by IDs, joined
// with their linked merchandise
func (s *Store) FetchTicketTypes(ctx context.Context, orgID string, ids []string) ([]models.TicketType, error) {
	if len(ids) == 0 {
		return []models.TicketType{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT tt.id, tt.org_id, tt.event_id, tt.name, tt.price, tt.capacity, tt.sold,
		       tt.max_per_order, tt.includes_merch, tt.sort_order, tt.status, tt.product_id,
		       p.name AS product_name, p.type AS product_type
		FROM ticket_types tt
		LEFT JOIN products p ON p.id = tt.product_id
		WHERE tt.org_id = ? AND tt.id IN (?)
		ORDER BY tt.sort_order`, orgID, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var ticketTypes []models.TicketType
	err = s.db.SelectContext(ctx, &ticketTypes, query, args...)
	return ticketTypes, err
}

// IncrementSold atomically adds qty to a ticket type's sold counter and
// returns the new value with the capacity. There is no capacity guard here:
// quotes are advisory, and a result above capacity is an oversell the
// caller must report.
func (s *Store) IncrementSold(ctx context.Context, ticketTypeID string, qty int) (int, *int, error) {
	var row struct {
		Sold     int  `db:"sold"`
		Capacity *int `db:"capacity"`
	}
	err := s.db.GetContext(ctx, &row,
		"UPDATE ticket_types SET sold = sold + $1, updated_at = NOW() WHERE id = $2 RETURNING sold, capacity",
		qty, ticketTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("ticket type %s: %w", ticketTypeID, ErrNotFound)
	}
	if err != nil {
		return 0, nil, err
	}
	return row.Sold, row.Capacity, nil
}
