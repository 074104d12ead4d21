package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// NextOrderNumber returns the next value of the organization's order sequence
func (s *Store) NextOrderNumber(ctx context.Context, orgID string) (int64, error) {
	var next int64
	err := s.db.GetContext(ctx, &next, `
		INSERT INTO order_sequences (org_id, last_value) VALUES ($1, 1)
		ON CONFLICT (org_id) DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value`, orgID)
	return next, err
}

// InsertOrder creates a new order
func (s *Store) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (org_id, order_number, event_id, customer_id, status, subtotal, fees,
			discount_code, discount_amount, vat_amount, vat_rate, vat_inclusive, total, currency,
			presentment_currency, exchange_rate, payment_method, payment_ref, platform_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		order.OrgID, order.OrderNumber, order.EventID, order.CustomerID, order.Status,
		order.Subtotal, order.Fees, order.DiscountCode, order.DiscountAmount, order.VATAmount,
		order.VATRate, order.VATInclusive, order.Total, order.Currency, order.PresentmentCurrency,
		order.ExchangeRate, order.PaymentMethod, order.PaymentRef, order.PlatformFee,
	).Scan(&order.ID, &order.CreatedAt)
}

// InsertOrderLines creates the order items and the tickets of an order in a
// single transaction
func (s *Store) InsertOrderLines(ctx context.Context, items []models.OrderItem, tickets []models.Ticket) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if len(items) > 0 {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO order_items (id, order_id, ticket_type_id, qty, unit_price, merch_size)
				VALUES (:id, :order_id, :ticket_type_id, :qty, :unit_price, :merch_size)`, items)
			if err != nil {
				return fmt.Errorf("failed to insert order items: %w", err)
			}
		}

		if len(tickets) > 0 {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO tickets (id, org_id, order_id, event_id, ticket_type_id, ticket_code,
					holder_first_name, holder_last_name, holder_email, merch_size, status)
				VALUES (:id, :org_id, :order_id, :event_id, :ticket_type_id, :ticket_code,
					:holder_first_name, :holder_last_name, :holder_email, :merch_size, :status)`, tickets)
			if err != nil {
				return fmt.Errorf("failed to insert tickets: %w", err)
			}
		}
		return nil
	})
}

// GetOrderByPaymentRef retrieves the order created for a gateway payment.
// Returns nil when none exists.
func (s *Store) GetOrderByPaymentRef(ctx context.Context, paymentRef string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT id, org_id, order_number, event_id, customer_id, status, subtotal, fees,
		       discount_code, discount_amount, vat_amount, vat_rate, vat_inclusive, total, currency,
		       presentment_currency, exchange_rate, payment_method, payment_ref, platform_fee, created_at
		FROM orders WHERE payment_ref = $1`, paymentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CountOrderTickets returns how many tickets an order holds.
func (s *Store) CountOrderTickets(ctx context.Context, orderID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM tickets WHERE order_id = $1", orderID)
	return count, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
