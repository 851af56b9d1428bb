package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"flowex/internal/orderbook"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderRecord is the persisted view of an order. Resting reports whether the
// order currently backs a balance lock.
type OrderRecord struct {
	Order     orderbook.Order
	Resting   bool
	UpdatedAt time.Time
}

func upsertOrder(tx *sql.Tx, o orderbook.Order, resting bool, now time.Time) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO orders
			(id, user_id, symbol, side, kind, tif, price, quantity, filled, status, sequence, resting, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Symbol, o.Side.String(), o.Kind.String(), o.TIF.String(),
		o.Price, o.Quantity, o.Filled, o.Status.String(), o.Sequence, resting,
		o.CreatedAt, now,
	)
	return err
}

// GetOrder retrieves one order by ID
func (s *Store) GetOrder(id uuid.UUID) (*OrderRecord, error) {
	rec, err := scanOrder(s.db.QueryRow(selectOrder+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOrdersByUser returns the user's orders, most recent first
func (s *Store) ListOrdersByUser(userID uuid.UUID, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(selectOrder+" WHERE user_id = ? ORDER BY created_at DESC, sequence DESC LIMIT ?", userID, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListOpenOrders returns the resting orders for a symbol in acceptance order
func (s *Store) ListOpenOrders(symbol string) ([]OrderRecord, error) {
	rows, err := s.db.Query(selectOrder+" WHERE symbol = ? AND resting = 1 ORDER BY sequence", symbol)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

const selectOrder = `
	SELECT id, user_id, symbol, side, kind, tif, price, quantity, filled, status, sequence, resting, created_at, updated_at
	FROM orders`

func scanOrder(row rowScanner) (*OrderRecord, error) {
	rec := &OrderRecord{}
	o := &rec.Order
	var side, kind, tif, status string
	err := row.Scan(
		&o.ID, &o.UserID, &o.Symbol, &side, &kind, &tif,
		&o.Price, &o.Quantity, &o.Filled, &status, &o.Sequence, &rec.Resting,
		&o.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side, err = orderbook.ParseSide(side)
	if err != nil {
		return nil, err
	}
	o.Kind, err = orderbook.ParseOrderKind(kind)
	if err != nil {
		return nil, err
	}
	o.TIF, err = orderbook.ParseTimeInForce(tif)
	if err != nil {
		return nil, err
	}
	o.Status, err = orderbook.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func collectOrders(rows *sql.Rows) ([]OrderRecord, error) {
	defer rows.Close()
	var out []OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
