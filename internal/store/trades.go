package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"flowex/internal/orderbook"
)

// insertTrade records a fill, reporting whether the row was new. Replayed
// events hit the primary key and change nothing.
func insertTrade(tx *sql.Tx, t orderbook.Trade) (bool, error) {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO trades
			(id, symbol, price, quantity, maker_order_id, taker_order_id,
			 maker_user_id, taker_user_id, taker_side, maker_fee, taker_fee, sequence, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.Price, t.Quantity, t.MakerOrderID, t.TakerOrderID,
		t.MakerUserID, t.TakerUserID, t.TakerSide.String(), t.MakerFee, t.TakerFee,
		t.Sequence, t.Timestamp,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListTradesBySymbol returns recent trades for a symbol, newest first
func (s *Store) ListTradesBySymbol(symbol string, limit int) ([]orderbook.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		selectTrade+" WHERE symbol = ? ORDER BY executed_at DESC, sequence DESC LIMIT ?",
		symbol, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

// ListTradesByUser returns trades where the user was maker or taker, newest first
func (s *Store) ListTradesByUser(userID uuid.UUID, limit int) ([]orderbook.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		selectTrade+" WHERE maker_user_id = ? OR taker_user_id = ? ORDER BY executed_at DESC, sequence DESC LIMIT ?",
		userID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

const selectTrade = `
	SELECT id, symbol, price, quantity, maker_order_id, taker_order_id,
	       maker_user_id, taker_user_id, taker_side, maker_fee, taker_fee, sequence, executed_at
	FROM trades`

func scanTrade(row rowScanner) (*orderbook.Trade, error) {
	t := &orderbook.Trade{}
	var side string
	var executedAt time.Time
	err := row.Scan(
		&t.ID, &t.Symbol, &t.Price, &t.Quantity, &t.MakerOrderID, &t.TakerOrderID,
		&t.MakerUserID, &t.TakerUserID, &side, &t.MakerFee, &t.TakerFee,
		&t.Sequence, &executedAt,
	)
	if err != nil {
		return nil, err
	}
	t.TakerSide, err = orderbook.ParseSide(side)
	if err != nil {
		return nil, err
	}
	t.Timestamp = executedAt
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]orderbook.Trade, error) {
	defer rows.Close()
	var out []orderbook.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
