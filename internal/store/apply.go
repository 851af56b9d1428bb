package store

import (
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/engine"
	"flowex/internal/orderbook"
)

// ApplyEvent projects one engine event into the database. Events must be
// applied in emission order; each call runs in its own transaction. Trade
// inserts are keyed by trade id, so a replayed trade cannot settle twice.
func (s *Store) ApplyEvent(ev engine.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch e := ev.(type) {
	case engine.OrderAccepted:
		err = applyAccepted(tx, e)
	case engine.TradeExecuted:
		err = applyTrade(tx, e)
	case engine.OrderStatusChanged:
		err = applyStatusChanged(tx, e)
	case engine.OrderRejected:
		// Rejected orders never touched the book and are not persisted.
		return nil
	default:
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func applyAccepted(tx *sql.Tx, e engine.OrderAccepted) error {
	o := e.Order
	resting := !o.Status.Terminal()
	if err := upsertOrder(tx, o, resting, time.Now()); err != nil {
		return err
	}
	if !resting {
		return nil
	}

	// Funds backing the resting remainder move from available to locked:
	// quote at the limit price for bids, base for asks.
	base, quote, err := instrumentAssets(tx, o.Symbol)
	if err != nil {
		return err
	}
	if o.Side == orderbook.Buy {
		amount := o.Remaining().Mul(o.Price)
		return adjustBalance(tx, o.UserID, quote, amount.Neg(), amount)
	}
	return adjustBalance(tx, o.UserID, base, o.Remaining().Neg(), o.Remaining())
}

func applyTrade(tx *sql.Tx, e engine.TradeExecuted) error {
	inserted, err := insertTrade(tx, e.Trade)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	base, quote, err := instrumentAssets(tx, e.Trade.Symbol)
	if err != nil {
		return err
	}
	return settleTrade(tx, e.Trade, base, quote)
}

// settleTrade moves assets between taker, maker, and the fee account. The
// maker settles out of funds locked when its order rested; the taker settles
// from available. Both fees are charged in the quote asset.
func settleTrade(tx *sql.Tx, t orderbook.Trade, base, quote string) error {
	cost := t.Quantity.Mul(t.Price)
	ref := t.ID.String()

	type move struct {
		user    uuid.UUID
		asset   string
		dAvail  decimal.Decimal
		dLocked decimal.Decimal
		kind    string
	}
	var moves []move
	if t.TakerSide == orderbook.Buy {
		moves = []move{
			{t.TakerUserID, quote, cost.Neg(), decimal.Zero, "trade"},
			{t.TakerUserID, base, t.Quantity, decimal.Zero, "trade"},
			{t.MakerUserID, base, decimal.Zero, t.Quantity.Neg(), "trade"},
			{t.MakerUserID, quote, cost, decimal.Zero, "trade"},
		}
	} else {
		moves = []move{
			{t.TakerUserID, base, t.Quantity.Neg(), decimal.Zero, "trade"},
			{t.TakerUserID, quote, cost, decimal.Zero, "trade"},
			{t.MakerUserID, quote, decimal.Zero, cost.Neg(), "trade"},
			{t.MakerUserID, base, t.Quantity, decimal.Zero, "trade"},
		}
	}
	moves = append(moves,
		move{t.TakerUserID, quote, t.TakerFee.Neg(), decimal.Zero, "fee"},
		move{t.MakerUserID, quote, t.MakerFee.Neg(), decimal.Zero, "fee"},
		move{FeeAccount, quote, t.TakerFee.Add(t.MakerFee), decimal.Zero, "fee"},
	)

	for _, m := range moves {
		if m.dAvail.IsZero() && m.dLocked.IsZero() {
			continue
		}
		if err := adjustBalance(tx, m.user, m.asset, m.dAvail, m.dLocked); err != nil {
			return err
		}
		// Ledger entries record available-side movement only; locked funds
		// were already accounted for when they left available.
		if !m.dAvail.IsZero() {
			if err := addLedger(tx, m.user, m.asset, m.dAvail, m.kind, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyStatusChanged(tx *sql.Tx, e engine.OrderStatusChanged) error {
	var sideStr string
	var price, quantity decimal.Decimal
	var resting bool
	err := tx.QueryRow(
		"SELECT side, price, quantity, resting FROM orders WHERE id = ?", e.OrderID,
	).Scan(&sideStr, &price, &quantity, &resting)
	if err == sql.ErrNoRows {
		log.Printf("[STORE] status change for unknown order %s", e.OrderID)
		return nil
	}
	if err != nil {
		return err
	}

	stillResting := resting && !e.New.Terminal()
	_, err = tx.Exec(
		"UPDATE orders SET status = ?, filled = ?, resting = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		e.New.String(), quantity.Sub(e.Remaining), stillResting, e.OrderID,
	)
	if err != nil {
		return err
	}

	// A resting order leaving the book releases whatever lock its unfilled
	// remainder still holds. Fills consumed their share during settlement.
	if !resting || !e.New.Terminal() || e.Remaining.IsZero() {
		return nil
	}
	base, quote, err := instrumentAssets(tx, e.Symbol)
	if err != nil {
		return err
	}
	side, err := orderbook.ParseSide(sideStr)
	if err != nil {
		return err
	}
	if side == orderbook.Buy {
		amount := e.Remaining.Mul(price)
		return adjustBalance(tx, e.UserID, quote, amount, amount.Neg())
	}
	return adjustBalance(tx, e.UserID, base, e.Remaining, e.Remaining.Neg())
}

func instrumentAssets(tx *sql.Tx, symbol string) (base, quote string, err error) {
	err = tx.QueryRow(
		"SELECT base_asset, quote_asset FROM instruments WHERE symbol = ?", symbol,
	).Scan(&base, &quote)
	if err == sql.ErrNoRows {
		return "", "", ErrInstrumentNotFound
	}
	return base, quote, err
}
