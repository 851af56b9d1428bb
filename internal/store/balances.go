package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeAccount is the house user. Trading fees accumulate on its balances.
var FeeAccount = uuid.Nil

var ErrInsufficientBalance = errors.New("insufficient balance")

// GetBalance returns the user's balance for one asset, zero-valued if the
// user never held it.
func (s *Store) GetBalance(userID uuid.UUID, asset string) (*Balance, error) {
	b := &Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Locked: decimal.Zero}
	err := s.db.QueryRow(
		"SELECT available, locked, updated_at FROM balances WHERE user_id = ? AND asset = ?",
		userID, asset,
	).Scan(&b.Available, &b.Locked, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBalances returns all balances for a user ordered by asset
func (s *Store) ListBalances(userID uuid.UUID) ([]Balance, error) {
	rows, err := s.db.Query(
		"SELECT user_id, asset, available, locked, updated_at FROM balances WHERE user_id = ? ORDER BY asset",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Deposit credits available funds and records a ledger entry
func (s *Store) Deposit(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := adjustBalance(tx, userID, asset, amount, decimal.Zero); err != nil {
		return err
	}
	if err := addLedger(tx, userID, asset, amount, "deposit", ""); err != nil {
		return err
	}
	return tx.Commit()
}

// Withdraw debits available funds, failing if the user lacks them
func (s *Store) Withdraw(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("withdrawal amount must be positive, got %s", amount)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	available, _, err := readBalance(tx, userID, asset)
	if err != nil {
		return err
	}
	if available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	if err := adjustBalance(tx, userID, asset, amount.Neg(), decimal.Zero); err != nil {
		return err
	}
	if err := addLedger(tx, userID, asset, amount.Neg(), "withdrawal", ""); err != nil {
		return err
	}
	return tx.Commit()
}

func readBalance(tx *sql.Tx, userID uuid.UUID, asset string) (available, locked decimal.Decimal, err error) {
	err = tx.QueryRow(
		"SELECT available, locked FROM balances WHERE user_id = ? AND asset = ?",
		userID, asset,
	).Scan(&available, &locked)
	if err == sql.ErrNoRows {
		return decimal.Zero, decimal.Zero, nil
	}
	return available, locked, err
}

// adjustBalance applies signed deltas to one balance row, creating it on
// first touch. Callers decide whether negative results are acceptable.
func adjustBalance(tx *sql.Tx, userID uuid.UUID, asset string, dAvailable, dLocked decimal.Decimal) error {
	available, locked, err := readBalance(tx, userID, asset)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO balances (user_id, asset, available, locked) VALUES (?, ?, ?, ?)",
		userID, asset, available.Add(dAvailable), locked.Add(dLocked),
	)
	return err
}

func addLedger(tx *sql.Tx, userID uuid.UUID, asset string, amount decimal.Decimal, kind, ref string) error {
	_, err := tx.Exec(
		"INSERT INTO transactions (user_id, asset, amount, kind, ref) VALUES (?, ?, ?, ?, ?)",
		userID, asset, amount, kind, ref,
	)
	return err
}

// ListTransactions returns the user's ledger entries, newest first
func (s *Store) ListTransactions(userID uuid.UUID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT id, user_id, asset, amount, kind, ref, created_at FROM transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Asset, &t.Amount, &t.Kind, &t.Ref, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
