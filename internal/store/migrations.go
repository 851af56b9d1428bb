package store

import (
	"fmt"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all migrations
// New migrations should be appended to the end with incrementing version numbers
var migrations = []Migration{
	{
		Version:     1,
		Description: "Users, sessions, instruments",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS instruments (
			symbol TEXT PRIMARY KEY,
			base_asset TEXT NOT NULL,
			quote_asset TEXT NOT NULL,
			tick_size TEXT NOT NULL,
			step_size TEXT NOT NULL,
			min_quantity TEXT NOT NULL,
			max_quantity TEXT NOT NULL,
			maker_fee_rate TEXT NOT NULL,
			taker_fee_rate TEXT NOT NULL,
			reject_self_trade INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'trading',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
		`,
	},
	{
		Version:     2,
		Description: "Orders and trades",
		SQL: `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			kind TEXT NOT NULL,
			tif TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			filled TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			resting INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			maker_order_id TEXT NOT NULL,
			taker_order_id TEXT NOT NULL,
			maker_user_id TEXT NOT NULL,
			taker_user_id TEXT NOT NULL,
			taker_side TEXT NOT NULL,
			maker_fee TEXT NOT NULL,
			taker_fee TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			executed_at DATETIME NOT NULL,
			UNIQUE(symbol, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, sequence);
		CREATE INDEX IF NOT EXISTS idx_trades_maker ON trades(maker_user_id);
		CREATE INDEX IF NOT EXISTS idx_trades_taker ON trades(taker_user_id);
		`,
	},
	{
		Version:     3,
		Description: "Balance ledger",
		SQL: `
		CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			available TEXT NOT NULL DEFAULT '0',
			locked TEXT NOT NULL DEFAULT '0',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, asset)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			kind TEXT NOT NULL,
			ref TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
		`,
	},
}

// initMigrationsTable creates the migrations tracking table
func (s *Store) initMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// getCurrentVersion returns the highest applied migration version
func (s *Store) getCurrentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate runs all pending migrations
func (s *Store) Migrate() error {
	if err := s.initMigrationsTable(); err != nil {
		return fmt.Errorf("failed to init migrations table: %w", err)
	}

	currentVersion, err := s.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	return nil
}

// applyMigration runs a single migration in a transaction
func (s *Store) applyMigration(m Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Run the migration SQL
	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}

	// Record the migration
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// MigrationStatus returns applied and pending migrations
func (s *Store) MigrationStatus() (applied []int, pending []int, err error) {
	if err := s.initMigrationsTable(); err != nil {
		return nil, nil, err
	}

	// Get applied versions
	rows, err := s.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	appliedSet := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, nil, err
		}
		applied = append(applied, v)
		appliedSet[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// Find pending
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m.Version)
		}
	}

	return applied, pending, nil
}
