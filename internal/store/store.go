package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// Store provides SQLite persistence for users, instruments, orders, trades,
// and the balance ledger. The matching engine never touches it; state flows
// in through ApplyEvent.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and runs any pending migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection for advanced operations
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// User represents a registered user
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Balance is one user's holding of one asset. Funds backing resting orders
// sit in Locked; Available is spendable.
type Balance struct {
	UserID    uuid.UUID
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Transaction is one ledger entry: a signed balance change with its cause.
type Transaction struct {
	ID        int64
	UserID    uuid.UUID
	Asset     string
	Amount    decimal.Decimal
	Kind      string // deposit, withdrawal, trade, fee
	Ref       string // trade id for trade and fee entries
	CreatedAt time.Time
}
