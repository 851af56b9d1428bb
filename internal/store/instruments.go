package store

import (
	"database/sql"
	"errors"
	"time"

	"flowex/internal/engine"
)

// Instrument admin statuses. A halted instrument still accepts cancels.
const (
	InstrumentTrading = "trading"
	InstrumentHalted  = "halted"
)

var ErrInstrumentNotFound = errors.New("instrument not found")

// Instrument is a tradable pair definition plus its admin status.
type Instrument struct {
	Config    engine.InstrumentConfig
	Status    string
	CreatedAt time.Time
}

// SaveInstrument inserts or updates an instrument definition.
func (s *Store) SaveInstrument(cfg engine.InstrumentConfig, status string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO instruments
			(symbol, base_asset, quote_asset, tick_size, step_size, min_quantity, max_quantity,
			 maker_fee_rate, taker_fee_rate, reject_self_trade, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Symbol, cfg.BaseAsset, cfg.QuoteAsset, cfg.TickSize, cfg.StepSize,
		cfg.MinQuantity, cfg.MaxQuantity, cfg.MakerFeeRate, cfg.TakerFeeRate,
		cfg.RejectSelfTrade, status,
	)
	return err
}

// GetInstrument retrieves one instrument by symbol
func (s *Store) GetInstrument(symbol string) (*Instrument, error) {
	row := s.db.QueryRow(`
		SELECT symbol, base_asset, quote_asset, tick_size, step_size, min_quantity, max_quantity,
		       maker_fee_rate, taker_fee_rate, reject_self_trade, status, created_at
		FROM instruments WHERE symbol = ?`, symbol)
	inst, err := scanInstrument(row)
	if err == sql.ErrNoRows {
		return nil, ErrInstrumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ListInstruments returns all instruments ordered by symbol
func (s *Store) ListInstruments() ([]Instrument, error) {
	rows, err := s.db.Query(`
		SELECT symbol, base_asset, quote_asset, tick_size, step_size, min_quantity, max_quantity,
		       maker_fee_rate, taker_fee_rate, reject_self_trade, status, created_at
		FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// SetInstrumentStatus flips an instrument between trading and halted
func (s *Store) SetInstrumentStatus(symbol, status string) error {
	res, err := s.db.Exec("UPDATE instruments SET status = ? WHERE symbol = ?", status, symbol)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstrumentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (*Instrument, error) {
	inst := &Instrument{}
	cfg := &inst.Config
	err := row.Scan(
		&cfg.Symbol, &cfg.BaseAsset, &cfg.QuoteAsset, &cfg.TickSize, &cfg.StepSize,
		&cfg.MinQuantity, &cfg.MaxQuantity, &cfg.MakerFeeRate, &cfg.TakerFeeRate,
		&cfg.RejectSelfTrade, &inst.Status, &inst.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
