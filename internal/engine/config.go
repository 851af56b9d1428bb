package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InstrumentConfig is the static per-instrument configuration resolved before
// any request enters the engine. Fee rates are per-instrument, not per-order.
type InstrumentConfig struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	TickSize    decimal.Decimal // minimum price increment
	StepSize    decimal.Decimal // minimum quantity increment
	MinQuantity decimal.Decimal // zero means no minimum
	MaxQuantity decimal.Decimal // zero means no maximum

	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal

	// RejectSelfTrade rejects incoming orders that would execute against the
	// same user's resting orders. Off by default: self-trades are allowed.
	RejectSelfTrade bool
}

func (c InstrumentConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("instrument symbol is required")
	}
	if !c.TickSize.IsPositive() {
		return fmt.Errorf("instrument %s: tick size must be positive", c.Symbol)
	}
	if !c.StepSize.IsPositive() {
		return fmt.Errorf("instrument %s: step size must be positive", c.Symbol)
	}
	if c.MinQuantity.IsNegative() || c.MaxQuantity.IsNegative() {
		return fmt.Errorf("instrument %s: quantity bounds must not be negative", c.Symbol)
	}
	if c.MaxQuantity.IsPositive() && c.MaxQuantity.LessThan(c.MinQuantity) {
		return fmt.Errorf("instrument %s: max quantity below min quantity", c.Symbol)
	}
	if c.MakerFeeRate.IsNegative() || c.TakerFeeRate.IsNegative() {
		return fmt.Errorf("instrument %s: fee rates must not be negative", c.Symbol)
	}
	return nil
}
