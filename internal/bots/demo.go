package bots

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/engine"
	"flowex/internal/market"
)

// DemoSet builds the demo ecosystem for one instrument: a tight and a wide
// market maker plus noise and momentum takers. register resolves each bot
// username to a funded account, creating it on first use. anchor seeds the
// quotes until the instrument has traded.
func DemoSet(router *engine.Router, tickers *market.Tickers, inst engine.InstrumentConfig, anchor decimal.Decimal, register func(username string) (uuid.UUID, error)) (*Runner, error) {
	if !anchor.IsPositive() {
		return nil, fmt.Errorf("instrument %s: demo set needs a positive anchor price", inst.Symbol)
	}

	runner := NewRunner()
	suffix := strings.ToLower(strings.ReplaceAll(inst.Symbol, "-", "_"))

	add := func(name string, build func(name string, id uuid.UUID) Bot) error {
		id, err := register(name)
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		runner.Add(build(name, id))
		return nil
	}

	tightSize := demoSize(decimal.NewFromInt(2000), anchor, inst)
	wideSize := demoSize(decimal.NewFromInt(5000), anchor, inst)

	if err := add("bot_maker_tight_"+suffix, func(name string, id uuid.UUID) Bot {
		return NewMarketMaker(name, MakerConfig{
			HalfSpread:  demoSpread(anchor, "0.0005", inst.TickSize),
			Size:        tightSize,
			Levels:      3,
			Interval:    2 * time.Second,
			MaxPosition: tightSize.Mul(decimal.NewFromInt(20)),
		}, router, tickers, inst, anchor, id)
	}); err != nil {
		return nil, err
	}

	if err := add("bot_maker_wide_"+suffix, func(name string, id uuid.UUID) Bot {
		return NewMarketMaker(name, MakerConfig{
			HalfSpread:  demoSpread(anchor, "0.003", inst.TickSize),
			Size:        wideSize,
			Levels:      2,
			Interval:    5 * time.Second,
			MaxPosition: wideSize.Mul(decimal.NewFromInt(10)),
		}, router, tickers, inst, anchor, id)
	}); err != nil {
		return nil, err
	}

	if err := add("bot_taker_flow_"+suffix, func(name string, id uuid.UUID) Bot {
		return NewNoiseTaker(name, NoiseConfig{
			Interval: 3 * time.Second,
			MinSize:  demoSize(decimal.NewFromInt(50), anchor, inst),
			MaxSize:  demoSize(decimal.NewFromInt(400), anchor, inst),
			Bias:     0,
		}, router, tickers, inst, id)
	}); err != nil {
		return nil, err
	}

	if err := add("bot_taker_burst_"+suffix, func(name string, id uuid.UUID) Bot {
		return NewNoiseTaker(name, NoiseConfig{
			Interval: 8 * time.Second,
			MinSize:  demoSize(decimal.NewFromInt(200), anchor, inst),
			MaxSize:  demoSize(decimal.NewFromInt(1000), anchor, inst),
			Bias:     0.1,
		}, router, tickers, inst, id)
	}); err != nil {
		return nil, err
	}

	if err := add("bot_taker_trend_"+suffix, func(name string, id uuid.UUID) Bot {
		return NewMomentumTaker(name, MomentumConfig{
			Interval:   5 * time.Second,
			Lookback:   12,
			MinMovePct: decimal.RequireFromString("0.002"),
			Size:       demoSize(decimal.NewFromInt(300), anchor, inst),
		}, router, tickers, inst, id)
	}); err != nil {
		return nil, err
	}

	return runner, nil
}

// demoSize converts a quote-notional target into a step-aligned base
// quantity, at least one step and at least the instrument minimum.
func demoSize(notional, anchor decimal.Decimal, inst engine.InstrumentConfig) decimal.Decimal {
	size := quantizeDown(notional.Div(anchor), inst.StepSize)
	if size.LessThan(inst.MinQuantity) {
		size = inst.MinQuantity
	}
	if !size.IsPositive() {
		size = inst.StepSize
	}
	return size
}

// demoSpread is a relative half-spread floored at one tick. The final quote
// prices are tick-quantized, so the spread itself need not be.
func demoSpread(anchor decimal.Decimal, rate string, tick decimal.Decimal) decimal.Decimal {
	s := anchor.Mul(decimal.RequireFromString(rate))
	if s.LessThan(tick) {
		return tick
	}
	return s
}
