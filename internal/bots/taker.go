package bots

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/engine"
	"flowex/internal/market"
	"flowex/internal/orderbook"
)

// NoiseConfig configures a noise taker.
type NoiseConfig struct {
	Interval time.Duration // average time between orders
	MinSize  decimal.Decimal
	MaxSize  decimal.Decimal
	Bias     float64 // directional lean, -1 (always sell) to +1 (always buy)
}

// NoiseTaker fires random market orders to create flow against the makers.
// An empty book rejects them for liquidity, which is harmless.
type NoiseTaker struct {
	trader
	cfg NoiseConfig
	rng *rand.Rand
}

func NewNoiseTaker(name string, cfg NoiseConfig, router *engine.Router, tickers *market.Tickers, inst engine.InstrumentConfig, userID uuid.UUID) *NoiseTaker {
	return &NoiseTaker{
		trader: newTrader(name, userID, router, tickers, inst, decimal.Zero),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (n *NoiseTaker) Start() {
	go n.tradeLoop()
}

func (n *NoiseTaker) tradeLoop() {
	for {
		// Jittered interval, between 0.5x and 1.5x the average.
		wait := time.Duration(float64(n.cfg.Interval) * (0.5 + n.rng.Float64()))

		select {
		case <-time.After(wait):
			n.placeOrder()
		case <-n.stopCh:
			return
		}
	}
}

func (n *NoiseTaker) placeOrder() (*engine.SubmitResult, error) {
	qty := randomSize(n.rng, n.cfg.MinSize, n.cfg.MaxSize, n.inst.StepSize)
	if !qty.IsPositive() {
		return nil, nil
	}

	side := orderbook.Buy
	if n.rng.Float64() > 0.5+n.cfg.Bias/2 {
		side = orderbook.Sell
	}
	return n.submit(side, orderbook.Market, decimal.Zero, qty)
}

// randomSize picks a step-aligned quantity in [minSize, maxSize].
func randomSize(rng *rand.Rand, minSize, maxSize, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return minSize
	}
	lower := minSize.Div(step).Ceil().IntPart()
	upper := maxSize.Div(step).Floor().IntPart()
	if lower < 1 {
		lower = 1
	}
	if upper < lower {
		upper = lower
	}
	return step.Mul(decimal.NewFromInt(lower + rng.Int63n(upper-lower+1)))
}

// MomentumConfig configures a momentum taker.
type MomentumConfig struct {
	Interval   time.Duration   // sampling and trade cadence
	Lookback   int             // samples the trend is measured over
	MinMovePct decimal.Decimal // relative move that triggers a chase, 0.002 = 0.2%
	Size       decimal.Decimal
}

// MomentumTaker samples the last trade price and chases sustained moves with
// market orders. Trading clears the sample window, which doubles as a
// cooldown.
type MomentumTaker struct {
	trader
	cfg     MomentumConfig
	history []decimal.Decimal // owned by the trade loop
}

func NewMomentumTaker(name string, cfg MomentumConfig, router *engine.Router, tickers *market.Tickers, inst engine.InstrumentConfig, userID uuid.UUID) *MomentumTaker {
	return &MomentumTaker{
		trader: newTrader(name, userID, router, tickers, inst, decimal.Zero),
		cfg:    cfg,
	}
}

func (mt *MomentumTaker) Start() {
	go mt.tradeLoop()
}

func (mt *MomentumTaker) tradeLoop() {
	ticker := time.NewTicker(mt.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mt.considerTrade()
		case <-mt.stopCh:
			return
		}
	}
}

func (mt *MomentumTaker) considerTrade() (*engine.SubmitResult, error) {
	tk, ok := mt.tickers.Get(mt.inst.Symbol)
	if !ok || !tk.LastPrice.IsPositive() {
		return nil, nil
	}

	mt.history = append(mt.history, tk.LastPrice)
	if len(mt.history) > mt.cfg.Lookback {
		mt.history = mt.history[1:]
	}
	if len(mt.history) < mt.cfg.Lookback {
		return nil, nil
	}

	first := mt.history[0]
	last := mt.history[len(mt.history)-1]
	move := last.Sub(first).Div(first)
	if move.Abs().LessThan(mt.cfg.MinMovePct) {
		return nil, nil
	}

	// Chase the trend, then restart the window so one move trades once.
	mt.history = mt.history[:0]
	side := orderbook.Buy
	if move.IsNegative() {
		side = orderbook.Sell
	}
	return mt.submit(side, orderbook.Market, decimal.Zero, mt.cfg.Size)
}
