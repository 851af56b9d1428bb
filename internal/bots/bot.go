// Package bots provides demo liquidity: autonomous agents that trade
// through the engine router so a fresh deployment has a live market.
// Bot accounts bypass the gateway's balance checks; they are funded at
// registration and trade in-process.
package bots

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/engine"
	"flowex/internal/market"
	"flowex/internal/orderbook"
)

// Bot is one autonomous trading agent bound to a single instrument.
type Bot interface {
	Name() string
	Start()
	Stop()
}

// tradeObserver is implemented by bots that track their fills.
type tradeObserver interface {
	onTrade(orderbook.Trade)
}

// trader carries what every bot needs: an account, an instrument, the
// router to trade through, and the tickers for a price reference.
type trader struct {
	name    string
	userID  uuid.UUID
	router  *engine.Router
	tickers *market.Tickers
	inst    engine.InstrumentConfig
	anchor  decimal.Decimal
	stopCh  chan struct{}
}

func newTrader(name string, userID uuid.UUID, router *engine.Router, tickers *market.Tickers, inst engine.InstrumentConfig, anchor decimal.Decimal) trader {
	return trader{
		name:    name,
		userID:  userID,
		router:  router,
		tickers: tickers,
		inst:    inst,
		anchor:  anchor,
		stopCh:  make(chan struct{}),
	}
}

func (t *trader) Name() string { return t.name }

func (t *trader) Stop() { close(t.stopCh) }

func (t *trader) submit(side orderbook.Side, kind orderbook.OrderKind, price, qty decimal.Decimal) (*engine.SubmitResult, error) {
	return t.router.Submit(context.Background(), engine.OrderRequest{
		UserID:   t.userID,
		Symbol:   t.inst.Symbol,
		Side:     side,
		Kind:     kind,
		TIF:      orderbook.GTC,
		Price:    price,
		Quantity: qty,
	})
}

// reference is the quoting anchor: book mid when two-sided, the populated
// side when one-sided, last trade when the book is empty, and the
// configured anchor before any trade.
func (t *trader) reference() decimal.Decimal {
	depth, err := t.router.Depth(context.Background(), t.inst.Symbol, 1)
	if err == nil {
		switch {
		case len(depth.Bids) > 0 && len(depth.Asks) > 0:
			return depth.Bids[0].Price.Add(depth.Asks[0].Price).Div(decimal.NewFromInt(2))
		case len(depth.Bids) > 0:
			return depth.Bids[0].Price
		case len(depth.Asks) > 0:
			return depth.Asks[0].Price
		}
	}
	if tk, ok := t.tickers.Get(t.inst.Symbol); ok && tk.LastPrice.IsPositive() {
		return tk.LastPrice
	}
	return t.anchor
}

// quantizeDown rounds a price down to the tick grid (bids).
func quantizeDown(p, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return p
	}
	return p.Div(tick).Floor().Mul(tick)
}

// quantizeUp rounds a price up to the tick grid (asks).
func quantizeUp(p, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return p
	}
	return p.Div(tick).Ceil().Mul(tick)
}

// Runner manages a collection of bots.
type Runner struct {
	mu   sync.Mutex
	bots []Bot
}

func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) Add(b Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots = append(r.bots, b)
}

// StartAll starts all bots.
func (r *Runner) StartAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bots {
		b.Start()
	}
}

// StopAll stops all bots. Makers pull their quotes on the way out.
func (r *Runner) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bots {
		b.Stop()
	}
}

// OnTrade fans an executed trade to every bot that tracks fills.
func (r *Runner) OnTrade(tr orderbook.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bots {
		if obs, ok := b.(tradeObserver); ok {
			obs.onTrade(tr)
		}
	}
}

// Count returns the number of bots.
func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bots)
}

// Names returns the bot names in registration order.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.bots))
	for i, b := range r.bots {
		names[i] = b.Name()
	}
	return names
}
