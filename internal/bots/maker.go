package bots

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/engine"
	"flowex/internal/market"
	"flowex/internal/orderbook"
)

// MakerConfig configures a market maker bot.
type MakerConfig struct {
	HalfSpread  decimal.Decimal // distance from the reference to the first level
	Size        decimal.Decimal // quantity per price level
	Levels      int             // levels on each side
	Interval    time.Duration   // how often to re-quote
	MaxPosition decimal.Decimal // inventory bound, zero means unbounded
}

// MarketMaker keeps a two-sided quote around the reference price. Inventory
// skews the quotes toward flattening: a long book lowers both sides, a short
// book raises them.
type MarketMaker struct {
	trader
	cfg MakerConfig

	posMu    sync.Mutex
	position decimal.Decimal

	orderIDs []uuid.UUID // owned by the quote loop
}

func NewMarketMaker(name string, cfg MakerConfig, router *engine.Router, tickers *market.Tickers, inst engine.InstrumentConfig, anchor decimal.Decimal, userID uuid.UUID) *MarketMaker {
	return &MarketMaker{
		trader: newTrader(name, userID, router, tickers, inst, anchor),
		cfg:    cfg,
	}
}

func (m *MarketMaker) Start() {
	go m.quoteLoop()
}

func (m *MarketMaker) quoteLoop() {
	m.requote()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.requote()
		case <-m.stopCh:
			m.cancelQuotes()
			return
		}
	}
}

// Position returns the current base inventory, negative when short.
func (m *MarketMaker) Position() decimal.Decimal {
	m.posMu.Lock()
	defer m.posMu.Unlock()
	return m.position
}

// onTrade folds a fill into the inventory. Called from the event dispatcher,
// so it must never wait on the quote loop.
func (m *MarketMaker) onTrade(tr orderbook.Trade) {
	if tr.Symbol != m.inst.Symbol {
		return
	}
	if tr.MakerUserID == m.userID && tr.TakerUserID == m.userID {
		return // self-cross nets to zero
	}

	var delta decimal.Decimal
	switch m.userID {
	case tr.MakerUserID:
		if tr.TakerSide == orderbook.Buy {
			delta = tr.Quantity.Neg() // taker bought from us
		} else {
			delta = tr.Quantity
		}
	case tr.TakerUserID:
		if tr.TakerSide == orderbook.Buy {
			delta = tr.Quantity
		} else {
			delta = tr.Quantity.Neg()
		}
	default:
		return
	}

	m.posMu.Lock()
	m.position = m.position.Add(delta)
	m.posMu.Unlock()
}

// requote replaces the standing quotes with a fresh ladder around the
// current reference. Quotes filled since the last pass cancel as not-found,
// which is fine.
func (m *MarketMaker) requote() {
	ctx := context.Background()
	for _, id := range m.orderIDs {
		m.router.Cancel(ctx, m.inst.Symbol, id, m.userID)
	}
	m.orderIDs = m.orderIDs[:0]

	ref := m.reference()
	if !ref.IsPositive() {
		return
	}

	pos := m.Position()

	// Skew both sides against the inventory, up to one half-spread.
	skew := decimal.Zero
	if m.cfg.MaxPosition.IsPositive() && !pos.IsZero() {
		ratio := pos.Div(m.cfg.MaxPosition)
		one := decimal.NewFromInt(1)
		if ratio.GreaterThan(one) {
			ratio = one
		} else if ratio.LessThan(one.Neg()) {
			ratio = one.Neg()
		}
		skew = m.cfg.HalfSpread.Mul(ratio)
	}

	canBuy := !m.cfg.MaxPosition.IsPositive() || pos.LessThan(m.cfg.MaxPosition)
	canSell := !m.cfg.MaxPosition.IsPositive() || pos.GreaterThan(m.cfg.MaxPosition.Neg())

	for i := 1; i <= m.cfg.Levels; i++ {
		offset := m.cfg.HalfSpread.Mul(decimal.NewFromInt(int64(i)))

		if canBuy {
			bid := quantizeDown(ref.Sub(offset).Sub(skew), m.inst.TickSize)
			if bid.IsPositive() {
				if res, err := m.submit(orderbook.Buy, orderbook.Limit, bid, m.cfg.Size); err == nil && !res.Rejected() {
					m.orderIDs = append(m.orderIDs, res.Order.ID)
				}
			}
		}
		if canSell {
			ask := quantizeUp(ref.Add(offset).Sub(skew), m.inst.TickSize)
			if ask.IsPositive() {
				if res, err := m.submit(orderbook.Sell, orderbook.Limit, ask, m.cfg.Size); err == nil && !res.Rejected() {
					m.orderIDs = append(m.orderIDs, res.Order.ID)
				}
			}
		}
	}
}

// cancelQuotes pulls everything the maker has resting.
func (m *MarketMaker) cancelQuotes() {
	ctx := context.Background()
	for _, id := range m.orderIDs {
		m.router.Cancel(ctx, m.inst.Symbol, id, m.userID)
	}
	m.orderIDs = m.orderIDs[:0]
}
