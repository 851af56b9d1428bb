package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flowex/internal/orderbook"
)

// Ticker is the rolling-window statistics for one instrument.
type Ticker struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"last_price"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	ChangePct   decimal.Decimal `json:"change_pct"`
	BaseVolume  decimal.Decimal `json:"base_volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Trades      int             `json:"trades"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type sample struct {
	price decimal.Decimal
	qty   decimal.Decimal
	at    time.Time
}

// recentTradeCap bounds the per-symbol recent-trades ring.
const recentTradeCap = 256

// Tickers aggregates executed trades into per-symbol rolling statistics.
// Samples older than the window are pruned; the last trade price survives
// pruning so a quiet market still quotes.
type Tickers struct {
	mu      sync.RWMutex
	window  time.Duration
	samples map[string][]sample
	last    map[string]sample
	recent  map[string][]orderbook.Trade
	stopCh  chan struct{}
}

// NewTickers creates a ticker aggregator over a 24h window.
func NewTickers() *Tickers {
	return NewTickersWindow(24 * time.Hour)
}

// NewTickersWindow creates a ticker aggregator over a custom window.
func NewTickersWindow(window time.Duration) *Tickers {
	return &Tickers{
		window:  window,
		samples: make(map[string][]sample),
		last:    make(map[string]sample),
		recent:  make(map[string][]orderbook.Trade),
		stopCh:  make(chan struct{}),
	}
}

// OnTrade folds one fill into the statistics. Trades must arrive in
// per-symbol sequence order; the trade's own timestamp places it in the
// window.
func (t *Tickers) OnTrade(tr orderbook.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := sample{price: tr.Price, qty: tr.Quantity, at: tr.Timestamp}
	t.samples[tr.Symbol] = append(t.samples[tr.Symbol], s)
	t.last[tr.Symbol] = s

	ring := append(t.recent[tr.Symbol], tr)
	if len(ring) > recentTradeCap {
		ring = append([]orderbook.Trade(nil), ring[len(ring)-recentTradeCap:]...)
	}
	t.recent[tr.Symbol] = ring
}

// RecentTrades returns up to limit of the newest trades for a symbol,
// newest first. limit <= 0 returns everything retained.
func (t *Tickers) RecentTrades(symbol string, limit int) []orderbook.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ring := t.recent[symbol]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]orderbook.Trade, 0, limit)
	for i := len(ring) - 1; i >= len(ring)-limit; i-- {
		out = append(out, ring[i])
	}
	return out
}

// Get returns the current ticker for a symbol, false if it never traded.
func (t *Tickers) Get(symbol string) (Ticker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.last[symbol]
	if !ok {
		return Ticker{}, false
	}
	return t.compute(symbol, last, time.Now()), true
}

// All returns tickers for every symbol that ever traded, sorted by symbol.
func (t *Tickers) All() []Ticker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	out := make([]Ticker, 0, len(t.last))
	for symbol, last := range t.last {
		out = append(out, t.compute(symbol, last, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// compute walks the in-window samples. Callers hold at least a read lock.
func (t *Tickers) compute(symbol string, last sample, now time.Time) Ticker {
	cutoff := now.Add(-t.window)
	tk := Ticker{
		Symbol:    symbol,
		LastPrice: last.price,
		UpdatedAt: last.at,
	}
	for _, s := range t.samples[symbol] {
		if s.at.Before(cutoff) {
			continue
		}
		if tk.Trades == 0 {
			tk.Open = s.price
			tk.High = s.price
			tk.Low = s.price
		} else {
			if s.price.GreaterThan(tk.High) {
				tk.High = s.price
			}
			if s.price.LessThan(tk.Low) {
				tk.Low = s.price
			}
		}
		tk.BaseVolume = tk.BaseVolume.Add(s.qty)
		tk.QuoteVolume = tk.QuoteVolume.Add(s.qty.Mul(s.price))
		tk.Trades++
	}
	if tk.Trades == 0 {
		// Everything aged out; quote the last known price flat.
		tk.Open = last.price
		tk.High = last.price
		tk.Low = last.price
	}
	if tk.Open.IsPositive() {
		tk.ChangePct = tk.LastPrice.Sub(tk.Open).Mul(decimal.NewFromInt(100)).DivRound(tk.Open, 2)
	}
	return tk
}

// Start begins pruning aged samples at the given interval
func (t *Tickers) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.prune(time.Now())
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the pruning loop
func (t *Tickers) Stop() {
	close(t.stopCh)
}

// prune drops samples that fell out of the window
func (t *Tickers) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	t.mu.Lock()
	defer t.mu.Unlock()
	for symbol, ss := range t.samples {
		i := 0
		for i < len(ss) && ss[i].at.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		if i == len(ss) {
			delete(t.samples, symbol)
			continue
		}
		t.samples[symbol] = append([]sample(nil), ss[i:]...)
	}
}
