package orderbook

import (
	"errors"
	"fmt"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotResting is returned by Remove and PopExhausted when the book does not
// hold the given order id.
var ErrNotResting = errors.New("order not resting")

// level is a price plus the FIFO queue of resting order ids at that price.
// Queue order is acceptance order; partial fills never move an order.
type level struct {
	price decimal.Decimal
	queue []uuid.UUID
}

// Book is the per-instrument order book: bids descending, asks ascending,
// each price level a FIFO queue of order ids, with a single arena owning the
// order data. The book is a pure data structure: it emits no events, knows
// nothing of trades or fees, and is not safe for concurrent use. Exactly one
// engine goroutine may touch it.
type Book struct {
	symbol string
	bids   *rbt.Tree
	asks   *rbt.Tree
	orders map[uuid.UUID]*Order
}

func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   rbt.NewWith(bidComparator),
		asks:   rbt.NewWith(askComparator),
		orders: make(map[uuid.UUID]*Order),
	}
}

func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

// Get returns the resting order with the given id without removing it.
func (b *Book) Get(id uuid.UUID) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// BestBid returns the highest bid price, if any bids rest.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	return bestPrice(b.bids)
}

// BestAsk returns the lowest ask price, if any asks rest.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	return bestPrice(b.asks)
}

func bestPrice(tree *rbt.Tree) (decimal.Decimal, bool) {
	node := tree.Left()
	if node == nil {
		return decimal.Decimal{}, false
	}
	return node.Key.(decimal.Decimal), true
}

// Crossed reports whether best_bid >= best_ask while both sides are
// non-empty. A true return after any completed mutation means the book is
// corrupt.
func (b *Book) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.GreaterThanOrEqual(ask)
}

func (b *Book) side(s Side) *rbt.Tree {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// InsertResting adds a limit order with remaining quantity to the tail of its
// price level, creating the level if absent. Errors indicate caller bugs, not
// recoverable conditions.
func (b *Book) InsertResting(o *Order) error {
	if o.Kind != Limit {
		return fmt.Errorf("cannot rest %s order %s", o.Kind, o.ID)
	}
	if !o.Remaining().IsPositive() {
		return fmt.Errorf("cannot rest order %s with remaining %s", o.ID, o.Remaining())
	}
	if _, exists := b.orders[o.ID]; exists {
		return fmt.Errorf("order %s already resting", o.ID)
	}
	tree := b.side(o.Side)
	if v, found := tree.Get(o.Price); found {
		lv := v.(*level)
		lv.queue = append(lv.queue, o.ID)
	} else {
		tree.Put(o.Price, &level{price: o.Price, queue: []uuid.UUID{o.ID}})
	}
	b.orders[o.ID] = o
	return nil
}

// Remove takes a resting order out of the book by id, deleting its level if
// that empties it. Returns ErrNotResting for unknown ids; any other error
// means the book is corrupt.
func (b *Book) Remove(id uuid.UUID) (*Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, ErrNotResting
	}
	tree := b.side(o.Side)
	v, found := tree.Get(o.Price)
	if !found {
		return nil, fmt.Errorf("order %s indexed but level %s missing", id, o.Price)
	}
	lv := v.(*level)
	idx := -1
	for i, qid := range lv.queue {
		if qid == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("order %s indexed but absent from level %s", id, o.Price)
	}
	lv.queue = append(lv.queue[:idx], lv.queue[idx+1:]...)
	if len(lv.queue) == 0 {
		tree.Remove(o.Price)
	}
	delete(b.orders, id)
	return o, nil
}

// PeekBestOpposite returns the earliest-queued order at the best price on the
// side opposite the given taker side, without removing it. A nil order with a
// nil error means that side is empty.
func (b *Book) PeekBestOpposite(taker Side) (*Order, error) {
	tree := b.side(taker.Opposite())
	node := tree.Left()
	if node == nil {
		return nil, nil
	}
	lv := node.Value.(*level)
	if len(lv.queue) == 0 {
		return nil, fmt.Errorf("level %s indexed but empty", lv.price)
	}
	o, ok := b.orders[lv.queue[0]]
	if !ok {
		return nil, fmt.Errorf("order %s queued at level %s but not in arena", lv.queue[0], lv.price)
	}
	return o, nil
}

// PopExhausted removes the order from the book once its remaining quantity
// has reached zero. The order must be at the front of its level: fills only
// ever consume the earliest order at a price.
func (b *Book) PopExhausted(id uuid.UUID) error {
	o, ok := b.orders[id]
	if !ok {
		return ErrNotResting
	}
	if o.Remaining().IsPositive() {
		return fmt.Errorf("order %s not exhausted: remaining %s", id, o.Remaining())
	}
	tree := b.side(o.Side)
	v, found := tree.Get(o.Price)
	if !found {
		return fmt.Errorf("order %s indexed but level %s missing", id, o.Price)
	}
	lv := v.(*level)
	if len(lv.queue) == 0 || lv.queue[0] != id {
		return fmt.Errorf("order %s exhausted but not at front of level %s", id, o.Price)
	}
	lv.queue = lv.queue[1:]
	if len(lv.queue) == 0 {
		tree.Remove(o.Price)
	}
	delete(b.orders, id)
	return nil
}

// Walk visits resting orders on one side in matching order: best price first,
// earliest order first within a price. The callback returns false to stop.
// The callback must not mutate the book.
func (b *Book) Walk(s Side, fn func(*Order) bool) error {
	it := b.side(s).Iterator()
	for it.Next() {
		lv := it.Value().(*level)
		if len(lv.queue) == 0 {
			return fmt.Errorf("level %s indexed but empty", lv.price)
		}
		for _, id := range lv.queue {
			o, ok := b.orders[id]
			if !ok {
				return fmt.Errorf("order %s queued at level %s but not in arena", id, lv.price)
			}
			if !fn(o) {
				return nil
			}
		}
	}
	return nil
}

// PriceLevel is one aggregated row of a depth snapshot.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Depth is a point-in-time aggregate view of the book: bids best-first,
// asks best-first, each level's quantity the sum of resting remainders.
type Depth struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// Depth aggregates up to maxLevels levels per side; maxLevels <= 0 means all.
func (b *Book) Depth(maxLevels int) Depth {
	return Depth{
		Symbol: b.symbol,
		Bids:   b.depthSide(b.bids, maxLevels),
		Asks:   b.depthSide(b.asks, maxLevels),
	}
}

func (b *Book) depthSide(tree *rbt.Tree, maxLevels int) []PriceLevel {
	out := make([]PriceLevel, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		if maxLevels > 0 && len(out) == maxLevels {
			break
		}
		lv := it.Value().(*level)
		qty := decimal.Zero
		for _, id := range lv.queue {
			if o, ok := b.orders[id]; ok {
				qty = qty.Add(o.Remaining())
			}
		}
		out = append(out, PriceLevel{Price: lv.price, Quantity: qty})
	}
	return out
}

func askComparator(a, b interface{}) int {
	aAsserted := a.(decimal.Decimal)
	bAsserted := b.(decimal.Decimal)
	switch {
	case aAsserted.GreaterThan(bAsserted):
		return 1
	case aAsserted.LessThan(bAsserted):
		return -1
	default:
		return 0
	}
}

func bidComparator(a, b interface{}) int {
	aAsserted := a.(decimal.Decimal)
	bAsserted := b.(decimal.Decimal)
	switch {
	case aAsserted.GreaterThan(bAsserted):
		return -1
	case aAsserted.LessThan(bAsserted):
		return 1
	default:
		return 0
	}
}
