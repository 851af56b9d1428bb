package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/orderbook"
)

// quoteScale is the fractional precision for derived quote amounts (fees,
// average prices). Rounding is half-to-even, never truncation.
const quoteScale = 8

func fee(qty, price, rate decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(rate).RoundBank(quoteScale)
}

// divHalfEven divides a by b with banker's rounding at quoteScale digits.
func divHalfEven(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, quoteScale+4).RoundBank(quoteScale)
}

// OrderRequest is a validated order intent. Balance sufficiency and
// authentication are the caller's concern; price and quantity constraints are
// checked here against the instrument configuration.
type OrderRequest struct {
	UserID   uuid.UUID
	Symbol   string
	Side     orderbook.Side
	Kind     orderbook.OrderKind
	TIF      orderbook.TimeInForce
	Price    decimal.Decimal // limit orders only; ignored for market orders
	Quantity decimal.Decimal
}

// SubmitResult reports what one submission did: the post-processing order
// snapshot, the fills it produced, and the reason when it was rejected or its
// residual was cancelled.
type SubmitResult struct {
	Order  orderbook.Order
	Trades []orderbook.Trade
	Reason Reason
}

func (r *SubmitResult) Rejected() bool {
	return r.Order.Status == orderbook.StatusRejected
}

// AvgFillPrice returns the quantity-weighted average price across the
// result's trades, zero if nothing filled.
func (r *SubmitResult) AvgFillPrice() decimal.Decimal {
	if len(r.Trades) == 0 {
		return decimal.Zero
	}
	notional := decimal.Zero
	qty := decimal.Zero
	for _, t := range r.Trades {
		notional = notional.Add(t.Quantity.Mul(t.Price))
		qty = qty.Add(t.Quantity)
	}
	return divHalfEven(notional, qty)
}

func (e *InstrumentEngine) orderFromRequest(req OrderRequest, now time.Time) *orderbook.Order {
	o := &orderbook.Order{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Symbol:    e.cfg.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		TIF:       req.TIF,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    orderbook.StatusNew,
		CreatedAt: now,
	}
	if o.Kind == orderbook.Market {
		o.Price = decimal.Zero
	}
	return o
}

func (e *InstrumentEngine) processSubmit(req OrderRequest, now time.Time) (*SubmitResult, error) {
	order := e.orderFromRequest(req, now)
	if e.halted {
		return e.rejectOrder(order, ReasonMarketHalted), nil
	}
	if reason, ok := e.validateOrder(order); !ok {
		return e.rejectOrder(order, reason), nil
	}
	return e.acceptOrder(order, now)
}

// rejectOrder marks the order terminally rejected without touching the book.
func (e *InstrumentEngine) rejectOrder(order *orderbook.Order, reason Reason) *SubmitResult {
	order.Status = orderbook.StatusRejected
	e.emit(OrderRejected{
		OrderID: order.ID,
		UserID:  order.UserID,
		Symbol:  order.Symbol,
		Reason:  reason,
	})
	return &SubmitResult{Order: *order, Reason: reason}
}

func (e *InstrumentEngine) validateOrder(o *orderbook.Order) (Reason, bool) {
	q := o.Quantity
	if !q.IsPositive() || !q.Mod(e.cfg.StepSize).IsZero() {
		return ReasonInvalidQuantity, false
	}
	if e.cfg.MinQuantity.IsPositive() && q.LessThan(e.cfg.MinQuantity) {
		return ReasonInvalidQuantity, false
	}
	if e.cfg.MaxQuantity.IsPositive() && q.GreaterThan(e.cfg.MaxQuantity) {
		return ReasonInvalidQuantity, false
	}
	if o.Kind == orderbook.Limit {
		if !o.Price.IsPositive() || !o.Price.Mod(e.cfg.TickSize).IsZero() {
			return ReasonInvalidPrice, false
		}
	}
	return "", true
}

// acceptOrder runs the pre-mutation checks, assigns the acceptance sequence
// number, matches, and applies residual policy. Any returned error is an
// invariant violation.
func (e *InstrumentEngine) acceptOrder(order *orderbook.Order, now time.Time) (*SubmitResult, error) {
	if e.cfg.RejectSelfTrade {
		hit, err := e.wouldCrossSelf(order)
		if err != nil {
			return nil, err
		}
		if hit {
			return e.rejectOrder(order, ReasonCrossedSelf), nil
		}
	}
	if order.Kind == orderbook.Limit && order.TIF == orderbook.FOK {
		feasible, err := e.fokFeasible(order)
		if err != nil {
			return nil, err
		}
		if !feasible {
			return e.rejectOrder(order, ReasonInsufficientLiquidity), nil
		}
	}

	e.orderSeq++
	order.Sequence = e.orderSeq

	trades, fillEvents, err := e.matchIncoming(order, now)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Trades: trades}
	if !order.IsFilled() {
		switch {
		case order.Kind == orderbook.Market, order.TIF == orderbook.IOC:
			old := order.Status
			order.Status = orderbook.StatusCancelled
			result.Reason = ReasonInsufficientLiquidity
			fillEvents = append(fillEvents, OrderStatusChanged{
				OrderID:   order.ID,
				UserID:    order.UserID,
				Symbol:    order.Symbol,
				Old:       old,
				New:       order.Status,
				Remaining: order.Remaining(),
				Reason:    ReasonInsufficientLiquidity,
			})
		case order.TIF == orderbook.FOK:
			return nil, fmt.Errorf("fok order %s unfilled after feasibility check, remaining %s", order.ID, order.Remaining())
		default: // GTC rests
			if err := e.book.InsertResting(order); err != nil {
				return nil, err
			}
		}
	}

	e.emit(OrderAccepted{Order: *order, ResultingStatus: order.Status})
	e.emitAll(fillEvents)

	if e.book.Crossed() {
		return nil, fmt.Errorf("book crossed after order %s", order.ID)
	}
	result.Order = *order
	return result, nil
}

func crosses(taker *orderbook.Order, restingPrice decimal.Decimal) bool {
	if taker.Kind == orderbook.Market {
		return true
	}
	if taker.Side == orderbook.Buy {
		return restingPrice.LessThanOrEqual(taker.Price)
	}
	return restingPrice.GreaterThanOrEqual(taker.Price)
}

// matchIncoming walks the opposite side in price-time order, producing fills
// until the taker is exhausted or no resting order crosses. Trade price is
// always the resting order's price.
func (e *InstrumentEngine) matchIncoming(taker *orderbook.Order, now time.Time) ([]orderbook.Trade, []Event, error) {
	var trades []orderbook.Trade
	var events []Event

	for taker.Remaining().IsPositive() {
		resting, err := e.book.PeekBestOpposite(taker.Side)
		if err != nil {
			return trades, events, err
		}
		if resting == nil || !crosses(taker, resting.Price) {
			break
		}

		qty := decimal.Min(taker.Remaining(), resting.Remaining())
		makerOld := resting.Status
		takerOld := taker.Status

		taker.Filled = taker.Filled.Add(qty)
		resting.Filled = resting.Filled.Add(qty)
		if taker.Remaining().IsNegative() || resting.Remaining().IsNegative() {
			return trades, events, fmt.Errorf("negative remainder matching %s against %s", taker.ID, resting.ID)
		}

		if resting.IsFilled() {
			resting.Status = orderbook.StatusFilled
			if err := e.book.PopExhausted(resting.ID); err != nil {
				return trades, events, err
			}
		} else {
			// Partial fill: the maker keeps its queue position.
			resting.Status = orderbook.StatusPartiallyFilled
		}
		if taker.IsFilled() {
			taker.Status = orderbook.StatusFilled
		} else {
			taker.Status = orderbook.StatusPartiallyFilled
		}

		e.tradeSeq++
		trade := orderbook.Trade{
			ID:           uuid.New(),
			Symbol:       e.cfg.Symbol,
			Price:        resting.Price,
			Quantity:     qty,
			MakerOrderID: resting.ID,
			TakerOrderID: taker.ID,
			MakerUserID:  resting.UserID,
			TakerUserID:  taker.UserID,
			TakerSide:    taker.Side,
			MakerFee:     fee(qty, resting.Price, e.cfg.MakerFeeRate),
			TakerFee:     fee(qty, resting.Price, e.cfg.TakerFeeRate),
			Sequence:     e.tradeSeq,
			Timestamp:    now,
		}
		trades = append(trades, trade)

		events = append(events,
			TradeExecuted{Trade: trade},
			OrderStatusChanged{
				OrderID:   resting.ID,
				UserID:    resting.UserID,
				Symbol:    resting.Symbol,
				Old:       makerOld,
				New:       resting.Status,
				Remaining: resting.Remaining(),
			},
			OrderStatusChanged{
				OrderID:   taker.ID,
				UserID:    taker.UserID,
				Symbol:    taker.Symbol,
				Old:       takerOld,
				New:       taker.Status,
				Remaining: taker.Remaining(),
			},
		)
	}
	return trades, events, nil
}

// reachable visits every resting order the taker could trade against, in
// matching order: crossable prices only, cut off once cumulative resting
// quantity covers the taker.
func (e *InstrumentEngine) reachable(taker *orderbook.Order, fn func(*orderbook.Order) bool) error {
	need := taker.Remaining()
	covered := decimal.Zero
	return e.book.Walk(taker.Side.Opposite(), func(resting *orderbook.Order) bool {
		if !crosses(taker, resting.Price) {
			return false
		}
		if covered.GreaterThanOrEqual(need) {
			return false
		}
		covered = covered.Add(resting.Remaining())
		return fn(resting)
	})
}

func (e *InstrumentEngine) wouldCrossSelf(taker *orderbook.Order) (bool, error) {
	hit := false
	err := e.reachable(taker, func(resting *orderbook.Order) bool {
		if resting.UserID == taker.UserID {
			hit = true
			return false
		}
		return true
	})
	return hit, err
}

// fokFeasible is the dry-run pass: it sums crossable resting quantity without
// mutating anything and reports whether the taker can fill completely.
func (e *InstrumentEngine) fokFeasible(taker *orderbook.Order) (bool, error) {
	available := decimal.Zero
	err := e.reachable(taker, func(resting *orderbook.Order) bool {
		available = available.Add(resting.Remaining())
		return true
	})
	if err != nil {
		return false, err
	}
	return available.GreaterThanOrEqual(taker.Quantity), nil
}
