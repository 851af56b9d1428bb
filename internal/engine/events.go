package engine

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/orderbook"
)

// Event is the closed set of engine outputs. Collaborators (persistence,
// wallet settlement, market data, stream publishing) observe only these,
// never the book. Within one instrument, events are delivered in the order
// they occurred; trade events carry strictly increasing sequence numbers.
type Event interface {
	isEvent()
}

// Reason classifies rejections and non-user status transitions.
type Reason string

const (
	ReasonInvalidPrice          Reason = "invalid price"
	ReasonInvalidQuantity       Reason = "invalid quantity"
	ReasonUnknownSymbol         Reason = "unknown symbol"
	ReasonCrossedSelf           Reason = "crossed self"
	ReasonInsufficientLiquidity Reason = "insufficient liquidity"
	ReasonMarketHalted          Reason = "market halted"
	ReasonAmended               Reason = "amended"
	ReasonExpired               Reason = "expired"
)

// OrderAccepted is emitted once per accepted order, before any of its fill
// events. Order is a snapshot taken after matching finished, so
// ResultingStatus reflects what immediate matching did to the order.
type OrderAccepted struct {
	Order           orderbook.Order       `json:"order"`
	ResultingStatus orderbook.OrderStatus `json:"resulting_status"`
}

func (OrderAccepted) isEvent() {}

// OrderRejected is emitted for orders that failed validation or an FOK
// feasibility check. Rejected orders never touch the book and carry no
// sequence number.
type OrderRejected struct {
	OrderID uuid.UUID `json:"order_id"`
	UserID  uuid.UUID `json:"user_id"`
	Symbol  string    `json:"symbol"`
	Reason  Reason    `json:"reason"`
}

func (OrderRejected) isEvent() {}

// TradeExecuted is emitted once per fill.
type TradeExecuted struct {
	Trade orderbook.Trade `json:"trade"`
}

func (TradeExecuted) isEvent() {}

// OrderStatusChanged is emitted every time an order's fill state or status
// advances: per fill for both sides, and on cancel/expiry/residual handling.
// Reason is empty for plain fills and user cancels.
type OrderStatusChanged struct {
	OrderID   uuid.UUID             `json:"order_id"`
	UserID    uuid.UUID             `json:"user_id"`
	Symbol    string                `json:"symbol"`
	Old       orderbook.OrderStatus `json:"old_status"`
	New       orderbook.OrderStatus `json:"new_status"`
	Remaining decimal.Decimal       `json:"remaining_quantity"`
	Reason    Reason                `json:"reason,omitempty"`
}

func (OrderStatusChanged) isEvent() {}

// EventName returns a stable dotted name for an event, used as the type tag
// on the outbound stream.
func EventName(ev Event) string {
	switch ev.(type) {
	case OrderAccepted:
		return "order.accepted"
	case OrderRejected:
		return "order.rejected"
	case TradeExecuted:
		return "trade.executed"
	case OrderStatusChanged:
		return "order.status_changed"
	}
	return "unknown"
}

// EventSymbol returns the instrument an event belongs to.
func EventSymbol(ev Event) string {
	switch e := ev.(type) {
	case OrderAccepted:
		return e.Order.Symbol
	case OrderRejected:
		return e.Symbol
	case TradeExecuted:
		return e.Trade.Symbol
	case OrderStatusChanged:
		return e.Symbol
	}
	return ""
}
