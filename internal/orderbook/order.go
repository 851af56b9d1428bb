package orderbook

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("invalid side: %q", s)
}

type OrderKind int

const (
	Limit OrderKind = iota
	Market
)

func (k OrderKind) String() string {
	if k == Market {
		return "market"
	}
	return "limit"
}

func (k OrderKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func ParseOrderKind(s string) (OrderKind, error) {
	switch s {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	}
	return 0, fmt.Errorf("invalid order kind: %q", s)
}

type TimeInForce int

const (
	GTC TimeInForce = iota
	IOC
	FOK
)

func (t TimeInForce) String() string {
	switch t {
	case IOC:
		return "ioc"
	case FOK:
		return "fok"
	}
	return "gtc"
}

func (t TimeInForce) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func ParseTimeInForce(s string) (TimeInForce, error) {
	switch s {
	case "", "gtc":
		return GTC, nil
	case "ioc":
		return IOC, nil
	case "fok":
		return FOK, nil
	}
	return 0, fmt.Errorf("invalid time in force: %q", s)
}

type OrderStatus int

const (
	StatusNew OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func ParseStatus(s string) (OrderStatus, error) {
	switch s {
	case "new":
		return StatusNew, nil
	case "partially_filled":
		return StatusPartiallyFilled, nil
	case "filled":
		return StatusFilled, nil
	case "cancelled":
		return StatusCancelled, nil
	case "rejected":
		return StatusRejected, nil
	case "expired":
		return StatusExpired, nil
	}
	return 0, fmt.Errorf("invalid order status: %q", s)
}

// Terminal reports whether the status permits no further transition.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Order is the unit of work for the matching engine. Identity fields are
// immutable after creation; Filled and Status advance as the order matches.
// Sequence is the per-instrument acceptance counter and is what breaks ties
// inside a price level, never the wall-clock timestamp.
type Order struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Kind      OrderKind       `json:"kind"`
	TIF       TimeInForce     `json:"time_in_force"`
	Price     decimal.Decimal `json:"price"` // zero for market orders
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	Sequence  uint64          `json:"sequence"` // 0 until accepted
	CreatedAt time.Time       `json:"created_at"`
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

func (o *Order) IsFilled() bool {
	return o.Filled.GreaterThanOrEqual(o.Quantity)
}

// Trade is an immutable fill record. Price is always the resting (maker)
// order's price. Sequence is strictly increasing per instrument.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	TakerOrderID uuid.UUID       `json:"taker_order_id"`
	MakerUserID  uuid.UUID       `json:"maker_user_id"`
	TakerUserID  uuid.UUID       `json:"taker_user_id"`
	TakerSide    Side            `json:"taker_side"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
}
