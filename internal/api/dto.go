package api

import (
	"time"

	"github.com/samber/lo"

	"flowex/internal/orderbook"
	"flowex/internal/store"
)

// ApiResponse is the envelope every JSON endpoint answers with.
type ApiResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type UserView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func userView(u *store.User) UserView {
	return UserView{
		ID:        u.ID.String(),
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
	}
}

type AuthView struct {
	Token     string   `json:"token"`
	User      UserView `json:"user"`
	ExpiresIn int64    `json:"expires_in"`
}

type InstrumentView struct {
	Symbol       string `json:"symbol"`
	BaseAsset    string `json:"base_asset"`
	QuoteAsset   string `json:"quote_asset"`
	Status       string `json:"status"`
	TickSize     string `json:"tick_size"`
	StepSize     string `json:"step_size"`
	MinQuantity  string `json:"min_quantity"`
	MaxQuantity  string `json:"max_quantity"`
	MakerFeeRate string `json:"maker_fee_rate"`
	TakerFeeRate string `json:"taker_fee_rate"`
}

func instrumentView(in store.Instrument) InstrumentView {
	return InstrumentView{
		Symbol:       in.Config.Symbol,
		BaseAsset:    in.Config.BaseAsset,
		QuoteAsset:   in.Config.QuoteAsset,
		Status:       in.Status,
		TickSize:     in.Config.TickSize.String(),
		StepSize:     in.Config.StepSize.String(),
		MinQuantity:  in.Config.MinQuantity.String(),
		MaxQuantity:  in.Config.MaxQuantity.String(),
		MakerFeeRate: in.Config.MakerFeeRate.String(),
		TakerFeeRate: in.Config.TakerFeeRate.String(),
	}
}

func instrumentViews(ins []store.Instrument) []InstrumentView {
	return lo.Map(ins, func(in store.Instrument, _ int) InstrumentView {
		return instrumentView(in)
	})
}

type OrderView struct {
	Order     orderbook.Order `json:"order"`
	Remaining string          `json:"remaining"`
	Resting   bool            `json:"resting"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func orderView(rec store.OrderRecord) OrderView {
	return OrderView{
		Order:     rec.Order,
		Remaining: rec.Order.Remaining().String(),
		Resting:   rec.Resting,
		UpdatedAt: rec.UpdatedAt,
	}
}

func orderViews(recs []store.OrderRecord) []OrderView {
	return lo.Map(recs, func(rec store.OrderRecord, _ int) OrderView {
		return orderView(rec)
	})
}

// PublicTradeView is a trade with the party identifiers stripped. Market
// data endpoints expose these; the authenticated trade history exposes the
// full record.
type PublicTradeView struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"`
	Price     string         `json:"price"`
	Quantity  string         `json:"quantity"`
	TakerSide orderbook.Side `json:"taker_side"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func publicTradeViews(trades []orderbook.Trade) []PublicTradeView {
	return lo.Map(trades, func(t orderbook.Trade, _ int) PublicTradeView {
		return PublicTradeView{
			ID:        t.ID.String(),
			Symbol:    t.Symbol,
			Price:     t.Price.String(),
			Quantity:  t.Quantity.String(),
			TakerSide: t.TakerSide,
			Sequence:  t.Sequence,
			Timestamp: t.Timestamp,
		}
	})
}

type BalanceView struct {
	Asset     string    `json:"asset"`
	Available string    `json:"available"`
	Locked    string    `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

func balanceViews(bals []store.Balance) []BalanceView {
	return lo.Map(bals, func(b store.Balance, _ int) BalanceView {
		return BalanceView{
			Asset:     b.Asset,
			Available: b.Available.String(),
			Locked:    b.Locked.String(),
			UpdatedAt: b.UpdatedAt,
		}
	})
}

type TransactionView struct {
	ID        int64     `json:"id"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Kind      string    `json:"kind"`
	Ref       string    `json:"ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func transactionViews(txs []store.Transaction) []TransactionView {
	return lo.Map(txs, func(tx store.Transaction, _ int) TransactionView {
		return TransactionView{
			ID:        tx.ID,
			Asset:     tx.Asset,
			Amount:    tx.Amount.String(),
			Kind:      tx.Kind,
			Ref:       tx.Ref,
			CreatedAt: tx.CreatedAt,
		}
	})
}

// SubmitView is the response body for order submission and amendment.
type SubmitView struct {
	Order       orderbook.Order   `json:"order"`
	Trades      []orderbook.Trade `json:"trades,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	CancelledID string            `json:"cancelled_id,omitempty"`
}

type HealthView struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int64     `json:"uptime"`
}
