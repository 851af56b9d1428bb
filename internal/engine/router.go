package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowex/internal/orderbook"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// eventBuffer bounds the aggregate stream. A full buffer applies
// backpressure to the engines rather than dropping events.
const eventBuffer = 1024

// Router dispatches requests to Instrument Engines by symbol and aggregates
// their event streams into one channel. Event order is preserved within an
// instrument; ordering across instruments is not defined.
type Router struct {
	mu      sync.RWMutex
	engines map[string]*InstrumentEngine
	events  chan Event
}

func NewRouter() *Router {
	return &Router{
		engines: make(map[string]*InstrumentEngine),
		events:  make(chan Event, eventBuffer),
	}
}

// Add registers an instrument and starts its engine.
func (r *Router) Add(cfg InstrumentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[cfg.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", cfg.Symbol)
	}
	e, err := NewInstrument(cfg, r.events)
	if err != nil {
		return err
	}
	r.engines[cfg.Symbol] = e
	return nil
}

func (r *Router) Engine(symbol string) (*InstrumentEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[symbol]
	return e, ok
}

func (r *Router) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for s := range r.engines {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Events is the aggregated stream all collaborators consume. It is closed by
// Stop once every engine has terminated.
func (r *Router) Events() <-chan Event {
	return r.events
}

func (r *Router) Submit(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	e, ok := r.Engine(req.Symbol)
	if !ok {
		return r.rejectUnknownSymbol(req), nil
	}
	return e.Submit(ctx, req)
}

func (r *Router) rejectUnknownSymbol(req OrderRequest) *SubmitResult {
	order := orderbook.Order{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		TIF:       req.TIF,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    orderbook.StatusRejected,
		CreatedAt: time.Now(),
	}
	r.events <- OrderRejected{
		OrderID: order.ID,
		UserID:  order.UserID,
		Symbol:  order.Symbol,
		Reason:  ReasonUnknownSymbol,
	}
	return &SubmitResult{Order: order, Reason: ReasonUnknownSymbol}
}

func (r *Router) Cancel(ctx context.Context, symbol string, orderID, userID uuid.UUID) (*orderbook.Order, error) {
	e, ok := r.Engine(symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return e.Cancel(ctx, orderID, userID)
}

func (r *Router) Amend(ctx context.Context, symbol string, req AmendRequest) (*AmendResult, error) {
	e, ok := r.Engine(symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return e.Amend(ctx, req)
}

func (r *Router) Expire(ctx context.Context, symbol string, orderID uuid.UUID) (*orderbook.Order, error) {
	e, ok := r.Engine(symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return e.Expire(ctx, orderID)
}

func (r *Router) Halt(ctx context.Context, symbol string) error {
	e, ok := r.Engine(symbol)
	if !ok {
		return ErrUnknownSymbol
	}
	return e.Halt(ctx)
}

func (r *Router) Resume(ctx context.Context, symbol string) error {
	e, ok := r.Engine(symbol)
	if !ok {
		return ErrUnknownSymbol
	}
	return e.Resume(ctx)
}

func (r *Router) Halted(ctx context.Context, symbol string) (bool, error) {
	e, ok := r.Engine(symbol)
	if !ok {
		return false, ErrUnknownSymbol
	}
	return e.Halted(ctx)
}

func (r *Router) Depth(ctx context.Context, symbol string, levels int) (*orderbook.Depth, error) {
	e, ok := r.Engine(symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return e.Depth(ctx, levels)
}

// Stop terminates every engine and then closes the aggregate event channel.
// Callers must have stopped submitting requests first.
func (r *Router) Stop() {
	r.mu.Lock()
	engines := make([]*InstrumentEngine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
	close(r.events)
}
