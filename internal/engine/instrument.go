package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/orderbook"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrNotOwner      = errors.New("order not owned by requesting user")
	ErrStopped       = errors.New("engine stopped")
	ErrFailed        = errors.New("engine failed")
)

type opKind int

const (
	opSubmit opKind = iota
	opCancel
	opAmend
	opExpire
	opHalt
	opResume
	opHalted
	opDepth
	opStop
)

type request struct {
	kind    opKind
	submit  OrderRequest
	amend   AmendRequest
	orderID uuid.UUID
	userID  uuid.UUID
	levels  int
	resp    chan response
}

type response struct {
	submit *SubmitResult
	amend  *AmendResult
	order  *orderbook.Order
	depth  *orderbook.Depth
	halted bool
	err    error
}

// InstrumentEngine owns one order book and serializes every operation
// against it through a single worker goroutine. Requests are processed
// strictly in arrival order and each runs to completion before the next
// starts; matching never blocks on I/O. Once an invariant violation is
// detected the engine refuses all further work for its instrument.
type InstrumentEngine struct {
	cfg  InstrumentConfig
	book *orderbook.Book

	orderSeq uint64
	tradeSeq uint64
	halted   bool
	failed   error

	pending []Event
	out     chan<- Event

	reqCh    chan request
	done     chan struct{}
	stopOnce sync.Once
}

// NewInstrument validates the configuration, builds the engine, and starts
// its worker. Emitted events are delivered to out in occurrence order.
func NewInstrument(cfg InstrumentConfig, out chan<- Event) (*InstrumentEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &InstrumentEngine{
		cfg:   cfg,
		book:  orderbook.NewBook(cfg.Symbol),
		out:   out,
		reqCh: make(chan request),
		done:  make(chan struct{}),
	}
	go e.run()
	return e, nil
}

func (e *InstrumentEngine) Config() InstrumentConfig { return e.cfg }

func (e *InstrumentEngine) run() {
	defer close(e.done)
	for req := range e.reqCh {
		if req.kind == opStop {
			return
		}
		res := e.handle(req)
		e.flush()
		req.resp <- res
	}
}

func (e *InstrumentEngine) handle(req request) response {
	if e.failed != nil {
		return response{err: fmt.Errorf("%s: %w", e.cfg.Symbol, ErrFailed)}
	}

	now := time.Now()
	var res response
	switch req.kind {
	case opSubmit:
		res.submit, res.err = e.processSubmit(req.submit, now)
	case opCancel:
		res.order, res.err = e.processCancel(req.orderID, req.userID)
	case opAmend:
		res.amend, res.err = e.processAmend(req.amend, now)
	case opExpire:
		res.order, res.err = e.processExpire(req.orderID)
	case opHalt:
		e.halted = true
	case opResume:
		e.halted = false
	case opHalted:
		res.halted = e.halted
	case opDepth:
		d := e.book.Depth(req.levels)
		res.depth = &d
	}

	if res.err != nil && invariantViolation(res.err) {
		// Do not let events from a corrupted operation escape.
		e.failed = res.err
		e.pending = e.pending[:0]
		log.Printf("[ENGINE] %s halted on invariant violation: %v", e.cfg.Symbol, res.err)
	}
	return res
}

// invariantViolation separates recoverable outcomes from programming-logic
// failures. Anything that is not an expected typed outcome corrupts trust in
// the book and is fatal for the instrument.
func invariantViolation(err error) bool {
	return !errors.Is(err, ErrOrderNotFound) && !errors.Is(err, ErrNotOwner)
}

func (e *InstrumentEngine) emit(ev Event) {
	e.pending = append(e.pending, ev)
}

func (e *InstrumentEngine) emitAll(evs []Event) {
	e.pending = append(e.pending, evs...)
}

func (e *InstrumentEngine) flush() {
	for _, ev := range e.pending {
		e.out <- ev
	}
	e.pending = e.pending[:0]
}

func (e *InstrumentEngine) do(ctx context.Context, req request) (response, error) {
	if err := ctx.Err(); err != nil {
		return response{}, err
	}
	req.resp = make(chan response, 1)
	select {
	case e.reqCh <- req:
	case <-e.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	// Once enqueued the operation runs to completion; an expiring context
	// abandons only the reply, never the mutation.
	select {
	case res := <-req.resp:
		return res, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-e.done:
		select {
		case res := <-req.resp:
			return res, nil
		default:
			return response{}, ErrStopped
		}
	}
}

// Submit runs one order through validation, matching, and residual handling.
// The returned error covers engine-level failures only; rejections come back
// inside the result.
func (e *InstrumentEngine) Submit(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	res, err := e.do(ctx, request{kind: opSubmit, submit: req})
	if err != nil {
		return nil, err
	}
	return res.submit, res.err
}

// Cancel removes the user's resting order and returns its final snapshot.
// Fails with ErrOrderNotFound if the order is not resting and ErrNotOwner if
// the user does not own it; it never silently no-ops.
func (e *InstrumentEngine) Cancel(ctx context.Context, orderID, userID uuid.UUID) (*orderbook.Order, error) {
	res, err := e.do(ctx, request{kind: opCancel, orderID: orderID, userID: userID})
	if err != nil {
		return nil, err
	}
	return res.order, res.err
}

// Amend replaces a resting order with a new one, losing queue position. The
// replacement gets a fresh id and sequence number and may match immediately.
func (e *InstrumentEngine) Amend(ctx context.Context, req AmendRequest) (*AmendResult, error) {
	res, err := e.do(ctx, request{kind: opAmend, amend: req})
	if err != nil {
		return nil, err
	}
	return res.amend, res.err
}

// Expire removes a resting order on behalf of an expiry collaborator, ending
// it in the expired status.
func (e *InstrumentEngine) Expire(ctx context.Context, orderID uuid.UUID) (*orderbook.Order, error) {
	res, err := e.do(ctx, request{kind: opExpire, orderID: orderID})
	if err != nil {
		return nil, err
	}
	return res.order, res.err
}

// Halt stops accepting submissions and amendments. Cancels still work.
func (e *InstrumentEngine) Halt(ctx context.Context) error {
	res, err := e.do(ctx, request{kind: opHalt})
	if err != nil {
		return err
	}
	return res.err
}

func (e *InstrumentEngine) Resume(ctx context.Context) error {
	res, err := e.do(ctx, request{kind: opResume})
	if err != nil {
		return err
	}
	return res.err
}

func (e *InstrumentEngine) Halted(ctx context.Context) (bool, error) {
	res, err := e.do(ctx, request{kind: opHalted})
	if err != nil {
		return false, err
	}
	return res.halted, res.err
}

// Depth returns an aggregate book snapshot, levels <= 0 meaning all levels.
func (e *InstrumentEngine) Depth(ctx context.Context, levels int) (*orderbook.Depth, error) {
	res, err := e.do(ctx, request{kind: opDepth, levels: levels})
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.depth, nil
}

// Stop terminates the worker after the current operation. Pending callers
// receive ErrStopped.
func (e *InstrumentEngine) Stop() {
	e.stopOnce.Do(func() {
		select {
		case e.reqCh <- request{kind: opStop}:
		case <-e.done:
		}
	})
	<-e.done
}

func (e *InstrumentEngine) processCancel(orderID, userID uuid.UUID) (*orderbook.Order, error) {
	o, ok := e.book.Get(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	if _, err := e.book.Remove(orderID); err != nil {
		return nil, err
	}
	old := o.Status
	o.Status = orderbook.StatusCancelled
	e.emit(OrderStatusChanged{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Old:       old,
		New:       o.Status,
		Remaining: o.Remaining(),
	})
	snap := *o
	return &snap, nil
}

func (e *InstrumentEngine) processExpire(orderID uuid.UUID) (*orderbook.Order, error) {
	o, ok := e.book.Get(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if _, err := e.book.Remove(orderID); err != nil {
		return nil, err
	}
	old := o.Status
	o.Status = orderbook.StatusExpired
	e.emit(OrderStatusChanged{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Old:       old,
		New:       o.Status,
		Remaining: o.Remaining(),
		Reason:    ReasonExpired,
	})
	snap := *o
	return &snap, nil
}

// AmendRequest changes the price and/or quantity of a resting order. Nil
// fields keep the old price or the old remaining quantity respectively.
type AmendRequest struct {
	OrderID     uuid.UUID
	UserID      uuid.UUID
	NewPrice    *decimal.Decimal
	NewQuantity *decimal.Decimal
}

// AmendResult carries the cancelled order id and the replacement's submit
// outcome. When the replacement fails validation the original order is left
// untouched and CancelledID is zero.
type AmendResult struct {
	CancelledID uuid.UUID
	Replacement *SubmitResult
}

func (e *InstrumentEngine) processAmend(req AmendRequest, now time.Time) (*AmendResult, error) {
	old, ok := e.book.Get(req.OrderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if old.UserID != req.UserID {
		return nil, ErrNotOwner
	}

	price := old.Price
	if req.NewPrice != nil {
		price = *req.NewPrice
	}
	qty := old.Remaining()
	if req.NewQuantity != nil {
		qty = *req.NewQuantity
	}
	replacement := &orderbook.Order{
		ID:        uuid.New(),
		UserID:    old.UserID,
		Symbol:    old.Symbol,
		Side:      old.Side,
		Kind:      orderbook.Limit,
		TIF:       orderbook.GTC,
		Price:     price,
		Quantity:  qty,
		Status:    orderbook.StatusNew,
		CreatedAt: now,
	}

	// The original is cancelled only once the replacement is known valid.
	if e.halted {
		return &AmendResult{Replacement: e.rejectOrder(replacement, ReasonMarketHalted)}, nil
	}
	if reason, ok := e.validateOrder(replacement); !ok {
		return &AmendResult{Replacement: e.rejectOrder(replacement, reason)}, nil
	}

	if _, err := e.book.Remove(old.ID); err != nil {
		return nil, err
	}
	oldStatus := old.Status
	old.Status = orderbook.StatusCancelled
	e.emit(OrderStatusChanged{
		OrderID:   old.ID,
		UserID:    old.UserID,
		Symbol:    old.Symbol,
		Old:       oldStatus,
		New:       old.Status,
		Remaining: old.Remaining(),
		Reason:    ReasonAmended,
	})

	sub, err := e.acceptOrder(replacement, now)
	if err != nil {
		return nil, err
	}
	return &AmendResult{CancelledID: old.ID, Replacement: sub}, nil
}
