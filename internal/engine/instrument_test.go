package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowex/internal/orderbook"
)

func TestCancelRestingOrder(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()

	u := uuid.New()
	res := submit(t, e, limitReq(u, orderbook.Buy, "100", "1"))
	drainEvents(out)

	snap, err := e.Cancel(ctx, res.Order.ID, u)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if snap.Status != orderbook.StatusCancelled {
		t.Errorf("expected cancelled, got %s", snap.Status)
	}
	if !snap.Remaining().Equal(d("1")) {
		t.Errorf("expected remaining 1, got %s", snap.Remaining())
	}

	events := drainEvents(out)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ch, ok := events[0].(OrderStatusChanged)
	if !ok || ch.New != orderbook.StatusCancelled {
		t.Errorf("expected cancel status change, got %#v", events[0])
	}

	dep := depth(t, e)
	if len(dep.Bids) != 0 {
		t.Error("cancelled order still on the book")
	}

	// A second cancel finds nothing.
	if _, err := e.Cancel(ctx, res.Order.ID, u); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelFilledOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	u := uuid.New()
	maker := submit(t, e, limitReq(u, orderbook.Sell, "100", "1"))
	submit(t, e, limitReq(uuid.New(), orderbook.Buy, "100", "1"))

	// Filled orders leave the book, so the cancel cannot find them.
	if _, err := e.Cancel(ctx, maker.Order.ID, u); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelWrongOwner(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res := submit(t, e, limitReq(uuid.New(), orderbook.Buy, "100", "1"))
	if _, err := e.Cancel(ctx, res.Order.ID, uuid.New()); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	dep := depth(t, e)
	if len(dep.Bids) != 1 {
		t.Error("order must survive a stranger's cancel")
	}
}

func TestAmendLosesQueuePosition(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()

	u := uuid.New()
	first := submit(t, e, limitReq(u, orderbook.Sell, "100", "1"))
	second := submit(t, e, limitReq(uuid.New(), orderbook.Sell, "100", "1"))
	drainEvents(out)

	qty := d("2")
	res, err := e.Amend(ctx, AmendRequest{OrderID: first.Order.ID, UserID: u, NewQuantity: &qty})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if res.CancelledID != first.Order.ID {
		t.Errorf("expected cancelled id %s, got %s", first.Order.ID, res.CancelledID)
	}
	repl := res.Replacement
	if repl.Order.ID == first.Order.ID {
		t.Error("replacement must get a fresh id")
	}
	if repl.Order.Sequence <= second.Order.Sequence {
		t.Errorf("replacement sequence %d must follow %d", repl.Order.Sequence, second.Order.Sequence)
	}
	if !repl.Order.Quantity.Equal(qty) || !repl.Order.Price.Equal(d("100")) {
		t.Errorf("expected 2 @ 100, got %s @ %s", repl.Order.Quantity, repl.Order.Price)
	}

	events := drainEvents(out)
	ch, ok := events[0].(OrderStatusChanged)
	if !ok || ch.OrderID != first.Order.ID || ch.Reason != ReasonAmended {
		t.Errorf("expected amend cancel event first, got %#v", events[0])
	}
	if _, ok := events[1].(OrderAccepted); !ok {
		t.Errorf("expected replacement acceptance, got %T", events[1])
	}

	// The untouched order is now ahead in the queue.
	taker := submit(t, e, limitReq(uuid.New(), orderbook.Buy, "100", "1"))
	if len(taker.Trades) != 1 || taker.Trades[0].MakerOrderID != second.Order.ID {
		t.Error("amended order must lose time priority")
	}
}

func TestAmendDefaultsToRemainingQuantity(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	u := uuid.New()
	res := submit(t, e, limitReq(u, orderbook.Sell, "100", "2"))
	submit(t, e, limitReq(uuid.New(), orderbook.Buy, "100", "0.5"))

	price := d("101")
	am, err := e.Amend(ctx, AmendRequest{OrderID: res.Order.ID, UserID: u, NewPrice: &price})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	repl := am.Replacement
	if !repl.Order.Price.Equal(d("101")) {
		t.Errorf("expected price 101, got %s", repl.Order.Price)
	}
	if !repl.Order.Quantity.Equal(d("1.5")) {
		t.Errorf("expected remaining quantity 1.5 carried over, got %s", repl.Order.Quantity)
	}
	if !repl.Order.Filled.IsZero() {
		t.Errorf("replacement starts unfilled, got %s", repl.Order.Filled)
	}
}

func TestAmendInvalidLeavesOriginal(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	u := uuid.New()
	res := submit(t, e, limitReq(u, orderbook.Buy, "100", "1"))
	before := depth(t, e)

	bad := d("100.005")
	am, err := e.Amend(ctx, AmendRequest{OrderID: res.Order.ID, UserID: u, NewPrice: &bad})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if !am.Replacement.Rejected() || am.Replacement.Reason != ReasonInvalidPrice {
		t.Fatalf("expected invalid price rejection, got %q", am.Replacement.Reason)
	}
	if am.CancelledID != uuid.Nil {
		t.Error("failed amend must not cancel the original")
	}
	if !depthEqual(before, depth(t, e)) {
		t.Error("failed amend changed the book")
	}

	// The original can still be cancelled afterwards.
	if _, err := e.Cancel(ctx, res.Order.ID, u); err != nil {
		t.Errorf("original gone after failed amend: %v", err)
	}
}

func TestAmendCanMatchImmediately(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	u := uuid.New()
	res := submit(t, e, limitReq(u, orderbook.Buy, "99", "1"))
	submit(t, e, limitReq(uuid.New(), orderbook.Sell, "100", "1"))

	price := d("100")
	am, err := e.Amend(ctx, AmendRequest{OrderID: res.Order.ID, UserID: u, NewPrice: &price})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if am.Replacement.Order.Status != orderbook.StatusFilled {
		t.Errorf("expected replacement to fill, got %s", am.Replacement.Order.Status)
	}
	if len(am.Replacement.Trades) != 1 || !am.Replacement.Trades[0].Price.Equal(d("100")) {
		t.Error("expected fill at 100")
	}
}

func TestAmendErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Amend(ctx, AmendRequest{OrderID: uuid.New(), UserID: uuid.New()}); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	res := submit(t, e, limitReq(uuid.New(), orderbook.Buy, "100", "1"))
	if _, err := e.Amend(ctx, AmendRequest{OrderID: res.Order.ID, UserID: uuid.New()}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestExpireRestingOrder(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()

	res := submit(t, e, limitReq(uuid.New(), orderbook.Buy, "100", "1"))
	drainEvents(out)

	snap, err := e.Expire(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if snap.Status != orderbook.StatusExpired {
		t.Errorf("expected expired, got %s", snap.Status)
	}

	events := drainEvents(out)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ch, ok := events[0].(OrderStatusChanged)
	if !ok || ch.New != orderbook.StatusExpired || ch.Reason != ReasonExpired {
		t.Errorf("expected expiry status change, got %#v", events[0])
	}

	if _, err := e.Expire(ctx, res.Order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestHaltAndResume(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()

	u := uuid.New()
	resting := submit(t, e, limitReq(u, orderbook.Buy, "100", "1"))
	drainEvents(out)

	if err := e.Halt(ctx); err != nil {
		t.Fatalf("halt: %v", err)
	}
	halted, err := e.Halted(ctx)
	if err != nil || !halted {
		t.Fatalf("expected halted state, got %v %v", halted, err)
	}

	res := submit(t, e, limitReq(uuid.New(), orderbook.Sell, "100", "1"))
	if !res.Rejected() || res.Reason != ReasonMarketHalted {
		t.Errorf("expected market halted rejection, got %q", res.Reason)
	}

	price := d("101")
	am, err := e.Amend(ctx, AmendRequest{OrderID: resting.Order.ID, UserID: u, NewPrice: &price})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if !am.Replacement.Rejected() || am.Replacement.Reason != ReasonMarketHalted {
		t.Errorf("expected halted amend rejection, got %q", am.Replacement.Reason)
	}
	if am.CancelledID != uuid.Nil {
		t.Error("halted amend must not cancel the original")
	}

	// Cancels still drain the book during a halt.
	if _, err := e.Cancel(ctx, resting.Order.ID, u); err != nil {
		t.Errorf("cancel during halt: %v", err)
	}

	if err := e.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	res = submit(t, e, limitReq(uuid.New(), orderbook.Sell, "100", "1"))
	if res.Rejected() {
		t.Errorf("expected acceptance after resume, got %q", res.Reason)
	}
}

func TestStop(t *testing.T) {
	out := make(chan Event, 256)
	e, err := NewInstrument(testConfig(), out)
	if err != nil {
		t.Fatalf("new instrument: %v", err)
	}

	e.Stop()
	e.Stop() // idempotent

	if _, err := e.Submit(context.Background(), limitReq(uuid.New(), orderbook.Buy, "100", "1")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestContextCancelled(t *testing.T) {
	e, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Submit(ctx, limitReq(uuid.New(), orderbook.Buy, "100", "1")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestInvariantViolationHaltsInstrument(t *testing.T) {
	e, out := newTestEngine(t)
	ctx := context.Background()

	submit(t, e, limitReq(uuid.New(), orderbook.Buy, "100", "1"))
	drainEvents(out)

	// Plant a crossing ask behind the engine's back. The worker is idle
	// between requests, so the direct mutation is ordered by the preceding
	// response and the following request.
	planted := &orderbook.Order{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Symbol:   "BTC-USDT",
		Side:     orderbook.Sell,
		Kind:     orderbook.Limit,
		TIF:      orderbook.GTC,
		Price:    d("90"),
		Quantity: decimal.NewFromInt(1),
		Status:   orderbook.StatusNew,
	}
	if err := e.book.InsertResting(planted); err != nil {
		t.Fatalf("plant: %v", err)
	}

	// The next submission trips the crossed-book check.
	_, err := e.Submit(ctx, limitReq(uuid.New(), orderbook.Buy, "50", "1"))
	if err == nil {
		t.Fatal("expected invariant violation")
	}
	if len(drainEvents(out)) != 0 {
		t.Error("events from the corrupted operation must not escape")
	}

	// Every operation afterwards reports the failure.
	if _, err := e.Submit(ctx, limitReq(uuid.New(), orderbook.Buy, "50", "1")); !errors.Is(err, ErrFailed) {
		t.Errorf("expected ErrFailed, got %v", err)
	}
	if _, err := e.Depth(ctx, 0); !errors.Is(err, ErrFailed) {
		t.Errorf("expected ErrFailed from depth, got %v", err)
	}
	if _, err := e.Cancel(ctx, planted.ID, planted.UserID); !errors.Is(err, ErrFailed) {
		t.Errorf("expected ErrFailed from cancel, got %v", err)
	}
}
