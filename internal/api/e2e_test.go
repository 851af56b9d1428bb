package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"flowex/internal/api"
	"flowex/internal/engine"
	"flowex/internal/market"
	"flowex/internal/store"
)

const adminToken = "test-admin-token"

// testEnv wires the full stack the way cmd/flowex does: store, engines,
// event dispatcher, gateway.
type testEnv struct {
	server  *httptest.Server
	store   *store.Store
	router  *engine.Router
	tickers *market.Tickers
	srv     *api.Server
	done    chan struct{}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPair(symbol, base, quote string) engine.InstrumentConfig {
	return engine.InstrumentConfig{
		Symbol:       symbol,
		BaseAsset:    base,
		QuoteAsset:   quote,
		TickSize:     dec("0.01"),
		StepSize:     dec("0.0001"),
		MinQuantity:  dec("0.0001"),
		MaxQuantity:  dec("10000"),
		MakerFeeRate: dec("0.001"),
		TakerFeeRate: dec("0.002"),
	}
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	router := engine.NewRouter()
	for _, cfg := range []engine.InstrumentConfig{
		testPair("BTC-USDT", "BTC", "USDT"),
		testPair("ETH-USDT", "ETH", "USDT"),
	} {
		if err := router.Add(cfg); err != nil {
			t.Fatalf("add instrument: %v", err)
		}
		if err := st.SaveInstrument(cfg, store.InstrumentTrading); err != nil {
			t.Fatalf("save instrument: %v", err)
		}
	}

	tickers := market.NewTickers()
	srv := api.NewServer(router, st, tickers)
	srv.SetAdminToken(adminToken)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range router.Events() {
			if err := st.ApplyEvent(ev); err != nil {
				fmt.Printf("apply event: %v\n", err)
			}
			if te, ok := ev.(engine.TradeExecuted); ok {
				tickers.OnTrade(te.Trade)
			}
			srv.PublishEvent(ev)
		}
	}()

	return &testEnv{
		server:  httptest.NewServer(srv.Router()),
		store:   st,
		router:  router,
		tickers: tickers,
		srv:     srv,
		done:    done,
	}
}

func (e *testEnv) cleanup() {
	e.server.Close()
	e.srv.Shutdown()
	e.router.Stop()
	<-e.done
	e.store.Close()
}

// ==================== HELPERS ====================

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (env envelope) decode(t *testing.T, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) adminRequest(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func parseResponse(t *testing.T, resp *http.Response, wantStatus int) envelope {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d: %s", wantStatus, resp.StatusCode, raw)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, raw)
	}
	if wantStatus == http.StatusOK && !env.Success {
		t.Fatalf("expected success envelope, got %s", raw)
	}
	if wantStatus != http.StatusOK && env.Success {
		t.Fatalf("expected error envelope, got %s", raw)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type authJSON struct {
	Token     string   `json:"token"`
	User      userJSON `json:"user"`
	ExpiresIn int64    `json:"expires_in"`
}

type orderJSON struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Kind     string `json:"kind"`
	TIF      string `json:"time_in_force"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Filled   string `json:"filled"`
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence"`
}

type tradeJSON struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	TakerSide string `json:"taker_side"`
	Sequence  uint64 `json:"sequence"`
	MakerUser string `json:"maker_user_id"`
	TakerUser string `json:"taker_user_id"`
	MakerFee  string `json:"maker_fee"`
	TakerFee  string `json:"taker_fee"`
}

type submitJSON struct {
	Order       orderJSON   `json:"order"`
	Trades      []tradeJSON `json:"trades"`
	Reason      string      `json:"reason"`
	CancelledID string      `json:"cancelled_id"`
}

type balanceJSON struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type levelJSON struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type depthJSON struct {
	Symbol string      `json:"symbol"`
	Bids   []levelJSON `json:"bids"`
	Asks   []levelJSON `json:"asks"`
}

type pairJSON struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     string `json:"status"`
}

type tickerJSON struct {
	Symbol     string `json:"symbol"`
	LastPrice  string `json:"last_price"`
	BaseVolume string `json:"base_volume"`
	Trades     int    `json:"trades"`
}

type txJSON struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Kind   string `json:"kind"`
}

func (e *testEnv) registerUser(t *testing.T, username string) (token, userID string) {
	t.Helper()
	resp := e.request(t, "POST", "/api/auth/register", map[string]string{
		"username": username,
		"password": "password123",
	}, "")
	var auth authJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &auth)
	if auth.Token == "" || auth.User.ID == "" {
		t.Fatal("missing token or user id in register response")
	}
	return auth.Token, auth.User.ID
}

func (e *testEnv) deposit(t *testing.T, token, asset, amount string) {
	t.Helper()
	resp := e.request(t, "POST", "/api/wallet/deposit", map[string]string{
		"asset":  asset,
		"amount": amount,
	}, token)
	parseResponse(t, resp, http.StatusOK)
}

func (e *testEnv) submitOrder(t *testing.T, token string, body map[string]string) submitJSON {
	t.Helper()
	resp := e.request(t, "POST", "/api/trading/orders", body, token)
	var sub submitJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &sub)
	if sub.Order.ID == "" {
		t.Fatal("missing order id in submit response")
	}
	return sub
}

func (e *testEnv) balances(t *testing.T, token string) map[string]balanceJSON {
	t.Helper()
	resp := e.request(t, "GET", "/api/wallet/balances", nil, token)
	var bals []balanceJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &bals)
	out := make(map[string]balanceJSON, len(bals))
	for _, b := range bals {
		out[b.Asset] = b
	}
	return out
}

func (e *testEnv) orderbook(t *testing.T, symbol string) depthJSON {
	t.Helper()
	resp := e.request(t, "GET", "/api/trading/orderbook/"+symbol, nil, "")
	var depth depthJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &depth)
	return depth
}

// ==================== AUTH ====================

func TestE2E_AuthFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "alice")

	// Duplicate registration
	resp := env.request(t, "POST", "/api/auth/register", map[string]string{
		"username": "alice",
		"password": "password123",
	}, "")
	dup := parseResponse(t, resp, http.StatusConflict)
	if dup.Error != "username already taken" {
		t.Errorf("expected duplicate error, got %q", dup.Error)
	}

	// Login
	resp = env.request(t, "POST", "/api/auth/login", map[string]string{
		"username": "alice",
		"password": "password123",
	}, "")
	var auth authJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &auth)
	if auth.User.Username != "alice" {
		t.Errorf("expected username alice, got %q", auth.User.Username)
	}
	if auth.ExpiresIn <= 0 {
		t.Errorf("expected positive expires_in, got %d", auth.ExpiresIn)
	}

	// Wrong password
	resp = env.request(t, "POST", "/api/auth/login", map[string]string{
		"username": "alice",
		"password": "wrong",
	}, "")
	parseResponse(t, resp, http.StatusUnauthorized)

	// Me
	resp = env.request(t, "GET", "/api/auth/me", nil, token)
	var me userJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &me)
	if me.Username != "alice" {
		t.Errorf("expected me alice, got %q", me.Username)
	}

	// Me without token
	resp = env.request(t, "GET", "/api/auth/me", nil, "")
	parseResponse(t, resp, http.StatusUnauthorized)

	// Logout invalidates the token
	resp = env.request(t, "POST", "/api/auth/logout", nil, token)
	parseResponse(t, resp, http.StatusOK)
	resp = env.request(t, "GET", "/api/auth/me", nil, token)
	parseResponse(t, resp, http.StatusUnauthorized)
}

// ==================== WALLET ====================

func TestE2E_WalletFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "bob")

	env.deposit(t, token, "USDT", "1000")

	bals := env.balances(t, token)
	if bals["USDT"].Available != "1000" {
		t.Errorf("expected 1000 USDT, got %s", bals["USDT"].Available)
	}

	resp := env.request(t, "POST", "/api/wallet/withdraw", map[string]string{
		"asset":  "USDT",
		"amount": "400",
	}, token)
	var bal balanceJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &bal)
	if bal.Available != "600" {
		t.Errorf("expected 600 after withdrawal, got %s", bal.Available)
	}

	// Overdraft
	resp = env.request(t, "POST", "/api/wallet/withdraw", map[string]string{
		"asset":  "USDT",
		"amount": "601",
	}, token)
	got := parseResponse(t, resp, http.StatusBadRequest)
	if got.Error != "insufficient balance" {
		t.Errorf("expected insufficient balance, got %q", got.Error)
	}

	// Negative deposit
	resp = env.request(t, "POST", "/api/wallet/deposit", map[string]string{
		"asset":  "USDT",
		"amount": "-5",
	}, token)
	parseResponse(t, resp, http.StatusBadRequest)

	// Ledger has one deposit and one withdrawal, newest first.
	resp = env.request(t, "GET", "/api/wallet/transactions", nil, token)
	var txs []txJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &txs)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Kind != "withdrawal" || txs[0].Amount != "-400" {
		t.Errorf("expected withdrawal of -400 first, got %+v", txs[0])
	}
	if txs[1].Kind != "deposit" || txs[1].Amount != "1000" {
		t.Errorf("expected deposit of 1000, got %+v", txs[1])
	}
}

// ==================== TRADING ====================

func TestE2E_OrderMatchingSettlesBalances(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	makerToken, makerID := env.registerUser(t, "maker")
	takerToken, takerID := env.registerUser(t, "taker")
	env.deposit(t, makerToken, "BTC", "1")
	env.deposit(t, takerToken, "USDT", "1000")

	sell := env.submitOrder(t, makerToken, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "sell",
		"type":     "limit",
		"price":    "100",
		"quantity": "1",
	})
	if sell.Order.Status != "new" {
		t.Fatalf("expected resting sell, got %s", sell.Order.Status)
	}

	// The resting sell locks the maker's base asset.
	waitFor(t, "maker lock", func() bool {
		bals := env.balances(t, makerToken)
		return bals["BTC"].Locked == "1" && bals["BTC"].Available == "0"
	})

	buy := env.submitOrder(t, takerToken, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "100",
		"quantity": "1",
	})
	if buy.Order.Status != "filled" {
		t.Fatalf("expected filled buy, got %s", buy.Order.Status)
	}
	if len(buy.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(buy.Trades))
	}
	tr := buy.Trades[0]
	if tr.Price != "100" || tr.Quantity != "1" {
		t.Errorf("expected trade 1@100, got %s@%s", tr.Quantity, tr.Price)
	}
	if tr.MakerUser != makerID || tr.TakerUser != takerID {
		t.Error("trade parties do not match users")
	}
	if tr.MakerFee != "0.1" || tr.TakerFee != "0.2" {
		t.Errorf("expected fees 0.1/0.2, got %s/%s", tr.MakerFee, tr.TakerFee)
	}

	// Settlement: taker pays 100 USDT plus 0.2 fee for 1 BTC; maker's
	// locked BTC goes out and 100 minus 0.1 fee comes in.
	waitFor(t, "taker settlement", func() bool {
		bals := env.balances(t, takerToken)
		return bals["USDT"].Available == "899.8" && bals["BTC"].Available == "1"
	})
	waitFor(t, "maker settlement", func() bool {
		bals := env.balances(t, makerToken)
		return bals["USDT"].Available == "99.9" && bals["BTC"].Locked == "0"
	})

	// Both sides see the trade in their history.
	for _, token := range []string{makerToken, takerToken} {
		resp := env.request(t, "GET", "/api/trading/trades", nil, token)
		var trades []tradeJSON
		parseResponse(t, resp, http.StatusOK).decode(t, &trades)
		if len(trades) != 1 {
			t.Fatalf("expected 1 trade in history, got %d", len(trades))
		}
	}

	// Public market data carries the trade without party identifiers.
	resp := env.request(t, "GET", "/api/market-data/trades/BTC-USDT", nil, "")
	pub := parseResponse(t, resp, http.StatusOK)
	if strings.Contains(string(pub.Data), "maker_user_id") {
		t.Error("public trade feed leaks user identifiers")
	}
	var public []tradeJSON
	pub.decode(t, &public)
	if len(public) != 1 || public[0].Price != "100" {
		t.Errorf("expected public trade at 100, got %+v", public)
	}

	resp = env.request(t, "GET", "/api/market-data/ticker/BTC-USDT", nil, "")
	var ticker tickerJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &ticker)
	if ticker.LastPrice != "100" || ticker.Trades != 1 {
		t.Errorf("expected ticker last 100 with 1 trade, got %+v", ticker)
	}
}

func TestE2E_InsufficientBalanceRejected(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "pauper")

	resp := env.request(t, "POST", "/api/trading/orders", map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "100",
		"quantity": "1",
	}, token)
	got := parseResponse(t, resp, http.StatusBadRequest)
	if got.Error != "insufficient balance" {
		t.Errorf("expected insufficient balance, got %q", got.Error)
	}

	resp = env.request(t, "POST", "/api/trading/orders", map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "sell",
		"type":     "limit",
		"price":    "100",
		"quantity": "1",
	}, token)
	parseResponse(t, resp, http.StatusBadRequest)

	// Nothing reached the book.
	depth := env.orderbook(t, "BTC-USDT")
	if len(depth.Bids) != 0 || len(depth.Asks) != 0 {
		t.Error("rejected orders reached the book")
	}
}

func TestE2E_LimitOrderRestingAndCancel(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "carol")
	env.deposit(t, token, "USDT", "1000")

	sub := env.submitOrder(t, token, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "50",
		"quantity": "2",
	})
	if sub.Order.Status != "new" {
		t.Fatalf("expected resting order, got %s", sub.Order.Status)
	}

	depth := env.orderbook(t, "BTC-USDT")
	if len(depth.Bids) != 1 || depth.Bids[0].Price != "50" || depth.Bids[0].Quantity != "2" {
		t.Fatalf("expected bid 2@50, got %+v", depth.Bids)
	}

	waitFor(t, "funds locked", func() bool {
		bals := env.balances(t, token)
		return bals["USDT"].Locked == "100" && bals["USDT"].Available == "900"
	})

	resp := env.request(t, "DELETE", "/api/trading/orders/"+sub.Order.ID+"?symbol=BTC-USDT", nil, token)
	parseResponse(t, resp, http.StatusOK)

	depth = env.orderbook(t, "BTC-USDT")
	if len(depth.Bids) != 0 {
		t.Error("cancelled order still in book")
	}

	waitFor(t, "funds released", func() bool {
		bals := env.balances(t, token)
		return bals["USDT"].Locked == "0" && bals["USDT"].Available == "1000"
	})

	// Second cancel finds nothing.
	resp = env.request(t, "DELETE", "/api/trading/orders/"+sub.Order.ID+"?symbol=BTC-USDT", nil, token)
	parseResponse(t, resp, http.StatusNotFound)
}

func TestE2E_CancelRequiresOwnership(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	aliceToken, _ := env.registerUser(t, "alice")
	malloryToken, _ := env.registerUser(t, "mallory")
	env.deposit(t, aliceToken, "USDT", "100")

	sub := env.submitOrder(t, aliceToken, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "50",
		"quantity": "1",
	})

	resp := env.request(t, "DELETE", "/api/trading/orders/"+sub.Order.ID+"?symbol=BTC-USDT", nil, malloryToken)
	parseResponse(t, resp, http.StatusForbidden)

	depth := env.orderbook(t, "BTC-USDT")
	if len(depth.Bids) != 1 {
		t.Error("foreign cancel removed the order")
	}
}

func TestE2E_AmendOrder(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "dave")
	env.deposit(t, token, "USDT", "1000")

	sub := env.submitOrder(t, token, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "50",
		"quantity": "1",
	})

	resp := env.request(t, "PUT", "/api/trading/orders/"+sub.Order.ID, map[string]string{
		"symbol": "BTC-USDT",
		"price":  "60",
	}, token)
	var amended submitJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &amended)

	if amended.CancelledID != sub.Order.ID {
		t.Errorf("expected cancelled id %s, got %s", sub.Order.ID, amended.CancelledID)
	}
	if amended.Order.ID == sub.Order.ID {
		t.Error("amended order kept its identity")
	}
	if amended.Order.Price != "60" || amended.Order.Quantity != "1" {
		t.Errorf("expected 1@60, got %s@%s", amended.Order.Quantity, amended.Order.Price)
	}

	depth := env.orderbook(t, "BTC-USDT")
	if len(depth.Bids) != 1 || depth.Bids[0].Price != "60" {
		t.Errorf("expected single bid at 60, got %+v", depth.Bids)
	}

	// The lock follows the replacement's notional.
	waitFor(t, "lock moved", func() bool {
		bals := env.balances(t, token)
		return bals["USDT"].Locked == "60" && bals["USDT"].Available == "940"
	})

	// The original id is gone after the amend.
	resp = env.request(t, "PUT", "/api/trading/orders/"+sub.Order.ID, map[string]string{
		"symbol": "BTC-USDT",
		"price":  "70",
	}, token)
	parseResponse(t, resp, http.StatusNotFound)
}

func TestE2E_UnknownSymbolOrder(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "erin")

	sub := env.submitOrder(t, token, map[string]string{
		"symbol":   "DOGE-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "1",
		"quantity": "1",
	})
	if sub.Order.Status != "rejected" {
		t.Errorf("expected rejected order, got %s", sub.Order.Status)
	}
	if sub.Reason != "unknown symbol" {
		t.Errorf("expected unknown symbol reason, got %q", sub.Reason)
	}
}

func TestE2E_EngineValidationRejects(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "frank")
	env.deposit(t, token, "USDT", "10000")

	// Off-tick price
	sub := env.submitOrder(t, token, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "100.005",
		"quantity": "1",
	})
	if sub.Order.Status != "rejected" || sub.Reason != "invalid price" {
		t.Errorf("expected invalid price rejection, got %s/%q", sub.Order.Status, sub.Reason)
	}

	// Off-step quantity
	sub = env.submitOrder(t, token, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "100",
		"quantity": "0.00005",
	})
	if sub.Order.Status != "rejected" || sub.Reason != "invalid quantity" {
		t.Errorf("expected invalid quantity rejection, got %s/%q", sub.Order.Status, sub.Reason)
	}

	// Transport-level garbage never reaches the engine.
	resp := env.request(t, "POST", "/api/trading/orders", map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "not-a-number",
		"quantity": "1",
	}, token)
	parseResponse(t, resp, http.StatusBadRequest)
}

func TestE2E_MarketOrderNoLiquidity(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "grace")
	env.deposit(t, token, "USDT", "1000")

	sub := env.submitOrder(t, token, map[string]string{
		"symbol":   "ETH-USDT",
		"side":     "buy",
		"type":     "market",
		"quantity": "1",
	})
	if sub.Order.Status != "cancelled" {
		t.Errorf("expected cancelled market order, got %s", sub.Order.Status)
	}
	if sub.Reason != "insufficient liquidity" {
		t.Errorf("expected insufficient liquidity, got %q", sub.Reason)
	}
	if len(sub.Trades) != 0 {
		t.Errorf("expected no trades, got %d", len(sub.Trades))
	}
}

func TestE2E_ListOrders(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "heidi")
	env.deposit(t, token, "USDT", "1000")

	for i := 0; i < 3; i++ {
		env.submitOrder(t, token, map[string]string{
			"symbol":   "BTC-USDT",
			"side":     "buy",
			"type":     "limit",
			"price":    fmt.Sprintf("%d", 50+i),
			"quantity": "1",
		})
	}

	waitFor(t, "orders stored", func() bool {
		resp := env.request(t, "GET", "/api/trading/orders", nil, token)
		var views []struct {
			Order   orderJSON `json:"order"`
			Resting bool      `json:"resting"`
		}
		parseResponse(t, resp, http.StatusOK).decode(t, &views)
		if len(views) != 3 {
			return false
		}
		for _, v := range views {
			if !v.Resting || v.Order.Status != "new" {
				return false
			}
		}
		return true
	})
}

// ==================== ADMIN ====================

func TestE2E_AdminHaltResume(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "ivan")
	env.deposit(t, token, "USDT", "1000")

	// No admin token
	resp := env.request(t, "POST", "/api/admin/pairs/BTC-USDT/halt", nil, "")
	parseResponse(t, resp, http.StatusForbidden)

	resp = env.adminRequest(t, "POST", "/api/admin/pairs/BTC-USDT/halt", nil)
	parseResponse(t, resp, http.StatusOK)

	// Orders bounce while halted.
	sub := env.submitOrder(t, token, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "50",
		"quantity": "1",
	})
	if sub.Order.Status != "rejected" || sub.Reason != "market halted" {
		t.Errorf("expected market halted rejection, got %s/%q", sub.Order.Status, sub.Reason)
	}

	// Status is visible on the pair list.
	resp = env.request(t, "GET", "/api/trading/pairs", nil, "")
	var pairs []pairJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &pairs)
	for _, p := range pairs {
		if p.Symbol == "BTC-USDT" && p.Status != "halted" {
			t.Errorf("expected halted status, got %s", p.Status)
		}
	}

	resp = env.adminRequest(t, "POST", "/api/admin/pairs/BTC-USDT/resume", nil)
	parseResponse(t, resp, http.StatusOK)

	sub = env.submitOrder(t, token, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "50",
		"quantity": "1",
	})
	if sub.Order.Status != "new" {
		t.Errorf("expected accepted order after resume, got %s", sub.Order.Status)
	}
}

func TestE2E_AdminCreatePair(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	body := map[string]string{
		"symbol":      "SOL-USDT",
		"base_asset":  "SOL",
		"quote_asset": "USDT",
		"tick_size":   "0.01",
		"step_size":   "0.01",
	}
	resp := env.adminRequest(t, "POST", "/api/admin/pairs", body)
	parseResponse(t, resp, http.StatusOK)

	resp = env.request(t, "GET", "/api/trading/pairs", nil, "")
	var pairs []pairJSON
	parseResponse(t, resp, http.StatusOK).decode(t, &pairs)
	found := false
	for _, p := range pairs {
		if p.Symbol == "SOL-USDT" && p.Status == "trading" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new pair missing from list: %+v", pairs)
	}

	// The new pair accepts orders.
	token, _ := env.registerUser(t, "judy")
	env.deposit(t, token, "SOL", "10")
	sub := env.submitOrder(t, token, map[string]string{
		"symbol":   "SOL-USDT",
		"side":     "sell",
		"type":     "limit",
		"price":    "20",
		"quantity": "1",
	})
	if sub.Order.Status != "new" {
		t.Errorf("expected resting order on new pair, got %s", sub.Order.Status)
	}

	// Duplicate creation fails.
	resp = env.adminRequest(t, "POST", "/api/admin/pairs", body)
	parseResponse(t, resp, http.StatusBadRequest)
}

// ==================== MISC ====================

func TestE2E_Health(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	resp := env.request(t, "GET", "/health", nil, "")
	var health struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Version string `json:"version"`
	}
	parseResponse(t, resp, http.StatusOK).decode(t, &health)
	if health.Status != "healthy" || health.Service != "flowex" {
		t.Errorf("unexpected health payload: %+v", health)
	}
}

func TestE2E_WebSocket(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// First frame is the tickers snapshot.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if first.Type != "tickers" {
		t.Errorf("expected tickers snapshot, got %q", first.Type)
	}

	makerToken, _ := env.registerUser(t, "ws-maker")
	takerToken, _ := env.registerUser(t, "ws-taker")
	env.deposit(t, makerToken, "BTC", "1")
	env.deposit(t, takerToken, "USDT", "200")

	env.submitOrder(t, makerToken, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "sell",
		"type":     "limit",
		"price":    "100",
		"quantity": "1",
	})
	env.submitOrder(t, takerToken, map[string]string{
		"symbol":   "BTC-USDT",
		"side":     "buy",
		"type":     "limit",
		"price":    "100",
		"quantity": "1",
	})

	// The feed interleaves depth snapshots and engine events; scan for
	// the trade.
	sawTrade := false
	deadline := time.Now().Add(3 * time.Second)
	for !sawTrade && time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var msg struct {
			Type   string          `json:"type"`
			Symbol string          `json:"symbol"`
			Data   json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == "trade.executed" && msg.Symbol == "BTC-USDT" {
			sawTrade = true
		}
	}
	if !sawTrade {
		t.Error("never saw trade.executed on the websocket feed")
	}
}

func TestE2E_ConcurrentOrders(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "swarm")
	env.deposit(t, token, "USDT", "1000")

	const workers = 4
	const perWorker = 10

	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Distinct price per order keeps the book uncrossed.
				price := fmt.Sprintf("%.2f", 10.0+float64(w*perWorker+i)*0.01)
				body, _ := json.Marshal(map[string]string{
					"symbol":   "ETH-USDT",
					"side":     "buy",
					"type":     "limit",
					"price":    price,
					"quantity": "0.1",
				})
				req, err := http.NewRequest("POST", env.server.URL+"/api/trading/orders", bytes.NewReader(body))
				if err != nil {
					errCh <- err
					continue
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+token)
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					errCh <- err
					continue
				}
				if resp.StatusCode != http.StatusOK {
					errCh <- fmt.Errorf("submit returned %d", resp.StatusCode)
				}
				resp.Body.Close()
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent submit: %v", err)
	}

	depth := env.orderbook(t, "ETH-USDT")
	if len(depth.Bids) != workers*perWorker {
		t.Errorf("expected %d bid levels, got %d", workers*perWorker, len(depth.Bids))
	}

	waitFor(t, "all orders stored", func() bool {
		resp := env.request(t, "GET", "/api/trading/orders", nil, token)
		var views []json.RawMessage
		parseResponse(t, resp, http.StatusOK).decode(t, &views)
		return len(views) == workers*perWorker
	})
}
