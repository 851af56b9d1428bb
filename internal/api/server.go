package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"flowex/internal/engine"
	"flowex/internal/market"
	"flowex/internal/orderbook"
	"flowex/internal/store"
)

const (
	serviceName    = "flowex"
	serviceVersion = "1.0.0"

	defaultListLimit     = 100
	depthDefaultLevels   = 20
	depthBroadcastLevels = 20
)

// Server is the HTTP and WebSocket gateway. It parses and authenticates
// requests and checks balances before submission; all price, quantity, and
// symbol validation belongs to the engine.
type Server struct {
	router      *engine.Router
	store       *store.Store
	tickers     *market.Tickers
	hub         *Hub
	sessions    *SessionStore
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	corsOrigins []string // empty = allow all
	adminToken  string   // empty = admin routes disabled
	startedAt   time.Time
}

func NewServer(router *engine.Router, st *store.Store, tickers *market.Tickers) *Server {
	s := &Server{
		router:      router,
		store:       st,
		tickers:     tickers,
		hub:         NewHub(),
		sessions:    NewSessionStore(st),
		rateLimiter: NewRateLimiter(600, time.Minute),
		startedAt:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.allowOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins restricts cross-origin access to the given origins.
// An empty slice allows all origins.
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

// SetAdminToken enables the admin routes for callers presenting the token.
func (s *Server) SetAdminToken(token string) {
	s.adminToken = token
}

func (s *Server) allowOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimiter.Middleware)

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)
		r.Get("/auth/me", s.handleMe)

		r.Get("/trading/pairs", s.handleListPairs)
		r.Get("/trading/orderbook/{symbol}", s.handleOrderBook)
		r.Post("/trading/orders", s.handleCreateOrder)
		r.Get("/trading/orders", s.handleListOrders)
		r.Put("/trading/orders/{id}", s.handleAmendOrder)
		r.Delete("/trading/orders/{id}", s.handleCancelOrder)
		r.Get("/trading/trades", s.handleMyTrades)

		r.Get("/market-data/tickers", s.handleTickers)
		r.Get("/market-data/ticker/{symbol}", s.handleTicker)
		r.Get("/market-data/trades/{symbol}", s.handleMarketTrades)

		r.Get("/wallet/balances", s.handleBalances)
		r.Post("/wallet/deposit", s.handleDeposit)
		r.Post("/wallet/withdraw", s.handleWithdraw)
		r.Get("/wallet/transactions", s.handleTransactions)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/pairs", s.handleCreatePair)
			r.Post("/pairs/{symbol}/halt", s.handleHaltPair)
			r.Post("/pairs/{symbol}/resume", s.handleResumePair)
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	return r
}

func (s *Server) respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ApiResponse{Success: true, Data: data, Timestamp: time.Now()})
}

func (s *Server) respondErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ApiResponse{Success: false, Error: msg, Timestamp: time.Now()})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			s.respondErr(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==================== TRADING ====================

type CreateOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force,omitempty"`
	Price       string `json:"price,omitempty"`
	Quantity    string `json:"quantity"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, http.StatusBadRequest, "side must be 'buy' or 'sell'")
		return
	}
	kind, err := orderbook.ParseOrderKind(req.Type)
	if err != nil {
		s.respondErr(w, http.StatusBadRequest, "type must be 'limit' or 'market'")
		return
	}
	tif := orderbook.GTC
	if req.TimeInForce != "" {
		if tif, err = orderbook.ParseTimeInForce(req.TimeInForce); err != nil {
			s.respondErr(w, http.StatusBadRequest, "time_in_force must be 'gtc', 'ioc' or 'fok'")
			return
		}
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid quantity")
		return
	}
	price := decimal.Zero
	if kind == orderbook.Limit {
		if price, err = decimal.NewFromString(req.Price); err != nil {
			s.respondErr(w, http.StatusBadRequest, "invalid price")
			return
		}
	}

	orderReq := engine.OrderRequest{
		UserID:   session.UserID,
		Symbol:   req.Symbol,
		Side:     side,
		Kind:     kind,
		TIF:      tif,
		Price:    price,
		Quantity: qty,
	}

	// Unknown symbols skip the balance check; the router turns them into
	// a rejection event.
	if eng, ok := s.router.Engine(req.Symbol); ok {
		if err := s.checkFunds(r.Context(), eng, orderReq); err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				s.respondErr(w, http.StatusBadRequest, "insufficient balance")
				return
			}
			s.respondErr(w, http.StatusInternalServerError, "balance check failed")
			return
		}
	}

	res, err := s.router.Submit(r.Context(), orderReq)
	if err != nil {
		s.respondErr(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	if !res.Rejected() {
		s.broadcastDepth(r.Context(), req.Symbol)
	}
	s.respond(w, http.StatusOK, SubmitView{
		Order:  res.Order,
		Trades: res.Trades,
		Reason: string(res.Reason),
	})
}

// checkFunds verifies the user can cover the order before it reaches the
// engine: base quantity for sells, quote notional for buys. Market buys
// are estimated against the best ask; with no asks the order cancels
// immediately and costs nothing.
func (s *Server) checkFunds(ctx context.Context, eng *engine.InstrumentEngine, req engine.OrderRequest) error {
	cfg := eng.Config()
	if req.Side == orderbook.Sell {
		bal, err := s.store.GetBalance(req.UserID, cfg.BaseAsset)
		if err != nil {
			return err
		}
		if bal.Available.LessThan(req.Quantity) {
			return store.ErrInsufficientBalance
		}
		return nil
	}

	price := req.Price
	if req.Kind == orderbook.Market {
		depth, err := eng.Depth(ctx, 1)
		if err != nil {
			return err
		}
		if len(depth.Asks) == 0 {
			return nil
		}
		price = depth.Asks[0].Price
	}
	bal, err := s.store.GetBalance(req.UserID, cfg.QuoteAsset)
	if err != nil {
		return err
	}
	if bal.Available.LessThan(req.Quantity.Mul(price)) {
		return store.ErrInsufficientBalance
	}
	return nil
}

type AmendOrderRequest struct {
	Symbol   string `json:"symbol"`
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity,omitempty"`
}

func (s *Server) handleAmendOrder(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req AmendOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" {
		s.respondErr(w, http.StatusBadRequest, "symbol required")
		return
	}
	if req.Price == "" && req.Quantity == "" {
		s.respondErr(w, http.StatusBadRequest, "nothing to amend")
		return
	}

	amend := engine.AmendRequest{OrderID: orderID, UserID: session.UserID}
	if req.Price != "" {
		p, err := decimal.NewFromString(req.Price)
		if err != nil {
			s.respondErr(w, http.StatusBadRequest, "invalid price")
			return
		}
		amend.NewPrice = &p
	}
	if req.Quantity != "" {
		q, err := decimal.NewFromString(req.Quantity)
		if err != nil {
			s.respondErr(w, http.StatusBadRequest, "invalid quantity")
			return
		}
		amend.NewQuantity = &q
	}

	res, err := s.router.Amend(r.Context(), req.Symbol, amend)
	if s.respondEngineErr(w, err) {
		return
	}

	view := SubmitView{
		Order:  res.Replacement.Order,
		Trades: res.Replacement.Trades,
		Reason: string(res.Replacement.Reason),
	}
	if res.CancelledID != uuid.Nil {
		view.CancelledID = res.CancelledID.String()
		s.broadcastDepth(r.Context(), req.Symbol)
	}
	s.respond(w, http.StatusOK, view)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid order id")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.respondErr(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}

	cancelled, err := s.router.Cancel(r.Context(), symbol, orderID, session.UserID)
	if s.respondEngineErr(w, err) {
		return
	}

	s.broadcastDepth(r.Context(), symbol)
	s.respond(w, http.StatusOK, map[string]interface{}{"order": cancelled})
}

// respondEngineErr maps engine errors onto HTTP statuses. Returns true when
// it wrote a response.
func (s *Server) respondEngineErr(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, engine.ErrUnknownSymbol):
		s.respondErr(w, http.StatusNotFound, "unknown symbol")
	case errors.Is(err, engine.ErrOrderNotFound):
		s.respondErr(w, http.StatusNotFound, "order not found")
	case errors.Is(err, engine.ErrNotOwner):
		s.respondErr(w, http.StatusForbidden, "not your order")
	default:
		s.respondErr(w, http.StatusServiceUnavailable, "engine unavailable")
	}
	return true
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	recs, err := s.store.ListOrdersByUser(session.UserID, queryLimit(r))
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	s.respond(w, http.StatusOK, orderViews(recs))
}

func (s *Server) handleMyTrades(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades, err := s.store.ListTradesByUser(session.UserID, queryLimit(r))
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	s.respond(w, http.StatusOK, trades)
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	ins, err := s.store.ListInstruments()
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to list instruments")
		return
	}
	s.respond(w, http.StatusOK, instrumentViews(ins))
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	levels := depthDefaultLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			levels = n
		}
	}

	depth, err := s.router.Depth(r.Context(), symbol, levels)
	if s.respondEngineErr(w, err) {
		return
	}
	s.respond(w, http.StatusOK, depth)
}

// ==================== MARKET DATA ====================

func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.tickers.All())
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	ticker, ok := s.tickers.Get(symbol)
	if !ok {
		s.respondErr(w, http.StatusNotFound, "no trades for symbol")
		return
	}
	s.respond(w, http.StatusOK, ticker)
}

func (s *Server) handleMarketTrades(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	trades := s.tickers.RecentTrades(symbol, queryLimit(r))
	s.respond(w, http.StatusOK, publicTradeViews(trades))
}

// ==================== WALLET ====================

type WalletRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	bals, err := s.store.ListBalances(session.UserID)
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to list balances")
		return
	}
	s.respond(w, http.StatusOK, balanceViews(bals))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleWalletMove(w, r, s.store.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleWalletMove(w, r, s.store.Withdraw)
}

func (s *Server) handleWalletMove(w http.ResponseWriter, r *http.Request, move func(uuid.UUID, string, decimal.Decimal) error) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req WalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Asset == "" {
		s.respondErr(w, http.StatusBadRequest, "asset required")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := move(session.UserID, req.Asset, amount); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			s.respondErr(w, http.StatusBadRequest, "insufficient balance")
			return
		}
		s.respondErr(w, http.StatusBadRequest, err.Error())
		return
	}

	bal, err := s.store.GetBalance(session.UserID, req.Asset)
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	s.respond(w, http.StatusOK, BalanceView{
		Asset:     bal.Asset,
		Available: bal.Available.String(),
		Locked:    bal.Locked.String(),
		UpdatedAt: bal.UpdatedAt,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	txs, err := s.store.ListTransactions(session.UserID, queryLimit(r))
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	s.respond(w, http.StatusOK, transactionViews(txs))
}

// ==================== ADMIN ====================

type CreatePairRequest struct {
	Symbol          string `json:"symbol"`
	BaseAsset       string `json:"base_asset"`
	QuoteAsset      string `json:"quote_asset"`
	TickSize        string `json:"tick_size"`
	StepSize        string `json:"step_size"`
	MinQuantity     string `json:"min_quantity,omitempty"`
	MaxQuantity     string `json:"max_quantity,omitempty"`
	MakerFeeRate    string `json:"maker_fee_rate,omitempty"`
	TakerFeeRate    string `json:"taker_fee_rate,omitempty"`
	RejectSelfTrade bool   `json:"reject_self_trade,omitempty"`
}

func (s *Server) handleCreatePair(w http.ResponseWriter, r *http.Request) {
	var req CreatePairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := engine.InstrumentConfig{
		Symbol:          req.Symbol,
		BaseAsset:       req.BaseAsset,
		QuoteAsset:      req.QuoteAsset,
		RejectSelfTrade: req.RejectSelfTrade,
	}
	fields := []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{req.TickSize, &cfg.TickSize, "tick_size"},
		{req.StepSize, &cfg.StepSize, "step_size"},
		{req.MinQuantity, &cfg.MinQuantity, "min_quantity"},
		{req.MaxQuantity, &cfg.MaxQuantity, "max_quantity"},
		{req.MakerFeeRate, &cfg.MakerFeeRate, "maker_fee_rate"},
		{req.TakerFeeRate, &cfg.TakerFeeRate, "taker_fee_rate"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			s.respondErr(w, http.StatusBadRequest, "invalid "+f.name)
			return
		}
		*f.dst = d
	}

	if err := s.router.Add(cfg); err != nil {
		s.respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveInstrument(cfg, store.InstrumentTrading); err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to persist instrument")
		return
	}
	s.respond(w, http.StatusOK, instrumentView(store.Instrument{
		Config: cfg,
		Status: store.InstrumentTrading,
	}))
}

func (s *Server) handleHaltPair(w http.ResponseWriter, r *http.Request) {
	s.setPairStatus(w, r, store.InstrumentHalted, s.router.Halt)
}

func (s *Server) handleResumePair(w http.ResponseWriter, r *http.Request) {
	s.setPairStatus(w, r, store.InstrumentTrading, s.router.Resume)
}

func (s *Server) setPairStatus(w http.ResponseWriter, r *http.Request, status string, op func(context.Context, string) error) {
	symbol := chi.URLParam(r, "symbol")
	if err := op(r.Context(), symbol); err != nil {
		s.respondEngineErr(w, err)
		return
	}
	if err := s.store.SetInstrumentStatus(symbol, status); err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to persist instrument status")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"symbol": symbol, "status": status})
}

// ==================== MISC ====================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, HealthView{
		Status:    "healthy",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now(),
		Uptime:    int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	// Seed the connection with the current tickers.
	if data, err := json.Marshal(map[string]interface{}{
		"type": "tickers",
		"data": s.tickers.All(),
	}); err == nil {
		client.send <- data
	}

	go client.WritePump()
	go client.ReadPump()
}

// PublishEvent forwards one engine event to connected WebSocket clients.
// The event dispatcher calls this for every event the engines emit.
func (s *Server) PublishEvent(ev engine.Event) {
	s.hub.Broadcast(map[string]interface{}{
		"type":   engine.EventName(ev),
		"symbol": engine.EventSymbol(ev),
		"data":   ev,
	})
}

func (s *Server) broadcastDepth(ctx context.Context, symbol string) {
	depth, err := s.router.Depth(ctx, symbol, depthBroadcastLevels)
	if err != nil {
		return
	}
	s.hub.Broadcast(map[string]interface{}{
		"type":   "depth",
		"symbol": symbol,
		"data":   depth,
	})
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

// Shutdown stops the gateway's internal goroutines.
func (s *Server) Shutdown() {
	s.sessions.Stop()
	s.rateLimiter.Stop()
	s.hub.Stop()
}
