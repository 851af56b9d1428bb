package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"flowex/internal/api"
	"flowex/internal/bots"
	"flowex/internal/engine"
	"flowex/internal/market"
	"flowex/internal/store"
	"flowex/internal/stream"
)

func main() {
	port := flag.String("port", "8088", "server port")
	dbPath := flag.String("db", "flowex.db", "SQLite database path")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins (empty = allow all for dev)")
	adminToken := flag.String("admin-token", os.Getenv("FLOWEX_ADMIN_TOKEN"), "token for /api/admin endpoints (empty disables them)")
	kafkaBrokers := flag.String("kafka-brokers", "", "comma-separated Kafka brokers for event streaming (empty = disabled)")
	kafkaTopic := flag.String("kafka-topic", "flowex.events", "Kafka topic for engine events")
	seedDemo := flag.Bool("seed-demo", false, "seed demo trading pairs when the database has none")
	enableBots := flag.Bool("bots", false, "run demo liquidity bots on every instrument")
	flag.Parse()

	// Initialize SQLite store
	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	instruments, err := st.ListInstruments()
	if err != nil {
		log.Fatalf("Failed to load instruments: %v", err)
	}
	if len(instruments) == 0 && *seedDemo {
		instruments, err = seedDemoPairs(st)
		if err != nil {
			log.Fatalf("Failed to seed demo pairs: %v", err)
		}
		log.Printf("Seeded %d demo trading pairs", len(instruments))
	}

	// One matching engine per instrument, built from the stored definitions.
	router := engine.NewRouter()
	ctx := context.Background()
	for _, inst := range instruments {
		if err := router.Add(inst.Config); err != nil {
			log.Fatalf("Failed to add instrument %s: %v", inst.Config.Symbol, err)
		}
		if inst.Status == store.InstrumentHalted {
			if err := router.Halt(ctx, inst.Config.Symbol); err != nil {
				log.Fatalf("Failed to halt instrument %s: %v", inst.Config.Symbol, err)
			}
		}
	}

	tickers := market.NewTickers()
	tickers.Start(time.Minute)

	// Rebuild ticker state from persisted trades so a restart keeps quoting.
	for _, inst := range instruments {
		trades, err := st.ListTradesBySymbol(inst.Config.Symbol, 500)
		if err != nil {
			log.Fatalf("Failed to load trades for %s: %v", inst.Config.Symbol, err)
		}
		for _, tr := range lo.Reverse(trades) {
			tickers.OnTrade(tr)
		}
	}

	server := api.NewServer(router, st, tickers)

	// Configure CORS if specified
	if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		log.Printf("CORS restricted to: %v", origins)
	}
	if *adminToken != "" {
		server.SetAdminToken(*adminToken)
		log.Println("Admin endpoints enabled")
	}

	// Optional Kafka publisher for downstream consumers
	var publisher *stream.Publisher
	if *kafkaBrokers != "" {
		brokers := strings.Split(*kafkaBrokers, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		publisher = stream.NewPublisher(brokers, *kafkaTopic)
		log.Printf("Streaming events to Kafka %v topic %q", brokers, *kafkaTopic)
	}

	// Demo liquidity bots, one set per instrument.
	var runners []*bots.Runner
	if *enableBots {
		for _, inst := range instruments {
			anchor := anchorPrice(tickers, inst.Config.Symbol)
			if !anchor.IsPositive() {
				log.Printf("No anchor price for %s, skipping bots", inst.Config.Symbol)
				continue
			}
			runner, err := bots.DemoSet(router, tickers, inst.Config, anchor, botAccount(st, inst.Config, anchor))
			if err != nil {
				log.Fatalf("Failed to build bots for %s: %v", inst.Config.Symbol, err)
			}
			runners = append(runners, runner)
			log.Printf("Demo bots for %s: %v", inst.Config.Symbol, runner.Names())
		}
	}

	// Event dispatcher: every engine event is persisted, folded into the
	// tickers, fanned to the bots, broadcast to WebSocket clients, and
	// optionally streamed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range router.Events() {
			if err := st.ApplyEvent(ev); err != nil {
				log.Printf("Event apply error: %v", err)
			}
			if te, ok := ev.(engine.TradeExecuted); ok {
				tickers.OnTrade(te.Trade)
				for _, rn := range runners {
					rn.OnTrade(te.Trade)
				}
			}
			server.PublishEvent(ev)
			if publisher != nil {
				if err := publisher.Publish(ctx, ev); err != nil {
					log.Printf("Kafka publish error: %v", err)
				}
			}
		}
	}()

	for _, rn := range runners {
		rn.StartAll()
	}

	addr := ":" + *port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting flowex server on http://localhost%s", addr)
		log.Printf("Database: %s", *dbPath)
		log.Printf("Trading pairs: %v", router.Symbols())

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful HTTP shutdown with 5 second timeout. In-flight requests finish
	// before the engines stop, so none of them see a stopped router.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	// Stop server internal goroutines (sessions, rate limiter, WebSocket hub)
	server.Shutdown()

	// Bots stop before the engines so the makers can pull their quotes.
	for _, rn := range runners {
		rn.StopAll()
	}

	// Drain the engines, then wait for the dispatcher to persist the tail.
	router.Stop()
	<-done
	log.Println("Engines drained")

	tickers.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Printf("Kafka close error: %v", err)
		}
	}

	// Close database
	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Server shutdown complete")
}

// demoAnchors seed quoting for instruments that have never traded.
var demoAnchors = map[string]decimal.Decimal{
	"BTC-USDT": decimal.NewFromInt(40000),
	"ETH-USDT": decimal.NewFromInt(2500),
}

// anchorPrice picks the bootstrap quote price for an instrument: the last
// traded price when there is one, else a built-in demo default.
func anchorPrice(tickers *market.Tickers, symbol string) decimal.Decimal {
	if tk, ok := tickers.Get(symbol); ok && tk.LastPrice.IsPositive() {
		return tk.LastPrice
	}
	return demoAnchors[symbol]
}

// botAccount resolves bot usernames to funded accounts. New accounts get a
// random password (bots never log in) and enough of both assets to make a
// market.
func botAccount(st *store.Store, inst engine.InstrumentConfig, anchor decimal.Decimal) func(string) (uuid.UUID, error) {
	return func(username string) (uuid.UUID, error) {
		u, err := st.GetUserByUsername(username)
		if err == nil {
			return u.ID, nil
		}
		if !errors.Is(err, store.ErrUserNotFound) {
			return uuid.Nil, err
		}

		u, err = st.CreateUser(username, uuid.NewString())
		if err != nil {
			return uuid.Nil, err
		}
		quote := decimal.NewFromInt(1_000_000)
		if err := st.Deposit(u.ID, inst.QuoteAsset, quote); err != nil {
			return uuid.Nil, err
		}
		if err := st.Deposit(u.ID, inst.BaseAsset, quote.DivRound(anchor, 8)); err != nil {
			return uuid.Nil, err
		}
		return u.ID, nil
	}
}

// seedDemoPairs installs a starter set of instruments so a fresh deployment
// has something to trade against.
func seedDemoPairs(st *store.Store) ([]store.Instrument, error) {
	configs := []engine.InstrumentConfig{
		{
			Symbol:       "BTC-USDT",
			BaseAsset:    "BTC",
			QuoteAsset:   "USDT",
			TickSize:     decimal.RequireFromString("0.01"),
			StepSize:     decimal.RequireFromString("0.00001"),
			MinQuantity:  decimal.RequireFromString("0.00001"),
			MaxQuantity:  decimal.RequireFromString("1000"),
			MakerFeeRate: decimal.RequireFromString("0.001"),
			TakerFeeRate: decimal.RequireFromString("0.002"),
		},
		{
			Symbol:       "ETH-USDT",
			BaseAsset:    "ETH",
			QuoteAsset:   "USDT",
			TickSize:     decimal.RequireFromString("0.01"),
			StepSize:     decimal.RequireFromString("0.0001"),
			MinQuantity:  decimal.RequireFromString("0.0001"),
			MaxQuantity:  decimal.RequireFromString("10000"),
			MakerFeeRate: decimal.RequireFromString("0.001"),
			TakerFeeRate: decimal.RequireFromString("0.002"),
		},
	}

	out := make([]store.Instrument, 0, len(configs))
	for _, cfg := range configs {
		if err := st.SaveInstrument(cfg, store.InstrumentTrading); err != nil {
			return nil, err
		}
		out = append(out, store.Instrument{Config: cfg, Status: store.InstrumentTrading})
	}
	return out, nil
}
