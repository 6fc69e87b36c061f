// marketgate — a personal trading gateway for Indian brokers: one shared
// real-time market-data proxy plus a simulated execution engine.
//
// Architecture:
//
//	main.go              — entry point: .env + config load, wiring, waits for SIGINT/SIGTERM
//	proxy/               — client-facing WebSocket server: auth, ref-counted shared
//	                       subscriptions, coalescing fan-out, /health, /metrics
//	feed/                — per-user broker feed adapter: connection pool, paise
//	                       normalization, reconnect with subscription replay
//	bus/                 — in-process topic pub/sub between adapters and the proxy
//	symbols/             — master-contract table with periodic reload
//	broker/              — broker ports, HTTP auth, generic WebSocket/REST bridge client
//	sim/                 — order acceptance, margin accounting, execution engine,
//	                       position netting, square-off/T+1/reset scheduler
//	store/               — SQLite persistence: orders, trades, positions, holdings, funds
//
// Market data flows broker → adapter → bus → proxy → WebSocket clients; one
// broker subscription serves every client of the same (user, symbol, mode).
// Orders never reach the broker: the engine fills them against live quotes
// and keeps funds/positions durable across restarts.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketgate/internal/broker"
	"marketgate/internal/bus"
	"marketgate/internal/config"
	"marketgate/internal/feed"
	"marketgate/internal/proxy"
	"marketgate/internal/sim"
	"marketgate/internal/store"
	"marketgate/internal/symbols"
	"marketgate/pkg/types"
)

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		logger.Error("failed to load IST location", "error", err)
		os.Exit(1)
	}

	// Master contracts must load before anything resolves symbols.
	resolver := symbols.NewResolver(cfg.Symbols.ContractURL, cfg.Symbols.ReloadInterval, logger)
	if err := resolver.Load(ctx); err != nil {
		logger.Error("failed to load master contracts", "error", err)
		os.Exit(1)
	}
	go resolver.Run(ctx)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	b := bus.New()
	auth := broker.NewHTTPAuth(cfg.Auth.VerifyURL, cfg.Auth.Timeout, logger)

	caps := broker.Capabilities{
		MaxSymbolsPerConn:    cfg.Broker.MaxSymbolsPerConn,
		PoolSize:             cfg.Broker.PoolSize,
		RetainSessionOnEmpty: cfg.Broker.RetainSessionOnEmpty,
		SupportedDepths:      cfg.Broker.SupportedDepths,
		PriceInPaise:         cfg.Broker.PriceInPaise,
		UnitConversionFactor: cfg.Broker.UnitConversionFactor,
	}
	factory := func(userID, brokerName string) (broker.Client, error) {
		return broker.NewWSClient(brokerName, cfg.Broker.FeedURL, cfg.Broker.APIURL,
			cfg.Broker.APIKey, caps, logger), nil
	}

	// One broker client per user serves both the feed and engine quotes;
	// clients are cached so the engine does not redial per quote.
	clients := newClientCache(factory)
	quotes := func(ctx context.Context, userID, symbol, exchange string) (types.Quote, error) {
		client, err := clients.get(userID, cfg.Broker.Name)
		if err != nil {
			return types.Quote{}, err
		}
		return client.Quote(ctx, symbol, exchange)
	}

	margin := sim.NewMarginParams(
		cfg.Sim.EquityLeverage, cfg.Sim.FuturesLeverage,
		cfg.Sim.OptionBuyLeverage, cfg.Sim.OptionSellLeverage)

	engine := sim.NewEngine(st, resolver, quotes, margin, cfg.Sim.StartingCapital,
		cfg.Sim.CheckInterval, cfg.Sim.MTMInterval, logger)
	go engine.Run(ctx)

	scheduler := sim.NewScheduler(st, engine, cfg.Sim, ist, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	newAdapter := func(userID, brokerName string, client broker.Client) *feed.Adapter {
		return feed.NewAdapter(userID, brokerName, client, resolver, b,
			cfg.Server.BrokerTimeout, logger)
	}
	hub := proxy.NewHub(auth, clients.asFactory(), resolver, b, newAdapter, logger)
	go hub.Run(ctx)

	server := proxy.NewServer(hub, cfg.Server, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	logger.Info("gateway started",
		"port", cfg.Server.Port,
		"broker", cfg.Broker.Name,
		"contracts", resolver.Count(),
		"check_interval", cfg.Sim.CheckInterval,
	)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		if err := <-errCh; err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
		stop()
	}
	logger.Info("gateway stopped")
}

// clientCache holds one broker client per user so the engine's quote path
// and the proxy's adapters share a session instead of redialing.
type clientCache struct {
	factory broker.ClientFactory

	mu      sync.Mutex
	clients map[string]broker.Client
}

func newClientCache(factory broker.ClientFactory) *clientCache {
	return &clientCache{factory: factory, clients: make(map[string]broker.Client)}
}

func (c *clientCache) get(userID, brokerName string) (broker.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[userID]; ok {
		return client, nil
	}
	client, err := c.factory(userID, brokerName)
	if err != nil {
		return nil, err
	}
	c.clients[userID] = client
	return client, nil
}

func (c *clientCache) asFactory() broker.ClientFactory { return c.get }

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
