package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline-labs/trade-engine/planner/aggregator"
	"github.com/driftline-labs/trade-engine/planner/builder"
	"github.com/driftline-labs/trade-engine/planner/chainquery"
	"github.com/driftline-labs/trade-engine/planner/config"
	"github.com/driftline-labs/trade-engine/planner/pricecache"
	"github.com/driftline-labs/trade-engine/planner/router"
	"github.com/driftline-labs/trade-engine/planner/rpc"
)

var log zerolog.Logger

func init() {
	// Initialize zerolog with console writer
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Logger()

	// Share the logger with the RPC package
	rpc.SetLogger(log)
}

func main() {
	// Parse command line flags
	configRpc := flag.String("config-rpc", "./rpc-config.toml", "config file for the rpc server, empty means env vars")
	configMarket := flag.String("config-market", "./market.toml", "market definition file (assets, pools, contracts)")
	flag.Parse()

	log.Info().
		Str("rpc_config", *configRpc).
		Str("market_config", *configMarket).
		Msg("Starting Trade Engine")

	// Load RPC server configuration, env-only when no file is given
	var rpcConfigPath *string
	if *configRpc != "" {
		rpcConfigPath = configRpc
	}
	rpcConfig, err := config.LoadRPCPlannerConfig(rpcConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load RPC config")
	}

	// Load the market definition
	market, err := config.NewMarketLoader().LoadFromFile(*configMarket)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load market config")
	}

	log.Info().
		Int("assets", len(market.Registry.All())).
		Int("pools", len(market.Pools)).
		Msg("Loaded market")

	// Chain query client, first URL is primary
	contracts := chainquery.Contracts{
		Quoter:   market.Contracts.Quoter,
		Oracle:   market.Contracts.Oracle,
		Executor: market.Contracts.Executor,
	}
	var chainClient *chainquery.Client
	if len(rpcConfig.RPCURLs) > 1 {
		chainClient = chainquery.NewClientWithFailover(
			rpcConfig.RPCURLs[0],
			rpcConfig.RPCURLs[1:],
			contracts,
			chainquery.DefaultFailoverConfig(),
		)
	} else {
		chainClient = chainquery.NewClient(rpcConfig.RPCURLs[0], contracts)
	}

	// Price cache over the oracle
	priceSource := chainquery.NewPriceSource(chainClient, market.Registry, market.Pools)
	prices := pricecache.New(priceSource, time.Duration(rpcConfig.PriceTTLSeconds)*time.Second)

	// Aggregator quote client
	aggClient, err := aggregator.NewClient(aggregator.Config{
		BaseURL: rpcConfig.AggregatorURL,
		APIKey:  rpcConfig.AggregatorAPIKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create aggregator client")
	}

	// Create the router and the builder
	tradeRouter := router.New(market.Registry, market.Pools, chainClient, aggClient, prices)
	tradeBuilder := builder.New(market.Contracts.Pipeline, market.Contracts.Executor)

	// Create the RPC server configuration
	serverConfig := buildServerConfig(rpcConfig)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm the price cache before serving; a failure here is not fatal, the
	// first route request retries.
	warmCtx, warmCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := prices.Refresh(warmCtx); err != nil {
		log.Warn().Err(err).Msg("Initial price snapshot failed")
	}
	warmCancel()

	// Create the RPC server
	planner := rpc.NewPlannerServer(market.Registry, tradeRouter, tradeBuilder)
	server, err := rpc.NewServer(ctx, serverConfig, planner)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RPC server")
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			sigCh <- syscall.SIGTERM
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	chainClient.Close()
	log.Info().Msg("Closed chain query client")
}

// buildServerConfig converts the loaded RPCPlannerConfig to rpc.ServerConfig
func buildServerConfig(cfg *config.RPCPlannerConfig) *rpc.ServerConfig {
	serverConfig := &rpc.ServerConfig{
		Address:        cfg.Host + ":" + itoa(cfg.Port),
		AllowedOrigins: cfg.AllowedOrigins,
		EnableMetrics:  cfg.UsePrometheus, // Enable metrics endpoint if prometheus is enabled
	}

	// Set rate limiting if configured
	if cfg.RatePerMinute > 0 {
		serverConfig.RatePerMinute = &cfg.RatePerMinute
	}
	if cfg.MaxConcurrentRequests > 0 {
		serverConfig.MaxConcurrentRequests = &cfg.MaxConcurrentRequests
	}

	// Set OpenTelemetry configuration if any telemetry is enabled
	if cfg.EnableTracing || cfg.EnableMetrics || cfg.UsePrometheus {
		serverConfig.OTelConfig = &rpc.OTelConfig{
			ServiceName:     defaultString(cfg.ServiceName, "trade-engine"),
			ServiceVersion:  defaultString(cfg.ServiceVersion, "1.0.0"),
			Environment:     defaultString(cfg.Environment, "development"),
			EnableTracing:   cfg.EnableTracing,
			UseOTLPTraces:   cfg.UseOTLPTraces,
			OTLPTracesURL:   cfg.OTLPTracesURL,
			EnableMetrics:   cfg.EnableMetrics,
			UsePrometheus:   cfg.UsePrometheus,
			UseOTLPMetrics:  cfg.UseOTLPMetrics,
			OTLPMetricsURL:  cfg.OTLPMetricsURL,
			InsecureOTLP:    cfg.InsecureOTLP,
			DevelopmentMode: cfg.DevelopmentMode,
		}
	}

	return serverConfig
}

// itoa converts int to string without importing strconv
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	negative := i < 0
	if negative {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if negative {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// defaultString returns the default value if s is empty
func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
