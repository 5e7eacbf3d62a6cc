/*
Package main implements the trading engine binary.

The binary loads a YAML configuration describing exchange connections,
credentials and startup subscriptions, assembles the engine, and runs it
until interrupted. It ships with a built-in observer strategy that logs
every event it receives; real deployments replace it with their own
service.Strategy implementation and rebuild.

Usage:

	go run main.go -config=config.yaml

The engine connects to the configured exchanges, replays subscriptions
across reconnects, and shuts down gracefully on Ctrl+C or SIGTERM.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fengyelingdu/NexusTrader/internal/config"
	"github.com/fengyelingdu/NexusTrader/internal/engine"
	"github.com/fengyelingdu/NexusTrader/internal/model"
	"github.com/fengyelingdu/NexusTrader/internal/service"
)

// Command-line flags for configuring the engine
var (
	// configPath specifies the YAML configuration file to load
	configPath = flag.String("config", "config.yaml", "Path to the engine configuration file")
)

// main is the entry point of the trading engine application.
// It loads and validates configuration, builds the engine, and blocks until
// a shutdown signal arrives.
func main() {
	flag.Parse()

	// Initialize structured logger with timestamp and console output
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	applyLogLevel(cfg.Engine.LogLevel)

	// Create context cancelled by interrupt signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg, &observerStrategy{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build engine")
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	log.Info().Str("config", *configPath).Msg("engine running")

	// Block until interrupted, then tear everything down in order
	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown")
	eng.Dispose()
}

// applyLogLevel sets the global zerolog level from configuration. Unknown
// values keep the default info level.
func applyLogLevel(level string) {
	if level == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// observerStrategy is the default strategy compiled into the binary. It
// places no orders; it logs the streams the configuration subscribes to,
// which makes the binary useful for verifying connectivity and credentials.
type observerStrategy struct {
	service.BaseStrategy
}

func (s *observerStrategy) OnStart(t service.Trader) {
	log.Info().Msg("observer strategy started")
}

func (s *observerStrategy) OnBookL1(book model.BookL1) {
	log.Info().
		Str("symbol", book.Symbol).
		Stringer("exchange", book.Exchange).
		Str("bid", book.BidPrice.String()).
		Str("ask", book.AskPrice.String()).
		Msg("book")
}

func (s *observerStrategy) OnTrade(trade model.Trade) {
	log.Info().
		Str("symbol", trade.Symbol).
		Stringer("exchange", trade.Exchange).
		Stringer("side", trade.Side).
		Str("price", trade.Price.String()).
		Str("size", trade.Size.String()).
		Msg("trade")
}

func (s *observerStrategy) OnKline(kline model.Kline) {
	log.Info().
		Str("symbol", kline.Symbol).
		Str("interval", kline.Interval).
		Str("close", kline.Close.String()).
		Msg("kline")
}

func (s *observerStrategy) OnOrder(ord model.Order) {
	log.Info().
		Str("client_order_id", ord.ClientOrderID).
		Stringer("status", ord.Status).
		Str("filled", ord.Filled.String()).
		Msg("order update")
}

func (s *observerStrategy) OnBalance(balance model.BalanceUpdate) {
	log.Info().
		Stringer("exchange", balance.Exchange).
		Int("assets", len(balance.Balances)).
		Msg("balance update")
}

func (s *observerStrategy) OnStop() {
	log.Info().Msg("observer strategy stopped")
}
