package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/bootstrap"
	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	"optionsbot/internal/core"
	"optionsbot/internal/engine"
	"optionsbot/internal/feed"
	"optionsbot/internal/ledger"
	"optionsbot/internal/position"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"
	"optionsbot/internal/trader"
	"optionsbot/pkg/retry"
	"optionsbot/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/optionsbot.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("optionsbot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, "optionsbot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Cfg
	app.Logger.Info("Starting optionsbot",
		"version", version,
		"broker", cfg.Broker.Name,
		"strategy", cfg.Strategy.Name,
		"underlying", cfg.Strategy.Underlying)

	adapter, err := newBroker(cfg, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to create broker adapter", "error", err)
		os.Exit(1)
	}

	marketFeed, err := newFeed(cfg, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to create market data feed", "error", err)
		os.Exit(1)
	}

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		app.Logger.Error("Failed to create strategy", "name", cfg.Strategy.Name, "error", err)
		os.Exit(1)
	}

	store, err := ledger.NewSQLiteStore(cfg.App.LedgerPath)
	if err != nil {
		app.Logger.Error("Failed to open order ledger", "path", cfg.App.LedgerPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	book := position.NewBook(app.Logger)
	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveLosses: cfg.Risk.CircuitMaxConsecutiveLosses,
		MaxDrawdownAmount:    decimal.NewFromFloat(cfg.Risk.CircuitMaxDrawdown),
		CooldownPeriod:       time.Duration(cfg.Risk.CircuitCooldownSeconds) * time.Second,
	})
	book.OnRealized(breaker.RecordTrade)
	controller := risk.NewController(cfg.Risk, breaker, app.Logger, app.Alerts)

	eng := engine.New(engine.Options{
		Broker: adapter,
		Ledger: store,
		Book:   book,
		Logger: app.Logger,
		Alerts: app.Alerts,
		Retry: retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.RetryBackoffBase(),
			MaxBackoff:     cfg.RetryBackoffMax(),
		},
		BrokerTimeout: cfg.BrokerTimeout(),
		RateLimit:     cfg.Broker.RateLimit,
		RateBurst:     cfg.Broker.RateBurst,
	})

	runners := []bootstrap.Runner{
		trader.New(cfg, strat, marketFeed, adapter, eng, controller, book, app.Logger),
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, newMetricsRunner(cfg.Telemetry.MetricsPort, app.Logger))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

func newBroker(cfg *config.Config, logger core.Logger) (core.BrokerAdapter, error) {
	switch cfg.Broker.Name {
	case "sim":
		return broker.NewSim(cfg.Backtest, logger, time.Now), nil
	case "tradier":
		return broker.NewTradier(cfg.Broker, logger)
	default:
		return nil, fmt.Errorf("unknown broker: %s", cfg.Broker.Name)
	}
}

func newFeed(cfg *config.Config, logger core.Logger) (core.Feed, error) {
	switch cfg.Feed.Kind {
	case "replay":
		if cfg.Feed.ReplayFile == "" {
			return nil, fmt.Errorf("replay feed requires feed.replay_file")
		}
		return feed.NewReplay(cfg.Feed.ReplayFile, logger), nil
	case "stream":
		return feed.NewStream(cfg.Feed.StreamURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown feed kind: %s", cfg.Feed.Kind)
	}
}

// metricsRunner adapts the Prometheus endpoint to the app's Runner lifecycle.
type metricsRunner struct {
	server *telemetry.MetricsServer
}

func newMetricsRunner(port int, logger core.Logger) *metricsRunner {
	return &metricsRunner{server: telemetry.NewMetricsServer(port, logger)}
}

func (m *metricsRunner) Run(ctx context.Context) error {
	m.server.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Stop(stopCtx)
}
