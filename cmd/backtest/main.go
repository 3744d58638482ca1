package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"optionsbot/internal/backtest"
	"optionsbot/internal/bootstrap"
	"optionsbot/internal/feed"
	"optionsbot/internal/strategy"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/backtest.yaml", "Path to configuration file")
	tapePath := flag.String("tape", "", "CSV tick tape (overrides feed.replay_file)")
	ledgerOut := flag.String("ledger-out", "", "Write the canonical order ledger here (overrides backtest.ledger_out)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("backtest version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, "optionsbot-backtest")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Cfg
	if *tapePath != "" {
		cfg.Feed.ReplayFile = *tapePath
	}
	if *ledgerOut != "" {
		cfg.Backtest.LedgerOut = *ledgerOut
	}
	if cfg.Feed.ReplayFile == "" {
		fmt.Fprintln(os.Stderr, "No tick tape: set feed.replay_file or pass -tape")
		os.Exit(1)
	}

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		app.Logger.Error("Failed to create strategy", "name", cfg.Strategy.Name, "error", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting backtest",
		"strategy", strat.Name(),
		"tape", cfg.Feed.ReplayFile,
		"initial_cash", cfg.Backtest.InitialCash)

	tape := feed.NewReplay(cfg.Feed.ReplayFile, app.Logger)
	runner := backtest.NewRunner(cfg, strat, tape, app.Logger)

	result, err := runner.Run(context.Background())
	if err != nil {
		app.Logger.Error("Backtest failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("batches:        %d\n", result.Batches)
	fmt.Printf("intents:        %d (%d vetoed)\n", result.IntentsTotal, result.IntentsVetoed)
	fmt.Printf("orders filled:  %d\n", result.OrdersFilled)
	fmt.Printf("realized pnl:   %s\n", result.RealizedPnL.StringFixed(2))
	fmt.Printf("final cash:     %s\n", result.FinalCash.StringFixed(2))
	symbols := make([]string, 0, len(result.Positions.Positions))
	for sym := range result.Positions.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		pos := result.Positions.Positions[sym]
		fmt.Printf("position:       %s %s @ %s\n",
			sym, pos.Quantity.String(), pos.AvgCost.StringFixed(2))
	}

	if cfg.Backtest.LedgerOut != "" {
		if err := os.WriteFile(cfg.Backtest.LedgerOut, result.Ledger, 0o644); err != nil {
			app.Logger.Error("Failed to write ledger", "path", cfg.Backtest.LedgerOut, "error", err)
			os.Exit(1)
		}
		app.Logger.Info("Ledger written", "path", cfg.Backtest.LedgerOut, "bytes", len(result.Ledger))
	}
}
