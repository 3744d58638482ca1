// Package backtest replays a recorded tick tape through the full trading
// stack: strategy, risk controller, lifecycle engine, and simulated broker.
// The loop is single threaded and the clock is the tape's clock, so two runs
// over the same tape produce byte-identical ledgers.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	"optionsbot/internal/core"
	"optionsbot/internal/engine"
	"optionsbot/internal/ledger"
	"optionsbot/internal/position"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"
	apperrors "optionsbot/pkg/errors"
	"optionsbot/pkg/retry"
)

// Result summarizes a completed run.
type Result struct {
	Batches       int
	IntentsTotal  int
	IntentsVetoed int
	OrdersFilled  int
	RealizedPnL   decimal.Decimal
	FinalCash     decimal.Decimal
	Positions     core.PositionsSnapshot

	// Ledger is the canonical encoding of every order transition. Comparing
	// it across runs is the determinism check.
	Ledger []byte
}

// Runner wires a complete simulated trading stack around one strategy.
type Runner struct {
	cfg    *config.Config
	strat  strategy.Strategy
	feed   core.Feed
	logger core.Logger

	now time.Time
}

func NewRunner(cfg *config.Config, strat strategy.Strategy, feed core.Feed, logger core.Logger) *Runner {
	return &Runner{cfg: cfg, strat: strat, feed: feed, logger: logger.WithField("component", "backtest")}
}

// Run drives the tape to exhaustion and returns the summary. An order whose
// submit outcome cannot be resolved aborts the run: a backtest that silently
// diverges from broker truth would report fiction.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	clock := func() time.Time { return r.now }

	sim := broker.NewSim(r.cfg.Backtest, r.logger, clock)
	store := ledger.NewMemoryStore()
	book := position.NewBook(r.logger)

	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveLosses: r.cfg.Risk.CircuitMaxConsecutiveLosses,
		MaxDrawdownAmount:    decimal.NewFromFloat(r.cfg.Risk.CircuitMaxDrawdown),
		CooldownPeriod:       time.Duration(r.cfg.Risk.CircuitCooldownSeconds) * time.Second,
	})
	breaker.SetClock(clock)
	book.OnRealized(breaker.RecordTrade)

	controller := risk.NewController(r.cfg.Risk, breaker, r.logger, nil)

	eng := engine.New(engine.Options{
		Broker:      sim,
		Ledger:      store,
		Book:        book,
		Logger:      r.logger,
		Retry:       retry.Policy{MaxAttempts: 1},
		Synchronous: true,
		Clock:       clock,
	})
	if err := eng.Start(ctx); err != nil {
		return nil, fmt.Errorf("engine start: %w", err)
	}

	batches, err := r.feed.Subscribe(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("feed subscribe: %w", err)
	}

	result := &Result{}
	var state strategy.State

	for batch := range batches {
		r.now = batch.Timestamp
		result.Batches++

		// Fills against resting orders happen before the strategy sees the
		// new prices, mirroring how a live broker reports ahead of the feed.
		sim.OnTick(batch)
		book.MarkPrices(batch)

		account, err := sim.GetAccount(ctx)
		if err != nil {
			return nil, fmt.Errorf("account snapshot: %w", err)
		}
		snapshot := book.Snapshot(batch.Timestamp)

		intents, next := r.strat.Evaluate(state, strategy.Input{
			Batch:     batch,
			Positions: snapshot,
			Account:   account,
			Now:       batch.Timestamp,
		})
		state = next

		for _, intent := range intents {
			result.IntentsTotal++

			decision, err := controller.Evaluate(ctx, intent, risk.Inputs{
				Positions:    snapshot,
				Account:      account,
				Tick:         tickFor(batch, intent.Contract),
				OpenOrders:   len(eng.WorkingOrders()),
				OpenNotional: eng.OpenNotional(),
			})
			if err != nil {
				result.IntentsVetoed++
				continue
			}

			order, err := eng.SubmitIntent(ctx, decision)
			if err != nil {
				return nil, fmt.Errorf("submit %s: %w", intent.CorrelationID, err)
			}
			if order.Status == core.StatusFailed {
				return nil, fmt.Errorf("%w: order %s failed in simulation",
					apperrors.ErrAmbiguous, intent.CorrelationID)
			}
		}
	}

	records, err := store.Replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger replay: %w", err)
	}
	for _, rec := range records {
		if rec.To == core.StatusFilled {
			result.OrdersFilled++
		}
	}

	account, err := sim.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	result.RealizedPnL = book.RealizedPnL()
	result.FinalCash = account.Cash
	result.Positions = book.Snapshot(r.now)
	result.Ledger = ledger.Encode(records)
	return result, nil
}

// tickFor returns the batch tick for a contract, falling back to a zero tick
// when the contract did not print in this batch.
func tickFor(batch core.TickBatch, c core.Contract) core.Tick {
	sym := c.Symbol()
	for _, t := range batch.Ticks {
		if t.Contract.Symbol() == sym {
			return t
		}
	}
	return core.Tick{Contract: c, Timestamp: batch.Timestamp}
}
