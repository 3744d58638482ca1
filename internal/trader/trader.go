// Package trader drives the live trading loop: market data in, strategy
// evaluation, risk checks, and order submission through the lifecycle
// engine. One Trader handles one strategy against one broker account.
package trader

import (
	"context"
	"fmt"
	"time"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
	"optionsbot/internal/engine"
	"optionsbot/internal/position"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"
)

// Trader owns the evaluate-gate-submit loop.
type Trader struct {
	cfg        *config.Config
	strat      strategy.Strategy
	feed       core.Feed
	broker     core.BrokerAdapter
	eng        *engine.Engine
	controller *risk.Controller
	book       *position.Book
	logger     core.Logger
}

func New(
	cfg *config.Config,
	strat strategy.Strategy,
	feed core.Feed,
	broker core.BrokerAdapter,
	eng *engine.Engine,
	controller *risk.Controller,
	book *position.Book,
	logger core.Logger,
) *Trader {
	return &Trader{
		cfg:        cfg,
		strat:      strat,
		feed:       feed,
		broker:     broker,
		eng:        eng,
		controller: controller,
		book:       book,
		logger:     logger.WithField("component", "trader"),
	}
}

// Run blocks until the feed closes or the context is cancelled. Orders in
// flight when the loop exits are waited on so no submit goroutine outlives
// the process.
func (t *Trader) Run(ctx context.Context) error {
	if err := t.eng.Restore(ctx); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	if err := t.eng.Start(ctx); err != nil {
		return fmt.Errorf("start update stream: %w", err)
	}

	batches, err := t.feed.Subscribe(ctx, nil)
	if err != nil {
		return fmt.Errorf("feed subscribe: %w", err)
	}

	t.logger.Info("trading loop started",
		"strategy", t.strat.Name(),
		"broker", t.broker.Name(),
		"underlying", t.cfg.Strategy.Underlying)

	var state strategy.State
	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				t.logger.Info("feed closed, stopping trading loop")
				t.shutdown()
				return nil
			}
			if err := t.step(ctx, batch, &state); err != nil {
				t.logger.Error("trading step failed", "error", err)
			}
		}
	}
}

// tickConsumer is implemented by brokers that fill resting orders off the
// market data stream rather than a real exchange, such as the paper-trading
// simulator.
type tickConsumer interface {
	OnTick(core.TickBatch)
}

// step processes one tick batch through strategy and risk into the engine.
func (t *Trader) step(ctx context.Context, batch core.TickBatch, state *strategy.State) error {
	if tc, ok := t.broker.(tickConsumer); ok {
		tc.OnTick(batch)
	}
	t.book.MarkPrices(batch)

	account, err := t.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	snapshot := t.book.Snapshot(time.Now())

	intents, next := t.strat.Evaluate(*state, strategy.Input{
		Batch:     batch,
		Positions: snapshot,
		Account:   account,
		Now:       batch.Timestamp,
	})
	*state = next

	for _, intent := range intents {
		decision, err := t.controller.Evaluate(ctx, intent, risk.Inputs{
			Positions:    snapshot,
			Account:      account,
			Tick:         tickFor(batch, intent.Contract),
			OpenOrders:   len(t.eng.WorkingOrders()),
			OpenNotional: t.eng.OpenNotional(),
		})
		if err != nil {
			t.logger.Info("intent vetoed",
				"correlation_id", intent.CorrelationID,
				"symbol", intent.Contract.Symbol(),
				"reason", err.Error())
			continue
		}

		order, err := t.eng.SubmitIntent(ctx, decision)
		if err != nil {
			t.logger.Error("submit failed",
				"correlation_id", intent.CorrelationID, "error", err)
			continue
		}
		t.logger.Info("order admitted",
			"order_id", order.ID,
			"symbol", order.Contract.Symbol(),
			"side", order.Side,
			"quantity", order.Quantity.String())
	}
	return nil
}

// shutdown cancels working orders best-effort and waits for in-flight
// submits. A fill racing the cancel is fine; broker truth arrives through
// the update stream on the next start.
func (t *Trader) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, order := range t.eng.WorkingOrders() {
		if err := t.eng.Cancel(ctx, order.CorrelationID); err != nil {
			t.logger.Warn("cancel on shutdown failed",
				"correlation_id", order.CorrelationID, "error", err)
		}
	}
	t.eng.Wait()
}

// tickFor returns the batch tick for a contract, or a zero-quote tick when
// the contract did not print in this batch.
func tickFor(batch core.TickBatch, c core.Contract) core.Tick {
	sym := c.Symbol()
	for _, tk := range batch.Ticks {
		if tk.Contract.Symbol() == sym {
			return tk
		}
	}
	return core.Tick{Contract: c, Timestamp: batch.Timestamp}
}
