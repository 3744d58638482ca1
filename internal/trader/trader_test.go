package trader

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/broker"
	"optionsbot/internal/config"
	"optionsbot/internal/core"
	"optionsbot/internal/engine"
	"optionsbot/internal/ledger"
	"optionsbot/internal/position"
	"optionsbot/internal/risk"
	"optionsbot/internal/strategy"
	"optionsbot/pkg/logging"
	"optionsbot/pkg/retry"
)

var trContract = core.Contract{
	Underlying: "SPY",
	Expiration: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
	Strike:     decimal.NewFromInt(450),
	Type:       core.OptionTypeCall,
}

// sliceFeed replays a fixed set of batches then closes.
type sliceFeed struct {
	batches []core.TickBatch
}

func (f *sliceFeed) Subscribe(ctx context.Context, _ []core.Contract) (<-chan core.TickBatch, error) {
	out := make(chan core.TickBatch)
	go func() {
		defer close(out)
		for _, b := range f.batches {
			select {
			case <-ctx.Done():
				return
			case out <- b:
			}
		}
	}()
	return out, nil
}

// onceStrategy emits a single scripted intent on the first batch.
type onceStrategy struct {
	intent core.OrderIntent
}

func (s *onceStrategy) Name() string { return "scripted" }

func (s *onceStrategy) Evaluate(prev strategy.State, in strategy.Input) ([]core.OrderIntent, strategy.State) {
	fired, _ := prev.(bool)
	if fired {
		return nil, true
	}
	return []core.OrderIntent{s.intent}, true
}

func batchAt(minute int, bid, ask float64) core.TickBatch {
	ts := time.Date(2026, 9, 1, 14, 30+minute, 0, 0, time.UTC)
	return core.TickBatch{
		Timestamp: ts,
		Ticks: []core.Tick{{
			Contract:  trContract,
			Timestamp: ts,
			Bid:       decimal.NewFromFloat(bid),
			Ask:       decimal.NewFromFloat(ask),
		}},
	}
}

func limitIntent(corr string, qty int64, limit float64) core.OrderIntent {
	return core.OrderIntent{
		CorrelationID: corr,
		Contract:      trContract,
		Side:          core.SideBuy,
		Effect:        core.EffectOpen,
		Quantity:      decimal.NewFromInt(qty),
		Type:          core.TypeLimit,
		LimitPrice:    decimal.NewFromFloat(limit),
		Strategy:      "scripted",
	}
}

func newTrader(t *testing.T, cfg *config.Config, strat strategy.Strategy, f core.Feed, mock *broker.Mock) (*Trader, *engine.Engine, *position.Book) {
	t.Helper()
	logger := logging.Nop()
	if mock.GetAccountFn == nil {
		mock.GetAccountFn = func(context.Context) (*core.AccountState, error) {
			funds := decimal.NewFromInt(100000)
			return &core.AccountState{Equity: funds, Cash: funds, BuyingPower: funds}, nil
		}
	}
	book := position.NewBook(logger)
	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{})
	controller := risk.NewController(cfg.Risk, breaker, logger, nil)
	eng := engine.New(engine.Options{
		Broker:      mock,
		Ledger:      ledger.NewMemoryStore(),
		Book:        book,
		Logger:      logger,
		Retry:       retry.Policy{MaxAttempts: 1},
		Synchronous: true,
	})
	return New(cfg, strat, f, mock, eng, controller, book, logger), eng, book
}

func TestRun_SubmitsApprovedIntent(t *testing.T) {
	cfg := config.Default()
	mock := broker.NewMock()
	strat := &onceStrategy{intent: limitIntent("tr-1", 2, 1.95)}
	f := &sliceFeed{batches: []core.TickBatch{batchAt(0, 1.90, 2.00)}}

	tr, eng, _ := newTrader(t, cfg, strat, f, mock)
	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, 1, mock.SubmitCalls())

	order, ok := eng.Order("tr-1")
	require.True(t, ok)
	// The shutdown pass cancels the still-working order. Terminal state waits
	// on broker confirmation, which the scripted broker never sends.
	assert.Equal(t, 1, mock.CancelCalls())
	assert.Equal(t, core.StatusCancelRequested, order.Status)
}

func TestRun_VetoedIntentNeverReachesBroker(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.MaxNotionalPerContract = 100
	cfg.Risk.ResizeOnSizeLimits = false

	mock := broker.NewMock()
	strat := &onceStrategy{intent: limitIntent("tr-veto", 5, 1.95)}
	f := &sliceFeed{batches: []core.TickBatch{batchAt(0, 1.90, 2.00)}}

	tr, _, _ := newTrader(t, cfg, strat, f, mock)
	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, 0, mock.SubmitCalls())
}

// manualFeed hands batch delivery to the test so broker updates can be
// interleaved deterministically.
type manualFeed struct {
	ch chan core.TickBatch
}

func (f *manualFeed) Subscribe(_ context.Context, _ []core.Contract) (<-chan core.TickBatch, error) {
	return f.ch, nil
}

func TestRun_FillFlowsIntoBook(t *testing.T) {
	cfg := config.Default()
	mock := broker.NewMock()
	strat := &onceStrategy{intent: limitIntent("tr-fill", 3, 1.95)}
	f := &manualFeed{ch: make(chan core.TickBatch)}

	tr, eng, book := newTrader(t, cfg, strat, f, mock)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(context.Background()) }()

	// The loop is single threaded, so a second batch is only consumed after
	// the first one's step finished. The engine runs synchronously, so by
	// then the scripted order is acknowledged at the broker.
	f.ch <- batchAt(0, 1.90, 2.00)
	f.ch <- batchAt(1, 1.90, 2.00)
	order, ok := eng.Order("tr-fill")
	require.True(t, ok)
	require.Equal(t, core.StatusAcknowledged, order.Status)

	// A broker fill lands between tick batches, like a live update stream.
	mock.Emit(&core.OrderUpdate{
		BrokerOrderID: order.BrokerOrderID,
		Status:        core.StatusFilled,
		FilledQty:     decimal.NewFromInt(3),
		AvgFillPrice:  decimal.NewFromFloat(1.95),
		Timestamp:     time.Now(),
	})

	close(f.ch)
	require.NoError(t, <-errCh)

	order, ok = eng.Order("tr-fill")
	require.True(t, ok)
	assert.Equal(t, core.StatusFilled, order.Status)
	// Filled orders are terminal; shutdown has nothing to cancel.
	assert.Equal(t, 0, mock.CancelCalls())

	pos := book.Snapshot(time.Now()).Get(trContract)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(3)), "qty %s", pos.Quantity)
}

// Paper trading runs the simulator behind the live loop, so the loop itself
// must feed it ticks or resting orders never fill.
func TestRun_SimBrokerFillsFromLiveTicks(t *testing.T) {
	cfg := config.Default()
	logger := logging.Nop()
	sim := broker.NewSim(cfg.Backtest, logger, time.Now)
	strat := &onceStrategy{intent: limitIntent("tr-sim", 2, 1.95)}
	f := &sliceFeed{batches: []core.TickBatch{
		batchAt(0, 1.90, 2.00), // ask above limit, order rests
		batchAt(1, 1.88, 1.93), // ask crosses, fills at 1.93
	}}

	book := position.NewBook(logger)
	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{})
	controller := risk.NewController(cfg.Risk, breaker, logger, nil)
	eng := engine.New(engine.Options{
		Broker:      sim,
		Ledger:      ledger.NewMemoryStore(),
		Book:        book,
		Logger:      logger,
		Retry:       retry.Policy{MaxAttempts: 1},
		Synchronous: true,
	})
	tr := New(cfg, strat, f, sim, eng, controller, book, logger)

	require.NoError(t, tr.Run(context.Background()))

	order, ok := eng.Order("tr-sim")
	require.True(t, ok)
	assert.Equal(t, core.StatusFilled, order.Status)
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromFloat(1.93)),
		"fill price %s", order.AvgFillPrice)

	pos := book.Snapshot(time.Now()).Get(trContract)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)), "qty %s", pos.Quantity)
}

func TestRun_ContextCancelStopsLoop(t *testing.T) {
	cfg := config.Default()
	mock := broker.NewMock()
	strat := &onceStrategy{intent: limitIntent("tr-ctx", 1, 1.95)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &sliceFeed{}
	tr, _, _ := newTrader(t, cfg, strat, f, mock)
	err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
