package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
	"optionsbot/internal/feed"
	"optionsbot/internal/strategy"
	"optionsbot/pkg/logging"
)

var btContract = core.Contract{
	Underlying: "SPY",
	Expiration: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
	Strike:     decimal.NewFromInt(450),
	Type:       core.OptionTypeCall,
}

// sliceFeed replays a fixed set of batches.
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

func optionBatch(minute int, bid, ask float64) core.TickBatch {
	ts := time.Date(2026, 9, 1, 14, 30+minute, 0, 0, time.UTC)
	return core.TickBatch{
		Timestamp: ts,
		Ticks: []core.Tick{{
			Contract:  btContract,
			Timestamp: ts,
			Bid:       decimal.NewFromFloat(bid),
			Ask:       decimal.NewFromFloat(ask),
		}},
	}
}

// A resting limit buy at 1.95 must not fill at 2.00, then fills the moment
// the ask touches the limit, at the ask.
func TestRun_LimitOrderFillsWhenQuoteCrosses(t *testing.T) {
	cfg := config.Default()
	strat := &onceStrategy{intent: core.OrderIntent{
		CorrelationID: "scripted-1",
		Contract:      btContract,
		Side:          core.SideBuy,
		Effect:        core.EffectOpen,
		Quantity:      decimal.NewFromInt(5),
		Type:          core.TypeLimit,
		LimitPrice:    decimal.NewFromFloat(1.95),
		Strategy:      "scripted",
	}}
	f := &sliceFeed{batches: []core.TickBatch{
		optionBatch(0, 1.90, 2.00),
		optionBatch(1, 1.90, 2.00),
		optionBatch(2, 1.90, 1.95),
	}}

	result, err := NewRunner(cfg, strat, f, logging.Nop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 1, result.OrdersFilled)

	pos := result.Positions.Get(btContract)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromFloat(1.95)), "avg %s", pos.AvgCost)
	// 5 contracts at 1.95 x100 out of 100k.
	assert.True(t, result.FinalCash.Equal(decimal.NewFromInt(99025)), "cash %s", result.FinalCash)

	text := string(result.Ledger)
	assert.Contains(t, text, "PENDING->SUBMITTED")
	assert.Contains(t, text, "->FILLED")
}

func TestRun_RiskVetoCountsIntent(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.MaxNotionalPerContract = 100 // far below the 975 the intent needs
	cfg.Risk.ResizeOnSizeLimits = false

	strat := &onceStrategy{intent: core.OrderIntent{
		CorrelationID: "scripted-1",
		Contract:      btContract,
		Side:          core.SideBuy,
		Effect:        core.EffectOpen,
		Quantity:      decimal.NewFromInt(5),
		Type:          core.TypeLimit,
		LimitPrice:    decimal.NewFromFloat(1.95),
		Strategy:      "scripted",
	}}
	f := &sliceFeed{batches: []core.TickBatch{optionBatch(0, 1.90, 2.00)}}

	result, err := NewRunner(cfg, strat, f, logging.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.IntentsTotal)
	assert.Equal(t, 1, result.IntentsVetoed)
	assert.Empty(t, result.Ledger)
}

// buildTape writes a CSV tape whose underlying prices produce one golden
// cross and one death cross with a liquid option chain throughout.
func buildTape(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp,symbol,bid,ask,last,iv,delta,open_interest,volume\n")

	occ := btContract.Symbol()
	prices := []float64{100, 99, 98, 104, 105, 106, 88, 87}
	for i, px := range prices {
		ts := time.Date(2026, 9, 1, 14, 30+i, 0, 0, time.UTC).Format(time.RFC3339)
		fmt.Fprintf(&b, "%s,SPY,%.2f,%.2f,%.2f,,,,\n", ts, px-0.05, px+0.05, px)
		fmt.Fprintf(&b, "%s,%s,1.90,2.00,1.95,0.30,0.40,1000,500\n", ts, occ)
	}

	path := filepath.Join(t.TempDir(), "tape.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func maCrossTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Strategy.ShortWindow = 2
	cfg.Strategy.LongWindow = 3
	return cfg
}

// Two runs over the same tape must produce byte-identical ledgers.
func TestRun_DeterministicLedger(t *testing.T) {
	tape := buildTape(t)

	run := func() *Result {
		cfg := maCrossTestConfig()
		strat, err := strategy.New(cfg.Strategy)
		require.NoError(t, err)
		result, err := NewRunner(cfg, strat, feed.NewReplay(tape, logging.Nop()), logging.Nop()).
			Run(context.Background())
		require.NoError(t, err)
		return result
	}

	first := run()
	second := run()

	require.NotEmpty(t, first.Ledger, "expected the tape to produce trades")
	assert.Equal(t, string(first.Ledger), string(second.Ledger))
	assert.True(t, first.RealizedPnL.Equal(second.RealizedPnL))
	assert.Equal(t, first.OrdersFilled, second.OrdersFilled)
}

func TestRun_FullCycleRealizesPnL(t *testing.T) {
	tape := buildTape(t)
	cfg := maCrossTestConfig()
	strat, err := strategy.New(cfg.Strategy)
	require.NoError(t, err)

	result, err := NewRunner(cfg, strat, feed.NewReplay(tape, logging.Nop()), logging.Nop()).
		Run(context.Background())
	require.NoError(t, err)

	// The golden cross opened calls, the death cross closed them. Bought at
	// the 2.00 ask, sold at the 1.90 bid, so the round trip loses 0.10 x100
	// per contract.
	pos := result.Positions.Get(btContract)
	assert.True(t, pos.Quantity.IsZero(), "position %s", pos.Quantity)
	assert.True(t, result.RealizedPnL.IsNegative(), "pnl %s", result.RealizedPnL)
}
