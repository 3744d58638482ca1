package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
)

var evalStart = time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)

func maCrossConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Name:            "ma_cross",
		Underlying:      "SPY",
		ShortWindow:     2,
		LongWindow:      3,
		TargetDTEMin:    30,
		TargetDTEMax:    60,
		TargetDeltaMin:  0.30,
		TargetDeltaMax:  0.50,
		TargetIVMin:     0.10,
		TargetIVMax:     0.70,
		MinOpenInterest: 100,
		MinVolume:       10,
		MaxSpreadPct:    0.10,
		RiskPerTradePct: 0.01,
	}
}

func callTick(strike float64, dte int, delta float64, now time.Time) core.Tick {
	return core.Tick{
		Contract: core.Contract{
			Underlying: "SPY",
			Expiration: now.AddDate(0, 0, dte).Truncate(24 * time.Hour),
			Strike:     decimal.NewFromFloat(strike),
			Type:       core.OptionTypeCall,
		},
		Timestamp:    now,
		Bid:          decimal.NewFromFloat(1.92),
		Ask:          decimal.NewFromFloat(2.00),
		ImpliedVol:   decimal.NewFromFloat(0.30),
		Greeks:       &core.Greeks{Delta: decimal.NewFromFloat(delta)},
		OpenInterest: 1000,
		Volume:       500,
	}
}

func underlyingTick(px float64, now time.Time) core.Tick {
	p := decimal.NewFromFloat(px)
	return core.Tick{
		Contract:  core.UnderlyingContract("SPY"),
		Timestamp: now,
		Bid:       p,
		Ask:       p,
	}
}

func priceInput(px float64, now time.Time, chain ...core.Tick) Input {
	ticks := append([]core.Tick{underlyingTick(px, now)}, chain...)
	return Input{
		Batch:     core.TickBatch{Timestamp: now, Ticks: ticks},
		Positions: core.PositionsSnapshot{Positions: map[string]core.Position{}},
		Account:   &core.AccountState{Equity: decimal.NewFromInt(100000), BuyingPower: decimal.NewFromInt(100000)},
		Now:       now,
	}
}

// Drives the state through 10, 9, 8: short MA sits below long MA with no
// cross, so the next rising bar produces the golden cross.
func warmBelow(t *testing.T, s Strategy) State {
	t.Helper()
	var st State
	var intents []core.OrderIntent
	for i, px := range []float64{10, 9, 8} {
		intents, st = s.Evaluate(st, priceInput(px, evalStart.Add(time.Duration(i)*time.Minute)))
		require.Empty(t, intents)
	}
	return st
}

func TestMACross_GoldenCrossOpensCall(t *testing.T) {
	s, err := New(maCrossConfig())
	require.NoError(t, err)

	st := warmBelow(t, s)

	now := evalStart.Add(3 * time.Minute)
	in := priceInput(12, now, callTick(450, 45, 0.40, now))
	intents, _ := s.Evaluate(st, in)

	require.Len(t, intents, 1)
	got := intents[0]
	assert.Equal(t, core.SideBuy, got.Side)
	assert.Equal(t, core.EffectOpen, got.Effect)
	assert.Equal(t, core.TypeLimit, got.Type)
	assert.True(t, got.LimitPrice.Equal(decimal.NewFromFloat(2.00)))
	// 1% of $100k equity is $1000; $200 premium per contract gives 5.
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(5)), "qty %s", got.Quantity)
	assert.NotEmpty(t, got.CorrelationID)
}

func TestMACross_SelectsClosestDelta(t *testing.T) {
	s, err := New(maCrossConfig())
	require.NoError(t, err)

	st := warmBelow(t, s)
	now := evalStart.Add(3 * time.Minute)

	// Target delta is 0.40; the 0.38 contract wins over 0.48 and 0.31.
	in := priceInput(12, now,
		callTick(460, 45, 0.31, now),
		callTick(450, 45, 0.38, now),
		callTick(440, 45, 0.48, now),
	)
	intents, _ := s.Evaluate(st, in)

	require.Len(t, intents, 1)
	assert.True(t, intents[0].Contract.Strike.Equal(decimal.NewFromInt(450)))
}

func TestMACross_FiltersChain(t *testing.T) {
	s, err := New(maCrossConfig())
	require.NoError(t, err)

	now := evalStart.Add(3 * time.Minute)
	tooNear := callTick(450, 10, 0.40, now)       // DTE below band
	lowDelta := callTick(450, 45, 0.10, now)      // delta below band
	illiquid := callTick(455, 45, 0.40, now)      // fails open interest
	illiquid.OpenInterest = 5
	wide := callTick(460, 45, 0.40, now) // fails spread filter
	wide.Bid = decimal.NewFromFloat(1.00)
	wide.Ask = decimal.NewFromFloat(2.00)

	st := warmBelow(t, s)
	intents, _ := s.Evaluate(st, priceInput(12, now, tooNear, lowDelta, illiquid, wide))
	assert.Empty(t, intents)
}

func TestMACross_DeathCrossClosesPosition(t *testing.T) {
	s, err := New(maCrossConfig())
	require.NoError(t, err)

	// 10, 9, 12 leaves the short MA above the long MA.
	var st State
	for i, px := range []float64{10, 9, 12} {
		_, st = s.Evaluate(st, priceInput(px, evalStart.Add(time.Duration(i)*time.Minute)))
	}

	now := evalStart.Add(3 * time.Minute)
	held := callTick(450, 45, 0.40, now)
	in := priceInput(2, now, held)
	in.Positions.Positions[held.Contract.Symbol()] = core.Position{
		Contract: held.Contract,
		Quantity: decimal.NewFromInt(5),
	}

	intents, _ := s.Evaluate(st, in)
	require.Len(t, intents, 1)
	got := intents[0]
	assert.Equal(t, core.SideSell, got.Side)
	assert.Equal(t, core.EffectClose, got.Effect)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, got.LimitPrice.Equal(held.Bid))
}

func TestMACross_NoSignalWithoutCross(t *testing.T) {
	s, err := New(maCrossConfig())
	require.NoError(t, err)

	var st State
	for i, px := range []float64{10, 10, 10, 10, 10} {
		now := evalStart.Add(time.Duration(i) * time.Minute)
		intents, next := s.Evaluate(st, priceInput(10, now, callTick(450, 45, 0.40, now)))
		assert.Empty(t, intents, "bar %d price %v", i, px)
		st = next
	}
}

// Running the identical input sequence twice from a fresh state must yield
// identical intents, correlation ids included.
func TestMACross_Deterministic(t *testing.T) {
	run := func() []core.OrderIntent {
		s, err := New(maCrossConfig())
		require.NoError(t, err)

		var st State
		var all []core.OrderIntent
		for i, px := range []float64{10, 9, 8, 12, 13, 2} {
			now := evalStart.Add(time.Duration(i) * time.Minute)
			intents, next := s.Evaluate(st, priceInput(px, now, callTick(450, 45, 0.40, now)))
			all = append(all, intents...)
			st = next
		}
		return all
	}

	first := run()
	second := run()
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestRegistry_UnknownStrategy(t *testing.T) {
	cfg := maCrossConfig()
	cfg.Name = "does_not_exist"
	_, err := New(cfg)
	assert.Error(t, err)
}
