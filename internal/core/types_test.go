package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTickMid(t *testing.T) {
	tick := Tick{
		Bid:  decimal.NewFromFloat(1.90),
		Ask:  decimal.NewFromFloat(2.00),
		Last: decimal.NewFromFloat(1.80),
	}
	assert.True(t, tick.Mid().Equal(decimal.NewFromFloat(1.95)))

	// One-sided book falls back to last trade.
	tick.Bid = decimal.Zero
	assert.True(t, tick.Mid().Equal(decimal.NewFromFloat(1.80)))
}

func TestIntentNotional_OptionMultiplier(t *testing.T) {
	c := Contract{
		Underlying: "SPY",
		Expiration: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		Strike:     decimal.NewFromInt(450),
		Type:       OptionTypeCall,
	}
	intent := OrderIntent{
		Contract:   c,
		Side:       SideBuy,
		Quantity:   decimal.NewFromInt(5),
		Type:       TypeLimit,
		LimitPrice: decimal.NewFromFloat(2.00),
	}

	// 5 contracts * $2.00 * 100 multiplier
	assert.True(t, intent.Notional(decimal.Zero).Equal(decimal.NewFromInt(1000)))

	// Underlying has no multiplier.
	intent.Contract = UnderlyingContract("SPY")
	assert.True(t, intent.Notional(decimal.Zero).Equal(decimal.NewFromInt(10)))
}

func TestOrderStatusClassification(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCancelled, StatusRejected, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
		assert.False(t, s.IsWorking(), "%s should not be working", s)
	}

	working := []OrderStatus{StatusSubmitted, StatusAcknowledged, StatusPartiallyFilled, StatusCancelRequested}
	for _, s := range working {
		assert.True(t, s.IsWorking(), "%s should be working", s)
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusPending.IsWorking())
}

func TestSnapshotNetQuantity(t *testing.T) {
	call := Contract{Underlying: "SPY", Expiration: time.Now(), Strike: decimal.NewFromInt(450), Type: OptionTypeCall}
	put := Contract{Underlying: "SPY", Expiration: time.Now(), Strike: decimal.NewFromInt(440), Type: OptionTypePut}
	other := Contract{Underlying: "QQQ", Expiration: time.Now(), Strike: decimal.NewFromInt(380), Type: OptionTypeCall}

	snap := PositionsSnapshot{Positions: map[string]Position{
		call.Symbol():  {Contract: call, Quantity: decimal.NewFromInt(5)},
		put.Symbol():   {Contract: put, Quantity: decimal.NewFromInt(-2)},
		other.Symbol(): {Contract: other, Quantity: decimal.NewFromInt(7)},
	}}

	assert.True(t, snap.NetQuantity("SPY").Equal(decimal.NewFromInt(3)))
	assert.True(t, snap.NetQuantity("QQQ").Equal(decimal.NewFromInt(7)))
	assert.True(t, snap.NetQuantity("IWM").IsZero())
}
