package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/core"
	"optionsbot/pkg/logging"
)

var spyCall = core.Contract{
	Underlying: "SPY",
	Expiration: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
	Strike:     decimal.NewFromInt(450),
	Type:       core.OptionTypeCall,
}

func fill(side core.OrderSide, qty, price float64) core.Fill {
	return core.Fill{
		OrderID:  "o1",
		Contract: spyCall,
		Side:     side,
		Quantity: decimal.NewFromFloat(qty),
		Price:    decimal.NewFromFloat(price),
	}
}

func TestApplyFill_OpensAndAverages(t *testing.T) {
	b := NewBook(logging.Nop())

	p := b.ApplyFill(fill(core.SideBuy, 5, 1.95))
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(1.95)))

	// Add 5 more at 2.05 -> avg 2.00
	p = b.ApplyFill(fill(core.SideBuy, 5, 2.05))
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(2.00)), "avg cost %s", p.AvgCost)
}

func TestApplyFill_RealizesOnClose(t *testing.T) {
	b := NewBook(logging.Nop())

	b.ApplyFill(fill(core.SideBuy, 10, 2.00))
	p := b.ApplyFill(fill(core.SideSell, 10, 2.50))

	assert.True(t, p.Quantity.IsZero())
	assert.True(t, p.AvgCost.IsZero())
	// (2.50 - 2.00) * 10 contracts * 100 multiplier
	assert.True(t, b.RealizedPnL().Equal(decimal.NewFromInt(500)), "realized %s", b.RealizedPnL())
}

func TestApplyFill_ShortCoverRealizesInverse(t *testing.T) {
	b := NewBook(logging.Nop())

	b.ApplyFill(fill(core.SideSell, 4, 3.00))
	b.ApplyFill(fill(core.SideBuy, 4, 2.00))

	// Sold at 3.00, covered at 2.00: +1.00 * 4 * 100
	assert.True(t, b.RealizedPnL().Equal(decimal.NewFromInt(400)), "realized %s", b.RealizedPnL())
}

func TestApplyFill_FlipThroughZero(t *testing.T) {
	b := NewBook(logging.Nop())

	b.ApplyFill(fill(core.SideBuy, 3, 2.00))
	p := b.ApplyFill(fill(core.SideSell, 5, 2.20))

	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(-2)))
	// Remainder opens at the fill price.
	assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(2.20)))
	// Closed 3 at +0.20 each * 100
	assert.True(t, b.RealizedPnL().Equal(decimal.NewFromInt(60)), "realized %s", b.RealizedPnL())
}

func TestQuantityEqualsSignedFillSum(t *testing.T) {
	b := NewBook(logging.Nop())

	fills := []core.Fill{
		fill(core.SideBuy, 7, 1.50),
		fill(core.SideSell, 2, 1.60),
		fill(core.SideSell, 3, 1.40),
		fill(core.SideBuy, 1, 1.55),
	}

	expected := decimal.Zero
	for _, f := range fills {
		b.ApplyFill(f)
		expected = expected.Add(f.SignedQty())

		snap := b.Snapshot(time.Now())
		got := snap.Get(spyCall).Quantity
		require.True(t, got.Equal(expected), "position drifted: got %s want %s", got, expected)
	}
}

func TestMarkPricesUpdatesUnrealized(t *testing.T) {
	b := NewBook(logging.Nop())
	b.ApplyFill(fill(core.SideBuy, 5, 1.95))

	b.MarkPrices(core.TickBatch{Ticks: []core.Tick{{
		Contract: spyCall,
		Bid:      decimal.NewFromFloat(2.10),
		Ask:      decimal.NewFromFloat(2.20),
	}}})

	p := b.Snapshot(time.Now()).Get(spyCall)
	// (2.15 - 1.95) * 5 * 100 = 100
	assert.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(100)), "unrealized %s", p.UnrealizedPnL)
}

func TestMarkCoversContractsWithoutPositions(t *testing.T) {
	b := NewBook(logging.Nop())

	assert.True(t, b.Mark(spyCall).IsZero())

	b.MarkPrices(core.TickBatch{Ticks: []core.Tick{{
		Contract: spyCall,
		Bid:      decimal.NewFromFloat(1.90),
		Ask:      decimal.NewFromFloat(2.00),
	}}})
	assert.True(t, b.Mark(spyCall).Equal(decimal.NewFromFloat(1.95)), "mark %s", b.Mark(spyCall))

	// A one-sided quote produces no usable mid; the last good mark sticks.
	b.MarkPrices(core.TickBatch{Ticks: []core.Tick{{
		Contract: spyCall,
		Ask:      decimal.NewFromFloat(2.05),
	}}})
	assert.True(t, b.Mark(spyCall).Equal(decimal.NewFromFloat(1.95)), "mark %s", b.Mark(spyCall))
}

func TestOnRealizedCallback(t *testing.T) {
	b := NewBook(logging.Nop())

	var got decimal.Decimal
	b.OnRealized(func(pnl decimal.Decimal) { got = pnl })

	b.ApplyFill(fill(core.SideBuy, 2, 2.00))
	b.ApplyFill(fill(core.SideSell, 2, 1.50))

	// Lost 0.50 * 2 * 100
	assert.True(t, got.Equal(decimal.NewFromInt(-100)), "callback pnl %s", got)
}

func TestSnapshotIsACopy(t *testing.T) {
	b := NewBook(logging.Nop())
	b.ApplyFill(fill(core.SideBuy, 5, 2.00))

	snap := b.Snapshot(time.Now())
	p := snap.Positions[spyCall.Symbol()]
	p.Quantity = decimal.NewFromInt(999)
	snap.Positions[spyCall.Symbol()] = p

	// Book unaffected.
	fresh := b.Snapshot(time.Now()).Get(spyCall)
	assert.True(t, fresh.Quantity.Equal(decimal.NewFromInt(5)))
}
