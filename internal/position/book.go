// Package position maintains the aggregated holdings derived from fills.
// Positions are never mutated directly by strategies; the book recomputes
// them on every fill and hands out read-only snapshots.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/core"
	"optionsbot/pkg/telemetry"
)

// Book holds one Position per contract plus realized P&L, using the
// average-cost method. Option fills carry the 100x contract multiplier.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*core.Position
	marks     map[string]decimal.Decimal
	fills     []core.Fill
	realized  decimal.Decimal
	logger    core.Logger

	onRealized []func(pnl decimal.Decimal)
}

// NewBook creates an empty position book.
func NewBook(logger core.Logger) *Book {
	return &Book{
		positions: make(map[string]*core.Position),
		marks:     make(map[string]decimal.Decimal),
		logger:    logger.WithField("component", "position_book"),
	}
}

// OnRealized registers a callback fired with the realized P&L delta of each
// closing fill. The risk circuit breaker subscribes here.
func (b *Book) OnRealized(fn func(pnl decimal.Decimal)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRealized = append(b.onRealized, fn)
}

func multiplier(c core.Contract) decimal.Decimal {
	if c.IsOption() {
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromInt(1)
}

// ApplyFill folds one execution into the book and returns the updated
// position.
func (b *Book) ApplyFill(fill core.Fill) core.Position {
	b.mu.Lock()

	sym := fill.Contract.Symbol()
	pos, ok := b.positions[sym]
	if !ok {
		pos = &core.Position{Contract: fill.Contract}
		b.positions[sym] = pos
	}

	signed := fill.SignedQty()
	mult := multiplier(fill.Contract)
	realizedDelta := decimal.Zero

	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		// Opening or adding: weighted average cost.
		oldNotional := pos.AvgCost.Mul(pos.Quantity.Abs())
		addNotional := fill.Price.Mul(fill.Quantity)
		newAbs := pos.Quantity.Abs().Add(fill.Quantity)
		if newAbs.IsPositive() {
			pos.AvgCost = oldNotional.Add(addNotional).Div(newAbs)
		}
		pos.Quantity = pos.Quantity.Add(signed)

	default:
		// Reducing or flipping.
		closable := decimal.Min(pos.Quantity.Abs(), fill.Quantity)
		diff := fill.Price.Sub(pos.AvgCost)
		if pos.Quantity.Sign() < 0 {
			// Covering a short realizes the inverse.
			diff = diff.Neg()
		}
		realizedDelta = diff.Mul(closable).Mul(mult)
		pos.RealizedPnL = pos.RealizedPnL.Add(realizedDelta)
		b.realized = b.realized.Add(realizedDelta)

		pos.Quantity = pos.Quantity.Add(signed)
		if pos.Quantity.IsZero() {
			pos.AvgCost = decimal.Zero
		} else if pos.Quantity.Sign() == signed.Sign() {
			// Crossed through zero: remainder opens at the fill price.
			pos.AvgCost = fill.Price
		}
	}

	pos.UpdatedAt = fill.Timestamp
	b.fills = append(b.fills, fill)
	b.refreshUnrealizedLocked(pos)

	metrics := telemetry.GetGlobalMetrics()
	qty, _ := pos.Quantity.Float64()
	metrics.SetPositionQuantity(sym, qty)
	if !realizedDelta.IsZero() && metrics.PnLRealizedTotal != nil {
		rd, _ := realizedDelta.Float64()
		metrics.PnLRealizedTotal.Add(context.Background(), rd)
	}

	callbacks := b.onRealized
	updated := *pos
	b.mu.Unlock()

	b.logger.Debug("Fill applied",
		"contract", sym,
		"side", fill.Side,
		"qty", fill.Quantity,
		"price", fill.Price,
		"position", updated.Quantity)

	if !realizedDelta.IsZero() {
		for _, fn := range callbacks {
			fn(realizedDelta)
		}
	}
	return updated
}

// MarkPrices updates mark prices and unrealized P&L from the latest ticks.
func (b *Book) MarkPrices(batch core.TickBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tick := range batch.Ticks {
		sym := tick.Contract.Symbol()
		if mid := tick.Mid(); mid.IsPositive() {
			b.marks[sym] = mid
		}
		pos, ok := b.positions[sym]
		if !ok {
			continue
		}
		pos.MarkPrice = tick.Mid()
		b.refreshUnrealizedLocked(pos)
	}
}

// Mark returns the last observed mid for a contract, zero if it has never
// printed. Unlike position marks this covers every contract that ticked, so
// working orders without fills can still be priced.
func (b *Book) Mark(c core.Contract) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.marks[c.Symbol()]
}

func (b *Book) refreshUnrealizedLocked(pos *core.Position) {
	if pos.Quantity.IsZero() || !pos.MarkPrice.IsPositive() {
		pos.UnrealizedPnL = decimal.Zero
		return
	}
	diff := pos.MarkPrice.Sub(pos.AvgCost)
	pos.UnrealizedPnL = diff.Mul(pos.Quantity).Mul(multiplier(pos.Contract))
}

// Snapshot returns a read-only deep copy of the book.
func (b *Book) Snapshot(at time.Time) core.PositionsSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := core.PositionsSnapshot{
		Timestamp: at,
		Positions: make(map[string]core.Position, len(b.positions)),
	}
	for sym, pos := range b.positions {
		out.Positions[sym] = *pos
	}
	return out
}

// RealizedPnL returns total realized profit and loss.
func (b *Book) RealizedPnL() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realized
}

// Fills returns a copy of the fill history in application order.
func (b *Book) Fills() []core.Fill {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Fill, len(b.fills))
	copy(out, b.fills)
	return out
}
