package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_ConsecutiveLosses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveLosses: 3})

	cb.RecordTrade(decimal.NewFromInt(-10))
	cb.RecordTrade(decimal.NewFromInt(-10))
	assert.False(t, cb.IsTripped())

	cb.RecordTrade(decimal.NewFromInt(-10))
	assert.True(t, cb.IsTripped())
	assert.Equal(t, "max consecutive losses reached", cb.TripReason())
}

func TestCircuitBreaker_WinResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveLosses: 2})

	cb.RecordTrade(decimal.NewFromInt(-10))
	cb.RecordTrade(decimal.NewFromInt(5))
	cb.RecordTrade(decimal.NewFromInt(-10))
	assert.False(t, cb.IsTripped())
}

func TestCircuitBreaker_Drawdown(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{MaxDrawdownAmount: decimal.NewFromInt(100)})

	cb.RecordTrade(decimal.NewFromInt(-60))
	assert.False(t, cb.IsTripped())

	cb.RecordTrade(decimal.NewFromInt(-50))
	assert.True(t, cb.IsTripped())
}

func TestCircuitBreaker_CooldownReset(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitConfig{
		MaxConsecutiveLosses: 1,
		CooldownPeriod:       time.Minute,
	})
	cb.SetClock(func() time.Time { return now })

	cb.RecordTrade(decimal.NewFromInt(-1))
	assert.True(t, cb.IsTripped())

	now = now.Add(2 * time.Minute)
	assert.False(t, cb.IsTripped())

	// Streak starts fresh after the reset.
	cb.RecordTrade(decimal.NewFromInt(-1))
	assert.True(t, cb.IsTripped())
}

func TestCircuitBreaker_ManualOpenAndReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{})

	cb.Open("operator halt")
	assert.True(t, cb.IsTripped())
	assert.Equal(t, "operator halt", cb.TripReason())

	cb.Reset()
	assert.False(t, cb.IsTripped())
}
