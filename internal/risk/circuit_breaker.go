package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/pkg/telemetry"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDrawdownAmount    decimal.Decimal
	CooldownPeriod       time.Duration
}

// CircuitBreaker halts all new order flow after a losing streak or drawdown.
// It trips on realized PnL only; open-position marks do not count.
type CircuitBreaker struct {
	mu                sync.RWMutex
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time
	lastReason        string
	now               func() time.Time
}

func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		state:  CircuitClosed,
		config: config,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Backtests inject simulated time so
// cooldown expiry is reproducible.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// RecordTrade feeds one realized PnL delta into the breaker.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}

	cb.totalPnL = cb.totalPnL.Add(pnl)

	cb.checkThresholds()
}

func (cb *CircuitBreaker) checkThresholds() {
	if cb.state == CircuitOpen {
		return
	}

	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.trip("max consecutive losses reached")
		return
	}

	if !cb.config.MaxDrawdownAmount.IsZero() && cb.totalPnL.LessThan(cb.config.MaxDrawdownAmount.Neg()) {
		cb.trip("max drawdown reached")
		return
	}
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.lastTripped = cb.now()
	cb.lastReason = reason

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", true)
}

// IsTripped reports whether order flow is halted, auto-resetting after the
// cooldown when one is configured.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.config.CooldownPeriod > 0 && cb.now().Sub(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.state = CircuitClosed
			cb.consecutiveLosses = 0
			cb.totalPnL = decimal.Zero
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
			return false
		}
		return true
	}
	return false
}

// TripReason returns why the breaker last opened.
func (cb *CircuitBreaker) TripReason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastReason
}

// Open manually trips the breaker.
func (cb *CircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(reason)
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
}
