// Package strategy houses signal generation. Strategies are pure: Evaluate
// consumes a market snapshot plus the previous opaque state and returns order
// intents plus the next state, with no I/O and no hidden clocks. Determinism
// here is what makes backtests repeatable.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
)

// State is strategy-private memory threaded through evaluations. The caller
// stores it between cycles and never inspects it.
type State interface{}

// Input is everything an evaluation may observe. Now is the engine clock, not
// wall time, so live and backtest evaluations see time the same way.
type Input struct {
	Batch     core.TickBatch
	Positions core.PositionsSnapshot
	Account   *core.AccountState
	Now       time.Time
}

// Strategy turns market observations into order intents.
type Strategy interface {
	Name() string
	Evaluate(state State, in Input) ([]core.OrderIntent, State)
}

// Factory builds a strategy from its configuration.
type Factory func(cfg config.StrategyConfig) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy constructible by name. Called from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration for %q", name))
	}
	registry[name] = f
}

// New constructs the named strategy.
func New(cfg config.StrategyConfig) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", cfg.Name, Names())
	}
	return f(cfg)
}

// Names lists registered strategies in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
