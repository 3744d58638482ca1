package strategy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
)

func init() {
	Register("ma_cross", func(cfg config.StrategyConfig) (Strategy, error) {
		return newMACross(cfg)
	})
}

// maCrossState carries the rolling price window and the emit counter used to
// derive deterministic correlation ids.
type maCrossState struct {
	prices    []decimal.Decimal
	prevAbove bool
	prevValid bool
	seq       int
}

// maCross trades the short/long moving average crossover on the underlying.
// A golden cross opens a long call selected from the option chain by delta,
// expiry, liquidity, and spread filters; a death cross closes any open calls.
type maCross struct {
	cfg config.StrategyConfig
}

func newMACross(cfg config.StrategyConfig) (*maCross, error) {
	if cfg.ShortWindow <= 0 || cfg.LongWindow <= cfg.ShortWindow {
		return nil, fmt.Errorf("ma_cross: need 0 < short_window < long_window, got %d/%d",
			cfg.ShortWindow, cfg.LongWindow)
	}
	if cfg.Underlying == "" {
		return nil, fmt.Errorf("ma_cross: underlying is required")
	}
	return &maCross{cfg: cfg}, nil
}

func (s *maCross) Name() string { return "ma_cross" }

func (s *maCross) Evaluate(prev State, in Input) ([]core.OrderIntent, State) {
	st, _ := prev.(maCrossState)

	underlyingTick, ok := findUnderlying(in.Batch, s.cfg.Underlying)
	if !ok {
		return nil, st
	}
	mid := underlyingTick.Mid()
	if !mid.IsPositive() {
		return nil, st
	}

	// Append to a fresh slice so the previous state stays usable.
	prices := make([]decimal.Decimal, len(st.prices), len(st.prices)+1)
	copy(prices, st.prices)
	prices = append(prices, mid)
	if len(prices) > s.cfg.LongWindow {
		prices = prices[len(prices)-s.cfg.LongWindow:]
	}
	st.prices = prices

	if len(prices) < s.cfg.LongWindow {
		return nil, st
	}

	short := sma(prices[len(prices)-s.cfg.ShortWindow:])
	long := sma(prices)
	above := short.GreaterThan(long)

	crossedUp := st.prevValid && above && !st.prevAbove
	crossedDown := st.prevValid && !above && st.prevAbove
	st.prevAbove = above
	st.prevValid = true

	var intents []core.OrderIntent
	switch {
	case crossedUp:
		if intent, ok := s.openCall(&st, in); ok {
			intents = append(intents, intent)
		}
	case crossedDown:
		intents = s.closeCalls(&st, in)
	}
	return intents, st
}

// openCall selects a contract from the chain and sizes it by risk budget.
func (s *maCross) openCall(st *maCrossState, in Input) (core.OrderIntent, bool) {
	candidate, ok := s.selectContract(in)
	if !ok {
		return core.OrderIntent{}, false
	}

	qty := s.sizeByRisk(candidate, in.Account)
	if !qty.IsPositive() {
		return core.OrderIntent{}, false
	}

	return core.OrderIntent{
		CorrelationID: s.correlationID(st, candidate.Contract, in),
		Contract:      candidate.Contract,
		Side:          core.SideBuy,
		Effect:        core.EffectOpen,
		Quantity:      qty,
		Type:          core.TypeLimit,
		LimitPrice:    candidate.Ask,
		Strategy:      s.Name(),
	}, true
}

// closeCalls emits one closing intent per open long call on the underlying,
// in symbol order so output is stable.
func (s *maCross) closeCalls(st *maCrossState, in Input) []core.OrderIntent {
	ticksBySymbol := make(map[string]core.Tick, len(in.Batch.Ticks))
	for _, t := range in.Batch.Ticks {
		ticksBySymbol[t.Contract.Symbol()] = t
	}

	symbols := make([]string, 0, len(in.Positions.Positions))
	for sym := range in.Positions.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var intents []core.OrderIntent
	for _, sym := range symbols {
		pos := in.Positions.Positions[sym]
		if pos.Contract.Underlying != s.cfg.Underlying ||
			pos.Contract.Type != core.OptionTypeCall ||
			!pos.Quantity.IsPositive() {
			continue
		}
		intent := core.OrderIntent{
			CorrelationID: s.correlationID(st, pos.Contract, in),
			Contract:      pos.Contract,
			Side:          core.SideSell,
			Effect:        core.EffectClose,
			Quantity:      pos.Quantity,
			Type:          core.TypeMarket,
			Strategy:      s.Name(),
		}
		// Prefer a marketable limit at the bid when we have a live quote.
		if t, ok := ticksBySymbol[sym]; ok && t.Bid.IsPositive() {
			intent.Type = core.TypeLimit
			intent.LimitPrice = t.Bid
		}
		intents = append(intents, intent)
	}
	return intents
}

// selectContract filters the batch's call chain and picks the candidate whose
// delta sits closest to the middle of the target band. Ties break by nearer
// expiry, lower strike, then symbol, so the pick never depends on feed order.
func (s *maCross) selectContract(in Input) (core.Tick, bool) {
	deltaMin := decimal.NewFromFloat(s.cfg.TargetDeltaMin)
	deltaMax := decimal.NewFromFloat(s.cfg.TargetDeltaMax)
	deltaTarget := deltaMin.Add(deltaMax).Div(decimal.NewFromInt(2))
	ivMin := decimal.NewFromFloat(s.cfg.TargetIVMin)
	ivMax := decimal.NewFromFloat(s.cfg.TargetIVMax)
	maxSpread := decimal.NewFromFloat(s.cfg.MaxSpreadPct)

	var candidates []core.Tick
	for _, t := range in.Batch.Ticks {
		c := t.Contract
		if c.Underlying != s.cfg.Underlying || c.Type != core.OptionTypeCall {
			continue
		}
		dte := c.DTE(in.Now)
		if dte < s.cfg.TargetDTEMin || dte > s.cfg.TargetDTEMax {
			continue
		}
		if t.Greeks == nil {
			continue
		}
		delta := t.Greeks.Delta.Abs()
		if delta.LessThan(deltaMin) || delta.GreaterThan(deltaMax) {
			continue
		}
		if t.ImpliedVol.LessThan(ivMin) || t.ImpliedVol.GreaterThan(ivMax) {
			continue
		}
		if t.OpenInterest < s.cfg.MinOpenInterest || t.Volume < s.cfg.MinVolume {
			continue
		}
		if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
			continue
		}
		if maxSpread.IsPositive() && t.SpreadPct().GreaterThan(maxSpread) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return core.Tick{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		da := a.Greeks.Delta.Abs().Sub(deltaTarget).Abs()
		db := b.Greeks.Delta.Abs().Sub(deltaTarget).Abs()
		if !da.Equal(db) {
			return da.LessThan(db)
		}
		if !a.Contract.Expiration.Equal(b.Contract.Expiration) {
			return a.Contract.Expiration.Before(b.Contract.Expiration)
		}
		if !a.Contract.Strike.Equal(b.Contract.Strike) {
			return a.Contract.Strike.LessThan(b.Contract.Strike)
		}
		return a.Contract.Symbol() < b.Contract.Symbol()
	})
	return candidates[0], true
}

// sizeByRisk caps the trade so a total loss of premium stays within the
// per-trade risk budget.
func (s *maCross) sizeByRisk(t core.Tick, account *core.AccountState) decimal.Decimal {
	if account == nil || s.cfg.RiskPerTradePct <= 0 {
		return decimal.Zero
	}
	budget := account.Equity.Mul(decimal.NewFromFloat(s.cfg.RiskPerTradePct))
	perContract := t.Ask.Mul(decimal.NewFromInt(100))
	if !perContract.IsPositive() {
		return decimal.Zero
	}
	return budget.Div(perContract).Floor()
}

func (s *maCross) correlationID(st *maCrossState, c core.Contract, in Input) string {
	st.seq++
	return fmt.Sprintf("%s-%s-%d-%d", s.Name(), c.Symbol(), in.Batch.Timestamp.UnixNano(), st.seq)
}

func findUnderlying(batch core.TickBatch, symbol string) (core.Tick, bool) {
	for _, t := range batch.Ticks {
		if !t.Contract.IsOption() && t.Contract.Underlying == symbol {
			return t, true
		}
	}
	return core.Tick{}, false
}

func sma(window []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range window {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}
