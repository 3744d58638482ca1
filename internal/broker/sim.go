// Package broker contains the concrete BrokerAdapter implementations: the
// Tradier REST adapter for live trading and a deterministic simulator for
// backtests.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
	apperrors "optionsbot/pkg/errors"
)

type simOrder struct {
	order     core.Order
	cancelled bool
}

// Sim is the simulated broker used by backtests and paper trading. Orders
// rest until a tick crosses them: market orders fill at the next mid plus
// slippage, limit orders fill at the touching quote. Everything is
// deterministic given the same tick sequence, including broker order ids.
type Sim struct {
	logger   core.Logger
	clock    func() time.Time
	slippage decimal.Decimal
	maxFill  decimal.Decimal // zero means fill whole remainder per tick
	cash     decimal.Decimal

	mu       sync.Mutex
	orders   map[string]*simOrder // by broker order id
	byCorr   map[string]string    // correlation id -> broker order id
	sequence int                  // insertion order doubles as fill priority
	ordered  []string
	updateFn func(*core.OrderUpdate)
}

func NewSim(cfg config.BacktestConfig, logger core.Logger, clock func() time.Time) *Sim {
	if clock == nil {
		clock = time.Now
	}
	return &Sim{
		logger:   logger.WithField("component", "sim_broker"),
		clock:    clock,
		slippage: decimal.NewFromFloat(cfg.SlippagePerContract),
		maxFill:  decimal.NewFromInt(int64(cfg.MaxFillQtyPerTick)),
		cash:     decimal.NewFromFloat(cfg.InitialCash),
		orders:   make(map[string]*simOrder),
		byCorr:   make(map[string]string),
	}
}

func (s *Sim) Name() string { return "sim" }

// Submit accepts the order for resting. Idempotent by correlation id: a
// resubmit returns the original broker order id instead of double-booking.
func (s *Sim) Submit(_ context.Context, order *core.Order) (core.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byCorr[order.CorrelationID]; ok {
		if s.orders[id].order.ID != order.ID {
			return core.Ack{}, fmt.Errorf("%w: correlation id %s already bound to another order",
				apperrors.ErrDuplicateOrder, order.CorrelationID)
		}
		return core.Ack{BrokerOrderID: id}, nil
	}
	if order.Type == core.TypeLimit && !order.LimitPrice.IsPositive() {
		return core.Ack{}, fmt.Errorf("%w: limit order without price", apperrors.ErrBrokerRejection)
	}

	s.sequence++
	id := fmt.Sprintf("SIM-%d", s.sequence)
	s.byCorr[order.CorrelationID] = id
	s.orders[id] = &simOrder{order: *order.Clone()}
	s.orders[id].order.BrokerOrderID = id
	s.ordered = append(s.ordered, id)
	return core.Ack{BrokerOrderID: id}, nil
}

// Cancel marks the order cancelled and reports the outcome on the update
// stream. Quantity already filled stays filled.
func (s *Sim) Cancel(_ context.Context, brokerOrderID string) error {
	s.mu.Lock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		s.mu.Unlock()
		return apperrors.ErrOrderNotFound
	}
	if so.cancelled || so.order.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	so.cancelled = true
	so.order.Status = core.StatusCancelled
	update := s.updateLocked(so)
	fn := s.updateFn
	s.mu.Unlock()

	if fn != nil {
		fn(update)
	}
	return nil
}

func (s *Sim) QueryStatus(_ context.Context, brokerOrderID string) (*core.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return s.updateLocked(so), nil
}

func (s *Sim) QueryByCorrelation(_ context.Context, correlationID string) (*core.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCorr[correlationID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return s.updateLocked(s.orders[id]), nil
}

func (s *Sim) StreamUpdates(_ context.Context, fn func(*core.OrderUpdate)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateFn = fn
	return nil
}

func (s *Sim) GetAccount(_ context.Context) (*core.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &core.AccountState{
		Equity:      s.cash,
		Cash:        s.cash,
		BuyingPower: s.cash,
		Timestamp:   s.clock(),
	}, nil
}

// OnTick matches resting orders against a tick batch. Orders are visited in
// submission order; fills are pushed through the update callback before the
// method returns, so a synchronous caller sees a consistent world.
func (s *Sim) OnTick(batch core.TickBatch) {
	ticks := make(map[string]core.Tick, len(batch.Ticks))
	for _, t := range batch.Ticks {
		ticks[t.Contract.Symbol()] = t
	}

	s.mu.Lock()
	var updates []*core.OrderUpdate
	for _, id := range s.ordered {
		so := s.orders[id]
		if so.cancelled || so.order.Status.IsTerminal() {
			continue
		}
		tick, ok := ticks[so.order.Contract.Symbol()]
		if !ok {
			continue
		}
		if update := s.tryFillLocked(so, tick, batch.Timestamp); update != nil {
			updates = append(updates, update)
		}
	}
	fn := s.updateFn
	s.mu.Unlock()

	if fn != nil {
		for _, u := range updates {
			fn(u)
		}
	}
}

func (s *Sim) tryFillLocked(so *simOrder, tick core.Tick, at time.Time) *core.OrderUpdate {
	o := &so.order
	price, fillable := fillPrice(o, tick, s.slippage)
	if !fillable {
		return nil
	}

	qty := o.Quantity.Sub(o.FilledQty)
	if s.maxFill.IsPositive() && qty.GreaterThan(s.maxFill) {
		qty = s.maxFill
	}
	if !qty.IsPositive() {
		return nil
	}

	// Rolling average entry price across partial fills.
	prev := o.AvgFillPrice.Mul(o.FilledQty)
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgFillPrice = prev.Add(price.Mul(qty)).Div(o.FilledQty)

	if o.FilledQty.GreaterThanOrEqual(o.Quantity) {
		o.Status = core.StatusFilled
	} else {
		o.Status = core.StatusPartiallyFilled
	}

	notional := price.Mul(qty)
	if o.Contract.IsOption() {
		notional = notional.Mul(decimal.NewFromInt(100))
	}
	if o.Side == core.SideBuy {
		s.cash = s.cash.Sub(notional)
	} else {
		s.cash = s.cash.Add(notional)
	}

	u := s.updateLocked(so)
	u.Timestamp = at
	return u
}

// fillPrice decides whether the order executes against this tick and at what
// price. Limit buys need the ask at or under the limit and fill at the ask;
// limit sells mirror that at the bid. Market orders take the mid shaded by
// slippage.
func fillPrice(o *core.Order, tick core.Tick, slippage decimal.Decimal) (decimal.Decimal, bool) {
	switch o.Type {
	case core.TypeMarket:
		mid := tick.Mid()
		if !mid.IsPositive() {
			return decimal.Zero, false
		}
		if o.Side == core.SideBuy {
			return mid.Add(slippage), true
		}
		px := mid.Sub(slippage)
		if !px.IsPositive() {
			px = mid
		}
		return px, true
	case core.TypeLimit:
		if o.Side == core.SideBuy {
			if tick.Ask.IsPositive() && tick.Ask.LessThanOrEqual(o.LimitPrice) {
				return tick.Ask, true
			}
			return decimal.Zero, false
		}
		if tick.Bid.IsPositive() && tick.Bid.GreaterThanOrEqual(o.LimitPrice) {
			return tick.Bid, true
		}
		return decimal.Zero, false
	}
	return decimal.Zero, false
}

func (s *Sim) updateLocked(so *simOrder) *core.OrderUpdate {
	o := so.order
	return &core.OrderUpdate{
		BrokerOrderID: o.BrokerOrderID,
		CorrelationID: o.CorrelationID,
		Status:        o.Status,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		Timestamp:     s.clock(),
	}
}
