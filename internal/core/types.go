package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionType distinguishes calls, puts, and the underlying itself.
type OptionType string

const (
	OptionTypeCall       OptionType = "CALL"
	OptionTypePut        OptionType = "PUT"
	OptionTypeUnderlying OptionType = "UNDERLYING"
)

// Contract identifies a tradable option or its underlying. Value type,
// immutable once constructed.
type Contract struct {
	Underlying string
	Expiration time.Time
	Strike     decimal.Decimal
	Type       OptionType
}

// Underlying returns a Contract for the underlying instrument itself.
func UnderlyingContract(symbol string) Contract {
	return Contract{Underlying: symbol, Type: OptionTypeUnderlying}
}

// IsOption reports whether the contract is an option rather than the underlying.
func (c Contract) IsOption() bool {
	return c.Type == OptionTypeCall || c.Type == OptionTypePut
}

// Symbol returns the canonical identifier for the contract: the OCC symbol
// for options, the plain ticker for underlyings.
func (c Contract) Symbol() string {
	if !c.IsOption() {
		return c.Underlying
	}
	return FormatOCC(c)
}

// DTE returns the number of whole days until expiration as of now.
func (c Contract) DTE(now time.Time) int {
	if !c.IsOption() {
		return 0
	}
	return int(c.Expiration.Sub(now).Hours() / 24)
}

// Greeks holds the option sensitivities attached to a quote. Optional on a
// Tick; zero-valued when the feed does not supply them.
type Greeks struct {
	Delta decimal.Decimal
	Gamma decimal.Decimal
	Theta decimal.Decimal
	Vega  decimal.Decimal
}

// Tick is a timestamped market observation for a single contract. Feeds must
// emit non-decreasing timestamps per contract.
type Tick struct {
	Contract     Contract
	Timestamp    time.Time
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
	ImpliedVol   decimal.Decimal
	Greeks       *Greeks
	OpenInterest int64
	Volume       int64
}

// Mid returns the bid/ask midpoint, falling back to the last trade when one
// side of the book is empty.
func (t Tick) Mid() decimal.Decimal {
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	return t.Last
}

// SpreadPct returns the bid/ask spread as a fraction of the mid, or zero when
// the mid is unavailable.
func (t Tick) SpreadPct() decimal.Decimal {
	mid := t.Mid()
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid)
}

// TickBatch groups all ticks sharing one feed timestamp so that evaluation
// sees a consistent cross-contract view (e.g. both legs of a spread).
type TickBatch struct {
	Timestamp time.Time
	Ticks     []Tick
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionEffect marks whether an order opens or closes exposure.
type PositionEffect string

const (
	EffectOpen  PositionEffect = "OPEN"
	EffectClose PositionEffect = "CLOSE"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderIntent is a proposed, not-yet-validated order produced by a strategy.
// Ephemeral: consumed by the risk controller within the evaluation cycle.
type OrderIntent struct {
	CorrelationID string
	Contract      Contract
	Side          OrderSide
	Effect        PositionEffect
	Quantity      decimal.Decimal
	Type          OrderType
	LimitPrice    decimal.Decimal
	Strategy      string
}

// Notional returns the cash value the intent would move, using the limit
// price for limit orders and the supplied mark otherwise. Option contracts
// carry a 100x multiplier.
func (i OrderIntent) Notional(mark decimal.Decimal) decimal.Decimal {
	px := i.LimitPrice
	if i.Type != TypeLimit || !px.IsPositive() {
		px = mark
	}
	n := px.Mul(i.Quantity)
	if i.Contract.IsOption() {
		n = n.Mul(decimal.NewFromInt(100))
	}
	return n.Abs()
}

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelRequested OrderStatus = "CANCEL_REQUESTED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// IsWorking reports whether the order is live at the broker.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case StatusSubmitted, StatusAcknowledged, StatusPartiallyFilled, StatusCancelRequested:
		return true
	}
	return false
}

// Order is a submitted, broker-tracked entity. Owned exclusively by the
// lifecycle engine; mutated only through its state machine.
type Order struct {
	ID            string
	CorrelationID string
	BrokerOrderID string
	Contract      Contract
	Side          OrderSide
	Effect        PositionEffect
	Type          OrderType
	LimitPrice    decimal.Decimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        OrderStatus
	Strategy      string
	Resized       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Clone returns a deep copy safe to hand outside the engine.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// OrderUpdate is broker-reported truth about an order: an ack, a fill, a
// cancellation, or a rejection. The engine always prefers the most recent
// update over local assumption.
type OrderUpdate struct {
	BrokerOrderID string
	CorrelationID string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Reason        string
	Timestamp     time.Time
}

// Fill records an execution applied to the position book.
type Fill struct {
	OrderID       string
	CorrelationID string
	Contract      Contract
	Side          OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
}

// SignedQty returns the fill quantity signed by side.
func (f Fill) SignedQty() decimal.Decimal {
	return f.Quantity.Mul(f.Side.Sign())
}

// Position is the aggregated holding for one contract, derived from fills.
// Zero quantity is a valid steady state.
type Position struct {
	Contract      Contract
	Quantity      decimal.Decimal
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarkPrice     decimal.Decimal
	UpdatedAt     time.Time
}

// PositionsSnapshot is a read-only copy of the position book handed to the
// strategy evaluator and the risk controller.
type PositionsSnapshot struct {
	Timestamp time.Time
	Positions map[string]Position // keyed by Contract.Symbol()
}

// Get returns the position for a contract, zero-valued when flat.
func (s PositionsSnapshot) Get(c Contract) Position {
	if p, ok := s.Positions[c.Symbol()]; ok {
		return p
	}
	return Position{Contract: c}
}

// NetQuantity returns the net position quantity across all contracts on an
// underlying.
func (s PositionsSnapshot) NetQuantity(underlying string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		if p.Contract.Underlying == underlying {
			total = total.Add(p.Quantity)
		}
	}
	return total
}

// AccountState is a read-only snapshot of account financials used by the
// risk controller.
type AccountState struct {
	Equity       decimal.Decimal
	Cash         decimal.Decimal
	BuyingPower  decimal.Decimal
	MarginUsed   decimal.Decimal
	OpenOrders   int
	Timestamp    time.Time
}

// AlertSeverity grades alert events.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityError    AlertSeverity = "ERROR"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertEvent is a notable lifecycle event for human notification.
type AlertEvent struct {
	Severity  AlertSeverity
	Code      string
	Message   string
	Context   map[string]string
	Timestamp time.Time
}

// Ack is the broker's acknowledgement of a submit.
type Ack struct {
	BrokerOrderID string
}
