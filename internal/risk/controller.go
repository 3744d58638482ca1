// Package risk gates every order intent between the strategy and the
// lifecycle engine. Checks run in a fixed order and the first failure wins;
// size-limit breaches may shrink the intent instead of rejecting it when the
// policy allows.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"optionsbot/internal/config"
	"optionsbot/internal/core"
	apperrors "optionsbot/pkg/errors"
	"optionsbot/pkg/telemetry"
)

// Inputs is the market and account context a single evaluation runs against.
type Inputs struct {
	Positions    core.PositionsSnapshot
	Account      *core.AccountState
	Tick         core.Tick
	OpenOrders   int
	OpenNotional decimal.Decimal
}

// Decision is an approved, possibly downsized intent.
type Decision struct {
	Intent  core.OrderIntent
	Resized bool
}

type Controller struct {
	cfg     config.RiskConfig
	breaker *CircuitBreaker
	logger  core.Logger
	alerts  core.AlertSink
}

func NewController(cfg config.RiskConfig, breaker *CircuitBreaker, logger core.Logger, alerts core.AlertSink) *Controller {
	return &Controller{
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
		alerts:  alerts,
	}
}

// Breaker exposes the circuit breaker so the position book can feed realized
// PnL into it.
func (c *Controller) Breaker() *CircuitBreaker { return c.breaker }

// Evaluate validates one intent against the full check chain. A returned
// error means the intent is rejected and must not reach the engine.
func (c *Controller) Evaluate(_ context.Context, intent core.OrderIntent, in Inputs) (Decision, error) {
	if err := validateIntent(intent); err != nil {
		return c.reject(intent, err)
	}

	if c.breaker != nil && c.breaker.IsTripped() {
		return c.reject(intent, fmt.Errorf("%w: %s", apperrors.ErrCircuitOpen, c.breaker.TripReason()))
	}

	mark := in.Tick.Mid()
	decision := Decision{Intent: intent}

	// Notional limits, per contract then aggregate.
	if c.cfg.MaxNotionalPerContract > 0 {
		limit := decimal.NewFromFloat(c.cfg.MaxNotionalPerContract)
		if decision.Intent.Notional(mark).GreaterThan(limit) {
			var err error
			decision, err = c.resizeToNotional(decision, limit, mark, "per-contract notional limit")
			if err != nil {
				return c.reject(intent, err)
			}
		}
	}
	if c.cfg.MaxNotionalAggregate > 0 {
		limit := decimal.NewFromFloat(c.cfg.MaxNotionalAggregate)
		headroom := limit.Sub(in.OpenNotional)
		if decision.Intent.Notional(mark).GreaterThan(headroom) {
			var err error
			decision, err = c.resizeToNotional(decision, headroom, mark, "aggregate notional limit")
			if err != nil {
				return c.reject(intent, err)
			}
		}
	}

	// Open order cap. Count limits cannot be resized away.
	if c.cfg.MaxOpenOrders > 0 && in.OpenOrders >= c.cfg.MaxOpenOrders {
		return c.reject(intent, fmt.Errorf("%w: open orders %d at cap %d",
			apperrors.ErrRiskRejected, in.OpenOrders, c.cfg.MaxOpenOrders))
	}

	// Position size per underlying, measured on the projected net position.
	if c.cfg.MaxPositionPerUnderlying > 0 {
		limit := decimal.NewFromFloat(c.cfg.MaxPositionPerUnderlying)
		net := in.Positions.NetQuantity(decision.Intent.Contract.Underlying)
		projected := net.Add(decision.Intent.Quantity.Mul(decision.Intent.Side.Sign()))
		if projected.Abs().GreaterThan(limit) {
			var err error
			decision, err = c.resizeToPosition(decision, net, limit)
			if err != nil {
				return c.reject(intent, err)
			}
		}
	}

	// Buying power. Hard reject: shrinking a trade we cannot fund is not safe.
	if in.Account != nil && decision.Intent.Side == core.SideBuy {
		if decision.Intent.Notional(mark).GreaterThan(in.Account.BuyingPower) {
			return c.reject(intent, fmt.Errorf("%w: notional %s exceeds buying power %s",
				apperrors.ErrInsufficientFunds, decision.Intent.Notional(mark), in.Account.BuyingPower))
		}
	}

	// Price sanity for limit orders.
	if c.cfg.MaxPriceDeviationPct > 0 && decision.Intent.Type == core.TypeLimit && mark.IsPositive() {
		maxDev := decimal.NewFromFloat(c.cfg.MaxPriceDeviationPct)
		dev := decision.Intent.LimitPrice.Sub(mark).Abs().Div(mark)
		if dev.GreaterThan(maxDev) {
			return c.reject(intent, fmt.Errorf("%w: limit %s deviates %s from mid %s",
				apperrors.ErrRiskRejected, decision.Intent.LimitPrice, dev.Round(4), mark))
		}
	}

	if decision.Resized {
		telemetry.GetGlobalMetrics().IncRiskResize()
		c.logger.WithFields(map[string]interface{}{
			"correlation_id": intent.CorrelationID,
			"from_qty":       intent.Quantity.String(),
			"to_qty":         decision.Intent.Quantity.String(),
		}).Warn("order intent downsized by risk limits")
	}
	return decision, nil
}

func validateIntent(intent core.OrderIntent) error {
	if intent.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation id", apperrors.ErrInvalidIntent)
	}
	if intent.Contract.Underlying == "" {
		return fmt.Errorf("%w: missing underlying", apperrors.ErrInvalidIntent)
	}
	if !intent.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s", apperrors.ErrInvalidIntent, intent.Quantity)
	}
	if intent.Side != core.SideBuy && intent.Side != core.SideSell {
		return fmt.Errorf("%w: side %q", apperrors.ErrInvalidIntent, intent.Side)
	}
	if intent.Type == core.TypeLimit && !intent.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: limit order without positive limit price", apperrors.ErrInvalidIntent)
	}
	return nil
}

func (c *Controller) resizeToNotional(d Decision, limit, mark decimal.Decimal, what string) (Decision, error) {
	if !c.cfg.ResizeOnSizeLimits {
		return d, fmt.Errorf("%w: %s exceeded", apperrors.ErrRiskRejected, what)
	}
	px := d.Intent.LimitPrice
	if d.Intent.Type != core.TypeLimit || !px.IsPositive() {
		px = mark
	}
	unit := px
	if d.Intent.Contract.IsOption() {
		unit = unit.Mul(decimal.NewFromInt(100))
	}
	if !unit.IsPositive() {
		return d, fmt.Errorf("%w: %s exceeded and no price to resize against", apperrors.ErrRiskRejected, what)
	}
	qty := limit.Div(unit).Floor()
	return c.applyResize(d, qty, what)
}

func (c *Controller) resizeToPosition(d Decision, net, limit decimal.Decimal) (Decision, error) {
	if !c.cfg.ResizeOnSizeLimits {
		return d, fmt.Errorf("%w: position limit exceeded", apperrors.ErrRiskRejected)
	}
	// Largest quantity in the intent's direction keeping |net + q*sign| <= limit.
	sign := d.Intent.Side.Sign()
	qty := limit.Sub(net.Mul(sign))
	return c.applyResize(d, qty.Floor(), "position limit")
}

func (c *Controller) applyResize(d Decision, qty decimal.Decimal, what string) (Decision, error) {
	if !qty.IsPositive() {
		return d, fmt.Errorf("%w: %s leaves no room", apperrors.ErrRiskRejected, what)
	}
	if qty.GreaterThanOrEqual(d.Intent.Quantity) {
		return d, nil
	}
	d.Intent.Quantity = qty
	d.Resized = true
	return d, nil
}

func (c *Controller) reject(intent core.OrderIntent, err error) (Decision, error) {
	telemetry.GetGlobalMetrics().IncRiskRejection()
	c.logger.WithFields(map[string]interface{}{
		"correlation_id": intent.CorrelationID,
		"symbol":         intent.Contract.Symbol(),
		"reason":         err.Error(),
	}).Warn("order intent rejected")
	if c.alerts != nil {
		c.alerts.Send(core.AlertEvent{
			Severity: core.SeverityWarning,
			Code:     "RISK_REJECTED",
			Message:  err.Error(),
			Context: map[string]string{
				"correlation_id": intent.CorrelationID,
				"symbol":         intent.Contract.Symbol(),
			},
			Timestamp: time.Now(),
		})
	}
	return Decision{Intent: intent}, err
}
