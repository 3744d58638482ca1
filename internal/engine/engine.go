// Package engine owns the order state machine. Every order is driven through
// Pending, Submitted, Acknowledged, fills, and a terminal state by exactly one
// goroutine at a time; broker-reported truth always wins over local
// assumption. All transitions land in the ledger before callers observe them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"optionsbot/internal/core"
	"optionsbot/internal/ledger"
	"optionsbot/internal/position"
	"optionsbot/internal/risk"
	apperrors "optionsbot/pkg/errors"
	"optionsbot/pkg/retry"
	"optionsbot/pkg/telemetry"
)

// orderNamespace seeds deterministic order ids: the same correlation id
// always maps to the same engine order id, run after run.
var orderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("optionsbot.order"))

// Options wires the engine's collaborators.
type Options struct {
	Broker core.BrokerAdapter
	Ledger ledger.Store
	Book   *position.Book
	Logger core.Logger
	Alerts core.AlertSink

	Retry         retry.Policy
	BrokerTimeout time.Duration

	// RateLimit caps submit/cancel calls per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	// Synchronous runs submits inline on the caller's goroutine. Backtests
	// use this so every broker interaction completes before the next tick.
	Synchronous bool

	// Clock supplies timestamps for transitions. Defaults to time.Now; the
	// backtest runner injects simulated time.
	Clock func() time.Time
}

// orderTask pairs an order with the mutex serializing its transitions.
type orderTask struct {
	mu    sync.Mutex
	order *core.Order
}

// Engine is the order lifecycle engine.
type Engine struct {
	broker      core.BrokerAdapter
	ledger      ledger.Store
	book        *position.Book
	logger      core.Logger
	alerts      core.AlertSink
	retry       retry.Policy
	timeout     time.Duration
	limiter     *rate.Limiter
	synchronous bool
	clock       func() time.Time

	mu       sync.RWMutex
	byCorr   map[string]*orderTask
	byBroker map[string]*orderTask

	working atomic.Int64
	wg      sync.WaitGroup
}

func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := opts.BrokerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Engine{
		broker:      opts.Broker,
		ledger:      opts.Ledger,
		book:        opts.Book,
		logger:      opts.Logger.WithField("component", "engine"),
		alerts:      opts.Alerts,
		retry:       opts.Retry,
		timeout:     timeout,
		limiter:     limiter,
		synchronous: opts.Synchronous,
		clock:       clock,
		byCorr:      make(map[string]*orderTask),
		byBroker:    make(map[string]*orderTask),
	}
}

// OrderID maps a correlation id to its deterministic engine order id.
func OrderID(correlationID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(correlationID)).String()
}

// SubmitIntent admits a risk-approved intent into the state machine. Calling
// it twice with the same correlation id returns the original order without
// contacting the broker again.
func (e *Engine) SubmitIntent(ctx context.Context, d risk.Decision) (*core.Order, error) {
	intent := d.Intent

	e.mu.Lock()
	if existing, ok := e.byCorr[intent.CorrelationID]; ok {
		e.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		e.logger.Debug("duplicate intent ignored", "correlation_id", intent.CorrelationID)
		return existing.order.Clone(), nil
	}

	now := e.clock()
	order := &core.Order{
		ID:            OrderID(intent.CorrelationID),
		CorrelationID: intent.CorrelationID,
		Contract:      intent.Contract,
		Side:          intent.Side,
		Effect:        intent.Effect,
		Type:          intent.Type,
		LimitPrice:    intent.LimitPrice,
		Quantity:      intent.Quantity,
		Status:        core.StatusPending,
		Strategy:      intent.Strategy,
		Resized:       d.Resized,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	task := &orderTask{order: order}
	e.byCorr[intent.CorrelationID] = task
	e.mu.Unlock()

	task.mu.Lock()
	if err := e.record(ctx, order, core.StatusPending, "created"); err != nil {
		task.mu.Unlock()
		return nil, err
	}
	task.mu.Unlock()

	if e.synchronous {
		e.runSubmit(ctx, task)
	} else {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runSubmit(ctx, task)
		}()
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	return task.order.Clone(), nil
}

// runSubmit drives an order from Pending to Acknowledged or a terminal
// failure state.
func (e *Engine) runSubmit(ctx context.Context, task *orderTask) {
	task.mu.Lock()
	defer task.mu.Unlock()

	order := task.order
	if order.Status != core.StatusPending {
		return
	}

	e.transition(ctx, task, core.StatusSubmitted, "submit started")

	ack, err := e.submitWithRetry(ctx, order)
	switch {
	case err == nil:
		// A streamed ack may have landed first and moved the order along.
		if order.BrokerOrderID == "" {
			order.BrokerOrderID = ack.BrokerOrderID
			e.indexBroker(ack.BrokerOrderID, task)
		}
		if order.Status == core.StatusSubmitted {
			e.transition(ctx, task, core.StatusAcknowledged, "broker ack")
		}
	case apperrors.IsRejection(err):
		e.transition(ctx, task, core.StatusRejected, err.Error())
	default:
		if order.Status.IsTerminal() || order.BrokerOrderID != "" {
			// Reconciliation adopted a broker order mid-failure.
			return
		}
		e.transition(ctx, task, core.StatusFailed, err.Error())
		if apperrors.IsAmbiguous(err) {
			// A broker order may exist unmanaged. Operator attention needed.
			e.alert(core.SeverityCritical, "ORDER_AMBIGUOUS", fmt.Sprintf("submit outcome unknown: %v", err), order)
		} else {
			e.alert(core.SeverityError, "ORDER_FAILED", fmt.Sprintf("submit failed: %v", err), order)
		}
	}
}

// submitWithRetry calls the broker under the retry policy. Ambiguous
// outcomes are reconciled against broker state before any resubmission so a
// lost ack can never duplicate an order. Caller holds the task lock.
func (e *Engine) submitWithRetry(ctx context.Context, order *core.Order) (core.Ack, error) {
	var ack core.Ack
	metrics := telemetry.GetGlobalMetrics()

	attempt := 0
	err := retry.Do(ctx, e.retry, apperrors.IsTransient, func() error {
		attempt++
		if attempt > 1 && metrics.OrderRetriesTotal != nil {
			metrics.OrderRetriesTotal.Add(ctx, 1)
		}
		if err := e.waitRate(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		start := e.clock()
		a, err := e.broker.Submit(callCtx, order)
		cancel()
		e.observeLatency(ctx, start)

		if err == nil {
			ack = a
			if metrics.OrdersSubmittedTotal != nil {
				metrics.OrdersSubmittedTotal.Add(ctx, 1)
			}
			return nil
		}

		if apperrors.IsAmbiguous(err) {
			update, qerr := e.broker.QueryByCorrelation(ctx, order.CorrelationID)
			if qerr == nil && update != nil {
				// The submit did land. Adopt the broker's order.
				ack = core.Ack{BrokerOrderID: update.BrokerOrderID}
				e.logger.Warn("adopted broker order after ambiguous submit",
					"correlation_id", order.CorrelationID,
					"broker_order_id", update.BrokerOrderID)
				return nil
			}
			if qerr != nil && !errors.Is(qerr, apperrors.ErrOrderNotFound) {
				// Broker state still unknown. Do not resubmit blind.
				return fmt.Errorf("%w: reconciliation failed: %v", apperrors.ErrAmbiguous, qerr)
			}
			// Confirmed absent: safe to retry as a fresh submit.
			return fmt.Errorf("%w: submit lost before broker", apperrors.ErrTransient)
		}

		return err
	})
	return ack, err
}

// Cancel requests cancellation by correlation id. Best effort: fills that
// race the cancel are honored, and the final state comes from broker updates.
func (e *Engine) Cancel(ctx context.Context, correlationID string) error {
	e.mu.RLock()
	task, ok := e.byCorr[correlationID]
	e.mu.RUnlock()
	if !ok {
		return apperrors.ErrOrderNotFound
	}

	task.mu.Lock()
	order := task.order
	if order.Status.IsTerminal() {
		task.mu.Unlock()
		return nil
	}
	if order.BrokerOrderID == "" {
		task.mu.Unlock()
		return fmt.Errorf("%w: order %s has no broker id yet", apperrors.ErrOrderNotFound, correlationID)
	}
	if order.Status != core.StatusCancelRequested {
		e.transition(ctx, task, core.StatusCancelRequested, "cancel requested")
	}
	brokerID := order.BrokerOrderID
	task.mu.Unlock()

	err := retry.Do(ctx, e.retry, apperrors.IsTransient, func() error {
		if err := e.waitRate(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		start := e.clock()
		cerr := e.broker.Cancel(callCtx, brokerID)
		e.observeLatency(ctx, start)
		return cerr
	})
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		e.logger.Warn("cancel request failed, awaiting broker truth",
			"correlation_id", correlationID, "error", err.Error())
		return err
	}
	return nil
}

// OnOrderUpdate applies broker-reported truth. Fill quantity is monotone:
// stale updates that would lower it are dropped. Fills that arrive after a
// cancel request are applied; the cancel simply lost the race.
func (e *Engine) OnOrderUpdate(update *core.OrderUpdate) {
	if update == nil {
		return
	}
	task := e.lookup(update)
	if task == nil {
		e.logger.Warn("update for unknown order dropped",
			"broker_order_id", update.BrokerOrderID,
			"correlation_id", update.CorrelationID)
		return
	}

	ctx := context.Background()
	task.mu.Lock()
	defer task.mu.Unlock()

	order := task.order
	if order.Status.IsTerminal() {
		return
	}
	if order.BrokerOrderID == "" && update.BrokerOrderID != "" {
		order.BrokerOrderID = update.BrokerOrderID
		e.indexBroker(update.BrokerOrderID, task)
	}

	if update.FilledQty.LessThan(order.FilledQty) {
		e.logger.Debug("stale update dropped", "correlation_id", order.CorrelationID)
		return
	}
	e.applyFillDelta(order, update)

	next := update.Status
	if !validTransition(order.Status, next) {
		if next.IsTerminal() {
			// Broker truth wins even through a transition we did not expect.
			e.logger.Warn("unexpected terminal transition accepted",
				"correlation_id", order.CorrelationID,
				"from", string(order.Status), "to", string(next))
		} else {
			return
		}
	}
	if next == order.Status {
		// Same-state fill progress still gets a ledger record.
		if update.FilledQty.GreaterThan(decimal.Zero) {
			_ = e.record(ctx, order, order.Status, "fill progress")
		}
		return
	}

	e.transition(ctx, task, next, update.Reason)

	switch next {
	case core.StatusFilled:
		m := telemetry.GetGlobalMetrics()
		if m.OrdersFilledTotal != nil {
			m.OrdersFilledTotal.Add(ctx, 1)
		}
	case core.StatusRejected, core.StatusFailed:
		m := telemetry.GetGlobalMetrics()
		if m.OrderFailuresTotal != nil {
			m.OrderFailuresTotal.Add(ctx, 1)
		}
		e.alert(core.SeverityWarning, "ORDER_"+string(next), update.Reason, order)
	}
}

// applyFillDelta feeds newly filled quantity into the position book at the
// marginal price implied by the average fill prices.
func (e *Engine) applyFillDelta(order *core.Order, update *core.OrderUpdate) {
	if update.FilledQty.GreaterThan(order.Quantity) {
		e.logger.Error("broker reported overfill, clamping",
			"correlation_id", order.CorrelationID,
			"reported", update.FilledQty.String(),
			"quantity", order.Quantity.String())
		update.FilledQty = order.Quantity
	}
	delta := update.FilledQty.Sub(order.FilledQty)
	if !delta.IsPositive() {
		return
	}

	price := update.AvgFillPrice
	if order.FilledQty.IsPositive() && update.AvgFillPrice.IsPositive() {
		// new_avg*new_qty = old_avg*old_qty + p*delta, solve for p.
		total := update.AvgFillPrice.Mul(update.FilledQty)
		prev := order.AvgFillPrice.Mul(order.FilledQty)
		price = total.Sub(prev).Div(delta)
	}

	order.FilledQty = update.FilledQty
	order.AvgFillPrice = update.AvgFillPrice

	if e.book != nil {
		e.book.ApplyFill(core.Fill{
			OrderID:       order.ID,
			CorrelationID: order.CorrelationID,
			Contract:      order.Contract,
			Side:          order.Side,
			Quantity:      delta,
			Price:         price,
			Timestamp:     update.Timestamp,
		})
	}
}

// transition moves the order to the next status and appends the ledger
// record. Caller holds the task lock.
func (e *Engine) transition(ctx context.Context, task *orderTask, next core.OrderStatus, reason string) {
	order := task.order
	from := order.Status
	order.Status = next
	order.UpdatedAt = e.clock()

	_ = e.record(ctx, order, from, reason)
	e.trackWorking(from, next)

	e.logger.Info("order transition",
		"correlation_id", order.CorrelationID,
		"from", string(from), "to", string(next),
		"filled", order.FilledQty.String())
}

func (e *Engine) record(ctx context.Context, order *core.Order, from core.OrderStatus, reason string) error {
	if e.ledger == nil {
		return nil
	}
	rec := ledger.FromTransition(order, from, reason, order.UpdatedAt)
	if err := e.ledger.Append(ctx, rec); err != nil {
		e.logger.Error("ledger append failed",
			"correlation_id", order.CorrelationID, "error", err.Error())
		return err
	}
	return nil
}

// Start attaches the engine to the broker's update stream.
func (e *Engine) Start(ctx context.Context) error {
	return e.broker.StreamUpdates(ctx, e.OnOrderUpdate)
}

// Restore loads in-flight orders from ledger replay and reconciles each with
// the broker. Called once on startup, before any new intents flow.
func (e *Engine) Restore(ctx context.Context) error {
	if e.ledger == nil {
		return nil
	}
	records, err := e.ledger.Replay(ctx)
	if err != nil {
		return fmt.Errorf("ledger replay: %w", err)
	}
	inflight := ledger.Rebuild(records)

	e.mu.Lock()
	for corr, order := range inflight {
		task := &orderTask{order: order}
		e.byCorr[corr] = task
		if order.BrokerOrderID != "" {
			e.byBroker[order.BrokerOrderID] = task
		}
	}
	e.mu.Unlock()

	for _, order := range inflight {
		if order.BrokerOrderID == "" {
			continue
		}
		update, err := e.broker.QueryStatus(ctx, order.BrokerOrderID)
		if err != nil {
			e.logger.Warn("startup reconciliation query failed",
				"correlation_id", order.CorrelationID, "error", err.Error())
			continue
		}
		e.OnOrderUpdate(update)
	}
	if n := len(inflight); n > 0 {
		e.logger.Info("restored in-flight orders from ledger", "count", n)
	}
	return nil
}

// Wait blocks until all asynchronous submits have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Order returns a copy of the order for a correlation id.
func (e *Engine) Order(correlationID string) (*core.Order, bool) {
	e.mu.RLock()
	task, ok := e.byCorr[correlationID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.order.Clone(), true
}

// WorkingOrders returns copies of all orders still live at the broker.
func (e *Engine) WorkingOrders() []*core.Order {
	e.mu.RLock()
	tasks := make([]*orderTask, 0, len(e.byCorr))
	for _, t := range e.byCorr {
		tasks = append(tasks, t)
	}
	e.mu.RUnlock()

	var working []*core.Order
	for _, t := range tasks {
		t.mu.Lock()
		if t.order.Status.IsWorking() || t.order.Status == core.StatusPending {
			working = append(working, t.order.Clone())
		}
		t.mu.Unlock()
	}
	return working
}

// OpenNotional sums the unfilled notional of working orders, the figure the
// risk controller charges against the aggregate limit.
func (e *Engine) OpenNotional() decimal.Decimal {
	total := decimal.Zero
	for _, o := range e.WorkingOrders() {
		px := o.LimitPrice
		if !px.IsPositive() {
			px = o.AvgFillPrice
		}
		if !px.IsPositive() && e.book != nil {
			// Market order with no fills yet. Price it at the last mark so it
			// still consumes aggregate headroom.
			px = e.book.Mark(o.Contract)
		}
		n := px.Mul(o.Remaining())
		if o.Contract.IsOption() {
			n = n.Mul(decimal.NewFromInt(100))
		}
		total = total.Add(n.Abs())
	}
	return total
}

func (e *Engine) lookup(update *core.OrderUpdate) *orderTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if update.BrokerOrderID != "" {
		if t, ok := e.byBroker[update.BrokerOrderID]; ok {
			return t
		}
	}
	if update.CorrelationID != "" {
		if t, ok := e.byCorr[update.CorrelationID]; ok {
			return t
		}
	}
	return nil
}

func (e *Engine) indexBroker(brokerID string, task *orderTask) {
	e.mu.Lock()
	e.byBroker[brokerID] = task
	e.mu.Unlock()
}

func (e *Engine) waitRate(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	return nil
}

func (e *Engine) observeLatency(ctx context.Context, start time.Time) {
	m := telemetry.GetGlobalMetrics()
	if m.BrokerLatency != nil {
		m.BrokerLatency.Record(ctx, float64(e.clock().Sub(start).Milliseconds()))
	}
}

func (e *Engine) trackWorking(from, to core.OrderStatus) {
	delta := int64(0)
	if to.IsWorking() {
		delta++
	}
	if from.IsWorking() {
		delta--
	}
	if delta != 0 {
		e.working.Add(delta)
	}
	telemetry.GetGlobalMetrics().SetWorkingOrders(e.broker.Name(), e.working.Load())
}

func (e *Engine) alert(sev core.AlertSeverity, code, msg string, order *core.Order) {
	if e.alerts == nil {
		return
	}
	e.alerts.Send(core.AlertEvent{
		Severity: sev,
		Code:     code,
		Message:  msg,
		Context: map[string]string{
			"correlation_id": order.CorrelationID,
			"symbol":         order.Contract.Symbol(),
			"side":           string(order.Side),
		},
		Timestamp: e.clock(),
	})
}

// validTransition encodes the order state machine.
func validTransition(from, to core.OrderStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case core.StatusPending:
		return to == core.StatusSubmitted || to == core.StatusRejected || to == core.StatusFailed
	case core.StatusSubmitted:
		return to == core.StatusAcknowledged || to == core.StatusPartiallyFilled ||
			to == core.StatusFilled || to == core.StatusCancelRequested ||
			to == core.StatusCancelled || to == core.StatusRejected || to == core.StatusFailed
	case core.StatusAcknowledged:
		return to == core.StatusPartiallyFilled || to == core.StatusFilled ||
			to == core.StatusCancelRequested || to == core.StatusCancelled ||
			to == core.StatusRejected || to == core.StatusFailed
	case core.StatusPartiallyFilled:
		return to == core.StatusFilled || to == core.StatusCancelRequested ||
			to == core.StatusCancelled || to == core.StatusFailed
	case core.StatusCancelRequested:
		return to == core.StatusPartiallyFilled || to == core.StatusFilled ||
			to == core.StatusCancelled || to == core.StatusRejected || to == core.StatusFailed
	}
	return false
}
