package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal = "optionsbot_orders_submitted_total"
	MetricOrdersFilledTotal    = "optionsbot_orders_filled_total"
	MetricOrderRetriesTotal    = "optionsbot_order_retries_total"
	MetricOrderFailuresTotal   = "optionsbot_order_failures_total"
	MetricRiskRejectionsTotal  = "optionsbot_risk_rejections_total"
	MetricRiskResizesTotal     = "optionsbot_risk_resizes_total"
	MetricOrdersWorking        = "optionsbot_orders_working"
	MetricPositionQuantity     = "optionsbot_position_quantity"
	MetricPnLRealizedTotal     = "optionsbot_pnl_realized_total"
	MetricCircuitBreakerOpen   = "optionsbot_circuit_breaker_open"
	MetricBrokerLatency        = "optionsbot_broker_latency_ms"
)

// MetricsHolder holds the initialized instruments and the state backing the
// observable gauges.
type MetricsHolder struct {
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrderRetriesTotal    metric.Int64Counter
	OrderFailuresTotal   metric.Int64Counter
	RiskRejectionsTotal  metric.Int64Counter
	RiskResizesTotal     metric.Int64Counter
	PnLRealizedTotal     metric.Float64Counter
	BrokerLatency        metric.Float64Histogram

	ordersWorking    metric.Int64ObservableGauge
	positionQuantity metric.Float64ObservableGauge
	circuitOpen      metric.Int64ObservableGauge

	mu              sync.RWMutex
	workingByBroker map[string]int64
	positionBySym   map[string]float64
	cbOpen          map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			workingByBroker: make(map[string]int64),
			positionBySym:   make(map[string]float64),
			cbOpen:          make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments against the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal,
		metric.WithDescription("Total orders submitted to the broker adapter")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Total orders fully filled")); err != nil {
		return err
	}
	if m.OrderRetriesTotal, err = meter.Int64Counter(MetricOrderRetriesTotal,
		metric.WithDescription("Total submit/cancel retries")); err != nil {
		return err
	}
	if m.OrderFailuresTotal, err = meter.Int64Counter(MetricOrderFailuresTotal,
		metric.WithDescription("Total orders that reached REJECTED or FAILED")); err != nil {
		return err
	}
	if m.RiskRejectionsTotal, err = meter.Int64Counter(MetricRiskRejectionsTotal,
		metric.WithDescription("Total intents rejected by the risk controller")); err != nil {
		return err
	}
	if m.RiskResizesTotal, err = meter.Int64Counter(MetricRiskResizesTotal,
		metric.WithDescription("Total intents resized by the risk controller")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}
	if m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency,
		metric.WithDescription("Latency of broker adapter calls"), metric.WithUnit("ms")); err != nil {
		return err
	}

	m.ordersWorking, err = meter.Int64ObservableGauge(MetricOrdersWorking,
		metric.WithDescription("Orders currently working at the broker"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for broker, n := range m.workingByBroker {
				obs.Observe(n, metric.WithAttributes(attribute.String("broker", broker)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.positionQuantity, err = meter.Float64ObservableGauge(MetricPositionQuantity,
		metric.WithDescription("Net position quantity per contract"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, q := range m.positionBySym {
				obs.Observe(q, metric.WithAttributes(attribute.String("contract", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.circuitOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("Whether the risk circuit breaker is open (1) or closed (0)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for scope, v := range m.cbOpen {
				obs.Observe(v, metric.WithAttributes(attribute.String("scope", scope)))
			}
			return nil
		}))
	return err
}

// IncRiskRejection bumps the risk rejection counter. Safe before InitMetrics.
func (m *MetricsHolder) IncRiskRejection() {
	if m.RiskRejectionsTotal != nil {
		m.RiskRejectionsTotal.Add(context.Background(), 1)
	}
}

// IncRiskResize bumps the risk resize counter. Safe before InitMetrics.
func (m *MetricsHolder) IncRiskResize() {
	if m.RiskResizesTotal != nil {
		m.RiskResizesTotal.Add(context.Background(), 1)
	}
}

// SetWorkingOrders records the count of working orders for a broker.
func (m *MetricsHolder) SetWorkingOrders(broker string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workingByBroker[broker] = n
}

// SetPositionQuantity records the net quantity for a contract symbol.
func (m *MetricsHolder) SetPositionQuantity(symbol string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionBySym[symbol] = qty
}

// SetCircuitBreakerOpen records circuit breaker state for a scope.
func (m *MetricsHolder) SetCircuitBreakerOpen(scope string, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := int64(0)
	if open {
		v = 1
	}
	m.cbOpen[scope] = v
}
