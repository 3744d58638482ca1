// Package core defines the shared data model and the interfaces consumed
// from external collaborators: broker adapters, market data feeds, alert
// sinks, and logging.
package core

import (
	"context"
)

// BrokerAdapter abstracts the concrete brokerage, live or simulated.
// Implementations must be idempotent under submit-retry keyed by the
// order's correlation id: a retried Submit after an ambiguous failure must
// not create a second broker order.
type BrokerAdapter interface {
	Name() string

	// Submit sends an order. The returned Ack carries the broker-assigned id.
	Submit(ctx context.Context, order *Order) (Ack, error)

	// Cancel requests cancellation of a working order. Best effort: the order
	// may still fill before the cancel lands.
	Cancel(ctx context.Context, brokerOrderID string) error

	// QueryStatus polls broker truth for an order.
	QueryStatus(ctx context.Context, brokerOrderID string) (*OrderUpdate, error)

	// QueryByCorrelation looks an order up by its idempotency key. Used by the
	// engine's ambiguous-submit reconciliation path. Returns ErrOrderNotFound
	// when the broker has no matching order.
	QueryByCorrelation(ctx context.Context, correlationID string) (*OrderUpdate, error)

	// StreamUpdates registers the push callback for acks, fills, and
	// cancellations. Simulated adapters deliver synchronously.
	StreamUpdates(ctx context.Context, fn func(*OrderUpdate)) error

	// GetAccount returns a snapshot of account financials.
	GetAccount(ctx context.Context) (*AccountState, error)
}

// Feed supplies market ticks batched by timestamp. Live feeds are effectively
// infinite and not restartable once consumed; replay feeds are finite and
// restartable.
type Feed interface {
	Subscribe(ctx context.Context, contracts []Contract) (<-chan TickBatch, error)
}

// AlertSink receives notable lifecycle events. Fire-and-forget: delivery
// failure must never block trading logic.
type AlertSink interface {
	Send(event AlertEvent)
}

// Logger is the structured logging interface used across the system.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}
