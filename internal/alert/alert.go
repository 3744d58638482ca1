// Package alert fans notable lifecycle events out to notification channels.
// Delivery is fire-and-forget: a dead channel never blocks the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"optionsbot/internal/core"
	"optionsbot/pkg/concurrency"
)

// Channel delivers one alert to one destination.
type Channel interface {
	Send(ctx context.Context, event core.AlertEvent) error
	Name() string
}

// Manager implements core.AlertSink over a set of channels.
type Manager struct {
	channels []Channel
	pool     *concurrency.WorkerPool
	logger   core.Logger
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewManager creates an alert manager with its own dispatch pool.
func NewManager(logger core.Logger) *Manager {
	return &Manager{
		logger:  logger.WithField("component", "alert_manager"),
		timeout: 10 * time.Second,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alerts",
			MaxWorkers:  4,
			MaxCapacity: 256,
			NonBlocking: true,
		}, logger),
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Send dispatches the event to every channel without waiting for delivery.
func (m *Manager) Send(event core.AlertEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.logger.Info("Alert raised",
		"severity", event.Severity,
		"code", event.Code,
		"message", event.Message)

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		c := ch
		if err := m.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()

			if err := c.Send(ctx, event); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}); err != nil {
			// Pool full. The alert is logged above; dropping is preferable to
			// stalling order flow.
			m.logger.Warn("Alert dispatch queue full, dropping", "channel", c.Name(), "code", event.Code)
		}
	}
}

// Close drains the dispatch pool.
func (m *Manager) Close() {
	m.pool.StopAndWait()
}

var _ core.AlertSink = (*Manager)(nil)
