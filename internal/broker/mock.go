package broker

import (
	"context"
	"fmt"
	"sync"

	"optionsbot/internal/core"
	apperrors "optionsbot/pkg/errors"
)

// Mock is a scriptable BrokerAdapter for engine tests. Every method defaults
// to a minimal in-memory success path and can be overridden per test through
// the function hooks.
type Mock struct {
	SubmitFn            func(ctx context.Context, order *core.Order) (core.Ack, error)
	CancelFn            func(ctx context.Context, brokerOrderID string) error
	QueryStatusFn       func(ctx context.Context, brokerOrderID string) (*core.OrderUpdate, error)
	QueryByCorrFn       func(ctx context.Context, correlationID string) (*core.OrderUpdate, error)
	GetAccountFn        func(ctx context.Context) (*core.AccountState, error)

	mu          sync.Mutex
	submitCalls int
	cancelCalls int
	nextID      int
	known       map[string]string // correlation id -> broker order id
	updateFn    func(*core.OrderUpdate)
}

func NewMock() *Mock {
	return &Mock{known: make(map[string]string)}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Submit(ctx context.Context, order *core.Order) (core.Ack, error) {
	m.mu.Lock()
	m.submitCalls++
	fn := m.SubmitFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, order)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.known[order.CorrelationID]; ok {
		return core.Ack{BrokerOrderID: id}, nil
	}
	m.nextID++
	id := fmt.Sprintf("MOCK-%d", m.nextID)
	m.known[order.CorrelationID] = id
	return core.Ack{BrokerOrderID: id}, nil
}

func (m *Mock) Cancel(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	m.cancelCalls++
	fn := m.CancelFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, brokerOrderID)
	}
	return nil
}

func (m *Mock) QueryStatus(ctx context.Context, brokerOrderID string) (*core.OrderUpdate, error) {
	if m.QueryStatusFn != nil {
		return m.QueryStatusFn(ctx, brokerOrderID)
	}
	return nil, apperrors.ErrOrderNotFound
}

func (m *Mock) QueryByCorrelation(ctx context.Context, correlationID string) (*core.OrderUpdate, error) {
	if m.QueryByCorrFn != nil {
		return m.QueryByCorrFn(ctx, correlationID)
	}
	return nil, apperrors.ErrOrderNotFound
}

func (m *Mock) StreamUpdates(_ context.Context, fn func(*core.OrderUpdate)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateFn = fn
	return nil
}

func (m *Mock) GetAccount(ctx context.Context) (*core.AccountState, error) {
	if m.GetAccountFn != nil {
		return m.GetAccountFn(ctx)
	}
	return &core.AccountState{}, nil
}

// Emit pushes an update through the registered stream callback.
func (m *Mock) Emit(update *core.OrderUpdate) {
	m.mu.Lock()
	fn := m.updateFn
	m.mu.Unlock()
	if fn != nil {
		fn(update)
	}
}

// SubmitCalls reports how many times Submit was invoked.
func (m *Mock) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// CancelCalls reports how many times Cancel was invoked.
func (m *Mock) CancelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}
