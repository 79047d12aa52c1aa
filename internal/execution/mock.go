package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
)

// MockExecution is a safe implementation that only logs orders and keeps
// them in memory. Nothing reaches the exchange.
type MockExecution struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	next   int

	// SubmitErr and CancelErr, when set, are returned by every call.
	SubmitErr error
	CancelErr error
	// Cancelled counts CancelAll calls.
	Cancelled int
}

func NewMockExecution() *MockExecution {
	return &MockExecution{orders: make(map[string]domain.Order)}
}

func (m *MockExecution) SubmitOrder(ctx context.Context, order domain.Order) (string, error) {
	slog.Info("MOCK EXECUTION: Submit Order",
		slog.String("cl_ord_id", order.ClientOrderID),
		slog.String("pair", order.Pair),
		slog.String("side", string(order.Side)),
		slog.String("price", order.Price.String()),
		slog.String("volume", order.Volume.String()),
	)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}
	m.next++
	order.ExchangeOrderID = fmt.Sprintf("MOCK-%06d", m.next)
	order.Status = domain.StatusNew
	m.orders[order.ClientOrderID] = order
	return order.ExchangeOrderID, nil
}

func (m *MockExecution) CancelOrder(ctx context.Context, clientOrderID string) error {
	slog.Info("MOCK EXECUTION: Cancel Order", slog.String("cl_ord_id", clientOrderID))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	if _, ok := m.orders[clientOrderID]; !ok {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	delete(m.orders, clientOrderID)
	return nil
}

func (m *MockExecution) CancelAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled++
	if m.CancelErr != nil {
		return 0, m.CancelErr
	}
	n := len(m.orders)
	m.orders = make(map[string]domain.Order)
	slog.Info("MOCK EXECUTION: Cancel All", slog.Int("count", n))
	return n, nil
}

func (m *MockExecution) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out, nil
}
