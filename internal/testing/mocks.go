package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

// MockBroker is a scriptable domain.BrokerClient for tests. Place and
// cancel calls succeed unless an error is queued; execution reports are
// pushed through Push and delivered to the Stream channel.
type MockBroker struct {
	mu sync.Mutex

	PlaceErrs  []error // consumed one per PlaceOrder call
	CancelErrs []error // consumed one per CancelOrder call

	Placed    []domain.BrokerOrderRequest
	Cancelled []string

	openOrders []domain.BrokerOpenOrder
	positions  []domain.BrokerPosition
	prices     map[domain.Symbol]domain.Money

	nextID  int
	reports chan domain.ExecutionReport
}

// NewMockBroker creates a mock broker with a buffered report stream.
func NewMockBroker() *MockBroker {
	return &MockBroker{reports: make(chan domain.ExecutionReport, 64)}
}

func (m *MockBroker) Name() string { return "mock" }

func (m *MockBroker) PlaceOrder(_ context.Context, req domain.BrokerOrderRequest) (domain.BrokerOrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.PlaceErrs) > 0 {
		err := m.PlaceErrs[0]
		m.PlaceErrs = m.PlaceErrs[1:]
		if err != nil {
			return domain.BrokerOrderAck{}, err
		}
	}

	m.nextID++
	m.Placed = append(m.Placed, req)
	return domain.BrokerOrderAck{BrokerOrderID: fmt.Sprintf("mock-%d", m.nextID), Status: "NEW"}, nil
}

func (m *MockBroker) CancelOrder(_ context.Context, brokerOrderID string, _ domain.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.CancelErrs) > 0 {
		err := m.CancelErrs[0]
		m.CancelErrs = m.CancelErrs[1:]
		if err != nil {
			return err
		}
	}
	m.Cancelled = append(m.Cancelled, brokerOrderID)
	return nil
}

func (m *MockBroker) OrderStatus(_ context.Context, brokerOrderID string, _ domain.Symbol) (domain.BrokerOpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.openOrders {
		if o.BrokerOrderID == brokerOrderID {
			return o, nil
		}
	}
	return domain.BrokerOpenOrder{}, domain.ErrUnknownBrokerOrder
}

func (m *MockBroker) OpenOrders(_ context.Context) ([]domain.BrokerOpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BrokerOpenOrder(nil), m.openOrders...), nil
}

func (m *MockBroker) Positions(_ context.Context) ([]domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BrokerPosition(nil), m.positions...), nil
}

func (m *MockBroker) TickerPrice(_ context.Context, symbol domain.Symbol) (domain.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if price, ok := m.prices[symbol]; ok {
		return price, nil
	}
	return domain.Money{}, fmt.Errorf("no price for %s", symbol)
}

// SetPrice scripts the ticker price for a symbol.
func (m *MockBroker) SetPrice(symbol domain.Symbol, price domain.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = make(map[domain.Symbol]domain.Money)
	}
	m.prices[symbol] = price
}

func (m *MockBroker) Stream(ctx context.Context) (<-chan domain.ExecutionReport, error) {
	out := make(chan domain.ExecutionReport)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case report, ok := <-m.reports:
				if !ok {
					return
				}
				select {
				case out <- report:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Push queues an execution report for delivery on the stream.
func (m *MockBroker) Push(report domain.ExecutionReport) {
	m.reports <- report
}

// SetOpenOrders replaces the broker's authoritative open-orders list.
func (m *MockBroker) SetOpenOrders(orders []domain.BrokerOpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders = orders
}

// SetPositions replaces the broker's authoritative positions list.
func (m *MockBroker) SetPositions(positions []domain.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}
