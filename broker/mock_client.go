package broker

import (
	"context"
	"fmt"
	"sync"

	"captrade/models"
)

// MockClient is a scriptable broker for tests. Placement results are consumed
// in FIFO order; poll responses are scripted per order id.
type MockClient struct {
	mu sync.Mutex

	// PlaceResults are returned in order; once exhausted, DefaultPlace is used.
	PlaceResults []*OrderResult
	PlaceErr     error
	DefaultPlace *OrderResult

	// PollScripts maps order id to a sequence of responses; each poll consumes
	// one entry. PollErrs injects transport errors before the script runs.
	PollScripts map[string][]*OrderDetail
	PollErrs    map[string]int

	PlaceCalls  int
	PollCalls   int
	PlacedOrder []OrderRequest
}

// NewMockClient creates a mock broker that fills everything instantly at the
// requested limit price (or 1.00 for market orders) unless scripted otherwise.
func NewMockClient() *MockClient {
	return &MockClient{
		PollScripts: make(map[string][]*OrderDetail),
		PollErrs:    make(map[string]int),
	}
}

func (m *MockClient) PlaceOptionOrder(ctx context.Context, conn models.BrokerConnection, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PlaceCalls++
	m.PlacedOrder = append(m.PlacedOrder, req)

	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	if len(m.PlaceResults) > 0 {
		result := m.PlaceResults[0]
		m.PlaceResults = m.PlaceResults[1:]
		return result, nil
	}
	if m.DefaultPlace != nil {
		return m.DefaultPlace, nil
	}

	price := req.LimitPrice
	if price <= 0 {
		price = 1.00
	}
	return &OrderResult{
		Success:        true,
		OrderID:        fmt.Sprintf("mock-order-%d", m.PlaceCalls),
		ExecutionPrice: price,
		Status:         "filled",
	}, nil
}

func (m *MockClient) PollOrderDetail(ctx context.Context, conn models.BrokerConnection, orderID string) (*OrderDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PollCalls++

	if n := m.PollErrs[orderID]; n > 0 {
		m.PollErrs[orderID] = n - 1
		return nil, fmt.Errorf("mock: transient poll error for %s", orderID)
	}

	script := m.PollScripts[orderID]
	if len(script) == 0 {
		return &OrderDetail{Status: "pending"}, nil
	}
	detail := script[0]
	if len(script) > 1 {
		m.PollScripts[orderID] = script[1:]
	}
	return detail, nil
}

var _ Client = (*MockClient)(nil)
