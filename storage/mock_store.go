package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"captrade/models"
)

// MockStore is an in-memory implementation of DataStore for testing. It
// enforces the same uniqueness branches as PostgresStore so race and
// idempotency paths exercise identical control flow.
type MockStore struct {
	mu sync.Mutex

	Purchases map[string]models.FollowPurchase // by purchase id
	Trades    map[string]models.Trade          // by trade id
	Fills     map[string][]models.TradeFill    // by trade id
	Actions   map[string]models.FollowedTradeAction
	Accounts  map[string]models.FollowerAccount
	Conns     map[string]models.BrokerConnection
	Plans     map[string]models.FollowPlan

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error

	// Invalidation tracking: follower ids whose cached follows were dropped
	Invalidated []string
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Purchases:   make(map[string]models.FollowPurchase),
		Trades:      make(map[string]models.Trade),
		Fills:       make(map[string][]models.TradeFill),
		Actions:     make(map[string]models.FollowedTradeAction),
		Accounts:    make(map[string]models.FollowerAccount),
		Conns:       make(map[string]models.BrokerConnection),
		Plans:       make(map[string]models.FollowPlan),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func actionKey(followerID, originalTradeID string) string {
	return followerID + ":" + originalTradeID
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackCall("Close")
}

func (m *MockStore) CreateFollowPurchase(ctx context.Context, p models.FollowPurchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CreateFollowPurchase"); err != nil {
		return err
	}

	for _, existing := range m.Purchases {
		if existing.PaymentID == p.PaymentID {
			return ErrDuplicatePayment
		}
	}
	for _, existing := range m.Purchases {
		if existing.FollowerID == p.FollowerID && existing.CapperID == p.CapperID &&
			existing.Status == models.PurchaseActive && p.Status == models.PurchaseActive {
			return ErrActiveFollowExists
		}
	}

	m.Purchases[p.ID] = p
	m.Invalidated = append(m.Invalidated, p.FollowerID)
	return nil
}

func (m *MockStore) GetFollowPurchase(ctx context.Context, id string) (*models.FollowPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetFollowPurchase"); err != nil {
		return nil, err
	}
	if p, ok := m.Purchases[id]; ok {
		return &p, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetFollowPurchaseByPayment(ctx context.Context, paymentID string) (*models.FollowPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetFollowPurchaseByPayment"); err != nil {
		return nil, err
	}
	for _, p := range m.Purchases {
		if p.PaymentID == paymentID {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListFollowPurchases(ctx context.Context, followerID string, statuses []models.PurchaseStatus) ([]models.FollowPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListFollowPurchases"); err != nil {
		return nil, err
	}

	allowed := make(map[models.PurchaseStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}

	var out []models.FollowPurchase
	for _, p := range m.Purchases {
		if p.FollowerID == followerID && allowed[p.Status] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) ListActiveFollows(ctx context.Context, followerID string) ([]models.FollowPurchase, error) {
	m.mu.Lock()
	if err := m.trackCall("ListActiveFollows"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()
	return m.ListFollowPurchases(ctx, followerID, []models.PurchaseStatus{models.PurchaseActive})
}

func (m *MockStore) ListActivePurchasesByCapper(ctx context.Context, capperID string) ([]models.FollowPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListActivePurchasesByCapper"); err != nil {
		return nil, err
	}

	var out []models.FollowPurchase
	for _, p := range m.Purchases {
		if p.CapperID == capperID && p.Status == models.PurchaseActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) ConsumePlay(ctx context.Context, purchaseID string) (*models.FollowPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ConsumePlay"); err != nil {
		return nil, err
	}

	p, ok := m.Purchases[purchaseID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != models.PurchaseActive || p.PlaysConsumed >= p.PlaysPurchased {
		return nil, ErrNoPlaysRemaining
	}

	p.PlaysConsumed++
	p.UpdatedAt = time.Now().UTC()
	if p.PlaysConsumed >= p.PlaysPurchased {
		p.Status = models.PurchaseCompleted
	}
	m.Purchases[purchaseID] = p
	m.Invalidated = append(m.Invalidated, p.FollowerID)
	return &p, nil
}

func (m *MockStore) MarkRefunded(ctx context.Context, paymentID string) (*models.FollowPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("MarkRefunded"); err != nil {
		return nil, err
	}

	for id, p := range m.Purchases {
		if p.PaymentID == paymentID {
			if p.Status != models.PurchaseRefunded {
				p.Status = models.PurchaseRefunded
				p.UpdatedAt = time.Now().UTC()
				m.Purchases[id] = p
				m.Invalidated = append(m.Invalidated, p.FollowerID)
			}
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) CreateTrade(ctx context.Context, t models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CreateTrade"); err != nil {
		return err
	}
	return m.insertTradeLocked(t)
}

func (m *MockStore) insertTradeLocked(t models.Trade) error {
	if _, exists := m.Trades[t.ID]; exists {
		return fmt.Errorf("mock: trade %s already exists", t.ID)
	}
	m.Trades[t.ID] = t
	m.Fills[t.ID] = append(m.Fills[t.ID], models.TradeFill{
		ID:        t.ID + ":open",
		TradeID:   t.ID,
		Side:      models.SideBuy,
		Contracts: t.Contracts,
		Price:     t.FillPrice,
		Notional:  t.BuyNotional,
		CreatedAt: t.CreatedAt,
	})
	return nil
}

func (m *MockStore) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetTrade"); err != nil {
		return nil, err
	}
	if t, ok := m.Trades[id]; ok {
		return &t, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListTradesByOwner(ctx context.Context, ownerID string, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListTradesByOwner"); err != nil {
		return nil, err
	}

	var out []models.Trade
	for _, t := range m.Trades {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) ApplySellFill(ctx context.Context, tradeID string, contracts int, price float64) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ApplySellFill"); err != nil {
		return nil, err
	}

	t, ok := m.Trades[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TradeOpen {
		return nil, ErrTradeNotOpen
	}
	if contracts > t.RemainingOpenContracts {
		contracts = t.RemainingOpenContracts
	}
	if contracts <= 0 {
		return nil, ErrTradeNotOpen
	}

	notional := float64(contracts) * price * models.OptionContractMultiplier
	m.Fills[tradeID] = append(m.Fills[tradeID], models.TradeFill{
		ID:        fmt.Sprintf("%s:sell:%d", tradeID, len(m.Fills[tradeID])),
		TradeID:   tradeID,
		Side:      models.SideSell,
		Contracts: contracts,
		Price:     price,
		Notional:  notional,
		CreatedAt: time.Now().UTC(),
	})

	var sellNotional float64
	for _, f := range m.Fills[tradeID] {
		if f.Side == models.SideSell {
			sellNotional += f.Notional
		}
	}

	t.SellNotional = sellNotional
	t.NetPnl = sellNotional - t.BuyNotional
	t.RemainingOpenContracts -= contracts
	if t.RemainingOpenContracts <= 0 {
		t.RemainingOpenContracts = 0
		t.Status = models.TradeClosed
		t.Outcome = models.OutcomeFromPnl(t.NetPnl)
		now := time.Now().UTC()
		t.ClosedAt = &now
	}
	m.Trades[tradeID] = t
	return &t, nil
}

func (m *MockStore) ListFillsByTrade(ctx context.Context, tradeID string) ([]models.TradeFill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListFillsByTrade"); err != nil {
		return nil, err
	}
	return append([]models.TradeFill(nil), m.Fills[tradeID]...), nil
}

func (m *MockStore) CreateFollowedTradeAction(ctx context.Context, a models.FollowedTradeAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CreateFollowedTradeAction"); err != nil {
		return err
	}

	key := actionKey(a.FollowerID, a.OriginalTradeID)
	if _, exists := m.Actions[key]; exists {
		return ErrDuplicateAction
	}
	m.Actions[key] = a
	return nil
}

func (m *MockStore) CreateFollowerTradeAndAction(ctx context.Context, t models.Trade, a models.FollowedTradeAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CreateFollowerTradeAndAction"); err != nil {
		return err
	}

	// Action uniqueness checked first: on a duplicate nothing is written,
	// mirroring the transactional rollback in PostgresStore
	key := actionKey(a.FollowerID, a.OriginalTradeID)
	if _, exists := m.Actions[key]; exists {
		return ErrDuplicateAction
	}
	if err := m.insertTradeLocked(t); err != nil {
		return err
	}
	m.Actions[key] = a
	return nil
}

func (m *MockStore) GetFollowedTradeAction(ctx context.Context, followerID, originalTradeID string) (*models.FollowedTradeAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetFollowedTradeAction"); err != nil {
		return nil, err
	}
	if a, ok := m.Actions[actionKey(followerID, originalTradeID)]; ok {
		return &a, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListActionsForTrades(ctx context.Context, followerID string, tradeIDs []string) (map[string]models.FollowedTradeAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListActionsForTrades"); err != nil {
		return nil, err
	}

	out := make(map[string]models.FollowedTradeAction, len(tradeIDs))
	for _, id := range tradeIDs {
		if a, ok := m.Actions[actionKey(followerID, id)]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (m *MockStore) ListFollowActionsByOriginalTrade(ctx context.Context, originalTradeID string) ([]models.FollowedTradeAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListFollowActionsByOriginalTrade"); err != nil {
		return nil, err
	}

	var out []models.FollowedTradeAction
	for _, a := range m.Actions {
		if a.OriginalTradeID == originalTradeID && a.Action == models.ActionFollow {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FollowerID < out[j].FollowerID })
	return out, nil
}

func (m *MockStore) GetFollowerAccount(ctx context.Context, userID string) (*models.FollowerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetFollowerAccount"); err != nil {
		return nil, err
	}
	if a, ok := m.Accounts[userID]; ok {
		return &a, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetBrokerConnection"); err != nil {
		return nil, err
	}
	if c, ok := m.Conns[id]; ok {
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListActiveBrokerConnections(ctx context.Context, userID string) ([]models.BrokerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListActiveBrokerConnections"); err != nil {
		return nil, err
	}

	var out []models.BrokerConnection
	for _, c := range m.Conns {
		if c.UserID == userID && c.IsActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) GetFollowPlan(ctx context.Context, planID string) (*models.FollowPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetFollowPlan"); err != nil {
		return nil, err
	}
	if p, ok := m.Plans[planID]; ok {
		return &p, nil
	}
	return nil, ErrNotFound
}
