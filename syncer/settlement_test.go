package syncer

import (
	"context"
	"testing"
	"time"

	"captrade/broker"
	"captrade/models"
	"captrade/storage"
)

// seedFollowerTrade links an open follower trade to the capper trade via a
// follow action, as the replicator or a manual follow would have left it.
func seedFollowerTrade(store *storage.MockStore, followerID, originalTradeID string, contracts int, fillPrice float64) string {
	tradeID := "ftrade-" + followerID
	now := time.Now().UTC()
	store.Trades[tradeID] = models.Trade{
		ID:                     tradeID,
		OwnerID:                followerID,
		Ticker:                 "SPY",
		Strike:                 450,
		Expiry:                 now.Add(7 * 24 * time.Hour),
		OptionType:             models.OptionCall,
		Side:                   models.SideBuy,
		Contracts:              contracts,
		FillPrice:              fillPrice,
		Status:                 models.TradeOpen,
		RemainingOpenContracts: contracts,
		BuyNotional:            float64(contracts) * fillPrice * models.OptionContractMultiplier,
		BrokerConnectionID:     "conn-" + followerID,
		CreatedAt:              now,
	}
	// Opening BUY fill, as trade insertion writes it
	store.Fills[tradeID] = append(store.Fills[tradeID], models.TradeFill{
		ID:        tradeID + ":open",
		TradeID:   tradeID,
		Side:      models.SideBuy,
		Contracts: contracts,
		Price:     fillPrice,
		Notional:  float64(contracts) * fillPrice * models.OptionContractMultiplier,
		CreatedAt: now,
	})
	store.Actions[followerID+":"+originalTradeID] = models.FollowedTradeAction{
		ID:              "action-" + followerID,
		FollowerID:      followerID,
		OriginalTradeID: originalTradeID,
		Action:          models.ActionFollow,
		FollowedTradeID: tradeID,
		CreatedAt:       now,
	}
	return tradeID
}

func TestSettleCapperFillPartialThenClose(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	original := capperTradeFixture()
	tradeID := seedFollowerTrade(store, "follower-1", original.ID, 5, 2.00)

	s := NewSettler(store, client, nil, testSyncConfig())

	// Capper sells 3 of 5 at 2.50
	if count := s.SettleCapperFill(context.Background(), original, 3, 2.50); count != 1 {
		t.Fatalf("expected 1 follower settled, got %d", count)
	}
	ft := store.Trades[tradeID]
	if ft.Status != models.TradeOpen {
		t.Fatalf("expected trade still open after partial fill, got %s", ft.Status)
	}
	if ft.RemainingOpenContracts != 2 {
		t.Errorf("expected 2 contracts remaining, got %d", ft.RemainingOpenContracts)
	}

	// Capper sells the remaining 2 at 1.80
	if count := s.SettleCapperFill(context.Background(), original, 2, 1.80); count != 1 {
		t.Fatalf("expected 1 follower settled on close, got %d", count)
	}
	ft = store.Trades[tradeID]
	if ft.Status != models.TradeClosed {
		t.Fatalf("expected trade closed, got %s", ft.Status)
	}
	if ft.RemainingOpenContracts != 0 {
		t.Errorf("expected 0 contracts remaining, got %d", ft.RemainingOpenContracts)
	}

	// Mock broker fills at the requested limit (the capper's price):
	// sells 3*2.50*100 + 2*1.80*100 = 1110, buys 5*2.00*100 = 1000
	if !floatEquals(ft.SellNotional, 1110) {
		t.Errorf("expected sell notional 1110, got %.2f", ft.SellNotional)
	}
	if !floatEquals(ft.NetPnl, 110) {
		t.Errorf("expected net pnl 110, got %.2f", ft.NetPnl)
	}
	if ft.Outcome != models.OutcomeWin {
		t.Errorf("expected WIN outcome, got %s", ft.Outcome)
	}
	if ft.ClosedAt == nil {
		t.Error("expected ClosedAt set on close")
	}
}

func TestSettleCapperFillCapsAtRemaining(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	original := capperTradeFixture()
	tradeID := seedFollowerTrade(store, "follower-1", original.ID, 2, 2.00)

	s := NewSettler(store, client, nil, testSyncConfig())

	// Capper sells 5 but the follower only holds 2
	if count := s.SettleCapperFill(context.Background(), original, 5, 2.20); count != 1 {
		t.Fatalf("expected 1 follower settled, got %d", count)
	}
	ft := store.Trades[tradeID]
	if ft.Status != models.TradeClosed {
		t.Fatalf("expected trade closed, got %s", ft.Status)
	}
	if ft.RemainingOpenContracts != 0 {
		t.Errorf("expected 0 contracts remaining, got %d", ft.RemainingOpenContracts)
	}
}

func TestSettleCapperFillSellOrderSizedToRemaining(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	original := capperTradeFixture()
	seedFollowerTrade(store, "follower-1", original.ID, 2, 2.00)

	s := NewSettler(store, client, nil, testSyncConfig())
	s.SettleCapperFill(context.Background(), original, 5, 2.20)

	if len(client.PlacedOrder) != 1 {
		t.Fatalf("expected exactly 1 sell order, got %d", len(client.PlacedOrder))
	}
	req := client.PlacedOrder[0]
	if req.Side != models.SideSell {
		t.Errorf("expected SELL order, got %s", req.Side)
	}
	if req.Contracts != 2 {
		t.Errorf("expected sell sized to remaining 2 contracts, got %d", req.Contracts)
	}
	if !floatEquals(req.LimitPrice, 2.20) {
		t.Errorf("expected limit at the capper's fill price, got %.2f", req.LimitPrice)
	}
}

func TestSettleCapperFillSkipsClosedTrades(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	original := capperTradeFixture()
	tradeID := seedFollowerTrade(store, "follower-1", original.ID, 5, 2.00)
	ft := store.Trades[tradeID]
	ft.Status = models.TradeClosed
	ft.RemainingOpenContracts = 0
	store.Trades[tradeID] = ft

	s := NewSettler(store, client, nil, testSyncConfig())
	if count := s.SettleCapperFill(context.Background(), original, 5, 2.20); count != 0 {
		t.Fatalf("expected closed trades to be skipped, got %d", count)
	}
	if client.PlaceCalls != 0 {
		t.Errorf("no sell order for closed trades, got %d calls", client.PlaceCalls)
	}
}

func TestSettleCapperFillUnconfirmedSellWritesNothing(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	original := capperTradeFixture()
	tradeID := seedFollowerTrade(store, "follower-1", original.ID, 5, 2.00)

	client.DefaultPlace = &broker.OrderResult{Success: true, OrderID: "ord-sell-1"}
	client.PollScripts["ord-sell-1"] = []*broker.OrderDetail{
		{Status: "pending"},
		{Status: "rejected"},
	}

	s := NewSettler(store, client, nil, testSyncConfig())
	if count := s.SettleCapperFill(context.Background(), original, 3, 2.50); count != 0 {
		t.Fatalf("expected 0 settled when the sell never fills, got %d", count)
	}

	ft := store.Trades[tradeID]
	if ft.RemainingOpenContracts != 5 {
		t.Errorf("remaining contracts must be untouched, got %d", ft.RemainingOpenContracts)
	}
	if len(store.Fills[tradeID]) != 1 {
		t.Errorf("expected only the opening fill, got %d fills", len(store.Fills[tradeID]))
	}
}

func TestSettleCapperFillUsesFollowersOwnPrice(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	original := capperTradeFixture()
	tradeID := seedFollowerTrade(store, "follower-1", original.ID, 5, 2.00)

	// Follower's sell executes below the capper's 2.50 exit
	client.DefaultPlace = &broker.OrderResult{
		Success:        true,
		OrderID:        "ord-sell-2",
		ExecutionPrice: 2.40,
		Status:         "filled",
	}

	s := NewSettler(store, client, nil, testSyncConfig())
	if count := s.SettleCapperFill(context.Background(), original, 5, 2.50); count != 1 {
		t.Fatalf("expected 1 settled, got %d", count)
	}

	ft := store.Trades[tradeID]
	// 5 * 2.40 * 100 = 1200, not the capper's 1250
	if !floatEquals(ft.SellNotional, 1200) {
		t.Errorf("settlement must book the follower's own price: expected 1200, got %.2f", ft.SellNotional)
	}
	if !floatEquals(ft.NetPnl, 200) {
		t.Errorf("expected net pnl 200, got %.2f", ft.NetPnl)
	}
}

func TestSettleCapperFillFanOut(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	original := capperTradeFixture()

	followers := []string{"follower-1", "follower-2", "follower-3"}
	for _, f := range followers {
		seedFollower(store, f, "capper-1", true)
		seedFollowerTrade(store, f, original.ID, 5, 2.00)
	}

	s := NewSettler(store, client, nil, testSyncConfig())
	if count := s.SettleCapperFill(context.Background(), original, 5, 2.50); count != 3 {
		t.Fatalf("expected all 3 followers settled, got %d", count)
	}
	for _, f := range followers {
		ft := store.Trades["ftrade-"+f]
		if ft.Status != models.TradeClosed {
			t.Errorf("expected %s closed, got %s", f, ft.Status)
		}
	}
}

func TestSettleCapperFillIgnoresZeroContracts(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()

	s := NewSettler(store, client, nil, testSyncConfig())
	if count := s.SettleCapperFill(context.Background(), capperTradeFixture(), 0, 2.50); count != 0 {
		t.Fatalf("expected zero-contract fill ignored, got %d", count)
	}
	if store.Calls["ListFollowActionsByOriginalTrade"] != 0 {
		t.Error("zero-contract fill should not hit storage")
	}
}
