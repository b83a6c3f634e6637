package syncer

import (
	"context"
	"testing"
	"time"

	"captrade/broker"
	"captrade/models"
	"captrade/storage"
)

func floatEquals(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func testSyncConfig() Config {
	return Config{
		MaxConcurrent: 4,
		Confirm:       fastConfirm(),
	}
}

func capperTradeFixture() models.Trade {
	return models.Trade{
		ID:                     "capper-trade-1",
		OwnerID:                "capper-1",
		Ticker:                 "SPY",
		Strike:                 450,
		Expiry:                 time.Now().UTC().Add(7 * 24 * time.Hour),
		OptionType:             models.OptionCall,
		Side:                   models.SideBuy,
		Contracts:              5,
		FillPrice:              2.00,
		Status:                 models.TradeOpen,
		RemainingOpenContracts: 5,
		BuyNotional:            5 * 2.00 * models.OptionContractMultiplier,
		CreatedAt:              time.Now().UTC(),
	}
}

// seedFollower wires a purchase, account and usable connection for one follower.
func seedFollower(store *storage.MockStore, followerID, capperID string, autoReplicate bool) {
	store.Purchases["purchase-"+followerID] = models.FollowPurchase{
		ID:             "purchase-" + followerID,
		FollowerID:     followerID,
		CapperID:       capperID,
		PlaysPurchased: 10,
		PlaysConsumed:  1,
		Status:         models.PurchaseActive,
		PaymentID:      "pay-" + followerID,
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
		UpdatedAt:      time.Now().UTC(),
	}
	store.Accounts[followerID] = models.FollowerAccount{
		UserID:                    followerID,
		AutoReplicate:             autoReplicate,
		DefaultBrokerConnectionID: "conn-" + followerID,
	}
	store.Conns["conn-"+followerID] = models.BrokerConnection{
		ID:              "conn-" + followerID,
		UserID:          followerID,
		Broker:          "mockbroker",
		AccountID:       "acct-" + followerID,
		AuthorizationID: "auth-" + followerID,
		IsActive:        true,
		CreatedAt:       time.Now().UTC().Add(-24 * time.Hour),
	}
}

// activePurchases snapshots the capper's active purchases the way the trade
// creation flow does before consuming plays.
func activePurchases(store *storage.MockStore, capperID string) []models.FollowPurchase {
	var out []models.FollowPurchase
	for _, p := range store.Purchases {
		if p.CapperID == capperID && p.Status == models.PurchaseActive {
			out = append(out, p)
		}
	}
	return out
}

func followerTradeFor(store *storage.MockStore, followerID, originalTradeID string) *models.Trade {
	a, ok := store.Actions[followerID+":"+originalTradeID]
	if !ok || a.FollowedTradeID == "" {
		return nil
	}
	t, ok := store.Trades[a.FollowedTradeID]
	if !ok {
		return nil
	}
	return &t
}

func TestReplicateTradeSuccess(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	client.DefaultPlace = &broker.OrderResult{
		Success:        true,
		OrderID:        "ord-f1",
		ExecutionPrice: 2.10, // follower fills a hair worse than the capper
		Status:         "filled",
	}

	r := NewReplicator(store, client, nil, testSyncConfig())
	original := capperTradeFixture()

	count := r.ReplicateTrade(context.Background(), original, activePurchases(store, "capper-1"))
	if count != 1 {
		t.Fatalf("expected 1 replication, got %d", count)
	}

	ft := followerTradeFor(store, "follower-1", original.ID)
	if ft == nil {
		t.Fatal("expected follower trade linked via action")
	}
	if ft.OwnerID != "follower-1" {
		t.Errorf("expected follower ownership, got %s", ft.OwnerID)
	}
	if !floatEquals(ft.FillPrice, 2.10) {
		t.Errorf("expected follower's confirmed price 2.10, got %.2f", ft.FillPrice)
	}
	if ft.Contracts != original.Contracts {
		t.Errorf("expected mirrored contracts %d, got %d", original.Contracts, ft.Contracts)
	}
	if !floatEquals(ft.BuyNotional, 5*2.10*models.OptionContractMultiplier) {
		t.Errorf("buy notional should use the follower's price, got %.2f", ft.BuyNotional)
	}
	if ft.BrokerOrderID != "ord-f1" {
		t.Errorf("expected broker order id on the trade, got %q", ft.BrokerOrderID)
	}

	action := store.Actions["follower-1:"+original.ID]
	if action.Action != models.ActionFollow {
		t.Errorf("expected follow action, got %s", action.Action)
	}
}

func TestReplicateTradeBrokerErrorWritesNothing(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)
	client.PlaceErr = context.DeadlineExceeded

	r := NewReplicator(store, client, nil, testSyncConfig())
	count := r.ReplicateTrade(context.Background(), capperTradeFixture(), activePurchases(store, "capper-1"))
	if count != 0 {
		t.Fatalf("expected 0 replications on broker error, got %d", count)
	}
	if len(store.Trades) != 0 {
		t.Errorf("no trade row may exist without a confirmed execution, found %d", len(store.Trades))
	}
	if len(store.Actions) != 0 {
		t.Errorf("no action row may exist without a confirmed execution, found %d", len(store.Actions))
	}
}

func TestReplicateTradeRejectedOrderWritesNothing(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)
	client.DefaultPlace = &broker.OrderResult{
		Success:  false,
		ErrorMsg: "insufficient buying power",
	}

	r := NewReplicator(store, client, nil, testSyncConfig())
	if count := r.ReplicateTrade(context.Background(), capperTradeFixture(), activePurchases(store, "capper-1")); count != 0 {
		t.Fatalf("expected 0 replications for rejected order, got %d", count)
	}
	if len(store.Trades) != 0 || len(store.Actions) != 0 {
		t.Error("rejected order must leave no rows behind")
	}
}

func TestReplicateTradeUnfilledOrderWritesNothing(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)
	client.DefaultPlace = &broker.OrderResult{
		Success: true,
		OrderID: "ord-never-fills",
	}
	client.PollScripts["ord-never-fills"] = []*broker.OrderDetail{
		{Status: "pending"},
		{Status: "canceled"},
	}

	r := NewReplicator(store, client, nil, testSyncConfig())
	if count := r.ReplicateTrade(context.Background(), capperTradeFixture(), activePurchases(store, "capper-1")); count != 0 {
		t.Fatalf("expected 0 replications for unfilled order, got %d", count)
	}
	if len(store.Trades) != 0 || len(store.Actions) != 0 {
		t.Error("unfilled order must leave no rows behind")
	}
}

func TestReplicateTradeSkipsExistingAction(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	original := capperTradeFixture()
	store.Actions["follower-1:"+original.ID] = models.FollowedTradeAction{
		ID:              "existing",
		FollowerID:      "follower-1",
		OriginalTradeID: original.ID,
		Action:          models.ActionFade,
		CreatedAt:       time.Now().UTC(),
	}

	r := NewReplicator(store, client, nil, testSyncConfig())
	if count := r.ReplicateTrade(context.Background(), original, activePurchases(store, "capper-1")); count != 0 {
		t.Fatalf("expected existing action to block replication, got %d", count)
	}
	if client.PlaceCalls != 0 {
		t.Errorf("no broker order may be placed when an action exists, got %d calls", client.PlaceCalls)
	}
}

func TestReplicateTradeSkipsWhenAutoReplicationDisabled(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", false)

	r := NewReplicator(store, client, nil, testSyncConfig())
	if count := r.ReplicateTrade(context.Background(), capperTradeFixture(), activePurchases(store, "capper-1")); count != 0 {
		t.Fatalf("expected 0 replications with auto-replication off, got %d", count)
	}
	if client.PlaceCalls != 0 {
		t.Errorf("no broker order may be placed with auto-replication off, got %d calls", client.PlaceCalls)
	}
}

func TestReplicateTradeSkipsWithoutUsableConnection(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	// Connection exists but is missing its authorization
	conn := store.Conns["conn-follower-1"]
	conn.AuthorizationID = ""
	store.Conns["conn-follower-1"] = conn

	r := NewReplicator(store, client, nil, testSyncConfig())
	if count := r.ReplicateTrade(context.Background(), capperTradeFixture(), activePurchases(store, "capper-1")); count != 0 {
		t.Fatalf("expected 0 replications without usable connection, got %d", count)
	}
	if client.PlaceCalls != 0 {
		t.Errorf("no broker order may be placed without a usable connection, got %d calls", client.PlaceCalls)
	}
}

func TestReplicateTradeSkipsNonOption(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	trade := capperTradeFixture()
	trade.OptionType = "SPREAD"

	r := NewReplicator(store, client, nil, testSyncConfig())
	if count := r.ReplicateTrade(context.Background(), trade, activePurchases(store, "capper-1")); count != 0 {
		t.Fatalf("expected multi-leg instruments to be skipped, got %d", count)
	}
	if client.PlaceCalls != 0 {
		t.Errorf("non-option trades must never reach the broker, got %d calls", client.PlaceCalls)
	}
	if store.Calls["GetFollowerAccount"] != 0 {
		t.Error("non-option trades should be rejected before any follower lookup")
	}
}

func TestReplicateTradeHonorsSnapshotOverCurrentStatus(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	// The purchase had exactly one play left when the trade was created
	p := store.Purchases["purchase-follower-1"]
	p.PlaysConsumed = p.PlaysPurchased - 1
	store.Purchases["purchase-follower-1"] = p
	snapshot := activePurchases(store, "capper-1")

	// Play consumption then completed the purchase before the fan-out ran
	p.PlaysConsumed = p.PlaysPurchased
	p.Status = models.PurchaseCompleted
	store.Purchases["purchase-follower-1"] = p

	r := NewReplicator(store, client, nil, testSyncConfig())
	count := r.ReplicateTrade(context.Background(), capperTradeFixture(), snapshot)
	if count != 1 {
		t.Fatalf("the trade that spent the final play must still replicate, got %d", count)
	}
	if ft := followerTradeFor(store, "follower-1", "capper-trade-1"); ft == nil {
		t.Error("expected follower trade for the final-play purchase")
	}
}

func TestReplicateTradeSkipsExhaustedPurchases(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)

	p := store.Purchases["purchase-follower-1"]
	p.PlaysConsumed = p.PlaysPurchased
	store.Purchases["purchase-follower-1"] = p

	r := NewReplicator(store, client, nil, testSyncConfig())
	if count := r.ReplicateTrade(context.Background(), capperTradeFixture(), activePurchases(store, "capper-1")); count != 0 {
		t.Fatalf("expected exhausted purchase to be skipped, got %d", count)
	}
	if client.PlaceCalls != 0 {
		t.Errorf("no broker order for exhausted purchases, got %d calls", client.PlaceCalls)
	}
}

func TestReplicateTradeIsolatesFollowerFailures(t *testing.T) {
	store := storage.NewMockStore()
	client := broker.NewMockClient()
	seedFollower(store, "follower-1", "capper-1", true)
	seedFollower(store, "follower-2", "capper-1", true)
	seedFollower(store, "follower-3", "capper-1", false) // opted out

	r := NewReplicator(store, client, nil, testSyncConfig())
	count := r.ReplicateTrade(context.Background(), capperTradeFixture(), activePurchases(store, "capper-1"))
	if count != 2 {
		t.Fatalf("expected 2 replications with one follower opted out, got %d", count)
	}
	if len(store.Trades) != 2 {
		t.Errorf("expected 2 follower trades, got %d", len(store.Trades))
	}
}
