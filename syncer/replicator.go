package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"captrade/broker"
	"captrade/models"
	"captrade/notify"
	"captrade/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config holds the shared fan-out settings for replication and settlement.
type Config struct {
	MaxConcurrent int
	Confirm       ConfirmConfig
}

func (c Config) limit() int {
	if c.MaxConcurrent <= 0 {
		return 10
	}
	return c.MaxConcurrent
}

// Replicator mirrors a capper's new trades into auto-replication followers'
// brokerage accounts. It is a best-effort side channel: every follower is
// processed independently and no failure here ever reaches the capper's own
// trade-creation flow.
type Replicator struct {
	store    storage.DataStore
	broker   broker.Client
	notifier notify.Notifier
	cfg      Config
}

// NewReplicator creates a new replicator
func NewReplicator(store storage.DataStore, client broker.Client, notifier notify.Notifier, cfg Config) *Replicator {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Replicator{store: store, broker: client, notifier: notifier, cfg: cfg}
}

// ReplicateTrade fans a new capper trade out to every follower in the
// purchase snapshot with bounded concurrency. The snapshot is taken by the
// caller before play consumption: a purchase completed by this very trade is
// still entitled to it, so eligibility is judged on the snapshot's play
// counts, not on current purchase status. Returns how many follower trades
// were persisted.
func (r *Replicator) ReplicateTrade(ctx context.Context, capperTrade models.Trade, purchases []models.FollowPurchase) int {
	if !capperTrade.OptionType.IsSingleLegOption() {
		log.Printf("[Replicator] Skipping trade %s: not a single-leg option (%s)", capperTrade.ID, capperTrade.OptionType)
		return 0
	}

	eligible := make([]models.FollowPurchase, 0, len(purchases))
	for _, p := range purchases {
		if p.PlaysRemaining() > 0 {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return 0
	}

	log.Printf("[Replicator] Replicating trade %s to up to %d followers", capperTrade.ID, len(eligible))

	replicated := make(chan struct{}, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.limit())
	for _, purchase := range eligible {
		purchase := purchase
		g.Go(func() error {
			// One follower's failure must not cancel siblings; errors stop here
			if err := r.replicateForFollower(gctx, capperTrade, purchase); err != nil {
				log.Printf("[Replicator] Follower %s skipped for trade %s: %v", purchase.FollowerID, capperTrade.ID, err)
				return nil
			}
			replicated <- struct{}{}
			return nil
		})
	}
	g.Wait()
	close(replicated)

	count := len(replicated)
	if count > 0 {
		log.Printf("[Replicator] Trade %s replicated to %d followers", capperTrade.ID, count)
	}
	return count
}

func (r *Replicator) replicateForFollower(ctx context.Context, capperTrade models.Trade, purchase models.FollowPurchase) error {
	followerID := purchase.FollowerID

	// Guard against double-processing: the action row is the idempotency key
	if _, err := r.store.GetFollowedTradeAction(ctx, followerID, capperTrade.ID); err == nil {
		return fmt.Errorf("action already recorded")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check existing action: %w", err)
	}

	account, err := r.store.GetFollowerAccount(ctx, followerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no follower account")
		}
		return fmt.Errorf("load follower account: %w", err)
	}
	if !account.AutoReplicate {
		return fmt.Errorf("auto-replication disabled")
	}

	conn, err := resolveConnection(ctx, r.store, followerID, account.DefaultBrokerConnectionID)
	if err != nil {
		return err
	}

	// Mirror the capper's contract count; no independent sizing here
	placed, err := r.broker.PlaceOptionOrder(ctx, *conn, broker.OrderRequest{
		Ticker:     capperTrade.Ticker,
		Strike:     capperTrade.Strike,
		Expiry:     capperTrade.Expiry,
		OptionType: capperTrade.OptionType,
		Side:       models.SideBuy,
		Contracts:  capperTrade.Contracts,
	})
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}
	if !placed.Success {
		return fmt.Errorf("order rejected: %s", placed.ErrorMsg)
	}

	// Nothing is persisted until a confirmed execution price exists. A
	// follower trade must never exist without a confirmed broker fill.
	price, err := ConfirmExecution(ctx, r.broker, *conn, placed, r.cfg.Confirm)
	if err != nil {
		return fmt.Errorf("confirm execution: %w", err)
	}

	now := time.Now().UTC()
	followerTrade := models.Trade{
		ID:                     uuid.NewString(),
		OwnerID:                followerID,
		Ticker:                 capperTrade.Ticker,
		Strike:                 capperTrade.Strike,
		Expiry:                 capperTrade.Expiry,
		OptionType:             capperTrade.OptionType,
		Side:                   models.SideBuy,
		Contracts:              capperTrade.Contracts,
		FillPrice:              price, // follower's confirmed fill, not the capper's price
		Status:                 models.TradeOpen,
		RemainingOpenContracts: capperTrade.Contracts,
		BuyNotional:            float64(capperTrade.Contracts) * price * models.OptionContractMultiplier,
		BrokerOrderID:          placed.OrderID,
		BrokerConnectionID:     conn.ID,
		CreatedAt:              now,
	}
	action := models.FollowedTradeAction{
		ID:              uuid.NewString(),
		FollowerID:      followerID,
		OriginalTradeID: capperTrade.ID,
		Action:          models.ActionFollow,
		FollowedTradeID: followerTrade.ID,
		CreatedAt:       now,
	}

	if err := r.store.CreateFollowerTradeAndAction(ctx, followerTrade, action); err != nil {
		if errors.Is(err, storage.ErrDuplicateAction) {
			// Manual follow won the race; the storage layer rolled us back
			return fmt.Errorf("lost race to manual action")
		}
		return fmt.Errorf("persist follower trade: %w", err)
	}

	r.notifier.Push(notify.Event{
		UserID: followerID,
		Type:   "trade.replicated",
		Payload: map[string]interface{}{
			"trade_id":          followerTrade.ID,
			"original_trade_id": capperTrade.ID,
			"fill_price":        price,
		},
	})
	return nil
}

// resolveConnection picks the follower's configured default broker connection,
// falling back to any active usable one.
func resolveConnection(ctx context.Context, store storage.DataStore, followerID, preferredID string) (*models.BrokerConnection, error) {
	if preferredID != "" {
		conn, err := store.GetBrokerConnection(ctx, preferredID)
		if err == nil && conn.UserID == followerID && conn.Usable() {
			return conn, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load default connection: %w", err)
		}
	}

	conns, err := store.ListActiveBrokerConnections(ctx, followerID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	for i := range conns {
		if conns[i].Usable() {
			return &conns[i], nil
		}
	}
	return nil, fmt.Errorf("no usable broker connection")
}
