package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"captrade/broker"
	"captrade/models"
	"captrade/notify"
	"captrade/storage"

	"golang.org/x/sync/errgroup"
)

// Settler propagates a capper's partial or full close to every linked
// follower trade. Each follower settles independently: their own SELL order is
// placed and confirmed, and only then does the fill/aggregate/status update
// commit as one transaction.
type Settler struct {
	store    storage.DataStore
	broker   broker.Client
	notifier notify.Notifier
	cfg      Config
}

// NewSettler creates a new settler
func NewSettler(store storage.DataStore, client broker.Client, notifier notify.Notifier, cfg Config) *Settler {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Settler{store: store, broker: client, notifier: notifier, cfg: cfg}
}

// SettleCapperFill fans a capper SELL fill out to all linked follower trades
// with bounded concurrency. Returns how many follower trades were settled.
func (s *Settler) SettleCapperFill(ctx context.Context, capperTrade models.Trade, fillContracts int, fillPrice float64) int {
	if fillContracts <= 0 {
		return 0
	}

	actions, err := s.store.ListFollowActionsByOriginalTrade(ctx, capperTrade.ID)
	if err != nil {
		log.Printf("[Settler] Error listing follow actions for trade %s: %v", capperTrade.ID, err)
		return 0
	}
	if len(actions) == 0 {
		return 0
	}

	log.Printf("[Settler] Settling %d contracts @ %.2f across %d follower trades (capper trade %s)",
		fillContracts, fillPrice, len(actions), capperTrade.ID)

	settled := make(chan struct{}, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.limit())
	for _, action := range actions {
		action := action
		g.Go(func() error {
			if err := s.settleFollower(gctx, action, fillContracts, fillPrice); err != nil {
				log.Printf("[Settler] Follower %s not settled for trade %s: %v", action.FollowerID, capperTrade.ID, err)
				return nil
			}
			settled <- struct{}{}
			return nil
		})
	}
	g.Wait()
	close(settled)

	return len(settled)
}

func (s *Settler) settleFollower(ctx context.Context, action models.FollowedTradeAction, fillContracts int, capperFillPrice float64) error {
	if action.FollowedTradeID == "" {
		return fmt.Errorf("action has no linked trade")
	}

	followerTrade, err := s.store.GetTrade(ctx, action.FollowedTradeID)
	if err != nil {
		return fmt.Errorf("load follower trade: %w", err)
	}
	if followerTrade.Status != models.TradeOpen {
		return fmt.Errorf("trade not open (status=%s)", followerTrade.Status)
	}

	contractsToSettle := fillContracts
	if followerTrade.RemainingOpenContracts < contractsToSettle {
		contractsToSettle = followerTrade.RemainingOpenContracts
	}
	if contractsToSettle <= 0 {
		return fmt.Errorf("nothing to settle")
	}

	// Sell through the same connection that opened the position
	conn, err := resolveConnection(ctx, s.store, followerTrade.OwnerID, followerTrade.BrokerConnectionID)
	if err != nil {
		return err
	}

	placed, err := s.broker.PlaceOptionOrder(ctx, *conn, broker.OrderRequest{
		Ticker:     followerTrade.Ticker,
		Strike:     followerTrade.Strike,
		Expiry:     followerTrade.Expiry,
		OptionType: followerTrade.OptionType,
		Side:       models.SideSell,
		Contracts:  contractsToSettle,
		LimitPrice: capperFillPrice, // target the capper's exit price
	})
	if err != nil {
		return fmt.Errorf("place sell order: %w", err)
	}
	if !placed.Success {
		return fmt.Errorf("sell order rejected: %s", placed.ErrorMsg)
	}

	// Settlement books the follower's own confirmed execution, never the
	// capper's price. No settlement record is written on failure.
	price, err := ConfirmExecution(ctx, s.broker, *conn, placed, s.cfg.Confirm)
	if err != nil {
		return fmt.Errorf("confirm sell execution: %w", err)
	}

	updated, err := s.store.ApplySellFill(ctx, followerTrade.ID, contractsToSettle, price)
	if err != nil {
		if errors.Is(err, storage.ErrTradeNotOpen) {
			return fmt.Errorf("trade closed concurrently")
		}
		return fmt.Errorf("settle commit: %w", err)
	}

	payload := map[string]interface{}{
		"trade_id":   updated.ID,
		"contracts":  contractsToSettle,
		"fill_price": price,
		"status":     string(updated.Status),
	}
	if updated.Status == models.TradeClosed {
		payload["net_pnl"] = updated.NetPnl
		payload["outcome"] = string(updated.Outcome)
	}
	s.notifier.Push(notify.Event{
		UserID:  followerTrade.OwnerID,
		Type:    "trade.settled",
		Payload: payload,
	})
	return nil
}
