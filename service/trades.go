package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"captrade/models"
	"captrade/storage"

	"github.com/google/uuid"
)

// CreateTradeInput is a capper's new position entry.
type CreateTradeInput struct {
	CapperID   string            `json:"capper_id"`
	Ticker     string            `json:"ticker"`
	Strike     float64           `json:"strike"`
	Expiry     time.Time         `json:"expiry"`
	OptionType models.OptionType `json:"option_type"`
	Contracts  int               `json:"contracts"`
	FillPrice  float64           `json:"fill_price"`
}

// CreateCapperTrade persists a capper's new trade, consumes one play from
// every active follow purchase of that capper, and kicks off automatic
// replication in the background. Replication is a best-effort side channel:
// it never blocks or fails this call.
func (s *Service) CreateCapperTrade(ctx context.Context, in CreateTradeInput) (*models.Trade, error) {
	if in.CapperID == "" || in.Ticker == "" {
		return nil, fmt.Errorf("%w: capper id and ticker are required", ErrValidation)
	}
	if in.Contracts <= 0 {
		return nil, fmt.Errorf("%w: contracts must be positive", ErrValidation)
	}
	if in.FillPrice <= 0 || in.Strike <= 0 {
		return nil, fmt.Errorf("%w: strike and fill price must be positive", ErrValidation)
	}
	if in.Expiry.IsZero() {
		return nil, fmt.Errorf("%w: expiry is required", ErrValidation)
	}
	if !in.OptionType.IsSingleLegOption() {
		return nil, fmt.Errorf("%w: option type must be CALL or PUT", ErrValidation)
	}

	now := time.Now().UTC()
	trade := models.Trade{
		ID:                     uuid.NewString(),
		OwnerID:                in.CapperID,
		Ticker:                 in.Ticker,
		Strike:                 in.Strike,
		Expiry:                 in.Expiry,
		OptionType:             in.OptionType,
		Side:                   models.SideBuy,
		Contracts:              in.Contracts,
		FillPrice:              in.FillPrice,
		Status:                 models.TradeOpen,
		RemainingOpenContracts: in.Contracts,
		BuyNotional:            float64(in.Contracts) * in.FillPrice * models.OptionContractMultiplier,
		CreatedAt:              now,
	}

	if err := s.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}
	log.Printf("[Trades] Capper %s opened %d %s %s %.2f @ %.2f (trade %s)",
		in.CapperID, in.Contracts, in.Ticker, in.OptionType, in.Strike, in.FillPrice, trade.ID)

	// Snapshot eligible purchases before consuming plays. Consuming the last
	// play completes the purchase and drops it from the active list, but the
	// trade that spent a follower's final play still belongs to them.
	eligible := s.eligiblePurchases(ctx, in.CapperID)
	s.consumePlaysForTrade(ctx, eligible)

	if s.replicator != nil && len(eligible) > 0 {
		go func(t models.Trade, snapshot []models.FollowPurchase) {
			actx, cancel := s.asyncContext()
			defer cancel()
			s.replicator.ReplicateTrade(actx, t, snapshot)
		}(trade, eligible)
	}

	return &trade, nil
}

// eligiblePurchases lists the capper's active purchases that still have plays
// to spend on a new trade.
func (s *Service) eligiblePurchases(ctx context.Context, capperID string) []models.FollowPurchase {
	purchases, err := s.store.ListActivePurchasesByCapper(ctx, capperID)
	if err != nil {
		log.Printf("[Trades] Error listing purchases for capper %s: %v", capperID, err)
		return nil
	}
	eligible := make([]models.FollowPurchase, 0, len(purchases))
	for _, p := range purchases {
		if p.PlaysRemaining() > 0 {
			eligible = append(eligible, p)
		}
	}
	return eligible
}

// consumePlaysForTrade spends one play on each purchase in the snapshot. A
// play is consumed when the capper creates a trade, whether or not any
// follower copies it.
func (s *Service) consumePlaysForTrade(ctx context.Context, purchases []models.FollowPurchase) {
	for _, p := range purchases {
		if _, err := s.ConsumePlay(ctx, p.ID); err != nil {
			// Concurrent consumption can exhaust the purchase between list and
			// update; that is fine
			if errors.Is(err, storage.ErrNoPlaysRemaining) {
				continue
			}
			log.Printf("[Trades] Error consuming play on purchase %s: %v", p.ID, err)
		}
	}
}

// RecordCapperFill books a SELL fill against the capper's own trade and kicks
// off settlement propagation to linked follower trades in the background.
func (s *Service) RecordCapperFill(ctx context.Context, tradeID string, contracts int, price float64) (*models.Trade, error) {
	if tradeID == "" {
		return nil, fmt.Errorf("%w: trade id required", ErrValidation)
	}
	if contracts <= 0 || price <= 0 {
		return nil, fmt.Errorf("%w: contracts and price must be positive", ErrValidation)
	}

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: trade %s", ErrNotFound, tradeID)
		}
		return nil, fmt.Errorf("load trade: %w", err)
	}

	updated, err := s.store.ApplySellFill(ctx, tradeID, contracts, price)
	if err != nil {
		if errors.Is(err, storage.ErrTradeNotOpen) {
			return nil, fmt.Errorf("%w: trade is not open", ErrValidation)
		}
		return nil, fmt.Errorf("apply fill: %w", err)
	}
	log.Printf("[Trades] Capper trade %s sold %d @ %.2f (remaining %d, status %s)",
		tradeID, contracts, price, updated.RemainingOpenContracts, updated.Status)

	if s.settler != nil {
		go func(t models.Trade, c int, p float64) {
			actx, cancel := s.asyncContext()
			defer cancel()
			s.settler.SettleCapperFill(actx, t, c, p)
		}(*trade, contracts, price)
	}

	return updated, nil
}

// GetTrade returns one trade with its fills.
func (s *Service) GetTrade(ctx context.Context, tradeID string) (*models.Trade, []models.TradeFill, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: trade %s", ErrNotFound, tradeID)
		}
		return nil, nil, err
	}
	fills, err := s.store.ListFillsByTrade(ctx, tradeID)
	if err != nil {
		return nil, nil, err
	}
	return trade, fills, nil
}
