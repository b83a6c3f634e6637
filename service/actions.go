package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"captrade/models"
	"captrade/notify"
	"captrade/storage"

	"github.com/google/uuid"
)

// RecordAction persists a follower's manual decision on a capper trade.
// Exactly one action can ever exist per (follower, trade): a duplicate call
// returns the prior action together with ErrAlreadyActed, which callers treat
// as success. Concurrent duplicates converge through the storage uniqueness
// constraint, not application-level locking.
func (s *Service) RecordAction(ctx context.Context, followerID, originalTradeID string, action models.FollowAction) (*models.FollowedTradeAction, error) {
	if followerID == "" || originalTradeID == "" {
		return nil, fmt.Errorf("%w: follower and trade ids are required", ErrValidation)
	}
	if action != models.ActionFollow && action != models.ActionFade {
		return nil, fmt.Errorf("%w: action must be follow or fade", ErrValidation)
	}

	original, err := s.store.GetTrade(ctx, originalTradeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: trade %s", ErrNotFound, originalTradeID)
		}
		return nil, fmt.Errorf("load trade: %w", err)
	}
	if original.OwnerID == followerID {
		return nil, fmt.Errorf("%w: cannot act on your own trade", ErrValidation)
	}

	now := time.Now().UTC()
	record := models.FollowedTradeAction{
		ID:              uuid.NewString(),
		FollowerID:      followerID,
		OriginalTradeID: originalTradeID,
		Action:          action,
		CreatedAt:       now,
	}

	if action == models.ActionFade {
		if err := s.store.CreateFollowedTradeAction(ctx, record); err != nil {
			return s.handleActionConflict(ctx, followerID, originalTradeID, err)
		}
		return &record, nil
	}

	// Manual follow clones the capper's instrument, size and price into a new
	// trade owned by the follower. No play counter moves here: plays are
	// consumed when the capper creates the trade, not when a follower copies it.
	followerTrade := models.Trade{
		ID:                     uuid.NewString(),
		OwnerID:                followerID,
		Ticker:                 original.Ticker,
		Strike:                 original.Strike,
		Expiry:                 original.Expiry,
		OptionType:             original.OptionType,
		Side:                   models.SideBuy,
		Contracts:              original.Contracts,
		FillPrice:              original.FillPrice,
		Status:                 models.TradeOpen,
		RemainingOpenContracts: original.Contracts,
		BuyNotional:            float64(original.Contracts) * original.FillPrice * models.OptionContractMultiplier,
		CreatedAt:              now,
	}
	record.FollowedTradeID = followerTrade.ID

	if err := s.store.CreateFollowerTradeAndAction(ctx, followerTrade, record); err != nil {
		return s.handleActionConflict(ctx, followerID, originalTradeID, err)
	}

	s.notifier.Push(notify.Event{
		UserID: followerID,
		Type:   "trade.followed",
		Payload: map[string]interface{}{
			"trade_id":          followerTrade.ID,
			"original_trade_id": originalTradeID,
		},
	})
	log.Printf("[Actions] %s followed trade %s (follower trade %s)", followerID, originalTradeID, followerTrade.ID)
	return &record, nil
}

func (s *Service) handleActionConflict(ctx context.Context, followerID, originalTradeID string, err error) (*models.FollowedTradeAction, error) {
	if !errors.Is(err, storage.ErrDuplicateAction) {
		return nil, fmt.Errorf("record action: %w", err)
	}
	prior, getErr := s.store.GetFollowedTradeAction(ctx, followerID, originalTradeID)
	if getErr != nil {
		return nil, fmt.Errorf("load prior action: %w", getErr)
	}
	return prior, ErrAlreadyActed
}
