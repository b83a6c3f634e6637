package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"captrade/models"
	"captrade/windows"
)

// FeedItem joins an eligible capper trade with the follower's entitlement
// metadata and any prior decision on that trade.
type FeedItem struct {
	Trade          models.Trade                `json:"trade"`
	CapperID       string                      `json:"capper_id"`
	PlaysRemaining int                         `json:"plays_remaining"`
	PurchaseStatus models.PurchaseStatus       `json:"purchase_status"`
	Action         *models.FollowedTradeAction `json:"action,omitempty"`
}

// GetFeed resolves the follower's merged follow windows, fetches capper trades
// created inside them and joins each with follow metadata and prior actions.
// Read-only; newest trades first.
func (s *Service) GetFeed(ctx context.Context, followerID string, limit, offset int) ([]FeedItem, error) {
	if followerID == "" {
		return nil, fmt.Errorf("%w: follower id required", ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	items, ok := s.cachedFeed(followerID)
	if !ok {
		var err error
		items, err = s.buildFeed(ctx, followerID)
		if err != nil {
			return nil, err
		}
		s.storeFeed(followerID, items)
	}

	if offset >= len(items) {
		return []FeedItem{}, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], nil
}

func (s *Service) buildFeed(ctx context.Context, followerID string) ([]FeedItem, error) {
	purchases, err := s.store.ListFollowPurchases(ctx, followerID, []models.PurchaseStatus{
		models.PurchaseActive, models.PurchaseCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	if len(purchases) == 0 {
		return []FeedItem{}, nil
	}

	now := time.Now().UTC()
	merged := windows.ByCapper(purchases, now)

	byCapper := make(map[string][]models.FollowPurchase)
	for _, p := range purchases {
		byCapper[p.CapperID] = append(byCapper[p.CapperID], p)
	}

	var items []FeedItem
	var tradeIDs []string
	for capperID, ws := range merged {
		trades, err := s.store.ListTradesByOwner(ctx, capperID, 0)
		if err != nil {
			return nil, fmt.Errorf("list trades for capper %s: %w", capperID, err)
		}

		rep := windows.Representative(byCapper[capperID])
		remaining := 0
		status := models.PurchaseStatus("")
		if rep != nil {
			remaining = rep.PlaysRemaining()
			status = rep.Status
		}

		for _, t := range trades {
			if !windows.Eligible(ws, t.CreatedAt) {
				continue
			}
			items = append(items, FeedItem{
				Trade:          t,
				CapperID:       capperID,
				PlaysRemaining: remaining,
				PurchaseStatus: status,
			})
			tradeIDs = append(tradeIDs, t.ID)
		}
	}

	actions, err := s.store.ListActionsForTrades(ctx, followerID, tradeIDs)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	for i := range items {
		if a, ok := actions[items[i].Trade.ID]; ok {
			action := a
			items[i].Action = &action
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Trade.CreatedAt.After(items[j].Trade.CreatedAt)
	})
	return items, nil
}
