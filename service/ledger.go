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

// CreateEntitlement records a purchased follow batch. Duplicate payment ids
// are an idempotent no-op returning the previously created purchase; an
// already-active entitlement for the pair is silently ignored.
func (s *Service) CreateEntitlement(ctx context.Context, followerID, capperID, companyID string, plays int, paymentID string) (*models.FollowPurchase, error) {
	if followerID == "" || capperID == "" || paymentID == "" {
		return nil, fmt.Errorf("%w: follower, capper and payment ids are required", ErrValidation)
	}
	if plays <= 0 {
		return nil, fmt.Errorf("%w: plays must be positive", ErrValidation)
	}
	if followerID == capperID {
		return nil, ErrSelfFollow
	}

	now := time.Now().UTC()
	purchase := models.FollowPurchase{
		ID:              uuid.NewString(),
		FollowerID:      followerID,
		CapperID:        capperID,
		CapperCompanyID: companyID,
		PlaysPurchased:  plays,
		PlaysConsumed:   0,
		Status:          models.PurchaseActive,
		PaymentID:       paymentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.CreateFollowPurchase(ctx, purchase)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicatePayment) {
			log.Printf("[Ledger] Payment %s already recorded, no-op", paymentID)
			return s.store.GetFollowPurchaseByPayment(ctx, paymentID)
		}
		if errors.Is(err, storage.ErrActiveFollowExists) {
			log.Printf("[Ledger] Active follow already exists for %s -> %s, ignoring", followerID, capperID)
			return nil, nil
		}
		return nil, fmt.Errorf("create entitlement: %w", err)
	}

	s.InvalidateFollower(followerID)
	s.notifier.Push(notify.Event{
		UserID: followerID,
		Type:   "follow.purchased",
		Payload: map[string]interface{}{
			"capper_id": capperID,
			"plays":     plays,
		},
	})

	log.Printf("[Ledger] Created entitlement %s: %s follows %s for %d plays", purchase.ID, followerID, capperID, plays)
	return &purchase, nil
}

// ConsumePlay spends one play on a purchase, completing it when the last play
// is consumed.
func (s *Service) ConsumePlay(ctx context.Context, purchaseID string) (*models.FollowPurchase, error) {
	p, err := s.store.ConsumePlay(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: purchase %s", ErrNotFound, purchaseID)
		}
		return nil, err
	}
	s.InvalidateFollower(p.FollowerID)
	return p, nil
}

// Refund marks the purchase matching paymentID refunded. Repeat deliveries
// are a no-op.
func (s *Service) Refund(ctx context.Context, paymentID string) (*models.FollowPurchase, error) {
	p, err := s.store.MarkRefunded(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
		}
		return nil, fmt.Errorf("refund: %w", err)
	}

	s.InvalidateFollower(p.FollowerID)
	log.Printf("[Ledger] Purchase %s refunded (payment %s)", p.ID, paymentID)
	return p, nil
}

// GetFollowPlan resolves follow metadata for a payment plan. Used by the
// webhook processor when a payload carries no embedded metadata.
func (s *Service) GetFollowPlan(ctx context.Context, planID string) (*models.FollowPlan, error) {
	plan, err := s.store.GetFollowPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: plan %s", ErrNotFound, planID)
		}
		return nil, err
	}
	return plan, nil
}

// GetActiveFollows returns the follower's active purchases via the cache-backed
// storage path.
func (s *Service) GetActiveFollows(ctx context.Context, followerID string) ([]models.FollowPurchase, error) {
	if followerID == "" {
		return nil, fmt.Errorf("%w: follower id required", ErrValidation)
	}
	return s.store.ListActiveFollows(ctx, followerID)
}
