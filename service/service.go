package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"captrade/config"
	"captrade/models"
	"captrade/notify"
	"captrade/storage"
)

// Error taxonomy surfaced to handlers. Conflict-style duplicates are treated
// as success by callers, not failures.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrSelfFollow   = errors.New("cannot follow yourself")
	ErrAlreadyActed = errors.New("already acted on trade")
)

// TradeReplicator mirrors a new capper trade to auto-replication followers.
// The purchase snapshot is taken before play consumption so a purchase whose
// final play was spent on this trade still receives it.
type TradeReplicator interface {
	ReplicateTrade(ctx context.Context, capperTrade models.Trade, purchases []models.FollowPurchase) int
}

// FillSettler propagates a capper SELL fill to linked follower trades.
type FillSettler interface {
	SettleCapperFill(ctx context.Context, capperTrade models.Trade, fillContracts int, fillPrice float64) int
}

// Service handles business logic and coordinates between storage, the broker
// fan-out engines and the notifier.
type Service struct {
	store      storage.DataStore
	cfg        *config.Config
	notifier   notify.Notifier
	replicator TradeReplicator
	settler    FillSettler

	cacheMu   sync.RWMutex
	feedCache map[string]feedCacheEntry
}

type feedCacheEntry struct {
	items   []FeedItem
	expires time.Time
}

const feedCacheTTL = 30 * time.Second

// NewService creates a new service. Replicator and settler may be nil when the
// corresponding fan-out is disabled (e.g. in tests).
func NewService(store storage.DataStore, cfg *config.Config, notifier notify.Notifier, replicator TradeReplicator, settler FillSettler) *Service {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Service{
		store:      store,
		cfg:        cfg,
		notifier:   notifier,
		replicator: replicator,
		settler:    settler,
		feedCache:  make(map[string]feedCacheEntry),
	}
}

// InvalidateFollower drops cached feed state for a follower. Called
// synchronously on every entitlement mutation.
func (s *Service) InvalidateFollower(followerID string) {
	s.cacheMu.Lock()
	delete(s.feedCache, followerID)
	s.cacheMu.Unlock()
}

func (s *Service) cachedFeed(followerID string) ([]FeedItem, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.feedCache[followerID]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.items, true
}

func (s *Service) storeFeed(followerID string, items []FeedItem) {
	s.cacheMu.Lock()
	s.feedCache[followerID] = feedCacheEntry{items: items, expires: time.Now().Add(feedCacheTTL)}
	s.cacheMu.Unlock()
}

// asyncContext returns a detached, cancellable context for fire-and-forget
// fan-out work so it survives the originating HTTP request. It carries no
// deadline of its own: every broker call in the fan-out is individually
// bounded (placement by the HTTP client timeout, confirmation by
// ConfirmConfig.Timeout), and a shared deadline would arrive already spent
// for batches queued behind the concurrency limit.
func (s *Service) asyncContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
