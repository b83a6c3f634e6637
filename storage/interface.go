package storage

import (
	"context"
	"errors"

	"captrade/models"
)

// Sentinel errors surfaced by storage implementations. Unique-constraint
// violations are normal control flow for callers, not failures.
var (
	ErrNotFound           = errors.New("storage: not found")
	ErrDuplicatePayment   = errors.New("storage: payment already recorded")
	ErrActiveFollowExists = errors.New("storage: active follow already exists for pair")
	ErrDuplicateAction    = errors.New("storage: action already recorded for trade")
	ErrNoPlaysRemaining   = errors.New("storage: no plays remaining on purchase")
	ErrTradeNotOpen       = errors.New("storage: trade is not open")
)

// DataStore defines the interface for storage backends
type DataStore interface {
	Close() error

	// Follow ledger
	CreateFollowPurchase(ctx context.Context, p models.FollowPurchase) error
	GetFollowPurchase(ctx context.Context, id string) (*models.FollowPurchase, error)
	GetFollowPurchaseByPayment(ctx context.Context, paymentID string) (*models.FollowPurchase, error)
	ListFollowPurchases(ctx context.Context, followerID string, statuses []models.PurchaseStatus) ([]models.FollowPurchase, error)
	ListActiveFollows(ctx context.Context, followerID string) ([]models.FollowPurchase, error) // cache-backed
	ListActivePurchasesByCapper(ctx context.Context, capperID string) ([]models.FollowPurchase, error)
	ConsumePlay(ctx context.Context, purchaseID string) (*models.FollowPurchase, error)
	MarkRefunded(ctx context.Context, paymentID string) (*models.FollowPurchase, error)

	// Trades and fills
	CreateTrade(ctx context.Context, t models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	ListTradesByOwner(ctx context.Context, ownerID string, limit int) ([]models.Trade, error)
	ApplySellFill(ctx context.Context, tradeID string, contracts int, price float64) (*models.Trade, error)
	ListFillsByTrade(ctx context.Context, tradeID string) ([]models.TradeFill, error)

	// Followed trade actions
	CreateFollowedTradeAction(ctx context.Context, a models.FollowedTradeAction) error
	CreateFollowerTradeAndAction(ctx context.Context, t models.Trade, a models.FollowedTradeAction) error
	GetFollowedTradeAction(ctx context.Context, followerID, originalTradeID string) (*models.FollowedTradeAction, error)
	ListActionsForTrades(ctx context.Context, followerID string, tradeIDs []string) (map[string]models.FollowedTradeAction, error)
	ListFollowActionsByOriginalTrade(ctx context.Context, originalTradeID string) ([]models.FollowedTradeAction, error)

	// Follower accounts and broker connections
	GetFollowerAccount(ctx context.Context, userID string) (*models.FollowerAccount, error)
	GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error)
	ListActiveBrokerConnections(ctx context.Context, userID string) ([]models.BrokerConnection, error)

	// Payment plans (webhook metadata fallback)
	GetFollowPlan(ctx context.Context, planID string) (*models.FollowPlan, error)
}

// Ensure both implementations satisfy the interface
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)
