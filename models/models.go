package models

import "time"

// OptionContractMultiplier converts a per-contract option price into notional
// dollars (standard equity options deliver 100 shares).
const OptionContractMultiplier = 100.0

// OptionType distinguishes single-leg option instruments
type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// IsSingleLegOption reports whether the instrument can be replicated.
// Multi-leg and non-option instruments are out of scope for copy trading.
func (o OptionType) IsSingleLegOption() bool {
	return o == OptionCall || o == OptionPut
}

// TradeSide is the direction of an order or fill
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TradeStatus is the lifecycle state of a position
type TradeStatus string

const (
	TradeOpen     TradeStatus = "OPEN"
	TradeClosed   TradeStatus = "CLOSED"
	TradeRejected TradeStatus = "REJECTED"
)

// TradeOutcome is the realized result of a closed position
type TradeOutcome string

const (
	OutcomeWin       TradeOutcome = "WIN"
	OutcomeLoss      TradeOutcome = "LOSS"
	OutcomeBreakeven TradeOutcome = "BREAKEVEN"
)

// OutcomeFromPnl derives the outcome from the sign of realized P&L.
func OutcomeFromPnl(netPnl float64) TradeOutcome {
	switch {
	case netPnl > 0:
		return OutcomeWin
	case netPnl < 0:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}

// PurchaseStatus is the lifecycle state of a follow entitlement
type PurchaseStatus string

const (
	PurchaseActive    PurchaseStatus = "active"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// FollowAction is a follower's recorded decision on a capper trade
type FollowAction string

const (
	ActionFollow FollowAction = "follow"
	ActionFade   FollowAction = "fade"
)

// FollowPurchase is one purchased entitlement batch: a follower paid to copy
// up to PlaysPurchased trades from a capper. CreatedAt marks the start of the
// follow window; UpdatedAt marks the end once the purchase completes.
type FollowPurchase struct {
	ID              string         `json:"id"`
	FollowerID      string         `json:"follower_id"`
	CapperID        string         `json:"capper_id"`
	CapperCompanyID string         `json:"capper_company_id"`
	PlaysPurchased  int            `json:"plays_purchased"`
	PlaysConsumed   int            `json:"plays_consumed"`
	Status          PurchaseStatus `json:"status"`
	PaymentID       string         `json:"payment_id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// PlaysRemaining returns how many plays are left on this purchase.
func (p FollowPurchase) PlaysRemaining() int {
	remaining := p.PlaysPurchased - p.PlaysConsumed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Trade is a single-leg option position. A follower's replicated trade is a
// distinct row owned by the follower, linked back to the capper's trade via
// FollowedTradeAction.
type Trade struct {
	ID                     string       `json:"id"`
	OwnerID                string       `json:"owner_id"`
	Ticker                 string       `json:"ticker"`
	Strike                 float64      `json:"strike"`
	Expiry                 time.Time    `json:"expiry"`
	OptionType             OptionType   `json:"option_type"`
	Side                   TradeSide    `json:"side"` // entries are always BUY
	Contracts              int          `json:"contracts"`
	FillPrice              float64      `json:"fill_price"`
	Status                 TradeStatus  `json:"status"`
	RemainingOpenContracts int          `json:"remaining_open_contracts"`
	BuyNotional            float64      `json:"buy_notional"`
	SellNotional           float64      `json:"sell_notional"`
	NetPnl                 float64      `json:"net_pnl"`
	Outcome                TradeOutcome `json:"outcome,omitempty"`
	BrokerOrderID          string       `json:"broker_order_id,omitempty"`
	BrokerConnectionID     string       `json:"broker_connection_id,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	ClosedAt               *time.Time   `json:"closed_at,omitempty"`
}

// TradeFill is an individual partial execution against a Trade. The set of
// SELL fills determines remaining open contracts and aggregate sell notional.
type TradeFill struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"trade_id"`
	Side      TradeSide `json:"side"`
	Contracts int       `json:"contracts"`
	Price     float64   `json:"price"`
	Notional  float64   `json:"notional"`
	CreatedAt time.Time `json:"created_at"`
}

// FollowedTradeAction records a follower's decision on one capper trade.
// Unique per (follower, original trade) — the idempotency key that prevents
// duplicate replication from the manual and automatic paths.
type FollowedTradeAction struct {
	ID              string       `json:"id"`
	FollowerID      string       `json:"follower_id"`
	OriginalTradeID string       `json:"original_trade_id"`
	Action          FollowAction `json:"action"`
	FollowedTradeID string       `json:"followed_trade_id,omitempty"` // set only for follow
	CreatedAt       time.Time    `json:"created_at"`
}

// BrokerConnection is a follower's linked brokerage account reference.
type BrokerConnection struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Broker          string    `json:"broker"`
	AccountID       string    `json:"account_id"`
	AuthorizationID string    `json:"authorization_id"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Usable reports whether the connection can place orders: it must be active
// and carry both an account identifier and an authorization identifier.
func (c BrokerConnection) Usable() bool {
	return c.IsActive && c.AccountID != "" && c.AuthorizationID != ""
}

// FollowerAccount holds a follower's copy-trading preferences.
type FollowerAccount struct {
	UserID                    string    `json:"user_id"`
	AutoReplicate             bool      `json:"auto_replicate"`
	DefaultBrokerConnectionID string    `json:"default_broker_connection_id,omitempty"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// FollowPlan maps a payment-provider plan to follow-purchase metadata. Used as
// the fallback when a payment webhook carries no embedded metadata.
type FollowPlan struct {
	PlanID          string `json:"plan_id"`
	CapperUserID    string `json:"capper_user_id"`
	CapperCompanyID string `json:"capper_company_id"`
	NumPlays        int    `json:"num_plays"`
}
