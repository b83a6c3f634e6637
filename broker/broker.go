// Package broker defines the abstract contract the replication and settlement
// engines use to place option orders. Broker-specific wire protocols live
// behind this interface; the engines only ever see the shapes below.
package broker

import (
	"context"
	"strings"
	"time"

	"captrade/models"
)

// OrderRequest describes a single-leg option order.
type OrderRequest struct {
	Ticker     string            `json:"ticker"`
	Strike     float64           `json:"strike"`
	Expiry     time.Time         `json:"expiry"`
	OptionType models.OptionType `json:"option_type"`
	Side       models.TradeSide  `json:"side"`
	Contracts  int               `json:"contracts"`
	LimitPrice float64           `json:"limit_price,omitempty"` // 0 = market
}

// OrderResult is the broker's synchronous placement response. Success=false
// must never be followed by a persisted trade or settlement write.
type OrderResult struct {
	Success        bool       `json:"success"`
	OrderID        string     `json:"order_id,omitempty"`
	ExecutionPrice float64    `json:"execution_price,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	Status         string     `json:"status,omitempty"`
	ErrorMsg       string     `json:"error_msg,omitempty"`
}

// OrderDetail is the poll response used by execution confirmation.
type OrderDetail struct {
	ExecutionPrice float64 `json:"execution_price"`
	Status         string  `json:"status"`
}

// Client is the adapter contract implemented per broker.
type Client interface {
	PlaceOptionOrder(ctx context.Context, conn models.BrokerConnection, req OrderRequest) (*OrderResult, error)
	PollOrderDetail(ctx context.Context, conn models.BrokerConnection, orderID string) (*OrderDetail, error)
}

// Terminal order states that will never produce a fill. Confirmation polling
// aborts as soon as one of these is reported.
var terminalNonFillStatuses = map[string]bool{
	"canceled":  true,
	"cancelled": true,
	"rejected":  true,
	"expired":   true,
}

// IsTerminalNonFill reports whether status means the order is dead without a fill.
func IsTerminalNonFill(status string) bool {
	return terminalNonFillStatuses[strings.ToLower(strings.TrimSpace(status))]
}
