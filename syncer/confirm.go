package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"captrade/broker"
	"captrade/models"
)

// Confirmation failure modes. Only a timeout or an explicit terminal non-fill
// status stops the poll loop early; transport errors are retried.
var (
	ErrConfirmTimeout = errors.New("syncer: execution confirmation timed out")
	ErrOrderNotFilled = errors.New("syncer: order terminal without fill")
)

// ConfirmConfig controls execution-confirmation polling.
type ConfirmConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (c ConfirmConfig) withDefaults() ConfirmConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	return c
}

// ConfirmExecution resolves the real fill price for a placed order. If the
// synchronous placement response already carries a positive execution price it
// is used immediately; otherwise the broker's order-detail endpoint is polled
// until a price appears, the order goes terminal without filling, or the
// timeout elapses. Cancelling ctx stops the wait without any partial writes —
// the caller must not have persisted anything yet.
func ConfirmExecution(ctx context.Context, client broker.Client, conn models.BrokerConnection, placed *broker.OrderResult, cfg ConfirmConfig) (float64, error) {
	if placed == nil || !placed.Success {
		return 0, fmt.Errorf("syncer: cannot confirm unplaced order")
	}
	if placed.ExecutionPrice > 0 {
		return placed.ExecutionPrice, nil
	}
	if placed.OrderID == "" {
		return 0, fmt.Errorf("syncer: placement returned no order id to poll")
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, ErrConfirmTimeout
			}
			return 0, ctx.Err()
		case <-ticker.C:
			detail, err := client.PollOrderDetail(ctx, conn, placed.OrderID)
			if err != nil {
				// Transport errors are swallowed and retried until the deadline
				continue
			}
			if detail.ExecutionPrice > 0 {
				return detail.ExecutionPrice, nil
			}
			if broker.IsTerminalNonFill(detail.Status) {
				return 0, fmt.Errorf("%w: status=%s", ErrOrderNotFilled, detail.Status)
			}
		}
	}
}
