package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"captrade/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PostgresStore wraps PostgreSQL persistence with Redis caching.
//
// The unique indexes created in schema are the primary concurrency-safety
// mechanism: duplicate payment webhooks, racing manual/automatic follow
// actions and double-submitted entitlements all collapse into constraint
// violations that callers treat as ordinary control flow.
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

const activeFollowsTTL = 5 * time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS follow_purchases (
	id                TEXT PRIMARY KEY,
	follower_id       TEXT NOT NULL,
	capper_id         TEXT NOT NULL,
	capper_company_id TEXT NOT NULL DEFAULT '',
	plays_purchased   INT  NOT NULL,
	plays_consumed    INT  NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'active',
	payment_id        TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT ck_follow_purchases_plays CHECK (plays_consumed >= 0 AND plays_consumed <= plays_purchased)
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_follow_purchases_payment
	ON follow_purchases (payment_id);
CREATE UNIQUE INDEX IF NOT EXISTS ux_follow_purchases_active_pair
	ON follow_purchases (follower_id, capper_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS trades (
	id                       TEXT PRIMARY KEY,
	owner_id                 TEXT NOT NULL,
	ticker                   TEXT NOT NULL,
	strike                   DOUBLE PRECISION NOT NULL,
	expiry                   TIMESTAMPTZ NOT NULL,
	option_type              TEXT NOT NULL,
	side                     TEXT NOT NULL DEFAULT 'BUY',
	contracts                INT NOT NULL,
	fill_price               DOUBLE PRECISION NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'OPEN',
	remaining_open_contracts INT NOT NULL,
	buy_notional             DOUBLE PRECISION NOT NULL DEFAULT 0,
	sell_notional            DOUBLE PRECISION NOT NULL DEFAULT 0,
	net_pnl                  DOUBLE PRECISION NOT NULL DEFAULT 0,
	outcome                  TEXT NOT NULL DEFAULT '',
	broker_order_id          TEXT NOT NULL DEFAULT '',
	broker_connection_id     TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	closed_at                TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ix_trades_owner_created
	ON trades (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS trade_fills (
	id         TEXT PRIMARY KEY,
	trade_id   TEXT NOT NULL REFERENCES trades (id),
	side       TEXT NOT NULL,
	contracts  INT NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	notional   DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ix_trade_fills_trade ON trade_fills (trade_id);

CREATE TABLE IF NOT EXISTS followed_trade_actions (
	id                TEXT PRIMARY KEY,
	follower_id       TEXT NOT NULL,
	original_trade_id TEXT NOT NULL,
	action            TEXT NOT NULL,
	followed_trade_id TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_followed_trade_actions_pair
	ON followed_trade_actions (follower_id, original_trade_id);
CREATE INDEX IF NOT EXISTS ix_followed_trade_actions_original
	ON followed_trade_actions (original_trade_id);

CREATE TABLE IF NOT EXISTS broker_connections (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	broker           TEXT NOT NULL DEFAULT '',
	account_id       TEXT NOT NULL DEFAULT '',
	authorization_id TEXT NOT NULL DEFAULT '',
	is_active        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ix_broker_connections_user ON broker_connections (user_id);

CREATE TABLE IF NOT EXISTS follower_accounts (
	user_id                      TEXT PRIMARY KEY,
	auto_replicate               BOOLEAN NOT NULL DEFAULT FALSE,
	default_broker_connection_id TEXT NOT NULL DEFAULT '',
	updated_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS follow_plans (
	plan_id           TEXT PRIMARY KEY,
	capper_user_id    TEXT NOT NULL,
	capper_company_id TEXT NOT NULL DEFAULT '',
	num_plays         INT NOT NULL
);
`

// NewPostgres creates a new PostgreSQL store with connection pooling and Redis cache
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "captrade")
	password := getEnv("POSTGRES_PASSWORD", "captrade123")
	dbname := getEnv("POSTGRES_DB", "captrade")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=50&pool_min_conns=10",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 10
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Keep slow queries and stuck locks from hanging broker fan-out workers
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := pool.Exec(context.Background(), schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     redisPassword,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &PostgresStore{
		pool:  pool,
		redis: rdb,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return constraint == "" || pgErr.ConstraintName == constraint
	}
	return false
}

func (s *PostgresStore) invalidateFollower(ctx context.Context, followerID string) {
	s.redis.Del(ctx, fmt.Sprintf("follows:%s", followerID))
}

// CreateFollowPurchase inserts a new entitlement batch. Duplicate payment ids
// and a second active purchase for the same pair surface as sentinels.
func (s *PostgresStore) CreateFollowPurchase(ctx context.Context, p models.FollowPurchase) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO follow_purchases (
			id, follower_id, capper_id, capper_company_id,
			plays_purchased, plays_consumed, status, payment_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.FollowerID, p.CapperID, p.CapperCompanyID,
		p.PlaysPurchased, p.PlaysConsumed, string(p.Status), p.PaymentID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "ux_follow_purchases_payment") {
			return ErrDuplicatePayment
		}
		if isUniqueViolation(err, "ux_follow_purchases_active_pair") {
			return ErrActiveFollowExists
		}
		return fmt.Errorf("create follow purchase: %w", err)
	}

	s.invalidateFollower(ctx, p.FollowerID)
	return nil
}

const followPurchaseColumns = `
	id, follower_id, capper_id, capper_company_id,
	plays_purchased, plays_consumed, status, payment_id, created_at, updated_at`

func scanFollowPurchase(row pgx.Row) (*models.FollowPurchase, error) {
	var p models.FollowPurchase
	var status string
	err := row.Scan(&p.ID, &p.FollowerID, &p.CapperID, &p.CapperCompanyID,
		&p.PlaysPurchased, &p.PlaysConsumed, &status, &p.PaymentID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = models.PurchaseStatus(status)
	return &p, nil
}

func (s *PostgresStore) GetFollowPurchase(ctx context.Context, id string) (*models.FollowPurchase, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+followPurchaseColumns+` FROM follow_purchases WHERE id = $1`, id)
	return scanFollowPurchase(row)
}

func (s *PostgresStore) GetFollowPurchaseByPayment(ctx context.Context, paymentID string) (*models.FollowPurchase, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+followPurchaseColumns+` FROM follow_purchases WHERE payment_id = $1`, paymentID)
	return scanFollowPurchase(row)
}

func (s *PostgresStore) ListFollowPurchases(ctx context.Context, followerID string, statuses []models.PurchaseStatus) ([]models.FollowPurchase, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+followPurchaseColumns+`
		FROM follow_purchases
		WHERE follower_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
	`, followerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list follow purchases: %w", err)
	}
	defer rows.Close()

	return collectPurchases(rows)
}

func collectPurchases(rows pgx.Rows) ([]models.FollowPurchase, error) {
	var out []models.FollowPurchase
	for rows.Next() {
		p, err := scanFollowPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListActiveFollows returns the follower's active purchases through a Redis
// read-through cache. A cache miss falls back transparently to Postgres.
func (s *PostgresStore) ListActiveFollows(ctx context.Context, followerID string) ([]models.FollowPurchase, error) {
	key := fmt.Sprintf("follows:%s", followerID)

	if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
		var purchases []models.FollowPurchase
		if jsonErr := json.Unmarshal([]byte(cached), &purchases); jsonErr == nil {
			return purchases, nil
		}
		s.redis.Del(ctx, key)
	}

	purchases, err := s.ListFollowPurchases(ctx, followerID, []models.PurchaseStatus{models.PurchaseActive})
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(purchases); err == nil {
		s.redis.Set(ctx, key, data, activeFollowsTTL)
	}
	return purchases, nil
}

func (s *PostgresStore) ListActivePurchasesByCapper(ctx context.Context, capperID string) ([]models.FollowPurchase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+followPurchaseColumns+`
		FROM follow_purchases
		WHERE capper_id = $1 AND status = 'active'
		ORDER BY created_at DESC
	`, capperID)
	if err != nil {
		return nil, fmt.Errorf("list active purchases by capper: %w", err)
	}
	defer rows.Close()

	return collectPurchases(rows)
}

// ConsumePlay atomically increments plays_consumed, transitioning the purchase
// to completed when consumption reaches the purchased count. The WHERE guard
// makes concurrent consumers serialize on the row without over-consuming.
func (s *PostgresStore) ConsumePlay(ctx context.Context, purchaseID string) (*models.FollowPurchase, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE follow_purchases
		SET plays_consumed = plays_consumed + 1,
			status = CASE WHEN plays_consumed + 1 >= plays_purchased THEN 'completed' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND plays_consumed < plays_purchased
		RETURNING `+followPurchaseColumns,
		purchaseID)

	p, err := scanFollowPurchase(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Distinguish a missing row from an exhausted or inactive one
			if _, getErr := s.GetFollowPurchase(ctx, purchaseID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrNoPlaysRemaining
		}
		return nil, fmt.Errorf("consume play: %w", err)
	}

	s.invalidateFollower(ctx, p.FollowerID)
	return p, nil
}

// MarkRefunded flips the purchase matching paymentID to refunded. Repeat calls
// for an already-refunded purchase are a no-op returning the current row.
func (s *PostgresStore) MarkRefunded(ctx context.Context, paymentID string) (*models.FollowPurchase, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE follow_purchases
		SET status = 'refunded', updated_at = NOW()
		WHERE payment_id = $1 AND status <> 'refunded'
		RETURNING `+followPurchaseColumns,
		paymentID)

	p, err := scanFollowPurchase(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.GetFollowPurchaseByPayment(ctx, paymentID)
		}
		return nil, fmt.Errorf("mark refunded: %w", err)
	}

	s.invalidateFollower(ctx, p.FollowerID)
	return p, nil
}

const tradeColumns = `
	id, owner_id, ticker, strike, expiry, option_type, side, contracts, fill_price,
	status, remaining_open_contracts, buy_notional, sell_notional, net_pnl, outcome,
	broker_order_id, broker_connection_id, created_at, closed_at`

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	var optionType, side, status, outcome string
	err := row.Scan(&t.ID, &t.OwnerID, &t.Ticker, &t.Strike, &t.Expiry, &optionType, &side,
		&t.Contracts, &t.FillPrice, &status, &t.RemainingOpenContracts, &t.BuyNotional,
		&t.SellNotional, &t.NetPnl, &outcome, &t.BrokerOrderID, &t.BrokerConnectionID,
		&t.CreatedAt, &t.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.OptionType = models.OptionType(optionType)
	t.Side = models.TradeSide(side)
	t.Status = models.TradeStatus(status)
	t.Outcome = models.TradeOutcome(outcome)
	return &t, nil
}

func insertTradeTx(ctx context.Context, tx pgx.Tx, t models.Trade) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trades (
			id, owner_id, ticker, strike, expiry, option_type, side, contracts, fill_price,
			status, remaining_open_contracts, buy_notional, sell_notional, net_pnl, outcome,
			broker_order_id, broker_connection_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, t.ID, t.OwnerID, t.Ticker, t.Strike, t.Expiry, string(t.OptionType), string(t.Side),
		t.Contracts, t.FillPrice, string(t.Status), t.RemainingOpenContracts, t.BuyNotional,
		t.SellNotional, t.NetPnl, string(t.Outcome), t.BrokerOrderID, t.BrokerConnectionID, t.CreatedAt)
	if err != nil {
		return err
	}

	// Opening BUY fill rides in the same transaction
	_, err = tx.Exec(ctx, `
		INSERT INTO trade_fills (id, trade_id, side, contracts, price, notional, created_at)
		VALUES ($1, $2, 'BUY', $3, $4, $5, $6)
	`, t.ID+":open", t.ID, t.Contracts, t.FillPrice, t.BuyNotional, t.CreatedAt)
	return err
}

// CreateTrade persists a new OPEN trade together with its opening BUY fill.
func (s *PostgresStore) CreateTrade(ctx context.Context, t models.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTradeTx(ctx, tx, t); err != nil {
		return fmt.Errorf("create trade: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	return scanTrade(row)
}

func (s *PostgresStore) ListTradesByOwner(ctx context.Context, ownerID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades by owner: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ApplySellFill appends a SELL fill and recomputes the trade's aggregates in a
// single transaction: sell notional, net P&L, remaining open contracts, status
// and outcome all commit together or not at all. The row lock serializes
// concurrent partial fills against the same trade.
func (s *PostgresStore) ApplySellFill(ctx context.Context, tradeID string, contracts int, price float64) (*models.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, tradeID)
	t, err := scanTrade(row)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TradeOpen {
		return nil, ErrTradeNotOpen
	}
	if contracts > t.RemainingOpenContracts {
		contracts = t.RemainingOpenContracts
	}
	if contracts <= 0 {
		return nil, ErrTradeNotOpen
	}

	notional := float64(contracts) * price * models.OptionContractMultiplier
	fillID := fmt.Sprintf("%s:sell:%d", tradeID, time.Now().UnixNano())
	if _, err := tx.Exec(ctx, `
		INSERT INTO trade_fills (id, trade_id, side, contracts, price, notional, created_at)
		VALUES ($1, $2, 'SELL', $3, $4, $5, NOW())
	`, fillID, tradeID, contracts, price, notional); err != nil {
		return nil, fmt.Errorf("insert sell fill: %w", err)
	}

	// Recompute aggregate sell notional from all fills, not incrementally
	var sellNotional float64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(notional), 0) FROM trade_fills WHERE trade_id = $1 AND side = 'SELL'
	`, tradeID).Scan(&sellNotional); err != nil {
		return nil, fmt.Errorf("sum sell notional: %w", err)
	}

	remaining := t.RemainingOpenContracts - contracts
	netPnl := sellNotional - t.BuyNotional
	status := models.TradeOpen
	outcome := models.TradeOutcome("")
	var closedAt *time.Time
	if remaining <= 0 {
		remaining = 0
		status = models.TradeClosed
		outcome = models.OutcomeFromPnl(netPnl)
		now := time.Now().UTC()
		closedAt = &now
	}

	row = tx.QueryRow(ctx, `
		UPDATE trades
		SET sell_notional = $2, net_pnl = $3, remaining_open_contracts = $4,
			status = $5, outcome = $6, closed_at = COALESCE($7, closed_at)
		WHERE id = $1
		RETURNING `+tradeColumns,
		tradeID, sellNotional, netPnl, remaining, string(status), string(outcome), closedAt)
	updated, err := scanTrade(row)
	if err != nil {
		return nil, fmt.Errorf("update trade aggregates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("settle commit: %w", err)
	}

	return updated, nil
}

func (s *PostgresStore) ListFillsByTrade(ctx context.Context, tradeID string) ([]models.TradeFill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trade_id, side, contracts, price, notional, created_at
		FROM trade_fills
		WHERE trade_id = $1
		ORDER BY created_at ASC
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var out []models.TradeFill
	for rows.Next() {
		var f models.TradeFill
		var side string
		if err := rows.Scan(&f.ID, &f.TradeID, &side, &f.Contracts, &f.Price, &f.Notional, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Side = models.TradeSide(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

func insertActionTx(ctx context.Context, tx pgx.Tx, a models.FollowedTradeAction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO followed_trade_actions (id, follower_id, original_trade_id, action, followed_trade_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.FollowerID, a.OriginalTradeID, string(a.Action), a.FollowedTradeID, a.CreatedAt)
	if isUniqueViolation(err, "ux_followed_trade_actions_pair") {
		return ErrDuplicateAction
	}
	return err
}

func (s *PostgresStore) CreateFollowedTradeAction(ctx context.Context, a models.FollowedTradeAction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertActionTx(ctx, tx, a); err != nil {
		if errors.Is(err, ErrDuplicateAction) {
			return err
		}
		return fmt.Errorf("create action: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	return nil
}

// CreateFollowerTradeAndAction persists a replicated follower trade and the
// linking action atomically. If another writer won the (follower, trade) race
// the whole write rolls back and ErrDuplicateAction is returned — no orphan
// follower trade can survive.
func (s *PostgresStore) CreateFollowerTradeAndAction(ctx context.Context, t models.Trade, a models.FollowedTradeAction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTradeTx(ctx, tx, t); err != nil {
		return fmt.Errorf("create follower trade: %w", err)
	}
	if err := insertActionTx(ctx, tx, a); err != nil {
		if errors.Is(err, ErrDuplicateAction) {
			return err
		}
		return fmt.Errorf("create follower action: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	return nil
}

func scanAction(row pgx.Row) (*models.FollowedTradeAction, error) {
	var a models.FollowedTradeAction
	var action string
	err := row.Scan(&a.ID, &a.FollowerID, &a.OriginalTradeID, &action, &a.FollowedTradeID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Action = models.FollowAction(action)
	return &a, nil
}

const actionColumns = `id, follower_id, original_trade_id, action, followed_trade_id, created_at`

func (s *PostgresStore) GetFollowedTradeAction(ctx context.Context, followerID, originalTradeID string) (*models.FollowedTradeAction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM followed_trade_actions
		WHERE follower_id = $1 AND original_trade_id = $2
	`, followerID, originalTradeID)
	return scanAction(row)
}

func (s *PostgresStore) ListActionsForTrades(ctx context.Context, followerID string, tradeIDs []string) (map[string]models.FollowedTradeAction, error) {
	out := make(map[string]models.FollowedTradeAction, len(tradeIDs))
	if len(tradeIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM followed_trade_actions
		WHERE follower_id = $1 AND original_trade_id = ANY($2)
	`, followerID, tradeIDs)
	if err != nil {
		return nil, fmt.Errorf("list actions for trades: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out[a.OriginalTradeID] = *a
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFollowActionsByOriginalTrade(ctx context.Context, originalTradeID string) ([]models.FollowedTradeAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM followed_trade_actions
		WHERE original_trade_id = $1 AND action = 'follow'
	`, originalTradeID)
	if err != nil {
		return nil, fmt.Errorf("list follow actions: %w", err)
	}
	defer rows.Close()

	var out []models.FollowedTradeAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFollowerAccount(ctx context.Context, userID string) (*models.FollowerAccount, error) {
	var acct models.FollowerAccount
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, auto_replicate, default_broker_connection_id, updated_at
		FROM follower_accounts WHERE user_id = $1
	`, userID).Scan(&acct.UserID, &acct.AutoReplicate, &acct.DefaultBrokerConnectionID, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get follower account: %w", err)
	}
	return &acct, nil
}

func (s *PostgresStore) GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error) {
	var c models.BrokerConnection
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, broker, account_id, authorization_id, is_active, created_at
		FROM broker_connections WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Broker, &c.AccountID, &c.AuthorizationID, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get broker connection: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListActiveBrokerConnections(ctx context.Context, userID string) ([]models.BrokerConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, broker, account_id, authorization_id, is_active, created_at
		FROM broker_connections
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list broker connections: %w", err)
	}
	defer rows.Close()

	var out []models.BrokerConnection
	for rows.Next() {
		var c models.BrokerConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Broker, &c.AccountID, &c.AuthorizationID, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFollowPlan(ctx context.Context, planID string) (*models.FollowPlan, error) {
	var plan models.FollowPlan
	err := s.pool.QueryRow(ctx, `
		SELECT plan_id, capper_user_id, capper_company_id, num_plays
		FROM follow_plans WHERE plan_id = $1
	`, planID).Scan(&plan.PlanID, &plan.CapperUserID, &plan.CapperCompanyID, &plan.NumPlays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get follow plan: %w", err)
	}
	return &plan, nil
}
