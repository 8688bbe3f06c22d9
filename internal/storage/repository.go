package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTradeSQL = `INSERT INTO trades (
        price,
        quantity,
        is_sale,
        traded_at
    ) VALUES (
        $1,$2,$3,COALESCE($4, NOW())
    )
    RETURNING id, traded_at;`

	listRecentTradesSQL = `SELECT id, price, quantity, is_sale, traded_at
    FROM (
        SELECT id, price::text AS price, quantity::text AS quantity, is_sale, traded_at
        FROM trades
        ORDER BY traded_at DESC, id DESC
        LIMIT $1
    ) recent
    ORDER BY traded_at, id;`

	listTradesBetweenSQL = `SELECT
        id,
        price::text,
        quantity::text,
        is_sale,
        traded_at
    FROM trades
    WHERE traded_at >= $1
      AND traded_at < $2
    ORDER BY traded_at, id;`

	countTradesSQL = `SELECT COUNT(*) FROM trades;`

	upsertOpenInterestSQL = `INSERT INTO open_interest (
        minute_bucket,
        value,
        updated_at
    ) VALUES (
        $1,$2,NOW()
    )
    ON CONFLICT (minute_bucket) DO UPDATE
    SET
        value      = EXCLUDED.value,
        updated_at = EXCLUDED.updated_at;`

	listRecentOpenInterestSQL = `SELECT minute_bucket, value, updated_at
    FROM (
        SELECT minute_bucket, value::text AS value, updated_at
        FROM open_interest
        ORDER BY minute_bucket DESC
        LIMIT $1
    ) recent
    ORDER BY minute_bucket;`

	listOpenInterestBetweenSQL = `SELECT
        minute_bucket,
        value::text,
        updated_at
    FROM open_interest
    WHERE minute_bucket >= $1
      AND minute_bucket < $2
    ORDER BY minute_bucket;`

	ensureSettingSQL = `INSERT INTO settings (key, value)
    VALUES ($1, $2)
    ON CONFLICT (key) DO NOTHING;`

	loadSettingSQL = `SELECT value::text FROM settings WHERE key = $1;`

	saveSettingSQL = `INSERT INTO settings (key, value, updated_at)
    VALUES ($1, $2, NOW())
    ON CONFLICT (key) DO UPDATE
    SET value      = EXCLUDED.value,
        updated_at = EXCLUDED.updated_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TradeStore persists and projects large trades. Trades are append-only.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade Trade) (Trade, error)
	ListRecentTrades(ctx context.Context, limit int) ([]Trade, error)
	ListTradesBetween(ctx context.Context, from, to time.Time) ([]Trade, error)
	CountTrades(ctx context.Context) (int64, error)
}

// OpenInterestStore persists minute-bucketed open interest samples.
type OpenInterestStore interface {
	UpsertOpenInterest(ctx context.Context, sample OpenInterestSample) error
	ListRecentOpenInterest(ctx context.Context, limit int) ([]OpenInterestSample, error)
	ListOpenInterestBetween(ctx context.Context, fromBucket, toBucket int64) ([]OpenInterestSample, error)
}

// SettingStore is the durable key/value mirror for runtime settings.
type SettingStore interface {
	EnsureSetting(ctx context.Context, key string, value decimal.Decimal) error
	LoadSetting(ctx context.Context, key string) (decimal.Decimal, error)
	SaveSetting(ctx context.Context, key string, value decimal.Decimal) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to trades, open interest and settings.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTrade appends a trade. A zero Timestamp is filled in by the database.
func (s *Store) InsertTrade(ctx context.Context, trade Trade) (Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return Trade{}, err
	}

	var ts interface{}
	if !trade.Timestamp.IsZero() {
		ts = trade.Timestamp.UTC()
	}

	row := pool.QueryRow(ctx, insertTradeSQL,
		trade.Price.String(),
		trade.Quantity.String(),
		trade.IsSale,
		ts,
	)
	if scanErr := row.Scan(&trade.ID, &trade.Timestamp); scanErr != nil {
		return Trade{}, fmt.Errorf("insert trade: %w", scanErr)
	}
	return trade, nil
}

// ListRecentTrades returns the newest trades, oldest first.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	return collectTrades(rows, limit)
}

// ListTradesBetween lists trades within a time window.
func (s *Store) ListTradesBetween(ctx context.Context, from, to time.Time) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades between: %w", queryErr)
	}
	defer rows.Close()

	return collectTrades(rows, 0)
}

// CountTrades counts stored trades.
func (s *Store) CountTrades(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTradesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count trades: %w", scanErr)
	}
	return count, nil
}

// UpsertOpenInterest writes the sample, overwriting any value already stored for its bucket.
func (s *Store) UpsertOpenInterest(ctx context.Context, sample OpenInterestSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertOpenInterestSQL, sample.MinuteBucket, sample.Value.String()); execErr != nil {
		return fmt.Errorf("upsert open interest: %w", execErr)
	}
	return nil
}

// ListRecentOpenInterest returns the newest samples ordered by ascending bucket.
func (s *Store) ListRecentOpenInterest(ctx context.Context, limit int) ([]OpenInterestSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentOpenInterestSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent open interest: %w", queryErr)
	}
	defer rows.Close()

	return collectOpenInterest(rows, limit)
}

// ListOpenInterestBetween lists samples with fromBucket <= bucket < toBucket.
func (s *Store) ListOpenInterestBetween(ctx context.Context, fromBucket, toBucket int64) ([]OpenInterestSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOpenInterestBetweenSQL, fromBucket, toBucket)
	if queryErr != nil {
		return nil, fmt.Errorf("list open interest between: %w", queryErr)
	}
	defer rows.Close()

	return collectOpenInterest(rows, 0)
}

// EnsureSetting inserts the value only when key is absent.
func (s *Store) EnsureSetting(ctx context.Context, key string, value decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, ensureSettingSQL, key, value.String()); execErr != nil {
		return fmt.Errorf("ensure setting %s: %w", key, execErr)
	}
	return nil
}

// LoadSetting reads a setting; pgx.ErrNoRows is returned when absent.
func (s *Store) LoadSetting(ctx context.Context, key string) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	var raw string
	if scanErr := pool.QueryRow(ctx, loadSettingSQL, key).Scan(&raw); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return decimal.Decimal{}, scanErr
		}
		return decimal.Decimal{}, fmt.Errorf("load setting %s: %w", key, scanErr)
	}

	value, convErr := decimal.NewFromString(raw)
	if convErr != nil {
		return decimal.Decimal{}, fmt.Errorf("parse setting %s: %w", key, convErr)
	}
	return value, nil
}

// SaveSetting overwrites a setting.
func (s *Store) SaveSetting(ctx context.Context, key string, value decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, saveSettingSQL, key, value.String()); execErr != nil {
		return fmt.Errorf("save setting %s: %w", key, execErr)
	}
	return nil
}

func collectTrades(rows pgx.Rows, capacity int) ([]Trade, error) {
	trades := make([]Trade, 0, capacity)
	for rows.Next() {
		var (
			trade       Trade
			priceStr    string
			quantityStr string
		)
		if err := rows.Scan(&trade.ID, &priceStr, &quantityStr, &trade.IsSale, &trade.Timestamp); err != nil {
			return nil, err
		}

		var convErr error
		trade.Price, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade price: %w", convErr)
		}
		trade.Quantity, convErr = decimal.NewFromString(quantityStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade quantity: %w", convErr)
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func collectOpenInterest(rows pgx.Rows, capacity int) ([]OpenInterestSample, error) {
	samples := make([]OpenInterestSample, 0, capacity)
	for rows.Next() {
		var (
			sample   OpenInterestSample
			valueStr string
		)
		if err := rows.Scan(&sample.MinuteBucket, &valueStr, &sample.UpdatedAt); err != nil {
			return nil, err
		}
		value, convErr := decimal.NewFromString(valueStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse open interest: %w", convErr)
		}
		sample.Value = value
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

var (
	_ TradeStore        = (*Store)(nil)
	_ OpenInterestStore = (*Store)(nil)
	_ SettingStore      = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
