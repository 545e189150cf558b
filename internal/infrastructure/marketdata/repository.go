package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domain "depthview/internal/domain/entity/marketdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const schema = `
	CREATE TABLE IF NOT EXISTS order_book_snapshots (
		snapshot_id    UUID PRIMARY KEY,
		symbol         TEXT        NOT NULL,
		source         TEXT        NOT NULL,
		last_update_id BIGINT      NOT NULL,
		fetched_at     TIMESTAMPTZ NOT NULL,
		bids           JSONB       NOT NULL,
		asks           JSONB       NOT NULL,
		metadata       JSONB
	);
	CREATE INDEX IF NOT EXISTS order_book_snapshots_symbol_fetched_at
		ON order_book_snapshots (symbol, fetched_at DESC);

	CREATE TABLE IF NOT EXISTS candles (
		candle_id    UUID PRIMARY KEY,
		symbol       TEXT        NOT NULL,
		interval     TEXT        NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		open         NUMERIC     NOT NULL,
		high         NUMERIC     NOT NULL,
		low          NUMERIC     NOT NULL,
		close        NUMERIC     NOT NULL,
		volume       NUMERIC     NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS candles_natural_key
		ON candles (symbol, interval, period_start DESC);`

// Candles are copied into a per-transaction staging table first, so bars that are already
// stored are skipped instead of failing the whole COPY.
const (
	createCandleStage = `CREATE TEMP TABLE candles_stage (LIKE candles INCLUDING DEFAULTS) ON COMMIT DROP`
	mergeCandleStage  = `
		INSERT INTO candles (candle_id, symbol, interval, period_start, open, high, low, close, volume)
		SELECT candle_id, symbol, interval, period_start, open, high, low, close, volume
		FROM candles_stage
		ON CONFLICT DO NOTHING`
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Open connects and creates the history tables when they are missing.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	repo, err := NewRepository(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the history tables when they are missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	return ensureSchema(ctx, r.pool)
}

func ensureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Candles

var candleColumns = []string{
	"candle_id",
	"symbol",
	"interval",
	"period_start",
	"open",
	"high",
	"low",
	"close",
	"volume",
}

func (r *Repository) AddCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin candles tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, createCandleStage); err != nil {
		return fmt.Errorf("create candles stage: %w", err)
	}
	_, err = tx.CopyFrom(
		ctx,
		pgx.Identifier{"candles_stage"},
		candleColumns,
		pgx.CopyFromRows(candleRows(candles)),
	)
	if err != nil {
		return fmt.Errorf("copy candles: %w", err)
	}
	if _, err := tx.Exec(ctx, mergeCandleStage); err != nil {
		return fmt.Errorf("merge candles: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit candles: %w", err)
	}
	return nil
}

func candleRows(candles []domain.Candle) [][]any {
	rows := make([][]any, 0, len(candles))
	for i := range candles {
		if candles[i].ID == uuid.Nil {
			candles[i].ID = domain.CandleID(candles[i].Symbol, candles[i].Interval, candles[i].PeriodStart)
		}
		rows = append(rows, []any{
			candles[i].ID,
			candles[i].Symbol,
			candles[i].Interval,
			candles[i].PeriodStart,
			toNumeric(candles[i].Open),
			toNumeric(candles[i].High),
			toNumeric(candles[i].Low),
			toNumeric(candles[i].Close),
			toNumeric(candles[i].Volume),
		})
	}
	return rows
}

func (r *Repository) GetLastCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	const query = `
		SELECT candle_id, symbol, interval, period_start,
		       open, high, low, close, volume
		FROM candles
		WHERE symbol=$1 AND interval=$2
		ORDER BY period_start DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candles := make([]domain.Candle, 0, limit)
	for rows.Next() {
		candle, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, rows.Err()
}

func scanCandle(row pgx.Row) (domain.Candle, error) {
	var open, high, low, closePrice, volume pgtype.Numeric
	candle := domain.Candle{}
	err := row.Scan(
		&candle.ID,
		&candle.Symbol,
		&candle.Interval,
		&candle.PeriodStart,
		&open,
		&high,
		&low,
		&closePrice,
		&volume,
	)
	if err != nil {
		return domain.Candle{}, err
	}
	candle.Open = fromNumeric(open)
	candle.High = fromNumeric(high)
	candle.Low = fromNumeric(low)
	candle.Close = fromNumeric(closePrice)
	candle.Volume = fromNumeric(volume)
	return candle, nil
}

// Order book snapshots

var orderBookColumns = []string{
	"snapshot_id",
	"symbol",
	"source",
	"last_update_id",
	"fetched_at",
	"bids",
	"asks",
	"metadata",
}

func (r *Repository) AddOrderBookSnapshots(ctx context.Context, snapshots []domain.OrderBookSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	rows, err := orderBookRows(snapshots)
	if err != nil {
		return err
	}
	_, err = r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"order_book_snapshots"},
		orderBookColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy order book snapshots: %w", err)
	}
	return nil
}

func orderBookRows(snapshots []domain.OrderBookSnapshot) ([][]any, error) {
	rows := make([][]any, 0, len(snapshots))
	for i := range snapshots {
		if snapshots[i].ID == uuid.Nil {
			snapshots[i].ID = uuid.New()
		}
		bidsJSON, err := marshalJSON(snapshots[i].Bids)
		if err != nil {
			return nil, err
		}
		asksJSON, err := marshalJSON(snapshots[i].Asks)
		if err != nil {
			return nil, err
		}
		meta, err := marshalJSON(snapshots[i].Metadata)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{
			snapshots[i].ID,
			snapshots[i].Symbol,
			snapshots[i].Source,
			snapshots[i].LastUpdateID,
			snapshots[i].FetchedAt,
			bidsJSON,
			asksJSON,
			meta,
		})
	}
	return rows, nil
}

func (r *Repository) GetLastOrderBookSnapshots(ctx context.Context, symbol string, limit int) ([]domain.OrderBookSnapshot, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	const query = `
		SELECT snapshot_id, symbol, source, last_update_id, fetched_at, bids, asks, metadata
		FROM order_book_snapshots
		WHERE symbol=$1
		ORDER BY fetched_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]domain.OrderBookSnapshot, 0, limit)
	for rows.Next() {
		snapshot, err := scanOrderBook(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func scanOrderBook(row pgx.Row) (domain.OrderBookSnapshot, error) {
	var (
		bidsJSON []byte
		asksJSON []byte
		metaJSON []byte
	)
	snapshot := domain.OrderBookSnapshot{}
	err := row.Scan(
		&snapshot.ID,
		&snapshot.Symbol,
		&snapshot.Source,
		&snapshot.LastUpdateID,
		&snapshot.FetchedAt,
		&bidsJSON,
		&asksJSON,
		&metaJSON,
	)
	if err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	if err := json.Unmarshal(bidsJSON, &snapshot.Bids); err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	if err := json.Unmarshal(asksJSON, &snapshot.Asks); err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	meta, err := unmarshalMetadata(metaJSON)
	if err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	snapshot.Metadata = meta
	return snapshot, nil
}

// Helpers

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmarshalMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
