package marketdata

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	domain "depthview/internal/domain/entity/marketdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNumericConversionIsExact(t *testing.T) {
	for _, raw := range []string{"0.00000001", "187.31", "-0.6", "123456789012345678.9", "0"} {
		d := decimal.RequireFromString(raw)
		require.True(t, d.Equal(fromNumeric(toNumeric(d))), raw)
	}
	require.True(t, fromNumeric(pgtype.Numeric{}).IsZero())
}

func TestCandleRowsAssignsIDs(t *testing.T) {
	candles := []domain.Candle{{
		Symbol:      "IBM",
		Interval:    "5min",
		PeriodStart: time.Date(2024, 1, 5, 19, 55, 0, 0, time.UTC),
		Open:        decimal.RequireFromString("159.1"),
		Volume:      decimal.NewFromInt(56),
	}}

	rows := candleRows(candles)
	require.Len(t, rows, 1)
	require.Len(t, rows[0], len(candleColumns))
	require.NotEqual(t, uuid.Nil, candles[0].ID)
	require.Equal(t, candles[0].ID, rows[0][0])
	require.Equal(t, "IBM", rows[0][1])

	again := []domain.Candle{{Symbol: "IBM", Interval: "5min", PeriodStart: candles[0].PeriodStart}}
	candleRows(again)
	require.Equal(t, candles[0].ID, again[0].ID)
}

type recordingExecer struct {
	statements []string
}

func (e *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	e.statements = append(e.statements, sql)
	return pgconn.CommandTag{}, nil
}

func TestSchemaKeysCandlesByPeriod(t *testing.T) {
	db := &recordingExecer{}
	require.NoError(t, ensureSchema(context.Background(), db))
	require.Len(t, db.statements, 1)
	require.Contains(t, db.statements[0], "CREATE UNIQUE INDEX IF NOT EXISTS candles_natural_key")
	require.Contains(t, db.statements[0], "ON candles (symbol, interval, period_start DESC)")

	require.Contains(t, mergeCandleStage, "ON CONFLICT DO NOTHING")
	require.Contains(t, createCandleStage, "ON COMMIT DROP")
}

func TestOrderBookRowsEncodesLevels(t *testing.T) {
	id := uuid.New()
	snapshots := []domain.OrderBookSnapshot{{
		ID:           id,
		Symbol:       "SOLUSDT",
		Source:       "binance",
		LastUpdateID: 42,
		FetchedAt:    time.Now().UTC(),
		Bids:         []domain.Level{{Price: decimal.RequireFromString("187.31"), Quantity: decimal.RequireFromString("1.5")}},
		Asks:         []domain.Level{},
	}}

	rows, err := orderBookRows(snapshots)
	require.NoError(t, err)
	require.Len(t, rows[0], len(orderBookColumns))
	require.Equal(t, id, rows[0][0])

	var bids []domain.Level
	require.NoError(t, json.Unmarshal(rows[0][5].([]byte), &bids))
	require.Len(t, bids, 1)
	require.True(t, bids[0].Price.Equal(decimal.RequireFromString("187.31")))
}
