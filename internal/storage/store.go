// Package storage persists closed candles and aggregation checkpoints in a SQL
// database.
//
// SQLite (modernc.org/sqlite, pure Go) is the default driver; PostgreSQL
// (lib/pq) is used when a postgres DSN is configured. Queries are built with
// squirrel so the same statements run on both, differing only in placeholder
// format. Decimal values are stored as text to keep them exact.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"candlefeed/internal/candles"
	"candlefeed/internal/model"

	"github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned by Open for unknown drivers.
var ErrUnsupportedDriver = errors.New("storage: unsupported driver")

// Config selects the database.
type Config struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn"`
}

// Store is the SQL-backed candle sink, checkpoint store and range reader.
type Store struct {
	db     *sql.DB
	sq     squirrel.StatementBuilderType
	logger zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol       TEXT    NOT NULL,
	timeframe    BIGINT  NOT NULL,
	window_start BIGINT  NOT NULL,
	window_end   BIGINT  NOT NULL,
	open         TEXT    NOT NULL,
	high         TEXT    NOT NULL,
	low          TEXT    NOT NULL,
	close        TEXT    NOT NULL,
	volume       TEXT    NOT NULL,
	trade_count  BIGINT  NOT NULL,
	updated_at   BIGINT  NOT NULL,
	PRIMARY KEY (symbol, timeframe, window_start)
);
CREATE TABLE IF NOT EXISTS checkpoints (
	symbol             TEXT   NOT NULL,
	timeframe          BIGINT NOT NULL,
	last_emitted_start BIGINT NOT NULL,
	last_close         TEXT   NOT NULL,
	PRIMARY KEY (symbol, timeframe)
);
`

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	dsn := cfg.DSN
	if dsn == "" && driver == DriverSQLite {
		dsn = ":memory:"
	}

	var placeholders squirrel.PlaceholderFormat
	switch driver {
	case DriverSQLite:
		placeholders = squirrel.Question
	case DriverPostgres:
		placeholders = squirrel.Dollar
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection keeps an in-memory database shared and serializes writers
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{
		db:     db,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(placeholders),
		logger: log.With().Str("component", "storage").Str("driver", driver).Logger(),
	}
	if err := s.migrate(ctx, driver); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info().Msg("storage ready")
	return s, nil
}

func (s *Store) migrate(ctx context.Context, driver string) error {
	if driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			s.logger.Warn().Err(err).Msg("failed to set WAL mode")
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Upsert writes a closed candle. Writing the same window again replaces it, so
// duplicate and out-of-order delivery converge on the same row.
func (s *Store) Upsert(ctx context.Context, c model.Candle) error {
	if c.State == model.StateOpen {
		return fmt.Errorf("upsert %s %s %s: candle is still open", c.Symbol, c.Timeframe, c.WindowStart.Format(time.RFC3339))
	}
	_, err := s.sq.
		Insert("candles").
		Columns("symbol", "timeframe", "window_start", "window_end",
			"open", "high", "low", "close", "volume", "trade_count", "updated_at").
		Values(c.Symbol, c.Timeframe.Seconds(), c.WindowStart.UnixMilli(), c.WindowEnd.UnixMilli(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
			c.TradeCount, time.Now().UnixMilli()).
		Suffix(`ON CONFLICT (symbol, timeframe, window_start) DO UPDATE SET
			window_end = excluded.window_end,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			trade_count = excluded.trade_count,
			updated_at = excluded.updated_at`).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("upsert candle %s %s: %w", c.Symbol, c.Timeframe, err)
	}
	return nil
}

// SaveCheckpoint records the newest emitted window of a series. Older
// checkpoints never overwrite newer ones.
func (s *Store) SaveCheckpoint(ctx context.Context, cp candles.Checkpoint) error {
	_, err := s.sq.
		Insert("checkpoints").
		Columns("symbol", "timeframe", "last_emitted_start", "last_close").
		Values(cp.Symbol, cp.Timeframe.Seconds(), cp.LastEmittedStart.UnixMilli(), cp.LastClose.String()).
		Suffix(`ON CONFLICT (symbol, timeframe) DO UPDATE SET
			last_emitted_start = excluded.last_emitted_start,
			last_close = excluded.last_close
			WHERE excluded.last_emitted_start > checkpoints.last_emitted_start`).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("save checkpoint %s %s: %w", cp.Symbol, cp.Timeframe, err)
	}
	return nil
}

// LoadCheckpoints returns every stored checkpoint.
func (s *Store) LoadCheckpoints(ctx context.Context) ([]candles.Checkpoint, error) {
	rows, err := s.sq.
		Select("symbol", "timeframe", "last_emitted_start", "last_close").
		From("checkpoints").
		OrderBy("symbol", "timeframe").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []candles.Checkpoint
	for rows.Next() {
		var (
			cp      candles.Checkpoint
			tfSecs  int64
			startMs int64
			closeS  string
		)
		if err := rows.Scan(&cp.Symbol, &tfSecs, &startMs, &closeS); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Timeframe = model.Timeframe(time.Duration(tfSecs) * time.Second)
		cp.LastEmittedStart = time.UnixMilli(startMs).UTC()
		if cp.LastClose, err = decimal.NewFromString(closeS); err != nil {
			return nil, fmt.Errorf("checkpoint %s close %q: %w", cp.Symbol, closeS, err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Range returns the stored candles of a series with from <= windowStart < to,
// oldest first. A zero to means no upper bound.
func (s *Store) Range(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time, limit uint64) ([]model.Candle, error) {
	q := s.sq.
		Select("window_start", "window_end", "open", "high", "low", "close", "volume", "trade_count").
		From("candles").
		Where(squirrel.Eq{"symbol": symbol, "timeframe": tf.Seconds()}).
		Where(squirrel.GtOrEq{"window_start": from.UnixMilli()}).
		OrderBy("window_start ASC")
	if !to.IsZero() {
		q = q.Where(squirrel.Lt{"window_start": to.UnixMilli()})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	rows, err := q.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			startMs, endMs               int64
			open, high, low, closeS, vol string
			count                        int64
		)
		if err := rows.Scan(&startMs, &endMs, &open, &high, &low, &closeS, &vol, &count); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c := model.Candle{
			Symbol:      symbol,
			Timeframe:   tf,
			WindowStart: time.UnixMilli(startMs).UTC(),
			WindowEnd:   time.UnixMilli(endMs).UTC(),
			TradeCount:  count,
			State:       model.StateClosed,
		}
		if err := parseDecimals(map[*decimal.Decimal]string{
			&c.Open: open, &c.High: high, &c.Low: low, &c.Close: closeS, &c.Volume: vol,
		}); err != nil {
			return nil, fmt.Errorf("candle %s %s: %w", symbol, c.WindowStart.Format(time.RFC3339), err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse %q: %w", raw, err)
		}
		*dst = v
	}
	return nil
}
