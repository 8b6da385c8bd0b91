package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"pulseintel/internal/config"
	"pulseintel/internal/events"
)

// Analytics is the bulk-insert sink for the external analytical store. The
// store owns its schema (partitioned, replacing-engine tables); this side
// only appends rows and probes liveness.
type Analytics struct {
	db        *sqlx.DB
	batchSize int
}

// NewAnalytics opens the analytical store over its HTTP interface.
func NewAnalytics(cfg config.ClickHouseConfig) (*Analytics, error) {
	dsn := fmt.Sprintf("http://%s:%d/%s?username=%s&password=%s&dial_timeout=10s",
		cfg.Host, cfg.Port, cfg.Database,
		url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password))

	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open analytical store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Analytics{db: db, batchSize: batchSize}, nil
}

// Ping probes store liveness. A real round-trip, not a cached flag: the
// health supervisor depends on this being honest.
func (a *Analytics) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// InsertTrades appends raw trades in batches. Duplicate suppression is the
// store's job (replacing engine keyed on symbol, market, minute, trade id).
func (a *Analytics) InsertTrades(ctx context.Context, trades []events.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	for start := 0; start < len(trades); start += a.batchSize {
		end := min(start+a.batchSize, len(trades))
		if err := a.insertBatch(ctx, trades[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analytics) insertBatch(ctx context.Context, trades []events.Trade) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PreparexContext(ctx,
		"INSERT INTO trades_raw (symbol, market, price, size, side, ts, trade_id) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.Symbol, t.Market, t.Price, t.Size, t.Side, t.Timestamp, t.Hash()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}
	log.Debug().Int("rows", len(trades)).Msg("analytical batch flushed")
	return nil
}

// Close releases the connection pool.
func (a *Analytics) Close() error {
	return a.db.Close()
}
