package clickhouse

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/internal/adapters/config"
	"github.com/selivandex/coin-resolver/pkg/logger"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS resolution_events (
		event_id     UUID,
		timestamp    DateTime64(3, 'UTC'),
		ticker       LowCardinality(String),
		canonical_id String,
		via          LowCardinality(String),
		outcome      LowCardinality(String),
		reason       String,
		took_ms      Int64
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (ticker, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 90 DAY`,

	`CREATE TABLE IF NOT EXISTS upstream_calls (
		timestamp DateTime64(3, 'UTC'),
		ids       Int64,
		took_ms   Int64,
		error     String
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY timestamp
	TTL toDateTime(timestamp) + INTERVAL 30 DAY`,
}

// Connect opens the audit database over the native protocol and pings it
func Connect(ctx context.Context, cfg *config.ClickHouseConfig) (*sqlx.DB, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("ClickHouse disabled in config")
	}

	db, err := sqlx.Open("clickhouse", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ClickHouse ping failed: %w", err)
	}

	logger.Info("ClickHouse connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return db, nil
}

// EnsureSchema creates the audit tables if they are missing
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create ClickHouse table: %w", err)
		}
	}
	return nil
}
