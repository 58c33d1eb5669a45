package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

// Store persists learned mappings and failure records
type Store interface {
	GetMapping(ctx context.Context, key string) (*models.TickerMapping, error)
	LearnMapping(ctx context.Context, m *models.TickerMapping) error
	AutoBan(ctx context.Context, key, canonicalID, reason string, now time.Time) error
	ForceBan(ctx context.Context, key, reason string, now time.Time) error
	PutAdminMapping(ctx context.Context, m *models.TickerMapping) error
	InsertIfAbsent(ctx context.Context, m *models.TickerMapping) (bool, error)
	DeleteMapping(ctx context.Context, key string) error
	AddHits(ctx context.Context, hits map[string]HitDelta) error

	GetFailure(ctx context.Context, key string) (*models.FailedResolution, error)
	UpsertFailure(ctx context.Context, f *models.FailedResolution) error
	DeleteFailure(ctx context.Context, key string) error
	PruneFailures(ctx context.Context, before time.Time) (int64, error)

	Stats(ctx context.Context, since time.Time) (StoreStats, error)
}

// HitDelta is an accumulated usage count for one mapping
type HitDelta struct {
	Count    int64
	LastUsed time.Time
}

// StoreStats summarizes the persisted state
type StoreStats struct {
	Active  int64 `db:"active" json:"active"`
	Learned int64 `db:"learned" json:"learned"`
	Admin   int64 `db:"admin" json:"admin"`
	Warmup  int64 `db:"warmup" json:"warmup"`
	Banned  int64 `db:"banned" json:"banned"`
	Recent  int64 `db:"recent" json:"recent"`
	Failing int64 `db:"failing" json:"failing"`
}

// Repository is the sqlx-backed Store. Queries use "?" placeholders and are
// rebound for the connection's driver.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new mapping repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const mappingColumns = `ticker, canonical_id, contract_address, chain, source, confidence_score,
	hit_count, last_used_at, created_at, updated_at, expires_at, is_banned, ban_reason`

// GetMapping returns the row for key, or nil when none exists.
func (r *Repository) GetMapping(ctx context.Context, key string) (*models.TickerMapping, error) {
	var m models.TickerMapping
	query := r.db.Rebind(`SELECT ` + mappingColumns + ` FROM ticker_mappings WHERE ticker = ?`)
	if err := r.db.GetContext(ctx, &m, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return &m, nil
}

// LearnMapping records a search result. Confidence only ever rises; expiry is
// extended when confidence improves or the previous row had expired, and is
// never shortened. Admin and banned rows are left untouched.
func (r *Repository) LearnMapping(ctx context.Context, m *models.TickerMapping) error {
	query := r.db.Rebind(`
		INSERT INTO ticker_mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (ticker) DO UPDATE SET
			canonical_id     = excluded.canonical_id,
			contract_address = COALESCE(excluded.contract_address, ticker_mappings.contract_address),
			chain            = COALESCE(excluded.chain, ticker_mappings.chain),
			source           = excluded.source,
			confidence_score = CASE
				WHEN excluded.confidence_score > ticker_mappings.confidence_score THEN excluded.confidence_score
				ELSE ticker_mappings.confidence_score END,
			expires_at       = CASE
				WHEN ticker_mappings.expires_at IS NULL THEN NULL
				WHEN (excluded.confidence_score > ticker_mappings.confidence_score
					OR ticker_mappings.expires_at <= excluded.updated_at)
					AND excluded.expires_at > ticker_mappings.expires_at THEN excluded.expires_at
				ELSE ticker_mappings.expires_at END,
			last_used_at     = excluded.last_used_at,
			updated_at       = excluded.updated_at
		WHERE ticker_mappings.source <> 'admin' AND NOT ticker_mappings.is_banned`)

	_, err := r.db.ExecContext(ctx, query,
		m.Ticker, m.CanonicalID, m.ContractAddress, m.Chain, string(m.Source), m.ConfidenceScore,
		m.LastUsedAt, m.CreatedAt, m.UpdatedAt, m.ExpiresAt, false,
	)
	if err != nil {
		return fmt.Errorf("failed to learn mapping: %w", err)
	}
	return nil
}

// AutoBan persists a rule-triggered ban unless an admin row owns the key.
func (r *Repository) AutoBan(ctx context.Context, key, canonicalID, reason string, now time.Time) error {
	query := r.db.Rebind(`
		INSERT INTO ticker_mappings (` + mappingColumns + `)
		VALUES (?, ?, NULL, NULL, ?, 0, 0, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (ticker) DO UPDATE SET
			canonical_id     = excluded.canonical_id,
			confidence_score = 0,
			expires_at       = NULL,
			is_banned        = excluded.is_banned,
			ban_reason       = excluded.ban_reason,
			updated_at       = excluded.updated_at
		WHERE ticker_mappings.source <> 'admin'`)

	_, err := r.db.ExecContext(ctx, query,
		key, canonicalID, string(models.SourceLearned), now, now, now, true, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to ban mapping: %w", err)
	}
	return nil
}

// ForceBan bans key regardless of who owns the row.
func (r *Repository) ForceBan(ctx context.Context, key, reason string, now time.Time) error {
	query := r.db.Rebind(`
		INSERT INTO ticker_mappings (` + mappingColumns + `)
		VALUES (?, '', NULL, NULL, ?, 0, 0, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (ticker) DO UPDATE SET
			source           = excluded.source,
			confidence_score = 0,
			expires_at       = NULL,
			is_banned        = excluded.is_banned,
			ban_reason       = excluded.ban_reason,
			updated_at       = excluded.updated_at`)

	_, err := r.db.ExecContext(ctx, query,
		key, string(models.SourceAdmin), now, now, now, true, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to force ban: %w", err)
	}
	return nil
}

// PutAdminMapping writes an admin-approved mapping, overriding anything stored.
func (r *Repository) PutAdminMapping(ctx context.Context, m *models.TickerMapping) error {
	query := r.db.Rebind(`
		INSERT INTO ticker_mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, NULL, ?, NULL)
		ON CONFLICT (ticker) DO UPDATE SET
			canonical_id     = excluded.canonical_id,
			contract_address = excluded.contract_address,
			chain            = excluded.chain,
			source           = excluded.source,
			confidence_score = excluded.confidence_score,
			expires_at       = NULL,
			is_banned        = excluded.is_banned,
			ban_reason       = NULL,
			updated_at       = excluded.updated_at`)

	_, err := r.db.ExecContext(ctx, query,
		m.Ticker, m.CanonicalID, m.ContractAddress, m.Chain, string(models.SourceAdmin), m.ConfidenceScore,
		m.LastUsedAt, m.CreatedAt, m.UpdatedAt, false,
	)
	if err != nil {
		return fmt.Errorf("failed to put admin mapping: %w", err)
	}
	return nil
}

// InsertIfAbsent writes m only when no row exists for its ticker.
func (r *Repository) InsertIfAbsent(ctx context.Context, m *models.TickerMapping) (bool, error) {
	query := r.db.Rebind(`
		INSERT INTO ticker_mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (ticker) DO NOTHING`)

	res, err := r.db.ExecContext(ctx, query,
		m.Ticker, m.CanonicalID, m.ContractAddress, m.Chain, string(m.Source), m.ConfidenceScore,
		m.LastUsedAt, m.CreatedAt, m.UpdatedAt, m.ExpiresAt, false,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) DeleteMapping(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM ticker_mappings WHERE ticker = ?`), key); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

// AddHits applies buffered hit counts in one transaction.
func (r *Repository) AddHits(ctx context.Context, hits map[string]HitDelta) error {
	if len(hits) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		UPDATE ticker_mappings
		SET hit_count = hit_count + ?,
			last_used_at = CASE WHEN last_used_at < ? THEN ? ELSE last_used_at END
		WHERE ticker = ?`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, h := range hits {
		if _, err := stmt.ExecContext(ctx, h.Count, h.LastUsed, h.LastUsed, key); err != nil {
			return fmt.Errorf("failed to add hits for %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hits: %w", err)
	}

	logger.Debug("flushed mapping hits", zap.Int("mappings", len(hits)))
	return nil
}

// GetFailure returns the failure record for key, or nil.
func (r *Repository) GetFailure(ctx context.Context, key string) (*models.FailedResolution, error) {
	var f models.FailedResolution
	query := r.db.Rebind(`
		SELECT ticker, failure_count, last_reason, last_failed_at, retry_after, chain_hint
		FROM failed_resolutions WHERE ticker = ?`)
	if err := r.db.GetContext(ctx, &f, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	return &f, nil
}

func (r *Repository) UpsertFailure(ctx context.Context, f *models.FailedResolution) error {
	query := r.db.Rebind(`
		INSERT INTO failed_resolutions (ticker, failure_count, last_reason, last_failed_at, retry_after, chain_hint)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker) DO UPDATE SET
			failure_count  = excluded.failure_count,
			last_reason    = excluded.last_reason,
			last_failed_at = excluded.last_failed_at,
			retry_after    = excluded.retry_after,
			chain_hint     = excluded.chain_hint`)

	_, err := r.db.ExecContext(ctx, query,
		f.Ticker, f.FailureCount, string(f.LastReason), f.LastFailedAt, f.RetryAfter, f.ChainHint,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert failure: %w", err)
	}
	return nil
}

func (r *Repository) DeleteFailure(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM failed_resolutions WHERE ticker = ?`), key); err != nil {
		return fmt.Errorf("failed to delete failure: %w", err)
	}
	return nil
}

// PruneFailures drops failure records last touched before the cutoff.
func (r *Repository) PruneFailures(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM failed_resolutions WHERE last_failed_at < ?`), before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune failures: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) Stats(ctx context.Context, since time.Time) (StoreStats, error) {
	var s StoreStats
	query := r.db.Rebind(`
		SELECT
			COALESCE(SUM(CASE WHEN is_banned THEN 0 ELSE 1 END), 0) AS active,
			COALESCE(SUM(CASE WHEN NOT is_banned AND source = 'learned' THEN 1 ELSE 0 END), 0) AS learned,
			COALESCE(SUM(CASE WHEN NOT is_banned AND source = 'admin' THEN 1 ELSE 0 END), 0) AS admin,
			COALESCE(SUM(CASE WHEN NOT is_banned AND source = 'warmup' THEN 1 ELSE 0 END), 0) AS warmup,
			COALESCE(SUM(CASE WHEN is_banned THEN 1 ELSE 0 END), 0) AS banned,
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0) AS recent,
			(SELECT COUNT(*) FROM failed_resolutions) AS failing
		FROM ticker_mappings`)
	if err := r.db.GetContext(ctx, &s, query, since); err != nil {
		return s, fmt.Errorf("failed to load stats: %w", err)
	}
	return s, nil
}
