package models

import (
	"database/sql"
	"time"
)

// MappingSource records who created a ticker mapping
type MappingSource string

const (
	SourceAdmin   MappingSource = "admin"
	SourceLearned MappingSource = "learned"
	SourceWarmup  MappingSource = "warmup"
)

// FailureReason classifies a failed resolution attempt
type FailureReason string

const (
	ReasonNotFound  FailureReason = "not_found"
	ReasonRateLimit FailureReason = "ratelimit"
	ReasonAmbiguous FailureReason = "ambiguous"
	ReasonAPIError  FailureReason = "api_error"
)

// TickerMapping is a learned (or admin-provided) ticker -> canonical id row.
// Ticker is the normalized key, optionally qualified as "<ticker>:<chain>".
type TickerMapping struct {
	Ticker          string         `db:"ticker" json:"ticker"`
	CanonicalID     string         `db:"canonical_id" json:"canonical_id"`
	ContractAddress sql.NullString `db:"contract_address" json:"-"`
	Chain           sql.NullString `db:"chain" json:"-"`
	Source          MappingSource  `db:"source" json:"source"`
	ConfidenceScore int            `db:"confidence_score" json:"confidence_score"`
	HitCount        int64          `db:"hit_count" json:"hit_count"`
	LastUsedAt      time.Time      `db:"last_used_at" json:"last_used_at"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
	ExpiresAt       sql.NullTime   `db:"expires_at" json:"-"`
	IsBanned        bool           `db:"is_banned" json:"is_banned"`
	BanReason       sql.NullString `db:"ban_reason" json:"ban_reason,omitempty"`
}

// Expired reports whether the mapping's TTL has passed at now.
// Mappings without expiry never expire.
func (m *TickerMapping) Expired(now time.Time) bool {
	return m.ExpiresAt.Valid && !now.Before(m.ExpiresAt.Time)
}

// FailedResolution tracks repeated failures for one normalized ticker
type FailedResolution struct {
	Ticker       string         `db:"ticker" json:"ticker"`
	FailureCount int            `db:"failure_count" json:"failure_count"`
	LastReason   FailureReason  `db:"last_reason" json:"last_reason"`
	LastFailedAt time.Time      `db:"last_failed_at" json:"last_failed_at"`
	RetryAfter   time.Time      `db:"retry_after" json:"retry_after"`
	ChainHint    sql.NullString `db:"chain_hint" json:"-"`
}

// Candidate is a single search result from the price-data provider
type Candidate struct {
	ID            string   `json:"id"`
	Symbol        string   `json:"symbol"`
	Name          string   `json:"name"`
	MarketCapRank int      `json:"market_cap_rank"`
	Categories    []string `json:"categories,omitempty"`
}

// ResolutionVia tells callers which stage produced a resolution
type ResolutionVia string

const (
	ViaCanonical ResolutionVia = "canonical"
	ViaCache     ResolutionVia = "cache"
	ViaStore     ResolutionVia = "store"
	ViaSearch    ResolutionVia = "search"
	ViaEphemeral ResolutionVia = "ephemeral"
)

// Resolution is the answer to a ticker lookup
type Resolution struct {
	ID     string        `json:"id"`
	Ticker string        `json:"ticker"`
	Quote  string        `json:"quote,omitempty"`
	Chain  string        `json:"chain,omitempty"`
	Via    ResolutionVia `json:"via"`
}
