package metrics

import (
	"time"

	"github.com/google/uuid"
)

// ResolutionEvent is one audit row per ticker lookup that reached the
// learning store (canonical hits are not recorded).
type ResolutionEvent struct {
	ID          uuid.UUID
	Timestamp   time.Time
	Ticker      string
	CanonicalID string
	Via         string
	Outcome     string // resolved, failed, banned
	Reason      string
	TookMs      int64
}

// NewResolutionEvent stamps a fresh event id.
func NewResolutionEvent(ts time.Time, ticker, canonicalID, via, outcome, reason string, took time.Duration) *ResolutionEvent {
	return &ResolutionEvent{
		ID:          uuid.New(),
		Timestamp:   ts.UTC(),
		Ticker:      ticker,
		CanonicalID: canonicalID,
		Via:         via,
		Outcome:     outcome,
		Reason:      reason,
		TookMs:      took.Milliseconds(),
	}
}

func (m *ResolutionEvent) TableName() string {
	return "resolution_events"
}

func (m *ResolutionEvent) Columns() []string {
	return []string{"event_id", "timestamp", "ticker", "canonical_id", "via", "outcome", "reason", "took_ms"}
}

func (m *ResolutionEvent) Values() []interface{} {
	return []interface{}{
		m.ID.String(),
		m.Timestamp,
		m.Ticker,
		m.CanonicalID,
		m.Via,
		m.Outcome,
		m.Reason,
		m.TookMs,
	}
}

// UpstreamCallEvent records one batched price request to the primary provider
type UpstreamCallEvent struct {
	Timestamp time.Time
	IDs       int
	TookMs    int64
	Error     string
}

func (m *UpstreamCallEvent) TableName() string {
	return "upstream_calls"
}

func (m *UpstreamCallEvent) Columns() []string {
	return []string{"timestamp", "ids", "took_ms", "error"}
}

func (m *UpstreamCallEvent) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.IDs,
		m.TookMs,
		m.Error,
	}
}
