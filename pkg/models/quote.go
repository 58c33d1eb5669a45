package models

import "time"

// QuoteSource identifies which upstream produced a quote
type QuoteSource string

const (
	QuotePrimary  QuoteSource = "primary"
	QuoteFallback QuoteSource = "fallback"
)

// Quote is a USD price snapshot for one canonical id
type Quote struct {
	ID          string      `json:"id"`
	Price       float64     `json:"price"`
	Change24h   float64     `json:"change_24h"`
	MarketCap   *float64    `json:"market_cap,omitempty"`
	TimestampMs int64       `json:"timestamp_ms"`
	Source      QuoteSource `json:"source"`
	IsStale     bool        `json:"is_stale,omitempty"`
}

// Age returns how old the quote is relative to now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(q.TimestampMs))
}

// Clone returns a copy safe to hand to callers.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	c := *q
	if q.MarketCap != nil {
		mc := *q.MarketCap
		c.MarketCap = &mc
	}
	return &c
}

// Tick is the latest exchange ticker for one symbol
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"`
	Time      time.Time `json:"time"`
}
