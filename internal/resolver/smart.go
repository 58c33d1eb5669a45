package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/selivandex/coin-resolver/pkg/cache"
	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	baseConfidence   = 70
	adminConfidence  = 100
	warmupConfidence = 90

	ttlHighConfidence = 30 * 24 * time.Hour
	ttlMidConfidence  = 7 * 24 * time.Hour
	ttlLowConfidence  = 24 * time.Hour

	defaultCacheSize     = 5000
	defaultCacheTTL      = time.Hour
	defaultSearchTimeout = 8 * time.Second
)

// Confidence scores a freshly learned mapping.
func Confidence(ticker, id string) int {
	c := baseConfidence
	if strings.Contains(strings.ToLower(id), ticker) || len(ticker) >= 3 {
		c += 10
	}
	if len(ticker) <= 2 {
		c -= 20
	}
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// ConfidenceTTL returns how long a mapping with the given confidence is trusted.
func ConfidenceTTL(confidence int) time.Duration {
	switch {
	case confidence >= 80:
		return ttlHighConfidence
	case confidence <= 50:
		return ttlLowConfidence
	default:
		return ttlMidConfidence
	}
}

// Hooks receive resolution events. Any field may be nil.
type Hooks struct {
	OnResolved func(key string, res models.Resolution, took time.Duration)
	OnFailure  func(key string, reason models.FailureReason, err error)
	OnBan      func(key, canonicalID, rule string)
}

// SmartConfig tunes the learning resolver
type SmartConfig struct {
	CacheSize     int
	CacheTTL      time.Duration
	SearchTimeout time.Duration
	DefaultChain  string
	Rules         []BanRule
	Hooks         Hooks
}

// SmartResolver resolves normalized tickers through the cache, the learned
// store, the failure tracker and finally upstream search, learning from
// every successful search.
type SmartResolver struct {
	store    Store
	search   *SearchResolver
	failures *FailureTracker
	hits     *HitBuffer
	cache    *cache.TTL[string, models.Resolution]
	clock    clock.Clock
	group    singleflight.Group

	rules         []BanRule
	hooks         Hooks
	cacheTTL      time.Duration
	searchTimeout time.Duration
	defaultChain  string
}

// NewSmartResolver wires the learning resolver
func NewSmartResolver(store Store, search *SearchResolver, failures *FailureTracker, clk clock.Clock, cfg SmartConfig) *SmartResolver {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = defaultSearchTimeout
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultBanRules
	}

	return &SmartResolver{
		store:         store,
		search:        search,
		failures:      failures,
		hits:          NewHitBuffer(),
		cache:         cache.NewTTL[string, models.Resolution](cfg.CacheSize, cfg.CacheTTL, clk),
		clock:         clk,
		rules:         cfg.Rules,
		hooks:         cfg.Hooks,
		cacheTTL:      cfg.CacheTTL,
		searchTimeout: cfg.SearchTimeout,
		defaultChain:  cfg.DefaultChain,
	}
}

// Hits exposes the usage buffer so a flusher can drain it.
func (s *SmartResolver) Hits() *HitBuffer {
	return s.hits
}

// Resolve normalizes raw and resolves it.
func (s *SmartResolver) Resolve(ctx context.Context, raw string, flags Flags) (models.Resolution, error) {
	n, err := NormalizeTicker(raw, s.defaultChain)
	if err != nil {
		return models.Resolution{}, err
	}
	return s.ResolveNormalized(ctx, n, flags)
}

// ResolveNormalized resolves an already normalized ticker. Concurrent calls
// for the same key share one upstream search; a caller that gives up does
// not cancel it for the others.
func (s *SmartResolver) ResolveNormalized(ctx context.Context, n Normalized, flags Flags) (models.Resolution, error) {
	key := n.Key()
	cacheKey := key + flags.suffix()

	if res, ok := s.cache.Get(cacheKey); ok {
		if !flags.Any() {
			s.hits.Record(key, s.clock.Now().UTC())
		}
		res.Via = models.ViaCache
		return res, nil
	}

	start := s.clock.Now()
	ch := s.group.DoChan(cacheKey, func() (interface{}, error) {
		// the shared call outlives any single waiter
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.searchTimeout)
		defer cancel()
		return s.resolveUncached(sctx, n, flags)
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return models.Resolution{}, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return models.Resolution{}, r.Err
	}

	res := r.Val.(models.Resolution)
	if s.hooks.OnResolved != nil {
		s.hooks.OnResolved(key, res, s.clock.Since(start))
	}
	return res, nil
}

func (s *SmartResolver) resolveUncached(ctx context.Context, n Normalized, flags Flags) (models.Resolution, error) {
	if flags.Any() {
		return s.resolveEphemeral(ctx, n, flags)
	}

	key := n.Key()
	now := s.clock.Now().UTC()

	m, err := s.store.GetMapping(ctx, key)
	if err != nil {
		logger.Warn("mapping lookup failed, falling back to search", zap.String("ticker", key), zap.Error(err))
	}
	if m != nil {
		if m.IsBanned {
			return models.Resolution{}, &BannedError{Ticker: key, Reason: m.BanReason.String}
		}
		if !m.Expired(now) && m.CanonicalID != "" {
			res := models.Resolution{ID: m.CanonicalID, Ticker: n.Ticker, Chain: m.Chain.String, Via: models.ViaStore}
			s.cacheResolution(key, res, m.ExpiresAt, now)
			s.hits.Record(key, now)
			return res, nil
		}
	}

	if err := s.failures.Check(ctx, key); err != nil {
		return models.Resolution{}, err
	}

	if rule, banned := matchBanRule(s.rules, n.Ticker, nil); banned {
		return models.Resolution{}, s.autoBan(ctx, key, "", rule, now)
	}

	cand, err := s.searchCandidate(ctx, n.Ticker, flags)
	if err != nil {
		reason := ClassifyFailure(err)
		if _, ferr := s.failures.RecordFailure(ctx, key, n.Chain, reason); ferr != nil {
			logger.Warn("failed to record resolution failure", zap.String("ticker", key), zap.Error(ferr))
		}
		if s.hooks.OnFailure != nil {
			s.hooks.OnFailure(key, reason, err)
		}
		if errors.Is(err, ErrNotFound) {
			return models.Resolution{}, ErrNotFound
		}
		return models.Resolution{}, err
	}

	if rule, banned := matchBanRule(s.rules, n.Ticker, &cand); banned {
		return models.Resolution{}, s.autoBan(ctx, key, cand.ID, rule, now)
	}

	confidence := Confidence(n.Ticker, cand.ID)
	expires := sql.NullTime{Time: now.Add(ConfidenceTTL(confidence)), Valid: true}
	mapping := &models.TickerMapping{
		Ticker:          key,
		CanonicalID:     cand.ID,
		Chain:           sql.NullString{String: n.Chain, Valid: n.Chain != ""},
		Source:          models.SourceLearned,
		ConfidenceScore: confidence,
		LastUsedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       expires,
	}
	if err := s.store.LearnMapping(ctx, mapping); err != nil {
		logger.Warn("failed to persist learned mapping", zap.String("ticker", key), zap.Error(err))
	}
	if err := s.failures.RecordSuccess(ctx, key); err != nil {
		logger.Warn("failed to clear failure record", zap.String("ticker", key), zap.Error(err))
	}

	logger.Info("learned ticker mapping",
		zap.String("ticker", key),
		zap.String("id", cand.ID),
		zap.Int("confidence", confidence),
	)

	res := models.Resolution{ID: cand.ID, Ticker: n.Ticker, Chain: n.Chain, Via: models.ViaSearch}
	s.cacheResolution(key, res, expires, now)
	s.hits.Record(key, now)
	return res, nil
}

// resolveEphemeral answers flag-relaxed lookups without touching persisted state.
func (s *SmartResolver) resolveEphemeral(ctx context.Context, n Normalized, flags Flags) (models.Resolution, error) {
	cand, err := s.searchCandidate(ctx, n.Ticker, flags)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Resolution{}, ErrNotFound
		}
		return models.Resolution{}, err
	}

	res := models.Resolution{ID: cand.ID, Ticker: n.Ticker, Chain: n.Chain, Via: models.ViaEphemeral}
	s.cache.Set(n.Key()+flags.suffix(), res)
	return res, nil
}

func (s *SmartResolver) searchCandidate(ctx context.Context, ticker string, flags Flags) (models.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	return s.search.Resolve(ctx, ticker, flags)
}

func (s *SmartResolver) autoBan(ctx context.Context, key, canonicalID, rule string, now time.Time) error {
	if err := s.store.AutoBan(ctx, key, canonicalID, rule, now); err != nil {
		logger.Warn("failed to persist ban", zap.String("ticker", key), zap.Error(err))
	}

	logger.Warn("ticker banned by rule",
		zap.String("ticker", key),
		zap.String("rule", rule),
		zap.String("candidate", canonicalID),
	)
	if s.hooks.OnBan != nil {
		s.hooks.OnBan(key, canonicalID, rule)
	}
	return &BannedError{Ticker: key, Reason: rule}
}

// cacheResolution caches res no longer than the mapping itself is trusted.
func (s *SmartResolver) cacheResolution(key string, res models.Resolution, expires sql.NullTime, now time.Time) {
	ttl := s.cacheTTL
	if expires.Valid {
		if left := expires.Time.Sub(now); left < ttl {
			ttl = left
		}
	}
	if ttl > 0 {
		s.cache.SetWithTTL(key, res, ttl)
	}
}

func (s *SmartResolver) invalidate(key string) {
	s.cache.Delete(key)
	s.cache.DeletePrefix(key + "+")
}

// normalizeAdmin normalizes an admin-supplied ticker; an explicit chain wins
// over any hint in the text.
func (s *SmartResolver) normalizeAdmin(raw, chain string) (Normalized, error) {
	n, err := NormalizeTicker(raw, s.defaultChain)
	if err != nil {
		return n, err
	}
	if chain != "" {
		n.Chain = strings.ToLower(chain)
	}
	return n, nil
}

// ForceBan bans a ticker regardless of any existing mapping.
func (s *SmartResolver) ForceBan(ctx context.Context, raw, reason string) error {
	n, err := s.normalizeAdmin(raw, "")
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "admin"
	}

	key := n.Key()
	if err := s.store.ForceBan(ctx, key, reason, s.clock.Now().UTC()); err != nil {
		return err
	}
	s.invalidate(key)

	logger.Info("ticker force-banned", zap.String("ticker", key), zap.String("reason", reason))
	return nil
}

// ForceUnban lifts a ban. A banned row that remembers its id becomes an
// admin-approved mapping; one without an id is removed.
func (s *SmartResolver) ForceUnban(ctx context.Context, raw string) error {
	n, err := s.normalizeAdmin(raw, "")
	if err != nil {
		return err
	}

	key := n.Key()
	m, err := s.store.GetMapping(ctx, key)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrNotFound
	}

	if m.CanonicalID == "" {
		err = s.store.DeleteMapping(ctx, key)
	} else {
		now := s.clock.Now().UTC()
		err = s.store.PutAdminMapping(ctx, &models.TickerMapping{
			Ticker:          key,
			CanonicalID:     m.CanonicalID,
			ContractAddress: m.ContractAddress,
			Chain:           m.Chain,
			ConfidenceScore: adminConfidence,
			LastUsedAt:      now,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if err != nil {
		return err
	}

	s.invalidate(key)
	if err := s.failures.RecordSuccess(ctx, key); err != nil {
		logger.Warn("failed to clear failure record", zap.String("ticker", key), zap.Error(err))
	}

	logger.Info("ticker unbanned", zap.String("ticker", key), zap.String("id", m.CanonicalID))
	return nil
}

// ForceRelearn drops everything known about a ticker and resolves it again.
func (s *SmartResolver) ForceRelearn(ctx context.Context, raw string) (models.Resolution, error) {
	n, err := s.normalizeAdmin(raw, "")
	if err != nil {
		return models.Resolution{}, err
	}

	key := n.Key()
	s.invalidate(key)
	if err := s.store.DeleteMapping(ctx, key); err != nil {
		return models.Resolution{}, err
	}
	if err := s.failures.RecordSuccess(ctx, key); err != nil {
		return models.Resolution{}, err
	}

	logger.Info("relearning ticker", zap.String("ticker", key))
	return s.ResolveNormalized(ctx, n, Flags{})
}

// Pin stores an admin mapping that learning never overrides.
func (s *SmartResolver) Pin(ctx context.Context, raw, canonicalID, chain, contract string) (models.Resolution, error) {
	if canonicalID == "" {
		return models.Resolution{}, fmt.Errorf("%w: empty canonical id", ErrInvalidTicker)
	}
	n, err := s.normalizeAdmin(raw, chain)
	if err != nil {
		return models.Resolution{}, err
	}

	key := n.Key()
	now := s.clock.Now().UTC()
	err = s.store.PutAdminMapping(ctx, &models.TickerMapping{
		Ticker:          key,
		CanonicalID:     canonicalID,
		ContractAddress: sql.NullString{String: contract, Valid: contract != ""},
		Chain:           sql.NullString{String: n.Chain, Valid: n.Chain != ""},
		ConfidenceScore: adminConfidence,
		LastUsedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return models.Resolution{}, err
	}

	s.invalidate(key)
	if err := s.failures.RecordSuccess(ctx, key); err != nil {
		logger.Warn("failed to clear failure record", zap.String("ticker", key), zap.Error(err))
	}

	logger.Info("ticker pinned", zap.String("ticker", key), zap.String("id", canonicalID))
	return models.Resolution{ID: canonicalID, Ticker: n.Ticker, Chain: n.Chain, Via: models.ViaStore}, nil
}

// Seed inserts warmup mappings for tickers that have no row yet.
func (s *SmartResolver) Seed(ctx context.Context, entries map[string]string) (int, error) {
	now := s.clock.Now().UTC()
	inserted := 0
	for ticker, id := range entries {
		ok, err := s.store.InsertIfAbsent(ctx, &models.TickerMapping{
			Ticker:          ticker,
			CanonicalID:     id,
			Source:          models.SourceWarmup,
			ConfidenceScore: warmupConfidence,
			LastUsedAt:      now,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// Stats is a point-in-time summary of the learning store
type Stats struct {
	StoreStats
	CacheSize   int   `json:"cache_size"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	PendingHits int   `json:"pending_hits"`
}

// Stats reports persisted counts (recent = created in the last 24h) plus cache state.
func (s *SmartResolver) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx, s.clock.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return Stats{}, err
	}
	hits, misses := s.cache.Stats()
	return Stats{
		StoreStats:  st,
		CacheSize:   s.cache.Len(),
		CacheHits:   hits,
		CacheMisses: misses,
		PendingHits: s.hits.Pending(),
	}, nil
}

// PruneCache drops expired cache entries.
func (s *SmartResolver) PruneCache() int {
	return s.cache.Prune()
}
