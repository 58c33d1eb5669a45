package pricing

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

// BreakerState is the primary upstream health as seen by the breaker
type BreakerState string

const (
	StateHealthy  BreakerState = "healthy"
	StateCooldown BreakerState = "cooldown"
)

const (
	defaultBreakerCooldown  = 2 * time.Minute
	defaultThrottleFraction = 0.9
	rateWindow              = time.Minute
)

// BreakerConfig tunes the circuit breaker
type BreakerConfig struct {
	Cooldown time.Duration
	// RequestsPerMinute is the upstream ceiling; zero disables self-throttling.
	RequestsPerMinute int
	ThrottleFraction  float64
	// OnStateChange is called outside the lock on every transition. May be nil.
	OnStateChange func(state BreakerState, reason string)
}

// CircuitBreaker stops traffic to the primary price upstream when it
// rate-limits us, or before it would.
type CircuitBreaker struct {
	mu            sync.Mutex
	clock         clock.Clock
	cooldown      time.Duration
	limit         int
	requests      []time.Time
	isOpen        bool
	openedAt      time.Time
	reason        string
	trips         int64
	onStateChange func(state BreakerState, reason string)
}

// NewCircuitBreaker creates new circuit breaker
func NewCircuitBreaker(cfg BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultBreakerCooldown
	}
	if cfg.ThrottleFraction <= 0 || cfg.ThrottleFraction > 1 {
		cfg.ThrottleFraction = defaultThrottleFraction
	}

	limit := 0
	if cfg.RequestsPerMinute > 0 {
		limit = int(math.Ceil(float64(cfg.RequestsPerMinute) * cfg.ThrottleFraction))
	}

	return &CircuitBreaker{
		clock:         clk,
		cooldown:      cfg.Cooldown,
		limit:         limit,
		onStateChange: cfg.OnStateChange,
	}
}

// IsOpen returns true while the primary upstream is cooling down. An expired
// cooldown closes the breaker.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	if !cb.isOpen {
		cb.mu.Unlock()
		return false
	}
	if cb.clock.Since(cb.openedAt) < cb.cooldown {
		cb.mu.Unlock()
		return true
	}

	cb.isOpen = false
	cb.reason = ""
	cb.mu.Unlock()

	logger.Info("circuit breaker closed, cooldown expired")
	cb.notify(StateHealthy, "cooldown expired")
	return false
}

// Allow reports whether the primary upstream may be called.
func (cb *CircuitBreaker) Allow() bool {
	return !cb.IsOpen()
}

// RecordRequest counts one upstream request and trips the breaker once the
// rolling per-minute count reaches the throttle threshold.
func (cb *CircuitBreaker) RecordRequest() {
	cb.mu.Lock()
	now := cb.clock.Now()
	cb.requests = append(cb.pruneLocked(now), now)
	count := len(cb.requests)
	trip := cb.limit > 0 && count >= cb.limit
	cb.mu.Unlock()

	if trip {
		cb.Trip("self-throttle: request rate near upstream limit")
	}
}

// RecordResult trips the breaker when err is a rate-limit signal.
func (cb *CircuitBreaker) RecordResult(err error) {
	if IsRateLimited(err) {
		cb.Trip("upstream rate limited")
	}
}

// Trip opens the breaker for one cooldown period.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	if cb.isOpen {
		cb.mu.Unlock()
		return
	}
	cb.isOpen = true
	cb.openedAt = cb.clock.Now()
	cb.reason = reason
	cb.trips++
	openedAt := cb.openedAt
	cb.mu.Unlock()

	logger.Warn("circuit breaker opened",
		zap.String("reason", reason),
		zap.Time("opened_at", openedAt),
		zap.Duration("cooldown", cb.cooldown),
	)
	cb.notify(StateCooldown, reason)
}

// Close manually closes the circuit breaker
func (cb *CircuitBreaker) Close() {
	cb.mu.Lock()
	if !cb.isOpen {
		cb.mu.Unlock()
		return
	}
	cb.isOpen = false
	cb.reason = ""
	cb.mu.Unlock()

	logger.Info("circuit breaker manually closed")
	cb.notify(StateHealthy, "manual")
}

// Reset closes the breaker and forgets the request history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	wasOpen := cb.isOpen
	cb.isOpen = false
	cb.reason = ""
	cb.requests = nil
	cb.mu.Unlock()

	logger.Info("circuit breaker reset")
	if wasOpen {
		cb.notify(StateHealthy, "reset")
	}
}

// BreakerStatus is a snapshot for stats endpoints
type BreakerStatus struct {
	State              BreakerState `json:"state"`
	Reason             string       `json:"reason,omitempty"`
	OpenedAt           *time.Time   `json:"opened_at,omitempty"`
	ReopensAt          *time.Time   `json:"reopens_at,omitempty"`
	RequestsLastMinute int          `json:"requests_last_minute"`
	ThrottleAt         int          `json:"throttle_at,omitempty"`
	Trips              int64        `json:"trips"`
}

// Status returns current circuit breaker status
func (cb *CircuitBreaker) Status() BreakerStatus {
	open := cb.IsOpen()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests = cb.pruneLocked(cb.clock.Now())
	st := BreakerStatus{
		State:              StateHealthy,
		RequestsLastMinute: len(cb.requests),
		ThrottleAt:         cb.limit,
		Trips:              cb.trips,
	}
	if open {
		openedAt := cb.openedAt
		reopens := openedAt.Add(cb.cooldown)
		st.State = StateCooldown
		st.Reason = cb.reason
		st.OpenedAt = &openedAt
		st.ReopensAt = &reopens
	}
	return st
}

// pruneLocked drops request timestamps older than the rolling window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(cb.requests) && !cb.requests[i].After(cutoff) {
		i++
	}
	return cb.requests[i:]
}

func (cb *CircuitBreaker) notify(state BreakerState, reason string) {
	if cb.onStateChange != nil {
		cb.onStateChange(state, reason)
	}
}
