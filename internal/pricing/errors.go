package pricing

import "errors"

var (
	// ErrNotFound is returned for ids the upstream has no price for
	ErrNotFound = errors.New("price not found")
	// ErrRateLimited is returned while the primary upstream is cooling down
	// and neither the fallback nor a stale quote can serve the id
	ErrRateLimited = errors.New("price upstream rate limited")
	// ErrNoFallback is returned when an id has no fallback symbol or no fresh tick
	ErrNoFallback = errors.New("no fallback price available")
)

type rateLimited interface {
	RateLimited() bool
}

// IsRateLimited reports whether err signals upstream throttling.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var rl rateLimited
	return errors.As(err, &rl) && rl.RateLimited()
}
