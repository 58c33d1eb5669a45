package resolver

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means no acceptable identifier exists for the ticker.
	ErrNotFound = errors.New("ticker not found")
	// ErrInvalidTicker means the input normalizes to nothing usable.
	ErrInvalidTicker = errors.New("invalid ticker")
	// ErrBanned matches any *BannedError via errors.Is.
	ErrBanned = errors.New("ticker is banned")
	// ErrBackingOff means the ticker failed recently and is not retried yet.
	ErrBackingOff = errors.New("ticker resolution backing off")

	// errAmbiguous is reported as not found to callers; the failure tracker
	// records it under its own reason.
	errAmbiguous = fmt.Errorf("%w: no candidate scored high enough", ErrNotFound)
)

// BannedError carries the rule (or admin reason) that banned a ticker
type BannedError struct {
	Ticker string
	Reason string
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("ticker %q is banned: %s", e.Ticker, e.Reason)
}

func (e *BannedError) Is(target error) bool {
	return target == ErrBanned
}

// BackoffError tells the caller when the ticker may be tried again
type BackoffError struct {
	Ticker     string
	RetryAfter time.Time
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("ticker %q backing off until %s", e.Ticker, e.RetryAfter.Format(time.RFC3339))
}

func (e *BackoffError) Is(target error) bool {
	return target == ErrBackingOff
}
