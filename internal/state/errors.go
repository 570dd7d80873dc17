package state

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrTransient marks a storage failure caused by lock contention.
// Callers may retry the operation; it was not applied.
var ErrTransient = errors.New("transient storage contention")

// IsTransient reports whether err is (or wraps) a contention failure,
// either already classified as ErrTransient or a raw SQLITE_BUSY/SQLITE_LOCKED.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	// mattn/go-sqlite3 reports contention through its own error type; match
	// on the message so this file builds without cgo.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// RetryPolicy is a bounded exponential backoff with full jitter.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay ceiling before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the delay ceiling.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used by Open.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// Backoff returns the sleep before the given retry (1-based).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	ceiling := p.BaseDelay
	for i := 1; i < retry && ceiling < p.MaxDelay; i++ {
		ceiling *= 2
	}
	if ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// do runs fn, retrying transient failures. When the attempts run out the
// last error is wrapped with ErrTransient so callers can classify it.
func (p RetryPolicy) do(fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt < attempts {
			time.Sleep(p.Backoff(attempt))
		}
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
