package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ladder is the fixed schedule of waits applied on consecutive
// connectivity failures. Past the end it stays on the last rung.
var ladder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// backoff tracks consecutive connectivity failures. Not safe for
// concurrent use; the engine's single-flight loop is the only caller.
type backoff struct {
	steady   time.Duration
	failures int
}

func newBackoff(steady time.Duration) *backoff {
	return &backoff{steady: steady}
}

// next records one more failure and returns the wait before the next
// attempt, capped at the steady interval. first is true on the transition
// from healthy to failing, so the caller can log the detailed event once.
func (b *backoff) next() (wait time.Duration, first bool) {
	first = b.failures == 0
	idx := b.failures
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	b.failures++

	wait = ladder[idx]
	if wait > b.steady {
		wait = b.steady
	}
	return wait, first
}

// reset clears the failure streak, reporting whether one was in progress.
func (b *backoff) reset() bool {
	recovered := b.failures > 0
	b.failures = 0
	return recovered
}

// isConnectivityError reports whether err means the store itself is
// unreachable, as opposed to a pass-level logic or data error. Only
// connectivity failures engage the backoff ladder.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "disk I/O error")
}
