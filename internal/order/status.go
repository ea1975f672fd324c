package order

// Status is the lifecycle state of an order.
//
// The full set and its transitions:
//
//	QUEUED ──claim──▶ CLAIMED ──start──▶ RUNNING ──complete──▶ SUCCEEDED | FAILED
//	  │                  │                  │
//	  │cancel            │claim timeout     ├─heartbeat timeout─▶ STALE
//	  ▼                  ▼                  └─execution timeout─▶ TIMED_OUT
//	CANCELED           QUEUED
//
//	FAILED | STALE | TIMED_OUT ──retry──▶ QUEUED      (budget remaining)
//	STALE | TIMED_OUT ──exhausted──▶ FAILED           (budget spent)
//
// SUCCEEDED and CANCELED are terminal. FAILED is terminal once the retry
// budget is spent. STALE and TIMED_OUT are always transient: the next
// reconciliation pass resolves them one way or the other.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusClaimed   Status = "CLAIMED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
	StatusStale     Status = "STALE"
	StatusTimedOut  Status = "TIMED_OUT"
)

// AllStatuses lists every valid status value.
var AllStatuses = []Status{
	StatusQueued,
	StatusClaimed,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
	StatusStale,
	StatusTimedOut,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Active reports whether s occupies the dedupe window: while an order is in
// an active status, its dedupeKey (if set) blocks creation of a second order
// with the same key. Once the order leaves this set the key is reusable.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusClaimed || s == StatusRunning
}

// Terminal reports whether no further automatic transition applies to s.
// FAILED is only conditionally terminal: the reconciler requeues a FAILED
// order while retry budget remains, so callers that need the retry-aware
// answer must consult the order's attempt counters, not the status alone.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

// CanTransition reports whether the state machine permits from → to under
// any trigger. Guards beyond the status pair (owning runner, timing, retry
// budget) are enforced by the store's conditional updates; this table is the
// vocabulary shared by every component.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusClaimed || to == StatusCanceled
	case StatusClaimed:
		return to == StatusRunning || to == StatusQueued
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed ||
			to == StatusStale || to == StatusTimedOut
	case StatusFailed:
		return to == StatusQueued
	case StatusStale, StatusTimedOut:
		return to == StatusQueued || to == StatusFailed
	default:
		return false
	}
}
