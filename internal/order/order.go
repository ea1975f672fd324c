// Package order defines the dispatchable unit of work and its lifecycle
// vocabulary: the status state machine, the record types persisted by the
// store, and the typed failure outcomes guarded transitions report.
//
// The package holds no behavior beyond pure transition rules. All mutation
// goes through the store's conditional updates so that correctness holds
// across process instances, not just goroutines.
package order

import (
	"encoding/json"
	"time"
)

// DefaultTimeoutSec is the execution budget applied when a creation request
// does not set one. Measured from startedAt.
const DefaultTimeoutSec = 3600

// DefaultMaxAttempts is the total execution budget applied when a creation
// request does not set one. 1 means a single execution and no retry.
const DefaultMaxAttempts = 1

// Order is one dispatchable unit of work with its own lifecycle and retry
// budget. The store exclusively owns Status, StatusReason, Attempt, and all
// timing fields; they change only through the transitions in the status
// table.
type Order struct {
	ID string `json:"id"`

	// Targeting. RunnerID is empty until claimed, or pinned at creation
	// when the target server has an assigned runner.
	ServerID string `json:"serverId"`
	RunnerID string `json:"runnerId,omitempty"`

	// Work descriptor. Payload is opaque to the control plane; ownership
	// passes to the runner that claims the order.
	PlaybookKey string          `json:"playbookKey"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`

	Status       Status `json:"status"`
	StatusReason string `json:"statusReason,omitempty"`

	// Attempt is the 0-based index of the current execution; it only ever
	// increases, and exactly by one per retry transition. MaxAttempts is
	// the total execution budget (see retry arithmetic in the reconciler).
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`

	// Timing fields are set only by the transition that produces them.
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	TimeoutSec      int        `json:"timeoutSec"`

	// IdempotencyKey is unique across all orders for all time. DedupeKey,
	// if set, is unique across orders in an active status.
	IdempotencyKey string `json:"idempotencyKey"`
	DedupeKey      string `json:"dedupeKey,omitempty"`

	// Outcome. Report is the validated contract payload stored verbatim;
	// ErrorCode is set on contract-validation failure (INVALID_REPORT).
	Report    json.RawMessage `json:"report,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateSpec is the request shape for creating an order. ServerID,
// PlaybookKey, Action, IdempotencyKey, and CreatedBy are required;
// zero-valued TimeoutSec and MaxAttempts take the package defaults.
type CreateSpec struct {
	ServerID       string          `json:"serverId"`
	PlaybookKey    string          `json:"playbookKey"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	DedupeKey      string          `json:"dedupeKey,omitempty"`
	TimeoutSec     int             `json:"timeoutSec,omitempty"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
	CreatedBy      string          `json:"createdBy"`
}

// Validate checks the request shape. It does not consult the store; unknown
// server references are rejected at creation time by the store itself.
func (s CreateSpec) Validate() error {
	switch {
	case s.ServerID == "":
		return &ValidationError{Field: "serverId", Message: "serverId is required"}
	case s.PlaybookKey == "":
		return &ValidationError{Field: "playbookKey", Message: "playbookKey is required"}
	case s.Action == "":
		return &ValidationError{Field: "action", Message: "action is required"}
	case s.IdempotencyKey == "":
		return &ValidationError{Field: "idempotencyKey", Message: "idempotencyKey is required"}
	case s.CreatedBy == "":
		return &ValidationError{Field: "createdBy", Message: "createdBy is required"}
	case s.TimeoutSec < 0:
		return &ValidationError{Field: "timeoutSec", Message: "timeoutSec must not be negative"}
	case s.MaxAttempts < 0:
		return &ValidationError{Field: "maxAttempts", Message: "maxAttempts must not be negative"}
	}
	return nil
}

// RetryBudgetLeft reports whether the order may be requeued after a failed
// execution: retry while attempt+1 < maxAttempts (attempt is the 0-based
// index of the execution that just failed, maxAttempts the total execution
// budget). With the default maxAttempts of 1 an order never retries.
func (o *Order) RetryBudgetLeft() bool {
	return o.Attempt+1 < o.MaxAttempts
}

// LogLevel is the severity of an order log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Valid reports whether l is a known log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Log is one append-only execution trace entry, tied to exactly one order
// and optionally the runner that emitted it. Immutable once written; the
// control plane never reads these back, only external observers do.
type Log struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"orderId"`
	RunnerID string          `json:"runnerId,omitempty"`
	TS       time.Time       `json:"ts"`
	Level    LogLevel        `json:"level"`
	Message  string          `json:"message"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}
