// Package report implements the versioned outcome contract a runner submits
// to close an order.
//
// Two schema versions coexist on the completion path as a deliberate
// compatibility window: v1 carries explicit start/finish timestamps, v2 a
// single duration. Validation is a tagged union keyed on the explicit
// version field; anything not matching a known tag is rejected outright,
// never coerced. Whatever the version, the ok flag alone decides whether
// the order SUCCEEDED or FAILED.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StepStatus is the outcome of a single playbook step.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// Step is one record in the ordered step sequence of a report.
type Step struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	DurationMs float64    `json:"durationMs,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Error is one structured error in a report's error sequence. A fatal error
// marks the whole execution as beyond recovery regardless of later steps.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Report is the parsed form of a validated payload, covering both schema
// versions. Version-specific fields are populated only for their version;
// consumers deciding order status must look at OK and nothing else.
type Report struct {
	Version   string         `json:"version"`
	OK        bool           `json:"ok"`
	Summary   string         `json:"summary"`
	Steps     []Step         `json:"steps"`
	Errors    []Error        `json:"errors"`
	Artifacts map[string]any `json:"artifacts,omitempty"`

	// v1 required, v2 optional.
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`

	// v2 only.
	DurationMs float64 `json:"durationMs,omitempty"`
}

// ValidationError reports a payload that failed contract validation. The
// order handling this payload takes the hard-failure path: forced FAILED
// with errorCode INVALID_REPORT, payload never stored.
type ValidationError struct {
	Code    string // "UNPARSEABLE", "UNKNOWN_VERSION", "SCHEMA_VIOLATION"
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError returns the ValidationError carried by err, if any.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// versionProbe extracts only the version tag for schema dispatch.
type versionProbe struct {
	Version string `json:"version"`
}

// Marshal serializes a report for submission or storage.
func Marshal(r *Report) (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return raw, nil
}
