package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/report"
)

// ClaimNext atomically leases the oldest eligible QUEUED order to the
// caller: one that is unpinned, or pre-pinned to this runner via its
// server assignment. Returns (nil, nil) when no candidate exists; the
// caller polls or backs off, it is not an error.
//
// The candidate select and the conditional CLAIMED update run in one
// transaction on the store's single write connection, so two claimers can
// never both observe the same order as QUEUED and win: the update's WHERE
// re-checks the status, and a zero-row result simply means the race was
// lost. SQLITE_BUSY under contention is absorbed by the transient-retry
// wrapper rather than surfacing to the runner.
func (s *Store) ClaimNext(ctx context.Context, runnerID string) (*order.Order, error) {
	var claimed *order.Order
	err := retryOp(defaultRetryConfig, func() error {
		var err error
		claimed, err = s.claimNextOnce(ctx, runnerID)
		return err
	})
	return claimed, err
}

func (s *Store) claimNextOnce(ctx context.Context, runnerID string) (*order.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim next: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM orders
		WHERE status = 'QUEUED' AND (runner_id IS NULL OR runner_id = ?)
		ORDER BY created_at, id
		LIMIT 1
	`, runnerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: select candidate: %w", err)
	}

	now := millis(s.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'CLAIMED', runner_id = ?, claimed_at = ?,
		    status_reason = 'claimed', updated_at = ?
		WHERE id = ? AND status = 'QUEUED' AND (runner_id IS NULL OR runner_id = ?)
	`, runnerID, now, now, id, runnerID)
	if err != nil {
		return nil, fmt.Errorf("claim next: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim next: rows affected: %w", err)
	}
	if affected == 0 {
		// Candidate changed under us; report "none" and let the runner
		// poll again rather than looping inside one request.
		return nil, nil
	}

	claimed, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("claim next: read back: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim next: commit: %w", err)
	}
	return claimed, nil
}

// StartOrder applies the CLAIMED→RUNNING transition for the claiming
// runner, stamping startedAt and the first heartbeat. A zero-row update is
// diagnosed into the not-found / wrong-runner / wrong-status taxonomy.
func (s *Store) StartOrder(ctx context.Context, id, runnerID string) (*order.Order, error) {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'RUNNING', started_at = ?, last_heartbeat_at = ?,
		    status_reason = 'started', updated_at = ?
		WHERE id = ? AND runner_id = ? AND status = 'CLAIMED'
	`, now, now, now, id, runnerID)
	if err != nil {
		return nil, fmt.Errorf("start order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("start order: rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.diagnoseConflict(ctx, id, runnerID)
	}
	return s.GetOrder(ctx, id)
}

// HeartbeatOrder refreshes lastHeartbeatAt for a RUNNING order owned by
// the caller. Same guard and error taxonomy as StartOrder.
func (s *Store) HeartbeatOrder(ctx context.Context, id, runnerID string) error {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET last_heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND runner_id = ? AND status = 'RUNNING'
	`, now, now, id, runnerID)
	if err != nil {
		return fmt.Errorf("heartbeat order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat order: rows affected: %w", err)
	}
	if affected == 0 {
		return s.diagnoseConflict(ctx, id, runnerID)
	}
	return nil
}

// CompleteOrder closes out a RUNNING order with a report payload.
//
// The payload is validated against the report contract first. A contract
// violation takes the hard-failure path: the order is forced to FAILED
// with errorCode INVALID_REPORT regardless of current status or ownership,
// an error-level log entry is appended, and the malformed payload is never
// stored. A runner that cannot produce a valid report must not leave its
// order stuck in RUNNING forever.
//
// On a valid payload the guarded RUNNING→SUCCEEDED/FAILED transition
// applies, ok alone deciding which, storing the report verbatim and
// appending a log entry reflecting the outcome.
func (s *Store) CompleteOrder(ctx context.Context, id, runnerID string, payload json.RawMessage) (*order.Order, error) {
	rep, verr := report.Validate(payload)
	if verr != nil {
		if _, ok := report.IsValidationError(verr); !ok {
			return nil, fmt.Errorf("complete order: %w", verr)
		}
		if err := s.forceInvalidReport(ctx, id, runnerID); err != nil {
			return nil, err
		}
		return nil, verr
	}

	status := order.StatusSucceeded
	reason := "completed: ok"
	level := order.LogInfo
	message := "order succeeded"
	if !rep.OK {
		status = order.StatusFailed
		reason = "completed: not ok"
		level = order.LogError
		message = "order failed"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("complete order: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := millis(s.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, status_reason = ?, report = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND runner_id = ? AND status = 'RUNNING'
	`, string(status), reason, string(payload), now, now, id, runnerID)
	if err != nil {
		return nil, fmt.Errorf("complete order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("complete order: rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.diagnoseConflict(ctx, id, runnerID)
	}

	if err := appendOrderLog(ctx, tx, id, runnerID, now, level, message,
		map[string]any{"reportOk": rep.OK, "reportVersion": rep.Version}); err != nil {
		return nil, err
	}

	completed, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("complete order: read back: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("complete order: commit: %w", err)
	}
	return completed, nil
}

// forceInvalidReport is the unconditional FAILED update behind the hard
// failure path. It deliberately skips the ownership and status guards.
func (s *Store) forceInvalidReport(ctx context.Context, id, runnerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("invalid report: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := millis(s.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'FAILED', status_reason = 'completion report failed validation',
		    error_code = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, order.ErrCodeInvalidReport, now, now, id)
	if err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("invalid report: rows affected: %w", err)
	}
	if affected == 0 {
		return &order.ConflictError{Reason: order.ReasonNotFound, OrderID: id}
	}

	if err := appendOrderLog(ctx, tx, id, runnerID, now, order.LogError,
		"order failed: invalid report",
		map[string]any{"errorCode": order.ErrCodeInvalidReport}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("invalid report: commit: %w", err)
	}
	return nil
}
