package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ikoma-ops/ikoma/internal/order"
)

// ReconcileAction describes one order touched by a reconciliation phase.
// The engine logs exactly one structured event per action.
type ReconcileAction struct {
	OrderID     string
	Attempt     int
	MaxAttempts int
	Reason      string
}

// reconcileUpdate runs one bulk conditional update, appends one log row
// per affected order, and returns the affected set. The WHERE clause of
// each phase narrows on the current status, so an order touched by an
// earlier phase in the same pass is naturally excluded from later phases.
func (s *Store) reconcileUpdate(ctx context.Context, query string, args []any, reason string, level order.LogLevel, meta map[string]any) ([]ReconcileAction, error) {
	var actions []ReconcileAction
	err := retryOp(defaultRetryConfig, func() error {
		actions = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("reconcile: begin tx: %w", err)
		}
		defer tx.Rollback() // No-op if committed

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("reconcile: update: %w", err)
		}
		for rows.Next() {
			var a ReconcileAction
			if err := rows.Scan(&a.OrderID, &a.Attempt, &a.MaxAttempts); err != nil {
				rows.Close()
				return fmt.Errorf("reconcile: scan: %w", err)
			}
			a.Reason = reason
			actions = append(actions, a)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("reconcile: rows: %w", err)
		}
		rows.Close()

		ts := millis(s.now())
		for _, a := range actions {
			logMeta := map[string]any{"attempt": a.Attempt, "maxAttempts": a.MaxAttempts}
			for k, v := range meta {
				logMeta[k] = v
			}
			if err := appendOrderLog(ctx, tx, a.OrderID, "", ts, level, reason, logMeta); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("reconcile: commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// RequeueExpiredClaims returns CLAIMED orders older than the cutoff to the
// queue, clearing the claim so any runner may take them. Attempt is left
// unchanged: a claim that never started consumed no execution.
func (s *Store) RequeueExpiredClaims(ctx context.Context, claimedBefore time.Time) ([]ReconcileAction, error) {
	reason := "claim expired before start; requeued"
	return s.reconcileUpdate(ctx, `
		UPDATE orders
		SET status = 'QUEUED', runner_id = NULL, claimed_at = NULL,
		    status_reason = ?, updated_at = ?
		WHERE status = 'CLAIMED' AND claimed_at < ?
		RETURNING id, attempt, max_attempts
	`, []any{reason, millis(s.now()), millis(claimedBefore)},
		reason, order.LogWarn, map[string]any{"phase": "requeue_expired_claims"})
}

// MarkStale flags RUNNING orders whose last heartbeat predates the cutoff.
// STALE is transient; the retry/finalize phases resolve it.
func (s *Store) MarkStale(ctx context.Context, heartbeatBefore time.Time) ([]ReconcileAction, error) {
	reason := "heartbeat missing"
	return s.reconcileUpdate(ctx, `
		UPDATE orders
		SET status = 'STALE', status_reason = ?, updated_at = ?
		WHERE status = 'RUNNING' AND last_heartbeat_at < ?
		RETURNING id, attempt, max_attempts
	`, []any{reason, millis(s.now()), millis(heartbeatBefore)},
		reason, order.LogWarn, map[string]any{"phase": "mark_stale"})
}

// MarkTimedOut flags RUNNING orders whose execution time exceeds their own
// timeoutSec budget, measured from startedAt.
func (s *Store) MarkTimedOut(ctx context.Context, now time.Time) ([]ReconcileAction, error) {
	reason := "execution timeout exceeded"
	return s.reconcileUpdate(ctx, `
		UPDATE orders
		SET status = 'TIMED_OUT', status_reason = ?, completed_at = ?, updated_at = ?
		WHERE status = 'RUNNING' AND started_at + timeout_sec * 1000 < ?
		RETURNING id, attempt, max_attempts
	`, []any{reason, millis(now), millis(s.now()), millis(now)},
		reason, order.LogError, map[string]any{"phase": "mark_timed_out"})
}

// RequeueRetryable requeues FAILED/STALE/TIMED_OUT orders with execution
// budget remaining, incrementing attempt and clearing the owning runner.
// Retry arithmetic: attempt is the 0-based execution index and maxAttempts
// the total budget, so attempt+1 < maxAttempts means at least one
// execution remains.
func (s *Store) RequeueRetryable(ctx context.Context) ([]ReconcileAction, error) {
	reason := "scheduled retry"
	return s.reconcileUpdate(ctx, `
		UPDATE orders
		SET status = 'QUEUED', runner_id = NULL, claimed_at = NULL,
		    attempt = attempt + 1, status_reason = ?, updated_at = ?
		WHERE status IN ('FAILED', 'STALE', 'TIMED_OUT') AND attempt + 1 < max_attempts
		RETURNING id, attempt, max_attempts
	`, []any{reason, millis(s.now())},
		reason, order.LogInfo, map[string]any{"phase": "requeue_retryable"})
}

// FinalizeExhausted converts STALE/TIMED_OUT orders with no execution
// budget left into terminal FAILED. FAILED orders in the same position are
// already terminal and need no touch.
func (s *Store) FinalizeExhausted(ctx context.Context) ([]ReconcileAction, error) {
	reason := "retry budget exhausted"
	now := millis(s.now())
	return s.reconcileUpdate(ctx, `
		UPDATE orders
		SET status = 'FAILED', status_reason = ?,
		    completed_at = COALESCE(completed_at, ?), updated_at = ?
		WHERE status IN ('STALE', 'TIMED_OUT') AND attempt + 1 >= max_attempts
		RETURNING id, attempt, max_attempts
	`, []any{reason, now, now},
		reason, order.LogError, map[string]any{"phase": "finalize_exhausted"})
}

// ActiveOrderCountByRunner reports how many orders each runner currently
// holds in CLAIMED or RUNNING. Used by the operator diagnostics read only.
func (s *Store) ActiveOrderCountByRunner(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT runner_id, COUNT(*) FROM orders
		WHERE runner_id IS NOT NULL AND status IN ('CLAIMED', 'RUNNING')
		GROUP BY runner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("active orders by runner: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var runnerID sql.NullString
		var n int
		if err := rows.Scan(&runnerID, &n); err != nil {
			return nil, fmt.Errorf("active orders by runner: %w", err)
		}
		counts[runnerID.String] = n
	}
	return counts, rows.Err()
}
