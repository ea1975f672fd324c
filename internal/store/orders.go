package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ikoma-ops/ikoma/internal/order"
)

// orderColumns is the canonical column list for order scans. Keep in sync
// with scanOrder.
const orderColumns = `
	id, server_id, runner_id, playbook_key, action, payload,
	status, status_reason, claimed_at, started_at, completed_at,
	last_heartbeat_at, timeout_sec, attempt, max_attempts,
	idempotency_key, dedupe_key, report, error_code,
	created_by, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var o order.Order
	var runnerID, statusReason, dedupeKey, errorCode sql.NullString
	var payload, report sql.NullString
	var claimedAt, startedAt, completedAt, lastHeartbeatAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&o.ID, &o.ServerID, &runnerID, &o.PlaybookKey, &o.Action, &payload,
		&o.Status, &statusReason, &claimedAt, &startedAt, &completedAt,
		&lastHeartbeatAt, &o.TimeoutSec, &o.Attempt, &o.MaxAttempts,
		&o.IdempotencyKey, &dedupeKey, &report, &errorCode,
		&o.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.RunnerID = runnerID.String
	o.StatusReason = statusReason.String
	o.DedupeKey = dedupeKey.String
	o.ErrorCode = errorCode.String
	if payload.Valid {
		o.Payload = json.RawMessage(payload.String)
	}
	if report.Valid {
		o.Report = json.RawMessage(report.String)
	}
	o.ClaimedAt = timePtr(claimedAt)
	o.StartedAt = timePtr(startedAt)
	o.CompletedAt = timePtr(completedAt)
	o.LastHeartbeatAt = timePtr(lastHeartbeatAt)
	o.CreatedAt = timePtr(sql.NullInt64{Int64: createdAt, Valid: true}).UTC()
	o.UpdatedAt = timePtr(sql.NullInt64{Int64: updatedAt, Valid: true}).UTC()
	return &o, nil
}

// nullStr maps "" to NULL for nullable text columns.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateOrder inserts a new QUEUED order, or returns the existing order
// when the idempotency key has been seen before. The returned bool is true
// only when a new order was created.
//
// The target server must exist; if it has an assigned runner the order is
// pinned to that runner at creation. A dedupeKey already held by an active
// order yields a DedupeConflictError.
func (s *Store) CreateOrder(ctx context.Context, spec order.CreateSpec) (*order.Order, bool, error) {
	if err := spec.Validate(); err != nil {
		return nil, false, err
	}

	// Idempotency fast path: same logical request returns the first order
	// unchanged, payload differences ignored.
	existing, err := s.getOrderByIdempotencyKey(ctx, spec.IdempotencyKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("create order: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	srv, err := s.GetServer(ctx, spec.ServerID)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.GetPlaybookByKey(ctx, spec.PlaybookKey); err != nil {
		return nil, false, err
	}

	timeoutSec := spec.TimeoutSec
	if timeoutSec == 0 {
		timeoutSec = order.DefaultTimeoutSec
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = order.DefaultMaxAttempts
	}
	payload := spec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	now := millis(s.now())
	id := uuid.NewString()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders
		(id, server_id, runner_id, playbook_key, action, payload,
		 status, timeout_sec, attempt, max_attempts,
		 idempotency_key, dedupe_key, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'QUEUED', ?, 0, ?, ?, ?, ?, ?, ?)
	`,
		id, spec.ServerID, nullStr(srv.RunnerID), spec.PlaybookKey, spec.Action,
		string(payload), timeoutSec, maxAttempts,
		spec.IdempotencyKey, nullStr(spec.DedupeKey), spec.CreatedBy, now, now,
	)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "idx_orders_active_dedupe"):
			return nil, false, &order.DedupeConflictError{DedupeKey: spec.DedupeKey}
		case strings.Contains(err.Error(), "orders.idempotency_key"):
			// Lost a concurrent race on the same key; the winner's order
			// is the canonical one.
			winner, selErr := s.getOrderByIdempotencyKey(ctx, spec.IdempotencyKey)
			if selErr != nil {
				return nil, false, fmt.Errorf("create order: %w", selErr)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("create order: %w", err)
	}

	created, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("create order: read back: %w", err)
	}
	return created, true, nil
}

func (s *Store) getOrderByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("order by idempotency key: %w", err)
	}
	return o, nil
}

// GetOrder fetches one order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &order.NotFoundError{Kind: "order", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders returns all orders, newest first.
func (s *Store) ListOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CountOrdersByStatus returns the number of orders per status. Statuses
// with no orders are absent from the map.
func (s *Store) CountOrdersByStatus(ctx context.Context) (map[order.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[order.Status]int)
	for rows.Next() {
		var st order.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count orders: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// CancelOrder applies the administrative QUEUED→CANCELED transition. Any
// other current status yields a ConflictError naming that status; cancel
// never preempts claimed or running work.
func (s *Store) CancelOrder(ctx context.Context, id string) (*order.Order, error) {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'CANCELED', status_reason = 'canceled by administrator',
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'QUEUED'
	`, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cancel order: rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.diagnoseConflict(ctx, id, "")
	}
	return s.GetOrder(ctx, id)
}

// diagnoseConflict explains a guarded update that matched zero rows: the
// order is gone, owned by someone else, or in the wrong status. Pass
// runnerID == "" to skip the ownership check (admin operations).
func (s *Store) diagnoseConflict(ctx context.Context, id, runnerID string) error {
	var status order.Status
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT status, runner_id FROM orders WHERE id = ?`, id).Scan(&status, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return &order.ConflictError{Reason: order.ReasonNotFound, OrderID: id}
	}
	if err != nil {
		return fmt.Errorf("diagnose conflict: %w", err)
	}
	if runnerID != "" && owner.String != runnerID {
		return &order.ConflictError{
			Reason:        order.ReasonWrongRunner,
			OrderID:       id,
			CurrentStatus: status,
			CurrentRunner: owner.String,
		}
	}
	return &order.ConflictError{
		Reason:        order.ReasonInvalidStatus,
		OrderID:       id,
		CurrentStatus: status,
		CurrentRunner: owner.String,
	}
}

// appendOrderLog writes one immutable log row inside an existing
// transaction.
func appendOrderLog(ctx context.Context, tx *sql.Tx, orderID, runnerID string, ts int64, level order.LogLevel, message string, meta any) error {
	metaJSON := []byte(`{}`)
	if meta != nil {
		var err error
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("append log: marshal meta: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_logs (id, order_id, runner_id, ts, level, message, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), orderID, nullStr(runnerID), ts, string(level), message, string(metaJSON))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// LogEntry is one element of a bulk log append from a runner.
type LogEntry struct {
	OrderID string          `json:"orderId"`
	TS      string          `json:"ts,omitempty"` // RFC3339; empty means now
	Level   order.LogLevel  `json:"level"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// AppendLogs bulk-inserts execution trace entries emitted by a runner.
// Entries are immutable once written and never read back by the control
// plane itself.
func (s *Store) AppendLogs(ctx context.Context, runnerID string, entries []LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	for i, e := range entries {
		if e.OrderID == "" {
			return 0, &order.ValidationError{Field: fmt.Sprintf("logs[%d].orderId", i), Message: "orderId is required"}
		}
		if !e.Level.Valid() {
			return 0, &order.ValidationError{Field: fmt.Sprintf("logs[%d].level", i), Message: fmt.Sprintf("unknown level %q", e.Level)}
		}
		if e.Message == "" {
			return 0, &order.ValidationError{Field: fmt.Sprintf("logs[%d].message", i), Message: "message is required"}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append logs: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := s.now()
	for _, e := range entries {
		ts := millis(now)
		if e.TS != "" {
			if parsed, perr := parseRFC3339(e.TS); perr == nil {
				ts = millis(parsed)
			}
		}
		meta := any(nil)
		if len(e.Meta) > 0 {
			meta = json.RawMessage(e.Meta)
		}
		if err := appendOrderLog(ctx, tx, e.OrderID, runnerID, ts, e.Level, e.Message, meta); err != nil {
			// The only foreign key a runner controls here is the order
			// reference; the runner row backs its own credential.
			if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
				return 0, &order.NotFoundError{Kind: "order", ID: e.OrderID}
			}
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append logs: commit: %w", err)
	}
	return len(entries), nil
}

// ListLogs returns all log entries for one order in emission order.
func (s *Store) ListLogs(ctx context.Context, orderID string) ([]order.Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, runner_id, ts, level, message, meta
		FROM order_logs WHERE order_id = ? ORDER BY ts, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []order.Log
	for rows.Next() {
		var l order.Log
		var runnerID sql.NullString
		var ts int64
		var meta string
		if err := rows.Scan(&l.ID, &l.OrderID, &runnerID, &ts, &l.Level, &l.Message, &meta); err != nil {
			return nil, fmt.Errorf("list logs: %w", err)
		}
		l.RunnerID = runnerID.String
		l.TS = *timePtr(sql.NullInt64{Int64: ts, Valid: true})
		l.Meta = json.RawMessage(meta)
		out = append(out, l)
	}
	return out, rows.Err()
}
