package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ikoma-ops/ikoma/internal/order"
)

const runnerColumns = `
	id, name, status, last_heartbeat_at, scopes, capabilities,
	token_hash, created_at, updated_at`

func scanRunner(row rowScanner) (*order.Runner, error) {
	var r order.Runner
	var lastHeartbeat sql.NullInt64
	var scopes, capabilities string
	var createdAt, updatedAt int64

	err := row.Scan(&r.ID, &r.Name, &r.Status, &lastHeartbeat, &scopes,
		&capabilities, &r.TokenHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scopes), &r.Scopes); err != nil {
		return nil, fmt.Errorf("decode runner scopes: %w", err)
	}
	r.Capabilities = json.RawMessage(capabilities)
	r.LastHeartbeatAt = timePtr(lastHeartbeat)
	r.CreatedAt = timePtr(sql.NullInt64{Int64: createdAt, Valid: true}).UTC()
	r.UpdatedAt = timePtr(sql.NullInt64{Int64: updatedAt, Valid: true}).UTC()
	return &r, nil
}

// CreateRunner registers a new runner. tokenHash is the one-way hash of
// the issued credential; the store never sees or holds the cleartext.
func (s *Store) CreateRunner(ctx context.Context, name string, scopes []string, tokenHash string) (*order.Runner, error) {
	if name == "" {
		return nil, &order.ValidationError{Field: "name", Message: "name is required"}
	}
	if tokenHash == "" {
		return nil, &order.ValidationError{Field: "tokenHash", Message: "token hash is required"}
	}
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("create runner: marshal scopes: %w", err)
	}

	id := uuid.NewString()
	now := millis(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runners (id, name, status, scopes, capabilities, token_hash, created_at, updated_at)
		VALUES (?, ?, 'OFFLINE', ?, '{}', ?, ?, ?)
	`, id, name, string(scopesJSON), tokenHash, now, now)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	return s.GetRunner(ctx, id)
}

// GetRunner fetches one runner by id.
func (s *Store) GetRunner(ctx context.Context, id string) (*order.Runner, error) {
	r, err := scanRunner(s.db.QueryRowContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &order.NotFoundError{Kind: "runner", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return r, nil
}

// ListRunners returns all runners ordered by name.
func (s *Store) ListRunners(ctx context.Context) ([]order.Runner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []order.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("list runners: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// HeartbeatRunner updates a runner's liveness, independent of any order.
// An empty status defaults to ONLINE; nil capabilities leaves the declared
// set unchanged. DISABLED cannot be set through this path.
func (s *Store) HeartbeatRunner(ctx context.Context, id string, status order.RunnerStatus, capabilities json.RawMessage) error {
	if status == "" {
		status = order.RunnerOnline
	}
	if status != order.RunnerOnline && status != order.RunnerOffline {
		return &order.ValidationError{Field: "status", Message: fmt.Sprintf("status %q not allowed on heartbeat", status)}
	}

	now := millis(s.now())
	var res sql.Result
	var err error
	if capabilities != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE runners SET status = ?, capabilities = ?, last_heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND status != 'DISABLED'
		`, string(status), string(capabilities), now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE runners SET status = ?, last_heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND status != 'DISABLED'
		`, string(status), now, now, id)
	}
	if err != nil {
		return fmt.Errorf("heartbeat runner: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat runner: rows affected: %w", err)
	}
	if affected == 0 {
		return &order.NotFoundError{Kind: "runner", ID: id}
	}
	return nil
}

// SetRunnerStatus sets a runner's stored status directly (administrative).
// Disabling a runner makes the auth boundary reject it regardless of
// credential validity.
func (s *Store) SetRunnerStatus(ctx context.Context, id string, status order.RunnerStatus) error {
	if !status.Valid() {
		return &order.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE runners SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id)
	if err != nil {
		return fmt.Errorf("set runner status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set runner status: rows affected: %w", err)
	}
	if affected == 0 {
		return &order.NotFoundError{Kind: "runner", ID: id}
	}
	return nil
}
