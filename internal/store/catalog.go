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

// Catalog records: servers and playbooks. Plain inventory with no
// lifecycle; orders reference them by id and key.

func scanServer(row rowScanner) (*order.Server, error) {
	var srv order.Server
	var runnerID sql.NullString
	var metadata, tags string
	var createdAt, updatedAt int64

	err := row.Scan(&srv.ID, &srv.Name, &srv.BaseURL, &runnerID,
		&metadata, &tags, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	srv.RunnerID = runnerID.String
	srv.Metadata = json.RawMessage(metadata)
	if err := json.Unmarshal([]byte(tags), &srv.Tags); err != nil {
		return nil, fmt.Errorf("decode server tags: %w", err)
	}
	srv.CreatedAt = timePtr(sql.NullInt64{Int64: createdAt, Valid: true}).UTC()
	srv.UpdatedAt = timePtr(sql.NullInt64{Int64: updatedAt, Valid: true}).UTC()
	return &srv, nil
}

// CreateServer registers a target server. runnerID, when non-empty, pins
// future orders for this server to that runner at creation time. metadata
// is an opaque JSON object stored verbatim; empty means {}.
func (s *Store) CreateServer(ctx context.Context, name, baseURL, runnerID string, tags []string, metadata json.RawMessage) (*order.Server, error) {
	if name == "" {
		return nil, &order.ValidationError{Field: "name", Message: "name is required"}
	}
	if baseURL == "" {
		return nil, &order.ValidationError{Field: "baseUrl", Message: "baseUrl is required"}
	}
	if runnerID != "" {
		if _, err := s.GetRunner(ctx, runnerID); err != nil {
			return nil, err
		}
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	if !json.Valid(metadata) {
		return nil, &order.ValidationError{Field: "metadata", Message: "metadata must be valid JSON"}
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("create server: marshal tags: %w", err)
	}

	id := uuid.NewString()
	now := millis(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, base_url, runner_id, metadata, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, name, baseURL, nullStr(runnerID), string(metadata), string(tagsJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	return s.GetServer(ctx, id)
}

// GetServer fetches one server by id.
func (s *Store) GetServer(ctx context.Context, id string) (*order.Server, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, runner_id, metadata, tags, created_at, updated_at
		FROM servers WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &order.NotFoundError{Kind: "server", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return srv, nil
}

// ListServers returns all servers ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]order.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_url, runner_id, metadata, tags, created_at, updated_at
		FROM servers ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []order.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("list servers: %w", err)
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

func scanPlaybook(row rowScanner) (*order.Playbook, error) {
	var p order.Playbook
	var requiresScopes, spec string
	var isPublished int
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.Key, &p.Name, &p.Category, &p.RiskLevel,
		&requiresScopes, &p.SchemaVersion, &spec, &isPublished, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(requiresScopes), &p.RequiresScopes); err != nil {
		return nil, fmt.Errorf("decode playbook scopes: %w", err)
	}
	p.Spec = json.RawMessage(spec)
	p.IsPublished = isPublished != 0
	p.CreatedAt = timePtr(sql.NullInt64{Int64: createdAt, Valid: true}).UTC()
	p.UpdatedAt = timePtr(sql.NullInt64{Int64: updatedAt, Valid: true}).UTC()
	return &p, nil
}

// CreatePlaybook registers a work definition under a unique key.
func (s *Store) CreatePlaybook(ctx context.Context, p order.Playbook) (*order.Playbook, error) {
	if p.Key == "" {
		return nil, &order.ValidationError{Field: "key", Message: "key is required"}
	}
	if p.Name == "" {
		return nil, &order.ValidationError{Field: "name", Message: "name is required"}
	}
	if p.RequiresScopes == nil {
		p.RequiresScopes = []string{}
	}
	scopesJSON, err := json.Marshal(p.RequiresScopes)
	if err != nil {
		return nil, fmt.Errorf("create playbook: marshal scopes: %w", err)
	}
	spec := p.Spec
	if len(spec) == 0 {
		spec = json.RawMessage(`{}`)
	}
	published := 0
	if p.IsPublished {
		published = 1
	}

	id := uuid.NewString()
	now := millis(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playbooks
		(id, key, name, category, risk_level, requires_scopes, schema_version, spec, is_published, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.Key, p.Name, string(p.Category), string(p.RiskLevel),
		string(scopesJSON), p.SchemaVersion, string(spec), published, now, now)
	if err != nil {
		return nil, fmt.Errorf("create playbook: %w", err)
	}
	return s.GetPlaybookByKey(ctx, p.Key)
}

// GetPlaybookByKey fetches one playbook by its unique key.
func (s *Store) GetPlaybookByKey(ctx context.Context, key string) (*order.Playbook, error) {
	p, err := scanPlaybook(s.db.QueryRowContext(ctx, `
		SELECT id, key, name, category, risk_level, requires_scopes,
		       schema_version, spec, is_published, created_at, updated_at
		FROM playbooks WHERE key = ?
	`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &order.NotFoundError{Kind: "playbook", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get playbook: %w", err)
	}
	return p, nil
}

// ListPlaybooks returns all playbooks ordered by key.
func (s *Store) ListPlaybooks(ctx context.Context) ([]order.Playbook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, name, category, risk_level, requires_scopes,
		       schema_version, spec, is_published, created_at, updated_at
		FROM playbooks ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var out []order.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("list playbooks: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
