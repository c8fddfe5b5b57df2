package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/astra-local/astra/pkg/models"
)

func (s *sqliteStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, tags, settings, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, marshalJSON(p.Tags), marshalJSON(p.Settings), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, tags, settings, created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (s *sqliteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tags, settings, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var tags, settings string
	if err := row.Scan(&p.ID, &p.Name, &tags, &settings, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.Tags = unmarshalStrings(tags)
	p.Settings = unmarshalMap(settings)
	return &p, nil
}

func (s *sqliteStore) CreateRun(ctx context.Context, r *models.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, query_text, mode, purpose, parent_run_id, status, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.QueryText, string(r.Mode), r.Purpose, r.ParentRunID,
		string(r.Status), marshalJSON(r.Meta), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, query_text, mode, purpose, parent_run_id, status, meta, created_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *sqliteStore) ListRuns(ctx context.Context, projectID string) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, query_text, mode, purpose, parent_run_id, status, meta, created_at
		 FROM runs WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var meta string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.QueryText, &r.Mode, &r.Purpose,
		&r.ParentRunID, &r.Status, &meta, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Meta = unmarshalMap(meta)
	return &r, nil
}

func (s *sqliteStore) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRow(res)
}

func (s *sqliteStore) UpdateRunMetaAndMode(ctx context.Context, id string, meta map[string]any, mode models.RunMode, purpose string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET meta = ?, mode = ?, purpose = ? WHERE id = ?`,
		marshalJSON(meta), string(mode), purpose, id)
	if err != nil {
		return fmt.Errorf("failed to update run meta and mode: %w", err)
	}
	return requireRow(res)
}

// MergeRunMeta overlays patch keys onto the stored meta map.
func (s *sqliteStore) MergeRunMeta(ctx context.Context, id string, patch map[string]any) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	meta := run.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	for k, v := range patch {
		meta[k] = v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET meta = ? WHERE id = ?`, marshalJSON(meta), id)
	if err != nil {
		return fmt.Errorf("failed to merge run meta: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
