package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/astra-local/astra/pkg/models"
)

// InsertSources inserts sources, silently skipping URLs already recorded
// for the run, and returns the rows actually inserted.
func (s *sqliteStore) InsertSources(ctx context.Context, sources []*models.Source) ([]*models.Source, error) {
	var inserted []*models.Source
	for _, src := range sources {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sources (id, run_id, url, title, domain, quality, snippet, retrieved_at, pinned)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			src.ID, src.RunID, src.URL, src.Title, src.Domain, src.Quality,
			src.Snippet, src.RetrievedAt, src.Pinned)
		if err != nil {
			return nil, fmt.Errorf("failed to insert source: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, src)
		}
	}
	return inserted, nil
}

func (s *sqliteStore) ListSources(ctx context.Context, runID string) ([]*models.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, url, title, domain, quality, snippet, retrieved_at, pinned
		 FROM sources WHERE run_id = ? ORDER BY retrieved_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		var src models.Source
		if err := rows.Scan(&src.ID, &src.RunID, &src.URL, &src.Title, &src.Domain,
			&src.Quality, &src.Snippet, &src.RetrievedAt, &src.Pinned); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, &src)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertFacts(ctx context.Context, facts []*models.Fact) error {
	for _, f := range facts {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO facts (id, run_id, key, value, confidence, source_ids, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.RunID, f.Key, f.Value, f.Confidence, marshalJSON(f.SourceIDs), f.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert fact: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) ListFacts(ctx context.Context, runID string) ([]*models.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, key, value, confidence, source_ids, created_at
		 FROM facts WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var out []*models.Fact
	for rows.Next() {
		var f models.Fact
		var sourceIDs string
		if err := rows.Scan(&f.ID, &f.RunID, &f.Key, &f.Value, &f.Confidence,
			&sourceIDs, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		f.SourceIDs = unmarshalStrings(sourceIDs)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// InsertArtifacts inserts artifacts, skipping content URIs already recorded
// for the run, and returns the rows actually inserted.
func (s *sqliteStore) InsertArtifacts(ctx context.Context, artifacts []*models.Artifact) ([]*models.Artifact, error) {
	var inserted []*models.Artifact
	for _, a := range artifacts {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO artifacts (id, run_id, type, title, content_uri, meta, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.RunID, a.Type, a.Title, a.ContentURI, marshalJSON(a.Meta), a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert artifact: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, a)
		}
	}
	return inserted, nil
}

func (s *sqliteStore) ListArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, type, title, content_uri, meta, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		var meta string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Type, &a.Title, &a.ContentURI,
			&meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Meta = unmarshalMap(meta)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertConflicts(ctx context.Context, conflicts []*models.Conflict) error {
	for _, c := range conflicts {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO conflicts (id, run_id, fact_key, vals, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.RunID, c.FactKey, marshalJSON(c.Values), string(c.Status), c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert conflict: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) ListConflicts(ctx context.Context, runID string) ([]*models.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, fact_key, vals, status, created_at
		 FROM conflicts WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, fact_key, vals, status, created_at FROM conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var vals string
	if err := row.Scan(&c.ID, &c.RunID, &c.FactKey, &vals, &c.Status, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	c.Values = unmarshalStrings(vals)
	return &c, nil
}

func (s *sqliteStore) ResolveConflict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET status = 'resolved' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	return requireRow(res)
}
