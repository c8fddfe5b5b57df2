package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/astra-local/astra/pkg/models"
)

// AppendEvent persists one event and fills in its storage sequence.
func (s *sqliteStore) AppendEvent(ctx context.Context, e *models.Event) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, run_id, task_id, step_id, type, message, payload, level, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.TaskID, e.StepID, e.Type, e.Message,
		marshalJSON(e.Payload), string(e.Level), e.TS)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event seq: %w", err)
	}
	e.Seq = seq
	return nil
}

const eventColumns = `seq, id, run_id, task_id, step_id, type, message, payload, level, ts`

// ListEvents returns the newest `limit` events for a run in append order.
func (s *sqliteStore) ListEvents(ctx context.Context, runID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM (
		   SELECT `+eventColumns+` FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsAfter returns every event with seq > afterSeq in append order.
func (s *sqliteStore) ListEventsAfter(ctx context.Context, runID string, afterSeq int64) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events after seq: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// TrimEvents deletes everything but the newest `keep` events of a run.
func (s *sqliteStore) TrimEvents(ctx context.Context, runID string, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE run_id = ? AND seq NOT IN (
		   SELECT seq FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		 )`, runID, runID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) ListRunIDsWithEvents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM events`)
	if err != nil {
		return nil, fmt.Errorf("failed to list run ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func collectEvents(rows *sql.Rows) ([]*models.Event, error) {
	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	var payload string
	if err := row.Scan(&e.Seq, &e.ID, &e.RunID, &e.TaskID, &e.StepID, &e.Type,
		&e.Message, &payload, &e.Level, &e.TS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	e.Payload = unmarshalMap(payload)
	return &e, nil
}
