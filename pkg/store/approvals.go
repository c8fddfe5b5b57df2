package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/astra-local/astra/pkg/models"
)

func (s *sqliteStore) CreateApproval(ctx context.Context, a *models.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, run_id, task_id, scope, title, description, proposed_actions,
		   status, decision, decided_by, decided_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.TaskID, a.Scope, a.Title, a.Description,
		marshalJSON(a.ProposedActions), string(a.Status), a.Decision, a.DecidedBy,
		a.DecidedAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, run_id, task_id, scope, title, description, proposed_actions,
	status, decision, decided_by, decided_at, created_at`

func (s *sqliteStore) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

func (s *sqliteStore) ListApprovals(ctx context.Context, runID string) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	var a models.Approval
	var proposed string
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.RunID, &a.TaskID, &a.Scope, &a.Title, &a.Description,
		&proposed, &a.Status, &a.Decision, &a.DecidedBy, &decidedAt, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	a.ProposedActions = unmarshalStrings(proposed)
	a.DecidedAt = nullTime(decidedAt)
	return &a, nil
}

// UpdateApprovalStatus decides a pending approval. Terminal approvals are
// immutable: deciding one again returns the stored row unchanged.
func (s *sqliteStore) UpdateApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus, decision, decidedBy string) (*models.Approval, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decision = ?, decided_by = ?, decided_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), decision, decidedBy, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update approval status: %w", err)
	}
	return s.GetApproval(ctx, id)
}

// ExpirePendingApprovals marks every pending approval of a run expired and
// returns the affected rows.
func (s *sqliteStore) ExpirePendingApprovals(ctx context.Context, runID, decidedBy string) ([]*models.Approval, error) {
	pending, err := s.ListApprovals(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []*models.Approval
	for _, a := range pending {
		if a.Status != models.ApprovalStatusPending {
			continue
		}
		updated, err := s.UpdateApprovalStatus(ctx, a.ID, models.ApprovalStatusExpired, "run_canceled", decidedBy)
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// ExpireStaleApprovals expires pending approvals created before the cutoff.
func (s *sqliteStore) ExpireStaleApprovals(ctx context.Context, olderThan time.Time) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = 'expired', decision = 'ttl_expired', decided_by = 'system', decided_at = ?
		 WHERE status = 'pending' AND created_at < ?`, now, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
