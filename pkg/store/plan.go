package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/astra-local/astra/pkg/models"
)

func (s *sqliteStore) InsertPlanSteps(ctx context.Context, steps []*models.PlanStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO plan_steps (id, run_id, step_index, title, kind, skill_name, inputs,
			   depends_on, status, success_criteria, danger_flags, requires_approval, artifacts_expected)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.RunID, st.StepIndex, st.Title, string(st.Kind), st.SkillName,
			marshalJSON(st.Inputs), marshalJSON(st.DependsOn), string(st.Status),
			st.SuccessCriteria, marshalJSON(st.DangerFlags), st.RequiresApproval,
			marshalJSON(st.ArtifactsExpected))
		if err != nil {
			return fmt.Errorf("failed to insert plan step %d: %w", st.StepIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan steps: %w", err)
	}
	return nil
}

const planStepColumns = `id, run_id, step_index, title, kind, skill_name, inputs,
	depends_on, status, success_criteria, danger_flags, requires_approval, artifacts_expected`

func (s *sqliteStore) ListPlanSteps(ctx context.Context, runID string) ([]*models.PlanStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planStepColumns+` FROM plan_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan steps: %w", err)
	}
	defer rows.Close()

	var out []*models.PlanStep
	for rows.Next() {
		st, err := scanPlanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetPlanStep(ctx context.Context, id string) (*models.PlanStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planStepColumns+` FROM plan_steps WHERE id = ?`, id)
	return scanPlanStep(row)
}

func scanPlanStep(row rowScanner) (*models.PlanStep, error) {
	var st models.PlanStep
	var inputs, dependsOn, dangerFlags, artifactsExpected string
	if err := row.Scan(&st.ID, &st.RunID, &st.StepIndex, &st.Title, &st.Kind, &st.SkillName,
		&inputs, &dependsOn, &st.Status, &st.SuccessCriteria, &dangerFlags,
		&st.RequiresApproval, &artifactsExpected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan plan step: %w", err)
	}
	st.Inputs = unmarshalMap(inputs)
	st.DependsOn = unmarshalInts(dependsOn)
	st.DangerFlags = unmarshalStrings(dangerFlags)
	st.ArtifactsExpected = unmarshalStrings(artifactsExpected)
	return &st, nil
}

func (s *sqliteStore) UpdateStepStatus(ctx context.Context, id string, status models.StepStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_steps SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}
	return requireRow(res)
}

// CreateTask inserts a new attempt, refusing a second non-terminal task
// for the same (run_id, step_id).
func (s *sqliteStore) CreateTask(ctx context.Context, t *models.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE run_id = ? AND step_id = ? AND status NOT IN ('done', 'failed', 'canceled')`,
		t.RunID, t.StepID).Scan(&live)
	if err != nil {
		return fmt.Errorf("failed to count live tasks: %w", err)
	}
	if live > 0 {
		return ErrTaskConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, run_id, step_id, attempt, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.StepID, t.Attempt, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_id, attempt, status, created_at FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *sqliteStore) ListTasks(ctx context.Context, runID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, attempt, status, created_at
		 FROM tasks WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	if err := row.Scan(&t.ID, &t.RunID, &t.StepID, &t.Attempt, &t.Status, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &t, nil
}

func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireRow(res)
}
