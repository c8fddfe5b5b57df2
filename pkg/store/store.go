// Package store is the persistence port of the kernel: one embedded
// SQLite database holding projects, runs, plan steps, tasks, events,
// approvals, research records and user memories.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/astra-local/astra/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrContentTooLong is returned by CreateUserMemory when the content
	// exceeds the configured maximum.
	ErrContentTooLong = errors.New("content_too_long")

	// ErrTaskConflict is returned by CreateTask when a non-terminal task
	// already exists for the same (run_id, step_id).
	ErrTaskConflict = errors.New("non-terminal task already exists for step")
)

// Store is the persistence interface every kernel component writes
// through. Writes are transactional at row granularity; listing calls
// return snapshots at call time.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Runs
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, projectID string) ([]*models.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus) error
	UpdateRunMetaAndMode(ctx context.Context, id string, meta map[string]any, mode models.RunMode, purpose string) error
	MergeRunMeta(ctx context.Context, id string, patch map[string]any) error

	// Plan steps
	InsertPlanSteps(ctx context.Context, steps []*models.PlanStep) error
	ListPlanSteps(ctx context.Context, runID string) ([]*models.PlanStep, error)
	GetPlanStep(ctx context.Context, id string) (*models.PlanStep, error)
	UpdateStepStatus(ctx context.Context, id string, status models.StepStatus) error

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, runID string) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error

	// Events
	AppendEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context, runID string, limit int) ([]*models.Event, error)
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64) ([]*models.Event, error)
	TrimEvents(ctx context.Context, runID string, keep int) (int, error)
	ListRunIDsWithEvents(ctx context.Context) ([]string, error)

	// Approvals
	CreateApproval(ctx context.Context, a *models.Approval) error
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	ListApprovals(ctx context.Context, runID string) ([]*models.Approval, error)
	// UpdateApprovalStatus decides an approval. Deciding an already
	// terminal approval is a no-op and returns the stored row unchanged.
	UpdateApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus, decision, decidedBy string) (*models.Approval, error)
	ExpirePendingApprovals(ctx context.Context, runID, decidedBy string) ([]*models.Approval, error)
	ExpireStaleApprovals(ctx context.Context, olderThan time.Time) (int, error)

	// Research records
	InsertSources(ctx context.Context, sources []*models.Source) ([]*models.Source, error)
	ListSources(ctx context.Context, runID string) ([]*models.Source, error)
	InsertFacts(ctx context.Context, facts []*models.Fact) error
	ListFacts(ctx context.Context, runID string) ([]*models.Fact, error)
	InsertArtifacts(ctx context.Context, artifacts []*models.Artifact) ([]*models.Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]*models.Artifact, error)
	InsertConflicts(ctx context.Context, conflicts []*models.Conflict) error
	ListConflicts(ctx context.Context, runID string) ([]*models.Conflict, error)
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)
	ResolveConflict(ctx context.Context, id string) error

	// User memories
	CreateUserMemory(ctx context.Context, title, content string, tags []string, source string, meta map[string]any) (*models.UserMemory, error)
	ListUserMemories(ctx context.Context, limit int) ([]*models.UserMemory, error)
	SearchUserMemories(ctx context.Context, query string, limit int) ([]*models.UserMemory, error)
	DeleteUserMemory(ctx context.Context, id string) error

	// Session token
	GetSessionToken(ctx context.Context) (hash, salt string, err error)
	SetSessionToken(ctx context.Context, hash, salt string) error

	Close() error
}
