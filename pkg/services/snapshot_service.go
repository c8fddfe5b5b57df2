package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

// snapshotEventWindow bounds the event tail included in a snapshot.
const snapshotEventWindow = 200

// Snapshot is the full exportable state of one run.
type Snapshot struct {
	Run        *models.Run        `json:"run"`
	Plan       []*models.PlanStep `json:"plan"`
	Tasks      []*models.Task     `json:"tasks"`
	Sources    []*models.Source   `json:"sources"`
	Facts      []*models.Fact     `json:"facts"`
	Conflicts  []*models.Conflict `json:"conflicts"`
	Artifacts  []*models.Artifact `json:"artifacts"`
	Approvals  []*models.Approval `json:"approvals"`
	Metrics    SnapshotMetrics    `json:"metrics"`
	LastEvents []*models.Event    `json:"last_events"`
}

// SnapshotMetrics aggregates run progress for the snapshot header.
type SnapshotMetrics struct {
	Coverage  Coverage   `json:"coverage"`
	Conflicts int        `json:"conflicts"`
	Freshness *Freshness `json:"freshness"`
}

// Coverage counts done steps over the plan, or done tasks when the run
// has no plan.
type Coverage struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Freshness spans the retrieval timestamps of the run's sources.
type Freshness struct {
	Min   time.Time `json:"min"`
	Max   time.Time `json:"max"`
	Count int       `json:"count"`
}

// SnapshotService assembles run snapshots for inspection and export.
type SnapshotService struct {
	store store.Store
}

// NewSnapshotService builds the service.
func NewSnapshotService(st store.Store) *SnapshotService {
	return &SnapshotService{store: st}
}

// SnapshotFileName is the attachment name for a downloaded snapshot.
func SnapshotFileName(runID string) string {
	return fmt.Sprintf("снимок_%s.json", runID)
}

// Build reads the run's state and computes its metrics. The reads run in
// parallel and are monotonic with emitted events, not transactional.
func (s *SnapshotService) Build(ctx context.Context, runID string) (*Snapshot, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	snap := &Snapshot{Run: run}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Plan, err = s.store.ListPlanSteps(gctx, runID)
		return err
	})
	g.Go(func() (err error) {
		snap.Tasks, err = s.store.ListTasks(gctx, runID)
		return err
	})
	g.Go(func() (err error) {
		snap.Sources, err = s.store.ListSources(gctx, runID)
		return err
	})
	g.Go(func() (err error) {
		snap.Facts, err = s.store.ListFacts(gctx, runID)
		return err
	})
	g.Go(func() (err error) {
		snap.Conflicts, err = s.store.ListConflicts(gctx, runID)
		return err
	})
	g.Go(func() (err error) {
		snap.Artifacts, err = s.store.ListArtifacts(gctx, runID)
		return err
	})
	g.Go(func() (err error) {
		snap.Approvals, err = s.store.ListApprovals(gctx, runID)
		return err
	})
	g.Go(func() (err error) {
		snap.LastEvents, err = s.store.ListEvents(gctx, runID, snapshotEventWindow)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.Metrics = buildMetrics(snap)
	return snap, nil
}

func buildMetrics(snap *Snapshot) SnapshotMetrics {
	var coverage Coverage
	if len(snap.Plan) > 0 {
		coverage.Total = len(snap.Plan)
		for _, step := range snap.Plan {
			if step.Status == models.StepStatusDone {
				coverage.Done++
			}
		}
	} else {
		coverage.Total = len(snap.Tasks)
		for _, task := range snap.Tasks {
			if task.Status == models.TaskStatusDone {
				coverage.Done++
			}
		}
	}

	open := 0
	for _, conflict := range snap.Conflicts {
		if conflict.Status == models.ConflictStatusOpen {
			open++
		}
	}

	var freshness *Freshness
	for _, source := range snap.Sources {
		if source.RetrievedAt.IsZero() {
			continue
		}
		if freshness == nil {
			freshness = &Freshness{Min: source.RetrievedAt, Max: source.RetrievedAt}
		} else {
			if source.RetrievedAt.Before(freshness.Min) {
				freshness.Min = source.RetrievedAt
			}
			if source.RetrievedAt.After(freshness.Max) {
				freshness.Max = source.RetrievedAt
			}
		}
		freshness.Count++
	}

	return SnapshotMetrics{
		Coverage:  coverage,
		Conflicts: open,
		Freshness: freshness,
	}
}
