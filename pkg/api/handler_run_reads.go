package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/services"
)

// listRunResource answers one of the run's record collections.
func (s *Server) listRunResource(c *gin.Context, list func(ctx context.Context, runID string) (any, error)) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	items, err := list(c.Request.Context(), run.ID)
	if err != nil {
		mapServiceError(c, err, detailRunNotFound)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) listPlan(c *gin.Context) {
	s.listRunResource(c, func(ctx context.Context, runID string) (any, error) {
		return s.store.ListPlanSteps(ctx, runID)
	})
}

func (s *Server) listTasks(c *gin.Context) {
	s.listRunResource(c, func(ctx context.Context, runID string) (any, error) {
		return s.store.ListTasks(ctx, runID)
	})
}

func (s *Server) listSources(c *gin.Context) {
	s.listRunResource(c, func(ctx context.Context, runID string) (any, error) {
		return s.store.ListSources(ctx, runID)
	})
}

func (s *Server) listFacts(c *gin.Context) {
	s.listRunResource(c, func(ctx context.Context, runID string) (any, error) {
		return s.store.ListFacts(ctx, runID)
	})
}

func (s *Server) listConflicts(c *gin.Context) {
	s.listRunResource(c, func(ctx context.Context, runID string) (any, error) {
		return s.store.ListConflicts(ctx, runID)
	})
}

func (s *Server) listArtifacts(c *gin.Context) {
	s.listRunResource(c, func(ctx context.Context, runID string) (any, error) {
		return s.store.ListArtifacts(ctx, runID)
	})
}

func (s *Server) listApprovals(c *gin.Context) {
	views, err := s.approvals.ListWithPreviews(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err, detailRunNotFound)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getSnapshot(c *gin.Context) {
	snap, err := s.snapshots.Build(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err, detailRunNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// downloadSnapshot serves the snapshot as a JSON attachment.
func (s *Server) downloadSnapshot(c *gin.Context) {
	snap, err := s.snapshots.Build(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err, detailRunNotFound)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+services.SnapshotFileName(snap.Run.ID)+`"`)
	c.JSON(http.StatusOK, snap)
}
