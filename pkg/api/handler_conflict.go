package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/store"
)

// resolveConflict closes the conflict and answers with the spawned
// re-research child run.
func (s *Server) resolveConflict(c *gin.Context) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	conflict, err := s.store.GetConflict(c.Request.Context(), c.Param("conflictID"))
	if err != nil || conflict.RunID != run.ID {
		if err == nil || errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, detailConflictNotFound)
			return
		}
		mapServiceError(c, err, detailConflictNotFound)
		return
	}

	child, err := s.engine.ResolveConflict(c.Request.Context(), run.ID, conflict.ID)
	if err != nil {
		mapServiceError(c, err, detailConflictNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "child_run": child})
}
