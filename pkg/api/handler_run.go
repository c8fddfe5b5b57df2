package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

// qaModeHeader lets one request opt into the deterministic QA stubs.
const qaModeHeader = "X-Astra-QA-Mode"

func (s *Server) createRun(c *gin.Context) {
	var req models.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.QueryText) == "" {
		fail(c, http.StatusBadRequest, "query_text is required")
		return
	}
	if req.Mode == "" {
		req.Mode = models.RunModePlanOnly
	}

	envelope, err := s.runs.Create(c.Request.Context(), c.Param("id"), &req, s.requestQAMode(c))
	if err != nil {
		mapServiceError(c, err, detailProjectNotFound)
		return
	}
	c.JSON(http.StatusOK, envelope)
}

// requestQAMode reports whether this request runs against the LLM stubs:
// either the server was started in QA mode or the header asks for it.
func (s *Server) requestQAMode(c *gin.Context) bool {
	if s.qaMode {
		return true
	}
	switch strings.ToLower(c.GetHeader(qaModeHeader)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// requireRun loads the run or answers 404. The bool reports success.
func (s *Server) requireRun(c *gin.Context) (*models.Run, bool) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, detailRunNotFound)
			return nil, false
		}
		mapServiceError(c, err, detailRunNotFound)
		return nil, false
	}
	return run, true
}

func (s *Server) getRun(c *gin.Context) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) planRun(c *gin.Context) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	steps, err := s.engine.CreatePlan(c.Request.Context(), run)
	if err != nil {
		mapServiceError(c, err, detailRunNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": run.ID, "plan": steps})
}

// runAction runs one engine lifecycle call and answers with its Russian
// status word.
func (s *Server) runAction(c *gin.Context, status string, action func(runID string) error) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	if err := action(run.ID); err != nil {
		mapServiceError(c, err, detailRunNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) startRun(c *gin.Context) {
	s.runAction(c, "запущено", func(runID string) error {
		return s.engine.StartRun(c.Request.Context(), runID)
	})
}

func (s *Server) cancelRun(c *gin.Context) {
	s.runAction(c, "отменено", func(runID string) error {
		return s.engine.CancelRun(c.Request.Context(), runID)
	})
}

func (s *Server) pauseRun(c *gin.Context) {
	s.runAction(c, "пауза", func(runID string) error {
		return s.engine.PauseRun(c.Request.Context(), runID)
	})
}

func (s *Server) resumeRun(c *gin.Context) {
	s.runAction(c, "возобновлено", func(runID string) error {
		return s.engine.ResumeRun(c.Request.Context(), runID)
	})
}

func (s *Server) retryTask(c *gin.Context) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), c.Param("taskID"))
	if err != nil || task.RunID != run.ID {
		if err == nil || errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, detailTaskNotFound)
			return
		}
		mapServiceError(c, err, detailTaskNotFound)
		return
	}
	if err := s.engine.RetryTask(c.Request.Context(), run.ID, task.ID); err != nil {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "повтор_запущен"})
}

func (s *Server) retryStep(c *gin.Context) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	step, err := s.store.GetPlanStep(c.Request.Context(), c.Param("stepID"))
	if err != nil || step.RunID != run.ID {
		if err == nil || errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, detailStepNotFound)
			return
		}
		mapServiceError(c, err, detailStepNotFound)
		return
	}
	if err := s.engine.RetryStep(c.Request.Context(), run.ID, step.ID); err != nil {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "повтор_запущен"})
}
