package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

func (s *Server) createProject(c *gin.Context) {
	var req models.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		fail(c, http.StatusBadRequest, "name is required")
		return
	}

	project := &models.Project{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		Tags:      req.Tags,
		Settings:  req.Settings,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		mapServiceError(c, err, detailProjectNotFound)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		mapServiceError(c, err, detailProjectNotFound)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, detailProjectNotFound)
			return
		}
		mapServiceError(c, err, detailProjectNotFound)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) listRuns(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := s.store.GetProject(c.Request.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, detailProjectNotFound)
			return
		}
		mapServiceError(c, err, detailProjectNotFound)
		return
	}
	runs, err := s.store.ListRuns(c.Request.Context(), projectID)
	if err != nil {
		mapServiceError(c, err, detailProjectNotFound)
		return
	}
	c.JSON(http.StatusOK, runs)
}
