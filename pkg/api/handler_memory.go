package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/models"
)

func (s *Server) createMemory(c *gin.Context) {
	var req models.CreateUserMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	mem, err := s.memories.Create(c.Request.Context(), &req)
	if err != nil {
		mapServiceError(c, err, "memory not found")
		return
	}
	c.JSON(http.StatusOK, mem)
}

func (s *Server) listMemory(c *gin.Context) {
	memories, err := s.memories.List(c.Request.Context(), c.Query("query"))
	if err != nil {
		mapServiceError(c, err, "memory not found")
		return
	}
	c.JSON(http.StatusOK, memories)
}

func (s *Server) deleteMemory(c *gin.Context) {
	if err := s.memories.Delete(c.Request.Context(), c.Param("id")); err != nil {
		mapServiceError(c, err, "memory not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "удалено"})
}
