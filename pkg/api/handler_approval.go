package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type approveRequest struct {
	// Decision is "разово" or "всегда"; empty defaults to a one-off
	// approval.
	Decision string `json:"decision"`
}

func (s *Server) approveApproval(c *gin.Context) {
	var req approveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Decision == "" {
		req.Decision = "разово"
	}

	approval, err := s.approvals.Approve(c.Request.Context(), c.Param("id"), req.Decision)
	if err != nil {
		mapServiceError(c, err, detailApprovalNotFound)
		return
	}
	c.JSON(http.StatusOK, approval)
}

func (s *Server) rejectApproval(c *gin.Context) {
	approval, err := s.approvals.Reject(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err, detailApprovalNotFound)
		return
	}
	c.JSON(http.StatusOK, approval)
}
