package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	assessmentdomain "github.com/complykit/complykit/internal/assessment/domain"
)

// RunAssessment handles POST /run. The tool field carries the tool name
// on the first request of a session and free follow-up text afterwards.
func (s *Server) RunAssessment(c *gin.Context) {
	var req assessmentdomain.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	result, err := s.assessment.Run(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
