package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/gitrunner"
)

type gitRequest struct {
	Data  map[string]interface{} `json:"data"`
	Token string                 `json:"token"`
}

// handleGit runs one git worker operation against a project.
func (s *Server) handleGit(c *gin.Context) {
	projectID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, apperr.New(apperr.KindNotFound, "invalid project id"))
		return
	}

	var req gitRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		fail(c, apperr.Wrap(apperr.KindInvalidRequest, "invalid request body", err))
		return
	}
	if req.Data == nil {
		req.Data = map[string]interface{}{}
	}

	result, err := s.git.Execute(c.Request.Context(),
		c.GetUint("user_id"), uint(projectID), c.Param("op"), req.Data,
		gitrunner.Credentials{Token: req.Token})
	if err != nil {
		fail(c, err)
		return
	}
	if !result.Success {
		fail(c, apperr.New(result.Kind, result.Error))
		return
	}
	ok(c, result)
}
