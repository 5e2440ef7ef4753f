package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/logging"
)

// errorBody is the error half of the response envelope.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// envelope is the uniform API response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logging.L().Error("request failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(httpStatus(kind), envelope{
		Success: false,
		Error:   &errorBody{Kind: string(kind), Message: apperr.MessageOf(err)},
	})
}

func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnsupportedLanguage, apperr.KindInvalidRequest, apperr.KindGitRemoteMissing:
		return http.StatusBadRequest
	case apperr.KindGitAuthRequired:
		return http.StatusUnauthorized
	case apperr.KindGitConflict:
		return http.StatusConflict
	case apperr.KindTooManyConcurrent, apperr.KindRateLimited, apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindSandboxUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
