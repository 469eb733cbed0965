package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docdelta/internal/app"
	"docdelta/internal/guardrail"
	"docdelta/internal/transport/http/middleware"
	"docdelta/internal/transport/http/response"
)

// writeServiceError maps service errors onto the response envelope. Anything
// unrecognized is a 500 with fallback as the message.
func writeServiceError(c *gin.Context, err error, fallback string) {
	var denied *guardrail.DeniedError
	switch {
	case errors.As(err, &denied):
		response.ErrorWithData(c, http.StatusTooManyRequests, response.CodeAdmissionDenied, denied.Decision.Reason, denied.Decision)
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrVersionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeNotFound, err.Error())
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok && userID != 0
}

func parseUintParam(c *gin.Context, key string) (uint, error) {
	u, err := strconv.ParseUint(c.Param(key), 10, 64)
	return uint(u), err
}
