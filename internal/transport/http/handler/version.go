package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docdelta/internal/app"
	"docdelta/internal/pkg/jwtutil"
	"docdelta/internal/transport/http/middleware"
	"docdelta/internal/transport/http/response"
)

type VersionHandler struct {
	versions *app.VersionService
	replay   *app.ReplayService
}

func NewVersionHandler(versions *app.VersionService, replay *app.ReplayService) *VersionHandler {
	return &VersionHandler{versions: versions, replay: replay}
}

func (h *VersionHandler) Status(c *gin.Context) {
	ownerID, versionID, ok := h.target(c)
	if !ok {
		return
	}
	status, err := h.versions.GetStatus(c.Request.Context(), ownerID, versionID)
	if err != nil {
		writeServiceError(c, err, "get version status failed")
		return
	}
	response.OK(c, status)
}

// Replay re-dispatches the jobs of a version. only_incomplete defaults to
// true; false re-runs every chunk.
func (h *VersionHandler) Replay(c *gin.Context) {
	ownerID, versionID, ok := h.target(c)
	if !ok {
		return
	}
	onlyIncomplete := true
	if raw := c.Query("only_incomplete"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid only_incomplete")
			return
		}
		onlyIncomplete = v
	}

	result, err := h.replay.Replay(c.Request.Context(), ownerID, versionID, onlyIncomplete)
	if err != nil {
		writeServiceError(c, err, "replay failed")
		return
	}
	response.OK(c, result)
}

// target resolves the owner filter and version id. Operators see every
// version; owner id 0 disables the ownership check.
func (h *VersionHandler) target(c *gin.Context) (uint, uint, bool) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return 0, 0, false
	}
	versionID, err := parseUintParam(c, "id")
	if err != nil || versionID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid version id")
		return 0, 0, false
	}
	if middleware.HasScope(c, jwtutil.ScopeOps) {
		userID = 0
	}
	return userID, versionID, true
}
