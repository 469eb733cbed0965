package handler

import (
	"github.com/gin-gonic/gin"

	"docdelta/internal/app"
	"docdelta/internal/transport/http/response"
)

type OpsHandler struct {
	recovery *app.RecoveryService
}

func NewOpsHandler(recovery *app.RecoveryService) *OpsHandler {
	return &OpsHandler{recovery: recovery}
}

func (h *OpsHandler) RecoverySweep(c *gin.Context) {
	result, err := h.recovery.RecoverySweep(c.Request.Context())
	if err != nil {
		writeServiceError(c, err, "recovery sweep failed")
		return
	}
	response.OK(c, result)
}

func (h *OpsHandler) JobSweep(c *gin.Context) {
	result, err := h.recovery.JobSweep(c.Request.Context())
	if err != nil {
		writeServiceError(c, err, "job sweep failed")
		return
	}
	response.OK(c, result)
}
