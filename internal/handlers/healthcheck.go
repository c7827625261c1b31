package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/synapsemodel/backend/internal/services"
)

type HealthHandler struct {
	compute services.ComputeClient
}

func NewHealthHandler(compute services.ComputeClient) *HealthHandler {
	return &HealthHandler{compute: compute}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /readycheck reports whether the compute service is healthy and attested.
func (h *HealthHandler) ReadyCheck(c *gin.Context) {
	if h.compute == nil || !h.compute.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
