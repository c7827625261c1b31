package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/synapsemodel/backend/internal/services"
)

type VerificationHandler struct {
	verifications services.VerificationService
}

func NewVerificationHandler(verifications services.VerificationService) *VerificationHandler {
	return &VerificationHandler{verifications: verifications}
}

// POST /api/jobs/:id/verify
func (h *VerificationHandler) VerifyJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	record, err := h.verifications.Verify(c.Request.Context(), jobID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"verification": record})
}

// GET /api/jobs/:id/verification
func (h *VerificationHandler) GetVerification(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	record, err := h.verifications.GetByJobID(c.Request.Context(), jobID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"verification": record})
}

// GET /api/verification/transaction/:txRef
func (h *VerificationHandler) GetVerificationByTxRef(c *gin.Context) {
	record, err := h.verifications.GetByTxRef(c.Request.Context(), c.Param("txRef"))
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"verification": record})
}
