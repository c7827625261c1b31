package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/synapsemodel/backend/internal/services"
	"github.com/synapsemodel/backend/internal/types"
)

type JobsHandler struct {
	jobs services.JobService
}

func NewJobsHandler(jobs services.JobService) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

type submitJobRequest struct {
	ModelID  string          `json:"model_id" binding:"required"`
	Input    json.RawMessage `json:"input" binding:"required"`
	Priority int             `json:"priority"`
}

// POST /api/jobs
func (h *JobsHandler) SubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	owner := c.GetString("owner")
	job, err := h.jobs.Submit(c.Request.Context(), owner, req.ModelID, req.Input, req.Priority)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), jobID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs?status=&limit=
func (h *JobsHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	if status := c.Query("status"); status != "" {
		out, err := h.jobs.ListByStatus(c.Request.Context(), types.JobStatus(status), limit)
		if err != nil {
			RespondAppError(c, err)
			return
		}
		RespondOK(c, gin.H{"jobs": out})
		return
	}

	owner := c.GetString("owner")
	out, err := h.jobs.ListByOwner(c.Request.Context(), owner, limit)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"jobs": out})
}

// POST /api/jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/process
func (h *JobsHandler) ProcessJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Redrive(c.Request.Context(), jobID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/stats
func (h *JobsHandler) GetStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"stats": stats})
}

// GET /api/jobs/dead-letters?limit=
func (h *JobsHandler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	out, err := h.jobs.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"dead_letters": out})
}
