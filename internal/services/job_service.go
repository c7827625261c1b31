package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/jobs"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/queue"
	"github.com/synapsemodel/backend/internal/repos"
	"github.com/synapsemodel/backend/internal/types"
	"github.com/synapsemodel/backend/internal/utils"
)

// JobService owns the submission side of the job lifecycle: validate, persist
// as PENDING, hand to the dispatcher, mark QUEUED. Duplicate submissions are
// detected by input digest and rejected with a conflict.
type JobService interface {
	Submit(ctx context.Context, owner, modelID string, input json.RawMessage, priority int) (*types.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*types.Job, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*types.Job, error)
	ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error)
	// Cancel fails a job that has not started processing yet. Jobs already
	// claimed by a worker run to completion.
	Cancel(ctx context.Context, id uuid.UUID) (*types.Job, error)
	// Redrive re-enqueues a job that never made it onto the queue or fell off
	// it. Idempotent: a job with a result already is returned as-is.
	Redrive(ctx context.Context, id uuid.UUID) (*types.Job, error)
	Stats(ctx context.Context) (*JobStats, error)
	DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error)
}

// JobStats merges store counts with live queue depth.
type JobStats struct {
	ByStatus map[types.JobStatus]int64 `json:"by_status"`
	Queue    *queue.Stats              `json:"queue"`
}

type jobService struct {
	db         *gorm.DB
	log        *logger.Logger
	repo       repos.JobRepo
	dispatcher queue.Dispatcher
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.JobRepo,
	dispatcher queue.Dispatcher,
) JobService {
	return &jobService{
		db:         db,
		log:        baseLog.With("service", "JobService"),
		repo:       repo,
		dispatcher: dispatcher,
	}
}

func (s *jobService) Submit(ctx context.Context, owner, modelID string, input json.RawMessage, priority int) (*types.Job, error) {
	if owner == "" {
		return nil, apperr.Validation("missing owner")
	}
	if modelID == "" {
		return nil, apperr.Validation("missing model_id")
	}
	if len(input) == 0 {
		return nil, apperr.Validation("missing input")
	}
	if err := jobs.ValidateInput(modelID, input); err != nil {
		return nil, err
	}

	digest, err := utils.ComputeInputDigest(input)
	if err != nil {
		return nil, apperr.Validation("input is not valid JSON: %v", err)
	}

	job := &types.Job{
		ID:          uuid.New(),
		Owner:       owner,
		ModelID:     modelID,
		Input:       datatypes.JSON(input),
		InputDigest: digest,
		Status:      types.JobStatusPending,
	}
	if _, err := s.repo.Create(ctx, nil, job); err != nil {
		return nil, err
	}

	entry := queue.Entry{
		JobID:       job.ID,
		ModelID:     modelID,
		Input:       input,
		InputDigest: digest,
		Owner:       owner,
		Priority:    priority,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.dispatcher.Enqueue(ctx, entry); err != nil {
		// Keep the record; the job stays PENDING and can be re-driven.
		s.log.Error("enqueue failed, job left pending", "job_id", job.ID, "error", err)
		return nil, apperr.Storage(err, "enqueue job")
	}

	moved, err := s.repo.TransitionStatus(ctx, nil, job.ID, types.JobStatusQueued,
		[]types.JobStatus{types.JobStatusPending}, nil)
	if err != nil {
		return nil, err
	}
	if moved {
		job.Status = types.JobStatusQueued
	}

	s.log.Info("job submitted", "job_id", job.ID, "model_id", modelID, "owner", owner)
	return job, nil
}

func (s *jobService) GetByID(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, apperr.Validation("missing job id")
	}
	return s.repo.GetByID(ctx, nil, id)
}

func (s *jobService) ListByOwner(ctx context.Context, owner string, limit int) ([]*types.Job, error) {
	if owner == "" {
		return nil, apperr.Validation("missing owner")
	}
	return s.repo.ListByOwner(ctx, nil, owner, limit)
}

func (s *jobService) ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	return s.repo.ListByStatus(ctx, nil, status, limit)
}

func (s *jobService) Cancel(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, apperr.Validation("missing job id")
	}
	job, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	moved, err := s.repo.TransitionStatus(ctx, nil, id, types.JobStatusFailed,
		[]types.JobStatus{types.JobStatusPending, types.JobStatusQueued},
		map[string]interface{}{"error": "cancelled by user"},
	)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperr.Conflict("job %s is %s and can no longer be cancelled", id, job.Status)
	}

	s.log.Info("job cancelled", "job_id", id)
	return s.repo.GetByID(ctx, nil, id)
}

func (s *jobService) Redrive(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, apperr.Validation("missing job id")
	}
	job, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case types.JobStatusCompleted, types.JobStatusVerified:
		return job, nil
	case types.JobStatusProcessing:
		return nil, apperr.Conflict("job %s is processing", id)
	case types.JobStatusFailed:
		return nil, apperr.Conflict("job %s already failed: %s", id, job.Error)
	}

	entry := queue.Entry{
		JobID:       job.ID,
		ModelID:     job.ModelID,
		Input:       json.RawMessage(job.Input),
		InputDigest: job.InputDigest,
		Owner:       job.Owner,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.dispatcher.Enqueue(ctx, entry); err != nil {
		return nil, apperr.Storage(err, "re-enqueue job")
	}
	moved, err := s.repo.TransitionStatus(ctx, nil, job.ID, types.JobStatusQueued,
		[]types.JobStatus{types.JobStatusPending}, nil)
	if err != nil {
		return nil, err
	}
	if moved {
		job.Status = types.JobStatusQueued
	}
	s.log.Info("job re-driven", "job_id", job.ID)
	return job, nil
}

func (s *jobService) Stats(ctx context.Context) (*JobStats, error) {
	byStatus, err := s.repo.CountByStatus(ctx, nil)
	if err != nil {
		return nil, err
	}
	qs, err := s.dispatcher.Stats(ctx)
	if err != nil {
		s.log.Warn("queue stats unavailable", "error", err)
		qs = &queue.Stats{}
	}
	return &JobStats{ByStatus: byStatus, Queue: qs}, nil
}

func (s *jobService) DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	return s.dispatcher.DeadLetters(ctx, limit)
}
