package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/types"
)

// JobRepo is the durable store for job records. Safe for concurrent use from
// multiple workers; all status writes go through TransitionStatus so a
// terminal status is never overwritten by a slower competing writer.
type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.Job) (*types.Job, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error)
	GetByDigest(ctx context.Context, tx *gorm.DB, digest string) (*types.Job, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// TransitionStatus applies updates and moves the job to status `to` only
	// when its current status is one of `allowedFrom`. Returns false when the
	// guard rejected the write (job missing or already moved on).
	TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, to types.JobStatus, allowedFrom []types.JobStatus, updates map[string]interface{}) (bool, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, owner string, limit int) ([]*types.Job, error)
	ListByStatus(ctx context.Context, tx *gorm.DB, status types.JobStatus, limit int) ([]*types.Job, error)
	ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Job, error)
	CountByStatus(ctx context.Context, tx *gorm.DB) (map[types.JobStatus]int64, error)
	DeleteOlderThan(ctx context.Context, tx *gorm.DB, days int, statuses []types.JobStatus) (int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.Job) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, apperr.Validation("job is nil")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, apperr.Conflict("job with input digest %s already exists", job.InputDigest)
		}
		return nil, apperr.Storage(err, "create job")
	}
	return job, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.Job
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, apperr.Storage(err, "get job")
	}
	if job.ID == uuid.Nil {
		return nil, apperr.NotFound("job %s not found", id)
	}
	return &job, nil
}

func (r *jobRepo) GetByDigest(ctx context.Context, tx *gorm.DB, digest string) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.Job
	err := transaction.WithContext(ctx).
		Where("input_digest = ?", digest).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, apperr.Storage(err, "get job by digest")
	}
	if job.ID == uuid.Nil {
		return nil, apperr.NotFound("job with digest %s not found", digest)
	}
	return &job, nil
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	err := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return apperr.Storage(err, "update job")
	}
	return nil
}

func (r *jobRepo) TransitionStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, to types.JobStatus, allowedFrom []types.JobStatus, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, apperr.Validation("missing job id")
	}

	// The transition table is authoritative: an allowedFrom entry the table
	// does not permit is dropped, so guards can never widen it.
	legalFrom := make([]types.JobStatus, 0, len(allowedFrom))
	for _, from := range allowedFrom {
		if types.CanTransition(from, to) {
			legalFrom = append(legalFrom, from)
		}
	}
	if len(legalFrom) == 0 {
		r.log.Debug("no legal transition source", "job_id", id, "to", to)
		return false, nil
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now()

	res := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ? AND status IN ?", id, legalFrom).
		Updates(updates)
	if res.Error != nil {
		return false, apperr.Storage(res.Error, "transition job status")
	}
	if res.RowsAffected == 0 {
		r.log.Debug("status transition rejected by guard", "job_id", id, "to", to)
		return false, nil
	}
	return true, nil
}

func (r *jobRepo) ListByOwner(ctx context.Context, tx *gorm.DB, owner string, limit int) ([]*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 20
	}
	var out []*types.Job
	err := transaction.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, apperr.Storage(err, "list jobs by owner")
	}
	return out, nil
}

func (r *jobRepo) ListByStatus(ctx context.Context, tx *gorm.DB, status types.JobStatus, limit int) ([]*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.Job
	err := transaction.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, apperr.Storage(err, "list jobs by status")
	}
	return out, nil
}

func (r *jobRepo) ListRecent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 10
	}
	var out []*types.Job
	err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, apperr.Storage(err, "list recent jobs")
	}
	return out, nil
}

func (r *jobRepo) CountByStatus(ctx context.Context, tx *gorm.DB) (map[types.JobStatus]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	type row struct {
		Status types.JobStatus
		N      int64
	}
	var rows []row
	err := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Storage(err, "count jobs by status")
	}
	out := make(map[types.JobStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (r *jobRepo) DeleteOlderThan(ctx context.Context, tx *gorm.DB, days int, statuses []types.JobStatus) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if days <= 0 {
		days = 30
	}
	if len(statuses) == 0 {
		statuses = []types.JobStatus{types.JobStatusCompleted, types.JobStatusFailed}
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := transaction.WithContext(ctx).
		Where("created_at < ? AND status IN ?", cutoff, statuses).
		Delete(&types.Job{})
	if res.Error != nil {
		return 0, apperr.Storage(res.Error, "delete old jobs")
	}
	return res.RowsAffected, nil
}
