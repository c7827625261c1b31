package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/types"
)

type VerificationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, v *types.Verification) (*types.Verification, error)
	GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.Verification, error)
	GetByTxRef(ctx context.Context, tx *gorm.DB, txRef string) (*types.Verification, error)
}

type verificationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVerificationRepo(db *gorm.DB, baseLog *logger.Logger) VerificationRepo {
	return &verificationRepo{
		db:  db,
		log: baseLog.With("repo", "VerificationRepo"),
	}
}

func (r *verificationRepo) Create(ctx context.Context, tx *gorm.DB, v *types.Verification) (*types.Verification, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if v == nil {
		return nil, apperr.Validation("verification is nil")
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now()
	}
	if err := transaction.WithContext(ctx).Create(v).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, apperr.Conflict("verification for job %s already recorded", v.JobID)
		}
		return nil, apperr.Storage(err, "create verification")
	}
	return v, nil
}

func (r *verificationRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.Verification, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var v types.Verification
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, apperr.Storage(err, "get verification by job id")
	}
	if v.ID == uuid.Nil {
		return nil, apperr.NotFound("verification for job %s not found", jobID)
	}
	return &v, nil
}

func (r *verificationRepo) GetByTxRef(ctx context.Context, tx *gorm.DB, txRef string) (*types.Verification, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var v types.Verification
	err := transaction.WithContext(ctx).
		Where("tx_ref = ?", txRef).
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, apperr.Storage(err, "get verification by tx ref")
	}
	if v.ID == uuid.Nil {
		return nil, apperr.NotFound("verification for tx %s not found", txRef)
	}
	return &v, nil
}
