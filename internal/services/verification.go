package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/ledger"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/repos"
	"github.com/synapsemodel/backend/internal/types"
)

// VerificationService records a completed job's signed result on-chain and
// moves the job to VERIFIED. Verify is idempotent: verifying an already
// verified job returns the existing record.
type VerificationService interface {
	Verify(ctx context.Context, jobID uuid.UUID) (*types.Verification, error)
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*types.Verification, error)
	GetByTxRef(ctx context.Context, txRef string) (*types.Verification, error)
}

type verificationService struct {
	db      *gorm.DB
	log     *logger.Logger
	jobs    repos.JobRepo
	records repos.VerificationRepo
	chain   ledger.Client

	pollInterval time.Duration
	confirmWait  time.Duration
	verifier     string
}

func NewVerificationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	jobs repos.JobRepo,
	records repos.VerificationRepo,
	chain ledger.Client,
) VerificationService {
	confirmWait := 30 * time.Second
	if v := os.Getenv("LEDGER_CONFIRM_TIMEOUT"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			confirmWait = time.Duration(parsed) * time.Millisecond
		}
	}
	return &verificationService{
		db:           db,
		log:          baseLog.With("service", "VerificationService"),
		jobs:         jobs,
		records:      records,
		chain:        chain,
		pollInterval: 1 * time.Second,
		confirmWait:  confirmWait,
		verifier:     strings.TrimSpace(os.Getenv("LEDGER_VERIFIER_ID")),
	}
}

func (s *verificationService) Verify(ctx context.Context, jobID uuid.UUID) (*types.Verification, error) {
	if jobID == uuid.Nil {
		return nil, apperr.Validation("missing job id")
	}
	if s.chain == nil {
		return nil, apperr.Ledger("ledger client not configured")
	}

	job, err := s.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == types.JobStatusVerified {
		return s.records.GetByJobID(ctx, nil, jobID)
	}
	if job.Status != types.JobStatusCompleted {
		return nil, apperr.Conflict("job %s is %s, only completed jobs can be verified", jobID, job.Status)
	}
	if !job.HasProof() {
		return nil, apperr.Validation("job %s has no signed result", jobID)
	}

	tx, err := ledger.BuildVerificationTx(ledger.TxParams{
		JobID:            job.ID.String(),
		ModelID:          job.ModelID,
		ModelVersion:     job.ModelVersion,
		InputDigest:      job.InputDigest,
		Result:           []byte(job.Result),
		Signature:        job.TeeSignature,
		EnclavePublicKey: job.EnclavePublicKey,
		TimestampMs:      job.ProofTimestampMs,
		InferenceTimeMs:  job.InferenceTimeMs,
	})
	if err != nil {
		return nil, apperr.Ledger("build verification tx: %v", err)
	}

	txRef, err := s.chain.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	status, err := s.awaitConfirmation(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if !status.Success {
		return nil, apperr.Ledger("verification tx %s failed: %s", txRef, status.Error)
	}

	certRef := ledger.CertificateRefFromEvents(status.Events)
	if certRef == "" {
		s.log.Warn("no certificate event on verification tx", "tx_ref", txRef, "job_id", jobID)
	}

	record := &types.Verification{
		JobID:          jobID,
		TxRef:          txRef,
		CertificateRef: certRef,
		Verifier:       s.verifier,
		VerifiedAt:     time.Now(),
	}
	created, err := s.records.Create(ctx, nil, record)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			// A concurrent verifier got there first; theirs wins.
			return s.records.GetByJobID(ctx, nil, jobID)
		}
		return nil, err
	}

	moved, err := s.jobs.TransitionStatus(ctx, nil, jobID, types.JobStatusVerified,
		types.TransitionSources(types.JobStatusVerified),
		map[string]interface{}{"verification_tx_ref": txRef},
	)
	if err != nil {
		return nil, err
	}
	if !moved {
		s.log.Warn("job moved on before verified transition", "job_id", jobID)
	}

	s.log.Info("job verified", "job_id", jobID, "tx_ref", txRef, "certificate_ref", certRef)
	return created, nil
}

// awaitConfirmation polls the ledger once per second until the transaction
// confirms or the confirmation window elapses.
func (s *verificationService) awaitConfirmation(ctx context.Context, txRef string) (*ledger.TxStatus, error) {
	deadline := time.Now().Add(s.confirmWait)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		status, err := s.chain.GetStatus(ctx, txRef)
		if err != nil {
			s.log.Warn("ledger status poll failed", "tx_ref", txRef, "error", err)
		} else if status.Confirmed {
			return status, nil
		}

		if time.Now().After(deadline) {
			return nil, apperr.Ledger("verification tx %s not confirmed within %s", txRef, s.confirmWait)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await confirmation: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *verificationService) GetByJobID(ctx context.Context, jobID uuid.UUID) (*types.Verification, error) {
	if jobID == uuid.Nil {
		return nil, apperr.Validation("missing job id")
	}
	return s.records.GetByJobID(ctx, nil, jobID)
}

func (s *verificationService) GetByTxRef(ctx context.Context, txRef string) (*types.Verification, error) {
	if strings.TrimSpace(txRef) == "" {
		return nil, apperr.Validation("missing tx ref")
	}
	return s.records.GetByTxRef(ctx, nil, txRef)
}
