package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusVerified   JobStatus = "verified"
)

type Job struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Owner             string         `gorm:"column:owner;not null;index" json:"owner"`
	ModelID           string         `gorm:"column:model_id;not null;index" json:"model_id"`
	Input             datatypes.JSON `gorm:"type:jsonb;column:input;not null" json:"input"`
	InputDigest       string         `gorm:"column:input_digest;not null;uniqueIndex" json:"input_digest"`
	Status            JobStatus      `gorm:"column:status;not null;index" json:"status"`
	Result            datatypes.JSON `gorm:"type:jsonb;column:result" json:"result,omitempty"`
	ModelVersion      string         `gorm:"column:model_version" json:"model_version,omitempty"`
	InferenceTimeMs   int64          `gorm:"column:inference_time_ms" json:"inference_time_ms,omitempty"`
	TeeSignature      string         `gorm:"column:tee_signature" json:"tee_signature,omitempty"`
	EnclavePublicKey  string         `gorm:"column:enclave_public_key" json:"enclave_public_key,omitempty"`
	ProofTimestampMs  int64          `gorm:"column:proof_timestamp_ms" json:"proof_timestamp_ms,omitempty"`
	VerificationTxRef string         `gorm:"column:verification_tx_ref;index" json:"verification_tx_ref,omitempty"`
	Error             string         `gorm:"column:error" json:"error,omitempty"`
	Attempts          int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	CompletedAt       *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// HasProof reports whether the job carries a signed result.
func (j *Job) HasProof() bool { return j.TeeSignature != "" }

// IsVerified reports whether the job's result was recorded on-chain.
func (j *Job) IsVerified() bool { return j.VerificationTxRef != "" }

// IsTerminal reports whether status admits no further compute-phase transition.
// VERIFIED is reachable from COMPLETED only; FAILED and VERIFIED are final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusVerified:
		return true
	}
	return false
}

// jobTransitions is the forward-only status DAG. A job never moves backward.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusQueued, JobStatusFailed},
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed},
	JobStatusCompleted:  {JobStatusVerified},
}

// CanTransition reports whether from -> to is a legal status move.
// PROCESSING -> PROCESSING is allowed so a redelivered queue entry can
// re-claim a job a crashed worker left behind.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which to is reachable. Guards
// that accept any legal predecessor derive their from-set here instead of
// hand-listing statuses.
func TransitionSources(to JobStatus) []JobStatus {
	order := []JobStatus{JobStatusPending, JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusVerified}
	var out []JobStatus
	for _, from := range order {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
