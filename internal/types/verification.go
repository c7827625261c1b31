package types

import (
	"time"

	"github.com/google/uuid"
)

// Verification records one confirmed on-chain verification transaction.
// At most one per job, at most one per transaction reference.
type Verification struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	TxRef          string    `gorm:"column:tx_ref;not null;uniqueIndex" json:"tx_ref"`
	CertificateRef string    `gorm:"column:certificate_ref" json:"certificate_ref,omitempty"`
	Verifier       string    `gorm:"column:verifier;not null" json:"verifier"`
	VerifiedAt     time.Time `gorm:"column:verified_at;not null" json:"verified_at"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Verification) TableName() string { return "verification" }
