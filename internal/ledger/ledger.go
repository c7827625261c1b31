package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/synapsemodel/backend/internal/utils"
)

// VerificationTx is the on-chain record of a signed inference: which job ran,
// what went in, the serialized result that came out, the computation metadata
// (model version, inference duration), and the enclave's proof over it.
type VerificationTx struct {
	JobID            string          `json:"job_id"`
	ModelID          string          `json:"model_id"`
	ModelVersion     string          `json:"model_version"`
	InputDigest      string          `json:"input_digest"`
	Result           json.RawMessage `json:"result"`
	OutputDigest     string          `json:"output_digest"`
	Signature        string          `json:"signature"`
	EnclavePublicKey string          `json:"enclave_public_key"`
	TimestampMs      int64           `json:"timestamp_ms"`
	InferenceTimeMs  int64           `json:"inference_time_ms"`

	// Digest is derived from the fields above; set by BuildVerificationTx.
	Digest string `json:"digest"`
}

// TxParams carries everything a verification transaction encodes.
type TxParams struct {
	JobID            string
	ModelID          string
	ModelVersion     string
	InputDigest      string
	Result           json.RawMessage
	Signature        string
	EnclavePublicKey string
	TimestampMs      int64
	InferenceTimeMs  int64
}

// Event is emitted by the ledger while executing a transaction.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TxStatus is the ledger's view of a submitted transaction.
type TxStatus struct {
	TxRef     string  `json:"tx_ref"`
	Confirmed bool    `json:"confirmed"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	Events    []Event `json:"events,omitempty"`
}

// CertificateEventType is the event carrying the verification certificate id.
const CertificateEventType = "CertificateIssued"

// Client submits verification transactions and reports their status.
// Submission is asynchronous: SubmitTransaction returns a reference the
// caller polls via GetStatus until the transaction confirms.
type Client interface {
	SubmitTransaction(ctx context.Context, tx *VerificationTx) (string, error)
	GetStatus(ctx context.Context, txRef string) (*TxStatus, error)
}

// BuildVerificationTx assembles the transaction and stamps it with a
// blake2b-256 digest over its canonical JSON encoding. The digest is
// deterministic: the same job fields always produce the same digest.
func BuildVerificationTx(p TxParams) (*VerificationTx, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("ledger: missing job id")
	}
	if p.Signature == "" {
		return nil, fmt.Errorf("ledger: missing signature")
	}
	if p.ModelVersion == "" {
		p.ModelVersion = "v1"
	}
	outputDigest, err := utils.ComputeInputDigest(p.Result)
	if err != nil {
		return nil, fmt.Errorf("ledger: digest result: %w", err)
	}

	tx := &VerificationTx{
		JobID:            p.JobID,
		ModelID:          p.ModelID,
		ModelVersion:     p.ModelVersion,
		InputDigest:      p.InputDigest,
		Result:           p.Result,
		OutputDigest:     outputDigest,
		Signature:        p.Signature,
		EnclavePublicKey: p.EnclavePublicKey,
		TimestampMs:      p.TimestampMs,
		InferenceTimeMs:  p.InferenceTimeMs,
	}

	// The result bytes enter the digest through their canonical form so the
	// same payload always hashes the same regardless of key order.
	canonical, err := json.Marshal(struct {
		JobID            string `json:"job_id"`
		ModelID          string `json:"model_id"`
		ModelVersion     string `json:"model_version"`
		InputDigest      string `json:"input_digest"`
		OutputDigest     string `json:"output_digest"`
		Signature        string `json:"signature"`
		EnclavePublicKey string `json:"enclave_public_key"`
		TimestampMs      int64  `json:"timestamp_ms"`
		InferenceTimeMs  int64  `json:"inference_time_ms"`
	}{tx.JobID, tx.ModelID, tx.ModelVersion, tx.InputDigest, tx.OutputDigest, tx.Signature, tx.EnclavePublicKey, tx.TimestampMs, tx.InferenceTimeMs})
	if err != nil {
		return nil, fmt.Errorf("ledger: encode tx: %w", err)
	}

	sum := blake2b.Sum256(canonical)
	tx.Digest = utils.BytesToHex(sum[:])
	return tx, nil
}

// CertificateRefFromEvents extracts the certificate id from a confirmed
// transaction's events. Returns "" when no certificate event is present;
// the certificate is best-effort and its absence is not an error.
func CertificateRefFromEvents(events []Event) string {
	for _, ev := range events {
		if ev.Type != CertificateEventType {
			continue
		}
		var data struct {
			CertificateID string `json:"certificate_id"`
			ID            string `json:"id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			continue
		}
		if data.CertificateID != "" {
			return data.CertificateID
		}
		if data.ID != "" {
			return data.ID
		}
	}
	return ""
}
