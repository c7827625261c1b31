package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
)

// ComputeClient talks to the remote enclave compute service. Every inference
// response must carry the enclave's signature over the output; a response
// without one is treated as invalid, not retried.
type ComputeClient interface {
	Infer(ctx context.Context, jobID, modelID string, input json.RawMessage) (*InferResult, error)
	HealthCheck(ctx context.Context) error
	GetAttestation(ctx context.Context) (json.RawMessage, error)
	GetPublicKey(ctx context.Context) (string, error)
	// IsReady reports whether the service is both healthy and attested.
	IsReady(ctx context.Context) bool
}

// InferResult is a signed inference output plus the enclave's computation
// metadata, which travels with the proof onto the ledger.
type InferResult struct {
	Output          json.RawMessage
	Signature       string
	TimestampMs     int64
	ModelVersion    string
	InferenceTimeMs int64
}

type computeClient struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client

	maxAttempts int
	baseBackoff time.Duration
}

func NewComputeClient(log *logger.Logger) (ComputeClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("TEE_SERVER_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing TEE_SERVER_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutMs := 30000
	if v := os.Getenv("TEE_SERVER_TIMEOUT"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutMs = parsed
		}
	}

	maxAttempts := 3
	if v := os.Getenv("TEE_MAX_ATTEMPTS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			maxAttempts = parsed
		}
	}

	return &computeClient{
		log:         log.With("service", "ComputeClient"),
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		maxAttempts: maxAttempts,
		baseBackoff: 2 * time.Second,
	}, nil
}

type computeHTTPError struct {
	StatusCode int
	Body       string
}

func (e *computeHTTPError) Error() string {
	return fmt.Sprintf("compute http %d: %s", e.StatusCode, e.Body)
}

func isTransientHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *computeHTTPError
	if errors.As(err, &httpErr) {
		return isTransientHTTP(httpErr.StatusCode)
	}
	// Connection refused and friends come through as url.Error wrapping an
	// *net.OpError, both of which satisfy net.Error above; anything else
	// (decode failures, well-formed error responses) is not worth a retry.
	return false
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	v := low + rand.Float64()*(2*delta)
	return time.Duration(v * float64(time.Second))
}

func (c *computeClient) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, &computeHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func (c *computeClient) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := c.baseBackoff

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return apperr.ComputeFatal(uErr, "decode compute response")
			}
			return nil
		}
		lastErr = err

		if !isTransientErr(err) {
			return apperr.ComputeFatal(err, "compute request rejected")
		}
		if attempt == c.maxAttempts {
			break
		}

		sleepFor := jitter(backoff)
		c.log.Warn("compute request retrying",
			"path", path,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	return apperr.ComputeTransient(lastErr, "compute service unavailable")
}

type processDataRequest struct {
	Payload struct {
		JobID     string          `json:"job_id"`
		ModelID   string          `json:"model_id"`
		InputData json.RawMessage `json:"input_data"`
	} `json:"payload"`
}

type computationMetadata struct {
	ModelVersion    string `json:"model_version"`
	InferenceTimeMs int64  `json:"inference_time_ms"`
}

type processDataResponse struct {
	ModelOutput json.RawMessage     `json:"model_output"`
	Result      json.RawMessage     `json:"result"`
	Signature   string              `json:"signature"`
	Timestamp   int64               `json:"timestamp"`
	Metadata    computationMetadata `json:"computation_metadata"`
	Error       string              `json:"error"`
}

func (c *computeClient) Infer(ctx context.Context, jobID, modelID string, input json.RawMessage) (*InferResult, error) {
	var req processDataRequest
	req.Payload.JobID = jobID
	req.Payload.ModelID = modelID
	req.Payload.InputData = input

	var resp processDataResponse
	if err := c.do(ctx, http.MethodPost, "/process_data", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, apperr.ComputeFatal(nil, "compute service error: "+resp.Error)
	}

	output := resp.ModelOutput
	if len(output) == 0 {
		output = resp.Result
	}
	if len(output) == 0 {
		return nil, apperr.ComputeFatal(nil, "compute response missing model output")
	}
	if strings.TrimSpace(resp.Signature) == "" {
		return nil, apperr.ComputeFatal(nil, "compute response missing signature")
	}

	ts := resp.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	// Older enclave builds report metadata inside the output object instead
	// of the computation_metadata envelope.
	meta := resp.Metadata
	if meta.ModelVersion == "" || meta.InferenceTimeMs == 0 {
		var inline computationMetadata
		if err := json.Unmarshal(output, &inline); err == nil {
			if meta.ModelVersion == "" {
				meta.ModelVersion = inline.ModelVersion
			}
			if meta.InferenceTimeMs == 0 {
				meta.InferenceTimeMs = inline.InferenceTimeMs
			}
		}
	}
	if meta.ModelVersion == "" {
		meta.ModelVersion = "v1"
	}

	return &InferResult{
		Output:          output,
		Signature:       resp.Signature,
		TimestampMs:     ts,
		ModelVersion:    meta.ModelVersion,
		InferenceTimeMs: meta.InferenceTimeMs,
	}, nil
}

type healthCheckResponse struct {
	Status string `json:"status"`
}

func (c *computeClient) HealthCheck(ctx context.Context) error {
	var resp healthCheckResponse
	if err := c.do(ctx, http.MethodGet, "/health_check", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "" && !strings.EqualFold(resp.Status, "ok") && !strings.EqualFold(resp.Status, "healthy") {
		return apperr.ComputeTransient(nil, "compute service unhealthy: "+resp.Status)
	}
	return nil
}

type attestationResponse struct {
	Attestation json.RawMessage `json:"attestation"`
}

func (c *computeClient) GetAttestation(ctx context.Context) (json.RawMessage, error) {
	var resp attestationResponse
	if err := c.do(ctx, http.MethodGet, "/get_attestation", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Attestation) == 0 {
		return nil, apperr.ComputeFatal(nil, "compute response missing attestation")
	}
	return resp.Attestation, nil
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
	Pk        string `json:"pk"`
}

func (c *computeClient) GetPublicKey(ctx context.Context) (string, error) {
	var resp publicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/get_pk", nil, &resp); err != nil {
		return "", err
	}
	pk := resp.PublicKey
	if pk == "" {
		pk = resp.Pk
	}
	if strings.TrimSpace(pk) == "" {
		return "", apperr.ComputeFatal(nil, "compute response missing public key")
	}
	return pk, nil
}

func (c *computeClient) IsReady(ctx context.Context) bool {
	if err := c.HealthCheck(ctx); err != nil {
		c.log.Warn("compute health check failed", "error", err)
		return false
	}
	if _, err := c.GetAttestation(ctx); err != nil {
		c.log.Warn("compute attestation fetch failed", "error", err)
		return false
	}
	return true
}
