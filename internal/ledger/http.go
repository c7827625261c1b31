package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
)

// httpClient talks to the ledger gateway over REST. The gateway wraps the
// chain RPC: POST /v1/transactions submits, GET /v1/transactions/{ref}
// reports execution status and events.
type httpClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_GATEWAY_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing LEDGER_GATEWAY_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := 15
	if v := os.Getenv("LEDGER_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &httpClient{
		log:        log.With("service", "LedgerClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("LEDGER_API_KEY")),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return apperr.Ledger("encode request: %v", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return apperr.Ledger("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Ledger("ledger request failed: %v", err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return apperr.Ledger("read ledger response: %v", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Ledger("ledger http %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Ledger("decode ledger response: %v", err)
		}
	}
	return nil
}

type submitResponse struct {
	TxRef string `json:"tx_ref"`
}

func (c *httpClient) SubmitTransaction(ctx context.Context, tx *VerificationTx) (string, error) {
	if tx == nil || tx.Digest == "" {
		return "", apperr.Ledger("transaction not built")
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", tx, &resp); err != nil {
		return "", err
	}
	if resp.TxRef == "" {
		return "", apperr.Ledger("ledger returned empty tx ref")
	}
	c.log.Info("verification transaction submitted", "tx_ref", resp.TxRef, "job_id", tx.JobID)
	return resp.TxRef, nil
}

func (c *httpClient) GetStatus(ctx context.Context, txRef string) (*TxStatus, error) {
	if txRef == "" {
		return nil, apperr.Ledger("missing tx ref")
	}
	var status TxStatus
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+txRef, nil, &status); err != nil {
		return nil, err
	}
	if status.TxRef == "" {
		status.TxRef = txRef
	}
	return &status, nil
}
