package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
)

func newTestComputeClient(t *testing.T, url string) *computeClient {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Setenv("TEE_SERVER_URL", url)
	t.Setenv("TEE_SERVER_TIMEOUT", "2000")
	cc, err := NewComputeClient(log)
	if err != nil {
		t.Fatalf("NewComputeClient: %v", err)
	}
	client := cc.(*computeClient)
	client.baseBackoff = time.Millisecond
	return client
}

func TestComputeClientInfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process_data" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req processDataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Payload.JobID != "job-1" || req.Payload.ModelID == "" {
			t.Errorf("unexpected payload: %+v", req.Payload)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_output": map[string]any{"label": "positive"},
			"signature":    "sig-abc",
			"timestamp":    1700000000000,
		})
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	res, err := client.Infer(context.Background(), "job-1", "sentiment-analysis", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Signature != "sig-abc" || res.TimestampMs != 1700000000000 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestComputeClientInferComputationMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_output": map[string]any{"label": "positive"},
			"signature":    "sig-abc",
			"timestamp":    1700000000000,
			"computation_metadata": map[string]any{
				"model_version":     "v2.1.0",
				"inference_time_ms": 42,
			},
		})
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	res, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.ModelVersion != "v2.1.0" || res.InferenceTimeMs != 42 {
		t.Fatalf("computation metadata not extracted: %+v", res)
	}
}

func TestComputeClientInferInlineMetadataFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_output": map[string]any{
				"label":             "positive",
				"model_version":     "v1.4.0",
				"inference_time_ms": 7,
			},
			"signature": "sig-abc",
		})
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	res, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.ModelVersion != "v1.4.0" || res.InferenceTimeMs != 7 {
		t.Fatalf("inline metadata not extracted: %+v", res)
	}
}

func TestComputeClientInferMetadataDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_output": map[string]any{"label": "positive"},
			"signature":    "sig-abc",
		})
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	res, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.ModelVersion != "v1" || res.InferenceTimeMs != 0 {
		t.Fatalf("unexpected metadata defaults: %+v", res)
	}
}

func TestComputeClientInferMissingSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_output": map[string]any{"label": "positive"},
		})
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	_, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if apperr.KindOf(err) != apperr.KindComputeFatal {
		t.Fatalf("missing signature should be fatal, got %v", err)
	}
}

func TestComputeClientInferServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "unsupported model"})
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	_, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if apperr.KindOf(err) != apperr.KindComputeFatal {
		t.Fatalf("well-formed error response should be fatal, got %v", err)
	}
}

func TestComputeClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_output": map[string]any{"ok": true},
			"signature":    "sig",
		})
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	res, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Infer should succeed on third attempt: %v", err)
	}
	if res.Signature != "sig" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

func TestComputeClientExhaustsRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	_, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if apperr.KindOf(err) != apperr.KindComputeTransient {
		t.Fatalf("persistent 5xx should surface as transient, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

func TestComputeClient4xxNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad payload"}`))
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	_, err := client.Infer(context.Background(), "job-1", "m", json.RawMessage(`{}`))
	if apperr.KindOf(err) != apperr.KindComputeFatal {
		t.Fatalf("4xx should be fatal, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls=%d, want 1 (no retry)", got)
	}
}

func TestComputeClientIsReady(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health_check":
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		case "/get_attestation":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"attestation": map[string]any{"quote": "deadbeef"},
			})
		case "/get_pk":
			_ = json.NewEncoder(w).Encode(map[string]any{"public_key": "pk-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newTestComputeClient(t, srv.URL)
	if !client.IsReady(context.Background()) {
		t.Fatalf("expected ready")
	}

	pk, err := client.GetPublicKey(context.Background())
	if err != nil || pk != "pk-1" {
		t.Fatalf("GetPublicKey=%q err=%v", pk, err)
	}

	healthy = false
	if client.IsReady(context.Background()) {
		t.Fatalf("unhealthy service must not be ready")
	}
}
