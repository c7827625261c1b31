package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
)

func newTestHTTPClient(t *testing.T, url string) Client {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Setenv("LEDGER_GATEWAY_URL", url)
	t.Setenv("LEDGER_API_KEY", "gw-key")
	client, err := NewHTTPClient(log)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return client
}

func TestHTTPClientSubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gw-key" {
			t.Errorf("Authorization=%q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transactions":
			var tx VerificationTx
			if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
				t.Errorf("decode tx: %v", err)
			}
			if tx.Digest == "" {
				t.Errorf("tx submitted without digest")
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "tx-123"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transactions/tx-123":
			_ = json.NewEncoder(w).Encode(TxStatus{
				TxRef:     "tx-123",
				Confirmed: true,
				Success:   true,
				Events:    []Event{{Type: CertificateEventType, Data: json.RawMessage(`{"certificate_id":"cert-5"}`)}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv.URL)
	tx, err := BuildVerificationTx(TxParams{
		JobID:       "job-1",
		ModelID:     "m",
		InputDigest: "0xin",
		Result:      json.RawMessage(`{"ok":true}`),
		Signature:   "sig",
		TimestampMs: 1,
	})
	if err != nil {
		t.Fatalf("BuildVerificationTx: %v", err)
	}

	txRef, err := client.SubmitTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if txRef != "tx-123" {
		t.Fatalf("txRef=%s", txRef)
	}

	status, err := client.GetStatus(context.Background(), txRef)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.Confirmed || !status.Success {
		t.Fatalf("unexpected status: %+v", status)
	}
	if CertificateRefFromEvents(status.Events) != "cert-5" {
		t.Fatalf("certificate event lost in transit")
	}
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"node unavailable"}`))
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv.URL)
	tx, err := BuildVerificationTx(TxParams{
		JobID:       "job-1",
		ModelID:     "m",
		InputDigest: "0xin",
		Result:      json.RawMessage(`{}`),
		Signature:   "sig",
		TimestampMs: 1,
	})
	if err != nil {
		t.Fatalf("BuildVerificationTx: %v", err)
	}

	_, err = client.SubmitTransaction(context.Background(), tx)
	if apperr.KindOf(err) != apperr.KindLedger {
		t.Fatalf("expected ledger error, got %v", err)
	}

	// An unbuilt transaction is rejected before any network call.
	_, err = client.SubmitTransaction(context.Background(), &VerificationTx{JobID: "job-2"})
	if apperr.KindOf(err) != apperr.KindLedger {
		t.Fatalf("expected ledger error for unbuilt tx, got %v", err)
	}
}
