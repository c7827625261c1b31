package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/queue"
	"github.com/synapsemodel/backend/internal/repos"
	"github.com/synapsemodel/backend/internal/services"
	"github.com/synapsemodel/backend/internal/types"
	"github.com/synapsemodel/backend/internal/utils"
)

type fakeCompute struct {
	inferCalls  int32
	failTimes   int32
	fatalErr    bool
	pkErr       bool
	inferResult json.RawMessage
}

func (f *fakeCompute) Infer(ctx context.Context, jobID, modelID string, input json.RawMessage) (*services.InferResult, error) {
	n := atomic.AddInt32(&f.inferCalls, 1)
	if f.fatalErr {
		return nil, apperr.ComputeFatal(nil, "compute response missing signature")
	}
	if n <= f.failTimes {
		return nil, apperr.ComputeTransient(nil, "compute service unavailable")
	}
	out := f.inferResult
	if out == nil {
		out = json.RawMessage(`{"label":"positive"}`)
	}
	return &services.InferResult{
		Output:          out,
		Signature:       "sig-1",
		TimestampMs:     1700000000000,
		ModelVersion:    "v2.1.0",
		InferenceTimeMs: 42,
	}, nil
}

func (f *fakeCompute) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeCompute) GetAttestation(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"quote":"deadbeef"}`), nil
}

func (f *fakeCompute) GetPublicKey(ctx context.Context) (string, error) {
	if f.pkErr {
		return "", apperr.ComputeTransient(nil, "compute service unavailable")
	}
	return "pk-1", nil
}

func (f *fakeCompute) IsReady(ctx context.Context) bool { return true }

type fakeVerifier struct {
	calls int32
}

func (f *fakeVerifier) Verify(ctx context.Context, jobID uuid.UUID) (*types.Verification, error) {
	atomic.AddInt32(&f.calls, 1)
	return &types.Verification{JobID: jobID, TxRef: "tx-1"}, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Job{}, &types.Verification{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          10 * time.Millisecond,
		CompletedRetention: time.Hour,
		FailedRetention:    time.Hour,
		CompletedCap:       100,
	}
}

type fixture struct {
	repo       repos.JobRepo
	dispatcher queue.Dispatcher
	pool       *Pool
	compute    *fakeCompute
	verifier   *fakeVerifier
}

func newFixture(t *testing.T, compute *fakeCompute, opts Options) *fixture {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	db := openTestDB(t)
	repo := repos.NewJobRepo(db, log)
	dispatcher := queue.NewMemoryDispatcher(testPolicy())
	verifier := &fakeVerifier{}
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	pool := NewPool(log, dispatcher, repo, compute, verifier, opts)
	t.Cleanup(func() {
		pool.Stop()
		dispatcher.Close()
	})
	return &fixture{repo: repo, dispatcher: dispatcher, pool: pool, compute: compute, verifier: verifier}
}

func (fx *fixture) seedQueuedJob(t *testing.T, input string) *types.Job {
	t.Helper()
	ctx := context.Background()
	digest, err := utils.ComputeInputDigest(json.RawMessage(input))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	job := &types.Job{
		ID:          uuid.New(),
		Owner:       "alice",
		ModelID:     "sentiment-analysis",
		Input:       datatypes.JSON([]byte(input)),
		InputDigest: digest,
		Status:      types.JobStatusQueued,
	}
	if _, err := fx.repo.Create(ctx, nil, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := fx.dispatcher.Enqueue(ctx, queue.Entry{
		JobID:       job.ID,
		ModelID:     job.ModelID,
		Input:       json.RawMessage(input),
		InputDigest: digest,
		Owner:       job.Owner,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func (fx *fixture) waitForStatus(t *testing.T, id uuid.UUID, want types.JobStatus) *types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := fx.repo.GetByID(context.Background(), nil, id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := fx.repo.GetByID(context.Background(), nil, id)
	t.Fatalf("job never reached %s, last seen: %+v", want, job)
	return nil
}

func TestPoolCompletesJob(t *testing.T) {
	compute := &fakeCompute{}
	fx := newFixture(t, compute, Options{})
	job := fx.seedQueuedJob(t, `{"text":"hello"}`)

	fx.pool.Start(context.Background())
	done := fx.waitForStatus(t, job.ID, types.JobStatusCompleted)

	if done.TeeSignature != "sig-1" || done.EnclavePublicKey != "pk-1" {
		t.Fatalf("proof not recorded: %+v", done)
	}
	if done.ProofTimestampMs != 1700000000000 {
		t.Fatalf("ProofTimestampMs=%d", done.ProofTimestampMs)
	}
	if done.CompletedAt == nil {
		t.Fatalf("CompletedAt not set")
	}
	if len(done.Result) == 0 {
		t.Fatalf("result not stored")
	}
	if done.ModelVersion != "v2.1.0" || done.InferenceTimeMs != 42 {
		t.Fatalf("computation metadata not recorded: %+v", done)
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	compute := &fakeCompute{failTimes: 1}
	fx := newFixture(t, compute, Options{})
	job := fx.seedQueuedJob(t, `{"text":"retry me"}`)

	fx.pool.Start(context.Background())
	done := fx.waitForStatus(t, job.ID, types.JobStatusCompleted)

	if done.Attempts != 2 {
		t.Fatalf("Attempts=%d, want 2", done.Attempts)
	}
	if got := atomic.LoadInt32(&compute.inferCalls); got != 2 {
		t.Fatalf("inferCalls=%d, want 2", got)
	}
}

func TestPoolFailsJobOnFatalError(t *testing.T) {
	compute := &fakeCompute{fatalErr: true}
	fx := newFixture(t, compute, Options{})
	job := fx.seedQueuedJob(t, `{"text":"doomed"}`)

	fx.pool.Start(context.Background())
	done := fx.waitForStatus(t, job.ID, types.JobStatusFailed)

	if done.Error == "" {
		t.Fatalf("failure reason not recorded")
	}
	// Fatal errors are not retried.
	if got := atomic.LoadInt32(&compute.inferCalls); got != 1 {
		t.Fatalf("inferCalls=%d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dead, err := fx.dispatcher.DeadLetters(context.Background(), 10)
		if err == nil && len(dead) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fatal failure should be dead-lettered")
}

func TestPoolFailsJobAfterRetryBudget(t *testing.T) {
	compute := &fakeCompute{failTimes: 100}
	fx := newFixture(t, compute, Options{})
	job := fx.seedQueuedJob(t, `{"text":"always failing"}`)

	fx.pool.Start(context.Background())
	fx.waitForStatus(t, job.ID, types.JobStatusFailed)

	if got := atomic.LoadInt32(&compute.inferCalls); got != 3 {
		t.Fatalf("inferCalls=%d, want 3", got)
	}
}

func TestPoolRejectsTamperedInput(t *testing.T) {
	compute := &fakeCompute{}
	fx := newFixture(t, compute, Options{})

	ctx := context.Background()
	input := `{"text":"original"}`
	digest, _ := utils.ComputeInputDigest(json.RawMessage(input))
	job := &types.Job{
		ID:          uuid.New(),
		Owner:       "alice",
		ModelID:     "sentiment-analysis",
		Input:       datatypes.JSON([]byte(input)),
		InputDigest: digest,
		Status:      types.JobStatusQueued,
	}
	if _, err := fx.repo.Create(ctx, nil, job); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := fx.dispatcher.Enqueue(ctx, queue.Entry{
		JobID:       job.ID,
		ModelID:     job.ModelID,
		Input:       json.RawMessage(`{"text":"tampered"}`),
		InputDigest: digest,
		Owner:       job.Owner,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	fx.pool.Start(ctx)
	done := fx.waitForStatus(t, job.ID, types.JobStatusFailed)

	if !strings.Contains(done.Error, "digest mismatch") {
		t.Fatalf("Error=%q, want digest mismatch", done.Error)
	}
	if got := atomic.LoadInt32(&compute.inferCalls); got != 0 {
		t.Fatalf("tampered input must never reach the enclave, inferCalls=%d", got)
	}
}

func TestPoolAcksTerminalRedelivery(t *testing.T) {
	compute := &fakeCompute{}
	fx := newFixture(t, compute, Options{})

	ctx := context.Background()
	input := `{"text":"already done"}`
	digest, _ := utils.ComputeInputDigest(json.RawMessage(input))
	now := time.Now()
	job := &types.Job{
		ID:          uuid.New(),
		Owner:       "alice",
		ModelID:     "sentiment-analysis",
		Input:       datatypes.JSON([]byte(input)),
		InputDigest: digest,
		Status:      types.JobStatusCompleted,
		CompletedAt: &now,
	}
	if _, err := fx.repo.Create(ctx, nil, job); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := fx.dispatcher.Enqueue(ctx, queue.Entry{
		JobID:       job.ID,
		ModelID:     job.ModelID,
		Input:       json.RawMessage(input),
		InputDigest: digest,
		Owner:       job.Owner,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	fx.pool.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := fx.dispatcher.Stats(ctx)
		if err == nil && stats.Completed == 1 && stats.Waiting == 0 && stats.Processing == 0 {
			if got := atomic.LoadInt32(&compute.inferCalls); got != 0 {
				t.Fatalf("redelivered terminal job must not be re-run, inferCalls=%d", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("redelivered entry was never acked")
}

func TestPoolAutoVerify(t *testing.T) {
	compute := &fakeCompute{}
	fx := newFixture(t, compute, Options{AutoVerify: true})
	job := fx.seedQueuedJob(t, `{"text":"verify me"}`)

	fx.pool.Start(context.Background())
	fx.waitForStatus(t, job.ID, types.JobStatusCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fx.verifier.calls) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("auto-verify never ran")
}

func TestPoolKeyFetchFailureFailsAttempt(t *testing.T) {
	compute := &fakeCompute{pkErr: true}
	fx := newFixture(t, compute, Options{})
	job := fx.seedQueuedJob(t, `{"text":"no key"}`)

	fx.pool.Start(context.Background())
	done := fx.waitForStatus(t, job.ID, types.JobStatusFailed)
	if done.TeeSignature != "" {
		t.Fatalf("proof must not be recorded without the enclave key")
	}
}
