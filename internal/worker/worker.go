package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"github.com/synapsemodel/backend/internal/apperr"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/queue"
	"github.com/synapsemodel/backend/internal/repos"
	"github.com/synapsemodel/backend/internal/services"
	"github.com/synapsemodel/backend/internal/types"
	"github.com/synapsemodel/backend/internal/utils"
)

// Verifier is the slice of the verification service the pool needs for
// auto-verification after a job completes.
type Verifier interface {
	Verify(ctx context.Context, jobID uuid.UUID) (*types.Verification, error)
}

// Options tune the pool. Zero values fall back to the production defaults:
// 5 concurrent workers, 10 jobs/second across the pool.
type Options struct {
	Concurrency   int
	RatePerSecond int
	RateBurst     int
	AutoVerify    bool
	CleanInterval time.Duration
}

func OptionsFromEnv(log *logger.Logger) Options {
	return Options{
		Concurrency:   utils.GetEnvAsInt("WORKER_CONCURRENCY", 5, log),
		RatePerSecond: utils.GetEnvAsInt("WORKER_RATE_LIMIT", 10, log),
		RateBurst:     utils.GetEnvAsInt("WORKER_RATE_BURST", 10, log),
		AutoVerify:    utils.GetEnvAsBool("AUTO_VERIFY", false, log),
		CleanInterval: time.Duration(utils.GetEnvAsInt("QUEUE_CLEAN_INTERVAL_SECONDS", 300, log)) * time.Second,
	}
}

// Pool pulls entries off the dispatcher and drives jobs through
// PROCESSING into COMPLETED or FAILED. Redelivered entries are safe: the
// status guard lets a worker re-claim a job a crashed worker left in
// PROCESSING, and completed jobs are acked without re-running.
type Pool struct {
	log        *logger.Logger
	dispatcher queue.Dispatcher
	jobs       repos.JobRepo
	compute    services.ComputeClient
	verifier   Verifier
	opts       Options

	limiter *rate.Limiter

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

func NewPool(
	baseLog *logger.Logger,
	dispatcher queue.Dispatcher,
	jobs repos.JobRepo,
	compute services.ComputeClient,
	verifier Verifier,
	opts Options,
) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = opts.RatePerSecond
	}
	if opts.CleanInterval <= 0 {
		opts.CleanInterval = 5 * time.Minute
	}
	return &Pool{
		log:        baseLog.With("service", "WorkerPool"),
		dispatcher: dispatcher,
		jobs:       jobs,
		compute:    compute,
		verifier:   verifier,
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.log.Info("starting worker pool",
		"concurrency", p.opts.Concurrency,
		"rate_per_second", p.opts.RatePerSecond,
		"auto_verify", p.opts.AutoVerify,
	)
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}
	p.wg.Add(1)
	go p.janitor(runCtx)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if !p.started {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.started = false
	p.log.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With("worker", id)

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		entry, err := p.dispatcher.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Warn("dequeue failed", "error", err)
			continue
		}
		p.handle(ctx, log, entry)
	}
}

func (p *Pool) handle(ctx context.Context, log *logger.Logger, entry *queue.Entry) {
	log.Info("processing job", "job_id", entry.JobID, "model_id", entry.ModelID, "attempt", entry.Attempt)

	job, err := p.jobs.GetByID(ctx, nil, entry.JobID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			log.Warn("entry references missing job, dropping", "job_id", entry.JobID)
			_ = p.dispatcher.Ack(ctx, entry)
			return
		}
		p.retryOrFail(ctx, log, entry, err)
		return
	}

	// Redelivery of work that already finished: ack and move on.
	if job.Status.IsTerminal() {
		log.Info("job already terminal, acking redelivery", "job_id", job.ID, "status", job.Status)
		_ = p.dispatcher.Ack(ctx, entry)
		return
	}

	// The entry can arrive before the submit path finishes marking the job
	// queued; walk it through QUEUED so the claim below stays a legal move.
	if job.Status == types.JobStatusPending {
		if _, err := p.jobs.TransitionStatus(ctx, nil, job.ID, types.JobStatusQueued,
			types.TransitionSources(types.JobStatusQueued), nil); err != nil {
			p.retryOrFail(ctx, log, entry, err)
			return
		}
	}

	claimed, err := p.jobs.TransitionStatus(ctx, nil, job.ID, types.JobStatusProcessing,
		types.TransitionSources(types.JobStatusProcessing),
		map[string]interface{}{"attempts": entry.Attempt},
	)
	if err != nil {
		p.retryOrFail(ctx, log, entry, err)
		return
	}
	if !claimed {
		log.Info("job claimed elsewhere, acking", "job_id", job.ID)
		_ = p.dispatcher.Ack(ctx, entry)
		return
	}

	if err := p.process(ctx, job, entry); err != nil {
		p.retryOrFail(ctx, log, entry, err)
		return
	}

	if err := p.dispatcher.Ack(ctx, entry); err != nil {
		log.Warn("ack failed after completion", "job_id", job.ID, "error", err)
	}
	log.Info("job completed", "job_id", job.ID)

	if p.opts.AutoVerify && p.verifier != nil {
		// Verification is decoupled from the processing attempt: its failure
		// must not fail a completed job.
		p.wg.Add(1)
		go func(id uuid.UUID) {
			defer p.wg.Done()
			vctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if _, err := p.verifier.Verify(vctx, id); err != nil {
				p.log.Warn("auto-verify failed", "job_id", id, "error", err)
			}
		}(job.ID)
	}
}

func (p *Pool) process(ctx context.Context, job *types.Job, entry *queue.Entry) error {
	// The stored digest is the submission-time fingerprint; a mismatch means
	// the payload was altered in flight and must never reach the enclave.
	digest, err := utils.ComputeInputDigest(entry.Input)
	if err != nil {
		return apperr.ComputeFatal(err, "entry input is not valid JSON")
	}
	if digest != job.InputDigest {
		return apperr.ComputeFatal(nil, "input digest mismatch")
	}

	result, err := p.compute.Infer(ctx, job.ID.String(), job.ModelID, entry.Input)
	if err != nil {
		return err
	}

	// The enclave key binds the signature to a specific enclave; without it
	// the proof cannot be checked, so the attempt fails.
	enclaveKey, err := p.compute.GetPublicKey(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	moved, err := p.jobs.TransitionStatus(ctx, nil, job.ID, types.JobStatusCompleted,
		types.TransitionSources(types.JobStatusCompleted),
		map[string]interface{}{
			"result":             datatypes.JSON(result.Output),
			"model_version":      result.ModelVersion,
			"inference_time_ms":  result.InferenceTimeMs,
			"tee_signature":      result.Signature,
			"enclave_public_key": enclaveKey,
			"proof_timestamp_ms": result.TimestampMs,
			"completed_at":       &now,
			"error":              "",
		},
	)
	if err != nil {
		return err
	}
	if !moved {
		return apperr.Conflict("job %s left processing before completion", job.ID)
	}
	return nil
}

// retryOrFail nacks the entry. Transient failures with budget left simply go
// back for backoff; everything else marks the job FAILED first so the store
// and the queue agree.
func (p *Pool) retryOrFail(ctx context.Context, log *logger.Logger, entry *queue.Entry, cause error) {
	policy := queue.DefaultRetryPolicy()
	retryable := apperr.IsRetryable(cause) && !policy.Exhausted(entry.Attempt)

	if retryable {
		log.Warn("job attempt failed, retrying",
			"job_id", entry.JobID, "attempt", entry.Attempt, "error", cause)
		if err := p.dispatcher.Nack(ctx, entry, cause.Error()); err != nil {
			log.Error("nack failed", "job_id", entry.JobID, "error", err)
		}
		return
	}

	log.Error("job failed permanently",
		"job_id", entry.JobID, "attempt", entry.Attempt, "error", cause)
	_, err := p.jobs.TransitionStatus(ctx, nil, entry.JobID, types.JobStatusFailed,
		types.TransitionSources(types.JobStatusFailed),
		map[string]interface{}{"error": cause.Error()},
	)
	if err != nil {
		log.Error("failed to mark job failed", "job_id", entry.JobID, "error", err)
	}

	// Force dead-lettering even when attempts remain: a fatal error will not
	// get better on retry.
	exhausted := *entry
	if exhausted.Attempt < policy.MaxAttempts {
		exhausted.Attempt = policy.MaxAttempts
	}
	if err := p.dispatcher.Nack(ctx, &exhausted, cause.Error()); err != nil {
		log.Error("dead-letter nack failed", "job_id", entry.JobID, "error", err)
	}
}

// janitor periodically purges expired completed entries and dead letters.
func (p *Pool) janitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.dispatcher.CleanOld(ctx); err != nil {
				p.log.Warn("queue cleanup failed", "error", err)
			}
		}
	}
}
