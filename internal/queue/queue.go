package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Entry is the dispatcher's unit of work. One entry maps 1:1 to one job via
// JobID; the entry is discarded once the job reaches a terminal state or the
// entry is dead-lettered.
type Entry struct {
	JobID       uuid.UUID       `json:"job_id"`
	ModelID     string          `json:"model_id"`
	Input       json.RawMessage `json:"input"`
	InputDigest string          `json:"input_digest"`
	Owner       string          `json:"owner"`
	Attempt     int             `json:"attempt"`
	Priority    int             `json:"priority"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// DeadLetter is an entry that exhausted its retry budget, retained for a
// bounded window for inspection and replay.
type DeadLetter struct {
	Entry    Entry     `json:"entry"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Waiting    int64 `json:"waiting"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`
}

// ErrClosed is returned by Dequeue once the dispatcher is shut down.
var ErrClosed = errors.New("queue: dispatcher closed")

// Dispatcher is a durable work queue with at-least-once delivery. A dequeued
// entry is owned by exactly one worker until Ack or Nack; a crash between
// dequeue and ack results in redelivery after the stale-claim window.
// Nack re-schedules the entry with exponential backoff until the attempt
// budget is exhausted, then dead-letters it.
type Dispatcher interface {
	Enqueue(ctx context.Context, entry Entry) error
	// Dequeue blocks until an entry is available, the context is cancelled,
	// or the dispatcher is closed.
	Dequeue(ctx context.Context) (*Entry, error)
	Ack(ctx context.Context, entry *Entry) error
	Nack(ctx context.Context, entry *Entry, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	Stats(ctx context.Context) (*Stats, error)
	// CleanOld purges completed entries past the completed-retention window
	// and dead letters past the failed-retention window.
	CleanOld(ctx context.Context) error
	Close() error
}

// RetryPolicy bounds redelivery. Defaults mirror the job queue options the
// service has always run with: 3 attempts, 5s base delay doubling per
// attempt, 24h retention for completed entries and 7d for dead letters.
type RetryPolicy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	CompletedCap       int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          5 * time.Second,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		CompletedCap:       100,
	}
}

// Delay returns the backoff before retry attempt n (1-indexed):
// BaseDelay * 2^(n-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
}

// Exhausted reports whether the entry has no retries left after `attempt`
// deliveries.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// score orders the ready set: higher priority first, FIFO within a priority.
func score(priority int, at time.Time) float64 {
	return float64(-priority) + float64(at.UnixMilli())/1e15
}
