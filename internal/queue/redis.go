package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/synapsemodel/backend/internal/logger"
)

// redisDispatcher keeps the ready set in a sorted set scored by priority and
// enqueue time, claimed entries in a processing set scored by claim time, and
// backoff retries in a delayed set scored by their ready-at instant. Entry
// payloads live under per-job keys so an entry is stored exactly once no
// matter how often it is redelivered.
type redisDispatcher struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	policy RetryPolicy

	pollInterval time.Duration
	staleAfter   time.Duration

	closed chan struct{}
}

const (
	defaultQueuePrefix = "synapsemodel:jobs:"
	defaultPoll        = 500 * time.Millisecond
	defaultStaleAfter  = 2 * time.Minute
)

// NewRedisDispatcher connects to REDIS_ADDR and returns a durable dispatcher.
func NewRedisDispatcher(log *logger.Logger) (Dispatcher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	prefix := strings.TrimSpace(os.Getenv("JOB_QUEUE_PREFIX"))
	if prefix == "" {
		prefix = defaultQueuePrefix
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisDispatcherWithClient(log, rdb, prefix, DefaultRetryPolicy()), nil
}

// NewRedisDispatcherWithClient wraps an existing client; the caller keeps
// ownership of nothing, Close closes the client.
func NewRedisDispatcherWithClient(log *logger.Logger, rdb *goredis.Client, prefix string, policy RetryPolicy) Dispatcher {
	return &redisDispatcher{
		log:          log.With("service", "RedisDispatcher"),
		rdb:          rdb,
		prefix:       prefix,
		policy:       policy,
		pollInterval: defaultPoll,
		staleAfter:   defaultStaleAfter,
		closed:       make(chan struct{}),
	}
}

func (d *redisDispatcher) readyKey() string      { return d.prefix + "ready" }
func (d *redisDispatcher) delayedKey() string    { return d.prefix + "delayed" }
func (d *redisDispatcher) processingKey() string { return d.prefix + "processing" }
func (d *redisDispatcher) completedKey() string  { return d.prefix + "completed" }
func (d *redisDispatcher) deadKey() string       { return d.prefix + "dead" }
func (d *redisDispatcher) entryKey(id string) string {
	return d.prefix + "entry:" + id
}
func (d *redisDispatcher) deadEntryKey(id string) string {
	return d.prefix + "dead:" + id
}

func (d *redisDispatcher) Enqueue(ctx context.Context, entry Entry) error {
	id := entry.JobID.String()
	key := d.entryKey(id)

	// Idempotent re-submission: an entry already queued for this job wins.
	exists, err := d.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("queue: enqueue exists check: %w", err)
	}
	if exists > 0 {
		d.log.Debug("entry already enqueued, skipping", "job_id", id)
		return nil
	}

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}

	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, key, raw, 0)
	pipe.ZAdd(ctx, d.readyKey(), goredis.Z{
		Score:  score(entry.Priority, entry.EnqueuedAt),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	d.log.Info("entry enqueued", "job_id", id, "priority", entry.Priority)
	return nil
}

func (d *redisDispatcher) Dequeue(ctx context.Context) (*Entry, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.closed:
			return nil, ErrClosed
		default:
		}

		if err := d.promoteDue(ctx); err != nil {
			d.log.Warn("promote delayed entries failed", "error", err)
		}
		if err := d.requeueStale(ctx); err != nil {
			d.log.Warn("requeue stale entries failed", "error", err)
		}

		entry, err := d.claimOne(ctx)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.closed:
			return nil, ErrClosed
		case <-time.After(d.pollInterval):
		}
	}
}

// claimScript pops the best ready member and records the claim in the
// processing set in one atomic step. A crash can therefore never leave an
// entry in neither set: it is either still ready or claimed, and a claimed
// entry whose worker dies comes back through requeueStale.
var claimScript = goredis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

func (d *redisDispatcher) claimOne(ctx context.Context) (*Entry, error) {
	res, err := claimScript.Run(ctx, d.rdb,
		[]string{d.readyKey(), d.processingKey()},
		time.Now().UTC().UnixMilli(),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	raw, err := d.rdb.Get(ctx, d.entryKey(id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			// Entry purged under us; release the claim.
			_ = d.rdb.ZRem(ctx, d.processingKey(), id).Err()
			return nil, nil
		}
		return nil, fmt.Errorf("queue: dequeue get entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("queue: decode entry: %w", err)
	}

	entry.Attempt++
	updated, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal claimed entry: %w", err)
	}
	if err := d.rdb.Set(ctx, d.entryKey(id), updated, 0).Err(); err != nil {
		return nil, fmt.Errorf("queue: record claimed attempt: %w", err)
	}
	return &entry, nil
}

// promoteDue moves delayed entries whose backoff has elapsed into the ready set.
func (d *redisDispatcher) promoteDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := d.rdb.ZRangeByScore(ctx, d.delayedKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		pipe := d.rdb.TxPipeline()
		pipe.ZRem(ctx, d.delayedKey(), id)
		pipe.ZAdd(ctx, d.readyKey(), goredis.Z{Score: score(0, now), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// requeueStale returns entries whose claim outlived the stale window to the
// ready set. This is what turns a worker crash into a redelivery instead of
// a lost job.
func (d *redisDispatcher) requeueStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-d.staleAfter)
	stale, err := d.rdb.ZRangeByScore(ctx, d.processingKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range stale {
		d.log.Warn("requeueing stale claim", "job_id", id)
		pipe := d.rdb.TxPipeline()
		pipe.ZRem(ctx, d.processingKey(), id)
		pipe.ZAdd(ctx, d.readyKey(), goredis.Z{Score: score(0, time.Now().UTC()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *redisDispatcher) Ack(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return nil
	}
	id := entry.JobID.String()
	now := time.Now().UTC()
	pipe := d.rdb.TxPipeline()
	pipe.ZRem(ctx, d.processingKey(), id)
	pipe.ZAdd(ctx, d.completedKey(), goredis.Z{Score: float64(now.UnixMilli()), Member: id})
	pipe.Expire(ctx, d.entryKey(id), d.policy.CompletedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

func (d *redisDispatcher) Nack(ctx context.Context, entry *Entry, reason string) error {
	if entry == nil {
		return nil
	}
	id := entry.JobID.String()

	if d.policy.Exhausted(entry.Attempt) {
		dl := DeadLetter{Entry: *entry, Reason: reason, FailedAt: time.Now().UTC()}
		raw, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("queue: marshal dead letter: %w", err)
		}
		pipe := d.rdb.TxPipeline()
		pipe.ZRem(ctx, d.processingKey(), id)
		pipe.Set(ctx, d.deadEntryKey(id), raw, d.policy.FailedRetention)
		pipe.ZAdd(ctx, d.deadKey(), goredis.Z{Score: float64(dl.FailedAt.UnixMilli()), Member: id})
		pipe.Del(ctx, d.entryKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: dead-letter: %w", err)
		}
		d.log.Warn("entry dead-lettered", "job_id", id, "attempt", entry.Attempt, "reason", reason)
		return nil
	}

	delay := d.policy.Delay(entry.Attempt)
	readyAt := time.Now().UTC().Add(delay)
	pipe := d.rdb.TxPipeline()
	pipe.ZRem(ctx, d.processingKey(), id)
	pipe.ZAdd(ctx, d.delayedKey(), goredis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	d.log.Info("entry scheduled for retry", "job_id", id, "attempt", entry.Attempt, "delay", delay.String(), "reason", reason)
	return nil
}

func (d *redisDispatcher) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := d.rdb.ZRevRange(ctx, d.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	out := make([]*DeadLetter, 0, len(ids))
	for _, id := range ids {
		raw, getErr := d.rdb.Get(ctx, d.deadEntryKey(id)).Result()
		if getErr != nil {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

func (d *redisDispatcher) Stats(ctx context.Context) (*Stats, error) {
	pipe := d.rdb.Pipeline()
	ready := pipe.ZCard(ctx, d.readyKey())
	delayed := pipe.ZCard(ctx, d.delayedKey())
	processing := pipe.ZCard(ctx, d.processingKey())
	completed := pipe.ZCard(ctx, d.completedKey())
	dead := pipe.ZCard(ctx, d.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	return &Stats{
		Waiting:    ready.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

func (d *redisDispatcher) CleanOld(ctx context.Context) error {
	now := time.Now().UTC()

	completedCutoff := now.Add(-d.policy.CompletedRetention).UnixMilli()
	old, err := d.rdb.ZRangeByScore(ctx, d.completedKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", completedCutoff),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: clean completed: %w", err)
	}
	for _, id := range old {
		pipe := d.rdb.TxPipeline()
		pipe.ZRem(ctx, d.completedKey(), id)
		pipe.Del(ctx, d.entryKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: clean completed del: %w", err)
		}
	}

	// Cap the completed set regardless of age.
	if d.policy.CompletedCap > 0 {
		n, err := d.rdb.ZCard(ctx, d.completedKey()).Result()
		if err == nil && n > int64(d.policy.CompletedCap) {
			if err := d.rdb.ZRemRangeByRank(ctx, d.completedKey(), 0, n-int64(d.policy.CompletedCap)-1).Err(); err != nil {
				return fmt.Errorf("queue: cap completed: %w", err)
			}
		}
	}

	deadCutoff := now.Add(-d.policy.FailedRetention).UnixMilli()
	oldDead, err := d.rdb.ZRangeByScore(ctx, d.deadKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", deadCutoff),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: clean dead: %w", err)
	}
	for _, id := range oldDead {
		pipe := d.rdb.TxPipeline()
		pipe.ZRem(ctx, d.deadKey(), id)
		pipe.Del(ctx, d.deadEntryKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: clean dead del: %w", err)
		}
	}
	return nil
}

func (d *redisDispatcher) Close() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return d.rdb.Close()
}
