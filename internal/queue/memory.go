package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryDispatcher mirrors the durable dispatcher's semantics in-process.
// Used by tests and by deployments that run without redis.
type memoryDispatcher struct {
	mu     sync.Mutex
	policy RetryPolicy

	ready      []*Entry
	delayed    map[string]*delayedEntry
	processing map[string]*Entry
	completed  []*completedEntry
	dead       []*DeadLetter

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

type delayedEntry struct {
	entry   *Entry
	readyAt time.Time
}

type completedEntry struct {
	jobID  string
	doneAt time.Time
}

func NewMemoryDispatcher(policy RetryPolicy) Dispatcher {
	return &memoryDispatcher{
		policy:     policy,
		delayed:    map[string]*delayedEntry{},
		processing: map[string]*Entry{},
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

func (d *memoryDispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *memoryDispatcher) Enqueue(ctx context.Context, entry Entry) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	id := entry.JobID.String()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.ready {
		if e.JobID == entry.JobID {
			return nil
		}
	}
	if _, ok := d.delayed[id]; ok {
		return nil
	}
	if _, ok := d.processing[id]; ok {
		return nil
	}
	// Match the durable dispatcher: an acked entry blocks re-enqueue until
	// its completed-retention window lapses. Dead-lettered entries do not;
	// replaying one is always allowed.
	now := time.Now().UTC()
	for _, c := range d.completed {
		if c.jobID == id && now.Sub(c.doneAt) < d.policy.CompletedRetention {
			return nil
		}
	}
	e := entry
	d.ready = append(d.ready, &e)
	d.sortReadyLocked()
	d.signal()
	return nil
}

func (d *memoryDispatcher) sortReadyLocked() {
	sort.SliceStable(d.ready, func(i, j int) bool {
		return score(d.ready[i].Priority, d.ready[i].EnqueuedAt) <
			score(d.ready[j].Priority, d.ready[j].EnqueuedAt)
	})
}

func (d *memoryDispatcher) Dequeue(ctx context.Context) (*Entry, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.closed:
			return nil, ErrClosed
		default:
		}

		d.mu.Lock()
		now := time.Now().UTC()
		for id, de := range d.delayed {
			if !de.readyAt.After(now) {
				d.ready = append(d.ready, de.entry)
				delete(d.delayed, id)
			}
		}
		d.sortReadyLocked()
		if len(d.ready) > 0 {
			entry := d.ready[0]
			d.ready = d.ready[1:]
			entry.Attempt++
			d.processing[entry.JobID.String()] = entry
			out := *entry
			d.mu.Unlock()
			return &out, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.closed:
			return nil, ErrClosed
		case <-d.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *memoryDispatcher) Ack(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := entry.JobID.String()
	delete(d.processing, id)
	d.completed = append(d.completed, &completedEntry{jobID: id, doneAt: time.Now().UTC()})
	if d.policy.CompletedCap > 0 && len(d.completed) > d.policy.CompletedCap {
		d.completed = d.completed[len(d.completed)-d.policy.CompletedCap:]
	}
	return nil
}

func (d *memoryDispatcher) Nack(ctx context.Context, entry *Entry, reason string) error {
	if entry == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := entry.JobID.String()
	delete(d.processing, id)

	if d.policy.Exhausted(entry.Attempt) {
		d.dead = append(d.dead, &DeadLetter{
			Entry:    *entry,
			Reason:   reason,
			FailedAt: time.Now().UTC(),
		})
		return nil
	}
	e := *entry
	d.delayed[id] = &delayedEntry{
		entry:   &e,
		readyAt: time.Now().UTC().Add(d.policy.Delay(entry.Attempt)),
	}
	return nil
}

func (d *memoryDispatcher) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.dead) {
		limit = len(d.dead)
	}
	out := make([]*DeadLetter, 0, limit)
	// Newest first.
	for i := len(d.dead) - 1; i >= 0 && len(out) < limit; i-- {
		dl := *d.dead[i]
		out = append(out, &dl)
	}
	return out, nil
}

func (d *memoryDispatcher) Stats(ctx context.Context) (*Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Stats{
		Waiting:    int64(len(d.ready)),
		Delayed:    int64(len(d.delayed)),
		Processing: int64(len(d.processing)),
		Completed:  int64(len(d.completed)),
		DeadLetter: int64(len(d.dead)),
	}, nil
}

func (d *memoryDispatcher) CleanOld(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()

	kept := d.completed[:0]
	for _, c := range d.completed {
		if now.Sub(c.doneAt) < d.policy.CompletedRetention {
			kept = append(kept, c)
		}
	}
	d.completed = kept

	keptDead := d.dead[:0]
	for _, dl := range d.dead {
		if now.Sub(dl.FailedAt) < d.policy.FailedRetention {
			keptDead = append(keptDead, dl)
		}
	}
	d.dead = keptDead
	return nil
}

func (d *memoryDispatcher) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}
