package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          10 * time.Millisecond,
		CompletedRetention: time.Hour,
		FailedRetention:    time.Hour,
		CompletedCap:       100,
	}
}

func testEntry(priority int) Entry {
	return Entry{
		JobID:       uuid.New(),
		ModelID:     "sentiment-analysis",
		Input:       json.RawMessage(`{"text":"hi"}`),
		InputDigest: "0xabc",
		Owner:       "tester",
		Priority:    priority,
	}
}

func TestMemoryDispatcherRoundTrip(t *testing.T) {
	d := NewMemoryDispatcher(testPolicy())
	defer d.Close()
	ctx := context.Background()

	entry := testEntry(0)
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.JobID != entry.JobID {
		t.Fatalf("dequeued wrong entry: %s", got.JobID)
	}
	if got.Attempt != 1 {
		t.Fatalf("first delivery should be attempt 1, got %d", got.Attempt)
	}

	if err := d.Ack(ctx, got); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	stats, err := d.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Processing != 0 || stats.Completed != 1 || stats.Waiting != 0 {
		t.Fatalf("unexpected stats after ack: %+v", stats)
	}
}

func TestMemoryDispatcherEnqueueIdempotent(t *testing.T) {
	d := NewMemoryDispatcher(testPolicy())
	defer d.Close()
	ctx := context.Background()

	entry := testEntry(0)
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	stats, _ := d.Stats(ctx)
	if stats.Waiting != 1 {
		t.Fatalf("duplicate enqueue should be a no-op, waiting=%d", stats.Waiting)
	}
}

func TestMemoryDispatcherPriorityOrder(t *testing.T) {
	d := NewMemoryDispatcher(testPolicy())
	defer d.Close()
	ctx := context.Background()

	low := testEntry(0)
	high := testEntry(5)
	if err := d.Enqueue(ctx, low); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	if err := d.Enqueue(ctx, high); err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}

	first, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.JobID != high.JobID {
		t.Fatalf("high priority entry should come out first")
	}
}

func TestMemoryDispatcherNackRetriesWithBackoff(t *testing.T) {
	d := NewMemoryDispatcher(testPolicy())
	defer d.Close()
	ctx := context.Background()

	if err := d.Enqueue(ctx, testEntry(0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := d.Nack(ctx, first, "compute unavailable"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	stats, _ := d.Stats(ctx)
	if stats.Delayed != 1 {
		t.Fatalf("nacked entry should be delayed, stats=%+v", stats)
	}

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := d.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue after backoff: %v", err)
	}
	if second.JobID != first.JobID {
		t.Fatalf("expected redelivery of the same entry")
	}
	if second.Attempt != 2 {
		t.Fatalf("redelivery should be attempt 2, got %d", second.Attempt)
	}
}

func TestMemoryDispatcherDeadLetterAfterExhaustion(t *testing.T) {
	d := NewMemoryDispatcher(testPolicy())
	defer d.Close()
	ctx := context.Background()

	entry := testEntry(0)
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for attempt := 1; attempt <= 3; attempt++ {
		got, err := d.Dequeue(dctx)
		if err != nil {
			t.Fatalf("Dequeue attempt %d: %v", attempt, err)
		}
		if got.Attempt != attempt {
			t.Fatalf("attempt=%d, want %d", got.Attempt, attempt)
		}
		if err := d.Nack(dctx, got, "still failing"); err != nil {
			t.Fatalf("Nack attempt %d: %v", attempt, err)
		}
	}

	dead, err := d.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].Entry.JobID != entry.JobID || dead[0].Reason != "still failing" {
		t.Fatalf("unexpected dead letter: %+v", dead[0])
	}

	stats, _ := d.Stats(ctx)
	if stats.Waiting != 0 || stats.Delayed != 0 || stats.DeadLetter != 1 {
		t.Fatalf("unexpected stats after exhaustion: %+v", stats)
	}
}

func TestMemoryDispatcherAckBlocksReEnqueue(t *testing.T) {
	p := testPolicy()
	p.CompletedRetention = 50 * time.Millisecond
	d := NewMemoryDispatcher(p)
	defer d.Close()
	ctx := context.Background()

	entry := testEntry(0)
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := d.Ack(ctx, got); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Same semantics as the durable dispatcher: resubmission is refused
	// while the completed entry is inside its retention window.
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	stats, _ := d.Stats(ctx)
	if stats.Waiting != 0 {
		t.Fatalf("acked entry must not be re-enqueued during retention: %+v", stats)
	}

	time.Sleep(60 * time.Millisecond)
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue after retention: %v", err)
	}
	stats, _ = d.Stats(ctx)
	if stats.Waiting != 1 {
		t.Fatalf("entry past retention should enqueue again: %+v", stats)
	}
}

func TestMemoryDispatcherDequeueRespectsContext(t *testing.T) {
	d := NewMemoryDispatcher(testPolicy())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := d.Dequeue(ctx); err == nil {
		t.Fatalf("expected context error on empty queue")
	}
}

func TestMemoryDispatcherCloseUnblocksDequeue(t *testing.T) {
	d := NewMemoryDispatcher(testPolicy())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Fatalf("Dequeue after close: %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not return after Close")
	}
}

func TestMemoryDispatcherCleanOld(t *testing.T) {
	p := testPolicy()
	p.CompletedRetention = 10 * time.Millisecond
	p.FailedRetention = 10 * time.Millisecond
	d := NewMemoryDispatcher(p)
	defer d.Close()
	ctx := context.Background()

	entry := testEntry(0)
	if err := d.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := d.Ack(ctx, got); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := d.CleanOld(ctx); err != nil {
		t.Fatalf("CleanOld: %v", err)
	}
	stats, _ := d.Stats(ctx)
	if stats.Completed != 0 {
		t.Fatalf("completed entries past retention should be purged, stats=%+v", stats)
	}
}
