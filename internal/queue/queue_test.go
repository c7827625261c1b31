package queue

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 10 * time.Second},
		{attempt: 3, want: 20 * time.Second},
		{attempt: 0, want: 5 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d)=%s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Exhausted(1) || p.Exhausted(2) {
		t.Fatalf("attempts below the budget must not be exhausted")
	}
	if !p.Exhausted(3) || !p.Exhausted(4) {
		t.Fatalf("attempt 3+ must be exhausted")
	}
}

func TestDefaultRetryPolicyRetention(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.CompletedRetention != 24*time.Hour {
		t.Fatalf("CompletedRetention=%s", p.CompletedRetention)
	}
	if p.FailedRetention != 7*24*time.Hour {
		t.Fatalf("FailedRetention=%s", p.FailedRetention)
	}
	if p.CompletedCap != 100 {
		t.Fatalf("CompletedCap=%d", p.CompletedCap)
	}
}

func TestScoreOrdering(t *testing.T) {
	now := time.Now()

	// Higher priority sorts first regardless of enqueue time.
	high := score(10, now.Add(time.Hour))
	low := score(0, now)
	if high >= low {
		t.Fatalf("higher priority should score lower: %v vs %v", high, low)
	}

	// Same priority is FIFO.
	first := score(1, now)
	second := score(1, now.Add(time.Millisecond))
	if first >= second {
		t.Fatalf("earlier enqueue should score lower: %v vs %v", first, second)
	}
}
