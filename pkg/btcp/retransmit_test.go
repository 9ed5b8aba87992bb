package btcp

import (
	"testing"
	"time"
)

// TestRTXQueueAckUpTo tests cumulative retirement in send order.
func TestRTXQueueAckUpTo(t *testing.T) {
	q := newRTXQueue(100*time.Millisecond, 3)
	q.add(10, []byte{10})
	q.add(11, []byte{11})
	q.add(12, []byte{12})

	if retired := q.ackUpTo(11); retired != 2 {
		t.Fatalf("ackUpTo(11) retired %d, want 2", retired)
	}
	if q.len() != 1 {
		t.Fatalf("queue length %d, want 1", q.len())
	}
	if q.front().seq != 12 {
		t.Fatalf("front seq %d, want 12", q.front().seq)
	}

	if retired := q.ackUpTo(12); retired != 1 {
		t.Fatalf("ackUpTo(12) retired %d, want 1", retired)
	}
	if !q.empty() {
		t.Fatal("queue should be empty")
	}
}

// TestRTXQueueAckUpToWraparound tests retirement across the 65535 -> 1
// sequence wrap.
func TestRTXQueueAckUpToWraparound(t *testing.T) {
	q := newRTXQueue(100*time.Millisecond, 3)
	q.add(65534, nil)
	q.add(65535, nil)
	q.add(1, nil)

	if retired := q.ackUpTo(1); retired != 3 {
		t.Fatalf("ackUpTo(1) retired %d, want 3", retired)
	}
}

// TestRTXQueueStaleAckRetiresNothing tests that an acknowledgement behind
// the oldest outstanding segment has no effect.
func TestRTXQueueStaleAckRetiresNothing(t *testing.T) {
	q := newRTXQueue(100*time.Millisecond, 3)
	q.add(20, nil)
	q.add(21, nil)

	if retired := q.ackUpTo(19); retired != 0 {
		t.Fatalf("stale ack retired %d entries, want 0", retired)
	}
	if q.len() != 2 {
		t.Fatalf("queue length %d, want 2", q.len())
	}
}

// TestRTXQueueDueBackoff tests the per-entry timeout with exponential
// backoff between attempts.
func TestRTXQueueDueBackoff(t *testing.T) {
	rto := 100 * time.Millisecond
	q := newRTXQueue(rto, 5)
	q.add(1, []byte("seg"))
	now := time.Now()

	// Freshly added: nothing due yet.
	if resend, exhausted := q.due(now); len(resend) != 0 || exhausted {
		t.Fatalf("fresh entry reported due: resend=%d exhausted=%v", len(resend), exhausted)
	}

	// First timeout elapses.
	q.front().sentAt = now.Add(-rto - time.Millisecond)
	resend, exhausted := q.due(now)
	if len(resend) != 1 || exhausted {
		t.Fatalf("expected one resend, got %d (exhausted=%v)", len(resend), exhausted)
	}
	if q.front().retries != 1 {
		t.Fatalf("retries %d, want 1", q.front().retries)
	}

	// After one attempt the wait doubles: the base timeout is no longer
	// enough to trigger another resend.
	q.front().sentAt = now.Add(-rto - time.Millisecond)
	if resend, _ := q.due(now); len(resend) != 0 {
		t.Fatalf("resent before the backed-off deadline: %d", len(resend))
	}
	q.front().sentAt = now.Add(-2*rto - time.Millisecond)
	if resend, _ := q.due(now); len(resend) != 1 {
		t.Fatalf("expected one resend past the doubled deadline, got %d", len(resend))
	}
	if q.front().retries != 2 {
		t.Fatalf("retries %d, want 2", q.front().retries)
	}
}

// TestRTXQueueBackoffCap tests that the backoff schedule stops growing.
func TestRTXQueueBackoffCap(t *testing.T) {
	rto := 50 * time.Millisecond
	q := newRTXQueue(rto, 20)
	capped := rto << 5
	if got := q.backoff(5); got != capped {
		t.Errorf("backoff(5) = %v, want %v", got, capped)
	}
	if got := q.backoff(19); got != capped {
		t.Errorf("backoff(19) = %v, want %v", got, capped)
	}
	if got := q.backoff(0); got != rto {
		t.Errorf("backoff(0) = %v, want %v", got, rto)
	}
}

// TestRTXQueueExhaustion tests that an entry past the retry budget reports
// exhaustion instead of being resent again.
func TestRTXQueueExhaustion(t *testing.T) {
	rto := 10 * time.Millisecond
	q := newRTXQueue(rto, 2)
	q.add(1, []byte("seg"))
	now := time.Now()

	for attempt := 1; attempt <= 2; attempt++ {
		q.front().sentAt = now.Add(-q.backoff(q.front().retries) - time.Millisecond)
		resend, exhausted := q.due(now)
		if exhausted {
			t.Fatalf("exhausted after %d attempts, budget is 2", attempt-1)
		}
		if len(resend) != 1 {
			t.Fatalf("attempt %d: expected a resend", attempt)
		}
	}

	q.front().sentAt = now.Add(-q.backoff(q.front().retries) - time.Millisecond)
	resend, exhausted := q.due(now)
	if !exhausted {
		t.Fatal("expected exhaustion after the retry budget")
	}
	if len(resend) != 0 {
		t.Fatalf("exhausted entry was still resent %d times", len(resend))
	}
}

// TestRTXQueueClear tests that clear drops all outstanding entries.
func TestRTXQueueClear(t *testing.T) {
	q := newRTXQueue(10*time.Millisecond, 3)
	q.add(1, nil)
	q.add(2, nil)
	q.clear()
	if !q.empty() {
		t.Fatal("queue should be empty after clear")
	}
	if q.front() != nil {
		t.Fatal("front of an empty queue should be nil")
	}
}
