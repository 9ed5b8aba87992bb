package btcp

import (
	"time"

	"github.com/irctrakz/btcp/pkg/segment"
)

// rtxEntry is one unacknowledged outbound segment awaiting ACK or timeout.
type rtxEntry struct {
	seq     uint16
	seg     []byte
	sentAt  time.Time
	retries int
}

// rtxQueue holds outstanding segments in send order. It is not internally
// locked; the owning socket's mutex guards every call.
type rtxQueue struct {
	entries    []*rtxEntry
	rto        time.Duration
	maxRetries int
}

func newRTXQueue(rto time.Duration, maxRetries int) *rtxQueue {
	return &rtxQueue{
		rto:        rto,
		maxRetries: maxRetries,
	}
}

func (q *rtxQueue) add(seq uint16, seg []byte) {
	q.entries = append(q.entries, &rtxEntry{
		seq:    seq,
		seg:    seg,
		sentAt: time.Now(),
	})
}

func (q *rtxQueue) len() int { return len(q.entries) }

func (q *rtxQueue) empty() bool { return len(q.entries) == 0 }

func (q *rtxQueue) clear() { q.entries = nil }

// front returns the oldest outstanding entry, or nil.
func (q *rtxQueue) front() *rtxEntry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// ackUpTo retires every entry cumulatively covered by ack and returns how
// many were retired. Entries are in send order, so retirement stops at the
// first uncovered sequence number.
func (q *rtxQueue) ackUpTo(ack uint16) int {
	retired := 0
	for len(q.entries) > 0 && segment.SeqCovered(q.entries[0].seq, ack) {
		q.entries[0].seg = nil
		q.entries = q.entries[1:]
		retired++
	}
	return retired
}

// backoff returns the retransmission delay for an entry: the base timeout
// doubled per attempt, capped so a stalled peer cannot stretch the retry
// schedule unboundedly.
func (q *rtxQueue) backoff(retries int) time.Duration {
	if retries > 5 {
		retries = 5
	}
	return q.rto << uint(retries)
}

// due returns the segments whose timeout has elapsed, refreshing their send
// timestamp and attempt counter, and reports whether any entry has exceeded
// the retry budget. It is the single retransmission-check routine shared by
// the tick path and the segment-arrival path.
func (q *rtxQueue) due(now time.Time) (resend [][]byte, exhausted bool) {
	for _, e := range q.entries {
		if now.Sub(e.sentAt) < q.backoff(e.retries) {
			continue
		}
		if e.retries >= q.maxRetries {
			return resend, true
		}
		e.retries++
		e.sentAt = now
		resend = append(resend, e.seg)
	}
	return resend, false
}
