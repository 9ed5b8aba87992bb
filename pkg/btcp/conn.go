// Package btcp implements the bTCP protocol engine: a reliable, one-way,
// connection-oriented transport over an unreliable datagram substrate.
// ClientSocket sends, ServerSocket receives. The engine runs in two
// execution contexts: the network goroutine, which drives SegmentReceived
// and Tick and owns every protocol-state mutation, and the application
// goroutine, which calls the blocking socket API and observes state through
// the connection's notification channel.
package btcp

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/btcp/pkg/core"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/irctrakz/btcp/pkg/segment"
	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned when the socket has already gone through its
	// one connection lifecycle.
	ErrClosed = errors.New("btcp: socket closed")

	// ErrSocketInUse is returned when connect/accept is called on a socket
	// whose connection is already in progress.
	ErrSocketInUse = errors.New("btcp: connection already in progress")

	// ErrConnectTimeout is returned when the handshake retry budget is
	// exhausted without reaching ESTABLISHED.
	ErrConnectTimeout = errors.New("btcp: connect timed out")

	// ErrAcceptTimeout is returned when no handshake completes within the
	// accept retry budget.
	ErrAcceptTimeout = errors.New("btcp: accept timed out")

	// ErrShutdownTimeout is returned when teardown gives up after the
	// retry budget; the connection is closed regardless.
	ErrShutdownTimeout = errors.New("btcp: shutdown timed out")

	// ErrNotConnected is returned by send before the handshake completes
	// or after teardown has begun.
	ErrNotConnected = errors.New("btcp: not connected")
)

// conn is the state shared by both socket roles: the automaton, the
// retransmission queue, the lossy layer handle, and the cross-context
// synchronization primitives. One mutex guards all protocol state; blocking
// application calls wait on the notification channel, never on the mutex.
type conn struct {
	mu sync.Mutex

	state State

	// notifyCh is closed and replaced on every state change or ACK
	// progress event. Blocked application calls select on it instead of
	// polling.
	notifyCh chan struct{}

	// closedCh closes exactly once, when the connection reaches its
	// terminal close. It is the termination signal Recv observes.
	closedCh  chan struct{}
	closeOnce sync.Once

	link core.LossyLayer
	cfg  core.TransportConfig
	rtq  *rtxQueue

	metrics core.SocketMetrics

	destroyOnce sync.Once
	destroyErr  error
}

func newConn(link core.LossyLayer, cfg core.TransportConfig) conn {
	return conn{
		state:    StateClosed,
		notifyCh: make(chan struct{}),
		closedCh: make(chan struct{}),
		link:     link,
		cfg:      cfg,
		rtq:      newRTXQueue(cfg.Timeout(), cfg.MaxRetries),
	}
}

// notifyLocked wakes every blocked application call. Callers hold c.mu.
func (c *conn) notifyLocked() {
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
}

// transitionLocked applies a state change if the transition table allows
// it. Illegal transitions are rejected and logged, never applied.
func (c *conn) transitionLocked(to State) bool {
	if to != c.state && !canTransition(c.state, to) {
		logging.Warnf("btcp: rejecting illegal transition %s -> %s", c.state, to)
		return false
	}
	if to != c.state {
		logging.Debugf("btcp: %s -> %s", c.state, to)
	}
	c.state = to
	if to == StateClosed {
		c.closeOnce.Do(func() { close(c.closedCh) })
	}
	c.notifyLocked()
	return true
}

// State returns the current automaton state.
func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// finished reports whether the connection lifecycle has ended.
func (c *conn) finished() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// await blocks the calling (application) goroutine until pred holds or the
// timeout elapses, and returns pred's final value. pred is evaluated with
// c.mu held and must not block.
func (c *conn) await(timeout time.Duration, pred func() bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	c.mu.Lock()
	for {
		if pred() {
			c.mu.Unlock()
			return true
		}
		ch := c.notifyCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			c.mu.Lock()
			ok := pred()
			c.mu.Unlock()
			return ok
		}
		c.mu.Lock()
	}
}

// sendSegmentLocked hands one encoded segment to the lossy layer.
// Fire-and-forget: a substrate error is logged and otherwise treated as
// loss, which retransmission already covers.
func (c *conn) sendSegmentLocked(seg []byte) {
	if err := c.link.SendSegment(seg); err != nil {
		logging.Warnf("btcp: send_segment: %v", err)
		return
	}
	atomic.AddUint64(&c.metrics.SegmentsSent, 1)
}

// checkRetransmitLocked re-examines outstanding segments and retransmits
// those whose timeout has elapsed. Exceeding the retry budget closes the
// connection: this bound is what keeps connect/accept/shutdown from
// blocking forever under total peer silence. Called from both the tick
// path and the segment-arrival path so behavior is identical whichever
// event triggers it.
func (c *conn) checkRetransmitLocked(now time.Time) {
	resend, exhausted := c.rtq.due(now)
	for _, seg := range resend {
		c.sendSegmentLocked(seg)
		atomic.AddUint64(&c.metrics.Retransmits, 1)
	}
	if exhausted {
		logging.Warnf("btcp: retry budget exhausted in %s, closing", c.state)
		c.rtq.clear()
		c.transitionLocked(StateClosed)
	}
}

// Close releases the datagram-layer resource. Idempotent: repeat calls are
// no-ops, and the substrate is destroyed exactly once regardless of the
// state the connection was in.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.transitionLocked(StateClosed)
	}
	c.closeOnce.Do(func() { close(c.closedCh) })
	c.rtq.clear()
	c.mu.Unlock()

	c.destroyOnce.Do(func() { c.destroyErr = c.link.Destroy() })
	return c.destroyErr
}

// Metrics returns a snapshot of the socket counters.
func (c *conn) Metrics() core.SocketMetrics {
	return core.SocketMetrics{
		SegmentsSent:     atomic.LoadUint64(&c.metrics.SegmentsSent),
		SegmentsReceived: atomic.LoadUint64(&c.metrics.SegmentsReceived),
		BytesBuffered:    atomic.LoadUint64(&c.metrics.BytesBuffered),
		BytesDelivered:   atomic.LoadUint64(&c.metrics.BytesDelivered),
		Retransmits:      atomic.LoadUint64(&c.metrics.Retransmits),
		ChecksumDrops:    atomic.LoadUint64(&c.metrics.ChecksumDrops),
		DupAcks:          atomic.LoadUint64(&c.metrics.DupAcks),
	}
}

// randSeq draws a random initial sequence number in 1..65535; zero stays
// reserved as "unset".
func randSeq() uint16 {
	return uint16(rand.Intn(segment.MaxSeq) + 1)
}

// withDefaults fills zero-valued transport parameters from the defaults so
// partially-specified configs behave sensibly.
func withDefaults(cfg core.TransportConfig) core.TransportConfig {
	def := core.DefaultTransportConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = def.TimeoutMS
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.TickIntervalMS <= 0 {
		cfg.TickIntervalMS = def.TickIntervalMS
	}
	if cfg.RecvBatch <= 0 {
		cfg.RecvBatch = def.RecvBatch
	}
	return cfg
}
