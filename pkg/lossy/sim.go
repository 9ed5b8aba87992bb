package lossy

import (
	"sync"
	"time"

	"github.com/irctrakz/btcp/pkg/core"
	"github.com/pkg/errors"
)

// SimulatedLink is an in-process lossy layer for exercising the engine
// without real sockets. Faults are deterministic, driven by a per-link
// send counter, so tests get reproducible loss patterns:
//
//	DropEvery n: every nth segment is discarded.
//	DupEvery n:  every nth segment is delivered twice.
//	SwapEvery n: every nth segment is held back and delivered after the
//	             segment that follows it (a one-slot reorder).
//
// A held segment that is never followed by another send stays undelivered;
// retransmission recovers it, exactly as with real loss. Configure the
// fault fields before Start.
type SimulatedLink struct {
	DropEvery int
	DupEvery  int
	SwapEvery int

	peer *SimulatedLink
	in   chan []byte

	tick   time.Duration
	stopCh chan struct{}

	mu      sync.Mutex
	started bool
	sent    int
	held    []byte

	destroyOnce sync.Once
}

var _ core.LossyLayer = (*SimulatedLink)(nil)

// NewSimulatedPair creates two connected simulated links: whatever one
// side sends, the other side's handler receives (faults permitting).
func NewSimulatedPair(tickInterval time.Duration) (*SimulatedLink, *SimulatedLink) {
	a := &SimulatedLink{
		in:     make(chan []byte, 1024),
		tick:   tickInterval,
		stopCh: make(chan struct{}),
	}
	b := &SimulatedLink{
		in:     make(chan []byte, 1024),
		tick:   tickInterval,
		stopCh: make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

// Start registers the handler and starts the dispatch goroutine.
func (l *SimulatedLink) Start(handler core.SegmentHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("lossy: link already started")
	}
	l.started = true
	go l.loop(handler)
	return nil
}

// SendSegment applies the fault pattern and forwards toward the peer.
func (l *SimulatedLink) SendSegment(seg []byte) error {
	cp := append([]byte(nil), seg...)

	l.mu.Lock()
	l.sent++
	n := l.sent
	drop := l.DropEvery > 0 && n%l.DropEvery == 0
	dup := l.DupEvery > 0 && n%l.DupEvery == 0
	swap := l.SwapEvery > 0 && n%l.SwapEvery == 0
	held := l.held
	l.held = nil
	if swap && !drop {
		l.held = cp
	}
	l.mu.Unlock()

	if !drop && !swap {
		l.deliver(cp)
		if dup {
			l.deliver(append([]byte(nil), cp...))
		}
	}
	if held != nil {
		l.deliver(held)
	}
	return nil
}

// Destroy stops the dispatch goroutine. Idempotent.
func (l *SimulatedLink) Destroy() error {
	l.destroyOnce.Do(func() { close(l.stopCh) })
	return nil
}

func (l *SimulatedLink) deliver(seg []byte) {
	p := l.peer
	select {
	case <-p.stopCh:
	case p.in <- seg:
	default:
		// Queue full: a lossy layer is allowed to drop.
	}
}

// loop dispatches arrivals and idle ticks to the handler, sequentially.
func (l *SimulatedLink) loop(handler core.SegmentHandler) {
	timer := time.NewTimer(l.tick)
	defer timer.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case seg := <-l.in:
			handler.SegmentReceived(seg)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.tick)
		case <-timer.C:
			handler.Tick()
			timer.Reset(l.tick)
		}
	}
}
