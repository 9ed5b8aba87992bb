package btcp

import (
	"sync/atomic"
	"time"

	"github.com/irctrakz/btcp/pkg/core"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/irctrakz/btcp/pkg/segment"
	"github.com/pkg/errors"
)

// ServerSocket is the receiving endpoint of a bTCP connection. The
// application uses Accept, Recv, and Close; the lossy layer drives
// SegmentReceived and Tick from the network goroutine.
//
// In-order segments are pushed onto a bounded delivery queue consumed by
// Recv; every data segment is answered with a cumulative acknowledgement
// carrying the locally advertised window, derived from queue occupancy.
type ServerSocket struct {
	conn

	deliveryQ chan []byte

	sndSeq          uint16 // our sequence cursor, advances per accepted segment
	rcvAck          uint16 // last accepted peer sequence number
	establishingAck uint16 // sequence our SYN+ACK went out as
	closingAck      uint16 // sequence our ACK+FIN went out as; 0 = not yet sent

	// finAckSeg is the stored ACK+FIN reply, re-sent verbatim on every
	// retransmitted FIN so repeated teardown attempts never draw a new
	// sequence number.
	finAckSeg []byte
}

var _ core.SegmentHandler = (*ServerSocket)(nil)

// NewServerSocket allocates a server socket over the given lossy layer.
// The caller must Start the layer with this socket as its handler before
// calling Accept.
func NewServerSocket(link core.LossyLayer, cfg core.TransportConfig) *ServerSocket {
	cfg = withDefaults(cfg)
	return &ServerSocket{
		conn:      newConn(link, cfg),
		deliveryQ: make(chan []byte, cfg.WindowSize),
	}
}

// Accept waits for a client handshake and completes it. It blocks until
// the connection is ESTABLISHED or the retry budget is exhausted, in which
// case it reports failure and the socket returns to CLOSED.
func (s *ServerSocket) Accept() error {
	if s.finished() {
		return ErrClosed
	}
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return ErrSocketInUse
	}
	if s.sndSeq == 0 {
		s.sndSeq = randSeq()
	}
	s.establishingAck = s.sndSeq
	s.transitionLocked(StateAccepting)
	s.mu.Unlock()

	logging.Infof("btcp: accepting, iss=%d", s.sndSeq)
	s.await(s.cfg.HandshakeBudget(), func() bool {
		return s.state == StateEstablished || s.state == StateClosed
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		s.rtq.clear()
		s.transitionLocked(StateClosed)
		return ErrAcceptTimeout
	}
	return nil
}

// Recv blocks until payload is available or the connection has terminated.
// It drains up to the configured batch of queued payloads per call and
// concatenates them. An empty result is the termination signal: it means
// the connection ended and the queue is dry.
func (s *ServerSocket) Recv() ([]byte, error) {
	var out []byte
	select {
	case p := <-s.deliveryQ:
		out = append(out, p...)
	case <-s.closedCh:
		select {
		case p := <-s.deliveryQ:
			out = append(out, p...)
		default:
			return []byte{}, nil
		}
	}
drain:
	for i := 1; i < s.cfg.RecvBatch; i++ {
		select {
		case p := <-s.deliveryQ:
			out = append(out, p...)
		default:
			break drain
		}
	}
	atomic.AddUint64(&s.metrics.BytesDelivered, uint64(len(out)))
	return out, nil
}

// SegmentReceived implements core.SegmentHandler.
func (s *ServerSocket) SegmentReceived(raw []byte) {
	hdr, payload, err := segment.Decode(raw)
	if err != nil {
		if errors.Is(err, segment.ErrChecksum) {
			atomic.AddUint64(&s.metrics.ChecksumDrops, 1)
		}
		return
	}
	atomic.AddUint64(&s.metrics.SegmentsReceived, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAccepting, StateSynRcvd:
		s.handleHandshakeLocked(hdr)
	case StateEstablished:
		s.handleEstablishedLocked(hdr, payload)
	case StateClosing:
		s.handleClosingLocked(hdr)
	default:
		logging.Tracef("btcp: server ignoring segment in %s", s.state)
	}
	s.checkRetransmitLocked(time.Now())
}

// Tick implements core.SegmentHandler.
func (s *ServerSocket) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkRetransmitLocked(time.Now())
}

// handleHandshakeLocked runs the server half of the three-way handshake.
// The SYN+ACK sits in the retransmission queue until the final ACK lands
// or the retry ceiling closes the connection, which fails Accept.
func (s *ServerSocket) handleHandshakeLocked(hdr segment.Header) {
	if hdr.Flags.Has(segment.FlagSYN) {
		s.rcvAck = hdr.Seq
		s.transitionLocked(StateSynRcvd)
		synack, _ := segment.Encode(segment.Header{
			Seq:    s.sndSeq,
			Ack:    s.rcvAck,
			Flags:  segment.FlagSYN | segment.FlagACK,
			Window: s.advertisedWindowLocked(),
		}, nil)
		s.rtq.clear()
		s.rtq.add(s.sndSeq, synack)
		s.sendSegmentLocked(synack)
		return
	}
	if s.state == StateSynRcvd && hdr.Flags.Has(segment.FlagACK) &&
		hdr.Ack == s.establishingAck && hdr.Seq == segment.NextSeq(s.rcvAck) {
		s.rcvAck = segment.NextSeq(s.rcvAck)
		s.rtq.clear()
		s.transitionLocked(StateEstablished)
		logging.Infof("btcp: established, peer=%d", s.rcvAck)
	}
}

// handleEstablishedLocked accepts in-sequence data and acknowledges
// cumulatively. A segment at exactly rcvAck+1 advances both cursors and
// joins the delivery queue; anything else (duplicate, out-of-order,
// already acknowledged) advances nothing but still triggers an ACK echo so
// the sender can resynchronize.
func (s *ServerSocket) handleEstablishedLocked(hdr segment.Header, payload []byte) {
	if hdr.Flags.Has(segment.FlagFIN) {
		s.enterClosingLocked(hdr)
		return
	}
	if hdr.Flags.Has(segment.FlagSYN) {
		return
	}
	if hdr.Seq == segment.NextSeq(s.rcvAck) {
		p := append([]byte(nil), payload...)
		select {
		case s.deliveryQ <- p:
			s.sndSeq = segment.NextSeq(s.sndSeq)
			s.rcvAck = segment.NextSeq(s.rcvAck)
			logging.Tracef("btcp: accepted seq=%d len=%d queue=%d", hdr.Seq, len(payload), len(s.deliveryQ))
		default:
			// Queue full: no cursor advance, the ack below repeats the
			// old cumulative position and the sender retransmits later.
			logging.Debugf("btcp: delivery queue full, deferring seq=%d", hdr.Seq)
		}
	} else {
		logging.Tracef("btcp: out-of-sequence seq=%d want=%d", hdr.Seq, segment.NextSeq(s.rcvAck))
	}
	ack, _ := segment.Encode(segment.Header{
		Seq:    s.sndSeq,
		Ack:    s.rcvAck,
		Flags:  segment.FlagACK,
		Window: s.advertisedWindowLocked(),
	}, nil)
	s.sendSegmentLocked(ack)
}

// enterClosingLocked answers the client's FIN with ACK+FIN. The closingAck
// sentinel makes the reply idempotent: a retransmitted FIN re-sends the
// stored segment instead of drawing a fresh sequence number.
func (s *ServerSocket) enterClosingLocked(hdr segment.Header) {
	if s.state == StateEstablished {
		s.transitionLocked(StateClosing)
	}
	if s.closingAck == 0 {
		s.sndSeq = segment.NextSeq(s.sndSeq)
		s.closingAck = s.sndSeq
		finack, _ := segment.Encode(segment.Header{
			Seq:   s.sndSeq,
			Ack:   hdr.Seq,
			Flags: segment.FlagACK | segment.FlagFIN,
		}, nil)
		s.finAckSeg = finack
		s.rtq.clear()
		s.rtq.add(s.sndSeq, finack)
		logging.Infof("btcp: peer fin seq=%d, closing", hdr.Seq)
	}
	s.sendSegmentLocked(s.finAckSeg)
}

// handleClosingLocked finishes teardown on the client's final ACK; a
// repeated FIN means our ACK+FIN was lost, so repeat it.
func (s *ServerSocket) handleClosingLocked(hdr segment.Header) {
	if hdr.Flags.Has(segment.FlagFIN) {
		s.sendSegmentLocked(s.finAckSeg)
		return
	}
	if hdr.Flags.Has(segment.FlagACK) && hdr.Ack == s.closingAck {
		s.rtq.clear()
		s.transitionLocked(StateClosed)
		// The connection is over; release the substrate. Close remains a
		// safe no-op afterwards.
		s.destroyOnce.Do(func() { s.destroyErr = s.link.Destroy() })
		logging.Infof("btcp: teardown complete")
	}
}

// advertisedWindowLocked derives the window to advertise from delivery
// queue occupancy. Never zero: a stuck sender could not recover from a
// zero advertisement since the receiver sends nothing unprompted.
func (s *ServerSocket) advertisedWindowLocked() uint16 {
	w := s.cfg.WindowSize - len(s.deliveryQ)
	if w < 1 {
		w = 1
	}
	return uint16(w)
}
