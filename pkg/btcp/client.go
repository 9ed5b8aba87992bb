package btcp

import (
	"sync/atomic"
	"time"

	"github.com/irctrakz/btcp/pkg/core"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/irctrakz/btcp/pkg/segment"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

// ClientSocket is the sending endpoint of a bTCP connection. The
// application uses Connect, Send, Shutdown, and Close; the lossy layer
// drives SegmentReceived and Tick from the network goroutine.
//
// Send is non-blocking against a bounded ring buffer; segmentation and
// transmission happen in the data pump, which runs whenever buffer space,
// acknowledgements, or ticks open the peer's advertised window.
type ClientSocket struct {
	conn

	sendBuf *ringbuffer.RingBuffer

	iss         uint16 // initial sequence number of our SYN
	sndNxt      uint16 // last sequence number assigned
	lastAckRcvd uint16 // peer's cumulative ack cursor
	peerSeq     uint16 // peer's sequence number from its SYN+ACK
	peerWnd     int    // peer's advertised window, in segments
	finSeq      uint16 // sequence number our FIN went out as
	finAcked    bool
	dupAcks     int

	// finalAck is the stored third handshake segment, re-sent when the
	// server retransmits SYN+ACK because the first copy was lost.
	finalAck []byte
}

var _ core.SegmentHandler = (*ClientSocket)(nil)

// NewClientSocket allocates a client socket over the given lossy layer.
// The caller must Start the layer with this socket as its handler before
// calling Connect.
func NewClientSocket(link core.LossyLayer, cfg core.TransportConfig) *ClientSocket {
	cfg = withDefaults(cfg)
	return &ClientSocket{
		conn:    newConn(link, cfg),
		sendBuf: ringbuffer.New(cfg.WindowSize * segment.MaxPayloadSize),
		peerWnd: 1,
	}
}

// Connect performs the three-way handshake. It blocks until the connection
// is ESTABLISHED or the retry budget is exhausted.
func (s *ClientSocket) Connect() error {
	if s.finished() {
		return ErrClosed
	}
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return ErrSocketInUse
	}
	s.iss = randSeq()
	s.sndNxt = s.iss
	s.transitionLocked(StateSynSent)
	syn, _ := segment.Encode(segment.Header{
		Seq:    s.iss,
		Flags:  segment.FlagSYN,
		Window: uint16(s.cfg.WindowSize),
	}, nil)
	s.rtq.add(s.iss, syn)
	s.sendSegmentLocked(syn)
	s.mu.Unlock()

	logging.Infof("btcp: connecting, iss=%d", s.iss)
	s.await(s.cfg.HandshakeBudget(), func() bool {
		return s.state == StateEstablished || s.state == StateClosed
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		s.rtq.clear()
		s.transitionLocked(StateClosed)
		return ErrConnectTimeout
	}
	return nil
}

// Send appends as much of data as fits into the bounded send buffer and
// returns the number of bytes accepted; 0 means the buffer is full and the
// caller must retry the remainder. It never blocks waiting for
// acknowledgements.
func (s *ClientSocket) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return 0, ErrNotConnected
	}
	n := len(data)
	if free := s.sendBuf.Free(); n > free {
		n = free
	}
	if n > 0 {
		if _, err := s.sendBuf.Write(data[:n]); err != nil {
			return 0, errors.Wrap(err, "btcp: send buffer")
		}
		atomic.AddUint64(&s.metrics.BytesBuffered, uint64(n))
	}
	s.pumpLocked()
	return n, nil
}

// Shutdown drains outstanding data, then performs the FIN exchange. It
// blocks until the peer acknowledges or the retry budget runs out; either
// way the connection ends up CLOSED within a bounded time.
func (s *ClientSocket) Shutdown() error {
	budget := s.cfg.HandshakeBudget()

	// Let retransmission finish delivering buffered data before the FIN
	// consumes the next sequence number.
	drained := s.await(budget, func() bool {
		return s.state != StateEstablished || (s.sendBuf.Length() == 0 && s.rtq.empty())
	})

	s.mu.Lock()
	if s.state != StateEstablished {
		s.mu.Unlock()
		if s.finished() {
			return ErrClosed
		}
		return ErrNotConnected
	}
	if !drained {
		s.rtq.clear()
		s.transitionLocked(StateClosed)
		s.mu.Unlock()
		return ErrShutdownTimeout
	}
	s.sndNxt = segment.NextSeq(s.sndNxt)
	s.finSeq = s.sndNxt
	fin, _ := segment.Encode(segment.Header{Seq: s.finSeq, Flags: segment.FlagFIN}, nil)
	s.rtq.add(s.finSeq, fin)
	s.sendSegmentLocked(fin)
	s.transitionLocked(StateFinSent)
	s.mu.Unlock()

	s.await(budget, func() bool { return s.state == StateClosed })

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finAcked {
		s.rtq.clear()
		s.transitionLocked(StateClosed)
		return ErrShutdownTimeout
	}
	return nil
}

// SegmentReceived implements core.SegmentHandler.
func (s *ClientSocket) SegmentReceived(raw []byte) {
	hdr, _, err := segment.Decode(raw)
	if err != nil {
		// Corruption is indistinguishable from loss: drop silently.
		if errors.Is(err, segment.ErrChecksum) {
			atomic.AddUint64(&s.metrics.ChecksumDrops, 1)
		}
		return
	}
	atomic.AddUint64(&s.metrics.SegmentsReceived, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateSynSent:
		s.handleSynSentLocked(hdr)
	case StateEstablished:
		s.handleEstablishedLocked(hdr)
	case StateFinSent:
		s.handleFinSentLocked(hdr)
	default:
		logging.Tracef("btcp: client ignoring segment in %s", s.state)
	}
	s.checkRetransmitLocked(time.Now())
}

// Tick implements core.SegmentHandler.
func (s *ClientSocket) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pumpLocked()
	s.checkRetransmitLocked(time.Now())
}

// handleSynSentLocked completes the handshake on a matching SYN+ACK.
func (s *ClientSocket) handleSynSentLocked(hdr segment.Header) {
	if !hdr.Flags.Has(segment.FlagSYN|segment.FlagACK) || hdr.Ack != s.iss {
		return
	}
	s.peerSeq = hdr.Seq
	s.peerWnd = int(hdr.Window)
	if s.peerWnd < 1 {
		s.peerWnd = 1
	}
	s.rtq.clear()
	s.sndNxt = segment.NextSeq(s.iss)
	s.lastAckRcvd = s.sndNxt
	ack, _ := segment.Encode(segment.Header{
		Seq:   s.sndNxt,
		Ack:   s.peerSeq,
		Flags: segment.FlagACK,
	}, nil)
	s.finalAck = ack
	s.sendSegmentLocked(ack)
	s.transitionLocked(StateEstablished)
	logging.Infof("btcp: established, peer=%d window=%d", s.peerSeq, s.peerWnd)
}

// handleEstablishedLocked processes acknowledgements during data transfer.
func (s *ClientSocket) handleEstablishedLocked(hdr segment.Header) {
	if hdr.Flags.Has(segment.FlagSYN | segment.FlagACK) {
		// The server never saw our final handshake ACK; repeat it.
		if hdr.Ack == s.iss && s.finalAck != nil {
			s.sendSegmentLocked(s.finalAck)
		}
		return
	}
	if !hdr.Flags.Has(segment.FlagACK) {
		return
	}
	if hdr.Window > 0 {
		s.peerWnd = int(hdr.Window)
	} else {
		s.peerWnd = 1
	}

	d := segment.SeqDistance(s.lastAckRcvd, hdr.Ack)
	switch {
	case d > 0 && d < segment.MaxSeq/2:
		// Cumulative ack advanced: retire covered segments.
		retired := s.rtq.ackUpTo(hdr.Ack)
		s.lastAckRcvd = hdr.Ack
		s.dupAcks = 0
		logging.Tracef("btcp: ack=%d retired=%d inflight=%d", hdr.Ack, retired, s.rtq.len())
		if retired > 0 {
			s.notifyLocked()
		}
	case hdr.Ack == s.lastAckRcvd:
		// Duplicate ack: the receiver is resynchronizing. Three in a row
		// mean the oldest in-flight segment is likely gone.
		atomic.AddUint64(&s.metrics.DupAcks, 1)
		s.dupAcks++
		if s.dupAcks >= 3 {
			s.dupAcks = 0
			s.fastRetransmitLocked()
		}
	default:
		// Stale ack from the past: never regress the cursor.
	}
	s.pumpLocked()
}

// handleFinSentLocked completes teardown on the peer's ACK+FIN.
func (s *ClientSocket) handleFinSentLocked(hdr segment.Header) {
	if !hdr.Flags.Has(segment.FlagACK) || hdr.Ack != s.finSeq {
		return
	}
	// Acknowledge the peer's FIN so it can release its side.
	ack, _ := segment.Encode(segment.Header{
		Seq:   segment.NextSeq(s.finSeq),
		Ack:   hdr.Seq,
		Flags: segment.FlagACK,
	}, nil)
	s.sendSegmentLocked(ack)
	s.finAcked = true
	s.rtq.clear()
	s.transitionLocked(StateClosed)
	logging.Infof("btcp: shutdown complete")
}

// fastRetransmitLocked resends the oldest in-flight segment without
// touching its retry budget; duplicate acks prove the peer is alive.
func (s *ClientSocket) fastRetransmitLocked() {
	e := s.rtq.front()
	if e == nil {
		return
	}
	e.sentAt = time.Now()
	s.sendSegmentLocked(e.seg)
	atomic.AddUint64(&s.metrics.Retransmits, 1)
	logging.Debugf("btcp: fast retransmit seq=%d", e.seq)
}

// pumpLocked slices buffered bytes into segments while the peer's
// advertised window has room. Runs on every ack, tick, and send call.
func (s *ClientSocket) pumpLocked() {
	if s.state != StateEstablished {
		return
	}
	for s.rtq.len() < s.peerWnd && s.sendBuf.Length() > 0 {
		chunk := make([]byte, segment.MaxPayloadSize)
		n, err := s.sendBuf.Read(chunk)
		if n == 0 || err != nil {
			break
		}
		s.sndNxt = segment.NextSeq(s.sndNxt)
		seg, err := segment.Encode(segment.Header{Seq: s.sndNxt}, chunk[:n])
		if err != nil {
			logging.Errorf("btcp: encode: %v", err)
			return
		}
		s.rtq.add(s.sndNxt, seg)
		s.sendSegmentLocked(seg)
		logging.Tracef("btcp: data seq=%d len=%d inflight=%d", s.sndNxt, n, s.rtq.len())
	}
}
