// Package core defines the interfaces and shared types that tie the bTCP
// engine to its datagram substrate and its configuration surface.
package core

// SegmentHandler is implemented by the protocol engine and invoked by the
// lossy layer. Both callbacks are called from the network goroutine, one at
// a time, never concurrently with each other for the same connection.
type SegmentHandler interface {
	// SegmentReceived is called whenever a datagram arrives. The lossy
	// layer hands over a fresh copy per datagram; the handler owns it.
	SegmentReceived(segment []byte)

	// Tick is called after a configured idle interval with no arrivals.
	// It is a best-effort "nothing arrived recently" signal, not a precise
	// periodic timer: it will NOT fire while segments keep arriving.
	Tick()
}

// LossyLayer is the unreliable datagram substrate. It may drop, delay,
// duplicate, or reorder segments; delivery is fire-and-forget.
type LossyLayer interface {
	// Start registers the handler and starts the network goroutine.
	Start(handler SegmentHandler) error

	// SendSegment hands one serialized segment to the substrate.
	// No delivery guarantee of any kind.
	SendSegment(segment []byte) error

	// Destroy releases the substrate's resources. Safe to call multiple
	// times; only the first call has effect.
	Destroy() error
}

// SocketMetrics contains counters for one engine instance. Fields are
// updated with sync/atomic and must only be read through a snapshot.
type SocketMetrics struct {
	// SegmentsSent is the number of segments handed to the lossy layer.
	SegmentsSent uint64

	// SegmentsReceived is the number of segments that passed the checksum.
	SegmentsReceived uint64

	// BytesBuffered is the number of application bytes accepted by send.
	BytesBuffered uint64

	// BytesDelivered is the number of payload bytes returned by recv.
	BytesDelivered uint64

	// Retransmits is the number of timeout or fast retransmissions.
	Retransmits uint64

	// ChecksumDrops is the number of segments dropped as corrupted.
	ChecksumDrops uint64

	// DupAcks is the number of non-advancing acknowledgements seen.
	DupAcks uint64
}
