// Package lossy provides the datagram substrate underneath the bTCP
// engine: a UDP link for real endpoints and an in-process simulated link
// with deterministic fault injection for tests. Both invoke the engine's
// SegmentReceived and Tick callbacks sequentially from a single network
// goroutine, never concurrently with each other.
package lossy

import (
	"net"
	"sync"
	"time"

	"github.com/irctrakz/btcp/pkg/core"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/irctrakz/btcp/pkg/segment"
	"github.com/pkg/errors"
)

// UDPLink carries bTCP segments over a UDP socket bound to one fixed peer.
// UDP supplies exactly the delivery contract bTCP is designed for: drops,
// duplication, and reordering are all possible and none are reported.
type UDPLink struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	tick   time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}

	destroyOnce sync.Once
	destroyErr  error
}

var _ core.LossyLayer = (*UDPLink)(nil)

// NewUDPLink binds localAddr and fixes remoteAddr as the single peer.
// tickInterval is the idle period after which the handler's Tick fires.
func NewUDPLink(localAddr, remoteAddr string, tickInterval time.Duration) (*UDPLink, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "lossy: resolve local %q", localAddr)
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "lossy: resolve remote %q", remoteAddr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "lossy: bind")
	}
	return &UDPLink{
		conn:   conn,
		remote: raddr,
		tick:   tickInterval,
		stopCh: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (l *UDPLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Start registers the handler and starts the network goroutine.
func (l *UDPLink) Start(handler core.SegmentHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("lossy: link already started")
	}
	l.started = true
	go l.loop(handler)
	logging.Debugf("lossy: udp link %s <-> %s", l.conn.LocalAddr(), l.remote)
	return nil
}

// SendSegment hands one serialized segment to UDP. Fire-and-forget.
func (l *UDPLink) SendSegment(seg []byte) error {
	if _, err := l.conn.WriteToUDP(seg, l.remote); err != nil {
		return errors.Wrap(err, "lossy: send")
	}
	return nil
}

// Destroy closes the socket. Safe to call multiple times, including from
// inside a handler callback; only the first call has effect.
func (l *UDPLink) Destroy() error {
	l.destroyOnce.Do(func() {
		close(l.stopCh)
		l.destroyErr = l.conn.Close()
	})
	return l.destroyErr
}

// loop is the network goroutine: datagrams become SegmentReceived calls,
// read-deadline expiries become Tick calls. A fresh buffer per datagram
// hands ownership to the handler.
func (l *UDPLink) loop(handler core.SegmentHandler) {
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(l.tick)); err != nil {
			return
		}
		buf := make([]byte, segment.SegmentSize)
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				handler.Tick()
				continue
			}
			select {
			case <-l.stopCh:
			default:
				logging.Debugf("lossy: read loop exiting: %v", err)
			}
			return
		}
		// Datagrams from anyone but the configured peer are dropped.
		if !addr.IP.Equal(l.remote.IP) || addr.Port != l.remote.Port {
			continue
		}
		handler.SegmentReceived(buf[:n])
	}
}
