package lossy

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/irctrakz/btcp/pkg/segment"
)

// freePort reserves an ephemeral UDP port and releases it for the test to
// bind again.
func freePort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := c.LocalAddr().(*net.UDPAddr).Port
	c.Close()
	return port
}

func newUDPPair(t *testing.T) (*UDPLink, *UDPLink) {
	t.Helper()
	p1, p2 := freePort(t), freePort(t)
	addr1 := fmt.Sprintf("127.0.0.1:%d", p1)
	addr2 := fmt.Sprintf("127.0.0.1:%d", p2)

	l1, err := NewUDPLink(addr1, addr2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("link 1: %v", err)
	}
	l2, err := NewUDPLink(addr2, addr1, 10*time.Millisecond)
	if err != nil {
		l1.Destroy()
		t.Fatalf("link 2: %v", err)
	}
	t.Cleanup(func() {
		l1.Destroy()
		l2.Destroy()
	})
	return l1, l2
}

// TestUDPLinkRoundTrip tests segment delivery in both directions over
// loopback.
func TestUDPLinkRoundTrip(t *testing.T) {
	l1, l2 := newUDPPair(t)
	h1, h2 := &captureHandler{}, &captureHandler{}
	if err := l1.Start(h1); err != nil {
		t.Fatalf("start 1: %v", err)
	}
	if err := l2.Start(h2); err != nil {
		t.Fatalf("start 2: %v", err)
	}

	out := make([]byte, segment.SegmentSize)
	for i := range out {
		out[i] = byte(i)
	}
	if err := l1.SendSegment(out); err != nil {
		t.Fatalf("send: %v", err)
	}
	segs := waitForSegments(t, h2, 1)
	if !bytes.Equal(segs[0], out) {
		t.Fatal("received segment differs from sent")
	}

	back := []byte("reply")
	if err := l2.SendSegment(back); err != nil {
		t.Fatalf("reply: %v", err)
	}
	segs = waitForSegments(t, h1, 1)
	if !bytes.Equal(segs[0], back) {
		t.Fatal("reply differs from sent")
	}
}

// TestUDPLinkTicksWhenIdle tests that read-deadline expiries become Tick
// calls.
func TestUDPLinkTicksWhenIdle(t *testing.T) {
	l1, _ := newUDPPair(t)
	h := &captureHandler{}
	if err := l1.Start(h); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.tickCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d ticks observed", h.tickCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestUDPLinkFiltersForeignSender tests that datagrams from any source but
// the configured peer are dropped.
func TestUDPLinkFiltersForeignSender(t *testing.T) {
	l1, _ := newUDPPair(t)
	h := &captureHandler{}
	if err := l1.Start(h); err != nil {
		t.Fatalf("start: %v", err)
	}

	stranger, err := net.Dial("udp", l1.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stranger.Close()
	if _, err := stranger.Write([]byte("not for you")); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(h.segments()); got != 0 {
		t.Errorf("handler received %d segments from a foreign sender", got)
	}
}

// TestUDPLinkDestroy tests idempotent destruction and that the socket is
// really gone afterwards.
func TestUDPLinkDestroy(t *testing.T) {
	l1, _ := newUDPPair(t)
	if err := l1.Start(&captureHandler{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l1.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := l1.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if err := l1.SendSegment([]byte("late")); err == nil {
		t.Error("send on a destroyed link should fail")
	}
}

// TestUDPLinkStartTwice tests that a second start is rejected.
func TestUDPLinkStartTwice(t *testing.T) {
	l1, _ := newUDPPair(t)
	if err := l1.Start(&captureHandler{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l1.Start(&captureHandler{}); err == nil {
		t.Fatal("second start should fail")
	}
}
