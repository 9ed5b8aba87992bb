package btcp

import (
	"sync"

	"github.com/irctrakz/btcp/pkg/core"
	"github.com/pkg/errors"
)

// MockLink is a scripted implementation of core.LossyLayer for testing the
// protocol engine without a real substrate. Outbound segments are recorded
// for inspection; inbound segments are injected by the test through Deliver,
// which invokes the handler synchronously, standing in for the network
// goroutine.
type MockLink struct {
	mu        sync.Mutex
	handler   core.SegmentHandler
	sent      [][]byte
	destroyed bool
}

var _ core.LossyLayer = (*MockLink)(nil)

// NewMockLink creates a new mock lossy layer.
func NewMockLink() *MockLink {
	return &MockLink{}
}

// Start registers the handler.
func (m *MockLink) Start(handler core.SegmentHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		return errors.New("mock link already started")
	}
	m.handler = handler
	return nil
}

// SendSegment records the outbound segment.
func (m *MockLink) SendSegment(seg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return errors.New("mock link destroyed")
	}
	m.sent = append(m.sent, append([]byte(nil), seg...))
	return nil
}

// Destroy marks the link destroyed. Idempotent.
func (m *MockLink) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	return nil
}

// Deliver injects an inbound segment into the handler, as the network
// goroutine would.
func (m *MockLink) Deliver(seg []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler.SegmentReceived(seg)
	}
}

// Tick drives the handler's idle callback.
func (m *MockLink) Tick() {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler.Tick()
	}
}

// SentCount returns how many segments have been recorded.
func (m *MockLink) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// SentSegment returns a copy of the i-th recorded segment.
func (m *MockLink) SentSegment(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent[i]...)
}

// Destroyed reports whether Destroy has been called.
func (m *MockLink) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
