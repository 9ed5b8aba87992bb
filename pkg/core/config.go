package core

import "time"

// TransportConfig contains the protocol parameters of one bTCP endpoint.
// Window and timeout are the configuration surface the protocol exposes;
// the remaining knobs have sane defaults and rarely need touching.
type TransportConfig struct {
	// WindowSize is the flow-control window in segments. It bounds the
	// client's in-flight segments and the server's delivery queue.
	WindowSize int `json:"window_size" yaml:"windowSize"`

	// TimeoutMS is the base retransmission timeout in milliseconds.
	TimeoutMS int `json:"timeout_ms" yaml:"timeoutMS"`

	// MaxRetries bounds retransmission attempts per segment. Exceeding it
	// fails the connection instead of retrying forever.
	MaxRetries int `json:"max_retries" yaml:"maxRetries"`

	// TickIntervalMS is the lossy layer's idle interval before it calls
	// the engine's Tick callback, in milliseconds.
	TickIntervalMS int `json:"tick_interval_ms" yaml:"tickIntervalMS"`

	// RecvBatch caps how many queued payloads a single recv call drains.
	RecvBatch int `json:"recv_batch" yaml:"recvBatch"`
}

// NetworkConfig contains the datagram substrate addressing. bTCP serves a
// single peer, so both ends are fixed up front.
type NetworkConfig struct {
	// LocalAddr is the UDP host:port to bind.
	LocalAddr string `json:"local_addr" yaml:"localAddr"`

	// RemoteAddr is the peer's UDP host:port.
	RemoteAddr string `json:"remote_addr" yaml:"remoteAddr"`
}

// DefaultTransportConfig returns the default protocol parameters.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		WindowSize:     100,
		TimeoutMS:      100,
		MaxRetries:     10,
		TickIntervalMS: 100,
		RecvBatch:      25,
	}
}

// Timeout returns the base retransmission timeout as a duration.
func (c TransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TickInterval returns the lossy layer idle interval as a duration.
func (c TransportConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// HandshakeBudget is the total time a blocking connect/accept/shutdown call
// may wait before reporting failure: the full retry schedule plus slack for
// the final exchange to land.
func (c TransportConfig) HandshakeBudget() time.Duration {
	return time.Duration(c.MaxRetries+2) * c.Timeout() * 2
}
