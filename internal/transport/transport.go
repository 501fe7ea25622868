// Package transport defines the pluggable duplex-channel boundary between the
// relay core and whatever carries the bytes. The core only ever sees Conn;
// presence and call logic never depend on a concrete transport.
package transport

// Conn is one physical duplex channel to a single device.
type Conn interface {
	// ID returns the opaque connection id generated at accept time.
	ID() string

	// Send queues data for delivery. It must not block: a saturated
	// receiver gets model.ErrSendBufferFull instead of stalling the
	// caller's fan-out loop.
	Send(data []byte) error

	// Close tears the channel down. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
