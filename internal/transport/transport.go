// Package transport defines the polymorphic Transport contract shared by
// every concrete carrier (loopback, serial, TCP) and a reusable asynchronous
// write funnel (AsyncTx) that each carrier wires its outbound path through.
package transport

// State is the lifecycle state of a Transport, per spec.md §4.1.
type State uint8

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is the abstract carrier a reliable channel rides on. A concrete
// implementation owns whatever underlying resource it wraps (an in-process
// queue, a serial port, a TCP socket) and delivers inbound bytes to the
// callback registered via SetDataReceived rather than exposing a Read method,
// matching the push-oriented contract of spec.md §4.1.
type Transport interface {
	// Open transitions Closed -> Opening -> Open (or -> Error on failure).
	Open() error
	// Close transitions to Closing then Closed; idempotent.
	Close() error
	// Write enqueues bytes for asynchronous transmission. Implementations
	// must not block the caller on the underlying device.
	Write(p []byte) error
	// SetDataReceived registers the callback invoked with every inbound
	// chunk. Must be called before Open.
	SetDataReceived(fn func([]byte))
	// SetErrorCallback registers the callback invoked when the transport
	// fails to open (entering the Error state) or hits a read or write
	// failure while open; the latter does not change State.
	SetErrorCallback(fn func(error))
	// State reports the current lifecycle state.
	State() State
}
