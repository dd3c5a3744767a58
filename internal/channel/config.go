package channel

import (
	"fmt"

	"github.com/haldor-dev/portlink/internal/wire"
)

// Config enumerates every knob spec.md §4.4.1 names for Initialize,
// including the reserved compression/encryption fields, which are parsed
// and stored but otherwise inert (spec.md §9).
type Config struct {
	Version             uint8
	WindowSize          uint16
	MaxRetries          uint16
	TimeoutBaseMs       uint32
	TimeoutMaxMs        uint32
	HeartbeatIntervalMs uint32
	MaxPayloadSize      int

	// Reserved, unimplemented per spec.md §9's Open Questions resolution.
	EnableCompression bool
	EnableEncryption  bool
	EncryptionKey     string

	// Initiator selects which side of the handshake sends the first START
	// frame on Connect. The responder still calls Connect; it simply waits
	// for the peer's START instead of sending one.
	Initiator bool
}

// rtoFloorMs is the implementation floor spec.md §4.4.5 allows tuning
// timeout_base_ms down to but never below.
const rtoFloorMs = 50

// DefaultConfig matches spec.md §3/§4.4.1's stated defaults.
func DefaultConfig() Config {
	return Config{
		Version:             1,
		WindowSize:          4,
		MaxRetries:          3,
		TimeoutBaseMs:       500,
		TimeoutMaxMs:        2000,
		HeartbeatIntervalMs: 1000,
		MaxPayloadSize:      wire.DefaultMaxPayload,
	}
}

// Validate enforces the bounds spec.md §7 names as ConfigError conditions.
func (c Config) Validate() error {
	if c.WindowSize < 1 || c.WindowSize > 256 {
		return fmt.Errorf("%w: window_size %d out of [1,256]", ErrConfig, c.WindowSize)
	}
	if c.MaxPayloadSize < 1 || c.MaxPayloadSize > wire.MaxPayloadCeiling {
		return fmt.Errorf("%w: max_payload_size %d out of [1,%d]", ErrConfig, c.MaxPayloadSize, wire.MaxPayloadCeiling)
	}
	if c.TimeoutBaseMs == 0 {
		return fmt.Errorf("%w: timeout_base_ms must be > 0", ErrConfig)
	}
	if c.TimeoutMaxMs < c.TimeoutBaseMs {
		return fmt.Errorf("%w: timeout_max_ms %d < timeout_base_ms %d", ErrConfig, c.TimeoutMaxMs, c.TimeoutBaseMs)
	}
	if c.HeartbeatIntervalMs == 0 {
		return fmt.Errorf("%w: heartbeat_interval_ms must be > 0", ErrConfig)
	}
	return nil
}
