package channel

import "sync/atomic"

// Stats is the read-only snapshot spec.md §4.4.1's get_stats returns.
type Stats struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsRetransmitted uint64
	PacketsInvalid       uint64
	BytesSent            uint64
	BytesReceived        uint64
	Timeouts             uint64
	Errors               uint64
	SmoothedRTTMs        uint32
	CurrentRTOMs         uint32
}

// stats holds the monotonic counters of spec.md §3 as atomics so sampling
// from GetStats never contends with the workers incrementing them.
type stats struct {
	packetsSent          atomic.Uint64
	packetsReceived      atomic.Uint64
	packetsRetransmitted atomic.Uint64
	packetsInvalid       atomic.Uint64
	bytesSent            atomic.Uint64
	bytesReceived        atomic.Uint64
	timeouts             atomic.Uint64
	errors               atomic.Uint64
	smoothedRTTMs        atomic.Uint32
	currentRTOMs         atomic.Uint32
}

func (s *stats) snapshot() Stats {
	return Stats{
		PacketsSent:          s.packetsSent.Load(),
		PacketsReceived:      s.packetsReceived.Load(),
		PacketsRetransmitted: s.packetsRetransmitted.Load(),
		PacketsInvalid:       s.packetsInvalid.Load(),
		BytesSent:            s.bytesSent.Load(),
		BytesReceived:        s.bytesReceived.Load(),
		Timeouts:             s.timeouts.Load(),
		Errors:               s.errors.Load(),
		SmoothedRTTMs:        s.smoothedRTTMs.Load(),
		CurrentRTOMs:         s.currentRTOMs.Load(),
	}
}

func (s *stats) reset() {
	s.packetsSent.Store(0)
	s.packetsReceived.Store(0)
	s.packetsRetransmitted.Store(0)
	s.packetsInvalid.Store(0)
	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)
	s.timeouts.Store(0)
	s.errors.Store(0)
	// RTT/RTO are live estimates, not cumulative counters; reset_stats
	// leaves them as-is so an in-progress session keeps its calibration.
}
