package channel

import "time"

// seqDistance returns (s - base) mod 65536, the wraparound-aware distance
// spec.md §4.4.3 defines window membership in terms of.
func seqDistance(s, base uint16) uint16 { return s - base }

// inWindow reports whether s lies in [base, base+w) under 16-bit wraparound.
func inWindow(s, base, w uint16) bool { return seqDistance(s, base) < w }

// sendSlot is one entry in the send window — spec.md §3's Send-Window Slot,
// grounded on original_source/Protocol/ReliableChannel.h's Packet/WindowSlot
// pair (sequence, payload copy, first-send timestamp, retry count,
// acknowledged flag), flattened into one struct since Go has no WindowSlot
// indirection need.
type sendSlot struct {
	inUse        bool
	sequence     uint16
	payload      []byte
	firstSent    time.Time
	lastSent     time.Time
	retryCount   uint16
	acknowledged bool
	// effectiveTimeout is the adaptive-backoff interval from spec.md §4.4.5,
	// measured from lastSent: after each retransmission it becomes
	// min(current*2, timeoutMax).
	effectiveTimeout time.Duration
}

// recvSlot is one entry in the receive window — spec.md §3's Receive-Window
// Slot, buffered out-of-order payload awaiting in-order delivery.
type recvSlot struct {
	inUse   bool
	payload []byte
}
