package channel

import (
	"fmt"
	"time"

	"github.com/haldor-dev/portlink/internal/metrics"
	"github.com/haldor-dev/portlink/internal/wire"
)

// receiveWorker drains the transport's handed-off byte chunks, feeds the
// codec, and dispatches each completed frame. Grounded on
// internal/server/reader.go's per-connection read loop, generalized from
// one-goroutine-per-TCP-client to one-goroutine-per-channel.
func (c *Channel) receiveWorker() {
	defer c.workersWG.Done()
	for {
		select {
		case p, ok := <-c.rxBuf:
			if !ok {
				return
			}
			c.decoder.Append(p)
			for {
				f, err := c.decoder.Next()
				if f == nil && err == nil {
					break
				}
				if err != nil {
					c.stats.packetsInvalid.Add(1)
					metrics.IncPacketsInvalid()
					continue
				}
				c.stats.packetsReceived.Add(1)
				metrics.IncPacketsReceived()
				c.stats.bytesReceived.Add(uint64(len(f.Payload)))
				metrics.AddBytesReceived(len(f.Payload))
				c.dispatch(*f)
			}
		case <-c.closing:
			return
		}
	}
}

func (c *Channel) dispatch(f wire.Frame) {
	switch f.Kind {
	case wire.KindStart:
		c.handleStart(f)
	case wire.KindEnd:
		c.handleEnd(f)
	case wire.KindData:
		c.handleData(f)
	case wire.KindAck:
		c.handleAck(f)
	case wire.KindNak:
		c.handleNak(f)
	case wire.KindHeartbeat:
		c.touchActivity()
	default:
		c.stats.errors.Add(1)
		metrics.IncError(metrics.ErrProtocol)
	}
}

// handleStart processes an inbound START frame (spec.md §4.4.4): the
// responder enters ESTABLISHED and ACKs; a re-handshake in ESTABLISHED is
// idempotent (reuses the session). Real file metadata, if present, is
// stashed for ReceiveFile to pick up.
func (c *Channel) handleStart(f wire.Frame) {
	meta, err := wire.DecodeStartMetadata(f.Payload)
	if err != nil {
		c.stats.errors.Add(1)
		metrics.IncError(metrics.ErrProtocol)
		return
	}

	c.stateMu.Lock()
	switch c.state {
	case StateIdle, StateHandshaking:
		c.sessionID = meta.SessionID
		c.handshakeSeq = f.Sequence
		c.state = StateEstablished
		c.stateCond.Broadcast()
	case StateEstablished:
		// Idempotent re-handshake: session reused, no state change.
	default:
		c.stateMu.Unlock()
		return
	}
	c.stateMu.Unlock()

	if meta.FileName != "" {
		c.fileMu.Lock()
		c.pendingFileName = meta.FileName
		c.pendingFileSize = meta.FileSize
		c.pendingFileReady = true
		c.endReceived = false
		c.fileCond.Broadcast()
		c.fileMu.Unlock()
	}

	c.touchActivity()
	c.sendRawAck(f.Sequence)
}

// handleEnd processes an inbound END frame. A file-transfer END (sent by
// SendFile, marked with fileEndMarker) only closes out the pending file
// transfer and leaves session state untouched, so a second file transfer
// can follow on the same ESTABLISHED channel. A session-teardown END (sent
// by Disconnect, empty payload) transitions toward CLOSING. Both are ACKed,
// and repeated END of either kind is idempotent.
func (c *Channel) handleEnd(f wire.Frame) {
	c.touchActivity()

	if len(f.Payload) > 0 {
		c.fileMu.Lock()
		c.endReceived = true
		c.fileCond.Broadcast()
		c.fileMu.Unlock()
		c.sendRawAck(f.Sequence)
		return
	}

	c.stateMu.Lock()
	if c.state == StateEstablished {
		c.state = StateClosing
	}
	c.stateMu.Unlock()
	c.sendRawAck(f.Sequence)
}

// handleAck processes an inbound ACK. Depending on state it completes the
// handshake, completes a pending disconnect, completes a pending file-END,
// or advances the send window.
func (c *Channel) handleAck(f wire.Frame) {
	c.touchActivity()

	c.fileMu.Lock()
	if c.fileEndWaiting && f.Sequence == c.fileEndSeq {
		c.fileEndWaiting = false
		c.fileEndAcked = true
		c.fileCond.Broadcast()
		c.fileMu.Unlock()
		return
	}
	c.fileMu.Unlock()

	c.stateMu.Lock()
	switch {
	case c.state == StateHandshaking && f.Sequence == c.handshakeSeq:
		c.state = StateEstablished
		c.stateCond.Broadcast()
		c.stateMu.Unlock()
		return
	case c.state == StateClosing && f.Sequence == c.handshakeSeq+1:
		c.endAcked = true
		c.stateCond.Broadcast()
		c.stateMu.Unlock()
		return
	}
	c.stateMu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !inWindow(f.Sequence, c.sendBase, c.cfg.WindowSize) {
		return // duplicate ACK for an already-retired slot; idempotent no-op
	}
	idx := f.Sequence % c.cfg.WindowSize
	slot := &c.sendWindow[idx]
	if slot.inUse && slot.sequence == f.Sequence && !slot.acknowledged {
		slot.acknowledged = true
		if slot.retryCount == 0 {
			c.rto.sample(time.Since(slot.firstSent))
			c.stats.smoothedRTTMs.Store(c.rto.smoothedRTTMs())
			c.stats.currentRTOMs.Store(c.rto.currentRTOMs())
			metrics.SetSRTT(c.rto.smoothedRTTMs())
			metrics.SetRTO(c.rto.currentRTOMs())
		}
	}
	for {
		i := c.sendBase % c.cfg.WindowSize
		s := &c.sendWindow[i]
		if !s.inUse || !s.acknowledged || s.sequence != c.sendBase {
			break
		}
		s.inUse = false
		c.sendBase++
	}
	c.sendCond.Broadcast()
}

// handleNak fast-retransmits the named slot, bypassing the RTO.
func (c *Channel) handleNak(f wire.Frame) {
	c.touchActivity()
	c.sendMu.Lock()
	if !inWindow(f.Sequence, c.sendBase, c.cfg.WindowSize) {
		c.sendMu.Unlock()
		return
	}
	idx := f.Sequence % c.cfg.WindowSize
	slot := &c.sendWindow[idx]
	if !slot.inUse || slot.sequence != f.Sequence || slot.acknowledged {
		c.sendMu.Unlock()
		return
	}
	slot.retryCount++
	slot.lastSent = time.Now()
	payload := append([]byte(nil), slot.payload...)
	c.sendMu.Unlock()

	frame := c.codec.Encode(wire.KindData, f.Sequence, payload)
	if err := c.transport.Write(frame); err == nil {
		c.stats.packetsRetransmitted.Add(1)
		metrics.IncPacketsRetransmitted()
	}
}

// handleData implements the receive-side sliding window of spec.md §4.4.3.
func (c *Channel) handleData(f wire.Frame) {
	c.touchActivity()
	c.recvMu.Lock()

	switch {
	case f.Sequence == c.receiveNext:
		payload := append([]byte(nil), f.Payload...)
		c.deliverQueue = append(c.deliverQueue, payload)
		c.receiveNext++
		last := f.Sequence
		for {
			idx := c.receiveNext % c.cfg.WindowSize
			slot := &c.receiveWindow[idx]
			if !slot.inUse {
				break
			}
			c.deliverQueue = append(c.deliverQueue, slot.payload)
			slot.inUse = false
			last = c.receiveNext
			c.receiveNext++
		}
		c.recvCond.Broadcast()
		c.recvMu.Unlock()
		c.sendRawAck(last)

	case inWindow(f.Sequence, c.receiveNext, c.cfg.WindowSize):
		idx := f.Sequence % c.cfg.WindowSize
		slot := &c.receiveWindow[idx]
		slot.inUse = true
		slot.payload = append([]byte(nil), f.Payload...)
		ackSeq := c.receiveNext - 1
		c.recvMu.Unlock()
		c.sendRawAck(ackSeq)

	default:
		// Outside the window: below receive_next means already delivered
		// (re-ACK so the peer's missed ACK doesn't stall it forever);
		// otherwise it is too far ahead and is silently discarded.
		belowBase := seqDistance(f.Sequence, c.receiveNext) >= 32768
		c.recvMu.Unlock()
		if belowBase {
			c.sendRawAck(f.Sequence)
		}
	}
}

func (c *Channel) sendRawAck(seq uint16) {
	frame := c.codec.Encode(wire.KindAck, seq, nil)
	if err := c.transport.Write(frame); err != nil {
		metrics.IncError(metrics.ErrTransportWrite)
	}
}

func (c *Channel) touchActivity() {
	c.hbMu.Lock()
	c.lastActivity = time.Now()
	c.hbMu.Unlock()
}

// sendWorker drains the application send queue: assigns sequence numbers
// and writes DATA frames to the transport, blocking (via sendCond) while
// the window is full or the queue is empty. Grounded structurally on
// internal/server/writer.go's per-connection write loop.
func (c *Channel) sendWorker() {
	defer c.workersWG.Done()
	for {
		c.sendMu.Lock()
		for {
			if c.channelDone() {
				c.sendMu.Unlock()
				return
			}
			if len(c.sendQueue) > 0 && seqDistance(c.sendNext, c.sendBase) < c.cfg.WindowSize {
				break
			}
			c.sendCond.Wait()
		}
		item := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		seq := c.sendNext
		c.sendNext++
		idx := seq % c.cfg.WindowSize
		c.sendWindow[idx] = sendSlot{
			inUse:            true,
			sequence:         seq,
			payload:          item.payload,
			firstSent:        time.Now(),
			lastSent:         time.Now(),
			effectiveTimeout: c.rto.initial(),
		}
		c.sendMu.Unlock()

		frame := c.codec.Encode(wire.KindData, seq, item.payload)
		if err := c.transport.Write(frame); err != nil {
			c.stats.errors.Add(1)
			metrics.IncError(metrics.ErrTransportWrite)
		} else {
			c.stats.packetsSent.Add(1)
			metrics.IncPacketsSent()
			c.stats.bytesSent.Add(uint64(len(item.payload)))
			metrics.AddBytesSent(len(item.payload))
		}
		if item.notify != nil {
			close(item.notify)
		}
	}
}

// heartbeatWorker emits a HEARTBEAT frame on its own sequence counter every
// heartbeat_interval_ms, and fails the channel with PeerUnreachable if no
// frame has arrived from the peer in 3 intervals (spec.md §4.4.6).
func (c *Channel) heartbeatWorker() {
	defer c.workersWG.Done()
	interval := time.Duration(c.cfg.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			if c.State() != StateEstablished {
				continue
			}
			c.hbMu.Lock()
			last := c.lastActivity
			if last.IsZero() {
				last = time.Now()
				c.lastActivity = last
			}
			c.hbMu.Unlock()
			if time.Since(last) > 3*interval {
				c.fail(fmt.Errorf("%w: peer unreachable", ErrTimeout))
				metrics.IncTimeouts()
				continue
			}
			c.sendHeartbeat()
		}
	}
}

func (c *Channel) sendHeartbeat() {
	c.hbMu.Lock()
	c.heartbeatSeq++
	seq := c.heartbeatSeq
	c.hbMu.Unlock()
	frame := c.codec.Encode(wire.KindHeartbeat, seq, nil)
	_ = c.transport.Write(frame)
}

// retransmitWorker scans the send window every timeout_base_ms/2 and
// reissues any slot whose age exceeds its current effective timeout,
// failing the channel once a slot exhausts max_retries (spec.md §4.4.2,
// §4.4.5).
func (c *Channel) retransmitWorker() {
	defer c.workersWG.Done()
	interval := time.Duration(c.cfg.TimeoutBaseMs/2) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			c.scanRetransmits()
		}
	}
}

func (c *Channel) scanRetransmits() {
	now := time.Now()
	type resend struct {
		seq     uint16
		payload []byte
	}
	var toResend []resend
	fatal := false

	c.sendMu.Lock()
	for i := range c.sendWindow {
		slot := &c.sendWindow[i]
		if !slot.inUse || slot.acknowledged {
			continue
		}
		if now.Sub(slot.lastSent) < slot.effectiveTimeout {
			continue
		}
		if slot.retryCount >= c.cfg.MaxRetries {
			fatal = true
			break
		}
		slot.retryCount++
		slot.lastSent = now
		slot.effectiveTimeout = c.rto.backoff(slot.effectiveTimeout)
		toResend = append(toResend, resend{seq: slot.sequence, payload: append([]byte(nil), slot.payload...)})
	}
	c.sendMu.Unlock()

	if fatal {
		c.fail(fmt.Errorf("%w: max retries exceeded", ErrTimeout))
		metrics.IncTimeouts()
		return
	}
	for _, r := range toResend {
		frame := c.codec.Encode(wire.KindData, r.seq, r.payload)
		if err := c.transport.Write(frame); err == nil {
			c.stats.packetsRetransmitted.Add(1)
			metrics.IncPacketsRetransmitted()
		}
	}
}

// SetInitialSequence overrides the default zero-valued sequence counters,
// used to exercise sequence wraparound (spec.md §8's boundary behaviors).
// Must be called after Initialize and before any DATA frame has been sent
// or received; Connect does not touch these counters.
func (c *Channel) SetInitialSequence(sendNext, receiveNext uint16) {
	c.sendMu.Lock()
	c.sendNext = sendNext
	c.sendBase = sendNext
	c.sendMu.Unlock()
	c.recvMu.Lock()
	c.receiveNext = receiveNext
	c.recvMu.Unlock()
}
