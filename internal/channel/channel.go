// Package channel implements the Reliable Channel: a full-duplex,
// frame-oriented, sliding-window protocol over an abstract Transport, with
// retransmission, CRC integrity (via internal/wire), handshake, heartbeats,
// and file streaming.
//
// Structurally grounded on internal/server/server.go (a struct holding
// mutex-guarded fields, atomic counters, a shutdown that closes everything
// and joins the workers). The channel is configured through a plain Config
// struct; there are no functional options, no Ready()/Errors() channels, and
// shutdown waits for the workers without a timeout. Field-level
// session/window data model grounded on the non-namespaced
// original_source/Protocol/ReliableChannel.h.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/haldor-dev/portlink/internal/logging"
	"github.com/haldor-dev/portlink/internal/metrics"
	"github.com/haldor-dev/portlink/internal/transport"
	"github.com/haldor-dev/portlink/internal/wire"
)

// sendItem is one application-queued chunk awaiting a sequence number.
// notify, set only on the last chunk of a given Send call, is closed once
// that chunk has been assigned a sequence and written to the transport —
// the "accepted into the send pipeline" completion spec.md §4.4.1 requires,
// which is distinct from acknowledgment.
type sendItem struct {
	payload []byte
	notify  chan struct{}
}

// Channel is one Reliable Channel session. Zero value is not usable; build
// one with New and bind it to a transport with Initialize.
type Channel struct {
	cfg    Config
	logger *slog.Logger
	stats  stats

	transport transport.Transport
	codec     *wire.Codec
	decoder   *wire.Decoder // owned exclusively by the receive worker

	// state_mutex: session state, handshake/session bookkeeping.
	stateMu      sync.Mutex
	stateCond    *sync.Cond
	state        State
	sessionID    uint16
	handshakeSeq uint16
	handshakeAck bool
	endAcked     bool
	lastErrMu    sync.Mutex
	lastErr      error

	// send_mutex: send window, send_base, send_next, application send
	// queue, and the RTO estimator. Statistics are atomics (see stats.go)
	// and need no lock.
	sendMu     sync.Mutex
	sendCond   *sync.Cond
	sendWindow []sendSlot
	sendBase   uint16
	sendNext   uint16
	sendQueue  []sendItem
	rto        *rtoEstimator

	// receive_mutex: receive window, receive_next, application receive
	// queue.
	recvMu        sync.Mutex
	recvCond      *sync.Cond
	receiveWindow []recvSlot
	receiveNext   uint16
	deliverQueue  [][]byte

	// Heartbeat/liveness bookkeeping, small enough for its own lock.
	hbMu         sync.Mutex
	heartbeatSeq uint16
	lastActivity time.Time

	// File-transfer bookkeeping for ReceiveFile's START interception and
	// SendFile's END-ACK wait. File START/END frames carry their own
	// sequence space (fileSeqCounter) and their own ACK signal
	// (fileEndWaiting/fileEndSeq/fileEndAcked), kept independent of the
	// handshake/session-teardown sequence and state so a file transfer
	// never perturbs session lifecycle (spec.md §4.4.7).
	fileMu           sync.Mutex
	fileCond         *sync.Cond
	pendingFileName  string
	pendingFileSize  uint64
	pendingFileReady bool
	endReceived      bool
	fileSeqCounter   uint16
	fileEndWaiting   bool
	fileEndSeq       uint16
	fileEndAcked     bool

	rxBuf chan []byte // transport data-received callback hands off here

	closing   chan struct{}
	closeOnce sync.Once
	workersWG sync.WaitGroup

	initialized bool
}

// New constructs a Channel with the given config, applying Validate.
func New(cfg Config) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Channel{
		cfg:    cfg,
		logger: logging.L(),
		state:  StateIdle,
	}
	c.stateCond = sync.NewCond(&c.stateMu)
	c.sendCond = sync.NewCond(&c.sendMu)
	c.recvCond = sync.NewCond(&c.recvMu)
	c.fileCond = sync.NewCond(&c.fileMu)
	c.rto = newRTOEstimator(time.Duration(cfg.TimeoutBaseMs)*time.Millisecond, time.Duration(cfg.TimeoutMaxMs)*time.Millisecond)
	c.stats.currentRTOMs.Store(cfg.TimeoutBaseMs)
	return c, nil
}

// Initialize binds the channel to a transport: installs the data-received
// callback, allocates windows and codec, and starts the four workers. The
// workers idle until Connect drives the handshake.
func (c *Channel) Initialize(t transport.Transport) error {
	c.stateMu.Lock()
	if c.initialized {
		c.stateMu.Unlock()
		return ErrAlreadyOpen
	}
	c.initialized = true
	c.stateMu.Unlock()

	c.transport = t
	c.codec = wire.NewCodec(c.cfg.MaxPayloadSize)
	c.decoder = wire.NewDecoder(c.codec)
	c.sendWindow = make([]sendSlot, c.cfg.WindowSize)
	c.receiveWindow = make([]recvSlot, c.cfg.WindowSize)
	c.rxBuf = make(chan []byte, 256)
	c.closing = make(chan struct{})

	t.SetDataReceived(func(p []byte) {
		// Must be cheap: hand off to the receive worker, never block the
		// transport's internal callback thread (spec.md §4.4.2).
		select {
		case c.rxBuf <- p:
		case <-c.closing:
		}
	})
	t.SetErrorCallback(func(err error) {
		c.logger.Warn("transport_error", "error", err)
		metrics.IncError(metrics.ErrTransportRead)
		c.fail(fmt.Errorf("%w: %v", ErrPeerGone, err))
	})

	if err := t.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	c.workersWG.Add(4)
	go c.receiveWorker()
	go c.sendWorker()
	go c.heartbeatWorker()
	go c.retransmitWorker()

	metrics.SetSessionsActive(1)
	c.logger.Info("channel_initialized", "window_size", c.cfg.WindowSize, "max_payload", c.cfg.MaxPayloadSize)
	return nil
}

// Connect performs the handshake of spec.md §4.4.4 and returns once both
// sides reach ESTABLISHED, or false on timeout/failure. Calling Connect
// again on an ESTABLISHED channel is idempotent.
func (c *Channel) Connect(ctx context.Context) bool {
	c.stateMu.Lock()
	if c.state == StateEstablished {
		c.stateMu.Unlock()
		return true
	}
	if c.state != StateIdle {
		c.stateMu.Unlock()
		return false
	}
	c.state = StateHandshaking
	if c.cfg.Initiator {
		c.sessionID = uint16(rand.Uint32())
		c.handshakeSeq = uint16(rand.Uint32())
	}
	seq := c.handshakeSeq
	sessionID := c.sessionID
	initiator := c.cfg.Initiator
	c.stateMu.Unlock()

	if initiator {
		frame := c.codec.Encode(wire.KindStart, seq, wire.EncodeStartMetadata(wire.StartMetadata{
			Version:   c.cfg.Version,
			SessionID: sessionID,
		}))
		if err := c.transport.Write(frame); err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrPeerGone, err))
			return false
		}
	}

	timeout := time.Duration(c.cfg.TimeoutMaxMs) * time.Millisecond
	c.stateMu.Lock()
	ok := waitCondTimeout(c.stateCond, timeout, func() bool {
		return c.state == StateEstablished || c.state == StateFailed
	})
	established := c.state == StateEstablished
	c.stateMu.Unlock()
	if !ok || !established {
		c.fail(ErrTimeout)
		metrics.IncTimeouts()
		return false
	}
	c.logger.Info("handshake_ok", "session_id", sessionID, "initiator", initiator)
	return true
}

// Disconnect sends END, waits for its ACK up to timeout_max, then tears
// down all workers. Safe to call more than once.
func (c *Channel) Disconnect(ctx context.Context) bool {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return true
	}
	if c.state == StateEstablished {
		c.state = StateClosing
	}
	endSeq := c.handshakeSeq + 1
	c.stateMu.Unlock()

	ok := true
	if c.transport != nil {
		frame := c.codec.Encode(wire.KindEnd, endSeq, nil)
		if err := c.transport.Write(frame); err != nil {
			ok = false
		} else {
			timeout := time.Duration(c.cfg.TimeoutMaxMs) * time.Millisecond
			c.stateMu.Lock()
			waitCondTimeout(c.stateCond, timeout, func() bool { return c.endAcked })
			c.stateMu.Unlock()
		}
	}

	c.shutdown()
	return ok
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.stateMu.Lock()
		c.state = StateClosed
		c.stateCond.Broadcast()
		c.stateMu.Unlock()
		c.sendMu.Lock()
		c.sendCond.Broadcast()
		c.sendMu.Unlock()
		c.recvMu.Lock()
		c.recvCond.Broadcast()
		c.recvMu.Unlock()
		c.fileMu.Lock()
		c.fileCond.Broadcast()
		c.fileMu.Unlock()
		if c.transport != nil {
			_ = c.transport.Close()
		}
		c.workersWG.Wait()
		metrics.SetSessionsActive(-1)
		c.logger.Info("channel_closed")
	})
}

// fail transitions the channel to FAILED, records the error, and wakes all
// condition variables so pending operations return failure (spec.md §5's
// cancellation/failure propagation).
func (c *Channel) fail(err error) {
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()
	metrics.IncError(mapErrToMetric(err))

	c.stateMu.Lock()
	already := c.state == StateFailed || c.state == StateClosed
	if !already {
		c.state = StateFailed
	}
	c.stateCond.Broadcast()
	c.stateMu.Unlock()
	if already {
		return
	}
	c.sendMu.Lock()
	c.sendCond.Broadcast()
	c.sendMu.Unlock()
	c.recvMu.Lock()
	c.recvCond.Broadcast()
	c.recvMu.Unlock()
	c.logger.Error("channel_failed", "error", err)
	go c.shutdown()
}

// LastError returns the most recently recorded fatal error, if any.
func (c *Channel) LastError() error {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

// State reports the current session lifecycle state.
func (c *Channel) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// GetStats returns a snapshot of the monotonic counters.
func (c *Channel) GetStats() Stats {
	snap := c.stats.snapshot()
	snap.SmoothedRTTMs = c.rto.smoothedRTTMs()
	snap.CurrentRTOMs = c.rto.currentRTOMs()
	return snap
}

// ResetStats zeroes the cumulative counters without disturbing the live RTT/RTO estimate.
func (c *Channel) ResetStats() { c.stats.reset() }

// Send splits payload into ≤ MaxPayloadSize DATA frames, assigns each a
// sequence number, and blocks until all of them have been accepted into the
// send window and written to the transport (not necessarily acknowledged).
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	if c.State() != StateEstablished {
		return ErrNotConnected
	}
	chunks := splitChunks(payload, c.cfg.MaxPayloadSize)
	if len(chunks) == 0 {
		chunks = [][]byte{{}} // preserve empty-payload DATA frames (spec.md §8 boundary case)
	}
	notify := make(chan struct{})
	c.sendMu.Lock()
	for i, chunk := range chunks {
		item := sendItem{payload: chunk}
		if i == len(chunks)-1 {
			item.notify = notify
		}
		c.sendQueue = append(c.sendQueue, item)
	}
	c.sendCond.Broadcast()
	c.sendMu.Unlock()

	select {
	case <-notify:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	case <-c.closing:
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrPeerGone
	}
}

// Receive delivers the next in-order payload, blocking up to timeout.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.recvMu.Lock()
	ok := waitCondTimeout(c.recvCond, timeout, func() bool {
		return len(c.deliverQueue) > 0 || c.channelDone()
	})
	if !ok {
		c.recvMu.Unlock()
		return nil, ErrTimeout
	}
	if len(c.deliverQueue) == 0 {
		c.recvMu.Unlock()
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, ErrPeerGone
	}
	payload := c.deliverQueue[0]
	c.deliverQueue = c.deliverQueue[1:]
	c.recvMu.Unlock()
	return payload, nil
}

func (c *Channel) channelDone() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func splitChunks(payload []byte, max int) [][]byte {
	if max <= 0 {
		max = wire.DefaultMaxPayload
	}
	if len(payload) == 0 {
		return nil
	}
	var out [][]byte
	for off := 0; off < len(payload); off += max {
		end := off + max
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-off)
		copy(chunk, payload[off:end])
		out = append(out, chunk)
	}
	return out
}

// waitCondTimeout waits on cond (whose lock must already be held) until
// pred() is true or timeout elapses, returning whether pred() held.
// Grounded in the teacher's general preference for explicit timeout loops
// over busy-waiting; translates spec.md §5's condition-variable suspension
// points into a bounded wait usable from application-facing calls.
func waitCondTimeout(cond *sync.Cond, timeout time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	deadline := time.Now().Add(timeout)
	for !pred() {
		if !time.Now().Before(deadline) {
			return false
		}
		cond.Wait()
	}
	return true
}
