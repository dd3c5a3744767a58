// Package loopback implements an in-process, fault-injecting Transport pair
// for exercising the reliable channel without real hardware. Two endpoints
// are wired together with NewPair; bytes written to one endpoint are
// delivered to the other's data-received callback after a simulated delay,
// subject to configurable packet loss and corruption rates.
//
// Grounded on original_source/Transport/LoopbackTransport.h's queue +
// worker-thread design (ShouldSimulateError/ShouldSimulatePacketLoss,
// SetErrorRate/SetPacketLossRate) and the teacher's internal/serial/txwriter.go
// goroutine-funnel idiom (AsyncTx wrapped with Hooks).
package loopback

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/haldor-dev/portlink/internal/logging"
	"github.com/haldor-dev/portlink/internal/metrics"
	"github.com/haldor-dev/portlink/internal/transport"
)

// ErrTxOverflow is returned by Write when the outbound queue is full.
var ErrTxOverflow = errors.New("loopback tx overflow")

// ErrNotOpen is returned by Write when the transport is not in the Open state.
var ErrNotOpen = errors.New("loopback transport not open")

// Config controls the fault-injection behavior of a Loopback endpoint.
type Config struct {
	DelayMs          uint32 // base one-way delivery delay
	EnableJitter     bool   // gate on JitterMaxMs; off by default per spec.md §4.2
	JitterMaxMs      uint32 // uniform jitter added on top of DelayMs, [0, JitterMaxMs], only if EnableJitter
	LossRatePercent  uint32 // 0-100: probability a chunk is silently dropped
	ErrorRatePercent uint32 // 0-100: probability a chunk is corrupted before delivery
	MaxQueueSize     int    // outbound queue depth before Write starts returning ErrTxOverflow
}

// DefaultConfig matches the original's LoopbackConfig defaults: jitter is
// off (spec.md §4.2's jitter_max_ms default is 0), though its magnitude if
// enabled defaults to 5ms, matching original_source/Transport/LoopbackTransport.h.
func DefaultConfig() Config {
	return Config{
		DelayMs:          10,
		EnableJitter:     false,
		JitterMaxMs:      5,
		LossRatePercent:  0,
		ErrorRatePercent: 0,
		MaxQueueSize:     10000,
	}
}

// Loopback is one endpoint of a paired in-process Transport.
type Loopback struct {
	cfg Config

	mu          sync.Mutex
	state       transport.State
	onData      func([]byte)
	onErr       func(error)
	peer        *Loopback
	ctx         context.Context
	cancel      context.CancelFunc
	tx          *transport.AsyncTx
	rounds      uint64
	simLosses   uint64
	simErrors   uint64
}

// NewPair constructs two Loopback endpoints wired to each other. Each
// endpoint uses its own Config for the faults it injects on its own
// outbound path.
func NewPair(cfgA, cfgB Config) (*Loopback, *Loopback) {
	a := &Loopback{cfg: cfgA, state: transport.StateClosed}
	b := &Loopback{cfg: cfgB, state: transport.StateClosed}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) SetDataReceived(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onData = fn
}

func (l *Loopback) SetErrorCallback(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onErr = fn
}

func (l *Loopback) State() transport.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loopback) setState(s transport.State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Open transitions Closed -> Opening -> Open and starts the asynchronous
// delivery worker. Both endpoints of a pair must be opened independently.
func (l *Loopback) Open() error {
	l.mu.Lock()
	if l.state == transport.StateOpen || l.state == transport.StateOpening {
		l.mu.Unlock()
		return nil
	}
	l.state = transport.StateOpening
	ctx, cancel := context.WithCancel(context.Background())
	l.ctx = ctx
	l.cancel = cancel
	l.mu.Unlock()

	send := l.deliverToPeer
	queueSize := l.cfg.MaxQueueSize
	if queueSize <= 0 {
		queueSize = 10000
	}
	tx := transport.NewAsyncTx(ctx, queueSize, send, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrTransportWrite)
			logging.L().Error("loopback_deliver_error", "error", err)
		},
		OnAfter: func(n int) { metrics.AddBytesSent(n) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTransportWrite)
			return ErrTxOverflow
		},
	})
	l.mu.Lock()
	l.tx = tx
	l.state = transport.StateOpen
	l.mu.Unlock()
	return nil
}

// Close transitions to Closing then Closed and stops the delivery worker.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.state == transport.StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = transport.StateClosing
	tx := l.tx
	cancel := l.cancel
	l.mu.Unlock()

	if tx != nil {
		tx.Close()
	}
	if cancel != nil {
		cancel()
	}
	l.setState(transport.StateClosed)
	return nil
}

// Write enqueues p for asynchronous, fault-injected delivery to the peer.
func (l *Loopback) Write(p []byte) error {
	l.mu.Lock()
	if l.state != transport.StateOpen {
		l.mu.Unlock()
		return ErrNotOpen
	}
	tx := l.tx
	l.mu.Unlock()

	cp := make([]byte, len(p))
	copy(cp, p)
	return tx.SendChunk(cp)
}

// deliverToPeer runs on the AsyncTx worker goroutine: it sleeps for the
// configured delay/jitter, drops the chunk if this endpoint was closed in
// the meantime, rolls the loss and corruption dice, then invokes the peer's
// data-received callback.
func (l *Loopback) deliverToPeer(p []byte) error {
	l.mu.Lock()
	peer := l.peer
	cfg := l.cfg
	l.mu.Unlock()
	if peer == nil {
		return nil
	}

	l.waitDelay(cfg)

	l.mu.Lock()
	if l.state != transport.StateOpen {
		l.mu.Unlock()
		return nil
	}
	l.rounds++
	l.mu.Unlock()

	if l.shouldSimulateLoss(cfg) {
		l.mu.Lock()
		l.simLosses++
		l.mu.Unlock()
		return nil
	}
	if l.shouldSimulateError(cfg) {
		l.mu.Lock()
		l.simErrors++
		l.mu.Unlock()
		p = corrupt(p)
	}

	peer.mu.Lock()
	cb := peer.onData
	peerState := peer.state
	peer.mu.Unlock()
	if cb != nil && peerState == transport.StateOpen {
		cb(p)
	}
	return nil
}

func (l *Loopback) waitDelay(cfg Config) {
	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	if cfg.EnableJitter && cfg.JitterMaxMs > 0 {
		delay += time.Duration(rand.N(int64(cfg.JitterMaxMs)+1)) * time.Millisecond
	}
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (l *Loopback) shouldSimulateLoss(cfg Config) bool {
	if cfg.LossRatePercent == 0 {
		return false
	}
	return rand.N(uint32(100)) < cfg.LossRatePercent
}

func (l *Loopback) shouldSimulateError(cfg Config) bool {
	if cfg.ErrorRatePercent == 0 {
		return false
	}
	return rand.N(uint32(100)) < cfg.ErrorRatePercent
}

// corrupt flips a single pseudo-random bit, simulating a bit-error on the wire.
func corrupt(p []byte) []byte {
	if len(p) == 0 {
		return p
	}
	out := make([]byte, len(p))
	copy(out, p)
	idx := rand.N(len(out))
	bit := byte(1) << uint(rand.N(8))
	out[idx] ^= bit
	return out
}

// Stats is a snapshot of fault-injection counters, mirroring LoopbackStats.
type Stats struct {
	Rounds           uint64
	SimulatedLosses  uint64
	SimulatedErrors  uint64
}

func (l *Loopback) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Rounds: l.rounds, SimulatedLosses: l.simLosses, SimulatedErrors: l.simErrors}
}

// SetConfig updates the fault-injection configuration in place (e.g. for
// tests that ramp loss/error rates mid-run).
func (l *Loopback) SetConfig(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

var _ transport.Transport = (*Loopback)(nil)
