// Package nettransport implements a Transport over a TCP net.Conn, either by
// dialing out or by listening and accepting one inbound connection. It does
// no protocol framing — the reliable channel above it owns wire.Codec.
//
// Grounded on internal/server/server.go's accept loop and TCP tuning
// (SetNoDelay/SetKeepAlive) and on internal/cnl/handshake.go's
// read/write-with-deadline pattern, here used only for the accept deadline
// in ModeListen. There is no connect-time liveness probe: the byte stream is
// handed to the reliable channel as soon as the connection is established.
package nettransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/haldor-dev/portlink/internal/logging"
	"github.com/haldor-dev/portlink/internal/metrics"
	"github.com/haldor-dev/portlink/internal/transport"
)

// ErrTxOverflow is returned by Write when the outbound queue is full.
var ErrTxOverflow = errors.New("nettransport tx overflow")

// ErrNotOpen is returned by Write when the transport is not in the Open state.
var ErrNotOpen = errors.New("nettransport not open")

// ErrAccept wraps listener accept failures.
var ErrAccept = errors.New("nettransport accept failed")

// ErrDial wraps dial failures.
var ErrDial = errors.New("nettransport dial failed")

// Mode selects whether Open dials out or accepts one inbound connection.
type Mode int

const (
	ModeDial Mode = iota
	ModeListen
)

// Config configures a Net transport.
type Config struct {
	Mode          Mode
	Addr          string // dial target or listen address
	DialTimeout   time.Duration
	AcceptTimeout time.Duration // 0 = wait indefinitely for one inbound connection
	TxQueueSize   int           // default 256
}

// Net is a Transport backed by a TCP connection.
type Net struct {
	cfg Config

	mu       sync.Mutex
	state    transport.State
	onData   func([]byte)
	onErr    func(error)
	conn     net.Conn
	listener net.Listener
	tx       *transport.AsyncTx
	ctx      context.Context
	cancel   context.CancelFunc
	rxDone   chan struct{}

	// BoundAddr is set after a ModeListen Open accepts its listener socket,
	// before a peer connects; useful for mDNS advertisement.
	boundAddr string
}

// New constructs a Net transport in the given mode.
func New(cfg Config) *Net {
	return &Net{cfg: cfg, state: transport.StateClosed}
}

func (n *Net) SetDataReceived(fn func([]byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onData = fn
}

func (n *Net) SetErrorCallback(fn func(error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onErr = fn
}

func (n *Net) State() transport.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Net) setState(s transport.State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// BoundAddr reports the listener's bound address after a ModeListen Open,
// or "" if not applicable yet.
func (n *Net) BoundAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.boundAddr
}

// Open dials out (ModeDial) or listens and accepts one connection
// (ModeListen), then starts the async writer and the read loop.
func (n *Net) Open() error {
	n.mu.Lock()
	if n.state == transport.StateOpen || n.state == transport.StateOpening {
		n.mu.Unlock()
		return nil
	}
	n.state = transport.StateOpening
	n.mu.Unlock()

	conn, err := n.establish()
	if err != nil {
		n.setState(transport.StateError)
		n.notifyErr(err)
		return err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := n.cfg.TxQueueSize
	if queue <= 0 {
		queue = 256
	}
	tx := transport.NewAsyncTx(ctx, queue, func(p []byte) error {
		_, err := conn.Write(p)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrTransportWrite)
			logging.L().Error("nettransport_write_error", "error", err)
			n.notifyErr(err)
		},
		OnAfter: func(sz int) { metrics.AddBytesSent(sz) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTransportWrite)
			return ErrTxOverflow
		},
	})

	n.mu.Lock()
	n.conn = conn
	n.tx = tx
	n.ctx = ctx
	n.cancel = cancel
	n.rxDone = make(chan struct{})
	n.state = transport.StateOpen
	n.mu.Unlock()

	go n.readLoop(ctx, conn, n.rxDone)
	logging.L().Info("nettransport_open", "addr", conn.RemoteAddr().String())
	return nil
}

func (n *Net) establish() (net.Conn, error) {
	switch n.cfg.Mode {
	case ModeDial:
		d := net.Dialer{Timeout: n.cfg.DialTimeout}
		conn, err := d.Dial("tcp", n.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDial, err)
		}
		return conn, nil
	case ModeListen:
		ln, err := net.Listen("tcp", n.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccept, err)
		}
		n.mu.Lock()
		n.listener = ln
		n.boundAddr = ln.Addr().String()
		n.mu.Unlock()
		if n.cfg.AcceptTimeout > 0 {
			if tl, ok := ln.(*net.TCPListener); ok {
				_ = tl.SetDeadline(time.Now().Add(n.cfg.AcceptTimeout))
			}
		}
		conn, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccept, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("nettransport: unknown mode %d", n.cfg.Mode)
	}
}

func (n *Net) readLoop(ctx context.Context, conn net.Conn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		nRead, err := conn.Read(buf)
		if nRead > 0 {
			chunk := make([]byte, nRead)
			copy(chunk, buf[:nRead])
			metrics.AddBytesReceived(nRead)
			n.mu.Lock()
			cb := n.onData
			n.mu.Unlock()
			if cb != nil {
				cb(chunk)
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			metrics.IncError(metrics.ErrTransportRead)
			n.notifyErr(err)
			return
		}
	}
}

func (n *Net) notifyErr(err error) {
	n.mu.Lock()
	cb := n.onErr
	n.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Write enqueues p for asynchronous transmission on the connection.
func (n *Net) Write(p []byte) error {
	n.mu.Lock()
	if n.state != transport.StateOpen {
		n.mu.Unlock()
		return ErrNotOpen
	}
	tx := n.tx
	n.mu.Unlock()

	cp := make([]byte, len(p))
	copy(cp, p)
	return tx.SendChunk(cp)
}

// Close stops the writer, cancels the read loop, and closes the connection.
func (n *Net) Close() error {
	n.mu.Lock()
	if n.state == transport.StateClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = transport.StateClosing
	tx := n.tx
	cancel := n.cancel
	conn := n.conn
	ln := n.listener
	done := n.rxDone
	n.mu.Unlock()

	if tx != nil {
		tx.Close()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	if done != nil {
		<-done
	}
	n.setState(transport.StateClosed)
	return err
}

var _ transport.Transport = (*Net)(nil)
