// Package serialport implements a Transport over a real serial device using
// github.com/tarm/serial. It does no protocol framing itself — the reliable
// channel above it owns wire.Codec/Decoder — it only shuttles raw bytes.
//
// Grounded on internal/serial/port.go's Open(name, baud, readTimeout)
// wrapper and internal/serial/txwriter.go's AsyncTx-backed writer, both
// generalized from CAN-frame encoding to byte passthrough.
package serialport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/haldor-dev/portlink/internal/logging"
	"github.com/haldor-dev/portlink/internal/metrics"
	"github.com/haldor-dev/portlink/internal/transport"
)

// ErrTxOverflow is returned by Write when the outbound queue is full.
var ErrTxOverflow = errors.New("serialport tx overflow")

// ErrNotOpen is returned by Write when the transport is not in the Open state.
var ErrNotOpen = errors.New("serialport transport not open")

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Config configures the serial device.
type Config struct {
	Name        string        // e.g. "COM3" or "/dev/ttyUSB0"
	Baud        int
	ReadTimeout time.Duration
	TxQueueSize int // AsyncTx buffered channel depth, default 256
}

// Serial is a Transport backed by a real serial port.
type Serial struct {
	cfg Config

	mu     sync.Mutex
	state  transport.State
	onData func([]byte)
	onErr  func(error)

	port   Port
	tx     *transport.AsyncTx
	ctx    context.Context
	cancel context.CancelFunc
	rxDone chan struct{}

	openFunc func(Config) (Port, error)
}

// New constructs a Serial transport. openFunc is overridable for tests;
// nil selects the real tarm/serial-backed opener.
func New(cfg Config, openFunc func(Config) (Port, error)) *Serial {
	if openFunc == nil {
		openFunc = defaultOpen
	}
	return &Serial{cfg: cfg, state: transport.StateClosed, openFunc: openFunc}
}

func defaultOpen(cfg Config) (Port, error) {
	sc := &serial.Config{Name: cfg.Name, Baud: cfg.Baud, ReadTimeout: cfg.ReadTimeout}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, err
	}
	if err := exclusiveOpenGuard(cfg.Name); err != nil {
		logging.L().Warn("serialport_exclusive_guard_failed", "name", cfg.Name, "error", err)
	}
	return p, nil
}

func (s *Serial) SetDataReceived(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
}

func (s *Serial) SetErrorCallback(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onErr = fn
}

func (s *Serial) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Serial) setState(st transport.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Open opens the serial device, starts the async writer and the read loop.
func (s *Serial) Open() error {
	s.mu.Lock()
	if s.state == transport.StateOpen || s.state == transport.StateOpening {
		s.mu.Unlock()
		return nil
	}
	s.state = transport.StateOpening
	s.mu.Unlock()

	port, err := s.openFunc(s.cfg)
	if err != nil {
		s.setState(transport.StateError)
		s.notifyErr(err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := s.cfg.TxQueueSize
	if queue <= 0 {
		queue = 256
	}
	tx := transport.NewAsyncTx(ctx, queue, func(p []byte) error {
		_, err := port.Write(p)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrTransportWrite)
			logging.L().Error("serialport_write_error", "error", err)
			s.notifyErr(err)
		},
		OnAfter: func(n int) { metrics.AddBytesSent(n) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTransportWrite)
			return ErrTxOverflow
		},
	})

	s.mu.Lock()
	s.port = port
	s.tx = tx
	s.ctx = ctx
	s.cancel = cancel
	s.rxDone = make(chan struct{})
	s.state = transport.StateOpen
	s.mu.Unlock()

	go s.readLoop(ctx, port, s.rxDone)
	return nil
}

func (s *Serial) readLoop(ctx context.Context, port Port, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			metrics.AddBytesReceived(n)
			s.mu.Lock()
			cb := s.onData
			s.mu.Unlock()
			if cb != nil {
				cb(chunk)
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			metrics.IncError(metrics.ErrTransportRead)
			s.notifyErr(err)
		}
	}
}

func (s *Serial) notifyErr(err error) {
	s.mu.Lock()
	cb := s.onErr
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Write enqueues p for asynchronous transmission on the device.
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	if s.state != transport.StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	tx := s.tx
	s.mu.Unlock()

	cp := make([]byte, len(p))
	copy(cp, p)
	return tx.SendChunk(cp)
}

// Close stops the writer, cancels the read loop, and closes the device.
func (s *Serial) Close() error {
	s.mu.Lock()
	if s.state == transport.StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = transport.StateClosing
	tx := s.tx
	cancel := s.cancel
	port := s.port
	done := s.rxDone
	s.mu.Unlock()

	if tx != nil {
		tx.Close()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if port != nil {
		err = port.Close()
	}
	if done != nil {
		<-done
	}
	s.setState(transport.StateClosed)
	return err
}

var _ transport.Transport = (*Serial)(nil)
