package channel

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/haldor-dev/portlink/internal/loopback"
)

func pairConfig(window uint16, maxRetries uint16) (Config, Config) {
	a := DefaultConfig()
	a.WindowSize = window
	a.MaxRetries = maxRetries
	a.Initiator = true
	b := a
	b.Initiator = false
	return a, b
}

func dial(t *testing.T, lossA, lossB, errA, errB uint32, window uint16) (*Channel, *Channel) {
	return dialRetries(t, lossA, lossB, errA, errB, window, DefaultConfig().MaxRetries)
}

func dialRetries(t *testing.T, lossA, lossB, errA, errB uint32, window, maxRetries uint16) (*Channel, *Channel) {
	t.Helper()
	cfgA, cfgB := pairConfig(window, maxRetries)

	lcfgA := loopback.DefaultConfig()
	lcfgA.LossRatePercent = lossA
	lcfgA.ErrorRatePercent = errA
	lcfgB := loopback.DefaultConfig()
	lcfgB.LossRatePercent = lossB
	lcfgB.ErrorRatePercent = errB

	ta, tb := loopback.NewPair(lcfgA, lcfgB)

	ca, err := New(cfgA)
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	cb, err := New(cfgB)
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	if err := ca.Initialize(ta); err != nil {
		t.Fatalf("init a: %v", err)
	}
	if err := cb.Initialize(tb); err != nil {
		t.Fatalf("init b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan bool, 2)
	go func() { done <- ca.Connect(ctx) }()
	go func() { done <- cb.Connect(ctx) }()
	ok1, ok2 := <-done, <-done
	if !ok1 || !ok2 {
		t.Fatalf("handshake failed: a=%v b=%v", ok1, ok2)
	}
	return ca, cb
}

func teardown(chs ...*Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, c := range chs {
		c.Disconnect(ctx)
	}
}

// Clean transfer: no loss, small window, whole message delivered in order.
func TestChannel_CleanTransfer(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	payload := bytes.Repeat([]byte{0x42}, 64*1024)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		chunk := 1024
		for off := 0; off < len(payload); off += chunk {
			end := off + chunk
			if end > len(payload) {
				end = len(payload)
			}
			if err := ca.Send(ctx, payload[off:end]); err != nil {
				t.Errorf("send: %v", err)
				return
			}
		}
	}()

	var got []byte
	for len(got) < len(payload) {
		p, err := cb.Receive(ctx, 3*time.Second)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		got = append(got, p...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

// Lossy link: retransmission must still deliver every byte, in order,
// exactly once.
func TestChannel_LossyLinkStillDeliversInOrder(t *testing.T) {
	ca, cb := dialRetries(t, 0, 10, 0, 0, 16, 20)
	defer teardown(ca, cb)

	total := 32 * 1024
	payload := make([]byte, total)
	rand.New(rand.NewSource(1)).Read(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		chunk := 256
		for off := 0; off < len(payload); off += chunk {
			end := off + chunk
			if end > len(payload) {
				end = len(payload)
			}
			if err := ca.Send(ctx, payload[off:end]); err != nil {
				return
			}
		}
	}()

	var got []byte
	for len(got) < len(payload) {
		p, err := cb.Receive(ctx, 10*time.Second)
		if err != nil {
			t.Fatalf("receive: %v (got %d/%d bytes)", err, len(got), len(payload))
		}
		got = append(got, p...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch under loss")
	}
}

// Sequence wraparound: send_next starting just below 65536 must roll over
// cleanly without disrupting ordering.
func TestChannel_SequenceWraparound(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	ca.SetInitialSequence(65530, 65530)
	cb.SetInitialSequence(65530, 65530)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := make([][]byte, 20)
	for i := range want {
		want[i] = []byte{byte(i)}
	}
	go func() {
		for _, p := range want {
			if err := ca.Send(ctx, p); err != nil {
				t.Errorf("send: %v", err)
				return
			}
		}
	}()

	for i := 0; i < len(want); i++ {
		got, err := cb.Receive(ctx, 5*time.Second)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if !bytes.Equal(got, want[i]) {
			t.Fatalf("out of order at %d: got %v want %v", i, got, want[i])
		}
	}
}

// Corruption: bit errors injected on the wire must be rejected by the CRC
// and recovered via retransmission rather than silently corrupting data.
func TestChannel_CorruptionRecovers(t *testing.T) {
	ca, cb := dialRetries(t, 0, 0, 5, 0, 8, 30)
	defer teardown(ca, cb)

	payload := bytes.Repeat([]byte("reliable-channel-corruption-probe"), 2048)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		chunk := 512
		for off := 0; off < len(payload); off += chunk {
			end := off + chunk
			if end > len(payload) {
				end = len(payload)
			}
			_ = ca.Send(ctx, payload[off:end])
		}
	}()

	var got []byte
	for len(got) < len(payload) {
		p, err := cb.Receive(ctx, 10*time.Second)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		got = append(got, p...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload corrupted despite CRC + retransmit")
	}
}

// Peer vanishing mid-stream must surface as a failure, not a hang.
func TestChannel_PeerVanishesMidStream(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer ca.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ca.Send(ctx, []byte("hello"))
	_, _ = cb.Receive(ctx, time.Second)

	cb.shutdown() // simulate the peer disappearing without a clean END

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ca.State() == StateFailed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("channel did not fail after peer vanished, state=%v", ca.State())
}

// Handshake timeout: a responder that never replies must fail Connect
// within timeout_max_ms rather than blocking forever.
func TestChannel_HandshakeTimeoutWithNoResponder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Initiator = true
	cfg.TimeoutMaxMs = 200
	cfg.TimeoutBaseMs = 50

	lcfg := loopback.DefaultConfig()
	lcfg.LossRatePercent = 100 // every frame this side writes vanishes
	ta, _ := loopback.NewPair(lcfg, loopback.DefaultConfig())

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Initialize(ta); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer c.shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c.Connect(ctx) {
		t.Fatalf("expected Connect to time out")
	}
	if c.State() != StateFailed {
		t.Fatalf("expected FAILED state, got %v", c.State())
	}
}

func TestChannel_InvalidConfigRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for zero window size")
	}
}

func TestChannel_SendBeforeConnectFails(t *testing.T) {
	cfg := DefaultConfig()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Send(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error sending before connect")
	}
}
