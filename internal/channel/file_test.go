package channel

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size) + 1)).Read(data)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func runFileTransfer(t *testing.T, sender, receiver *Channel, size int) (string, string) {
	t.Helper()
	srcPath := writeTempFile(t, size)
	destPath := filepath.Join(t.TempDir(), "received.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sendErr := make(chan error, 1)
	go func() { sendErr <- sender.SendFile(ctx, srcPath, nil) }()

	if err := receiver.ReceiveFile(ctx, destPath, 10*time.Second, nil); err != nil {
		t.Fatalf("receive file: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("send file: %v", err)
	}
	return srcPath, destPath
}

func assertFilesEqual(t *testing.T, srcPath, destPath string) {
	t.Helper()
	want, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("file content mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

// A single-byte file must transfer intact, exercising the smallest possible
// non-empty body (spec.md §8's boundary cases).
func TestChannel_FileTransfer_SingleByte(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	src, dest := runFileTransfer(t, ca, cb, 1)
	assertFilesEqual(t, src, dest)
}

// A file whose size is an exact multiple of the window*payload size must
// not leave a dangling partial window unacknowledged.
func TestChannel_FileTransfer_WindowSized(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	size := 4 * ca.cfg.MaxPayloadSize
	src, dest := runFileTransfer(t, ca, cb, size)
	assertFilesEqual(t, src, dest)
}

// A file spanning many sliding windows must still arrive complete and in
// order.
func TestChannel_FileTransfer_ManyWindows(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	size := 40*ca.cfg.MaxPayloadSize + 37
	src, dest := runFileTransfer(t, ca, cb, size)
	assertFilesEqual(t, src, dest)
}

// SendFile must not return before the peer's END-ACK arrives.
func TestChannel_FileTransfer_SendFileWaitsForEndAck(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	src, dest := runFileTransfer(t, ca, cb, 2048)
	assertFilesEqual(t, src, dest)

	if ca.State() != StateEstablished {
		t.Fatalf("sender state after file transfer = %v, want ESTABLISHED", ca.State())
	}
	if cb.State() != StateEstablished {
		t.Fatalf("receiver state after file transfer = %v, want ESTABLISHED", cb.State())
	}
}

// A second file transfer on the same already-ESTABLISHED channel must not
// hang: the first transfer's END must not have driven either side toward
// CLOSING.
func TestChannel_FileTransfer_SecondTransferOnSameChannel(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	src1, dest1 := runFileTransfer(t, ca, cb, 1024)
	assertFilesEqual(t, src1, dest1)

	src2, dest2 := runFileTransfer(t, cb, ca, 2048)
	assertFilesEqual(t, src2, dest2)

	if ca.State() != StateEstablished || cb.State() != StateEstablished {
		t.Fatalf("states after two transfers: a=%v b=%v, want both ESTABLISHED", ca.State(), cb.State())
	}
}

// Plain ordinary Send/Receive traffic must still be usable after a file
// transfer completes on the same channel.
func TestChannel_FileTransfer_ThenOrdinaryTraffic(t *testing.T) {
	ca, cb := dial(t, 0, 0, 0, 0, 4)
	defer teardown(ca, cb)

	src, dest := runFileTransfer(t, ca, cb, 512)
	assertFilesEqual(t, src, dest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ca.Send(ctx, []byte("still alive")); err != nil {
		t.Fatalf("send after file transfer: %v", err)
	}
	got, err := cb.Receive(ctx, 3*time.Second)
	if err != nil {
		t.Fatalf("receive after file transfer: %v", err)
	}
	if !bytes.Equal(got, []byte("still alive")) {
		t.Fatalf("got %q after file transfer", got)
	}
}
