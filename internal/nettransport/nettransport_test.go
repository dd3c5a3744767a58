package nettransport

import (
	"sync"
	"testing"
	"time"
)

func TestNet_DialListenRoundTrip(t *testing.T) {
	server := New(Config{Mode: ModeListen, Addr: "127.0.0.1:0", AcceptTimeout: 2 * time.Second})

	var mu sync.Mutex
	var serverGot []byte
	serverDone := make(chan struct{})
	server.SetDataReceived(func(p []byte) {
		mu.Lock()
		serverGot = append(serverGot, p...)
		mu.Unlock()
		close(serverDone)
	})

	openErr := make(chan error, 1)
	go func() { openErr <- server.Open() }()

	// Poll for the bound address to become available before dialing.
	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := server.BoundAddr(); a != "" {
			addr = a
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("listener never bound an address")
	}

	client := New(Config{Mode: ModeDial, Addr: addr, DialTimeout: time.Second})
	if err := client.Open(); err != nil {
		t.Fatalf("client open: %v", err)
	}
	defer client.Close()

	if err := <-openErr; err != nil {
		t.Fatalf("server open: %v", err)
	}
	defer server.Close()

	if err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive data")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(serverGot) != "ping" {
		t.Fatalf("got %q, want %q", serverGot, "ping")
	}
}

func TestNet_WriteBeforeOpenFails(t *testing.T) {
	n := New(Config{Mode: ModeDial, Addr: "127.0.0.1:1"})
	if err := n.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing before Open")
	}
}

func TestNet_DialUnreachableFails(t *testing.T) {
	n := New(Config{Mode: ModeDial, Addr: "127.0.0.1:0", DialTimeout: 200 * time.Millisecond})
	if err := n.Open(); err == nil {
		t.Fatal("expected dial error connecting to a closed port")
	}
}
