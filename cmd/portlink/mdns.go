package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType names the service portlink advertises for a tcp-listen
// endpoint, mirroring the teacher's hardcoded-service-type, fixed-domain
// mDNS style.
const mdnsServiceType = "_portlink._tcp"

// startMDNS registers a tcp-listen endpoint via mDNS and returns a cleanup
// function. Safe to call even when disabled (no-op) or when addr can't be
// split into a port.
func startMDNS(ctx context.Context, cfg *appConfig, addr string) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("mdns: cannot parse bound address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("mdns: invalid port in %q: %w", addr, err)
	}

	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("portlink-%s", host)
	}
	meta := []string{
		"transport=" + cfg.transport,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
