package main

import (
	"fmt"
	"log/slog"

	"github.com/haldor-dev/portlink/internal/loopback"
	"github.com/haldor-dev/portlink/internal/nettransport"
	"github.com/haldor-dev/portlink/internal/serialport"
	"github.com/haldor-dev/portlink/internal/transport"
)

// initTransport selects and constructs the carrier named by cfg.transport.
// It does not Open it — that happens inside channel.Initialize.
func initTransport(cfg *appConfig, l *slog.Logger) (transport.Transport, error) {
	switch cfg.transport {
	case "loopback":
		l.Warn("loopback_transport_selected", "note", "self-contained, not connected to any peer process")
		a, _ := loopback.NewPair(loopback.DefaultConfig(), loopback.DefaultConfig())
		return a, nil
	case "serial":
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.serialBaud)
		return serialport.New(serialport.Config{
			Name:        cfg.serialDev,
			Baud:        cfg.serialBaud,
			ReadTimeout: cfg.serialReadTO,
		}, nil), nil
	case "tcp-dial":
		l.Info("tcp_dial", "addr", cfg.tcpAddr)
		return nettransport.New(nettransport.Config{
			Mode:        nettransport.ModeDial,
			Addr:        cfg.tcpAddr,
			DialTimeout: cfg.tcpDialTO,
		}), nil
	case "tcp-listen":
		l.Info("tcp_listen", "addr", cfg.tcpAddr)
		return nettransport.New(nettransport.Config{
			Mode:          nettransport.ModeListen,
			Addr:          cfg.tcpAddr,
			AcceptTimeout: cfg.tcpAcceptTO,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.transport)
	}
}
