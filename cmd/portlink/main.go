package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/haldor-dev/portlink/internal/channel"
	"github.com/haldor-dev/portlink/internal/metrics"
	"github.com/haldor-dev/portlink/internal/nettransport"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, transport_init.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("portlink %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	tr, err := initTransport(cfg, l)
	if err != nil {
		l.Error("transport_init_error", "error", err)
		return
	}

	chCfg := channel.DefaultConfig()
	chCfg.WindowSize = uint16(cfg.windowSize)
	chCfg.MaxRetries = uint16(cfg.maxRetries)
	chCfg.TimeoutBaseMs = uint32(cfg.timeoutBaseMs)
	chCfg.TimeoutMaxMs = uint32(cfg.timeoutMaxMs)
	chCfg.HeartbeatIntervalMs = uint32(cfg.heartbeatMs)
	chCfg.MaxPayloadSize = cfg.maxPayloadSize
	chCfg.Initiator = cfg.initiator

	ch, err := channel.New(chCfg)
	if err != nil {
		l.Error("channel_config_error", "error", err)
		return
	}

	if err := ch.Initialize(tr); err != nil {
		l.Error("channel_init_error", "error", err)
		return
	}

	metrics.SetReadinessFunc(func() bool { return ch.State() == channel.StateEstablished })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	startStatsLogger(ctx, cfg.logMetricsEvery, ch, l, &wg)

	var mdnsCleanup func()
	if netTr, ok := tr.(*nettransport.Net); ok && cfg.transport == "tcp-listen" {
		cleanup, err := startMDNS(ctx, cfg, netTr.BoundAddr())
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			mdnsCleanup = cleanup
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if !ch.Connect(ctx) {
		l.Error("handshake_failed", "error", ch.LastError())
		if mdnsCleanup != nil {
			mdnsCleanup()
		}
		return
	}
	l.Info("channel_established")

	switch {
	case cfg.sendFile != "":
		runSendFile(ctx, ch, cfg, l)
	case cfg.receiveFile != "":
		runReceiveFile(ctx, ch, cfg, l)
	default:
		waitForShutdown(sigCh, l)
	}

	if !ch.Disconnect(ctx) {
		l.Warn("disconnect_incomplete", "error", ch.LastError())
	}
	if mdnsCleanup != nil {
		mdnsCleanup()
	}
	cancel()
	wg.Wait()
}

func runSendFile(ctx context.Context, ch *channel.Channel, cfg *appConfig, l *slog.Logger) {
	start := time.Now()
	progress := func(sent, total uint64) {
		l.Debug("send_file_progress", "sent", sent, "total", total)
	}
	if err := ch.SendFile(ctx, cfg.sendFile, progress); err != nil {
		l.Error("send_file_failed", "path", cfg.sendFile, "error", err)
		return
	}
	l.Info("send_file_complete", "path", cfg.sendFile, "elapsed", time.Since(start).String())
}

func runReceiveFile(ctx context.Context, ch *channel.Channel, cfg *appConfig, l *slog.Logger) {
	start := time.Now()
	progress := func(received, total uint64) {
		l.Debug("receive_file_progress", "received", received, "total", total)
	}
	timeout := time.Duration(cfg.timeoutMaxMs) * time.Millisecond
	if err := ch.ReceiveFile(ctx, cfg.receiveFile, timeout, progress); err != nil {
		l.Error("receive_file_failed", "path", cfg.receiveFile, "error", err)
		return
	}
	l.Info("receive_file_complete", "path", cfg.receiveFile, "elapsed", time.Since(start).String())
}

func waitForShutdown(sigCh <-chan os.Signal, l *slog.Logger) {
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
}
