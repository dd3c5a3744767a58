package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haldor-dev/portlink/internal/channel"
)

// startStatsLogger periodically logs the channel's statistics block, for
// deployments without a Prometheus scraper.
func startStatsLogger(ctx context.Context, interval time.Duration, ch *channel.Channel, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s := ch.GetStats()
				l.Info("channel_stats",
					"state", ch.State().String(),
					"packets_sent", s.PacketsSent,
					"packets_received", s.PacketsReceived,
					"packets_retransmitted", s.PacketsRetransmitted,
					"packets_invalid", s.PacketsInvalid,
					"bytes_sent", s.BytesSent,
					"bytes_received", s.BytesReceived,
					"timeouts", s.Timeouts,
					"errors", s.Errors,
					"srtt_ms", s.SmoothedRTTMs,
					"rto_ms", s.CurrentRTOMs,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
