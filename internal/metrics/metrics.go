// Package metrics exposes Prometheus counters/gauges for the reliable
// channel's statistics block plus a cheap local mirror of the same counters
// (Snap). cmd/portlink's periodic stats logger reads the channel's own
// GetStats, not this mirror.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/haldor-dev/portlink/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portlink_packets_sent_total",
		Help: "Total DATA frames written to the transport on first transmission.",
	})
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portlink_packets_received_total",
		Help: "Total frames successfully decoded from the transport.",
	})
	PacketsRetransmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portlink_packets_retransmitted_total",
		Help: "Total DATA frames reissued by the retransmit driver or a NAK.",
	})
	PacketsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portlink_packets_invalid_total",
		Help: "Total frames rejected by the codec (CRC/magic/length mismatch).",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portlink_bytes_sent_total",
		Help: "Total application payload bytes accepted by Send.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portlink_bytes_received_total",
		Help: "Total application payload bytes delivered to Receive.",
	})
	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portlink_timeouts_total",
		Help: "Total retransmission/handshake/liveness timeouts observed.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portlink_errors_total",
		Help: "Error counters by subsystem/kind.",
	}, []string{"where"})
	SmoothedRTTMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portlink_srtt_milliseconds",
		Help: "Current smoothed round-trip-time estimate.",
	})
	CurrentRTOMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portlink_rto_milliseconds",
		Help: "Current retransmission timeout.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portlink_sessions_active",
		Help: "Number of channels initialized and not yet shut down.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portlink_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable values to bound cardinality).
const (
	ErrTransportWrite = "transport_write"
	ErrTransportRead  = "transport_read"
	ErrHandshake      = "handshake"
	ErrProtocol       = "protocol"
	ErrTimeoutLabel   = "timeout"
	ErrCancelled      = "cancelled"
	ErrConfig         = "config"
	ErrPeerGone       = "peer_gone"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to snapshot for slog-based logging.
var (
	localPacketsSent     uint64
	localPacketsReceived uint64
	localPacketsRetrans  uint64
	localPacketsInvalid  uint64
	localBytesSent       uint64
	localBytesReceived   uint64
	localTimeouts        uint64
	localErrors          uint64
	localSessionsActive  int64
	localSRTTMs          uint64
	localRTOMs           uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsRetransmitted uint64
	PacketsInvalid       uint64
	BytesSent            uint64
	BytesReceived        uint64
	Timeouts             uint64
	Errors               uint64
	SessionsActive       int64
	SmoothedRTTMs        uint64
	CurrentRTOMs         uint64
}

func Snap() Snapshot {
	return Snapshot{
		PacketsSent:          atomic.LoadUint64(&localPacketsSent),
		PacketsReceived:      atomic.LoadUint64(&localPacketsReceived),
		PacketsRetransmitted: atomic.LoadUint64(&localPacketsRetrans),
		PacketsInvalid:       atomic.LoadUint64(&localPacketsInvalid),
		BytesSent:            atomic.LoadUint64(&localBytesSent),
		BytesReceived:        atomic.LoadUint64(&localBytesReceived),
		Timeouts:             atomic.LoadUint64(&localTimeouts),
		Errors:               atomic.LoadUint64(&localErrors),
		SessionsActive:       atomic.LoadInt64(&localSessionsActive),
		SmoothedRTTMs:        atomic.LoadUint64(&localSRTTMs),
		CurrentRTOMs:         atomic.LoadUint64(&localRTOMs),
	}
}

func IncPacketsSent() {
	PacketsSent.Inc()
	atomic.AddUint64(&localPacketsSent, 1)
}

func IncPacketsReceived() {
	PacketsReceived.Inc()
	atomic.AddUint64(&localPacketsReceived, 1)
}

func IncPacketsRetransmitted() {
	PacketsRetransmitted.Inc()
	atomic.AddUint64(&localPacketsRetrans, 1)
}

func IncPacketsInvalid() {
	PacketsInvalid.Inc()
	atomic.AddUint64(&localPacketsInvalid, 1)
}

func AddBytesSent(n int) {
	BytesSent.Add(float64(n))
	atomic.AddUint64(&localBytesSent, uint64(n))
}

func AddBytesReceived(n int) {
	BytesReceived.Add(float64(n))
	atomic.AddUint64(&localBytesReceived, uint64(n))
}

func IncTimeouts() {
	Timeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetSessionsActive(delta int64) {
	n := atomic.AddInt64(&localSessionsActive, delta)
	SessionsActive.Set(float64(n))
}

func SetSRTT(ms uint32) {
	SmoothedRTTMs.Set(float64(ms))
	atomic.StoreUint64(&localSRTTMs, uint64(ms))
}

func SetRTO(ms uint32) {
	CurrentRTOMs.Set(float64(ms))
	atomic.StoreUint64(&localRTOMs, uint64(ms))
}

// InitBuildInfo sets the build info gauge and pre-registers error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTransportWrite, ErrTransportRead, ErrHandshake,
		ErrProtocol, ErrTimeoutLabel, ErrCancelled, ErrConfig, ErrPeerGone,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
