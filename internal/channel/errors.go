package channel

import (
	"errors"

	"github.com/haldor-dev/portlink/internal/metrics"
)

// Sentinel errors, wrapped with %w at call sites and classified with
// errors.Is, following internal/server/errors.go's ErrListen/ErrAccept style.
var (
	ErrNotConnected = errors.New("channel: not connected")
	ErrWindowFull   = errors.New("channel: send window full")
	ErrPeerGone     = errors.New("channel: peer gone")
	ErrTimeout      = errors.New("channel: timeout")
	ErrCancelled    = errors.New("channel: cancelled")
	ErrProtocol     = errors.New("channel: protocol error")
	ErrConfig       = errors.New("channel: invalid config")
	ErrAlreadyOpen  = errors.New("channel: already initialized")
	ErrNotInit      = errors.New("channel: not initialized")
)

// mapErrToMetric classifies an error into a bounded Prometheus label value.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return metrics.ErrTimeoutLabel
	case errors.Is(err, ErrCancelled):
		return metrics.ErrCancelled
	case errors.Is(err, ErrConfig), errors.Is(err, ErrAlreadyOpen), errors.Is(err, ErrNotInit):
		return metrics.ErrConfig
	case errors.Is(err, ErrPeerGone), errors.Is(err, ErrNotConnected):
		return metrics.ErrPeerGone
	case errors.Is(err, ErrProtocol):
		return metrics.ErrProtocol
	default:
		return metrics.ErrTransportWrite
	}
}
