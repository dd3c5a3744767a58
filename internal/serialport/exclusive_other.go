//go:build !linux

package serialport

// exclusiveOpenGuard is a no-op on platforms other than Linux; tarm/serial's
// own open semantics already provide exclusive access on Windows.
func exclusiveOpenGuard(name string) error { return nil }
