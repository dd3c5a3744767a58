package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("PORTLINK_BAUD", "230400")
	os.Setenv("PORTLINK_MDNS_ENABLE", "true")
	os.Setenv("PORTLINK_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("PORTLINK_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("PORTLINK_WINDOW_SIZE", "16")
	t.Cleanup(func() {
		os.Unsetenv("PORTLINK_BAUD")
		os.Unsetenv("PORTLINK_MDNS_ENABLE")
		os.Unsetenv("PORTLINK_SERIAL_READ_TIMEOUT")
		os.Unsetenv("PORTLINK_LOG_METRICS_INTERVAL")
		os.Unsetenv("PORTLINK_WINDOW_SIZE")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.serialBaud != 230400 {
		t.Fatalf("expected baud override, got %d", base.serialBaud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.windowSize != 16 {
		t.Fatalf("expected windowSize 16 got %d", base.windowSize)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{serialBaud: 115200}
	os.Setenv("PORTLINK_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("PORTLINK_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.serialBaud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.serialBaud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{windowSize: 4}
	os.Setenv("PORTLINK_WINDOW_SIZE", "notint")
	t.Cleanup(func() { os.Unsetenv("PORTLINK_WINDOW_SIZE") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := &appConfig{serialReadTO: 50 * time.Millisecond}
	os.Setenv("PORTLINK_SERIAL_READ_TIMEOUT", "notaduration")
	t.Cleanup(func() { os.Unsetenv("PORTLINK_SERIAL_READ_TIMEOUT") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
