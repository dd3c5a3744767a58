package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	transport string // loopback|serial|tcp-dial|tcp-listen

	serialDev    string
	serialBaud   int
	serialReadTO time.Duration

	tcpAddr       string
	tcpDialTO     time.Duration
	tcpAcceptTO   time.Duration

	initiator bool

	windowSize     int
	maxRetries     int
	timeoutBaseMs  int
	timeoutMaxMs   int
	heartbeatMs    int
	maxPayloadSize int

	sendFile    string
	receiveFile string

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	transport := flag.String("transport", "tcp-dial", "Transport: loopback|serial|tcp-dial|tcp-listen")

	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	serialBaud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")

	tcpAddr := flag.String("addr", "127.0.0.1:20100", "TCP address: dial target or listen bind")
	tcpDialTO := flag.Duration("dial-timeout", 5*time.Second, "TCP dial timeout (tcp-dial)")
	tcpAcceptTO := flag.Duration("accept-timeout", 0, "TCP accept timeout (tcp-listen); 0 = wait forever")

	initiator := flag.Bool("initiator", true, "Send the first START frame on Connect (the other side should run with -initiator=false)")

	windowSize := flag.Int("window-size", 4, "Sliding window size, frames")
	maxRetries := flag.Int("max-retries", 3, "Max retransmissions per frame before failing the channel")
	timeoutBaseMs := flag.Int("timeout-base-ms", 500, "Initial retransmission timeout, milliseconds")
	timeoutMaxMs := flag.Int("timeout-max-ms", 2000, "Retransmission timeout ceiling, milliseconds")
	heartbeatMs := flag.Int("heartbeat-interval-ms", 1000, "Heartbeat interval, milliseconds")
	maxPayloadSize := flag.Int("max-payload-size", 1024, "Max DATA frame payload size, bytes")

	sendFile := flag.String("send-file", "", "Send this file over the channel and exit")
	receiveFile := flag.String("receive-file", "", "Write the next incoming file transfer to this path and exit")

	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log channel statistics")

	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise a tcp-listen endpoint via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default portlink-<hostname>)")

	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.transport = *transport
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.serialReadTO = *serialReadTO
	cfg.tcpAddr = *tcpAddr
	cfg.tcpDialTO = *tcpDialTO
	cfg.tcpAcceptTO = *tcpAcceptTO
	cfg.initiator = *initiator
	cfg.windowSize = *windowSize
	cfg.maxRetries = *maxRetries
	cfg.timeoutBaseMs = *timeoutBaseMs
	cfg.timeoutMaxMs = *timeoutMaxMs
	cfg.heartbeatMs = *heartbeatMs
	cfg.maxPayloadSize = *maxPayloadSize
	cfg.sendFile = *sendFile
	cfg.receiveFile = *receiveFile
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or sockets — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.transport {
	case "loopback", "serial", "tcp-dial", "tcp-listen":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.windowSize <= 0 || c.windowSize > 256 {
		return fmt.Errorf("window-size must be in [1,256] (got %d)", c.windowSize)
	}
	if c.maxRetries < 0 {
		return fmt.Errorf("max-retries must be >= 0 (got %d)", c.maxRetries)
	}
	if c.maxPayloadSize <= 0 {
		return fmt.Errorf("max-payload-size must be > 0")
	}
	if c.timeoutBaseMs <= 0 {
		return fmt.Errorf("timeout-base-ms must be > 0")
	}
	if c.timeoutMaxMs < c.timeoutBaseMs {
		return fmt.Errorf("timeout-max-ms must be >= timeout-base-ms")
	}
	if c.heartbeatMs <= 0 {
		return fmt.Errorf("heartbeat-interval-ms must be > 0")
	}
	if c.sendFile != "" && c.receiveFile != "" {
		return fmt.Errorf("send-file and receive-file are mutually exclusive")
	}
	return nil
}

// applyEnvOverrides maps PORTLINK_* environment variables to config fields
// unless a corresponding flag was explicitly set. Flag wins over env.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setInt := func(flagName, env string, dst *int, positive bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(env)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || (positive && n <= 0) {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
			return
		}
		*dst = n
	}
	setDuration := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(env)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
			return
		}
		*dst = d
	}
	setStr := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(env)
		if !ok || v == "" {
			return
		}
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}

	setStr("transport", "PORTLINK_TRANSPORT", &c.transport)
	setStr("serial", "PORTLINK_SERIAL", &c.serialDev)
	setInt("baud", "PORTLINK_BAUD", &c.serialBaud, true)
	setDuration("serial-read-timeout", "PORTLINK_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	setStr("addr", "PORTLINK_ADDR", &c.tcpAddr)
	setDuration("dial-timeout", "PORTLINK_DIAL_TIMEOUT", &c.tcpDialTO)
	setDuration("accept-timeout", "PORTLINK_ACCEPT_TIMEOUT", &c.tcpAcceptTO)
	setBool("initiator", "PORTLINK_INITIATOR", &c.initiator)
	setInt("window-size", "PORTLINK_WINDOW_SIZE", &c.windowSize, true)
	setInt("max-retries", "PORTLINK_MAX_RETRIES", &c.maxRetries, false)
	setInt("timeout-base-ms", "PORTLINK_TIMEOUT_BASE_MS", &c.timeoutBaseMs, true)
	setInt("timeout-max-ms", "PORTLINK_TIMEOUT_MAX_MS", &c.timeoutMaxMs, true)
	setInt("heartbeat-interval-ms", "PORTLINK_HEARTBEAT_INTERVAL_MS", &c.heartbeatMs, true)
	setInt("max-payload-size", "PORTLINK_MAX_PAYLOAD_SIZE", &c.maxPayloadSize, true)
	setStr("send-file", "PORTLINK_SEND_FILE", &c.sendFile)
	setStr("receive-file", "PORTLINK_RECEIVE_FILE", &c.receiveFile)
	setStr("log-format", "PORTLINK_LOG_FORMAT", &c.logFormat)
	setStr("log-level", "PORTLINK_LOG_LEVEL", &c.logLevel)
	setStr("metrics-addr", "PORTLINK_METRICS", &c.metricsAddr)
	setDuration("log-metrics-interval", "PORTLINK_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	setBool("mdns-enable", "PORTLINK_MDNS_ENABLE", &c.mdnsEnable)
	setStr("mdns-name", "PORTLINK_MDNS_NAME", &c.mdnsName)

	return firstErr
}
