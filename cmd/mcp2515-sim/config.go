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
	spiAddr         string
	gpioAddr        string
	spiLink         string // tcp|serial
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	pollInterval    time.Duration
	switchAckDelay  time.Duration
	trains          string
	tapListen       string
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	spiAddr := flag.String("spi-addr", "127.0.0.1:5555", "SPI chardev TCP address (when --spi-link=tcp)")
	gpioAddr := flag.String("gpio-addr", "127.0.0.1:5556", "GPIO (interrupt line) chardev TCP address")
	spiLink := flag.String("spi-link", "tcp", "SPI chardev transport: tcp|serial")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "SPI chardev pty path (when --spi-link=serial)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	pollInterval := flag.Duration("sensor-poll-interval", 100*time.Millisecond, "Sensor poll cadence")
	switchAckDelay := flag.Duration("switch-ack-delay", 0, "Delay for the second switch ACK; 0 defers to the next RX-drain opportunity")
	trains := flag.String("trains", "1", "Comma-separated train ids pre-registered in the world")
	tapListen := flag.String("tap-listen", "", "Frame tap TCP listen address (e.g., :20000); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-tap-client hub buffer (frames)")
	hubPolicy := flag.String("hub-policy", "drop", "Tap backpressure policy: drop|kick")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous tap clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Tap client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-tap-connection read deadline")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the tap listener")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default mcp2515-sim-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.spiAddr = *spiAddr
	cfg.gpioAddr = *gpioAddr
	cfg.spiLink = *spiLink
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.pollInterval = *pollInterval
	cfg.switchAckDelay = *switchAckDelay
	cfg.trains = *trains
	cfg.tapListen = *tapListen
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.metricsAddr = *metricsAddr
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
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
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
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
	switch c.spiLink {
	case "tcp", "serial":
	default:
		return fmt.Errorf("invalid spi-link: %s", c.spiLink)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.spiLink == "tcp" && c.spiAddr == "" {
		return errors.New("spi-addr must be set for tcp link")
	}
	if c.gpioAddr == "" {
		return errors.New("gpio-addr must be set")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("sensor-poll-interval must be > 0")
	}
	if c.switchAckDelay < 0 {
		return fmt.Errorf("switch-ack-delay must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if _, err := c.trainIDs(); err != nil {
		return err
	}
	return nil
}

// trainIDs parses the comma-separated -trains list.
func (c *appConfig) trainIDs() ([]uint32, error) {
	if strings.TrimSpace(c.trains) == "" {
		return nil, nil
	}
	parts := strings.Split(c.trains, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid trains entry %q: %w", p, err)
		}
		ids = append(ids, uint32(n))
	}
	return ids, nil
}

// applyEnvOverrides maps MCP2515_SIM_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored, except for MCP2515_SIM_TAP_LISTEN and MCP2515_SIM_METRICS, where
// an empty value disables the listener. Duration accepts Go
// time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	dur := func(flagName, env string, dst *time.Duration, allowZero bool) {
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
		if d > 0 || (allowZero && d == 0) {
			*dst = d
		}
	}
	num := func(flagName, env string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(env)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
			return
		}
		if n >= min {
			*dst = n
		}
	}

	str("spi-addr", "MCP2515_SIM_SPI_ADDR", &c.spiAddr)
	str("gpio-addr", "MCP2515_SIM_GPIO_ADDR", &c.gpioAddr)
	str("spi-link", "MCP2515_SIM_SPI_LINK", &c.spiLink)
	str("serial", "MCP2515_SIM_SERIAL", &c.serialDev)
	num("baud", "MCP2515_SIM_BAUD", &c.baud, 1)
	dur("serial-read-timeout", "MCP2515_SIM_SERIAL_READ_TIMEOUT", &c.serialReadTO, false)
	dur("sensor-poll-interval", "MCP2515_SIM_SENSOR_POLL_INTERVAL", &c.pollInterval, false)
	dur("switch-ack-delay", "MCP2515_SIM_SWITCH_ACK_DELAY", &c.switchAckDelay, true)
	str("trains", "MCP2515_SIM_TRAINS", &c.trains)
	if _, ok := set["tap-listen"]; !ok {
		if v, ok := get("MCP2515_SIM_TAP_LISTEN"); ok {
			c.tapListen = v
		}
	}
	num("hub-buffer", "MCP2515_SIM_HUB_BUFFER", &c.hubBuffer, 1)
	str("hub-policy", "MCP2515_SIM_HUB_POLICY", &c.hubPolicy)
	num("max-clients", "MCP2515_SIM_MAX_CLIENTS", &c.maxClients, 0)
	dur("handshake-timeout", "MCP2515_SIM_HANDSHAKE_TIMEOUT", &c.handshakeTO, false)
	dur("client-read-timeout", "MCP2515_SIM_CLIENT_READ_TIMEOUT", &c.clientReadTO, false)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("MCP2515_SIM_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	str("log-format", "MCP2515_SIM_LOG_FORMAT", &c.logFormat)
	str("log-level", "MCP2515_SIM_LOG_LEVEL", &c.logLevel)
	dur("log-metrics-interval", "MCP2515_SIM_LOG_METRICS_INTERVAL", &c.logMetricsEvery, true)
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("MCP2515_SIM_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	str("mdns-name", "MCP2515_SIM_MDNS_NAME", &c.mdnsName)
	return firstErr
}
