package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	// Set env overrides
	os.Setenv("MCP2515_SIM_BAUD", "230400")
	os.Setenv("MCP2515_SIM_SPI_ADDR", "10.0.0.1:7000")
	os.Setenv("MCP2515_SIM_MDNS_ENABLE", "true")
	os.Setenv("MCP2515_SIM_SENSOR_POLL_INTERVAL", "250ms")
	os.Setenv("MCP2515_SIM_SWITCH_ACK_DELAY", "20ms")
	os.Setenv("MCP2515_SIM_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("MCP2515_SIM_BAUD")
		os.Unsetenv("MCP2515_SIM_SPI_ADDR")
		os.Unsetenv("MCP2515_SIM_MDNS_ENABLE")
		os.Unsetenv("MCP2515_SIM_SENSOR_POLL_INTERVAL")
		os.Unsetenv("MCP2515_SIM_SWITCH_ACK_DELAY")
		os.Unsetenv("MCP2515_SIM_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if base.spiAddr != "10.0.0.1:7000" {
		t.Fatalf("expected spiAddr override, got %s", base.spiAddr)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.pollInterval != 250*time.Millisecond {
		t.Fatalf("expected pollInterval 250ms got %v", base.pollInterval)
	}
	if base.switchAckDelay != 20*time.Millisecond {
		t.Fatalf("expected switchAckDelay 20ms got %v", base.switchAckDelay)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("MCP2515_SIM_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("MCP2515_SIM_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{hubBuffer: 512}
	os.Setenv("MCP2515_SIM_HUB_BUFFER", "notint")
	t.Cleanup(func() { os.Unsetenv("MCP2515_SIM_HUB_BUFFER") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := &appConfig{pollInterval: 100 * time.Millisecond}
	os.Setenv("MCP2515_SIM_SENSOR_POLL_INTERVAL", "soon")
	t.Cleanup(func() { os.Unsetenv("MCP2515_SIM_SENSOR_POLL_INTERVAL") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
	if base.pollInterval != 100*time.Millisecond {
		t.Fatalf("pollInterval mutated on bad env: %v", base.pollInterval)
	}
}
