package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrail/mcp2515-sim/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
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
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"spi_rx_bytes", snap.SPIRxBytes,
					"spi_tx_bytes", snap.SPITxBytes,
					"tx_frames", snap.TxFrames,
					"rx_injected", snap.RxInjected,
					"acks", snap.Acks,
					"sensor_events", snap.SensorEvents,
					"int_edges", snap.IntEdges,
					"malformed", snap.Malformed,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
