package transport

import (
	"context"
	"io"
	"log/slog"

	"github.com/modelrail/mcp2515-sim/internal/logging"
	"github.com/modelrail/mcp2515-sim/internal/metrics"
)

// Interrupt line levels on the GPIO chardev wire. The INT pin is active
// low: asserted maps to '0'.
const (
	levelLow  = '0'
	levelHigh = '1'
)

// GPIOLink drives the simulated interrupt pin over the VM's GPIO chardev.
// Edge reports funnel through a single writer goroutine; only the latest
// level matters, so a pending stale level is replaced rather than queued.
type GPIOLink struct {
	dial   Dialer
	levels chan byte
	last   byte
	logger *slog.Logger
}

func NewGPIOLink(dial Dialer) *GPIOLink {
	return &GPIOLink{
		dial:   dial,
		levels: make(chan byte, 1),
		last:   levelHigh,
		logger: logging.L(),
	}
}

// IntChanged implements the engine's interrupt sink. Non-blocking: the
// byte-step loop must never stall behind a wedged GPIO connection.
func (l *GPIOLink) IntChanged(asserted bool) {
	lv := byte(levelHigh)
	if asserted {
		lv = levelLow
	}
	for {
		select {
		case l.levels <- lv:
			return
		default:
			// Drop the stale pending level; latest wins.
			select {
			case <-l.levels:
			default:
			}
		}
	}
}

// Run writes level changes until the context is cancelled, reconnecting
// with backoff on write failure.
func (l *GPIOLink) Run(ctx context.Context) error {
	for {
		conn, err := connect(ctx, l.dial)
		if err != nil {
			return err // only on cancel
		}
		l.logger.Info("gpio_link_open")
		// Re-announce the current level after a reconnect.
		if _, err := conn.Write([]byte{l.last}); err != nil {
			_ = conn.Close()
			continue
		}
		l.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("gpio_link_lost_reconnecting")
	}
}

func (l *GPIOLink) serve(ctx context.Context, conn io.Writer) {
	for {
		select {
		case lv := <-l.levels:
			l.last = lv
			if _, err := conn.Write([]byte{lv}); err != nil {
				metrics.IncError(metrics.ErrGPIOWrite)
				l.logger.Warn("gpio_write_error", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
