package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/modelrail/mcp2515-sim/internal/logging"
	"github.com/modelrail/mcp2515-sim/internal/metrics"
)

// Stepper is the byte-granular SPI engine surface the link drives: one
// response byte per input byte.
type Stepper interface {
	StepByte(tx byte) byte
}

// SPILink ferries the full-duplex SPI byte stream between the VM chardev
// and the engine. It reconnects with backoff when the link drops.
type SPILink struct {
	dial      Dialer
	stepper   Stepper
	connected atomic.Bool
	logger    *slog.Logger
}

func NewSPILink(dial Dialer, st Stepper) *SPILink {
	return &SPILink{dial: dial, stepper: st, logger: logging.L()}
}

// Connected reports whether the link currently holds an open connection.
func (l *SPILink) Connected() bool { return l.connected.Load() }

// Run drives the byte loop until the context is cancelled.
func (l *SPILink) Run(ctx context.Context) error {
	for {
		conn, err := connect(ctx, l.dial)
		if err != nil {
			return err // only on cancel
		}
		l.connected.Store(true)
		l.logger.Info("spi_link_open")
		l.serve(ctx, conn)
		l.connected.Store(false)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("spi_link_lost_reconnecting")
	}
}

// serve runs one connection's byte loop; returns on error or cancel.
func (l *SPILink) serve(ctx context.Context, conn io.ReadWriteCloser) {
	buf := make([]byte, 512)
	resp := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			metrics.AddSPIRx(n)
			for i := 0; i < n; i++ {
				resp[i] = l.stepper.StepByte(buf[i])
			}
			if _, werr := conn.Write(resp[:n]); werr != nil {
				metrics.IncError(metrics.ErrSPILinkWrite)
				l.logger.Warn("spi_link_write_error", "error", werr)
				return
			}
			metrics.AddSPITx(n)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			metrics.IncError(metrics.ErrSPILinkRead)
			l.logger.Warn("spi_link_read_error", "error", err)
			return
		}
		// Serial ports with a read timeout legitimately return (0, nil).
	}
}
