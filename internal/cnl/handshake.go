package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// tapHello is this simulator's tap protocol marker. Both ends send it and
// expect it back before any frame bytes flow; version bumps change the
// suffix.
const tapHello = "MCP2515TAPv1"

// ErrBadHello is returned when the peer identifies as something else.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake exchanges the tap hello with the peer. The marker is written
// concurrently with the read so both ends of a symmetric link can
// handshake without ordering, then both outcomes are collected under the
// deadline.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	writeErr := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, tapHello)
		writeErr <- err
	}()

	buf := make([]byte, len(tapHello))
	if _, err := io.ReadFull(c, buf); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if string(buf) != tapHello {
		return fmt.Errorf("%w: %q", ErrBadHello, buf)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("handshake write: %w", err)
		}
	}
	return nil
}
