package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// Dialer opens one connection to a VM chardev endpoint.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// TCPDialer connects to a chardev exposed as a TCP socket.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// SerialDialer connects to a chardev exposed as a pty / serial device.
func SerialDialer(dev string, baud int, readTimeout time.Duration) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{Name: dev, Baud: baud, ReadTimeout: readTimeout})
	}
}

// connect dials with exponential backoff until success or context cancel.
func connect(ctx context.Context, dial Dialer) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until cancelled
	bo.MaxInterval = 5 * time.Second
	err := backoff.Retry(func() error {
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}
