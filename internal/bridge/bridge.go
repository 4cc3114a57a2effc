package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/cs3"
	"github.com/modelrail/mcp2515-sim/internal/logging"
	"github.com/modelrail/mcp2515-sim/internal/mcp2515"
)

// Tap observes every frame crossing the simulator. outbound is true for
// frames the host driver transmitted, false for frames fed back into the
// RX path.
type Tap interface {
	ObserveFrame(f can.Frame, outbound bool)
}

type nopTap struct{}

func (nopTap) ObserveFrame(can.Frame, bool) {}

// Bridge couples the SPI engine with the CS3 dispatcher. It serializes
// byte-steps, poll ticks and tap injections: a byte-step runs to completion
// before any injection may execute, and vice versa.
type Bridge struct {
	mu   sync.Mutex
	eng  *mcp2515.Engine
	disp *cs3.Dispatcher

	// ackDelay > 0 schedules delayed frames on a timer; zero holds them
	// until the next RX-drain opportunity (RXB0 free, queue empty).
	ackDelay time.Duration
	pending  []can.Frame

	tap    Tap
	logger *slog.Logger
}

type Option func(*Bridge)

// WithAckDelay sets the delay applied to the second switch acknowledgement.
func WithAckDelay(d time.Duration) Option { return func(b *Bridge) { b.ackDelay = d } }

// WithTap installs a frame observer.
func WithTap(t Tap) Option {
	return func(b *Bridge) {
		if t != nil {
			b.tap = t
		}
	}
}

func New(eng *mcp2515.Engine, disp *cs3.Dispatcher, opts ...Option) *Bridge {
	b := &Bridge{
		eng:    eng,
		disp:   disp,
		tap:    nopTap{},
		logger: logging.L(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// StepByte feeds one SPI byte to the engine and returns the response byte.
// A frame surfacing from the TX buffer is dispatched and its replies are
// queued into the RX path before the next byte is accepted.
func (b *Bridge) StepByte(tx byte) byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	rx, frame := b.eng.Step(tx)
	if frame != nil {
		b.logger.Debug("tx_frame", "frame", frame.String())
		b.tap.ObserveFrame(*frame, true)
		res := b.disp.Dispatch(*frame)
		b.queueLocked(res.Immediate)
		b.scheduleDelayedLocked(res.Delayed)
	}
	b.flushPendingLocked()
	return rx
}

// Inject queues frames into the RX path; used by the sensor poller and by
// tap clients.
func (b *Bridge) Inject(frames ...can.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueLocked(frames)
}

// Engine exposes the underlying engine for register inspection in tests.
func (b *Bridge) Engine() *mcp2515.Engine { return b.eng }

func (b *Bridge) queueLocked(frames []can.Frame) {
	if len(frames) == 0 {
		return
	}
	for _, f := range frames {
		b.tap.ObserveFrame(f, false)
	}
	b.eng.QueueRX(frames...)
}

func (b *Bridge) scheduleDelayedLocked(frames []can.Frame) {
	if len(frames) == 0 {
		return
	}
	if b.ackDelay > 0 {
		fr := append([]can.Frame(nil), frames...)
		time.AfterFunc(b.ackDelay, func() { b.Inject(fr...) })
		return
	}
	b.pending = append(b.pending, frames...)
}

// flushPendingLocked releases held delayed frames once the host has fully
// drained the RX path.
func (b *Bridge) flushPendingLocked() {
	if len(b.pending) == 0 || !b.eng.RXIdle() {
		return
	}
	fr := b.pending
	b.pending = nil
	b.queueLocked(fr)
}
