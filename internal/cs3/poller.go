package cs3

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/logging"
	"github.com/modelrail/mcp2515-sim/internal/metrics"
	"github.com/modelrail/mcp2515-sim/internal/world"
)

// DefaultPollInterval is the sensor sampling cadence when none is configured.
const DefaultPollInterval = 100 * time.Millisecond

// Injector accepts frames for delivery through the RX buffer path.
type Injector interface {
	Inject(frames ...can.Frame)
}

// Poller periodically snapshots the set of triggered sensor ids, diffs it
// against the previous snapshot and injects one sensor-event frame per
// changed sensor. Events of one tick are queued as a single batch.
type Poller struct {
	ctrl     world.Controller
	sink     Injector
	interval time.Duration

	last map[uint32]bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

func NewPoller(ctrl world.Controller, sink Injector, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		ctrl:     ctrl,
		sink:     sink,
		interval: interval,
		last:     make(map[uint32]bool),
		logger:   logging.L(),
	}
}

// Start launches the polling loop. A second Start without an intervening
// Stop is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.Poll()
			case <-ctx.Done():
				return
			}
		}
	}()
	p.logger.Info("sensor_poller_start", "interval", p.interval)
}

// Stop halts the polling loop and waits for it to exit. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("sensor_poller_stop")
}

// Poll runs one sampling pass: snapshot, diff, inject, replace snapshot.
func (p *Poller) Poll() {
	cur := make(map[uint32]bool)
	for _, t := range p.ctrl.Trains() {
		for _, s := range t.TriggeredSensors() {
			cur[s.ID] = true
		}
	}

	var events []can.Frame
	for id := range cur {
		if !p.last[id] {
			events = append(events, MakeSensorEvent(id, false, true))
		}
	}
	for id := range p.last {
		if !cur[id] {
			events = append(events, MakeSensorEvent(id, true, false))
		}
	}
	p.last = cur

	if len(events) == 0 {
		return
	}
	for range events {
		metrics.IncSensorEvent()
	}
	p.sink.Inject(events...)
}
