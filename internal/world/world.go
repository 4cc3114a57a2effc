package world

import (
	"log/slog"
	"sync"

	"github.com/modelrail/mcp2515-sim/internal/logging"
)

// SwitchDir is a turnout position.
type SwitchDir int

const (
	Straight SwitchDir = iota
	Curve
)

func (d SwitchDir) String() string {
	if d == Straight {
		return "straight"
	}
	return "curve"
}

// Sensor is one occupancy detector.
type Sensor struct {
	ID uint32
}

// Train is a read-only handle onto one simulated train.
type Train interface {
	TriggeredSensors() []Sensor
}

// Controller is the narrow contract the dispatcher and poller consume.
// Implementations are the downstream simulation; all operations are
// synchronous. Speed is on the simulator's 0..14 scale.
type Controller interface {
	Stop()
	Go()
	Halt()
	SetTrainSpeed(trainID uint32, speed uint8, light bool)
	ReverseTrain(trainID uint32)
	SetSwitch(switchID uint32, dir SwitchDir)
	Trains() []Train
}

// World is a small in-memory Controller so the simulator runs stand-alone.
// Sensor occupancy is settable from outside the CS3 path via SetSensor.
type World struct {
	mu       sync.Mutex
	running  bool
	trains   map[uint32]*train
	switches map[uint32]SwitchDir
	logger   *slog.Logger
}

type train struct {
	w       *World
	id      uint32
	speed   uint8
	light   bool
	forward bool
	sensors map[uint32]bool
}

func New() *World {
	return &World{
		trains:   make(map[uint32]*train),
		switches: make(map[uint32]SwitchDir),
		logger:   logging.L(),
	}
}

// AddTrain registers a train; a second call with the same id is a no-op.
func (w *World) AddTrain(id uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.trains[id]; !ok {
		w.trains[id] = &train{w: w, id: id, forward: true, sensors: make(map[uint32]bool)}
	}
}

func (w *World) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.logger.Info("world_stop")
}

func (w *World) Go() {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	w.logger.Info("world_go")
}

// Halt cuts power and zeroes every train's speed.
func (w *World) Halt() {
	w.mu.Lock()
	w.running = false
	for _, t := range w.trains {
		t.speed = 0
	}
	w.mu.Unlock()
	w.logger.Info("world_halt")
}

func (w *World) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *World) SetTrainSpeed(trainID uint32, speed uint8, light bool) {
	if speed > 14 {
		speed = 14
	}
	w.mu.Lock()
	t := w.ensureTrainLocked(trainID)
	t.speed = speed
	t.light = light
	w.mu.Unlock()
	w.logger.Debug("train_speed", "train", trainID, "speed", speed, "light", light)
}

func (w *World) ReverseTrain(trainID uint32) {
	w.mu.Lock()
	t := w.ensureTrainLocked(trainID)
	t.forward = !t.forward
	w.mu.Unlock()
	w.logger.Debug("train_reverse", "train", trainID)
}

func (w *World) SetSwitch(switchID uint32, dir SwitchDir) {
	w.mu.Lock()
	w.switches[switchID] = dir
	w.mu.Unlock()
	w.logger.Debug("switch_set", "switch", switchID, "dir", dir.String())
}

// Switch returns the last commanded position (Straight if never set).
func (w *World) Switch(switchID uint32) SwitchDir {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.switches[switchID]
}

// TrainState reports speed, direction and light of one train.
func (w *World) TrainState(trainID uint32) (speed uint8, forward, light bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.trains[trainID]
	if !ok {
		return 0, true, false
	}
	return t.speed, t.forward, t.light
}

// SetSensor marks a sensor as triggered or released by the given train.
func (w *World) SetSensor(trainID, sensorID uint32, on bool) {
	w.mu.Lock()
	t := w.ensureTrainLocked(trainID)
	if on {
		t.sensors[sensorID] = true
	} else {
		delete(t.sensors, sensorID)
	}
	w.mu.Unlock()
}

func (w *World) Trains() []Train {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Train, 0, len(w.trains))
	for _, t := range w.trains {
		out = append(out, t)
	}
	return out
}

func (w *World) ensureTrainLocked(id uint32) *train {
	t, ok := w.trains[id]
	if !ok {
		t = &train{w: w, id: id, forward: true, sensors: make(map[uint32]bool)}
		w.trains[id] = t
	}
	return t
}

func (t *train) TriggeredSensors() []Sensor {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	out := make([]Sensor, 0, len(t.sensors))
	for id := range t.sensors {
		out = append(out, Sensor{ID: id})
	}
	return out
}
