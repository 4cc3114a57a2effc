package cs3

import (
	"encoding/binary"
	"log/slog"
	"math"

	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/logging"
	"github.com/modelrail/mcp2515-sim/internal/metrics"
	"github.com/modelrail/mcp2515-sim/internal/world"
)

// CS3 command codes. The 8-bit command rides in the low 7 bits of the
// standard id plus the top bit (bit 17) of the extended id.
const (
	CmdSystem    = 0x00
	CmdSpeed     = 0x04
	CmdDirection = 0x05
	CmdLight     = 0x06
	CmdSwitch    = 0x0B
	CmdSensor    = 0x11
)

// SYSTEM sub-commands carried in data[4].
const (
	sysStop = 0
	sysGo   = 1
	sysHalt = 2
)

// Switch ids on the wire are offset into the accessory range.
const switchIDBase = 0x3000

// CS3 switch positions in data[4].
const (
	posCurved   = 0
	posStraight = 1
)

// DecodeCommand extracts the CS3 command code from a frame.
func DecodeCommand(f can.Frame) byte {
	return byte(f.ID<<1)&0xFE | byte(f.EID>>17)&0x01
}

// MakeAck builds the acknowledgement for a frame: an exact copy with the
// response marker set. DLC and data are preserved.
func MakeAck(f can.Frame) can.Frame {
	f.EID |= can.ResponseBit
	return f
}

// SpeedToSim maps a CS3 speed (0..1000) onto the simulator's 0..14 scale.
func SpeedToSim(cs3 int) uint8 {
	if cs3 <= 0 {
		return 0
	}
	if cs3 >= 1000 {
		return 14
	}
	return uint8(math.Round(float64(cs3) * 14 / 1000))
}

// DecodeSwitchID maps a wire-encoded accessory id to a simulator switch id.
func DecodeSwitchID(encoded uint32) uint32 { return encoded - switchIDBase + 1 }

// Result is one dispatch outcome: frames to emit immediately and frames the
// consumer should emit after a delay. Only SWITCH populates Delayed, with a
// second identical acknowledgement.
type Result struct {
	Immediate []can.Frame
	Delayed   []can.Frame
}

// Dispatcher interprets decoded CAN frames as CS3 commands against a
// controller. It remembers the last commanded light flag per train because
// CS3 transmits light independently of speed while the controller takes
// both in one call. Fire-and-forget: controller failures never propagate.
type Dispatcher struct {
	ctrl   world.Controller
	lights map[uint32]bool
	logger *slog.Logger
}

func NewDispatcher(ctrl world.Controller) *Dispatcher {
	return &Dispatcher{
		ctrl:   ctrl,
		lights: make(map[uint32]bool),
		logger: logging.L(),
	}
}

// Dispatch interprets one frame and returns the frames to feed back into
// the RX path. Every command is acknowledged, recognized or not.
func (d *Dispatcher) Dispatch(f can.Frame) Result {
	ack := MakeAck(f)
	res := Result{Immediate: []can.Frame{ack}}
	cmd := DecodeCommand(f)

	switch cmd {
	case CmdSystem:
		d.handleSystem(f)
	case CmdSpeed:
		d.handleSpeed(f)
	case CmdDirection:
		if id, ok := trainID(f); ok {
			d.ctrl.ReverseTrain(id)
		}
	case CmdLight:
		if id, ok := trainID(f); ok && f.DLC >= 6 {
			d.lights[id] = f.Data[5] != 0
		}
	case CmdSwitch:
		d.handleSwitch(f)
		res.Delayed = []can.Frame{ack}
	default:
		d.logger.Warn("unknown_cs3_command", "command", cmd, "frame", f.String())
	}

	for range res.Immediate {
		metrics.IncAck()
	}
	for range res.Delayed {
		metrics.IncAck()
	}
	return res
}

// trainID reads the big-endian 32-bit train id from data[0..4].
func trainID(f can.Frame) (uint32, bool) {
	if f.DLC < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(f.Data[0:4]), true
}

func (d *Dispatcher) handleSystem(f can.Frame) {
	if f.DLC < 5 {
		d.logger.Debug("system_command_short", "dlc", f.DLC)
		return
	}
	switch f.Data[4] {
	case sysStop:
		d.ctrl.Stop()
	case sysGo:
		d.ctrl.Go()
	case sysHalt:
		d.ctrl.Halt()
	default:
		d.logger.Warn("unknown_system_subcommand", "sub", f.Data[4])
	}
}

func (d *Dispatcher) handleSpeed(f can.Frame) {
	id, ok := trainID(f)
	if !ok {
		// DLC 1..3 cannot carry a train id; treat as malformed and only ack.
		if f.DLC > 0 {
			metrics.IncMalformed()
			d.logger.Debug("speed_command_short", "dlc", f.DLC)
		}
		return
	}
	if f.DLC < 6 {
		// DLC 4 is a speed query; DLC 5 lacks the full speed field.
		if f.DLC == 5 {
			metrics.IncMalformed()
			d.logger.Debug("speed_field_truncated", "train", id)
		}
		return
	}
	cs3 := binary.BigEndian.Uint16(f.Data[4:6])
	d.ctrl.SetTrainSpeed(id, SpeedToSim(int(cs3)), d.lights[id])
}

func (d *Dispatcher) handleSwitch(f can.Frame) {
	id, ok := trainID(f) // same big-endian 32-bit layout for the accessory id
	if !ok || f.DLC < 5 {
		d.logger.Debug("switch_command_short", "dlc", f.DLC)
		return
	}
	dir := world.Curve
	if f.Data[4] == posStraight {
		dir = world.Straight
	}
	d.ctrl.SetSwitch(DecodeSwitchID(id), dir)
}
