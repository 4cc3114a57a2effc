package cs3

import (
	"encoding/binary"
	"testing"

	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/world"
)

type speedCall struct {
	id    uint32
	speed uint8
	light bool
}

type fakeCtrl struct {
	stops, gos, halts int
	speeds            []speedCall
	reversed          []uint32
	switches          map[uint32]world.SwitchDir
	trains            []world.Train
}

func newFakeCtrl() *fakeCtrl { return &fakeCtrl{switches: make(map[uint32]world.SwitchDir)} }

func (c *fakeCtrl) Stop()  { c.stops++ }
func (c *fakeCtrl) Go()    { c.gos++ }
func (c *fakeCtrl) Halt()  { c.halts++ }
func (c *fakeCtrl) SetTrainSpeed(id uint32, speed uint8, light bool) {
	c.speeds = append(c.speeds, speedCall{id, speed, light})
}
func (c *fakeCtrl) ReverseTrain(id uint32)                 { c.reversed = append(c.reversed, id) }
func (c *fakeCtrl) SetSwitch(id uint32, d world.SwitchDir) { c.switches[id] = d }
func (c *fakeCtrl) Trains() []world.Train                  { return c.trains }

// cmdFrame builds a frame carrying the given CS3 command code.
func cmdFrame(cmd byte, dlc uint8, data ...byte) can.Frame {
	f := can.Frame{
		ID:  uint32(cmd) >> 1,
		EID: uint32(cmd&1) << 17,
		DLC: dlc,
	}
	copy(f.Data[:], data)
	return f
}

func trainFrame(cmd byte, trainID uint32, dlc uint8, rest ...byte) can.Frame {
	var data [8]byte
	binary.BigEndian.PutUint32(data[0:4], trainID)
	copy(data[4:], rest)
	return cmdFrame(cmd, dlc, data[:]...)
}

func TestDecodeCommand_RoundTrip(t *testing.T) {
	for _, cmd := range []byte{CmdSystem, CmdSpeed, CmdDirection, CmdLight, CmdSwitch, CmdSensor, 0xFF} {
		f := cmdFrame(cmd, 0)
		if got := DecodeCommand(f); got != cmd {
			t.Fatalf("command 0x%02X decoded as 0x%02X", cmd, got)
		}
		// The response marker never disturbs the command.
		if got := DecodeCommand(MakeAck(f)); got != cmd {
			t.Fatalf("ack of 0x%02X decoded as 0x%02X", cmd, got)
		}
	}
}

func TestMakeAck_PreservesPayload(t *testing.T) {
	f := trainFrame(CmdSpeed, 7, 6, 0x01, 0xF4)
	ack := MakeAck(f)
	if ack.EID&can.ResponseBit == 0 {
		t.Fatal("response bit not set")
	}
	if ack.ID != f.ID || ack.DLC != f.DLC || ack.Data != f.Data {
		t.Fatalf("ack mutated the frame: %s vs %s", ack.String(), f.String())
	}
}

func TestSpeedToSim_Boundaries(t *testing.T) {
	tests := []struct {
		in   int
		want uint8
	}{
		{0, 0}, {1000, 14}, {500, 7}, {1001, 14}, {-5, 0}, {36, 1}, {35, 0},
	}
	for _, tc := range tests {
		if got := SpeedToSim(tc.in); got != tc.want {
			t.Fatalf("SpeedToSim(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDecodeSwitchID(t *testing.T) {
	if got := DecodeSwitchID(0x3000); got != 1 {
		t.Fatalf("0x3000 -> %d, want 1", got)
	}
	if got := DecodeSwitchID(0x3009); got != 10 {
		t.Fatalf("0x3009 -> %d, want 10", got)
	}
}

func TestDispatch_System(t *testing.T) {
	ctrl := newFakeCtrl()
	d := NewDispatcher(ctrl)
	for sub, check := range map[byte]func() int{
		0: func() int { return ctrl.stops },
		1: func() int { return ctrl.gos },
		2: func() int { return ctrl.halts },
	} {
		res := d.Dispatch(cmdFrame(CmdSystem, 5, 0, 0, 0, 0, sub))
		if check() != 1 {
			t.Fatalf("sub %d not invoked", sub)
		}
		if len(res.Immediate) != 1 || len(res.Delayed) != 0 {
			t.Fatalf("sub %d: immediate=%d delayed=%d", sub, len(res.Immediate), len(res.Delayed))
		}
	}
}

func TestDispatch_SpeedSetsTrain(t *testing.T) {
	ctrl := newFakeCtrl()
	d := NewDispatcher(ctrl)
	res := d.Dispatch(trainFrame(CmdSpeed, 1, 6, 0x01, 0xF4)) // 500
	if len(ctrl.speeds) != 1 {
		t.Fatalf("speed calls = %d, want 1", len(ctrl.speeds))
	}
	if got := ctrl.speeds[0]; got != (speedCall{1, 7, false}) {
		t.Fatalf("speed call = %+v", got)
	}
	ack := res.Immediate[0]
	if ack.EID&can.ResponseBit == 0 {
		t.Fatal("speed ack missing response bit")
	}
}

func TestDispatch_SpeedUsesStoredLight(t *testing.T) {
	ctrl := newFakeCtrl()
	d := NewDispatcher(ctrl)
	d.Dispatch(trainFrame(CmdLight, 3, 6, 0, 1)) // light on, no controller call
	if len(ctrl.speeds) != 0 {
		t.Fatal("light command must not call the controller")
	}
	d.Dispatch(trainFrame(CmdSpeed, 3, 6, 0x03, 0xE8)) // 1000
	if got := ctrl.speeds[0]; got != (speedCall{3, 14, true}) {
		t.Fatalf("speed call = %+v, want light carried over", got)
	}
	d.Dispatch(trainFrame(CmdLight, 3, 6, 0, 0))
	d.Dispatch(trainFrame(CmdSpeed, 3, 6, 0x00, 0x00))
	if got := ctrl.speeds[1]; got != (speedCall{3, 0, false}) {
		t.Fatalf("speed call = %+v, want light off", got)
	}
}

func TestDispatch_SpeedQueryAndMalformed(t *testing.T) {
	ctrl := newFakeCtrl()
	d := NewDispatcher(ctrl)
	for _, dlc := range []uint8{0, 1, 2, 3, 4, 5} {
		res := d.Dispatch(trainFrame(CmdSpeed, 9, dlc, 0x01, 0xF4))
		if len(res.Immediate) != 1 {
			t.Fatalf("dlc %d: no ack", dlc)
		}
	}
	if len(ctrl.speeds) != 0 {
		t.Fatalf("short speed frames must not reach the controller: %+v", ctrl.speeds)
	}
}

func TestDispatch_Direction(t *testing.T) {
	ctrl := newFakeCtrl()
	d := NewDispatcher(ctrl)
	d.Dispatch(trainFrame(CmdDirection, 5, 4))
	if len(ctrl.reversed) != 1 || ctrl.reversed[0] != 5 {
		t.Fatalf("reversed = %v", ctrl.reversed)
	}
}

func TestDispatch_SwitchDoubleAck(t *testing.T) {
	ctrl := newFakeCtrl()
	d := NewDispatcher(ctrl)
	res := d.Dispatch(trainFrame(CmdSwitch, 0x3000, 5, posStraight))
	if got, ok := ctrl.switches[1]; !ok || got != world.Straight {
		t.Fatalf("switch 1 = %v, ok=%v", got, ok)
	}
	if len(res.Immediate) != 1 || len(res.Delayed) != 1 {
		t.Fatalf("immediate=%d delayed=%d, want 1/1", len(res.Immediate), len(res.Delayed))
	}
	if !res.Immediate[0].Equal(res.Delayed[0]) {
		t.Fatal("delayed ack must be identical to the immediate ack")
	}

	d.Dispatch(trainFrame(CmdSwitch, 0x3009, 5, posCurved))
	if got := ctrl.switches[10]; got != world.Curve {
		t.Fatalf("switch 10 = %v, want curve", got)
	}
}

func TestDispatch_UnknownCommandAcked(t *testing.T) {
	ctrl := newFakeCtrl()
	d := NewDispatcher(ctrl)
	f := cmdFrame(0x42, 2, 0xAB, 0xCD)
	res := d.Dispatch(f)
	if len(res.Immediate) != 1 || len(res.Delayed) != 0 {
		t.Fatalf("immediate=%d delayed=%d", len(res.Immediate), len(res.Delayed))
	}
	want := MakeAck(f)
	if !res.Immediate[0].Equal(want) {
		t.Fatalf("ack = %s, want %s", res.Immediate[0].String(), want.String())
	}
	if ctrl.stops+ctrl.gos+ctrl.halts+len(ctrl.speeds)+len(ctrl.reversed) != 0 {
		t.Fatal("unknown command reached the controller")
	}
}

func TestMakeSensorEvent_Encoding(t *testing.T) {
	f := MakeSensorEvent(42, false, true)
	if f.ID != 0x08 || f.DLC != 8 {
		t.Fatalf("frame = %s", f.String())
	}
	if f.EID != 1<<17|can.ResponseBit|42 {
		t.Fatalf("eid = 0x%05X", f.EID)
	}
	want := [8]byte{0, 0, 0, 42, 0, 1, 0, 0}
	if f.Data != want {
		t.Fatalf("data = % X, want % X", f.Data, want)
	}
	if got := DecodeCommand(f); got != CmdSensor {
		t.Fatalf("decoded command = 0x%02X, want 0x11", got)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("sensor event invalid: %v", err)
	}
}

func TestMakeSensorEvent_BigSensorID(t *testing.T) {
	f := MakeSensorEvent(0x01020304, true, false)
	if f.Data[0] != 1 || f.Data[1] != 2 || f.Data[2] != 3 || f.Data[3] != 4 {
		t.Fatalf("payload id = % X", f.Data[:4])
	}
	if f.Data[4] != 1 || f.Data[5] != 0 {
		t.Fatalf("transition bytes = % X", f.Data[4:6])
	}
	// Only the low 16 id bits ride in the EID.
	if f.EID&0xFFFF != 0x0304 {
		t.Fatalf("eid low bits = 0x%04X", f.EID&0xFFFF)
	}
}
