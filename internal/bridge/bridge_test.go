package bridge

import (
	"testing"
	"time"

	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/cs3"
	"github.com/modelrail/mcp2515-sim/internal/mcp2515"
	"github.com/modelrail/mcp2515-sim/internal/world"
)

func drive(b *Bridge, bytes ...byte) []byte {
	rx := make([]byte, 0, len(bytes))
	for _, tb := range bytes {
		rx = append(rx, b.StepByte(tb))
	}
	return rx
}

func decodeRXB0(e *mcp2515.Engine) can.Frame {
	var f can.Frame
	sidh := e.Reg(mcp2515.RegRXB0SIDH + 0)
	sidl := e.Reg(mcp2515.RegRXB0SIDH + 1)
	f.ID = uint32(sidh)<<3 | uint32(sidl>>5)&0x07
	f.EID = uint32(sidl&0x03)<<16 | uint32(e.Reg(mcp2515.RegRXB0SIDH+2))<<8 | uint32(e.Reg(mcp2515.RegRXB0SIDH+3))
	f.DLC = e.Reg(mcp2515.RegRXB0SIDH + 4)
	for i := 0; i < int(f.DLC); i++ {
		f.Data[i] = e.Reg(mcp2515.RegRXB0SIDH + 5 + uint8(i))
	}
	return f
}

func clearRX0IF(b *Bridge) {
	drive(b, 0x05, mcp2515.RegCANINTF, mcp2515.IntRX0IF, 0x00)
}

func newTestBridge(opts ...Option) (*Bridge, *world.World) {
	w := world.New()
	w.AddTrain(1)
	eng := mcp2515.NewEngine(nil)
	return New(eng, cs3.NewDispatcher(w), opts...), w
}

// speedBytes is a full SPEED transaction: train 1 to CS3 speed 500.
var speedBytes = []byte{0x02, 0x31, 0x00, 0x48, 0x00, 0x00, 0x46, 0x00, 0x00, 0x00, 0x01, 0x01, 0xF4}

func TestBridge_SpeedCommandEndToEnd(t *testing.T) {
	b, w := newTestBridge()
	rx := drive(b, speedBytes...)
	if len(rx) != len(speedBytes) {
		t.Fatalf("response bytes = %d, want %d", len(rx), len(speedBytes))
	}

	sp, _, light := w.TrainState(1)
	if sp != 7 || light {
		t.Fatalf("train state = (%d, light=%v), want (7, false)", sp, light)
	}

	// The ACK is resident in RXB0: same frame with the response bit set.
	eng := b.Engine()
	if eng.Reg(mcp2515.RegCANINTF)&mcp2515.IntRX0IF == 0 {
		t.Fatal("ack not loaded into RXB0")
	}
	ack := decodeRXB0(eng)
	if ack.EID&can.ResponseBit == 0 {
		t.Fatalf("ack = %s, missing response bit", ack.String())
	}
	if got := cs3.DecodeCommand(ack); got != cs3.CmdSpeed {
		t.Fatalf("ack command = 0x%02X, want 0x04", got)
	}
	want := []byte{0x00, 0x00, 0x00, 0x01, 0x01, 0xF4}
	for i, wb := range want {
		if ack.Data[i] != wb {
			t.Fatalf("ack data[%d] = 0x%02X, want 0x%02X", i, ack.Data[i], wb)
		}
	}
}

func TestBridge_SystemGo(t *testing.T) {
	b, w := newTestBridge()
	drive(b, 0x02, 0x31, 0x00, 0x08, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x01)
	if !w.Running() {
		t.Fatal("GO did not start the world")
	}
}

// switchBytes commands switch 1 (wire id 0x3000) to straight.
var switchBytes = []byte{0x02, 0x31, 0x00, 0xAA, 0x00, 0x00, 0x05, 0x00, 0x00, 0x30, 0x00, 0x01}

func TestBridge_SwitchDoubleAckOnDrain(t *testing.T) {
	b, w := newTestBridge() // ackDelay 0: delayed ack waits for RX drain
	drive(b, switchBytes...)
	if got := w.Switch(1); got != world.Straight {
		t.Fatalf("switch 1 = %v, want straight", got)
	}

	eng := b.Engine()
	first := decodeRXB0(eng)
	if first.EID&can.ResponseBit == 0 {
		t.Fatal("first ack missing response bit")
	}

	// Draining the first ack releases the held second ack.
	clearRX0IF(b)
	if eng.Reg(mcp2515.RegCANINTF)&mcp2515.IntRX0IF == 0 {
		t.Fatal("second ack not loaded after drain")
	}
	second := decodeRXB0(eng)
	if !first.Equal(second) {
		t.Fatalf("second ack %s differs from first %s", second.String(), first.String())
	}

	// No third ack.
	clearRX0IF(b)
	if eng.Reg(mcp2515.RegCANINTF)&mcp2515.IntRX0IF != 0 {
		t.Fatal("unexpected extra frame after second ack")
	}
}

func TestBridge_SwitchDelayedAckTimer(t *testing.T) {
	b, w := newTestBridge(WithAckDelay(2 * time.Millisecond))
	drive(b, switchBytes...)
	if got := w.Switch(1); got != world.Straight {
		t.Fatalf("switch 1 = %v, want straight", got)
	}
	eng := b.Engine()
	clearRX0IF(b)

	deadline := time.After(time.Second)
	for {
		b.mu.Lock()
		loaded := eng.Reg(mcp2515.RegCANINTF)&mcp2515.IntRX0IF != 0
		b.mu.Unlock()
		if loaded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("delayed ack never arrived")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestBridge_InjectReachesRXB0(t *testing.T) {
	b, _ := newTestBridge()
	f := can.Frame{ID: 0x22, EID: 0x11, DLC: 2, Data: [8]byte{9, 8}}
	b.Inject(f)
	if got := decodeRXB0(b.Engine()); !got.Equal(f) {
		t.Fatalf("injected %s, resident %s", f.String(), got.String())
	}
}

type tapRecorder struct {
	out []can.Frame
	in  []can.Frame
}

func (r *tapRecorder) ObserveFrame(f can.Frame, outbound bool) {
	if outbound {
		r.out = append(r.out, f)
	} else {
		r.in = append(r.in, f)
	}
}

func TestBridge_TapSeesBothDirections(t *testing.T) {
	rec := &tapRecorder{}
	w := world.New()
	eng := mcp2515.NewEngine(nil)
	b := New(eng, cs3.NewDispatcher(w), WithTap(rec))
	drive(b, speedBytes...)
	if len(rec.out) != 1 {
		t.Fatalf("outbound frames = %d, want 1", len(rec.out))
	}
	if len(rec.in) != 1 {
		t.Fatalf("inbound frames = %d, want the ack", len(rec.in))
	}
	if rec.in[0].EID&can.ResponseBit == 0 {
		t.Fatal("inbound tap frame is not the ack")
	}
}
