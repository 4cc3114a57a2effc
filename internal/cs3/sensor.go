package cs3

import (
	"encoding/binary"

	"github.com/modelrail/mcp2515-sim/internal/can"
)

// MakeSensorEvent builds the unsolicited sensor-event frame for one sensor
// transition. The id/eid combination reconstitutes command 0x11 under
// DecodeCommand: standard id 0x08 with EID bits 16 and 17 set.
func MakeSensorEvent(sensorID uint32, old, now bool) can.Frame {
	f := can.Frame{
		ID:  0x08,
		EID: 1<<17 | can.ResponseBit | sensorID&0xFFFF,
		DLC: 8,
	}
	binary.BigEndian.PutUint32(f.Data[0:4], sensorID)
	if old {
		f.Data[4] = 1
	}
	if now {
		f.Data[5] = 1
	}
	return f
}
