package can

import (
	"errors"
	"fmt"
)

// Value ranges of the frame fields. ID is the 11-bit standard identifier,
// EID the 18-bit extended part; bit 16 of EID doubles as the CS3 response
// marker on the wire.
const (
	MaxID  = 0x7FF
	MaxEID = 0x3FFFF
	MaxDLC = 8

	ResponseBit = 0x10000 // EID bit 16
)

var (
	ErrBadID  = errors.New("can: id out of range")
	ErrBadEID = errors.New("can: eid out of range")
	ErrBadDLC = errors.New("can: dlc out of range")
)

// Frame is one CAN frame as the simulator sees it: the 11-bit standard id
// and the 18-bit extended id are kept apart because the CS3 dialect splits
// its command code across the two. Only the first DLC bytes of Data are valid.
type Frame struct {
	ID   uint32
	EID  uint32
	DLC  uint8
	Data [8]byte
}

// Validate rejects field values that cannot appear on the wire.
func (f Frame) Validate() error {
	if f.ID > MaxID {
		return fmt.Errorf("%w: 0x%X", ErrBadID, f.ID)
	}
	if f.EID > MaxEID {
		return fmt.Errorf("%w: 0x%X", ErrBadEID, f.EID)
	}
	if f.DLC > MaxDLC {
		return fmt.Errorf("%w: %d", ErrBadDLC, f.DLC)
	}
	return nil
}

// Payload returns the valid prefix of Data.
func (f *Frame) Payload() []byte { return f.Data[:f.DLC] }

// Equal reports full field equality including the payload prefix.
func (f Frame) Equal(g Frame) bool {
	if f.ID != g.ID || f.EID != g.EID || f.DLC != g.DLC {
		return false
	}
	for i := 0; i < int(f.DLC); i++ {
		if f.Data[i] != g.Data[i] {
			return false
		}
	}
	return true
}

func (f Frame) String() string {
	return fmt.Sprintf("id=0x%03X eid=0x%05X dlc=%d data=% X", f.ID, f.EID, f.DLC, f.Data[:f.DLC])
}
