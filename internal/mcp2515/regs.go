package mcp2515

// Register addresses the simulator gives semantics to. Everything else in
// the 256-byte space is plain storage.
const (
	RegCANINTE  = 0x2B // per-source interrupt enable
	RegCANINTF  = 0x2C // per-source interrupt flags
	RegTXB0CTRL = 0x30
	RegTXB0SIDH = 0x31 // start of TX buffer 0: 5-byte header + 8 data
	RegTXB1CTRL = 0x40
	RegTXB2CTRL = 0x50
	RegRXB0SIDH = 0x61 // start of RX buffer 0: 5-byte header + 8 data
)

// CANINTF / CANINTE share the same bit layout.
const (
	IntRX0IF = 0x01
	IntRX1IF = 0x02
	IntTX0IF = 0x04
	IntTX1IF = 0x08
	IntTX2IF = 0x10
)

// TxReq is bit 3 of the TXBnCTRL registers.
const TxReq = 0x08

// File is the flat MCP2515 register space.
type File [256]byte

func (f *File) Get(addr uint8) byte      { return f[addr] }
func (f *File) Set(addr uint8, v byte)   { f[addr] = v }
func (f *File) CANINTF() byte            { return f[RegCANINTF] }
func (f *File) CANINTE() byte            { return f[RegCANINTE] }
func (f *File) TxReqSet(ctrl uint8) bool { return f[ctrl]&TxReq != 0 }

// IntPending reports whether any enabled interrupt source is flagged.
func (f *File) IntPending() bool { return f[RegCANINTF]&f[RegCANINTE] != 0 }
