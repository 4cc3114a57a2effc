package mcp2515

import (
	"log/slog"

	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/logging"
	"github.com/modelrail/mcp2515-sim/internal/metrics"
)

// SPI instruction opcodes the engine recognizes.
const (
	insWrite      = 0x02
	insRead       = 0x03
	insBitModify  = 0x05
	insReadStatus = 0xA0
)

// IntSink receives interrupt line edges. Asserted means
// CANINTF & CANINTE != 0; consumers map asserted to an active-low level.
type IntSink interface {
	IntChanged(asserted bool)
}

type nopIntSink struct{}

func (nopIntSink) IntChanged(bool) {}

// spiState is the decoder position within one SPI transaction. Variants
// carry exactly the bytes-in-progress they need, so the TX accumulator
// only exists while a TX buffer load is underway.
type spiState interface{ spiState() }

type stIdle struct{}
type stWriteAddr struct{}
type stWriteData struct{ addr uint8 }
type stTxHeader struct {
	header [5]byte
	count  int
}
type stTxData struct {
	header [5]byte
	data   [8]byte
	count  int
	dlc    int
}
type stReadAddr struct{}
type stReadData struct{ addr uint8 }
type stBitModifyAddr struct{}
type stBitModifyMask struct{ addr uint8 }
type stBitModifyData struct{ addr, mask uint8 }
type stReadStatusDummy struct{}

func (stIdle) spiState()            {}
func (stWriteAddr) spiState()       {}
func (stWriteData) spiState()       {}
func (stTxHeader) spiState()        {}
func (stTxData) spiState()          {}
func (stReadAddr) spiState()        {}
func (stReadData) spiState()        {}
func (stBitModifyAddr) spiState()   {}
func (stBitModifyMask) spiState()   {}
func (stBitModifyData) spiState()   {}
func (stReadStatusDummy) spiState() {}

// Engine is the byte-granular MCP2515 SPI transducer. It owns the register
// file, the pending RX queue and the interrupt line state. It is not safe
// for concurrent use; callers serialize byte-steps against RX injections.
type Engine struct {
	regs  File
	state spiState

	rxq []can.Frame

	intSink     IntSink
	intAsserted bool
	deferInt    bool // collapse edges to one report per input byte

	logger *slog.Logger
}

// NewEngine creates an engine in the Idle state. A nil sink installs a no-op.
func NewEngine(sink IntSink) *Engine {
	if sink == nil {
		sink = nopIntSink{}
	}
	return &Engine{
		state:   stIdle{},
		intSink: sink,
		logger:  logging.L(),
	}
}

// Reg returns the current value of one register.
func (e *Engine) Reg(addr uint8) byte { return e.regs.Get(addr) }

// SetReg stores a register value without triggering write side effects.
// Intended for test setup and host-side initialization.
func (e *Engine) SetReg(addr uint8, v byte) { e.regs.Set(addr, v) }

// IntAsserted reports the last interrupt line state given to the sink.
func (e *Engine) IntAsserted() bool { return e.intAsserted }

// Step consumes one SPI byte from the host and produces exactly one
// response byte. At most one reconstructed CAN frame surfaces per call.
// All side effects, including a possible RX buffer load, complete before
// Step returns; the interrupt sink sees at most one edge per byte.
func (e *Engine) Step(tx byte) (rx byte, frame *can.Frame) {
	e.deferInt = true
	rx, frame = e.step(tx)
	e.deferInt = false
	e.syncIntLine()
	return rx, frame
}

func (e *Engine) step(tx byte) (byte, *can.Frame) {
	switch st := e.state.(type) {
	case stIdle:
		e.dispatch(tx)
		return 0, nil

	case stWriteAddr:
		if tx == RegTXB0SIDH {
			e.state = stTxHeader{}
		} else {
			e.state = stWriteData{addr: tx}
		}
		return 0, nil

	case stWriteData:
		if isInstruction(tx) {
			// Implicit chip-select edge: the transaction ended and a new
			// instruction begins with this byte.
			e.state = stIdle{}
			return e.step(tx)
		}
		e.applyStore(st.addr, tx, true)
		e.state = stWriteData{addr: st.addr + 1}
		return 0, nil

	case stTxHeader:
		st.header[st.count] = tx
		e.regs.Set(RegTXB0SIDH+uint8(st.count), tx)
		st.count++
		if st.count < len(st.header) {
			e.state = st
			return 0, nil
		}
		dlc := clampDLC(st.header[4])
		if dlc == 0 {
			return 0, e.emitTx(st.header, nil)
		}
		e.state = stTxData{header: st.header, dlc: dlc}
		return 0, nil

	case stTxData:
		st.data[st.count] = tx
		e.regs.Set(RegTXB0SIDH+5+uint8(st.count), tx)
		st.count++
		if st.count < st.dlc {
			e.state = st
			return 0, nil
		}
		return 0, e.emitTx(st.header, st.data[:st.dlc])

	case stReadAddr:
		e.state = stReadData{addr: tx}
		return 0, nil

	case stReadData:
		if isInstruction(tx) {
			e.state = stIdle{}
			return e.step(tx)
		}
		v := e.regs.Get(st.addr)
		e.state = stReadData{addr: st.addr + 1}
		return v, nil

	case stBitModifyAddr:
		e.state = stBitModifyMask{addr: tx}
		return 0, nil

	case stBitModifyMask:
		e.state = stBitModifyData{addr: st.addr, mask: tx}
		return 0, nil

	case stBitModifyData:
		old := e.regs.Get(st.addr)
		e.applyStore(st.addr, (old&^st.mask)|(tx&st.mask), false)
		e.state = stIdle{}
		return 0, nil

	case stReadStatusDummy:
		e.state = stIdle{}
		return e.readStatus(), nil
	}
	// unreachable: all states covered
	e.state = stIdle{}
	return 0, nil
}

// clampDLC extracts the 4-bit data length code. Values above 8 cannot be
// framed and degrade to 8, matching classic CAN.
func clampDLC(h4 byte) int {
	dlc := int(h4 & 0x0F)
	if dlc > 8 {
		dlc = 8
	}
	return dlc
}

func isInstruction(b byte) bool {
	switch b {
	case insWrite, insRead, insBitModify, insReadStatus:
		return true
	}
	return false
}

// dispatch classifies an instruction byte seen in Idle.
func (e *Engine) dispatch(b byte) {
	switch b {
	case insWrite:
		e.state = stWriteAddr{}
	case insRead:
		e.state = stReadAddr{}
	case insBitModify:
		e.state = stBitModifyAddr{}
	case insReadStatus:
		e.state = stReadStatusDummy{}
	default:
		// Garbage between chip selects on a real bus; stay idle.
		e.logger.Debug("spi_unknown_opcode", "byte", b)
	}
}

// applyStore writes a register and applies its side effects. direct is true
// for WRITE-path stores; the TXREQ auto-clear only fires there, since real
// drivers request transmission via WRITE.
func (e *Engine) applyStore(addr uint8, v byte, direct bool) {
	if direct && addr == RegTXB0CTRL && v&TxReq != 0 {
		// The simulated transmission completes instantaneously, so the
		// request bit never reads back as set.
		v &^= TxReq
	}
	e.regs.Set(addr, v)
	switch addr {
	case RegCANINTF:
		e.syncIntLine()
		e.tryLoadNext()
	case RegCANINTE:
		e.syncIntLine()
	}
}

// emitTx reconstructs the CAN frame held in TX buffer 0 and applies the
// emission side effects. The register file already mirrors header and data.
func (e *Engine) emitTx(header [5]byte, data []byte) *can.Frame {
	f := &can.Frame{
		ID:  uint32(header[0])<<3 | uint32(header[1]>>5)&0x07,
		EID: uint32(header[1]&0x03)<<16 | uint32(header[2])<<8 | uint32(header[3]),
		DLC: uint8(clampDLC(header[4])),
	}
	copy(f.Data[:], data)
	e.applyStore(RegCANINTF, e.regs.CANINTF()|IntTX0IF, false)
	e.state = stIdle{}
	metrics.IncTxFrame()
	return f
}

// readStatus computes the READ_STATUS composite byte.
func (e *Engine) readStatus() byte {
	intf := e.regs.CANINTF()
	var st byte
	if intf&IntRX0IF != 0 {
		st |= 1 << 0
	}
	if intf&IntRX1IF != 0 {
		st |= 1 << 1
	}
	if e.regs.TxReqSet(RegTXB0CTRL) {
		st |= 1 << 2
	}
	if intf&IntTX0IF != 0 {
		st |= 1 << 3
	}
	if e.regs.TxReqSet(RegTXB1CTRL) {
		st |= 1 << 4
	}
	if intf&IntTX1IF != 0 {
		st |= 1 << 5
	}
	if e.regs.TxReqSet(RegTXB2CTRL) {
		st |= 1 << 6
	}
	if intf&IntTX2IF != 0 {
		st |= 1 << 7
	}
	return st
}
