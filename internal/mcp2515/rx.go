package mcp2515

import (
	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/metrics"
)

// QueueRX appends frames to the pending RX queue in order and attempts to
// load the head into RX buffer 0. Malformed frames are dropped on ingress.
func (e *Engine) QueueRX(frames ...can.Frame) {
	for _, f := range frames {
		if err := f.Validate(); err != nil {
			metrics.IncMalformed()
			e.logger.Warn("rx_frame_rejected", "error", err)
			continue
		}
		e.rxq = append(e.rxq, f)
		metrics.IncRxInjected()
	}
	e.tryLoadNext()
}

// PendingRX returns the number of frames still waiting behind RXB0.
func (e *Engine) PendingRX() int { return len(e.rxq) }

// RXIdle reports that RXB0 is empty and nothing is queued behind it.
func (e *Engine) RXIdle() bool {
	return e.regs.CANINTF()&IntRX0IF == 0 && len(e.rxq) == 0
}

// tryLoadNext moves the queue head into RXB0 when the buffer is free.
// At most one frame is resident: RX0IF set means occupied, and the next
// frame loads the moment the host clears the flag.
func (e *Engine) tryLoadNext() {
	if e.regs.CANINTF()&IntRX0IF != 0 || len(e.rxq) == 0 {
		return
	}
	f := e.rxq[0]
	e.rxq = e.rxq[1:]
	e.loadRXB0(f)
	e.regs.Set(RegCANINTF, e.regs.CANINTF()|IntRX0IF)
	e.syncIntLine()
}

// loadRXB0 encodes a frame into the RX buffer 0 register block.
func (e *Engine) loadRXB0(f can.Frame) {
	e.regs.Set(RegRXB0SIDH+0, byte(f.ID>>3))
	e.regs.Set(RegRXB0SIDH+1, byte(f.ID&0x07)<<5|0x08|byte(f.EID>>16)&0x03)
	e.regs.Set(RegRXB0SIDH+2, byte(f.EID>>8))
	e.regs.Set(RegRXB0SIDH+3, byte(f.EID))
	e.regs.Set(RegRXB0SIDH+4, f.DLC)
	for i := 0; i < int(f.DLC); i++ {
		e.regs.Set(RegRXB0SIDH+5+uint8(i), f.Data[i])
	}
}

// syncIntLine recomputes the interrupt line and reports an edge to the sink
// when it changed. During a byte-step the report is deferred so the sink
// sees only the final state of that byte.
func (e *Engine) syncIntLine() {
	if e.deferInt {
		return
	}
	asserted := e.regs.IntPending()
	if asserted == e.intAsserted {
		return
	}
	e.intAsserted = asserted
	metrics.IncIntEdge()
	e.intSink.IntChanged(asserted)
}
