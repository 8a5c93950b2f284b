package sdma

import (
	"sync"

	"github.com/omap-sdma/sdmad/internal/physmem"
)

// SimDevice is a software model of the SDMA engine: a RegisterFile that
// actually performs the transfer it is programmed for, against a shared
// physmem.Space, and raises a synthetic interrupt on completion. It plays
// the role the teacher's VirtualCanBus plays for canopen's network tests:
// a fixture good enough to drive the real dispatch/session/interrupt code
// without real hardware underneath.
//
// The rotate path reproduces the logical 90-degree transpose directly
// rather than cycle-accurately emulating the channel's double-index
// address stepping; spec.md §4.2 leaves the exact stepping an assumption
// on the SoC manual, and what this driver must reproduce is the resulting
// transpose, not the per-cycle address sequence.
type SimDevice struct {
	mu   sync.Mutex
	mem  *physmem.Space
	regs map[uint32]uint32

	lineStatus uint32
	irq        chan struct{}
	transfers  int
}

// NewSimDevice creates a simulated engine backed by mem.
func NewSimDevice(mem *physmem.Space) *SimDevice {
	return &SimDevice{
		mem:  mem,
		regs: make(map[uint32]uint32),
		irq:  make(chan struct{}, 64),
	}
}

// Notify delivers a signal each time the simulated engine completes a
// channel, the counterpart of the UIO interrupt delivery
// (UIOInterruptSource in mmioregs.go) a real deployment would use.
func (d *SimDevice) Notify() <-chan struct{} { return d.irq }

func (d *SimDevice) ReadReg(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset == regIRQSTATUS_L0 {
		return d.lineStatus
	}
	if ch, rel, ok := splitChanReg(offset); ok && rel == offCSR {
		return d.regs[chanReg(ch, offCSR)]
	}
	return d.regs[offset]
}

func (d *SimDevice) WriteReg(offset uint32, val uint32) {
	d.mu.Lock()

	if offset == regIRQSTATUS_L0 {
		// Write-1-to-clear, same as the real DMA4_IRQSTATUS_L register.
		d.lineStatus &^= val
		d.mu.Unlock()
		return
	}
	if ch, rel, ok := splitChanReg(offset); ok && rel == offCSR {
		d.regs[chanReg(ch, offCSR)] &^= val
		d.mu.Unlock()
		return
	}

	d.regs[offset] = val
	ch, rel, ok := splitChanReg(offset)
	d.mu.Unlock()

	if !ok || rel != offCCR || fldChanEnable.get(val) != 1 {
		return
	}
	d.runTransfer(ch)
}

// splitChanReg reports whether offset falls inside a per-channel register
// block and, if so, which channel and relative offset it names.
func splitChanReg(offset uint32) (ch uint8, rel uint32, ok bool) {
	if offset < chanBase {
		return 0, 0, false
	}
	idx := offset - chanBase
	return uint8(idx / chanStride), idx % chanStride, true
}

func (d *SimDevice) runTransfer(ch uint8) {
	d.mu.Lock()
	ccr := d.regs[chanReg(ch, offCCR)]
	en := fldElementNbr.get(d.regs[chanReg(ch, offCEN)])
	fn := fldFrameNbr.get(d.regs[chanReg(ch, offCFN)])
	srcAddr := d.regs[chanReg(ch, offCSSA)]
	dstAddr := d.regs[chanReg(ch, offCDSA)]
	dstAmode := fldDstAmode.get(ccr)
	d.mu.Unlock()

	if dstAmode == amodeDoubleIndex {
		d.runRotate(srcAddr, dstAddr, en, fn)
	} else {
		d.runLinear(srcAddr, dstAddr, en*fn*elementSize)
	}

	d.mu.Lock()
	d.regs[chanReg(ch, offCSR)] |= fldBlockIRQ.with(0, 1)
	d.lineStatus |= 1 << ch
	d.transfers++
	d.mu.Unlock()

	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// TransfersCompleted counts how many hardware sub-transfers the
// simulated engine has executed, for tests asserting on the memset
// continuation's doubling schedule.
func (d *SimDevice) TransfersCompleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transfers
}

func (d *SimDevice) runLinear(srcAddr, dstAddr, length uint32) {
	buf := make([]byte, length)
	d.mem.ReadAt(srcAddr, buf)
	d.mem.WriteAt(dstAddr, buf)
}

// runRotate reproduces StartRotate's 90-degree transpose of a width x
// height element grid. dstCDSA is the register value StartRotate wrote,
// already offset to the bottom-left destination element; the true
// destination base is recovered by undoing that offset.
func (d *SimDevice) runRotate(srcAddr, dstCDSA, width, height uint32) {
	dstBase := dstCDSA - (height-1)*elementSize
	var elem [elementSize]byte
	for col := uint32(0); col < width; col++ {
		for row := uint32(0); row < height; row++ {
			srcRow := height - 1 - row
			srcOff := srcAddr + (srcRow*width+col)*elementSize
			dstOff := dstBase + (col*height+row)*elementSize
			d.mem.ReadAt(srcOff, elem[:])
			d.mem.WriteAt(dstOff, elem[:])
		}
	}
}

// InjectCSRError sets a hardware error bit on ch's CSR ahead of its next
// completion, for tests exercising the MISALIGNED/SUPERVISOR/TRANSFER
// paths without being able to provoke them from a software model.
func (d *SimDevice) InjectCSRError(ch uint8, bit uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[chanReg(ch, offCSR)] |= bit
}
