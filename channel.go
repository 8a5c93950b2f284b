package sdma

import (
	"github.com/sirupsen/logrus"
)

// ChannelSlot tracks ownership of one hardware channel. The programmer
// only ever hands a channel to one session at a time; the session records
// it in its channel field, and the interrupt handler releases it when the
// transfer completes or errors out. LastErr/LastStatus record the most recent
// completion the interrupt handler observed for this slot, per spec.md
// §3's channel-slot data model; they survive release so a caller
// inspecting a freshly-freed slot can still see why it finished.
type ChannelSlot struct {
	InUse      bool
	Owner      *ClientSession
	LastErr    error
	LastStatus ReplyCode
}

// programmer is C2: it turns a validated {src, dst, shape} request into
// concrete channel register writes and owns the linear free-channel scan.
// It never validates offsets or overlap; that is session.go's job.
type programmer struct {
	regs  RegisterFile
	slots []ChannelSlot
	log   *logrus.Entry
}

func newProgrammer(regs RegisterFile, numChannels int, log *logrus.Entry) *programmer {
	return &programmer{
		regs:  regs,
		slots: make([]ChannelSlot, numChannels),
		log:   log,
	}
}

// allocChannel performs a linear scan for the first unused channel and
// reserves it for owner. Channel reuse always starts the scan from 0, so
// low-numbered channels drain before high ones are touched.
func (p *programmer) allocChannel(owner *ClientSession) (uint8, error) {
	for i := range p.slots {
		if !p.slots[i].InUse {
			p.slots[i] = ChannelSlot{InUse: true, Owner: owner}
			return uint8(i), nil
		}
	}
	return 0, ErrNoFreeChannel
}

func (p *programmer) releaseChannel(ch uint8) {
	p.slots[ch].InUse = false
	p.slots[ch].Owner = nil
}

// recordCompletion stamps a slot's last observed outcome, whether or not
// the channel is being released in the same step (an ongoing memset
// continuation keeps the slot reserved across several completions).
func (p *programmer) recordCompletion(ch uint8, status ReplyCode, err error) {
	p.slots[ch].LastStatus = status
	p.slots[ch].LastErr = err
}

// commonCSDP builds the CSDP value shared by every transfer this driver
// programs: 32-bit elements, source/destination packing enabled, 64-byte
// bursts on both ports, little-endian, posted writes disabled — spec.md
// §4.2 point 2's field set.
func commonCSDP() uint32 {
	var w uint32
	w = fldDataType.with(w, dataType32Bit)
	w = fldSrcPacked.with(w, packedEnable)
	w = fldDstPacked.with(w, packedEnable)
	w = fldSrcBurstEn.with(w, burstEnable64)
	w = fldDstBurstEn.with(w, burstEnable64)
	w = fldWriteMode.with(w, writeModeNonPost)
	w = fldSrcEndian.with(w, endianLittle)
	w = fldDstEndian.with(w, endianLittle)
	return w
}

// linearElementsPerFrame is the EN spec.md §4.2 point 3 fixes for every
// linear transfer this driver programs.
const linearElementsPerFrame uint32 = 128

// StartLinear programs channel ch for a sequential transfer of length
// bytes from srcAddr to dstAddr and enables it. Used by both memcpy and
// memset (memset's first sub-transfer reads the scratch frame the session
// has filled with the pattern; each continuation copies the destination's
// already-filled prefix). EN is fixed at 128 elements/frame; FN is
// however many such frames length needs, rounded up — the last frame may
// over-read/over-write past length within the frame, which is safe
// because the assembler already guarantees length fits both frame bounds.
func (p *programmer) StartLinear(ch uint8, srcAddr, dstAddr, length uint32) {
	frameBytes := linearElementsPerFrame * elementSize
	fn := (length + frameBytes - 1) / frameBytes
	if fn == 0 {
		fn = 1
	}

	clearChanStatus(p.regs, ch, ^uint32(0))

	csdp := commonCSDP()
	p.regs.WriteReg(chanReg(ch, offCSDP), csdp)

	var ccr uint32
	ccr = fldSrcAmode.with(ccr, amodePostIncrement)
	ccr = fldDstAmode.with(ccr, amodePostIncrement)
	ccr = fldReadPriority.with(ccr, priorityLow)
	ccr = fldWritePriority.with(ccr, priorityLow)
	p.regs.WriteReg(chanReg(ch, offCCR), ccr)

	p.regs.WriteReg(chanReg(ch, offCEN), fldElementNbr.with(0, linearElementsPerFrame))
	p.regs.WriteReg(chanReg(ch, offCFN), fldFrameNbr.with(0, fn))
	p.regs.WriteReg(chanReg(ch, offCSSA), srcAddr)
	p.regs.WriteReg(chanReg(ch, offCDSA), dstAddr)
	p.regs.WriteReg(chanReg(ch, offCSEI), 1)
	p.regs.WriteReg(chanReg(ch, offCSFI), 1)
	p.regs.WriteReg(chanReg(ch, offCDEI), 1)
	p.regs.WriteReg(chanReg(ch, offCDFI), 1)

	p.enable(ch, ccr)
}

// StartRotate programs channel ch to perform a 90-degree rotation of a
// width*height element block from srcAddr into dstAddr, using double-index
// addressing on both the source and destination ports. The destination base
// and index values are the same arithmetic the original driver derives
// from the SoC manual's description of double-index mode: walking the
// source row-major while the destination address steps by a fixed,
// possibly negative, element and frame stride reproduces the transpose.
func (p *programmer) StartRotate(ch uint8, srcAddr, dstAddr, width, height uint32) {
	es := int32(elementSize)
	h := int32(height)
	w := int32(width)

	dstBase := int32(dstAddr) + (h-1)*es
	cdei := (h-1)*es + 1
	cdfi := 1 - es*((w-1)*h+2)

	clearChanStatus(p.regs, ch, ^uint32(0))

	csdp := commonCSDP()
	p.regs.WriteReg(chanReg(ch, offCSDP), csdp)

	var ccr uint32
	ccr = fldSrcAmode.with(ccr, amodeDoubleIndex)
	ccr = fldDstAmode.with(ccr, amodeDoubleIndex)
	ccr = fldReadPriority.with(ccr, priorityLow)
	ccr = fldWritePriority.with(ccr, priorityLow)
	p.regs.WriteReg(chanReg(ch, offCCR), ccr)

	p.regs.WriteReg(chanReg(ch, offCEN), fldElementNbr.with(0, width))
	p.regs.WriteReg(chanReg(ch, offCFN), fldFrameNbr.with(0, height))
	p.regs.WriteReg(chanReg(ch, offCSSA), srcAddr)
	p.regs.WriteReg(chanReg(ch, offCDSA), uint32(dstBase))
	p.regs.WriteReg(chanReg(ch, offCSEI), 1)
	p.regs.WriteReg(chanReg(ch, offCSFI), 1)
	p.regs.WriteReg(chanReg(ch, offCDEI), uint32(cdei))
	p.regs.WriteReg(chanReg(ch, offCDFI), uint32(cdfi))

	p.enable(ch, ccr)
}

func (p *programmer) enable(ch uint8, ccr uint32) {
	ccr = fldChanEnable.with(ccr, 1)
	p.regs.WriteReg(chanReg(ch, offCCR), ccr)
	p.log.WithField("chan", ch).Debug("channel enabled")
}
