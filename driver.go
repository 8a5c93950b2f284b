package sdma

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Driver is the C4 singleton: the owned device handle, the C2 programmer,
// every connected client session, and the collaborators (transport, frame
// resolution, scratch allocation, interrupt delivery) spec.md §1 treats as
// external. It replaces the source's global mutable `sdma_driver` with an
// explicit value threaded through Run and its handlers, per the
// DESIGN.md-documented "global mutable device + clients" rework.
type Driver struct {
	cfg   Config
	regs  RegisterFile
	prog  *programmer
	trans Transport
	ids   FrameIdentifier
	alloc FrameAllocator
	irq   <-chan struct{}
	log   *logrus.Entry

	sessions map[Endpoint]*ClientSession
}

// NewDriver constructs the driver and programs the device's interrupt and
// arbitration bring-up state. regs must already be mapped (mmioregs.go's
// OpenMMIORegisters or a SimDevice); irq delivers one signal per completed
// transfer regardless of which channel completed — the handler re-derives
// the per-channel detail from the line-status register itself.
func NewDriver(cfg Config, regs RegisterFile, trans Transport, ids FrameIdentifier, alloc FrameAllocator, irq <-chan struct{}, log *logrus.Logger) (*Driver, error) {
	if regs == nil {
		return nil, ErrRegisterWindow
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Driver{
		cfg:      cfg,
		regs:     regs,
		prog:     newProgrammer(regs, cfg.NumChannels, log.WithField("component", "sdma-programmer")),
		trans:    trans,
		ids:      ids,
		alloc:    alloc,
		irq:      irq,
		log:      log.WithField("component", "sdma-driver"),
		sessions: make(map[Endpoint]*ClientSession),
	}
	d.configureInterrupts()
	return d, nil
}

// configureInterrupts programs DMA4_GCR and every channel's CICR at
// bring-up, supplementing spec.md §4 from the original's
// sdma_setup_config: maximum FIFO depth, the configured arbitration rate,
// and the four interrupt-enable bits (misaligned/supervisor/transfer/block)
// this driver's interrupt handler (interrupt.go) relies on per channel.
func (d *Driver) configureInterrupts() {
	var gcr uint32
	gcr = fldMaxFIFODepth.with(gcr, d.cfg.MaxFIFODepth)
	gcr = fldArbitrationRate.with(gcr, d.cfg.ArbitrationRate)
	d.regs.WriteReg(regGCR, gcr)

	for ch := 0; ch < d.cfg.NumChannels; ch++ {
		var cicr uint32
		cicr = fldMisalignedIRQ.with(cicr, 1)
		cicr = fldSupervisorIRQ.with(cicr, 1)
		cicr = fldTransErrIRQ.with(cicr, 1)
		cicr = fldBlockIRQ.with(cicr, 1)
		d.regs.WriteReg(chanReg(uint8(ch), offCICR), cicr)
	}

	mask := channelMask(d.cfg.NumChannels)
	d.regs.WriteReg(regIRQENABLE_L0, mask)
	d.regs.WriteReg(regIRQSTATUS_L0, mask)
}

func channelMask(n int) uint32 {
	if n >= 32 {
		return 0xFFFFFFFF
	}
	return (uint32(1) << uint(n)) - 1
}

// Run is the single-threaded cooperative event loop of spec.md §5: one
// executor, selecting between the inbound request channel and the
// interrupt-signal channel. Between two iterations of this loop, handler
// code is atomic with respect to every other handler, so nothing below
// this call takes a lock.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.trans.Inbox():
			if !ok {
				return nil
			}
			d.handleMessage(msg)
		case _, ok := <-d.irq:
			if !ok {
				d.irq = nil
				continue
			}
			d.handleInterrupt()
		}
	}
}

// sessionFor looks up the session a frame capability's sender belongs
// to, per spec.md §4.3's (listener, epoffset) lookup.
func (d *Driver) sessionFor(ep Endpoint) (*ClientSession, bool) {
	s, ok := d.sessions[ep]
	return s, ok
}

func (d *Driver) reply(to Endpoint, code ReplyCode) {
	if err := d.trans.Send(Reply{To: to, Code: code}); err != nil {
		d.log.WithError(err).WithField("to", to).Warn("failed to send reply")
	}
}

// String renders the driver's identity for log fields and error wrapping.
func (d *Driver) String() string {
	return fmt.Sprintf("sdma-driver(channels=%d)", d.cfg.NumChannels)
}
