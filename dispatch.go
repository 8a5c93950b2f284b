package sdma

// handleMessage is C4's dispatcher: demultiplex one inbound Message to
// the C3 operation its Opcode names. The "reallocate receive slot /
// re-register receive handler" steps of spec.md §4.4 are folded into
// VirtualTransport always keeping its Inbox channel live; a kernel-backed
// Transport would do the recv-slot dance here instead.
func (d *Driver) handleMessage(m Message) {
	switch m.Opcode {
	case OpHandshake:
		d.Handshake(m.From)
	case OpMemcpySrcHalf:
		d.SubmitMemcpyHalf(m.From, capSrc, m.Cap, m.Offset, m.Len)
	case OpMemcpyDstHalf:
		d.SubmitMemcpyHalf(m.From, capDst, m.Cap, m.Offset, 0)
	case OpMemset:
		d.SubmitMemset(m.From, m.Cap, m.Offset, m.Len, m.Value)
	case OpRotateSrcHalf:
		d.SubmitRotateHalf(m.From, capSrc, m.Cap, m.Offset, m.Width, m.Height)
	case OpRotateDstHalf:
		d.SubmitRotateHalf(m.From, capDst, m.Cap, m.Offset, 0, 0)
	default:
		// Protocol error per spec.md §7: logged and dropped, no reply —
		// the client's stub will time itself out.
		d.log.WithError(ErrUnknownOpcode).WithField("opcode", m.Opcode).Warn("dropping message with unrecognized opcode")
	}
}
