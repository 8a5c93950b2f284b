package sdma

// OpKind is the operation a ClientSession currently has in flight.
type OpKind uint8

const (
	OpNone OpKind = iota
	OpMemcpy
	OpKindMemset
	OpRotate
)

func (k OpKind) String() string {
	switch k {
	case OpMemcpy:
		return "memcpy"
	case OpKindMemset:
		return "memset"
	case OpRotate:
		return "rotate"
	default:
		return "none"
	}
}

// capMask tracks which half of a memcpy/rotate request has arrived.
type capMask uint8

const (
	capSrc capMask = 1 << iota
	capDst
	capBoth = capSrc | capDst
)

// pendingRequest accumulates the two half-requests of an in-progress
// memcpy or rotate until both halves have arrived, per spec.md §4.3.
type pendingRequest struct {
	have   capMask
	srcID  FrameID
	srcOff uint32
	dstID  FrameID
	dstOff uint32
	len    uint32
	width  uint32
	height uint32
}

func (p *pendingRequest) reset() { *p = pendingRequest{} }

// memsetRun tracks a memset continuation: the total length requested and
// how much of the destination has been filled so far. Non-nil exactly
// while op == OpKindMemset and the transfer has not yet finished.
type memsetRun struct {
	dstID  FrameID
	offset uint32
	done   uint32
	total  uint32
}

// ClientSession is the per-client state of spec.md §3: the endpoint
// identity used to route inbound capabilities, the owned scratch buffer,
// the in-progress half-request rendezvous, and the single in-flight op.
type ClientSession struct {
	Remote  Endpoint // client's endpoint; the session map key
	Local   Endpoint // driver-side endpoint minted at handshake; the handshake reply carries only ReplyOK, not this endpoint
	Scratch ScratchBuffer

	pending pendingRequest
	op      OpKind
	channel uint8
	acked   bool
	memset  *memsetRun
}

// Handshake implements spec.md §4.3's handshake operation: a duplicate
// handshake on an already-known endpoint is logged and otherwise ignored
// (§7's sole silently-swallowed case); a first handshake allocates a
// session, its scratch frame, and opens the reply channel.
func (d *Driver) Handshake(remote Endpoint) {
	if _, exists := d.sessionFor(remote); exists {
		d.log.WithError(ErrAlreadyConnected).WithField("remote", remote).Debug("got second SDMA handshake request from same client, ignoring it")
		return
	}

	scratch, err := d.alloc.Alloc(d.cfg.ScratchBytes)
	if err != nil {
		d.log.WithError(err).WithField("remote", remote).Error("allocating memset scratch frame")
		return
	}

	local, err := d.trans.Open(remote)
	if err != nil {
		d.log.WithError(err).WithField("remote", remote).Error("opening reply channel")
		return
	}

	sess := &ClientSession{Remote: remote, Local: local, Scratch: scratch}
	d.sessions[remote] = sess

	if err := d.trans.Send(Reply{To: remote, Code: ReplyOK}); err != nil {
		d.log.WithError(err).WithField("remote", remote).Warn("failed to send handshake reply")
	}
}

// SubmitMemcpyHalf implements submit_memcpy_half: record one half of the
// request, and once both halves are in, validate and program the channel.
func (d *Driver) SubmitMemcpyHalf(remote Endpoint, half capMask, cap Cap, offset, length uint32) {
	sess, ok := d.sessionFor(remote)
	if !ok {
		d.log.WithError(ErrUnknownEndpoint).WithField("remote", remote).Warn("dropping request from unknown endpoint")
		return
	}
	if sess.op != OpNone {
		d.log.WithError(ErrSessionBusy).WithField("remote", remote).Debug("rejecting request while a transfer is in flight")
		d.reply(remote, ReplyErrRequestInProgress)
		return
	}

	id, err := d.ids.Identify(cap)
	if err != nil {
		d.log.WithError(err).WithField("remote", remote).Error("identifying memcpy capability")
		return
	}

	switch half {
	case capSrc:
		sess.pending.srcID = id
		sess.pending.srcOff = offset
		sess.pending.len = length
		sess.pending.have |= capSrc
	case capDst:
		sess.pending.dstID = id
		sess.pending.dstOff = offset
		sess.pending.have |= capDst
	}

	if sess.pending.have != capBoth {
		return
	}

	p := sess.pending
	sess.pending.reset()

	code := validateCopy(p.srcID, p.srcOff, p.dstID, p.dstOff, p.len)
	if code != ReplyOK {
		d.reply(remote, code)
		return
	}

	ch, err := d.prog.allocChannel(sess)
	if err != nil {
		d.reply(remote, ReplyErrNoChannel)
		return
	}

	sess.op = OpMemcpy
	sess.channel = ch
	sess.acked = false
	d.prog.StartLinear(ch, p.srcID.Base+p.srcOff, p.dstID.Base+p.dstOff, p.len)
	d.reply(remote, ReplyOK)
}

// SubmitRotateHalf implements submit_rotate_half: mirrors the memcpy
// rendezvous but additionally carries width/height on the source half.
func (d *Driver) SubmitRotateHalf(remote Endpoint, half capMask, cap Cap, offset, width, height uint32) {
	sess, ok := d.sessionFor(remote)
	if !ok {
		d.log.WithError(ErrUnknownEndpoint).WithField("remote", remote).Warn("dropping request from unknown endpoint")
		return
	}
	if sess.op != OpNone {
		d.log.WithError(ErrSessionBusy).WithField("remote", remote).Debug("rejecting request while a transfer is in flight")
		d.reply(remote, ReplyErrRequestInProgress)
		return
	}

	id, err := d.ids.Identify(cap)
	if err != nil {
		d.log.WithError(err).WithField("remote", remote).Error("identifying rotate capability")
		return
	}

	switch half {
	case capSrc:
		sess.pending.srcID = id
		sess.pending.srcOff = offset
		sess.pending.width = width
		sess.pending.height = height
		sess.pending.len = width * height * elementSize
		sess.pending.have |= capSrc
	case capDst:
		sess.pending.dstID = id
		sess.pending.dstOff = offset
		sess.pending.have |= capDst
	}

	if sess.pending.have != capBoth {
		return
	}

	p := sess.pending
	sess.pending.reset()

	code := validateCopy(p.srcID, p.srcOff, p.dstID, p.dstOff, p.len)
	if code != ReplyOK {
		d.reply(remote, code)
		return
	}

	ch, err := d.prog.allocChannel(sess)
	if err != nil {
		d.reply(remote, ReplyErrNoChannel)
		return
	}

	sess.op = OpRotate
	sess.channel = ch
	sess.acked = false
	d.prog.StartRotate(ch, p.srcID.Base+p.srcOff, p.dstID.Base+p.dstOff, p.width, p.height)
	d.reply(remote, ReplyOK)
}

// SubmitMemset implements submit_memset: validate the single capability,
// fill the scratch buffer, flush it, and start the first sub-transfer.
// Larger requests are driven to completion by the interrupt handler's
// memset continuation (interrupt.go).
func (d *Driver) SubmitMemset(remote Endpoint, cap Cap, offset, length uint32, value byte) {
	sess, ok := d.sessionFor(remote)
	if !ok {
		d.log.WithError(ErrUnknownEndpoint).WithField("remote", remote).Warn("dropping request from unknown endpoint")
		return
	}
	if sess.op != OpNone {
		d.log.WithError(ErrSessionBusy).WithField("remote", remote).Debug("rejecting request while a transfer is in flight")
		d.reply(remote, ReplyErrRequestInProgress)
		return
	}

	id, err := d.ids.Identify(cap)
	if err != nil {
		d.log.WithError(err).WithField("remote", remote).Error("identifying memset capability")
		return
	}

	if offset >= id.Bytes || length > id.Bytes-offset {
		d.reply(remote, ReplyErrBadLength)
		return
	}

	chunk := length
	if chunk > d.cfg.ScratchBytes {
		chunk = d.cfg.ScratchBytes
	}
	sess.Scratch.Fill(value, chunk)
	sess.Scratch.Flush()

	ch, err := d.prog.allocChannel(sess)
	if err != nil {
		d.reply(remote, ReplyErrNoChannel)
		return
	}

	sess.op = OpKindMemset
	sess.channel = ch
	sess.acked = false
	sess.memset = &memsetRun{dstID: id, offset: offset, done: chunk, total: length}
	d.prog.StartLinear(ch, sess.Scratch.FrameID().Base, id.Base+offset, chunk)
	d.reply(remote, ReplyOK)
}

// validateCopy checks V1..V3 of spec.md §4.3 for a memcpy/rotate half
// pair: offsets in range (V1), length within both frames (V2), and
// disjoint source/destination intervals (V3).
func validateCopy(srcID FrameID, srcOff uint32, dstID FrameID, dstOff, length uint32) ReplyCode {
	if srcOff >= srcID.Bytes || dstOff >= dstID.Bytes {
		return ReplyErrBadOffset
	}
	if !inRange(srcID, srcOff, length) || !inRange(dstID, dstOff, length) {
		return ReplyErrBadLength
	}
	srcAddr := srcID.Base + srcOff
	dstAddr := dstID.Base + dstOff
	if !disjoint(srcAddr, dstAddr, length) {
		return ReplyErrOverlap
	}
	return ReplyOK
}
