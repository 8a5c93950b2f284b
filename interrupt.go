package sdma

// handleInterrupt implements spec.md §4.4's interrupt handler contract.
// It is invoked once per signal on the driver's irq channel and always
// re-derives which channels completed from the line-status register
// itself, rather than trusting anything carried on the signal.
func (d *Driver) handleInterrupt() {
	snapshot := d.regs.ReadReg(regIRQSTATUS_L0)
	// Clear before processing so an overlapping completion on another
	// channel re-triggers the line instead of being lost.
	d.regs.WriteReg(regIRQSTATUS_L0, snapshot)

	for ch := 0; ch < d.cfg.NumChannels; ch++ {
		if snapshot&(1<<uint(ch)) == 0 {
			continue
		}
		d.completeChannel(uint8(ch))
	}
}

// completeChannel decodes one flagged channel's CSR, releases it if the
// transfer is over, and either drives the next memset sub-transfer or
// delivers the completion reply.
func (d *Driver) completeChannel(ch uint8) {
	csr := readChanStatus(d.regs, ch)
	// Clear before a memset continuation can reprogram this channel, so
	// the next sub-transfer's own status bits are not wiped.
	clearChanStatus(d.regs, ch, csr)

	sess := d.prog.slots[ch].Owner
	if sess == nil {
		return // stray completion on a channel nobody owns
	}
	if sess.channel != ch {
		// The session's own bookkeeping disagrees with the slot's Owner
		// link; per spec.md §7 this is not a well-defined reply case, it's
		// a bug in channel accounting, so trap rather than guess which
		// side is right.
		d.log.WithError(ErrChannelNotOwned).WithField("chan", ch).WithField("sess_chan", sess.channel).Error("channel slot owner disagrees with session's recorded channel")
		return
	}

	hwErr := ReplyOK
	switch {
	case fldMisalignedIRQ.get(csr) == 1:
		hwErr = ReplyErrMisaligned
	case fldSupervisorIRQ.get(csr) == 1:
		hwErr = ReplyErrSupervisor
	case fldTransErrIRQ.get(csr) == 1:
		hwErr = ReplyErrTransfer
	}

	var lastErr error
	if hwErr != ReplyOK {
		lastErr = hwErr
	}
	d.prog.recordCompletion(ch, hwErr, lastErr)

	blockComplete := fldBlockIRQ.get(csr) == 1
	finished := blockComplete || hwErr != ReplyOK
	if finished {
		d.prog.releaseChannel(ch)
	}

	ongoingMemset := hwErr == ReplyOK && sess.op == OpKindMemset &&
		sess.memset != nil && sess.memset.done < sess.memset.total

	if ongoingMemset {
		if code := d.continueMemset(sess); code != ReplyOK {
			d.finishSession(sess, code)
		}
		return
	}

	if finished && !sess.acked {
		d.finishSession(sess, hwErr)
	}
}

// continueMemset implements the memset continuation of spec.md §4.4.
// The first sub-transfer (submit_memset) primes the destination's first
// MEMSET_SIZE bytes straight from the scratch buffer; every continuation
// after that doubles the already-filled destination prefix onto the
// bytes that follow it, rather than re-reading the bounded scratch
// buffer past its own size. That is what turns the schedule geometric
// instead of linear in len/MEMSET_SIZE: the filled region of the
// destination is itself an arbitrarily long, already-valid run of the
// fill byte once it exceeds MEMSET_SIZE.
func (d *Driver) continueMemset(sess *ClientSession) ReplyCode {
	run := sess.memset
	remaining := run.total - run.done
	cpyLen := run.done
	if cpyLen > remaining {
		cpyLen = remaining
	}

	ch, err := d.prog.allocChannel(sess)
	if err != nil {
		return ReplyErrNoChannel
	}
	sess.channel = ch

	dstBase := run.dstID.Base + run.offset
	d.prog.StartLinear(ch, dstBase, dstBase+run.done, cpyLen)
	run.done += cpyLen
	return ReplyOK
}

// finishSession sends the one completion reply a transfer gets (whether
// it succeeded or hit a hardware error) and resets the session to accept
// its next request.
func (d *Driver) finishSession(sess *ClientSession, code ReplyCode) {
	sess.acked = true
	sess.op = OpNone
	sess.memset = nil
	d.reply(sess.Remote, code)
}
