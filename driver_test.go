package sdma

import (
	"context"
	"testing"
	"time"

	"github.com/omap-sdma/sdmad/internal/physmem"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRig wires a Driver to a SimDevice and VirtualTransport, the same
// combination cmd/sdmad/main.go's -sim flag assembles for a hardware-free
// demo run.
type testRig struct {
	t       *testing.T
	space   *physmem.Space
	dev     *SimDevice
	trans   *VirtualTransport
	drv     *Driver
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newTestRig(t *testing.T, numChannels int, scratchBytes uint32) *testRig {
	t.Helper()

	space := physmem.New(1 << 20)
	dev := NewSimDevice(space)
	trans := NewVirtualTransport(1)

	cfg := DefaultConfig()
	cfg.NumChannels = numChannels
	cfg.ScratchBytes = scratchBytes

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	drv, err := NewDriver(cfg, dev, trans, SimFrameIdentifier{}, SimFrameAllocator{Space: space}, dev.Notify(), log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rig := &testRig{t: t, space: space, dev: dev, trans: trans, drv: drv, cancel: cancel, stopped: make(chan struct{})}

	go func() {
		defer close(rig.stopped)
		_ = drv.Run(ctx)
	}()

	return rig
}

func (r *testRig) close() {
	r.cancel()
	select {
	case <-r.stopped:
	case <-time.After(time.Second):
		r.t.Fatal("driver Run loop did not stop after cancel")
	}
}

func (r *testRig) handshake(remote Endpoint) Reply {
	r.trans.SendMessage(Message{From: remote, Opcode: OpHandshake})
	return r.waitReply(remote)
}

func (r *testRig) waitReply(remote Endpoint) Reply {
	r.t.Helper()
	// The Run goroutine opens the reply channel while handling the
	// handshake, so it may not exist yet right after SendMessage.
	deadline := time.Now().Add(2 * time.Second)
	ch := r.trans.RepliesFor(remote)
	for ch == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		ch = r.trans.RepliesFor(remote)
	}
	require.NotNil(r.t, ch, "no reply channel opened for %v", remote)
	select {
	case rep := <-ch:
		return rep
	case <-time.After(2 * time.Second):
		r.t.Fatalf("timed out waiting for a reply to %v", remote)
		return Reply{}
	}
}

func TestHandshakeDuplicateIsSilentlyIgnored(t *testing.T) {
	rig := newTestRig(t, 4, 4096)
	defer rig.close()

	remote := Endpoint{Listener: 7, EPOffset: 1}
	rep := rig.handshake(remote)
	assert.Equal(t, ReplyOK, rep.Code)

	// A second handshake from the same endpoint gets no reply at all;
	// it's the sole silently-swallowed case in spec.md §7.
	rig.trans.SendMessage(Message{From: remote, Opcode: OpHandshake})

	select {
	case extra := <-rig.trans.RepliesFor(remote):
		t.Fatalf("got unexpected reply %v to a duplicate handshake", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemcpySmallRoundTrip(t *testing.T) {
	rig := newTestRig(t, 4, 4096)
	defer rig.close()

	remote := Endpoint{Listener: 7, EPOffset: 1}
	require.Equal(t, ReplyOK, rig.handshake(remote).Code)

	srcCap := NewSimCap(rig.space, 256)
	dstCap := NewSimCap(rig.space, 256)

	want := make([]byte, 100)
	for i := range want {
		want[i] = byte(i)
	}
	rig.space.WriteAt(srcCap.FrameID().Base, want)

	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemcpySrcHalf, Cap: srcCap, Offset: 0, Len: uint32(len(want))})
	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemcpyDstHalf, Cap: dstCap, Offset: 0})

	first := rig.waitReply(remote)
	assert.Equal(t, ReplyOK, first.Code, "synchronous reply once the channel is programmed")

	completion := rig.waitReply(remote)
	assert.Equal(t, ReplyOK, completion.Code, "async completion reply once the hardware finishes")

	got := rig.space.Snapshot(dstCap.FrameID().Base, uint32(len(want)))
	assert.Equal(t, want, got)
}

func TestMemcpyOverlapRejected(t *testing.T) {
	rig := newTestRig(t, 4, 4096)
	defer rig.close()

	remote := Endpoint{Listener: 7, EPOffset: 1}
	require.Equal(t, ReplyOK, rig.handshake(remote).Code)

	cap := NewSimCap(rig.space, 256)

	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemcpySrcHalf, Cap: cap, Offset: 0, Len: 64})
	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemcpyDstHalf, Cap: cap, Offset: 32})

	rep := rig.waitReply(remote)
	assert.Equal(t, ReplyErrOverlap, rep.Code)
}

func TestMemcpyBadLengthRejected(t *testing.T) {
	rig := newTestRig(t, 4, 4096)
	defer rig.close()

	remote := Endpoint{Listener: 7, EPOffset: 1}
	require.Equal(t, ReplyOK, rig.handshake(remote).Code)

	srcCap := NewSimCap(rig.space, 64)
	dstCap := NewSimCap(rig.space, 64)

	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemcpySrcHalf, Cap: srcCap, Offset: 0, Len: 128})
	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemcpyDstHalf, Cap: dstCap, Offset: 0})

	rep := rig.waitReply(remote)
	assert.Equal(t, ReplyErrBadLength, rep.Code)
}

func TestMemsetLargeDoublingSchedule(t *testing.T) {
	rig := newTestRig(t, 4, 4096)
	defer rig.close()

	remote := Endpoint{Listener: 7, EPOffset: 1}
	require.Equal(t, ReplyOK, rig.handshake(remote).Code)

	const total = 1 << 20 // 1 MiB
	dstCap := NewSimCap(rig.space, total)

	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemset, Cap: dstCap, Offset: 0, Len: total, Value: 0xAB})

	first := rig.waitReply(remote)
	assert.Equal(t, ReplyOK, first.Code, "synchronous reply to the initial sub-transfer")

	completion := rig.waitReply(remote)
	assert.Equal(t, ReplyOK, completion.Code, "exactly one completion reply once the whole region is filled")

	got := rig.space.Snapshot(dstCap.FrameID().Base, total)
	for i, b := range got {
		if b != 0xAB {
			t.Fatalf("byte %d = %#x, want 0xAB", i, b)
			break
		}
	}

	// ceil(log2(total/scratch)) + O(1): 1 MiB / 4096 == 256 == 2^8, so the
	// doubling schedule needs 8 continuation transfers after the first.
	transfers := rig.dev.TransfersCompleted()
	assert.LessOrEqual(t, transfers, 12, "memset must stay logarithmic in len/MEMSET_SIZE, not linear")
	assert.GreaterOrEqual(t, transfers, 9)
}

func TestMemsetSmallSingleTransfer(t *testing.T) {
	rig := newTestRig(t, 4, 4096)
	defer rig.close()

	remote := Endpoint{Listener: 7, EPOffset: 1}
	require.Equal(t, ReplyOK, rig.handshake(remote).Code)

	dstCap := NewSimCap(rig.space, 128)
	rig.trans.SendMessage(Message{From: remote, Opcode: OpMemset, Cap: dstCap, Offset: 0, Len: 100, Value: 0x42})

	rep := rig.waitReply(remote)
	assert.Equal(t, ReplyOK, rep.Code)

	got := rig.space.Snapshot(dstCap.FrameID().Base, 100)
	for i, b := range got {
		if b != 0x42 {
			t.Fatalf("byte %d = %#x, want 0x42", i, b)
		}
	}
	assert.Equal(t, 1, rig.dev.TransfersCompleted(), "a memset entirely within one scratch fill needs no continuation")
}

func TestRotate4x4Transpose(t *testing.T) {
	rig := newTestRig(t, 4, 4096)
	defer rig.close()

	remote := Endpoint{Listener: 7, EPOffset: 1}
	require.Equal(t, ReplyOK, rig.handshake(remote).Code)

	const width, height = uint32(4), uint32(4)
	srcCap := NewSimCap(rig.space, width*height*elementSize)
	dstCap := NewSimCap(rig.space, width*height*elementSize)

	// Row-major 4x4 grid of one-word elements, values 0..15.
	src := make([]byte, width*height*elementSize)
	for i := uint32(0); i < width*height; i++ {
		src[i*elementSize] = byte(i)
	}
	rig.space.WriteAt(srcCap.FrameID().Base, src)

	rig.trans.SendMessage(Message{From: remote, Opcode: OpRotateSrcHalf, Cap: srcCap, Offset: 0, Width: width, Height: height})
	rig.trans.SendMessage(Message{From: remote, Opcode: OpRotateDstHalf, Cap: dstCap, Offset: 0})

	first := rig.waitReply(remote)
	require.Equal(t, ReplyOK, first.Code)
	completion := rig.waitReply(remote)
	require.Equal(t, ReplyOK, completion.Code)

	got := rig.space.Snapshot(dstCap.FrameID().Base, width*height*elementSize)

	// Row i of the output equals column i of the input, reversed: the
	// 90-degree rotation spec.md §8 scenario 6 asserts.
	for row := uint32(0); row < height; row++ {
		for col := uint32(0); col < width; col++ {
			srcRow := height - 1 - col
			srcCol := row
			want := byte(srcRow*width + srcCol)
			gotVal := got[(row*width+col)*elementSize]
			assert.Equal(t, want, gotVal, "output[%d][%d]", row, col)
		}
	}
}

// TestHardwareErrorClassification drives the driver directly (no Run loop)
// so InjectCSRError's injected bit can be set between the channel's
// synchronous programming and a manually-invoked handleInterrupt, pinning
// spec.md §4.4's MISALIGNED/SUPERVISOR/TRANSFER classification without a
// select-ordering race against the real interrupt-signal channel.
func TestHardwareErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		bit  uint32
		want ReplyCode
	}{
		{"misaligned", fldMisalignedIRQ.with(0, 1), ReplyErrMisaligned},
		{"supervisor", fldSupervisorIRQ.with(0, 1), ReplyErrSupervisor},
		{"transfer", fldTransErrIRQ.with(0, 1), ReplyErrTransfer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			space := physmem.New(1 << 16)
			dev := NewSimDevice(space)
			trans := NewVirtualTransport(1)

			cfg := DefaultConfig()
			cfg.NumChannels = 2
			cfg.ScratchBytes = 4096

			log := logrus.New()
			log.SetLevel(logrus.PanicLevel)

			drv, err := NewDriver(cfg, dev, trans, SimFrameIdentifier{}, SimFrameAllocator{Space: space}, dev.Notify(), log)
			require.NoError(t, err)

			remote := Endpoint{Listener: 7, EPOffset: 1}
			drv.Handshake(remote)
			require.Equal(t, ReplyOK, (<-trans.RepliesFor(remote)).Code)

			srcCap := NewSimCap(space, 64)
			dstCap := NewSimCap(space, 64)
			drv.SubmitMemcpyHalf(remote, capSrc, srcCap, 0, 32)
			drv.SubmitMemcpyHalf(remote, capDst, dstCap, 0, 0)
			require.Equal(t, ReplyOK, (<-trans.RepliesFor(remote)).Code, "synchronous programming reply")

			// The transfer above already ran synchronously inside SimDevice
			// and set CSR's block-complete bit; inject the hardware error
			// bit on top of it before the completion is processed, the way
			// a real error condition would coincide with the engine's own
			// completion status.
			dev.InjectCSRError(0, tc.bit)
			drv.handleInterrupt()

			rep := <-trans.RepliesFor(remote)
			assert.Equal(t, tc.want, rep.Code)

			slot := drv.prog.slots[0]
			assert.Equal(t, tc.want, slot.LastStatus, "the released slot still reports the error it last completed with")
			assert.EqualError(t, slot.LastErr, tc.want.Error())
		})
	}
}

// TestRequestInProgressRejectsConcurrentRequest drives the driver's
// handlers directly instead of through the Run loop + SimDevice's
// synchronous-but-interrupt-signaled completion: with the loop running,
// whether the first memset's continuation chain or the test's second
// message gets processed first is a race (select has no preference
// between two ready channels), so this checks the session-state guard at
// the level that actually owns it, the same way channel_test.go checks
// allocChannel exhaustion directly instead of through a running driver.
func TestRequestInProgressRejectsConcurrentRequest(t *testing.T) {
	space := physmem.New(1 << 20)
	dev := NewSimDevice(space)
	trans := NewVirtualTransport(1)

	cfg := DefaultConfig()
	cfg.NumChannels = 2
	cfg.ScratchBytes = 4096

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	drv, err := NewDriver(cfg, dev, trans, SimFrameIdentifier{}, SimFrameAllocator{Space: space}, dev.Notify(), log)
	require.NoError(t, err)

	remote := Endpoint{Listener: 7, EPOffset: 1}
	drv.Handshake(remote)
	require.Equal(t, ReplyOK, (<-trans.RepliesFor(remote)).Code)

	dstCap := NewSimCap(space, 1<<20)
	drv.SubmitMemset(remote, dstCap, 0, 1<<20, 0x01)
	require.Equal(t, ReplyOK, (<-trans.RepliesFor(remote)).Code)

	// The memset above only ran its first sub-transfer; op stays Memset
	// until the continuation chain (driven by interrupts, not called
	// here) finishes it. A second request from the same client now must
	// be rejected without touching the hardware at all.
	otherCap := NewSimCap(space, 64)
	drv.SubmitMemset(remote, otherCap, 0, 16, 0x02)

	rep := <-trans.RepliesFor(remote)
	assert.Equal(t, ReplyErrRequestInProgress, rep.Code)
}
