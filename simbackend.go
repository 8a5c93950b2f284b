package sdma

import (
	"errors"

	"github.com/omap-sdma/sdmad/internal/physmem"
)

// SimCap is the capability type the simulated backend hands to clients:
// an opaque token wrapping a region already carved out of a physmem.Space.
// The real microkernel's capability type is out of scope (spec.md §1); this
// is the test/demo stand-in a VirtualTransport client can pass as Message.Cap.
type SimCap struct {
	id FrameID
}

// NewSimCap allocates bytes in space and returns the capability naming
// that region, the simulated equivalent of frame_alloc + frame_identify.
func NewSimCap(space *physmem.Space, bytes uint32) SimCap {
	base := space.Alloc(bytes)
	return SimCap{id: FrameID{Base: base, Bytes: bytes}}
}

// FrameID is a convenience accessor test fixtures use to seed/inspect frame
// contents directly through the backing physmem.Space.
func (c SimCap) FrameID() FrameID { return c.id }

// SimFrameIdentifier resolves SimCaps against the FrameIdentifier
// interface the session assembler depends on.
type SimFrameIdentifier struct{}

func (SimFrameIdentifier) Identify(cap Cap) (FrameID, error) {
	c, ok := cap.(SimCap)
	if !ok {
		return FrameID{}, errors.New("sdma: simulated backend given a foreign capability type")
	}
	return c.id, nil
}

// SimFrameAllocator hands out memset scratch buffers backed by a shared
// physmem.Space, so fixture code can assert on the bytes a memset
// actually moved.
type SimFrameAllocator struct {
	Space *physmem.Space
}

func (a SimFrameAllocator) Alloc(bytes uint32) (ScratchBuffer, error) {
	base := a.Space.Alloc(bytes)
	return &simScratchBuffer{space: a.Space, id: FrameID{Base: base, Bytes: bytes}}, nil
}

type simScratchBuffer struct {
	space *physmem.Space
	id    FrameID
}

func (b *simScratchBuffer) FrameID() FrameID { return b.id }

func (b *simScratchBuffer) Fill(value byte, n uint32) {
	if n > b.id.Bytes {
		n = b.id.Bytes
	}
	pattern := make([]byte, n)
	for i := range pattern {
		pattern[i] = value
	}
	b.space.WriteAt(b.id.Base, pattern)
}

// Flush is a no-op: physmem.Space has no cache to flush. The real backend
// (mmioregs.go's counterpart) would issue the equivalent of
// sys_debug_flush_cache here before the engine is started.
func (b *simScratchBuffer) Flush() {}
