//go:build linux

package sdma

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MMIORegisters backs RegisterFile with a real memory-mapped SDMA window,
// opened the same way the teacher's bus_manager.go reaches for
// golang.org/x/sys/unix directly rather than shelling out: here it backs
// unix.Mmap over /dev/mem instead of a CAN_SFF_MASK constant.
type MMIORegisters struct {
	file *os.File
	mem  []byte
}

// OpenMMIORegisters maps size bytes of physical address space starting at
// base, as the SDMA register window.
func OpenMMIORegisters(base, size uintptr) (*MMIORegisters, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("sdma: opening /dev/mem: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), int64(base), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sdma: mmap register window at %#x: %w", base, err)
	}

	return &MMIORegisters{file: f, mem: mem}, nil
}

func (m *MMIORegisters) ReadReg(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(m.mem[offset : offset+4])
}

func (m *MMIORegisters) WriteReg(offset uint32, val uint32) {
	binary.LittleEndian.PutUint32(m.mem[offset:offset+4], val)
}

// Close unmaps the register window and releases the backing file handle.
func (m *MMIORegisters) Close() error {
	if err := unix.Munmap(m.mem); err != nil {
		m.file.Close()
		return fmt.Errorf("sdma: munmap register window: %w", err)
	}
	return m.file.Close()
}

// UIOInterruptSource delivers the SDMA IRQ line to user space via the
// Linux UIO framework (/dev/uioN): each blocking 4-byte read unblocks
// once per interrupt, which is exactly the "inthandler_setup routes the
// line into our handler" collaborator of spec.md §6 reduced to something
// a userspace Go process can actually open. It is the real counterpart to
// SimDevice.Notify for the hardware backend.
type UIOInterruptSource struct {
	file *os.File
	ch   chan struct{}
	done chan struct{}
}

// OpenUIOInterrupt opens the given UIO device node and starts the
// background read loop that turns interrupt completions into signals on
// Notify().
func OpenUIOInterrupt(path string) (*UIOInterruptSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sdma: opening UIO device %q: %w", path, err)
	}
	u := &UIOInterruptSource{
		file: f,
		ch:   make(chan struct{}, 64),
		done: make(chan struct{}),
	}
	go u.run()
	return u, nil
}

func (u *UIOInterruptSource) run() {
	var count [4]byte
	for {
		if _, err := u.file.Read(count[:]); err != nil {
			close(u.ch)
			return
		}
		select {
		case u.ch <- struct{}{}:
		case <-u.done:
			return
		}
	}
}

// Notify satisfies the same interface SimDevice implements for the
// simulated backend.
func (u *UIOInterruptSource) Notify() <-chan struct{} { return u.ch }

// Close stops the read loop and releases the UIO device node.
func (u *UIOInterruptSource) Close() error {
	close(u.done)
	return u.file.Close()
}
