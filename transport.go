package sdma

import (
	"errors"
	"sync"
)

// Transport is the driver's view of the kernel's local message-passing
// primitive: inbound requests arrive on Inbox, replies go out through
// Send. The real OS collaborator (the LMP channel of spec.md §1) sits
// behind this interface; VirtualTransport below backs it for tests and
// the non-hardware demo the same way the teacher's VirtualCanBus backs
// the Bus interface for canopen network tests.
type Transport interface {
	// Inbox is read by the driver's Run loop for inbound Messages.
	Inbox() <-chan Message
	// Send delivers a Reply to its addressed endpoint.
	Send(Reply) error
	// Open mints a new driver-side endpoint for a freshly handshaken
	// client, makes remote reachable through Send, and returns the new
	// driver-side Endpoint.
	Open(remote Endpoint) (Endpoint, error)
}

// VirtualTransport is an in-process Transport: every client is simply a
// Go channel pair keyed by Endpoint, with no wire framing. It plays the
// role virtual.go's VirtualCanBus plays for CANopen network tests: a
// fixture a test (or a non-hardware CLI run) can drive directly, instead
// of dialing a loopback TCP port the way the teacher's bus does, since
// the SDMA channel here is already in-process capability passing rather
// than a CAN bus.
type VirtualTransport struct {
	mu       sync.Mutex
	inbox    chan Message
	replies  map[Endpoint]chan Reply
	nextEP   uint32
	listener uint32
}

// NewVirtualTransport creates an empty transport. listener identifies the
// driver's side of every endpoint it mints, mirroring the single
// `lc.local_cap` listener the real LMP channel would expose.
func NewVirtualTransport(listener uint32) *VirtualTransport {
	return &VirtualTransport{
		inbox:    make(chan Message, 64),
		replies:  make(map[Endpoint]chan Reply),
		listener: listener,
	}
}

func (t *VirtualTransport) Inbox() <-chan Message { return t.inbox }

// Open allocates a fresh driver-side Endpoint for remote and a buffered
// reply channel a test harness can read with RepliesFor.
func (t *VirtualTransport) Open(remote Endpoint) (Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextEP++
	ep := Endpoint{Listener: t.listener, EPOffset: t.nextEP}
	t.replies[remote] = make(chan Reply, 8)
	return ep, nil
}

func (t *VirtualTransport) Send(r Reply) error {
	t.mu.Lock()
	ch, ok := t.replies[r.To]
	t.mu.Unlock()
	if !ok {
		return errors.New("sdma: send to unknown endpoint")
	}
	ch <- r
	return nil
}

// SendMessage is how a test harness or demo client injects an inbound
// Message, standing in for the client-side sdma_rpc_* stub.
func (t *VirtualTransport) SendMessage(m Message) {
	t.inbox <- m
}

// RepliesFor returns the reply channel opened for remote's endpoint, or
// nil if Open was never called for it.
func (t *VirtualTransport) RepliesFor(remote Endpoint) <-chan Reply {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replies[remote]
}
