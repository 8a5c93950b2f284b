// Package sdma implements a user-space driver service for the OMAP44xx
// System DMA (SDMA) engine.
//
// Clients connect over a local message-passing channel and hand the driver
// capabilities referring to physical memory frames. The driver programs one
// of the SDMA engine's hardware channels to move or fill the referenced
// memory directly, then asynchronously reports completion.
//
// The driver is organized in four layers, leaf first:
//
//   - registers.go / mmioregs.go: typed field-level access to the SDMA
//     MMIO register block (C1).
//   - channel.go: translates a logical {op, src, dst, shape} request into a
//     concrete channel register configuration and starts the transfer (C2).
//   - session.go: per-client state, rendezvous of the two half-requests
//     that make up a memcpy/rotate, and request validation (C3).
//   - dispatch.go / interrupt.go: the wire protocol, opcode routing, the
//     interrupt-driven completion path and the memset continuation (C4).
//
// The driver runs as a single-threaded cooperative event loop: Driver.Run
// serializes all handler invocations, so no locking is required between
// them.
package sdma
