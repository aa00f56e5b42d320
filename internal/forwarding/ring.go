/*
 * RemoteHub
 *
 * Forwarding engine: packet ring
 */

// Package forwarding implements §4.4.2/§4.4.3's forwarding session: the
// packet ring, the RX/TX/monitor goroutine trio, claim/release of the
// device's interfaces, control-packet interception, and async transfer
// submission against libusb. Grounded in lockstep on the original
// implementation's server/util/forwarding.c for exact semantics and on
// the teacher's usbio_libusb.go for the cgo shape (transfer allocation,
// completion-channel map, status decode table).
package forwarding

import (
	"sync"

	"github.com/jlaitinen/remotehub/internal/usbip"
)

// PacketBufSize bounds the number of outstanding packets a session
// holds before RX applies backpressure, per §4.4.3.
const PacketBufSize = 32

// packet is one outstanding USB/IP request, the Go analogue of
// struct usb_packet. Per SPEC_FULL.md §9's redesign note, ownership
// flows RX -> ring -> TX -> drop, and the ring is modelled as an
// indexed slice instead of the original's hand-rolled linked list.
type packet struct {
	hdr      usbip.Header
	xfer     *transfer
	data     []byte
	ready    bool
	unlinked uint32

	// isoLengths holds the per-descriptor lengths the peer requested
	// for an isochronous CMD_SUBMIT, in wire order. nil for every
	// non-ISO transfer.
	isoLengths []uint32
}

// ring is the per-session packet ring: an ordered slice of in-flight
// packets plus a ready count, guarded by its own lock and condition
// variable, exactly as ForwardInfo's buffer_lock/buffer_cond in §3.
type ring struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []*packet
	readyCount int
	terminate  bool
}

func newRing() *ring {
	r := &ring{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// enqueue appends p to the tail of the ring, preserving submission
// order.
func (r *ring) enqueue(p *packet) {
	r.mu.Lock()
	r.items = append(r.items, p)
	r.mu.Unlock()
}

// enqueueReady appends an already-ready packet (the synthesised
// RET_UNLINK case of §4.4.3) and wakes TX.
func (r *ring) enqueueReady(p *packet) {
	p.ready = true
	r.mu.Lock()
	r.items = append(r.items, p)
	r.readyCount++
	r.mu.Unlock()
	r.cond.Signal()
}

// waitForSlot blocks while the ring is at capacity and the session is
// not terminating, implementing RX's backpressure wait.
func (r *ring) waitForSlot(limit int) (terminate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.readyCount >= limit && !r.terminate {
		r.cond.Wait()
	}
	return r.terminate
}

// waitReady blocks until at least one packet is ready or the session
// terminates.
func (r *ring) waitReady() (terminate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.readyCount == 0 && !r.terminate {
		r.cond.Wait()
	}
	return r.terminate
}

// markReady flips p.ready, increments the ready count, and wakes any
// waiter. Called from the libusb completion callback.
func (r *ring) markReady(p *packet) {
	r.mu.Lock()
	p.ready = true
	r.readyCount++
	r.mu.Unlock()
	r.cond.Signal()
}

// dequeueReady pops the first ready packet, scanning past
// not-yet-ready predecessors while leaving them at their original
// position, per §3's ring-preservation invariant.
func (r *ring) dequeueReady() *packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.items {
		if p.ready {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			r.readyCount--
			return p
		}
	}
	return nil
}

// dequeueAny pops the head of the ring regardless of readiness, used
// by the monitor's drain-on-teardown pass.
func (r *ring) dequeueAny() *packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return nil
	}
	p := r.items[0]
	r.items = r.items[1:]
	if p.ready {
		r.readyCount--
	}
	return p
}

// unlink finds the packet submitted with targetSeqnum still resident
// in the ring and marks it cancelled, returning it so the caller can
// request libusb cancellation outside the lock. It returns nil if
// the target has already been dequeued (it must already have been
// replied to), matching unlink_packet in forwarding.c.
func (r *ring) unlink(targetSeqnum, unlinkSeqnum uint32) *packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.items {
		if p.hdr.Base.Seqnum == targetSeqnum {
			p.unlinked = unlinkSeqnum
			return p
		}
	}
	return nil
}

// setTerminate flips the terminate flag and wakes every waiter.
func (r *ring) setTerminate() {
	r.mu.Lock()
	r.terminate = true
	r.mu.Unlock()
	r.cond.Broadcast()
}
