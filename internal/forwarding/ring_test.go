/*
 * RemoteHub
 *
 * Forwarding engine: packet ring tests
 */

package forwarding

import (
	"testing"

	"github.com/jlaitinen/remotehub/internal/usbip"
)

func seqPacket(seq uint32) *packet {
	return &packet{hdr: usbip.Header{Base: usbip.Base{Seqnum: seq}}}
}

func TestRingDequeueReadySkipsNotReady(t *testing.T) {
	r := newRing()

	p1, p2, p3 := seqPacket(1), seqPacket(2), seqPacket(3)
	r.enqueue(p1)
	r.enqueue(p2)
	r.enqueue(p3)

	// p2 completes before p1: TX must be able to take it while p1
	// stays at its original ring position, per §5's reordering note.
	r.markReady(p2)

	got := r.dequeueReady()
	if got != p2 {
		t.Fatalf("dequeueReady returned seq %d, want 2", got.hdr.Base.Seqnum)
	}

	if len(r.items) != 2 || r.items[0] != p1 || r.items[1] != p3 {
		t.Fatalf("ring order corrupted after dequeue: %v", r.items)
	}

	if r.dequeueReady() != nil {
		t.Fatalf("dequeueReady should find nothing ready yet")
	}

	r.markReady(p1)
	got = r.dequeueReady()
	if got != p1 {
		t.Fatalf("dequeueReady returned seq %d, want 1", got.hdr.Base.Seqnum)
	}
}

func TestRingUnlinkFindsResidentPacket(t *testing.T) {
	r := newRing()
	p := seqPacket(10)
	r.enqueue(p)

	found := r.unlink(10, 11)
	if found != p {
		t.Fatalf("unlink did not find resident packet")
	}
	if p.unlinked != 11 {
		t.Fatalf("unlinked = %d, want 11", p.unlinked)
	}

	if r.unlink(999, 12) != nil {
		t.Fatalf("unlink should not find a packet that was never submitted")
	}
}

func TestRingEnqueueReadySynthesisesUnlinkReply(t *testing.T) {
	r := newRing()

	p := &packet{hdr: usbip.Header{
		Base:      usbip.Base{Command: usbip.RetUnlink, Seqnum: 11},
		RetUnlink: usbip.RetUnlinkUnion{Status: 0},
	}}
	r.enqueueReady(p)

	if r.readyCount != 1 {
		t.Fatalf("readyCount = %d, want 1", r.readyCount)
	}

	got := r.dequeueReady()
	if got.hdr.Base.Command != usbip.RetUnlink || got.hdr.Base.Seqnum != 11 {
		t.Fatalf("unexpected synthesised packet: %+v", got.hdr)
	}
}

func TestRingBackpressure(t *testing.T) {
	r := newRing()

	done := make(chan struct{})
	go func() {
		r.waitForSlot(0) // immediately at/above limit 0
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("waitForSlot returned before terminate was set")
	default:
	}

	r.setTerminate()
	<-done
}
