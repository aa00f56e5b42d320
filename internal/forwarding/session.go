/*
 * RemoteHub
 *
 * Forwarding engine: per-device session (RX/TX/monitor)
 */

package forwarding

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jlaitinen/remotehub/internal/link"
	"github.com/jlaitinen/remotehub/internal/rhlog"
	"github.com/jlaitinen/remotehub/internal/usbenum"
	"github.com/jlaitinen/remotehub/internal/usbip"
)

// controlRequestSize is the size of a standard USB control request,
// the layout intercept_control_packet parses out of the setup bytes.
const controlRequestSize = 8

// Control request constants needed for the interception logic of
// §4.4.3, taken from the USB 2.0 spec chapter 9.
const (
	usbReqClearFeature     = 1
	usbReqSetFeature       = 3
	usbReqSetConfiguration = 9
	usbReqSetInterface     = 11

	usbRecipDevice    = 0x00
	usbRecipInterface = 0x01
	usbRecipEndpoint  = 0x02
	usbRecipOther     = 0x03 // USB_RT_PORT uses recipient "other"

	usbEndpointHalt  = 0
	usbPortFeatReset = 4
)

// Session is one exported device's forwarding session: the RX/TX pair
// plus the monitor goroutine that owns its lifecycle, the Go analogue
// of struct forward_info + its three pthreads.
type Session struct {
	dev  *usbenum.TrackedDevice
	link *link.Link
	h    *handle
	r    *ring
	log  *rhlog.Logger

	doneCh chan struct{}
}

// Start claims the device's interfaces, resets it, and launches the
// monitor goroutine (which in turn launches RX and TX), returning
// immediately, matching forwarding_start's "create the monitor thread
// and return" shape.
func Start(dev *usbenum.TrackedDevice, lk *link.Link, log *rhlog.Logger) (*Session, error) {
	if dev.Device.NumConfigurations != 1 {
		return nil, fmt.Errorf("forwarding: only single-configuration devices are supported (found %d)", dev.Device.NumConfigurations)
	}

	h, err := openByAddr(uint8(dev.Addr.Bus), uint8(dev.Addr.Address), int(dev.Device.NumInterfaces))
	if err != nil {
		return nil, fmt.Errorf("forwarding: open: %w", err)
	}

	if err := h.claimAll(); err != nil {
		h.close()
		return nil, fmt.Errorf("forwarding: claim: %w", err)
	}

	h.resetDevice()

	s := &Session{
		dev:    dev,
		link:   lk,
		h:      h,
		r:      newRing(),
		log:    log,
		doneCh: make(chan struct{}),
	}

	go s.monitor()

	return s, nil
}

// Done reports when the session's monitor goroutine has fully torn
// down, the point at which DEVICE_UNEXPORTED should be emitted.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Stop requests external teardown (server exit or an explicit
// unexport), shutting the link so RX observes EOF and exits.
func (s *Session) Stop() {
	s.link.Shutdown()
}

func (s *Session) trace(format string, args ...interface{}) {
	if s.log == nil {
		return
	}
	s.log.Begin().Trace(rhlog.LogTraceUSBIP, ' ', format, args...).Commit()
}

// monitor spawns RX and TX, waits for both to exit, drains any
// packets still in the ring, releases the device, and closes the
// link, per §4.4.3.
func (s *Session) monitor() {
	rxDone := make(chan struct{})
	txDone := make(chan struct{})

	go func() { s.rx(); close(rxDone) }()
	go func() { s.tx(); close(txDone) }()

	<-rxDone
	<-txDone

	for {
		p := s.r.dequeueAny()
		if p == nil {
			break
		}
		if !p.ready {
			if p.xfer != nil {
				p.xfer.cancel()
			}
			for !p.ready {
				time.Sleep(10 * time.Millisecond)
				s.r.mu.Lock()
				ready := p.ready
				s.r.mu.Unlock()
				if ready {
					break
				}
			}
		}
		if p.xfer != nil {
			p.xfer.free()
		}
	}

	s.h.releaseAll()
	s.h.close()
	s.link.Close()

	close(s.doneCh)
	s.trace("forwarding: session teardown complete")
}

// rx reads USB/IP forwarding-mode headers off the link and dispatches
// CMD_SUBMIT/CMD_UNLINK, per §4.4.3.
func (s *Session) rx() {
	for {
		if s.r.waitForSlot(PacketBufSize) {
			return
		}

		hdr, err := usbip.ReadHeader(s.link)
		if err != nil {
			s.trace("forwarding: rx: header read failed: %s", err)
			s.r.setTerminate()
			return
		}

		switch hdr.Base.Command {
		case usbip.CmdSubmit:
			if !s.handleSubmit(hdr) {
				s.r.setTerminate()
				return
			}
		case usbip.CmdUnlink:
			s.handleUnlink(hdr)
		default:
			s.trace("forwarding: rx: unknown command %d", hdr.Base.Command)
			s.r.setTerminate()
			return
		}
	}
}

func (s *Session) handleUnlink(hdr usbip.Header) {
	unlinkSeqnum := hdr.Base.Seqnum
	targetSeqnum := hdr.Unlink.Seqnum

	if p := s.r.unlink(targetSeqnum, unlinkSeqnum); p != nil {
		s.trace("forwarding: unlink seq %d for %d: packet found", unlinkSeqnum, targetSeqnum)
		if p.xfer != nil {
			p.xfer.cancel()
		}
		return
	}

	s.trace("forwarding: unlink seq %d for %d: already replied, synthesising RET_UNLINK", unlinkSeqnum, targetSeqnum)

	p := &packet{
		hdr: usbip.Header{
			Base: usbip.Base{
				Command: usbip.RetUnlink,
				Seqnum:  unlinkSeqnum,
				DevID:   hdr.Base.DevID,
			},
			RetUnlink: usbip.RetUnlinkUnion{Status: 0},
		},
	}
	s.r.enqueueReady(p)
}

func (s *Session) handleSubmit(hdr usbip.Header) bool {
	bufsize := hdr.Submit.TransferBufferLen
	data := make([]byte, bufsize+controlRequestSize)
	copy(data, hdr.Submit.Setup[:])

	offset := 0
	if hdr.Base.Ep == 0 {
		offset = controlRequestSize
	}

	switch hdr.Base.Direction {
	case usbip.DirIn:
	case usbip.DirOut:
		if bufsize > 0 {
			if err := s.link.RecvAll(data[offset : offset+int(bufsize)]); err != nil {
				s.trace("forwarding: rx: data receive failed: %s", err)
				return false
			}
		}
	default:
		s.trace("forwarding: rx: unknown direction %d", hdr.Base.Direction)
		return false
	}

	p := &packet{hdr: hdr, data: data}

	kind := s.endpointKind(hdr.Base.Direction, uint8(hdr.Base.Ep))
	numIso := 0
	if kind == xferIsochronous {
		numIso = int(hdr.Submit.NumberOfPackets)
	}

	if numIso > 0 {
		if err := s.receiveIso(p, numIso); err != nil {
			s.trace("forwarding: rx: iso descriptor receive failed: %s", err)
			return false
		}
	}

	if hdr.Base.Ep == 0 {
		s.interceptControl(hdr)
	}

	ep := setEndpoint(uint8(hdr.Base.Ep), hdr.Base.Direction)
	if _, err := s.h.submit(s, s.r, p, ep, kind, 0); err != nil {
		s.trace("forwarding: rx: submit failed: %s", err)
		return false
	}

	s.r.enqueue(p)
	return true
}

// receiveIso reads the n ISO packet descriptors that follow an
// isochronous CMD_SUBMIT header and records their requested lengths so
// submit/sendIsoData can honor them instead of assuming equal-sized
// packets.
func (s *Session) receiveIso(p *packet, n int) error {
	p.isoLengths = make([]uint32, n)
	for i := 0; i < n; i++ {
		desc, err := usbip.ReadIsoPacketDesc(s.link)
		if err != nil {
			return err
		}
		p.isoLengths[i] = desc.Length
	}
	return nil
}

func (s *Session) endpointKind(dir uint32, ep uint8) xferKind {
	if ep == 0 {
		return xferControl
	}
	key := ep & 0x0f
	if dir == usbip.DirIn {
		key |= 0x80
	}
	switch s.dev.EndpointKinds[key] {
	case usbenum.EndpointIsochronous:
		return xferIsochronous
	case usbenum.EndpointBulk:
		return xferBulk
	case usbenum.EndpointInterrupt:
		return xferInterrupt
	default:
		return xferControl
	}
}

func setEndpoint(ep uint8, dir uint32) uint8 {
	if ep == 0 {
		return 0
	}
	if dir == usbip.DirIn {
		return ep | 0x80
	}
	return ep
}

// interceptControl observes ep-0 setup bytes and opportunistically
// executes local side effects, per §4.4.3. Grounded verbatim on
// forwarding.c's intercept_control_packet.
func (s *Session) interceptControl(hdr usbip.Header) {
	setup := hdr.Submit.Setup[:]
	bRequestType := setup[0]
	bRequest := setup[1]
	wValue := binary.LittleEndian.Uint16(setup[2:4])
	wIndex := binary.LittleEndian.Uint16(setup[4:6])

	recipient := bRequestType & 0x1f

	switch {
	case bRequest == usbReqClearFeature && recipient == usbRecipEndpoint && wValue == usbEndpointHalt:
		ep := wIndex & 0x008F
		if err := s.h.clearHalt(uint8(ep)); err != nil {
			s.trace("forwarding: clear halt on ep %#x failed: %s", ep, err)
		} else {
			s.trace("forwarding: cleared halt on ep %#x", ep)
		}

	case bRequest == usbReqSetFeature && recipient == usbRecipOther && wValue == usbPortFeatReset:
		s.trace("forwarding: reset command received")
		s.h.resetDevice()

	case bRequest == usbReqSetConfiguration && recipient == usbRecipDevice:
		s.trace("forwarding: config changing not supported (cfg %d)", wValue)

	case bRequest == usbReqSetInterface && recipient == usbRecipInterface:
		iface, alt := int(wIndex), int(wValue)
		if err := s.h.setInterfaceAltSetting(iface, alt); err != nil {
			s.trace("forwarding: set interface %d alt %d failed: %s", iface, alt, err)
		} else {
			s.trace("forwarding: set interface %d, altsetting %d", iface, alt)
		}
	}
}

// onTransferDone is invoked from the libusb completion callback (on
// libusb's own event-handling thread). It fills in ret_submit and
// marks the packet ready, per §4.4.3's completion-callback contract.
func (s *Session) onTransferDone(t *transfer) {
	p := t.pkt

	switch t.statusInt() {
	case transferCancelled:
		p.hdr.RetSubmit.Status = convertStatus(t.status())
		s.r.markReady(p)
		return
	case transferNoDevice:
		s.link.Shutdown()
		s.r.setTerminate()
		s.r.markReady(p)
		return
	}

	p.hdr.Base.Command = usbip.RetSubmit
	p.hdr.RetSubmit.Status = convertStatus(t.status())
	p.hdr.RetSubmit.ActualLength = t.actualLength()
	p.hdr.RetSubmit.NumberOfPackets = uint32(t.numIsoPackets())

	if n := t.numIsoPackets(); n > 0 {
		var total uint32
		for i := 0; i < n; i++ {
			total += t.isoPacketActualLength(i)
		}
		p.hdr.RetSubmit.ActualLength = total
	}

	s.r.markReady(p)
}

// tx waits for ready packets and writes their replies back to the
// link in submission order, skipping over not-yet-ready predecessors,
// per §4.4.3.
func (s *Session) tx() {
	for {
		if s.r.waitReady() {
			return
		}

		p := s.r.dequeueReady()
		if p == nil {
			continue
		}

		if p.unlinked != 0 {
			p.hdr.Base.Command = usbip.RetUnlink
			p.hdr.Base.Seqnum = p.unlinked
			p.hdr.RetUnlink.Status = -104 // -ECONNRESET
		}

		command := p.hdr.Base.Command
		direction := p.hdr.Base.Direction

		if err := p.hdr.WriteTo(s.link); err != nil {
			s.freePacket(p)
			s.r.setTerminate()
			return
		}

		switch command {
		case usbip.RetSubmit:
			if err := s.sendSubmitData(p, direction); err != nil {
				s.freePacket(p)
				s.r.setTerminate()
				return
			}
		case usbip.RetUnlink:
			// header only
		default:
			s.trace("forwarding: tx: unknown command %#x", command)
			s.freePacket(p)
			s.r.setTerminate()
			return
		}

		s.freePacket(p)
	}
}

func (s *Session) sendSubmitData(p *packet, direction uint32) error {
	if p.xfer == nil {
		return nil
	}

	if p.xfer.numIsoPackets() > 0 {
		return s.sendIsoData(p, direction)
	}

	if direction != usbip.DirIn {
		return nil
	}

	offset := 0
	if p.hdr.Base.Ep == 0 {
		offset = controlRequestSize
	}
	n := int(p.hdr.RetSubmit.ActualLength)
	return s.link.SendAll(p.data[offset : offset+n])
}

func (s *Session) sendIsoData(p *packet, direction uint32) error {
	n := p.xfer.numIsoPackets()
	offset := uint32(0)

	fallbackLen := p.hdr.Submit.TransferBufferLen
	if n > 0 {
		fallbackLen /= uint32(n)
	}

	if direction == usbip.DirIn {
		for i := 0; i < n; i++ {
			al := p.xfer.isoPacketActualLength(i)
			if err := s.link.SendAll(p.data[offset : offset+al]); err != nil {
				return err
			}
			length := fallbackLen
			if i < len(p.isoLengths) {
				length = p.isoLengths[i]
			}
			offset += length
		}
	}

	offset = 0
	for i := 0; i < n; i++ {
		length := fallbackLen
		if i < len(p.isoLengths) {
			length = p.isoLengths[i]
		}
		desc := usbip.IsoPacketDesc{
			Offset:       offset,
			Length:       length,
			ActualLength: p.xfer.isoPacketActualLength(i),
			Status:       int32(p.xfer.isoPacketStatus(i)),
		}
		if err := desc.WriteTo(s.link); err != nil {
			return err
		}
		offset += length
	}
	return nil
}

func (s *Session) freePacket(p *packet) {
	if p.xfer != nil {
		p.xfer.free()
	}
}
