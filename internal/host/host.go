/*
 * RemoteHub
 *
 * Server host task: accepts incoming links, serves the device-list
 * and import control-plane exchange, and starts/tracks forwarding
 * sessions.
 */

// Package host implements the server side of §4.2's control-plane
// exchange and owns the bridge between internal/usbenum's enumeration
// pass and internal/forwarding's per-device sessions, the Go analogue
// of the original implementation's server/tasks/host.c (accept loop)
// and server/tasks/usb.c (devlist/import command dispatch), driven by
// internal/event's Timer1s the same way usbenum's enumeration pass is
// specified in §4.4.1.
package host

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/jlaitinen/remotehub/internal/event"
	"github.com/jlaitinen/remotehub/internal/forwarding"
	"github.com/jlaitinen/remotehub/internal/link"
	"github.com/jlaitinen/remotehub/internal/rhconf"
	"github.com/jlaitinen/remotehub/internal/rhlog"
	"github.com/jlaitinen/remotehub/internal/usbenum"
	"github.com/jlaitinen/remotehub/internal/usbip"
)

// Host is the server's USB task + connection acceptor: it owns the
// Enumerator, the incoming Listener, and the table of live forwarding
// Sessions keyed by device address.
type Host struct {
	bus      *event.Bus
	task     *event.Task
	enum     *usbenum.Enumerator
	listener *link.Listener
	log      *rhlog.Logger
	cfg      rhconf.ServerConfig

	mu       sync.Mutex
	sessions map[usbenum.UsbAddr]*forwarding.Session
	last     map[usbenum.UsbAddr]*usbenum.TrackedDevice

	// order is h.last's keys in the enumerator's deterministic
	// ascending bus/address order, refreshed on every poll(). §4.2
	// requires devlist replies and import's tie-break to follow
	// enumeration order, which a bare `range` over last (a Go map)
	// cannot guarantee.
	order usbenum.UsbAddrList
}

// Start opens the incoming listener, creates the USB enumerator, and
// launches the host's Timer1s-driven worker and its connection-accept
// loop, matching main.go's server init sequence (usb task then host
// task, both started before the beacon).
func Start(bus *event.Bus, cfg rhconf.ServerConfig, tlsCfg *tls.Config, log *rhlog.Logger) (*Host, error) {
	ln, err := link.NewListener(cfg.Port, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("host: listen: %w", err)
	}

	h := &Host{
		bus:      bus,
		enum:     usbenum.NewEnumerator(log, cfg.DisabledBuses),
		listener: ln,
		log:      log,
		cfg:      cfg,
		sessions: make(map[usbenum.UsbAddr]*forwarding.Session),
		last:     make(map[usbenum.UsbAddr]*usbenum.TrackedDevice),
	}

	h.task = bus.Register("host", event.Timer1s)

	go h.run()
	go h.acceptLoop()

	return h, nil
}

func (h *Host) trace(format string, args ...interface{}) {
	if h.log == nil {
		return
	}
	h.log.Begin().Trace(rhlog.LogTraceEvent, ' ', format, args...).Commit()
}

// run drives the enumeration poll off Timer1s, per §4.4.1, until the
// bus terminates, then tears down every live session and the
// listener.
func (h *Host) run() {
	h.trace("host: starting on port %d", h.cfg.Port)

	for {
		ev, ok := h.task.Recv()
		if !ok {
			break
		}
		if ev.Type == event.Timer1s {
			h.poll()
		}
	}

	h.shutdown()
	h.bus.Unregister(h.task)
	h.trace("host: exit")
}

// poll runs one enumeration pass and reconciles it against the live
// session table, per §4.4.1's "walk the tracked list" paragraph:
// devices that vanished have their session torn down, and every
// tracked device's Exported flag is refreshed from session liveness
// before the LOCAL_DEVICELIST snapshot is emitted.
func (h *Host) poll() {
	result, err := h.enum.Poll()
	if err != nil {
		h.trace("host: enumeration poll failed: %s", err)
		return
	}

	h.mu.Lock()
	for _, td := range result.Attached {
		h.last[td.Addr] = td
	}
	h.order = h.enum.Addrs()
	h.mu.Unlock()

	for _, td := range result.Attached {
		h.bus.Enqueue(&event.Event{
			Type: event.DeviceAttached,
			Data: td.Device,
		})
	}

	for _, addr := range result.Detached {
		h.mu.Lock()
		dev := h.last[addr]
		delete(h.last, addr)
		sess := h.sessions[addr]
		delete(h.sessions, addr)
		h.mu.Unlock()

		if sess != nil {
			sess.Stop()
			<-sess.Done()
		}

		if dev != nil {
			h.bus.Enqueue(&event.Event{Type: event.DeviceDetached, Data: dev.Device})
		}
	}

	h.bus.Enqueue(&event.Event{Type: event.LocalDevicelist, Data: result.Snapshot})
}

// shutdown stops accepting new connections and tears down every live
// forwarding session, mirroring server shutdown's reverse-of-init
// unwind.
func (h *Host) shutdown() {
	h.listener.Close()

	h.mu.Lock()
	sessions := make([]*forwarding.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
		<-s.Done()
	}

	h.enum.Close()
}

// Snapshot returns the currently tracked devices, for status
// introspection (internal/ctrlsock's "rh-server status" support).
func (h *Host) Snapshot() []*usbenum.TrackedDevice {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*usbenum.TrackedDevice, 0, len(h.order))
	for _, addr := range h.order {
		if td, ok := h.last[addr]; ok {
			out = append(out, td)
		}
	}
	return out
}

// acceptLoop accepts incoming Links and dispatches each to its own
// goroutine, matching usbip_host's per-connection handler shape.
func (h *Host) acceptLoop() {
	for {
		lk, err := h.listener.Accept()
		if err != nil {
			return
		}
		go h.serve(lk)
	}
}

// serve reads one control-plane request off lk and dispatches it,
// per §4.2.
func (h *Host) serve(lk *link.Link) {
	op, err := usbip.ReadOpCommon(lk)
	if err != nil {
		lk.Close()
		return
	}

	switch op.Code {
	case usbip.OpReqDevlist:
		h.serveDevlist(lk)
		lk.Close()
	case usbip.OpReqImport:
		h.serveImport(lk)
	default:
		h.trace("host: unknown opcode %#x from %s", op.Code, lk.RemoteAddr())
		lk.Close()
	}
}

// serveDevlist replies with every tracked, non-exported device on an
// enabled bus, per §4.2's "Only devices that are not currently
// exported and whose bus is not disabled are included."
func (h *Host) serveDevlist(lk *link.Link) {
	h.mu.Lock()
	var records []usbip.DeviceRecord
	for _, addr := range h.order {
		td, ok := h.last[addr]
		if !ok || td.Exported {
			continue
		}
		records = append(records, usbip.DeviceRecord{Device: td.Device, Interfaces: td.Interfaces})
	}
	h.mu.Unlock()

	if err := usbip.WriteDevlistReply(lk, usbip.StatusOK, records); err != nil {
		h.trace("host: devlist reply to %s failed: %s", lk.RemoteAddr(), err)
	}
}

// serveImport handles OP_REQ_IMPORT: locate the device, validate it
// is exportable, and on success transition the link into forwarding
// mode for the remainder of its lifetime, per §4.2's import exchange
// and policy tie-breaks (first match in enumeration order, NODEV if
// unknown, DEV_BUSY if disabled or already exported).
func (h *Host) serveImport(lk *link.Link) {
	busid, err := usbip.ReadImportRequest(lk)
	if err != nil {
		lk.Close()
		return
	}

	td, status := h.findImportable(busid)
	if status != usbip.StatusOK {
		h.trace("host: import %q rejected, status %d", busid, status)
		usbip.WriteImportReplyFail(lk, status)
		lk.Close()
		return
	}

	if err := usbip.WriteImportReplyOK(lk, td.Device); err != nil {
		lk.Close()
		return
	}

	h.startSession(td, lk)
}

// findImportable re-validates busid against the disabled-bus list and
// current export state at import time, the supplemented re-check
// SPEC_FULL.md §D calls for in addition to the enumeration-time skip.
func (h *Host) findImportable(busid string) (*usbenum.TrackedDevice, uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A bus-id on a disabled bus is rejected with DEV_BUSY; Poll never
	// tracks such devices, so the bus number is taken from the bus-id.
	var bus uint32
	if _, err := fmt.Sscanf(busid, "%d-", &bus); err == nil {
		for _, b := range h.cfg.DisabledBuses {
			if b == bus {
				return nil, usbip.StatusDevBusy
			}
		}
	}

	// Walked in enumeration order (h.order) so the "first match in
	// enumeration order" tie-break of §4.2 is deterministic rather than
	// depending on Go's randomized map iteration.
	for _, addr := range h.order {
		td, ok := h.last[addr]
		if !ok || td.Device.BusID != busid {
			continue
		}
		if td.Exported {
			return nil, usbip.StatusDevBusy
		}
		return td, usbip.StatusOK
	}

	return nil, usbip.StatusNoDev
}

// startSession launches a forwarding.Session for td over lk, marks
// the device exported, and arranges for DEVICE_EXPORTED/UNEXPORTED to
// be emitted around its lifetime, per §4.4.3's monitor contract.
func (h *Host) startSession(td *usbenum.TrackedDevice, lk *link.Link) {
	sess, err := forwarding.Start(td, lk, h.log)
	if err != nil {
		h.trace("host: forwarding start for %s failed: %s", td.Device.BusID, err)
		lk.Close()
		return
	}

	h.mu.Lock()
	h.sessions[td.Addr] = sess
	td.Exported = true
	h.mu.Unlock()
	h.enum.SetExported(td.Addr, true)

	h.bus.Enqueue(&event.Event{Type: event.DeviceExported, Data: td.Device})

	go func() {
		<-sess.Done()

		h.mu.Lock()
		if h.sessions[td.Addr] == sess {
			delete(h.sessions, td.Addr)
		}
		h.mu.Unlock()
		h.enum.SetExported(td.Addr, false)

		h.bus.Enqueue(&event.Event{Type: event.DeviceUnexported, Data: td.Device})
	}()
}
