/*
 * RemoteHub
 *
 * Client manager: attach/detach state machine
 */

// Package manager implements §4.3: the client-side worker that owns
// the set of attached devices, keyed by the triple (server IP, server
// port, bus-id), and drives the devlist/attach/detach request events
// dispatched to it from the CLI-facing side of the process. Grounded
// on the original implementation's client/tasks/manager.c
// (insert_device/delete_device/exit_fwd/attach_remote_device/
// detach_remote_device/handle_event), translated from its
// hand-rolled singly-linked device list and pthread-per-worker model
// to a Go slice guarded by the single manager goroutine that already
// serializes all mutation through the event bus.
package manager

import (
	"net"
	"sync"

	"github.com/jlaitinen/remotehub/internal/event"
	"github.com/jlaitinen/remotehub/internal/rhconf"
	"github.com/jlaitinen/remotehub/internal/rhlog"
	"github.com/jlaitinen/remotehub/internal/usbip"
	"github.com/jlaitinen/remotehub/internal/vhci"
)

// USB speed values as carried in usbip.UsbDevice.Speed, matching the
// kernel's enum usb_device_speed.
const (
	speedSuper     = 5
	speedSuperPlus = 6
)

func isUsb3(speed uint32) bool {
	return speed == speedSuper || speed == speedSuperPlus
}

// DevicelistRequest is the DevicelistRequest event payload: a request
// to fetch the device list advertised by a remote server.
type DevicelistRequest struct {
	IP   string
	Port uint16
}

// AttachRequest is the AttachRequested event payload, naming the
// device as it was last seen in a devlist reply.
type AttachRequest struct {
	IP     string
	Port   uint16
	Target usbip.UsbDevice
}

// DetachRequest is the DetachRequested event payload.
type DetachRequest struct {
	IP     string
	Port   uint16
	BusID  string
	Target usbip.UsbDevice
}

// clientDevice is one attached device, the Go analogue of struct
// client_usb_device.
type clientDevice struct {
	serverIP string
	port     uint16
	dev      usbip.UsbDevice
	bridge   *vhci.Bridge
}

func (d *clientDevice) matches(ip string, port uint16, busid string) bool {
	return d.serverIP == ip && d.port == port && d.dev.BusID == busid
}

// Manager is the client attach/detach state machine worker.
type Manager struct {
	bus  *event.Bus
	task *event.Task
	cfg  rhconf.ClientConfig
	log  *rhlog.Logger

	// mu guards devices against concurrent reads from Snapshot;
	// every mutation still happens from the single run() goroutine,
	// mu only synchronizes it with that external reader.
	mu      sync.Mutex
	devices []*clientDevice
}

func (m *Manager) setDevices(devices []*clientDevice) {
	m.mu.Lock()
	m.devices = devices
	m.mu.Unlock()
}

// Start registers the manager's task on bus and launches its worker
// goroutine, returning the Manager handle for test/introspection use.
func Start(bus *event.Bus, cfg rhconf.ClientConfig, log *rhlog.Logger) *Manager {
	m := &Manager{
		bus: bus,
		cfg: cfg,
		log: log,
	}
	m.task = bus.Register("manager", event.Timer5s|event.DevicelistRequest|event.AttachRequested|event.DetachRequested)

	go m.run()

	return m
}

// AttachedDevice is one read-only row of the manager's attached-device
// table, for status introspection (internal/ctrlsock's "rh-client
// status" support).
type AttachedDevice struct {
	ServerIP string
	Port     uint16
	Device   usbip.UsbDevice
	VhciPort int
}

// Snapshot returns the currently attached devices. Safe to call from
// any goroutine; it does not go through the manager's event loop, so
// the result may be one event stale.
func (m *Manager) Snapshot() []AttachedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AttachedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		vp := -1
		if d.bridge != nil {
			vp = d.bridge.Port()
		}
		out = append(out, AttachedDevice{ServerIP: d.serverIP, Port: d.port, Device: d.dev, VhciPort: vp})
	}
	return out
}

func (m *Manager) trace(format string, args ...interface{}) {
	if m.log == nil {
		return
	}
	m.log.Begin().Trace(rhlog.LogTraceEvent, ' ', format, args...).Commit()
}

// run is the manager's event loop, the Go analogue of manager_handler.
func (m *Manager) run() {
	m.trace("manager: starting")

	for {
		ev, ok := m.task.Recv()
		if !ok {
			break
		}
		m.handle(ev)
	}

	m.trace("manager: terminating, tearing down %d attached device(s)", len(m.devices))
	for _, d := range m.devices {
		m.teardown(d)
	}
	m.setDevices(nil)

	m.bus.Unregister(m.task)
	m.trace("manager: exit")
}

func (m *Manager) handle(ev *event.Event) {
	switch ev.Type {
	case event.Timer5s:
		m.reap()
	case event.DevicelistRequest:
		req, _ := ev.Data.(*DevicelistRequest)
		if req != nil {
			m.getDevicelist(req)
		}
	case event.AttachRequested:
		req, _ := ev.Data.(*AttachRequest)
		if req != nil {
			m.attach(req)
		}
	case event.DetachRequested:
		req, _ := ev.Data.(*DetachRequest)
		if req != nil {
			m.detach(req)
		}
	}
}

// reap removes any device whose bridge has torn down on its own
// (remote end closed, kernel detached it, etc.), per TIMER_5S.
func (m *Manager) reap() {
	var kept []*clientDevice
	for _, d := range m.devices {
		if d.bridge != nil && d.bridge.Terminated() {
			m.trace("manager: reaping terminated device %s", d.dev.BusID)
			m.emitDetached(d.dev, d.serverIP, d.port, true)
			continue
		}
		kept = append(kept, d)
	}
	m.setDevices(kept)
}

func (m *Manager) getDevicelist(req *DevicelistRequest) {
	if net.ParseIP(req.IP) == nil {
		m.trace("manager: devlist request: bad ip %q", req.IP)
		m.bus.Enqueue(&event.Event{
			Type:   event.DevicelistFailed,
			Status: event.Status{Success: false, Port: uint32(req.Port), RemoteServer: req.IP},
		})
		return
	}

	records, err := fetchDevicelist(m.cfg, req.IP, req.Port)
	if err != nil {
		m.trace("manager: devlist request to %s:%d failed: %s", req.IP, req.Port, err)
		m.bus.Enqueue(&event.Event{
			Type:   event.DevicelistFailed,
			Status: event.Status{Success: false, Port: uint32(req.Port), RemoteServer: req.IP},
		})
		return
	}

	m.bus.Enqueue(&event.Event{
		Type:   event.DevicelistReady,
		Data:   records,
		Status: event.Status{Success: true, Port: uint32(req.Port), RemoteServer: req.IP},
	})
}

func (m *Manager) findDevice(ip string, port uint16, busid string) *clientDevice {
	for _, d := range m.devices {
		if d.matches(ip, port, busid) {
			return d
		}
	}
	return nil
}

func (m *Manager) attach(req *AttachRequest) {
	if net.ParseIP(req.IP) == nil {
		m.trace("manager: attach: bad ip %q", req.IP)
		m.emitAttachFailed(req.Target, req.IP, req.Port)
		return
	}

	if m.findDevice(req.IP, req.Port, req.Target.BusID) != nil {
		m.trace("manager: attach: %s already attached", req.Target.BusID)
		m.emitAttachFailed(req.Target, req.IP, req.Port)
		return
	}

	lk, dev, err := importDevice(m.cfg, req.IP, req.Port, req.Target.BusID)
	if err != nil {
		m.trace("manager: attach: import %s failed: %s", req.Target.BusID, err)
		m.emitAttachFailed(req.Target, req.IP, req.Port)
		return
	}

	if dev.VendorID != req.Target.VendorID || dev.ProductID != req.Target.ProductID {
		m.trace("manager: attach: %s vendor/product mismatch, devicelist stale", req.Target.BusID)
		lk.Close()
		m.emitAttachFailed(req.Target, req.IP, req.Port)
		return
	}

	bridge, err := vhci.Attach(isUsb3(dev.Speed), dev.DevNum, dev.BusNum, dev.Speed, lk, m.log)
	if err != nil {
		m.trace("manager: attach: vhci attach failed for %s: %s", req.Target.BusID, err)
		lk.Close()
		m.emitAttachFailed(req.Target, req.IP, req.Port)
		return
	}

	m.setDevices(append(m.devices, &clientDevice{
		serverIP: req.IP,
		port:     req.Port,
		dev:      dev,
		bridge:   bridge,
	}))

	m.trace("manager: attached %s on vhci port %d", dev.BusID, bridge.Port())
	m.bus.Enqueue(&event.Event{
		Type:   event.Attached,
		Data:   dev,
		Status: event.Status{Success: true, Port: uint32(req.Port), RemoteServer: req.IP},
	})
}

func (m *Manager) detach(req *DetachRequest) {
	d := m.findDevice(req.IP, req.Port, req.BusID)
	if d == nil {
		m.emitDetachFailed(req.Target, req.IP, req.Port)
		return
	}

	m.teardown(d)
	m.removeDevice(d)
	m.emitDetached(d.dev, req.IP, req.Port, true)
}

// teardown tears down a device's bridge, the Go analogue of exit_fwd.
func (m *Manager) teardown(d *clientDevice) {
	m.trace("manager: stopping forwarding [%s]", d.dev.BusID)
	if d.bridge == nil {
		return
	}
	d.bridge.Stop()
	<-d.bridge.Done()
	vhci.Detach(d.bridge.Port())
}

func (m *Manager) removeDevice(target *clientDevice) {
	var kept []*clientDevice
	for _, d := range m.devices {
		if d != target {
			kept = append(kept, d)
		}
	}
	m.setDevices(kept)
}

func (m *Manager) emitAttachFailed(dev usbip.UsbDevice, ip string, port uint16) {
	m.bus.Enqueue(&event.Event{
		Type:   event.AttachFailed,
		Data:   dev,
		Status: event.Status{Success: false, Port: uint32(port), RemoteServer: ip},
	})
}

func (m *Manager) emitDetached(dev usbip.UsbDevice, ip string, port uint16, ok bool) {
	evType := event.Detached
	if !ok {
		evType = event.DetachFailed
	}
	m.bus.Enqueue(&event.Event{
		Type:   evType,
		Data:   dev,
		Status: event.Status{Success: true, Port: uint32(port), RemoteServer: ip},
	})
}

func (m *Manager) emitDetachFailed(dev usbip.UsbDevice, ip string, port uint16) {
	m.bus.Enqueue(&event.Event{
		Type:   event.DetachFailed,
		Data:   dev,
		Status: event.Status{Success: false, Port: uint32(port), RemoteServer: ip},
	})
}
