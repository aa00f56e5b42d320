/*
 * RemoteHub
 *
 * Subscription surface: external callback delivery
 */

// Package subscribe implements §4.6: the external collaborator
// contract through which embedding code (a CLI, a GUI, a test
// harness) observes attach/detach/devicelist/discovery events without
// coupling to the event bus's internal Type bitmask. It has no direct
// teacher analogue -- ipp-usb is a standalone daemon, not embedded as
// a library -- so the worker shape (a dedicated goroutine holding a
// mutex around subscription pointers, released before any callback
// invocation) follows the event bus's own task idiom in
// internal/event rather than a specific original source file.
package subscribe

import (
	"sync"

	"github.com/jlaitinen/remotehub/internal/beacon"
	"github.com/jlaitinen/remotehub/internal/event"
	"github.com/jlaitinen/remotehub/internal/usbenum"
	"github.com/jlaitinen/remotehub/internal/usbip"
)

// DeviceState names a server-side device lifecycle transition, the Go
// analogue of the original's DEVICE_ATTACHED/DETACHED/EXPORTED/
// UNEXPORTED event quartet collapsed into one callback parameter.
type DeviceState int

const (
	DeviceAttached DeviceState = iota
	DeviceDetached
	DeviceExported
	DeviceUnexported
)

func (s DeviceState) String() string {
	switch s {
	case DeviceAttached:
		return "attached"
	case DeviceDetached:
		return "detached"
	case DeviceExported:
		return "exported"
	case DeviceUnexported:
		return "unexported"
	default:
		return "unknown"
	}
}

// ClientCallbacks is the set of client-side subscription callbacks of
// §4.6. A nil field is simply not invoked. Device-list and device
// payloads are safe for the callback to retain past return -- unlike
// the original's manually-freed payloads, Go's garbage collector keeps
// them alive for as long as the callback holds a reference, so there
// is no accompanying free-list function to call.
type ClientCallbacks struct {
	OnServerDiscovered func(beacon.Discovered)
	OnDevicelistReady  func(ip string, port uint16, devices []usbip.DeviceRecord)
	OnDevicelistFailed func(ip string, port uint16)
	OnAttached         func(dev usbip.UsbDevice, ip string, port uint16)
	OnAttachFailed     func(dev usbip.UsbDevice, ip string, port uint16)
	OnDetached         func(dev usbip.UsbDevice, ip string, port uint16)
	OnDetachFailed     func(dev usbip.UsbDevice, ip string, port uint16)
}

// ServerCallbacks is the set of server-side subscription callbacks.
type ServerCallbacks struct {
	OnLocalDevicelist   func(devices []*usbenum.TrackedDevice)
	OnDeviceStateChange func(state DeviceState, dev usbip.UsbDevice)
}

// Interface is the subscription worker: one per process, registered
// against the shared bus, dispatching to whichever callback set was
// last installed via SetClientCallbacks/SetServerCallbacks.
type Interface struct {
	bus  *event.Bus
	task *event.Task

	mu     sync.Mutex
	client *ClientCallbacks
	server *ServerCallbacks
}

// clientMask and serverMask select the event types each side's
// callbacks care about; a process only ever populates one side, but
// both masks are always registered so a later SetClientCallbacks/
// SetServerCallbacks call takes effect without re-registering.
const clientMask = event.ServerDiscovered |
	event.DevicelistReady | event.DevicelistFailed |
	event.Attached | event.AttachFailed |
	event.Detached | event.DetachFailed

const serverMask = event.LocalDevicelist |
	event.DeviceAttached | event.DeviceDetached |
	event.DeviceExported | event.DeviceUnexported

// Start registers the subscription worker on bus and launches its
// dispatch goroutine.
func Start(bus *event.Bus) *Interface {
	i := &Interface{bus: bus}
	i.task = bus.Register("subscribe", clientMask|serverMask)

	go i.run()

	return i
}

// SetClientCallbacks installs cb as the active client callback set,
// replacing whatever was installed before (last writer wins, per
// §4.6).
func (i *Interface) SetClientCallbacks(cb *ClientCallbacks) {
	i.mu.Lock()
	i.client = cb
	i.mu.Unlock()
}

// SetServerCallbacks installs cb as the active server callback set.
func (i *Interface) SetServerCallbacks(cb *ServerCallbacks) {
	i.mu.Lock()
	i.server = cb
	i.mu.Unlock()
}

func (i *Interface) run() {
	for {
		ev, ok := i.task.Recv()
		if !ok {
			break
		}
		i.dispatch(ev)
	}
	i.bus.Unregister(i.task)
}

// dispatch reads out the currently-installed callback pointers under
// the lock, releases it, then invokes the matching callback -- so a
// callback that re-enters the runtime (e.g. issuing a new attach
// request) can never deadlock against SetClientCallbacks/
// SetServerCallbacks.
func (i *Interface) dispatch(ev *event.Event) {
	i.mu.Lock()
	client := i.client
	server := i.server
	i.mu.Unlock()

	switch ev.Type {
	case event.ServerDiscovered:
		if client != nil && client.OnServerDiscovered != nil {
			if d, ok := ev.Data.(beacon.Discovered); ok {
				client.OnServerDiscovered(d)
			}
		}
	case event.DevicelistReady:
		if client != nil && client.OnDevicelistReady != nil {
			devices, _ := ev.Data.([]usbip.DeviceRecord)
			client.OnDevicelistReady(ev.Status.RemoteServer, uint16(ev.Status.Port), devices)
		}
	case event.DevicelistFailed:
		if client != nil && client.OnDevicelistFailed != nil {
			client.OnDevicelistFailed(ev.Status.RemoteServer, uint16(ev.Status.Port))
		}
	case event.Attached:
		i.dispatchClientDevice(client.onAttached(), ev)
	case event.AttachFailed:
		i.dispatchClientDevice(client.onAttachFailed(), ev)
	case event.Detached:
		i.dispatchClientDevice(client.onDetached(), ev)
	case event.DetachFailed:
		i.dispatchClientDevice(client.onDetachFailed(), ev)
	case event.LocalDevicelist:
		if server != nil && server.OnLocalDevicelist != nil {
			devices, _ := ev.Data.([]*usbenum.TrackedDevice)
			server.OnLocalDevicelist(devices)
		}
	case event.DeviceAttached:
		i.dispatchServerState(server, DeviceAttached, ev)
	case event.DeviceDetached:
		i.dispatchServerState(server, DeviceDetached, ev)
	case event.DeviceExported:
		i.dispatchServerState(server, DeviceExported, ev)
	case event.DeviceUnexported:
		i.dispatchServerState(server, DeviceUnexported, ev)
	}
}

type clientDeviceCallback func(dev usbip.UsbDevice, ip string, port uint16)

func (c *ClientCallbacks) onAttached() clientDeviceCallback {
	if c == nil {
		return nil
	}
	return c.OnAttached
}

func (c *ClientCallbacks) onAttachFailed() clientDeviceCallback {
	if c == nil {
		return nil
	}
	return c.OnAttachFailed
}

func (c *ClientCallbacks) onDetached() clientDeviceCallback {
	if c == nil {
		return nil
	}
	return c.OnDetached
}

func (c *ClientCallbacks) onDetachFailed() clientDeviceCallback {
	if c == nil {
		return nil
	}
	return c.OnDetachFailed
}

func (i *Interface) dispatchClientDevice(cb clientDeviceCallback, ev *event.Event) {
	if cb == nil {
		return
	}
	dev, _ := ev.Data.(usbip.UsbDevice)
	cb(dev, ev.Status.RemoteServer, uint16(ev.Status.Port))
}

func (i *Interface) dispatchServerState(server *ServerCallbacks, state DeviceState, ev *event.Event) {
	if server == nil || server.OnDeviceStateChange == nil {
		return
	}
	dev, _ := ev.Data.(usbip.UsbDevice)
	server.OnDeviceStateChange(state, dev)
}
