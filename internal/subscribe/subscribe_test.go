/*
 * RemoteHub
 *
 * Subscription surface tests
 */

package subscribe

import (
	"testing"
	"time"

	"github.com/jlaitinen/remotehub/internal/event"
	"github.com/jlaitinen/remotehub/internal/usbip"
)

func TestInterfaceDispatchesToLatestClientCallbacks(t *testing.T) {
	bus := event.NewBus(nil)
	iface := Start(bus)

	var got usbip.UsbDevice
	done := make(chan struct{})

	iface.SetClientCallbacks(&ClientCallbacks{
		OnAttached: func(dev usbip.UsbDevice, ip string, port uint16) {
			got = dev
			close(done)
		},
	})

	bus.Enqueue(&event.Event{
		Type:   event.Attached,
		Data:   usbip.UsbDevice{BusID: "1-1"},
		Status: event.Status{RemoteServer: "10.0.0.1", Port: 3240},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnAttached callback was never invoked")
	}

	if got.BusID != "1-1" {
		t.Fatalf("callback received busid %q, want 1-1", got.BusID)
	}
}

func TestInterfaceIgnoresEventsWithNoCallbackInstalled(t *testing.T) {
	bus := event.NewBus(nil)
	Start(bus)

	// No callbacks installed: this must not panic or block.
	ok := bus.Enqueue(&event.Event{Type: event.DevicelistFailed, Status: event.Status{RemoteServer: "10.0.0.1"}})
	if !ok {
		t.Fatalf("enqueue on a running bus should succeed")
	}
}

func TestLastWriterWinsOnClientCallbacks(t *testing.T) {
	bus := event.NewBus(nil)
	iface := Start(bus)

	var firstCalled, secondCalled bool
	done := make(chan struct{})

	iface.SetClientCallbacks(&ClientCallbacks{
		OnDetached: func(usbip.UsbDevice, string, uint16) { firstCalled = true },
	})
	iface.SetClientCallbacks(&ClientCallbacks{
		OnDetached: func(usbip.UsbDevice, string, uint16) {
			secondCalled = true
			close(done)
		},
	})

	bus.Enqueue(&event.Event{Type: event.Detached})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnDetached callback was never invoked")
	}

	if firstCalled {
		t.Fatalf("replaced callback set should not be invoked")
	}
	if !secondCalled {
		t.Fatalf("latest callback set should be invoked")
	}
}
