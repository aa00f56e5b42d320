/*
 * RemoteHub
 *
 * Client manager tests
 */

package manager

import (
	"testing"

	"github.com/jlaitinen/remotehub/internal/usbip"
)

func TestIsUsb3(t *testing.T) {
	cases := []struct {
		speed uint32
		want  bool
	}{
		{0, false},
		{1, false},
		{3, false}, // USB_SPEED_HIGH
		{speedSuper, true},
		{speedSuperPlus, true},
	}
	for _, c := range cases {
		if got := isUsb3(c.speed); got != c.want {
			t.Errorf("isUsb3(%d) = %v, want %v", c.speed, got, c.want)
		}
	}
}

func TestManagerFindAndRemoveDevice(t *testing.T) {
	m := &Manager{}
	d1 := &clientDevice{serverIP: "10.0.0.1", port: 3240, dev: usbip.UsbDevice{BusID: "1-1"}}
	d2 := &clientDevice{serverIP: "10.0.0.1", port: 3240, dev: usbip.UsbDevice{BusID: "1-2"}}
	m.devices = []*clientDevice{d1, d2}

	if got := m.findDevice("10.0.0.1", 3240, "1-2"); got != d2 {
		t.Fatalf("findDevice did not return d2")
	}
	if got := m.findDevice("10.0.0.1", 3240, "1-3"); got != nil {
		t.Fatalf("findDevice should not find an unknown busid")
	}
	if got := m.findDevice("10.0.0.2", 3240, "1-1"); got != nil {
		t.Fatalf("findDevice should not match across a different server ip")
	}

	m.removeDevice(d1)
	if len(m.devices) != 1 || m.devices[0] != d2 {
		t.Fatalf("removeDevice left unexpected state: %v", m.devices)
	}
}

func TestClientDeviceMatches(t *testing.T) {
	d := &clientDevice{serverIP: "192.168.1.5", port: 3240, dev: usbip.UsbDevice{BusID: "2-1.3"}}

	if !d.matches("192.168.1.5", 3240, "2-1.3") {
		t.Fatalf("matches should be true for identical triple")
	}
	if d.matches("192.168.1.5", 3241, "2-1.3") {
		t.Fatalf("matches should be false when port differs")
	}
	if d.matches("192.168.1.6", 3240, "2-1.3") {
		t.Fatalf("matches should be false when ip differs")
	}
}
