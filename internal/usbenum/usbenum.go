/*
 * RemoteHub
 *
 * Server-side USB enumeration: periodic host device-list walk, export
 * candidacy, and descriptor/string readout.
 */

// Package usbenum implements §4.4.1's enumeration pass: on every
// one-second tick it walks the host's USB device list, tracks newly
// seen devices (skipping hubs and devices on a disabled bus), reads
// their descriptors and manufacturer/product strings, and reports
// devices that have disappeared. Grounded on the teacher's
// usbaddr.go/usbcommon.go (UsbAddr, UsbAddrList.Diff reconciliation
// idiom, directly reused) and pnp.go's PnPStart loop shape, with the
// descriptor/string readout adapted from device.go's NewDevice and
// usb.go's UsbOpenDevice, all driven through github.com/google/gousb
// instead of ipp-usb's class-7/1/4 interface search.
package usbenum

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/gousb"

	"github.com/jlaitinen/remotehub/internal/rhlog"
	"github.com/jlaitinen/remotehub/internal/usbip"
)

// hubClass is bDeviceClass for a USB hub; hubs are never exported.
const hubClass = 0x09

// UsbAddr identifies a device by bus and device-on-bus address, used
// purely for reconciliation between enumeration passes.
type UsbAddr struct {
	Bus     int
	Address int
}

func (a UsbAddr) Less(b UsbAddr) bool {
	return a.Bus < b.Bus || (a.Bus == b.Bus && a.Address < b.Address)
}

// UsbAddrList is kept sorted in ascending order so Find can
// binary-search it, as in usbaddr.go.
type UsbAddrList []UsbAddr

func (list *UsbAddrList) Add(addr UsbAddr) {
	i := sort.Search(len(*list), func(n int) bool { return !(*list)[n].Less(addr) })
	if i < len(*list) && (*list)[i] == addr {
		return
	}
	if i == len(*list) {
		*list = append(*list, addr)
		return
	}
	*list = append(*list, UsbAddr{})
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = addr
}

func (list UsbAddrList) Find(addr UsbAddr) int {
	i := sort.Search(len(list), func(n int) bool { return !list[n].Less(addr) })
	if i < len(list) && list[i] == addr {
		return i
	}
	return -1
}

// Diff computes the set of addresses added and removed going from
// list to list2.
func (list UsbAddrList) Diff(list2 UsbAddrList) (added, removed UsbAddrList) {
	for _, a := range list2 {
		if list.Find(a) < 0 {
			added.Add(a)
		}
	}
	for _, a := range list {
		if list2.Find(a) < 0 {
			removed.Add(a)
		}
	}
	return
}

// EndpointKind classifies one endpoint's transfer type, used by the
// forwarding engine to pick control/bulk/interrupt/isochronous
// submission semantics without re-querying descriptors on every
// packet.
type EndpointKind int

const (
	EndpointControl EndpointKind = iota
	EndpointIsochronous
	EndpointBulk
	EndpointInterrupt
)

// TrackedDevice is one device currently known to the enumerator: its
// address, wire descriptor, and the per-endpoint transfer-type table
// the forwarding engine needs to build CMD_SUBMIT transfers correctly.
type TrackedDevice struct {
	Addr       UsbAddr
	Device     usbip.UsbDevice
	Interfaces []usbip.UsbInterface

	// EndpointKinds maps endpoint address (bit 7 set for IN) to its
	// transfer type. Endpoint 0 is always EndpointControl regardless
	// of table contents, per §4.4.3.
	EndpointKinds map[uint8]EndpointKind

	Exported bool
}

// Enumerator tracks the set of exportable devices across successive
// Poll calls, diffing the host's current device list against what was
// seen last time.
type Enumerator struct {
	ctx           *gousb.Context
	log           *rhlog.Logger
	disabledBuses map[uint32]bool

	addrs    UsbAddrList
	tracked  map[UsbAddr]*TrackedDevice
	exported map[UsbAddr]bool
}

// NewEnumerator creates an Enumerator backed by a fresh libusb context.
// disabledBuses lists bus numbers devices on which are never tracked.
func NewEnumerator(log *rhlog.Logger, disabledBuses []uint32) *Enumerator {
	disabled := make(map[uint32]bool, len(disabledBuses))
	for _, b := range disabledBuses {
		disabled[b] = true
	}

	return &Enumerator{
		ctx:           gousb.NewContext(),
		log:           log,
		disabledBuses: disabled,
		tracked:       make(map[UsbAddr]*TrackedDevice),
		exported:      make(map[UsbAddr]bool),
	}
}

// Close releases the underlying libusb context.
func (e *Enumerator) Close() error {
	return e.ctx.Close()
}

// SetExported records whether a forwarding session is currently
// running for addr, updating the tracked device's Exported flag on
// the next Poll, per §4.4.1's "update each tracked device's exported
// flag from the liveness of its forwarding thread".
func (e *Enumerator) SetExported(addr UsbAddr, exported bool) {
	e.exported[addr] = exported
}

// PollResult reports what changed during one enumeration pass.
type PollResult struct {
	Attached []*TrackedDevice
	Detached []UsbAddr
	Snapshot []*TrackedDevice
}

// Poll performs one enumeration pass: walk the host list, add newly
// seen non-hub devices on enabled buses, drop devices that vanished,
// and return both the delta and a full snapshot for LOCAL_DEVICELIST.
func (e *Enumerator) Poll() (PollResult, error) {
	var result PollResult

	newAddrs := UsbAddrList{}
	byAddr := map[UsbAddr]*gousb.DeviceDesc{}

	_, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		addr := UsbAddr{Bus: desc.Bus, Address: desc.Address}

		if desc.Class == gousb.ClassHub {
			return false
		}
		if e.disabledBuses[uint32(desc.Bus)] {
			return false
		}

		newAddrs.Add(addr)
		byAddr[addr] = desc
		return false // never keep the device open; we only want the descriptor
	})
	if err != nil {
		return result, fmt.Errorf("usbenum: enumerate: %w", err)
	}

	added, removed := e.addrs.Diff(newAddrs)
	e.addrs = newAddrs

	for _, addr := range added {
		desc := byAddr[addr]
		td, err := e.describe(addr, desc)
		if err != nil {
			e.log.Error('!', "usbenum: %s: %s", usbAddrString(addr), err)
			continue
		}
		e.tracked[addr] = td
		result.Attached = append(result.Attached, td)
	}

	for _, addr := range removed {
		delete(e.tracked, addr)
		delete(e.exported, addr)
		result.Detached = append(result.Detached, addr)
	}

	for _, addr := range e.addrs {
		td, ok := e.tracked[addr]
		if !ok {
			continue
		}
		td.Exported = e.exported[addr]
		result.Snapshot = append(result.Snapshot, td)
	}

	return result, nil
}

// Addrs returns the enumerator's current device addresses in the same
// deterministic, ascending bus/address order Poll used to build
// result.Snapshot, so callers needing to walk the tracked set in
// enumeration order (§4.2's devlist/import ordering guarantee) don't
// have to range over a Go map themselves.
func (e *Enumerator) Addrs() UsbAddrList {
	out := make(UsbAddrList, len(e.addrs))
	copy(out, e.addrs)
	return out
}

// describe opens a device briefly to read its configuration,
// interface, and endpoint descriptors plus its manufacturer/product
// strings, then closes it, per §4.4.1.
func (e *Enumerator) describe(addr UsbAddr, desc *gousb.DeviceDesc) (*TrackedDevice, error) {
	dev, err := e.ctx.OpenDeviceWithVIDPID(desc.Vendor, desc.Product)
	if err != nil || dev == nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer dev.Close()

	if len(desc.Configs) != 1 {
		return nil, fmt.Errorf("only single-configuration devices are supported (found %d)", len(desc.Configs))
	}

	manufacturer, _ := dev.Manufacturer()
	product, _ := dev.Product()

	busID := computeBusID(desc)

	var cfg gousb.ConfigDesc
	for _, c := range desc.Configs {
		cfg = c
		break
	}

	td := &TrackedDevice{
		Addr:          addr,
		EndpointKinds: map[uint8]EndpointKind{0: EndpointControl},
	}

	td.Device = usbip.UsbDevice{
		Path:               fmt.Sprintf("/sys/bus/usb/devices/%s", busID),
		BusID:              busID,
		BusNum:             uint32(desc.Bus),
		DevNum:             uint32(desc.Address),
		Speed:              uint32(desc.Speed),
		VendorID:           uint16(desc.Vendor),
		ProductID:          uint16(desc.Product),
		BcdDevice:          uint16(desc.Device),
		Class:              uint8(desc.Class),
		SubClass:           uint8(desc.SubClass),
		Protocol:           uint8(desc.Protocol),
		ConfigurationValue: uint8(cfg.Number),
		NumConfigurations:  uint8(len(desc.Configs)),
		Display:            usbip.DisplayString(manufacturer, product),
	}

	for _, ifc := range cfg.Interfaces {
		for _, alt := range ifc.AltSettings {
			td.Interfaces = append(td.Interfaces, usbip.UsbInterface{
				Class:    uint8(alt.Class),
				SubClass: uint8(alt.SubClass),
				Protocol: uint8(alt.Protocol),
			})

			for epAddr, ep := range alt.Endpoints {
				key := uint8(epAddr)
				if ep.Direction == gousb.EndpointDirectionIn {
					key |= 0x80
				}
				td.EndpointKinds[key] = endpointKind(ep.TransferType)
			}
		}
	}
	td.Device.NumInterfaces = uint8(len(td.Interfaces))

	return td, nil
}

func endpointKind(t gousb.TransferType) EndpointKind {
	switch t {
	case gousb.TransferTypeIsochronous:
		return EndpointIsochronous
	case gousb.TransferTypeBulk:
		return EndpointBulk
	case gousb.TransferTypeInterrupt:
		return EndpointInterrupt
	default:
		return EndpointControl
	}
}

// computeBusID renders "bus-port[.port]*" from a device descriptor's
// port-number path, per §3.
func computeBusID(desc *gousb.DeviceDesc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-", desc.Bus)
	if len(desc.Port.Numbers) == 0 {
		b.WriteString("0")
	}
	for i, p := range desc.Port.Numbers {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%d", p)
	}
	return b.String()
}

func usbAddrString(a UsbAddr) string {
	return fmt.Sprintf("Bus %.3d Device %.3d", a.Bus, a.Address)
}
