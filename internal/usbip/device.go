/*
 * RemoteHub
 *
 * USB/IP wire protocol: UsbDevice / UsbInterface records
 */

package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxInterfaces bounds the number of UsbInterface records following a
// UsbDevice record, matching RH_MAX_USB_INTERFACES in the original
// implementation.
const MaxInterfaces = 32

// devicePathSize and deviceBusIDSize are the fixed NUL-padded widths
// of the corresponding usbip_usb_device wire fields.
const (
	devicePathSize  = 256
	deviceBusIDSize = BusIDSize
)

// deviceWireSize is the fixed on-wire size of a UsbDevice record:
// path[256] + busid[32] + busnum + devnum + speed (3*u32) +
// idVendor + idProduct + bcdDevice (3*u16) + 6 class/config bytes.
const deviceWireSize = devicePathSize + deviceBusIDSize + 3*4 + 3*2 + 6

// interfaceWireSize is the fixed on-wire size of a UsbInterface
// record: class, subclass, protocol, padding.
const interfaceWireSize = 4

// UsbDevice is the immutable descriptor snapshot of §3: bus/device
// numbers, speed, vendor/product/class, and the platform bus-id.
type UsbDevice struct {
	Path                string
	BusID               string
	BusNum              uint32
	DevNum              uint32
	Speed               uint32
	VendorID            uint16
	ProductID           uint16
	BcdDevice           uint16
	Class               uint8
	SubClass            uint8
	Protocol            uint8
	ConfigurationValue  uint8
	NumConfigurations   uint8
	NumInterfaces       uint8

	// Display is the human "Manufacturer - Product" string of §3, built
	// by DisplayString from the device's string descriptors. It is
	// local-only bookkeeping (logging, the subscription surface) and
	// plays no part in the wire encoding below.
	Display string
}

// UsbInterface is a per-interface descriptor, at most MaxInterfaces
// of which follow a UsbDevice record.
type UsbInterface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
	padding  uint8
}

// ComputeBusID renders a platform bus-id string "B-P1.P2...Pn" from a
// bus number and a dotted port path, per §3.
func ComputeBusID(bus int, ports []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-", bus)
	for i, p := range ports {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(p))
	}
	return b.String()
}

// DisplayString renders the human display string "Manufacturer -
// Product" used for logging and the subscription surface.
func DisplayString(manufacturer, product string) string {
	manufacturer = strings.TrimSpace(manufacturer)
	product = strings.TrimSpace(product)

	switch {
	case manufacturer == "":
		return product
	case product == "":
		return manufacturer
	default:
		return manufacturer + " - " + product
	}
}

func writeFixedString(w io.Writer, s string, size int) error {
	buf := make([]byte, size)
	copy(buf, s)
	_, err := w.Write(buf)
	return err
}

func readFixedString(r io.Reader, size int) (string, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if i := indexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// WriteTo encodes the UsbDevice record in network byte order.
func (d UsbDevice) WriteTo(w io.Writer) error {
	if err := writeFixedString(w, d.Path, devicePathSize); err != nil {
		return err
	}
	if err := writeFixedString(w, d.BusID, deviceBusIDSize); err != nil {
		return err
	}

	var nums [3]uint32
	nums[0], nums[1], nums[2] = d.BusNum, d.DevNum, d.Speed
	for _, n := range nums {
		if err := binary.Write(w, binary.BigEndian, n); err != nil {
			return err
		}
	}

	var shorts [3]uint16
	shorts[0], shorts[1], shorts[2] = d.VendorID, d.ProductID, d.BcdDevice
	for _, s := range shorts {
		if err := binary.Write(w, binary.BigEndian, s); err != nil {
			return err
		}
	}

	tail := []byte{
		d.Class, d.SubClass, d.Protocol,
		d.ConfigurationValue, d.NumConfigurations, d.NumInterfaces,
	}
	_, err := w.Write(tail)
	return err
}

// ReadUsbDevice decodes a UsbDevice record from r.
func ReadUsbDevice(r io.Reader) (UsbDevice, error) {
	var d UsbDevice
	var err error

	if d.Path, err = readFixedString(r, devicePathSize); err != nil {
		return d, err
	}
	if d.BusID, err = readFixedString(r, deviceBusIDSize); err != nil {
		return d, err
	}

	if err = binary.Read(r, binary.BigEndian, &d.BusNum); err != nil {
		return d, err
	}
	if err = binary.Read(r, binary.BigEndian, &d.DevNum); err != nil {
		return d, err
	}
	if err = binary.Read(r, binary.BigEndian, &d.Speed); err != nil {
		return d, err
	}
	if err = binary.Read(r, binary.BigEndian, &d.VendorID); err != nil {
		return d, err
	}
	if err = binary.Read(r, binary.BigEndian, &d.ProductID); err != nil {
		return d, err
	}
	if err = binary.Read(r, binary.BigEndian, &d.BcdDevice); err != nil {
		return d, err
	}

	tail := make([]byte, 6)
	if _, err = io.ReadFull(r, tail); err != nil {
		return d, err
	}
	d.Class, d.SubClass, d.Protocol = tail[0], tail[1], tail[2]
	d.ConfigurationValue, d.NumConfigurations, d.NumInterfaces = tail[3], tail[4], tail[5]

	return d, nil
}

// WriteTo encodes the UsbInterface record.
func (ifc UsbInterface) WriteTo(w io.Writer) error {
	_, err := w.Write([]byte{ifc.Class, ifc.SubClass, ifc.Protocol, 0})
	return err
}

// ReadUsbInterface decodes a UsbInterface record from r.
func ReadUsbInterface(r io.Reader) (UsbInterface, error) {
	var ifc UsbInterface
	buf := make([]byte, interfaceWireSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ifc, err
	}
	ifc.Class, ifc.SubClass, ifc.Protocol, ifc.padding = buf[0], buf[1], buf[2], buf[3]
	return ifc, nil
}
