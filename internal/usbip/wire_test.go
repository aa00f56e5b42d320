package usbip

import (
	"bytes"
	"testing"
)

// TestUsbDeviceRoundTrip checks the round-trip endianness property of
// §8: from_network(to_network(d)) == d.
func TestUsbDeviceRoundTrip(t *testing.T) {
	d := UsbDevice{
		Path:               "/sys/devices/pci0000:00/usb1/1-1",
		BusID:              "1-1",
		BusNum:             1,
		DevNum:             5,
		Speed:              3,
		VendorID:           0x046D,
		ProductID:          0xC52B,
		BcdDevice:          0x0100,
		Class:              0,
		SubClass:           0,
		Protocol:           0,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		NumInterfaces:      2,
	}

	var buf bytes.Buffer
	if err := d.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}

	got, err := ReadUsbDevice(&buf)
	if err != nil {
		t.Fatalf("ReadUsbDevice: %s", err)
	}

	if got != d {
		t.Errorf("round-trip mismatch:\n got: %+v\nwant: %+v", got, d)
	}
}

func TestUsbInterfaceRoundTrip(t *testing.T) {
	ifc := UsbInterface{Class: 7, SubClass: 1, Protocol: 4}

	var buf bytes.Buffer
	if err := ifc.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}

	got, err := ReadUsbInterface(&buf)
	if err != nil {
		t.Fatalf("ReadUsbInterface: %s", err)
	}

	if got.Class != ifc.Class || got.SubClass != ifc.SubClass || got.Protocol != ifc.Protocol {
		t.Errorf("round-trip mismatch: got %+v want %+v", got, ifc)
	}
}

func TestHeaderRoundTripCmdSubmit(t *testing.T) {
	h := Header{
		Base: Base{Command: CmdSubmit, Seqnum: 1, DevID: 0x00010005, Direction: DirIn, Ep: 0},
		Submit: CmdSubmitUnion{
			TransferFlags:     0,
			TransferBufferLen: 18,
			NumberOfPackets:   0,
			Interval:          0,
			Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
		},
	}

	var buf bytes.Buffer
	if err := h.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}

	if buf.Len() != HeaderSize {
		t.Fatalf("encoded size = %d, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %s", err)
	}

	if got != h {
		t.Errorf("round-trip mismatch:\n got: %+v\nwant: %+v", got, h)
	}
}

func TestHeaderRoundTripRetSubmit(t *testing.T) {
	h := Header{
		Base:      Base{Command: RetSubmit, Seqnum: 1, DevID: 0x00010005, Direction: DirIn, Ep: 0},
		RetSubmit: RetSubmitUnion{Status: 0, ActualLength: 18},
	}

	var buf bytes.Buffer
	if err := h.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %s", err)
	}

	if got.RetSubmit != h.RetSubmit || got.Base != h.Base {
		t.Errorf("round-trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDevlistReplyEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDevlistReply(&buf, StatusOK, nil); err != nil {
		t.Fatalf("WriteDevlistReply: %s", err)
	}

	op, err := ReadOpCommon(&buf)
	if err != nil {
		t.Fatalf("ReadOpCommon: %s", err)
	}

	if op.Code != OpRepDevlist || op.Status != StatusOK {
		t.Fatalf("unexpected header: %+v", op)
	}

	records, err := ReadDevlistReply(&buf)
	if err != nil {
		t.Fatalf("ReadDevlistReply: %s", err)
	}

	if len(records) != 0 {
		t.Errorf("expected 0 records, got %d", len(records))
	}
}

func TestDevlistReplyTwoDevices(t *testing.T) {
	devices := []DeviceRecord{
		{
			Device: UsbDevice{
				BusID: "1-1", BusNum: 1, DevNum: 2,
				VendorID: 0x046D, ProductID: 0xC52B, NumInterfaces: 2,
			},
			Interfaces: []UsbInterface{{Class: 3}, {Class: 3}},
		},
		{
			Device: UsbDevice{
				BusID: "1-2", BusNum: 1, DevNum: 3,
				VendorID: 0x1234, ProductID: 0x5678, NumInterfaces: 1,
			},
			Interfaces: []UsbInterface{{Class: 8}},
		},
	}

	var buf bytes.Buffer
	if err := WriteDevlistReply(&buf, StatusOK, devices); err != nil {
		t.Fatalf("WriteDevlistReply: %s", err)
	}

	if _, err := ReadOpCommon(&buf); err != nil {
		t.Fatalf("ReadOpCommon: %s", err)
	}

	got, err := ReadDevlistReply(&buf)
	if err != nil {
		t.Fatalf("ReadDevlistReply: %s", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Device.BusID != "1-1" || got[1].Device.BusID != "1-2" {
		t.Errorf("devices out of order: %+v", got)
	}
	if len(got[0].Interfaces) != 2 || len(got[1].Interfaces) != 1 {
		t.Errorf("interface counts wrong: %+v", got)
	}
}

func TestImportRequestReply(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImportRequest(&buf, "1-1"); err != nil {
		t.Fatalf("WriteImportRequest: %s", err)
	}

	if _, err := ReadOpCommon(&buf); err != nil {
		t.Fatalf("ReadOpCommon: %s", err)
	}

	busid, err := ReadImportRequest(&buf)
	if err != nil {
		t.Fatalf("ReadImportRequest: %s", err)
	}
	if busid != "1-1" {
		t.Errorf("busid = %q, want %q", busid, "1-1")
	}

	dev := UsbDevice{BusID: "1-1", VendorID: 0x046D, ProductID: 0xC52B}
	buf.Reset()
	if err := WriteImportReplyOK(&buf, dev); err != nil {
		t.Fatalf("WriteImportReplyOK: %s", err)
	}

	op, err := ReadOpCommon(&buf)
	if err != nil {
		t.Fatalf("ReadOpCommon: %s", err)
	}

	got, err := ReadImportReply(&buf, op)
	if err != nil {
		t.Fatalf("ReadImportReply: %s", err)
	}
	if got.VendorID != dev.VendorID || got.ProductID != dev.ProductID {
		t.Errorf("import reply mismatch: got %+v want %+v", got, dev)
	}
}

func TestImportReplyFailureHasNoDeviceRecord(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImportReplyFail(&buf, StatusDevBusy); err != nil {
		t.Fatalf("WriteImportReplyFail: %s", err)
	}

	op, err := ReadOpCommon(&buf)
	if err != nil {
		t.Fatalf("ReadOpCommon: %s", err)
	}
	if op.Status != StatusDevBusy {
		t.Fatalf("status = %d, want %d", op.Status, StatusDevBusy)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no trailing bytes on failure reply, got %d", buf.Len())
	}
}
