/*
 * RemoteHub
 *
 * USB/IP wire protocol: device-list and import control-plane exchange
 */

package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DeviceRecord pairs a UsbDevice with its interface descriptors, the
// unit the device-list exchange works in.
type DeviceRecord struct {
	Device     UsbDevice
	Interfaces []UsbInterface
}

// WriteOpCommon encodes the 8-byte common header.
func WriteOpCommon(w io.Writer, op OpCommon) error {
	if err := binary.Write(w, binary.BigEndian, op.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, op.Code); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, op.Status)
}

// ReadOpCommon decodes the 8-byte common header.
func ReadOpCommon(r io.Reader) (OpCommon, error) {
	var op OpCommon
	if err := binary.Read(r, binary.BigEndian, &op.Version); err != nil {
		return op, err
	}
	if err := binary.Read(r, binary.BigEndian, &op.Code); err != nil {
		return op, err
	}
	err := binary.Read(r, binary.BigEndian, &op.Status)
	return op, err
}

// WriteDevlistRequest encodes an OP_REQ_DEVLIST request.
func WriteDevlistRequest(w io.Writer) error {
	return WriteOpCommon(w, OpCommon{Version: DefaultVersion, Code: OpReqDevlist})
}

// WriteDevlistReply encodes an OP_REP_DEVLIST reply: the common
// header, a u32 device count, then each device record followed by its
// interface records, per §4.2.
func WriteDevlistReply(w io.Writer, status uint32, devices []DeviceRecord) error {
	if err := WriteOpCommon(w, OpCommon{Version: DefaultVersion, Code: OpRepDevlist, Status: status}); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(devices))); err != nil {
		return err
	}

	for _, rec := range devices {
		if err := rec.Device.WriteTo(w); err != nil {
			return err
		}
		for _, ifc := range rec.Interfaces {
			if err := ifc.WriteTo(w); err != nil {
				return err
			}
		}
	}

	return nil
}

// ReadDevlistReply decodes an OP_REP_DEVLIST reply whose common
// header has already been read by the caller via ReadOpCommon.
func ReadDevlistReply(r io.Reader) ([]DeviceRecord, error) {
	var ndev uint32
	if err := binary.Read(r, binary.BigEndian, &ndev); err != nil {
		return nil, err
	}

	records := make([]DeviceRecord, 0, ndev)
	for i := uint32(0); i < ndev; i++ {
		dev, err := ReadUsbDevice(r)
		if err != nil {
			return nil, fmt.Errorf("usbip: devlist reply: device %d: %w", i, err)
		}

		ifaces := make([]UsbInterface, dev.NumInterfaces)
		for j := range ifaces {
			ifaces[j], err = ReadUsbInterface(r)
			if err != nil {
				return nil, fmt.Errorf("usbip: devlist reply: device %d interface %d: %w", i, j, err)
			}
		}

		records = append(records, DeviceRecord{Device: dev, Interfaces: ifaces})
	}

	return records, nil
}

// WriteImportRequest encodes an OP_REQ_IMPORT request naming busid.
func WriteImportRequest(w io.Writer, busid string) error {
	if err := WriteOpCommon(w, OpCommon{Version: DefaultVersion, Code: OpReqImport}); err != nil {
		return err
	}
	return writeFixedString(w, busid, BusIDSize)
}

// ReadImportRequest decodes the busid following an OP_REQ_IMPORT
// header already consumed by the caller.
func ReadImportRequest(r io.Reader) (busid string, err error) {
	return readFixedString(r, BusIDSize)
}

// WriteImportReplyOK encodes a successful OP_REP_IMPORT reply: the
// common header with StatusOK, followed by the UsbDevice record.
func WriteImportReplyOK(w io.Writer, dev UsbDevice) error {
	if err := WriteOpCommon(w, OpCommon{Version: DefaultVersion, Code: OpRepImport, Status: StatusOK}); err != nil {
		return err
	}
	return dev.WriteTo(w)
}

// WriteImportReplyFail encodes a failed OP_REP_IMPORT reply carrying
// only the status code, per §4.2 ("On any failure it replies with a
// status code and closes the link").
func WriteImportReplyFail(w io.Writer, status uint32) error {
	return WriteOpCommon(w, OpCommon{Version: DefaultVersion, Code: OpRepImport, Status: status})
}

// ReadImportReply decodes an OP_REP_IMPORT reply whose common header
// has already been read. When op.Status != StatusOK no UsbDevice
// record follows.
func ReadImportReply(r io.Reader, op OpCommon) (UsbDevice, error) {
	if op.Status != StatusOK {
		return UsbDevice{}, nil
	}
	return ReadUsbDevice(r)
}
