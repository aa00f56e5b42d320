/*
 * RemoteHub
 *
 * USB/IP wire protocol: forwarding-mode data header
 */

package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed on-wire size of a USB/IP data header: the
// 20-byte base plus a 28-byte command-specific union, per §4.2.
const HeaderSize = 48

const unionSize = 28

// Base is the header prefix common to every forwarding-mode packet.
type Base struct {
	Command   uint32
	Seqnum    uint32
	DevID     uint32
	Direction uint32
	Ep        uint32
}

// CmdSubmitUnion is the CMD_SUBMIT command-specific union.
type CmdSubmitUnion struct {
	TransferFlags       uint32
	TransferBufferLen   uint32
	StartFrame          uint32
	NumberOfPackets     uint32
	Interval            uint32
	Setup               [8]byte
}

// RetSubmitUnion is the RET_SUBMIT command-specific union.
type RetSubmitUnion struct {
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

// CmdUnlinkUnion is the CMD_UNLINK command-specific union.
type CmdUnlinkUnion struct {
	Seqnum uint32
}

// RetUnlinkUnion is the RET_UNLINK command-specific union.
type RetUnlinkUnion struct {
	Status int32
}

// IsoPacketDesc is one 16-byte ISO packet descriptor, present after
// the header when Base.Command's packet has NumberOfPackets > 0.
type IsoPacketDesc struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// Header is a decoded forwarding-mode packet: the base plus whichever
// union field is valid for Base.Command.
type Header struct {
	Base      Base
	Submit    CmdSubmitUnion
	RetSubmit RetSubmitUnion
	Unlink    CmdUnlinkUnion
	RetUnlink RetUnlinkUnion
}

// WriteTo encodes the 48-byte header in network byte order, selecting
// the union to serialize from Base.Command.
func (h Header) WriteTo(w io.Writer) error {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], h.Base.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Base.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Base.DevID)
	binary.BigEndian.PutUint32(buf[12:16], h.Base.Direction)
	binary.BigEndian.PutUint32(buf[16:20], h.Base.Ep)

	u := buf[20:48]
	switch h.Base.Command {
	case CmdSubmit:
		binary.BigEndian.PutUint32(u[0:4], h.Submit.TransferFlags)
		binary.BigEndian.PutUint32(u[4:8], h.Submit.TransferBufferLen)
		binary.BigEndian.PutUint32(u[8:12], h.Submit.StartFrame)
		binary.BigEndian.PutUint32(u[12:16], h.Submit.NumberOfPackets)
		binary.BigEndian.PutUint32(u[16:20], h.Submit.Interval)
		copy(u[20:28], h.Submit.Setup[:])
	case RetSubmit:
		binary.BigEndian.PutUint32(u[0:4], uint32(h.RetSubmit.Status))
		binary.BigEndian.PutUint32(u[4:8], h.RetSubmit.ActualLength)
		binary.BigEndian.PutUint32(u[8:12], h.RetSubmit.StartFrame)
		binary.BigEndian.PutUint32(u[12:16], h.RetSubmit.NumberOfPackets)
		binary.BigEndian.PutUint32(u[16:20], h.RetSubmit.ErrorCount)
	case CmdUnlink:
		binary.BigEndian.PutUint32(u[0:4], h.Unlink.Seqnum)
	case RetUnlink:
		binary.BigEndian.PutUint32(u[0:4], uint32(h.RetUnlink.Status))
	default:
		return fmt.Errorf("usbip: unknown header command %d", h.Base.Command)
	}

	_, err := w.Write(buf)
	return err
}

// ReadHeader decodes a 48-byte forwarding-mode header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, err
	}

	h.Base.Command = binary.BigEndian.Uint32(buf[0:4])
	h.Base.Seqnum = binary.BigEndian.Uint32(buf[4:8])
	h.Base.DevID = binary.BigEndian.Uint32(buf[8:12])
	h.Base.Direction = binary.BigEndian.Uint32(buf[12:16])
	h.Base.Ep = binary.BigEndian.Uint32(buf[16:20])

	u := buf[20:48]
	switch h.Base.Command {
	case CmdSubmit:
		h.Submit.TransferFlags = binary.BigEndian.Uint32(u[0:4])
		h.Submit.TransferBufferLen = binary.BigEndian.Uint32(u[4:8])
		h.Submit.StartFrame = binary.BigEndian.Uint32(u[8:12])
		h.Submit.NumberOfPackets = binary.BigEndian.Uint32(u[12:16])
		h.Submit.Interval = binary.BigEndian.Uint32(u[16:20])
		copy(h.Submit.Setup[:], u[20:28])
	case RetSubmit:
		h.RetSubmit.Status = int32(binary.BigEndian.Uint32(u[0:4]))
		h.RetSubmit.ActualLength = binary.BigEndian.Uint32(u[4:8])
		h.RetSubmit.StartFrame = binary.BigEndian.Uint32(u[8:12])
		h.RetSubmit.NumberOfPackets = binary.BigEndian.Uint32(u[12:16])
		h.RetSubmit.ErrorCount = binary.BigEndian.Uint32(u[16:20])
	case CmdUnlink:
		h.Unlink.Seqnum = binary.BigEndian.Uint32(u[0:4])
	case RetUnlink:
		h.RetUnlink.Status = int32(binary.BigEndian.Uint32(u[0:4]))
	default:
		return h, fmt.Errorf("usbip: unknown header command %d", h.Base.Command)
	}

	return h, nil
}

// WriteTo encodes a 16-byte ISO packet descriptor.
func (d IsoPacketDesc) WriteTo(w io.Writer) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], d.Offset)
	binary.BigEndian.PutUint32(buf[4:8], d.Length)
	binary.BigEndian.PutUint32(buf[8:12], d.ActualLength)
	binary.BigEndian.PutUint32(buf[12:16], uint32(d.Status))
	_, err := w.Write(buf)
	return err
}

// ReadIsoPacketDesc decodes one 16-byte ISO packet descriptor.
func ReadIsoPacketDesc(r io.Reader) (IsoPacketDesc, error) {
	var d IsoPacketDesc
	buf := make([]byte, 16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return d, err
	}
	d.Offset = binary.BigEndian.Uint32(buf[0:4])
	d.Length = binary.BigEndian.Uint32(buf[4:8])
	d.ActualLength = binary.BigEndian.Uint32(buf[8:12])
	d.Status = int32(binary.BigEndian.Uint32(buf[12:16]))
	return d, nil
}
