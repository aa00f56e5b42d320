/*
 * RemoteHub
 *
 * USB/IP wire protocol: opcodes, status codes, common header
 */

// Package usbip implements the USB/IP wire protocol framing described
// in §4.2: the control-plane device-list/import exchange and the
// forwarding-mode data header, with full round-trip network-order
// encode/decode. It is grounded on the struct layouts of the
// original implementation's common/include/usbip.h, kept
// byte-for-byte compatible with the in-kernel USB/IP subsystem, and on
// usbcommon.go's struct-plus-method style for the accompanying helper
// types (bus-id computation, display strings).
package usbip

// DefaultVersion is the USB/IP protocol version RemoteHub speaks.
const DefaultVersion uint16 = 0x0111

// Control-plane operation codes (§4.2).
const (
	OpReqDevlist uint16 = 0x8005
	OpRepDevlist uint16 = 0x0005
	OpReqImport  uint16 = 0x8003
	OpRepImport  uint16 = 0x0003
)

// Status codes returned in OpCommon.Status.
const (
	StatusOK uint32 = iota
	StatusNA
	StatusDevBusy
	StatusDevErr
	StatusNoDev
	StatusError
)

// Forwarding-mode command codes (base.Command).
const (
	CmdSubmit uint32 = 1
	CmdUnlink uint32 = 2
	RetSubmit uint32 = 3
	RetUnlink uint32 = 4
)

// Transfer direction.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

// OpCommon is the 8-byte header exchanged on every control-plane
// request/reply.
type OpCommon struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// BusIDSize is the fixed NUL-padded width of a bus-id field on the
// wire, matching the kernel's USBIP_BUSID_SIZE.
const BusIDSize = 32
