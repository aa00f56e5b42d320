/*
 * RemoteHub
 *
 * Forwarding engine: raw cgo libusb async transfer layer
 */

package forwarding

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// #cgo pkg-config: libusb-1.0
// #include <libusb.h>
//
// void rhTransferCallback (struct libusb_transfer *transfer);
//
// typedef struct libusb_transfer libusb_transfer_struct;
import "C"

// xferKind mirrors the endpoint transfer type classification kept by
// internal/usbenum's EndpointKind, duplicated here rather than
// imported to keep this cgo-heavy file decoupled from the gousb-backed
// enumerator.
type xferKind int

const (
	xferControl xferKind = iota
	xferIsochronous
	xferBulk
	xferInterrupt
)

var (
	libusbCtx     *C.libusb_context
	libusbCtxOnce sync.Once
	libusbCtxErr  error

	xferMu  sync.Mutex
	xferMap = make(map[*C.libusb_transfer_struct]*transfer)
)

// Transfer status values a caller outside this cgo file needs to
// compare against, exported as plain ints so session.go never has to
// carry its own "import C" just to read two enumerators.
const (
	transferCancelled = int(C.LIBUSB_TRANSFER_CANCELLED)
	transferNoDevice  = int(C.LIBUSB_TRANSFER_NO_DEVICE)
)

func context() (*C.libusb_context, error) {
	libusbCtxOnce.Do(func() {
		if rc := C.libusb_init(&libusbCtx); rc < 0 {
			libusbCtxErr = libusbError("libusb_init", int(rc))
			return
		}

		// Start libusb thread (required for asynchronous I/O: this is
		// what actually runs submitted transfers to completion and
		// invokes rhTransferCallback).
		go func() {
			runtime.LockOSThread()
			for {
				C.libusb_handle_events(libusbCtx)
			}
		}()
	})
	return libusbCtx, libusbCtxErr
}

func libusbError(fn string, rc int) error {
	return fmt.Errorf("%s: %s", fn, C.GoString(C.libusb_strerror(C.int(rc))))
}

// handle wraps an open libusb device handle for the lifetime of one
// forwarding session.
type handle struct {
	dev       *C.libusb_device_handle
	numIfaces int
}

// openByAddr opens the device at busNum/devAddr, the Go analogue of
// forwarding_start's libusb_open call, but locating the device by
// topology instead of relying on a cached libusb_device pointer from
// enumeration (the enumerator in internal/usbenum runs on a separate
// gousb-owned libusb context).
func openByAddr(busNum, devAddr uint8, numIfaces int) (*handle, error) {
	ctx, err := context()
	if err != nil {
		return nil, err
	}

	var list **C.libusb_device
	n := C.libusb_get_device_list(ctx, &list)
	if n < 0 {
		return nil, libusbError("libusb_get_device_list", int(n))
	}
	defer C.libusb_free_device_list(list, 1)

	devs := unsafe.Slice(list, int(n))
	for _, dev := range devs {
		if uint8(C.libusb_get_bus_number(dev)) != busNum {
			continue
		}
		if uint8(C.libusb_get_device_address(dev)) != devAddr {
			continue
		}

		var dh *C.libusb_device_handle
		rc := C.libusb_open(dev, &dh)
		if rc < 0 {
			return nil, libusbError("libusb_open", int(rc))
		}
		return &handle{dev: dh, numIfaces: numIfaces}, nil
	}

	return nil, fmt.Errorf("forwarding: device %d-%d not found on libusb bus", busNum, devAddr)
}

// claimAll detaches the kernel driver from, then claims, every
// interface 0..numIfaces-1, per §4.4.2.
func (h *handle) claimAll() error {
	for i := 0; i < h.numIfaces; i++ {
		if C.libusb_kernel_driver_active(h.dev, C.int(i)) == 1 {
			if rc := C.libusb_detach_kernel_driver(h.dev, C.int(i)); rc < 0 {
				return fmt.Errorf("detach kernel driver from interface %d: %w", i, libusbError("libusb_detach_kernel_driver", int(rc)))
			}
		}
		if rc := C.libusb_claim_interface(h.dev, C.int(i)); rc < 0 {
			return fmt.Errorf("claim interface %d: %w", i, libusbError("libusb_claim_interface", int(rc)))
		}
	}
	return nil
}

// releaseAll releases every claimed interface, re-attaches the kernel
// driver, then resets the device, per §4.4.2. Errors are non-fatal
// (best-effort, matching release_device's logged-but-ignored style).
func (h *handle) releaseAll() {
	for i := 0; i < h.numIfaces; i++ {
		if C.libusb_kernel_driver_active(h.dev, C.int(i)) == 0 {
			C.libusb_release_interface(h.dev, C.int(i))
			C.libusb_attach_kernel_driver(h.dev, C.int(i))
		}
	}
	C.libusb_reset_device(h.dev)
}

func (h *handle) resetDevice() {
	C.libusb_reset_device(h.dev)
}

func (h *handle) clearHalt(ep uint8) error {
	if rc := C.libusb_clear_halt(h.dev, C.uchar(ep)); rc < 0 {
		return libusbError("libusb_clear_halt", int(rc))
	}
	return nil
}

func (h *handle) setInterfaceAltSetting(iface, alt int) error {
	if rc := C.libusb_set_interface_alt_setting(h.dev, C.int(iface), C.int(alt)); rc < 0 {
		return libusbError("libusb_set_interface_alt_setting", int(rc))
	}
	return nil
}

func (h *handle) close() {
	C.libusb_close(h.dev)
}

// transfer wraps one in-flight libusb_transfer and the packet/ring it
// reports completion into, the Go analogue of struct usb_packet's
// xfer field paired with its owning forward_info.
type transfer struct {
	cxfer *C.libusb_transfer_struct
	pkt   *packet
	r     *ring
	sess  *Session
}

// submit allocates and submits an async transfer for p against ep,
// choosing the libusb fill function by kind. Grounded on
// forwarding.c's submit_xfer.
func (h *handle) submit(sess *Session, r *ring, p *packet, ep uint8, kind xferKind, timeoutMs uint) (*transfer, error) {
	numIso := 0
	if kind == xferIsochronous {
		numIso = int(p.hdr.Submit.NumberOfPackets)
	}

	cxfer := C.libusb_alloc_transfer(C.int(numIso))
	if cxfer == nil {
		return nil, fmt.Errorf("libusb_alloc_transfer: out of memory")
	}

	t := &transfer{cxfer: cxfer, pkt: p, r: r, sess: sess}

	var buf *C.uchar
	if len(p.data) > 0 {
		buf = (*C.uchar)(unsafe.Pointer(&p.data[0]))
	}

	cb := C.libusb_transfer_cb_fn(unsafe.Pointer(C.rhTransferCallback))

	switch kind {
	case xferControl:
		C.libusb_fill_control_transfer(cxfer, h.dev, buf, cb, nil, C.uint(timeoutMs))
	case xferIsochronous:
		C.libusb_fill_iso_transfer(cxfer, h.dev, C.uchar(ep), buf, C.int(len(p.data)),
			C.int(numIso), cb, nil, C.uint(timeoutMs))
		descs := (*[1 << 16]C.struct_libusb_iso_packet_descriptor)(unsafe.Pointer(&cxfer.iso_packet_desc[0]))
		for i := 0; i < numIso; i++ {
			length := p.hdr.Submit.TransferBufferLen / uint32(numIso)
			if i < len(p.isoLengths) {
				length = p.isoLengths[i]
			}
			descs[i].length = C.uint(length)
		}
	case xferInterrupt:
		C.libusb_fill_interrupt_transfer(cxfer, h.dev, C.uchar(ep), buf, C.int(len(p.data)), cb, nil, C.uint(timeoutMs))
	default: // xferBulk
		C.libusb_fill_bulk_transfer(cxfer, h.dev, C.uchar(ep), buf, C.int(len(p.data)), cb, nil, C.uint(timeoutMs))
	}

	xferMu.Lock()
	xferMap[cxfer] = t
	xferMu.Unlock()

	if rc := C.libusb_submit_transfer(cxfer); rc < 0 {
		xferMu.Lock()
		delete(xferMap, cxfer)
		xferMu.Unlock()
		C.libusb_free_transfer(cxfer)
		return nil, libusbError("libusb_submit_transfer", int(rc))
	}

	p.xfer = t
	return t, nil
}

// cancel requests cancellation of t; completion still arrives
// asynchronously through the callback, matching libusb_cancel_transfer
// semantics relied on by §4.4.3's unlink handling.
func (t *transfer) cancel() {
	C.libusb_cancel_transfer(t.cxfer)
}

// free releases the transfer and its data buffer.
func (t *transfer) free() {
	xferMu.Lock()
	delete(xferMap, t.cxfer)
	xferMu.Unlock()
	C.libusb_free_transfer(t.cxfer)
}

func (t *transfer) status() C.libusb_transfer_status {
	return t.cxfer.status
}

// statusInt exposes the raw status as a plain int for code outside
// this file to compare against transferCancelled/transferNoDevice.
func (t *transfer) statusInt() int {
	return int(t.cxfer.status)
}

func (t *transfer) actualLength() uint32 {
	return uint32(t.cxfer.actual_length)
}

func (t *transfer) numIsoPackets() int {
	return int(t.cxfer.num_iso_packets)
}

func (t *transfer) isoPacketActualLength(i int) uint32 {
	descs := (*[1 << 16]C.struct_libusb_iso_packet_descriptor)(unsafe.Pointer(&t.cxfer.iso_packet_desc[0]))
	return uint32(descs[i].actual_length)
}

func (t *transfer) isoPacketStatus(i int) int {
	descs := (*[1 << 16]C.struct_libusb_iso_packet_descriptor)(unsafe.Pointer(&t.cxfer.iso_packet_desc[0]))
	return int(descs[i].status)
}

// convertStatus maps a libusb transfer status to the negative POSIX
// errno the USB/IP peer expects in RET_SUBMIT.status, per §4.4.3's
// status table, grounded verbatim on forwarding.c's
// convert_libusb_status.
func convertStatus(s C.libusb_transfer_status) int32 {
	switch s {
	case C.LIBUSB_TRANSFER_COMPLETED:
		return 0
	case C.LIBUSB_TRANSFER_ERROR:
		return -5 // -EIO
	case C.LIBUSB_TRANSFER_TIMED_OUT:
		return -110 // -ETIMEDOUT
	case C.LIBUSB_TRANSFER_CANCELLED:
		return -104 // -ECONNRESET
	case C.LIBUSB_TRANSFER_STALL:
		return -32 // -EPIPE
	case C.LIBUSB_TRANSFER_NO_DEVICE:
		return -108 // -ESHUTDOWN
	case C.LIBUSB_TRANSFER_OVERFLOW:
		return -75 // -EOVERFLOW
	default:
		return -2 // -ENOENT
	}
}

//export rhTransferCallback
func rhTransferCallback(cxfer *C.libusb_transfer_struct) {
	xferMu.Lock()
	t := xferMap[cxfer]
	xferMu.Unlock()
	if t == nil {
		return
	}
	t.sess.onTransferDone(t)
}
