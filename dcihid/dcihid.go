package dcihid

import (
	"github.com/usbdii/dcihid-go/core"
)

// Package dcihid is the return-code surface of the access layer,
// kept call-for-call compatible with the original USBDII driver:
//
//	u_int32_t dcihid_open(dev_name, card_id, card_num);
//	int32_t   dcihid_close(handle);
//	int32_t   dcihid_write(handle, addr, data);
//	int32_t   dcihid_read(handle, addr, *data);
//
// Ports that want structured errors should use the core package
// directly; this shim flattens them to status codes and never panics.

const (
	// StatusOK means the operation completed and any output is valid.
	StatusOK int32 = 0
	// StatusInvalidHandle covers unknown, already-closed and dead
	// (unplugged) handles.
	StatusInvalidHandle int32 = -1
	// StatusTransport covers timeouts, short transfers and
	// disconnections; the access may be retried if the register is
	// safe to retry.
	StatusTransport int32 = -2
	// StatusProtocol covers malformed frames and device-side naks;
	// retrying blindly is a mistake, it indicates a firmware or
	// logic mismatch.
	StatusProtocol int32 = -3
	// StatusInvalidArgument means card_id/card_num out of range.
	StatusInvalidArgument int32 = -4
	// StatusFailure is any other failure.
	StatusFailure int32 = -5
)

// InvalidHandle is the reserved sentinel returned by Open on failure.
const InvalidHandle uint32 = 0

type DCIHID struct {
	core *core.Core
}

func New(c *core.Core) *DCIHID {
	return &DCIHID{core: c}
}

// Open returns a nonzero opaque handle, or InvalidHandle when the
// path is unreachable or the card parameters are out of range.
func (d *DCIHID) Open(devName string, cardID, cardNum uint) uint32 {
	handle, err := d.core.Open(devName, cardID, cardNum)
	if err != nil {
		return InvalidHandle
	}
	return handle
}

func (d *DCIHID) Close(handle uint32) int32 {
	return statusOf(d.core.Close(handle))
}

func (d *DCIHID) Write(handle uint32, addr uint32, data uint32) int32 {
	return statusOf(d.core.WriteRegister(handle, addr, data))
}

// Read stores one byte through data only when it returns StatusOK;
// on failure *data is left untouched.
func (d *DCIHID) Read(handle uint32, addr uint32, data *byte) int32 {
	b, err := d.core.ReadRegister(handle, addr)
	if err != nil {
		return statusOf(err)
	}
	if data != nil {
		*data = b
	}
	return StatusOK
}

func statusOf(err error) int32 {
	switch {
	case err == nil:
		return StatusOK
	case core.IsInvalidHandle(err):
		return StatusInvalidHandle
	case core.IsInvalidArgument(err):
		return StatusInvalidArgument
	case core.IsTransportFailure(err):
		return StatusTransport
	case core.IsProtocolFailure(err):
		return StatusProtocol
	default:
		return StatusFailure
	}
}
