package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Package wire owns the DCI register-access frame format.
//
// One frame occupies exactly one HID report. The codec is a pure
// byte<->frame transform with no I/O, so it can be tested on its own;
// all transport scheduling lives in the core package.

// ReportSize is the fixed HID report length of the DCI interface.
// Both requests and responses are padded to this size.
const ReportSize = 64

// Opcodes. A response opcode is its request opcode with bit 5 set
// (ASCII lowercasing), which makes mismatches obvious in raw dumps.
const (
	OpReadReq   byte = 0x52 // 'R'
	OpWriteReq  byte = 0x57 // 'W'
	OpReadResp  byte = 0x72 // 'r'
	OpWriteResp byte = 0x77 // 'w'
)

// Card addressing limits. The card id selects a device model on the
// bus and is never zero; the card number selects one of up to 16
// identical cards sharing the same physical path.
const (
	MaxCardID  = 0x7F
	MaxCardNum = 0x0F
)

// Fixed byte offsets inside a report.
const (
	posOp      = 0
	posCardID  = 1
	posCardNum = 2
	posAddr    = 3 // 4 bytes, big-endian
	posData    = 7 // write request: 4 bytes, big-endian
	posStatus  = 7 // responses: 1 byte, 0 = ack
	posByte    = 8 // read response payload: 1 byte
)

var (
	ErrMalformed      = errors.New("wire: malformed frame")
	ErrOpcodeMismatch = errors.New("wire: unexpected opcode")
	ErrCardRange      = errors.New("wire: card id/num out of range")
)

// StatusError is a negative acknowledgement from the device side.
// It is a protocol-level failure: the frame arrived intact but the
// target refused the access.
type StatusError byte

func (e StatusError) Error() string {
	return fmt.Sprintf("wire: device nak 0x%02x", byte(e))
}

// Frame is one logical register access, request or response.
//
// Data carries the full word on write requests; on read responses only
// its low byte is meaningful (the DCI read primitive is byte-granular
// while writes move a whole word - this asymmetry is part of the wire
// format and must not be papered over).
type Frame struct {
	Op      byte
	CardID  byte
	CardNum byte
	Addr    uint32
	Data    uint32
	Status  byte
}

// ValidateCard checks the card addressing fields against their wire
// widths. Core calls this once at session open; Encode applies it
// again on every frame, since the session fields travel in every
// report.
func ValidateCard(cardID, cardNum uint) error {
	if cardID == 0 || cardID > MaxCardID || cardNum > MaxCardNum {
		return ErrCardRange
	}
	return nil
}

// Encode serializes f into a fresh report buffer.
func (f *Frame) Encode() ([]byte, error) {
	if err := ValidateCard(uint(f.CardID), uint(f.CardNum)); err != nil {
		return nil, err
	}

	buf := make([]byte, ReportSize)
	buf[posOp] = f.Op
	buf[posCardID] = f.CardID
	buf[posCardNum] = f.CardNum
	binary.BigEndian.PutUint32(buf[posAddr:], f.Addr)

	switch f.Op {
	case OpWriteReq:
		binary.BigEndian.PutUint32(buf[posData:], f.Data)
	case OpReadReq:
		// no payload on read requests
	case OpReadResp:
		buf[posStatus] = f.Status
		buf[posByte] = byte(f.Data)
	case OpWriteResp:
		buf[posStatus] = f.Status
	default:
		return nil, ErrOpcodeMismatch
	}
	return buf, nil
}

// Decode parses one report and checks it against the opcode the
// caller expects. The frame record returned never aliases buf.
func Decode(buf []byte, wantOp byte) (*Frame, error) {
	if len(buf) != ReportSize {
		return nil, ErrMalformed
	}
	if buf[posOp] != wantOp {
		return nil, ErrOpcodeMismatch
	}

	f := &Frame{
		Op:      buf[posOp],
		CardID:  buf[posCardID],
		CardNum: buf[posCardNum],
		Addr:    binary.BigEndian.Uint32(buf[posAddr:]),
	}
	switch f.Op {
	case OpWriteReq:
		f.Data = binary.BigEndian.Uint32(buf[posData:])
	case OpReadReq:
	case OpWriteResp:
		f.Status = buf[posStatus]
	case OpReadResp:
		f.Status = buf[posStatus]
		f.Data = uint32(buf[posByte])
	default:
		return nil, ErrMalformed
	}
	return f, nil
}

// Ack converts a response status byte into an error, nil on ack.
func (f *Frame) Ack() error {
	if f.Status != 0 {
		return StatusError(f.Status)
	}
	return nil
}

// RespOp returns the response opcode matching a request opcode.
func RespOp(reqOp byte) byte {
	return reqOp | 0x20
}
