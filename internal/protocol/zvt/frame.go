// Package zvt implements the ZVT terminal protocol: APDU framing with
// BMP/TLV payloads, the intermediate-status loop, completion negotiation
// and ACK/NAK handling. No DLE stuffing is performed; the transport is
// byte-clean.
package zvt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kassenwerk/periphd/internal/transport"
	"github.com/kassenwerk/periphd/internal/wire"
)

// APDU command classes and instructions.
const (
	cmdRegistration    = 0x0600
	cmdAuthorization   = 0x0601
	cmdReversal        = 0x0630
	cmdRefund          = 0x0631
	cmdPreAuth         = 0x0622
	cmdStatusEnquiry   = 0x0501
	cmdEndOfDay        = 0x0650
	cmdAbort           = 0x061E
	rspIntermediate    = 0x04FF
	rspPrintLine       = 0x06D1
	rspPrintBlock      = 0x06D3
	rspCompletion      = 0x060F
	rspPositiveACK     = 0x8000
	rspNegativeACK     = 0x8400
)

// extendedLengthMarker switches the length field to the 2-byte form.
const extendedLengthMarker = 0xFF

// maxShortPayload is the largest payload the 1-byte length form carries.
const maxShortPayload = 254

// APDU is one decoded ZVT frame.
type APDU struct {
	Class       byte
	Instruction byte
	Payload     []byte
}

// Command returns the combined class/instruction word.
func (a APDU) Command() int { return int(a.Class)<<8 | int(a.Instruction) }

// ErrPayloadTooLarge reports a payload above the extended-length limit.
var ErrPayloadTooLarge = errors.New("zvt: payload exceeds 65535 bytes")

// BuildFrame assembles an APDU, choosing the short or extended length form
// by payload size.
func BuildFrame(class, instruction byte, payload []byte) ([]byte, error) {
	n := len(payload)
	if n > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}
	var out []byte
	if n <= maxShortPayload {
		out = make([]byte, 0, 3+n)
		out = append(out, class, instruction, byte(n))
	} else {
		out = make([]byte, 0, 5+n)
		out = append(out, class, instruction, extendedLengthMarker)
		out = wire.PutU16(out, uint16(n))
	}
	return append(out, payload...), nil
}

// ErrShortFrame reports a frame shorter than its declared length.
var ErrShortFrame = errors.New("zvt: truncated frame")

// ParseFrame decodes one APDU from buf and returns it together with the
// number of bytes consumed.
func ParseFrame(buf []byte) (APDU, int, error) {
	if len(buf) < 3 {
		return APDU{}, 0, ErrShortFrame
	}
	class, instruction := buf[0], buf[1]
	var n, header int
	if buf[2] != extendedLengthMarker {
		n = int(buf[2])
		header = 3
	} else {
		if len(buf) < 5 {
			return APDU{}, 0, ErrShortFrame
		}
		n = int(wire.U16(buf[3:5]))
		header = 5
	}
	if len(buf) < header+n {
		return APDU{}, 0, ErrShortFrame
	}
	return APDU{Class: class, Instruction: instruction, Payload: buf[header : header+n]}, header + n, nil
}

// readAPDU reads exactly one APDU from the transport, using ReceiveExact
// for the header and then the declared payload length.
func readAPDU(ctx context.Context, t transport.Transport, timeout time.Duration) (APDU, error) {
	deadline := time.Now().Add(timeout)
	head, err := transport.ReceiveExact(ctx, t, 3, timeout)
	if err != nil {
		return APDU{}, err
	}
	n := int(head[2])
	if head[2] == extendedLengthMarker {
		ext, err := transport.ReceiveExact(ctx, t, 2, time.Until(deadline))
		if err != nil {
			return APDU{}, err
		}
		n = int(wire.U16(ext))
	}
	var payload []byte
	if n > 0 {
		payload, err = transport.ReceiveExact(ctx, t, n, time.Until(deadline))
		if err != nil {
			return APDU{}, err
		}
	}
	return APDU{Class: head[0], Instruction: head[1], Payload: payload}, nil
}

func (a APDU) String() string {
	return fmt.Sprintf("%02X/%02X len=%d", a.Class, a.Instruction, len(a.Payload))
}
