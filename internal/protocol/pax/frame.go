// Package pax implements the PAX ECR protocol: ASCII frames delimited by
// STX/FS/ETX with an XOR LRC, the versioned command set and transaction
// field layout.
package pax

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kassenwerk/periphd/internal/transport"
	"github.com/kassenwerk/periphd/internal/wire"
)

const (
	stx = 0x02
	fs  = 0x1C
	etx = 0x03
)

// protocolVersion is the command-set version field sent in every frame.
const protocolVersion = "1.28"

// Command codes.
const (
	cmdInitialize = "A00"
	cmdGetInfo    = "A14"
	cmdReset      = "A16"
	cmdCredit     = "T00"
	cmdBatchClose = "B00"
)

// Transaction type codes within a credit command.
const (
	transSale     = "01"
	transReturn   = "02"
	transAuth     = "03"
	transPostAuth = "04"
	transVoid     = "16"
)

// Frame is one decoded PAX message.
type Frame struct {
	Command string
	Version string
	// fields are 1-based on the wire; index 0 is unused padding here.
	fields []string
}

// Field returns the 1-based field i, or "" when absent.
func (f Frame) Field(i int) string {
	if i < 1 || i >= len(f.fields) {
		return ""
	}
	return f.fields[i]
}

// BuildFrame assembles STX CMD FS VERSION {FS FIELD}* ETX LRC. The LRC is
// the XOR over everything after STX, ETX included.
func BuildFrame(command string, fields []string) []byte {
	var body bytes.Buffer
	body.WriteString(command)
	body.WriteByte(fs)
	body.WriteString(protocolVersion)
	for _, f := range fields {
		body.WriteByte(fs)
		body.WriteString(f)
	}
	body.WriteByte(etx)

	out := make([]byte, 0, body.Len()+2)
	out = append(out, stx)
	out = append(out, body.Bytes()...)
	out = append(out, wire.LRC(body.Bytes()))
	return out
}

var (
	ErrNoFrame  = errors.New("pax: no complete frame")
	ErrBadLRC   = errors.New("pax: LRC mismatch")
	ErrBadFrame = errors.New("pax: malformed frame")
)

// ParseFrame decodes one frame from buf, returning the bytes consumed.
func ParseFrame(buf []byte) (Frame, int, error) {
	start := bytes.IndexByte(buf, stx)
	if start < 0 {
		return Frame{}, len(buf), ErrNoFrame
	}
	end := bytes.IndexByte(buf[start:], etx)
	if end < 0 || start+end+1 >= len(buf) {
		return Frame{}, start, ErrNoFrame
	}
	end += start
	body := buf[start+1 : end+1] // CMD..ETX inclusive
	got := buf[end+1]
	if wire.LRC(body) != got {
		return Frame{}, end + 2, fmt.Errorf("%w: want 0x%02X got 0x%02X", ErrBadLRC, wire.LRC(body), got)
	}
	parts := bytes.Split(body[:len(body)-1], []byte{fs})
	if len(parts) < 2 {
		return Frame{}, end + 2, ErrBadFrame
	}
	f := Frame{
		Command: string(parts[0]),
		Version: string(parts[1]),
		fields:  make([]string, len(parts)-1),
	}
	// fields are 1-based after the version
	for i, p := range parts[2:] {
		f.fields[i+1] = string(p)
	}
	return f, end + 2, nil
}

// readFrame accumulates transport chunks until one complete frame parses,
// re-buffering any surplus bytes.
func readFrame(ctx context.Context, t transport.Transport, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	var buf []byte
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return Frame{}, transport.NewError(transport.CodeReceiveTimeout, true, "no frame within timeout", nil)
		}
		chunk, err := t.Receive(ctx, remain)
		if err != nil {
			return Frame{}, err
		}
		buf = append(buf, chunk...)
		frame, consumed, err := ParseFrame(buf)
		if err == nil {
			if consumed < len(buf) {
				t.Unread(buf[consumed:])
			}
			return frame, nil
		}
		if errors.Is(err, ErrNoFrame) {
			continue
		}
		// a corrupt frame is dropped; keep whatever follows it
		buf = buf[consumed:]
	}
}
