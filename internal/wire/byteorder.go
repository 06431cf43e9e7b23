package wire

import "encoding/binary"

// PutU16 appends v big-endian to dst and returns the extended slice.
func PutU16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

// PutU32 appends v big-endian to dst and returns the extended slice.
func PutU32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// U16 reads a big-endian uint16 from b.
func U16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// U32 reads a big-endian uint32 from b.
func U32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
