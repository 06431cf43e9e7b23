package wire

import (
	"errors"
	"fmt"
)

// TLVField is one tag-length-value entry.
type TLVField struct {
	Tag   byte
	Value []byte
}

// TLVMap preserves the order fields were decoded in. A tag appears at most
// once per frame.
type TLVMap struct {
	fields []TLVField
	index  map[byte]int
}

// ErrTLVDuplicate reports the same tag twice in one frame.
var ErrTLVDuplicate = errors.New("wire: duplicate TLV tag")

// ParseTLV consumes [tag:1][length:1][value:length] entries from data until
// it is exhausted. A short tail (an entry whose declared length overruns the
// slice, or a dangling tag byte) stops the scan without failing; terminal
// firmware revisions are known to pad or truncate the final field.
func ParseTLV(data []byte) (*TLVMap, error) {
	m := &TLVMap{index: make(map[byte]int)}
	pos := 0
	for pos+2 <= len(data) {
		tag := data[pos]
		length := int(data[pos+1])
		pos += 2
		if pos+length > len(data) {
			break
		}
		if _, dup := m.index[tag]; dup {
			return nil, fmt.Errorf("%w: 0x%02x", ErrTLVDuplicate, tag)
		}
		m.index[tag] = len(m.fields)
		m.fields = append(m.fields, TLVField{Tag: tag, Value: data[pos : pos+length]})
		pos += length
	}
	return m, nil
}

// EncodeTLV renders the fields in order. Values longer than 255 bytes are
// rejected.
func EncodeTLV(fields []TLVField) ([]byte, error) {
	seen := make(map[byte]bool, len(fields))
	var out []byte
	for _, f := range fields {
		if len(f.Value) > 0xFF {
			return nil, fmt.Errorf("wire: TLV value for tag 0x%02x exceeds 255 bytes", f.Tag)
		}
		if seen[f.Tag] {
			return nil, fmt.Errorf("%w: 0x%02x", ErrTLVDuplicate, f.Tag)
		}
		seen[f.Tag] = true
		out = append(out, f.Tag, byte(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out, nil
}

// Get returns the value for tag, if present.
func (m *TLVMap) Get(tag byte) ([]byte, bool) {
	i, ok := m.index[tag]
	if !ok {
		return nil, false
	}
	return m.fields[i].Value, true
}

// Fields returns the decoded fields in wire order.
func (m *TLVMap) Fields() []TLVField { return m.fields }

// Len returns the number of decoded fields.
func (m *TLVMap) Len() int { return len(m.fields) }
