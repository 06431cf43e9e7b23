package zvt

import (
	"strings"

	"github.com/kassenwerk/periphd/internal/wire"
)

// BMP tags used in outgoing command payloads and incoming completions.
const (
	bmpAmount     = 0x04 // 6-byte packed BCD
	bmpTrace      = 0x0B // 3-byte packed BCD
	bmpCurrency   = 0x49 // 2-byte packed BCD, numeric ISO-4217
	bmpTimeout    = 0x29
	bmpService    = 0x19
	bmpAuthCode   = 0x3B // ASCII
	bmpCardPAN    = 0x22 // packed digits, masked nibbles 0xE/0xF
	bmpCardType   = 0x8A
	bmpText       = 0x2A // additional text
	bmpResultCode = 0x27
)

// appendAmount appends BMP 04 with the amount in minor units.
func appendAmount(dst []byte, minorUnits uint64) ([]byte, error) {
	packed, err := wire.AmountToBCD(minorUnits)
	if err != nil {
		return nil, err
	}
	dst = append(dst, bmpAmount)
	return append(dst, packed[:]...), nil
}

// appendCurrency appends BMP 49 with the numeric currency code.
func appendCurrency(dst []byte, numeric uint16) ([]byte, error) {
	packed, err := wire.IntToBCD(uint64(numeric), 2)
	if err != nil {
		return nil, err
	}
	dst = append(dst, bmpCurrency)
	return append(dst, packed...), nil
}

// appendTrace appends BMP 0B with a 3-byte BCD trace number.
func appendTrace(dst []byte, trace uint64) ([]byte, error) {
	packed, err := wire.IntToBCD(trace, 3)
	if err != nil {
		return nil, err
	}
	dst = append(dst, bmpTrace)
	return append(dst, packed...), nil
}

// panLastFour extracts the trailing four digits from a packed, possibly
// masked PAN field. Mask nibbles (0xE, 0xF) are skipped.
func panLastFour(pan []byte) string {
	var digits []byte
	for _, b := range pan {
		for _, nib := range [2]byte{b >> 4, b & 0x0F} {
			if nib <= 9 {
				digits = append(digits, '0'+nib)
			}
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return string(digits)
}

// splitPrintLines cuts a print-line payload on the 0x00 and 0x0A
// terminators.
func splitPrintLines(payload []byte) []string {
	raw := strings.FieldsFunc(string(payload), func(r rune) bool {
		return r == 0x00 || r == 0x0A
	})
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimRight(l, "\r"))
	}
	return lines
}
