// Package utils contains the small generic helpers shared by the command
// handlers and views.
package utils

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// Clamp limits value to the range [lo, hi].
func Clamp[T constraints.Ordered](value, lo, hi T) T {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// HexdumpRows formats a byte string as rows of 16 bytes, each row showing
// the offset, the hex bytes and the printable ASCII characters.
func HexdumpRows(base uint32, content []byte) []string {
	var rows []string
	for offset := 0; offset < len(content); offset += 16 {
		row := content[offset:min(offset+16, len(content))]
		var hexPart, asciiPart strings.Builder
		for i, b := range row {
			if i == 8 {
				hexPart.WriteByte(' ')
			}
			fmt.Fprintf(&hexPart, "%02x ", b)
			if b >= 0x20 && b < 0x7f {
				asciiPart.WriteByte(b)
			} else {
				asciiPart.WriteByte('.')
			}
		}
		rows = append(rows, fmt.Sprintf("0x%08x:  %-49s |%s|", base+uint32(offset), hexPart.String(), asciiPart.String()))
	}
	return rows
}
