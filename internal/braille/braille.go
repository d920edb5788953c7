// Package braille renders raw display cells for console output and maps
// text to cell bytes for test payloads. One cell byte is one 8-dot braille
// pattern, 0-255.
package braille

import "strings"

// brailleBase is the Unicode braille pattern block origin (U+2800). Adding
// a cell's dot bitmap to it yields the matching braille character.
const brailleBase = 0x2800

// CellsToUnicode renders cells as Unicode braille patterns. A zero cell is
// the blank pattern U+2800.
func CellsToUnicode(cells []byte) string {
	var b strings.Builder
	b.Grow(len(cells) * 3)
	for _, cell := range cells {
		b.WriteRune(rune(brailleBase + int(cell)))
	}
	return b.String()
}

// CellsToASCII renders cells as a rough ASCII approximation: zero cells as
// spaces, values in the printable range as themselves, everything else as
// a question mark. Only meant for human-readable host logs.
func CellsToASCII(cells []byte) string {
	var b strings.Builder
	b.Grow(len(cells))
	for _, cell := range cells {
		switch {
		case cell == 0:
			b.WriteByte(' ')
		case cell >= 32 && cell < 127:
			b.WriteByte(cell)
		default:
			b.WriteByte('?')
		}
	}
	return b.String()
}

// TextToCells maps printable ASCII text to cell bytes, substituting a
// question mark for anything outside the printable range. It is the
// inverse of CellsToASCII for test traffic, not a braille translation.
func TextToCells(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		switch {
		case r == ' ':
			out = append(out, 0)
		case r >= 32 && r < 127:
			out = append(out, byte(r))
		default:
			out = append(out, '?')
		}
	}
	return out
}
