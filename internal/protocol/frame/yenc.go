package frame

// Escape prefixes every stuffed byte.
const (
	Escape       byte = '='
	EscapeOffset byte = 64
)

// DefaultBanned holds the bytes a radio link or TNC may interpret:
// XON/XOFF, SUB, NUL and the 0xFD..0xFF range.
var DefaultBanned = []byte{0x11, 0x13, 0x1A, 0x00, 0xFD, 0xFE, 0xFF}

// Stuff escapes every banned byte and the escape byte itself.
func Stuff(b []byte, banned []byte) []byte {
	var set [256]bool
	for _, c := range banned {
		set[c] = true
	}
	set[Escape] = true

	out := make([]byte, 0, len(b)+len(b)/8)
	for _, c := range b {
		if set[c] {
			out = append(out, Escape, c+EscapeOffset)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Unstuff reverses Stuff. The banned set is not needed to decode.
func Unstuff(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != Escape {
			out = append(out, b[i])
			continue
		}
		i++
		if i >= len(b) {
			return nil, ErrTruncatedEscape
		}
		out = append(out, b[i]-EscapeOffset)
	}
	return out, nil
}
