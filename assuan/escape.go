package assuan

import (
	"fmt"
	"strings"

	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/internal/util"
)

const hexUpper = "0123456789ABCDEF"

func needsEscape(b byte) bool {
	return b == '%' || b == '\r' || b == '\n'
}

// EscapeData percent-escapes the bytes that may not appear raw in a data line.
func EscapeData(p []byte) string {
	var sb strings.Builder
	sb.Grow(len(p))
	for _, b := range p {
		if needsEscape(b) {
			sb.WriteByte('%')
			sb.WriteByte(hexUpper[b>>4])
			sb.WriteByte(hexUpper[b&0x0f])
			continue
		}
		sb.WriteByte(b)
	}
	return sb.String()
}

// UnescapeData reverses EscapeData. Any %XX sequence is decoded, not only the
// ones EscapeData produces.
func UnescapeData(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			out = append(out, s[i])
			continue
		}
		if i+2 >= len(s) || !util.IsHexDigit(s[i+1]) || !util.IsHexDigit(s[i+2]) {
			return nil, fmt.Errorf("%w: bad escape at offset %d", errcode.ErrInvalidResponse, i)
		}
		out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
		i += 2
	}
	return out, nil
}

// PercentPlusUnescape decodes a status argument: "+" becomes a space and
// %XX becomes the byte it names. Invalid escapes are kept verbatim.
func PercentPlusUnescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '+':
			sb.WriteByte(' ')
		case s[i] == '%' && i+2 < len(s) && util.IsHexDigit(s[i+1]) && util.IsHexDigit(s[i+2]):
			sb.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

// PercentPlusEscape is the inverse of PercentPlusUnescape for values sent in
// status lines: spaces become "+", while "+", "%" and control characters are
// sent as %XX.
func PercentPlusEscape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			sb.WriteByte('+')
		case c == '+' || c == '%' || c < 0x20 || c == 0x7f:
			sb.WriteByte('%')
			sb.WriteByte(hexUpper[c>>4])
			sb.WriteByte(hexUpper[c&0x0f])
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
