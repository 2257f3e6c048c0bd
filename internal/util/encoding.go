package util

import (
	"encoding/hex"
	"strings"
)

// HexEncodeUpper encodes b as upper-case hex, the form the card daemon
// expects in SETDATA lines.
func HexEncodeUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// IsHexDigit reports whether c is an ASCII hex digit.
func IsHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// HexPrefixLen returns the number of leading hex digits in s.
func HexPrefixLen(s string) int {
	n := 0
	for n < len(s) && IsHexDigit(s[n]) {
		n++
	}
	return n
}
