package scd

// canonLen returns the length of the canonical S-expression at the start of
// b, or 0 if b does not start with a complete, well-formed one.
func canonLen(b []byte) int {
	if len(b) == 0 || b[0] != '(' {
		return 0
	}
	depth := 0
	hint := false
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == '(':
			if hint {
				return 0
			}
			depth++
			i++
		case c == ')':
			if hint || depth == 0 {
				return 0
			}
			depth--
			i++
			if depth == 0 {
				return i
			}
		case c == '[':
			if hint {
				return 0
			}
			hint = true
			i++
		case c == ']':
			if !hint {
				return 0
			}
			hint = false
			i++
		case c >= '1' && c <= '9':
			n := 0
			for i < len(b) && b[i] >= '0' && b[i] <= '9' {
				n = n*10 + int(b[i]-'0')
				if n > len(b) {
					return 0
				}
				i++
			}
			if i >= len(b) || b[i] != ':' {
				return 0
			}
			i++
			if n > len(b)-i {
				return 0
			}
			i += n
		default:
			return 0
		}
	}
	return 0
}
