package hostagg

import "strings"

// EncodeFQN builds the fully-qualified name for a host: its name, an
// "@", the percent-encoded node location, a literal "-", and the
// nodeId. Percent-encoding leaves hyphens in the raw location intact
// (they are unreserved), so a location like "sub-network" round-trips
// without corruption.
func EncodeFQN(name, location, nodeID string) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('@')
	b.WriteString(percentEncode(location))
	b.WriteByte('-')
	b.WriteString(nodeID)
	return b.String()
}

const hexDigits = "0123456789ABCDEF"

func percentEncode(s string) string {
	needsEscape := func(c byte) bool {
		if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
			return false
		}
		switch c {
		case '-', '_', '.', '~':
			return false
		}
		return true
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if needsEscape(c) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0F])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// percentDecode reverses percentEncode. Used only for display/testing;
// FQN resolution never parses a stored fqn back into its parts (the
// nodeId must be carried explicitly, since location may itself
// contain unescaped hyphens that make splitting on the final "-"
// ambiguous).
func percentDecode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}
