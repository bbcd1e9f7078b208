package engine

import (
	"strings"
	"unicode/utf16"
)

// crockford is the Crockford base32 alphabet (no I, L, O, U).
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// SafeName rewrites a job name into a filesystem-safe form. Characters
// outside [A-Za-z0-9_-] are replaced by the Crockford base32 encoding of
// their UTF-16 code units, four digits per unit; safe characters pass
// through unchanged. Because the digits are safe characters themselves, a
// name that already spells out such a group maps to the same result as the
// name with the original character: "a b" and "a0010b" both give "a0010b".
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if isSafeRune(r) {
			b.WriteRune(r)
			continue
		}
		for _, unit := range utf16.Encode([]rune{r}) {
			b.WriteString(encodeUnit(unit))
		}
	}
	return b.String()
}

func isSafeRune(r rune) bool {
	return r == '_' || r == '-' ||
		(r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// encodeUnit encodes one 16-bit code unit as four base32 digits.
func encodeUnit(u uint16) string {
	digits := []byte{
		crockford[(u>>15)&0x1f],
		crockford[(u>>10)&0x1f],
		crockford[(u>>5)&0x1f],
		crockford[u&0x1f],
	}
	return string(digits)
}
