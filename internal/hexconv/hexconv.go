package hexconv

// invalid marks bytes that aren't hex digits. No valid half-byte can have any of the high bits.
const invalid = 0xff

// Halfbyte maps hex digits into their numeric values. Non-hex characters are mapped into 0xff.
var Halfbyte = func() (table [256]byte) {
	for i := range table {
		table[i] = invalid
	}

	for c := byte('0'); c <= '9'; c++ {
		table[c] = c - '0'
	}

	for c := byte('a'); c <= 'f'; c++ {
		table[c] = c - 'a' + 10
		table[c-'a'+'A'] = c - 'a' + 10
	}

	return table
}()

// Decode joins two hex digits into a byte, reporting whether both are valid.
func Decode(high, low byte) (c byte, ok bool) {
	h, l := Halfbyte[high], Halfbyte[low]
	if h == invalid || l == invalid {
		return 0, false
	}

	return h<<4 | l, true
}
