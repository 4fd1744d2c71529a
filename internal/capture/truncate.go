package capture

import "unicode/utf8"

// TruncationMarker is appended to any field cut to fit its byte budget.
const TruncationMarker = "..."

// truncateBytes cuts in to at most maxBytes without splitting a UTF-8
// sequence. It reports whether a cut happened and the original length.
func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in)
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(in[cut]) {
		cut--
	}
	return in[:cut], true, len(in)
}

// truncateStringBytes is truncateBytes for strings, with the marker appended
// when the string was cut.
func truncateStringBytes(in string, maxBytes int) (string, bool, int) {
	out, truncated, origLen := truncateBytes([]byte(in), maxBytes)
	if !truncated {
		return in, false, origLen
	}
	return string(out) + TruncationMarker, true, origLen
}

func truncateText(in string, maxBytes int) string {
	out, _, _ := truncateStringBytes(in, maxBytes)
	return out
}
