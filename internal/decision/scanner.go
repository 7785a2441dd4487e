package decision

// ScanObject returns the JSON object starting at s[start], which must be '{'.
// It tracks string and escape state so braces inside string literals do not
// change depth, and stops at the brace that brings depth back to zero. ok is
// false when the object is never closed.
//
// Iterating bytes is safe for the ASCII delimiters involved: UTF-8 never
// encodes them inside a multi-byte sequence.
func ScanObject(s string, start int) (obj string, ok bool) {
	if start < 0 || start >= len(s) || s[start] != '{' {
		return "", false
	}

	var depth int
	var inString, escape bool

	for i := start; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}

		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
