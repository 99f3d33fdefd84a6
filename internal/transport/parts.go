package transport

import "unicode"

// SplitParts divides message into ordered parts of at most limit runes.
// Cuts prefer the last whitespace in the window, as long as the part keeps at
// least a third of the limit. Concatenating the parts yields message exactly.
// A limit <= 0 disables splitting.
func SplitParts(message string, limit int) []string {
	rs := []rune(message)
	if limit <= 0 || len(rs) <= limit {
		return []string{message}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if unicode.IsSpace(rs[i]) {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
