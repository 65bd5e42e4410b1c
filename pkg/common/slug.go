package common

import (
	"strings"
	"unicode"
)

// Slugify lowercases s and joins runs of letters and digits with "_".
func Slugify(s string) string {
	var sb strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pending = false
			sb.WriteRune(r)
			continue
		}
		pending = true
	}
	return sb.String()
}
