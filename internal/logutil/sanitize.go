package logutil

import (
	"strings"
	"unicode/utf8"
)

const maxLogValue = 256

// SanitizeForLog strips newlines and control characters from caller-controlled
// strings (caller ids, paths, upstream error text) so they cannot forge log
// entries, and caps their length.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	out := result.String()
	if len(out) > maxLogValue {
		n := maxLogValue
		for n > 0 && !utf8.RuneStart(out[n]) {
			n--
		}
		out = out[:n] + "..."
	}
	return out
}
