// Package stringutil provides common string utility functions.
package stringutil

// Truncate returns at most maxLen bytes of s.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
