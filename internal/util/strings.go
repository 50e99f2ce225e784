// Package util provides common utility functions used across the codegrant
// library.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise returns the first maxLen characters. Used when logging
// sensitive data like codes and tokens, where only a prefix should be shown.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
