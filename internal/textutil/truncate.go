// Package textutil holds small string helpers shared by the dispatcher packages.
package textutil

import "unicode/utf8"

// Truncate shortens s to at most n characters, never splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
