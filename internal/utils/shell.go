package utils

import "strings"

// ShellQuote quotes s for a POSIX shell so it is passed through as a single word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
