package utils

import "strings"

// ShellQuote renders one argument as a single-quoted shell token, so
// worker spawn log lines can be copy-pasted into a shell verbatim.
func ShellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", "'\\''") + "'"
}
