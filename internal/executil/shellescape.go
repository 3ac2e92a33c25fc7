package executil

import "strings"

// ShellEscape quotes a string for safe interpolation into an sh command
// line. Empty strings become ''; strings of only safe characters pass
// through; everything else is single-quoted with embedded single quotes
// escaped as '"'"'.
func ShellEscape(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '/' || c == '.' || c == '$':
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
