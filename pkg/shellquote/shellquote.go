// Package shellquote renders commands as shell-pasteable strings for logs.
package shellquote

import (
	"strings"
)

// safe lists the characters that never need quoting.
const safe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@%+=:,./-"

// Quote returns s unchanged when it only holds safe characters, otherwise
// wrapped in double quotes with \ " $ ` and control characters escaped.
func Quote(s string) string {
	if s == "" {
		return `""`
	}

	if !strings.ContainsFunc(s, func(r rune) bool { return !strings.ContainsRune(safe, r) }) {
		return s
	}

	var b strings.Builder

	b.Grow(len(s) + 2)
	b.WriteByte('"')

	for _, r := range s {
		switch r {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}

	b.WriteByte('"')

	return b.String()
}

// Join renders bin and args as one command line.
func Join(bin string, args []string) string {
	parts := make([]string, 0, len(args)+1)

	parts = append(parts, Quote(bin))
	for _, arg := range args {
		parts = append(parts, Quote(arg))
	}

	return strings.Join(parts, " ")
}
