package logger

import (
	"fmt"
	"strings"
)

// SanitizeForLog escapes control characters before an untrusted string
// (job source URL, external tool stderr) is written to the log. Newlines
// and carriage returns could forge log entries, null bytes truncate them,
// and ANSI escapes manipulate terminals. Printable Unicode passes through.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString("\\n")
		case r == '\r':
			b.WriteString("\\r")
		case r == '\t':
			b.WriteString("\\t")
		case r < 32 || r == 127:
			b.WriteString(fmt.Sprintf("\\x%02x", r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
