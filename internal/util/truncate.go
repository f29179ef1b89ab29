package util

import "fmt"

// DefaultLogMaxLen bounds payload excerpts written to logs and audit rows.
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to maxLen bytes, noting the original size.
func TruncateLog(s string, maxLen int) string {
	if maxLen < 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog for response bodies.
func TruncateBytes(b []byte, maxLen int) string {
	return TruncateLog(string(b), maxLen)
}
