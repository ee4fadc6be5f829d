// Package redact scrubs secrets from command output before it is logged or
// surfaced to the UI as diagnostics.
package redact

import (
	"fmt"
	"strings"
)

// MaxOutputChars bounds any single diagnostic blob.
const MaxOutputChars = 8 * 1024

// sensitiveKeys are environment variable names whose values must never leak
// through diagnostics.
var sensitiveKeys = []string{
	"OPENAI_API_KEY",
	"POSTGRES_PASSWORD",
	"JWT_SECRET",
	"SLACK_BOT_TOKEN",
	"STRIPE_SECRET_KEY",
}

// Output redacts sensitive assignments and bearer tokens line by line. Lines
// containing a sensitive key are collapsed to "KEY= [REDACTED]"; anything
// after "Bearer " is replaced on the line it occurs.
func Output(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		redacted := line
		for _, key := range sensitiveKeys {
			if strings.Contains(line, key) {
				redacted = fmt.Sprintf("%s= [REDACTED]", key)
				break
			}
		}
		if idx := strings.Index(redacted, "Bearer "); idx >= 0 {
			redacted = redacted[:idx] + "Bearer [REDACTED]"
		}
		lines[i] = redacted
	}
	return strings.Join(lines, "\n")
}

// Truncate caps text at MaxOutputChars, appending an ellipsis when cut.
func Truncate(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= MaxOutputChars {
		return trimmed
	}
	return string(runes[:MaxOutputChars]) + "..."
}
