// Package util holds small helpers shared by the API and the feed poller.
package util

import (
	"regexp"
	"strings"
)

// MaxRedactLength caps the input Redact will scan.
const MaxRedactLength = 64 * 1024

// MaxErrorMessageLength caps messages returned to API clients.
const MaxErrorMessageLength = 512

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key|credential)[\s:=]+[^\s,;]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`), "Bearer REDACTED"},
	{regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]{8,}`), "Basic REDACTED"},
	{regexp.MustCompile(`(?i)(https?|redis|nats)://[^\s:@/]+:[^\s@/]+@`), "$1://REDACTED@"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`(?m)^goroutine \d+.*$`), "[STACK_TRACE]"},
}

// Redact strips credentials, URL userinfo and stack traces from s.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxRedactLength {
		s = s[:MaxRedactLength] + "... [truncated]"
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// RedactError is Redact applied to err's message. A nil error yields "".
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

// ClientMessage redacts message and trims it to MaxErrorMessageLength.
func ClientMessage(message string) string {
	message = strings.TrimSpace(Redact(message))
	if len(message) > MaxErrorMessageLength {
		message = message[:MaxErrorMessageLength-3] + "..."
	}
	return message
}
