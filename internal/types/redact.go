package types

import (
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

// secretPattern catches obvious credential material in flag values and
// free-form error text: API keys, bearer tokens, key=value secrets.
var secretPattern = regexp.MustCompile(`(?i)(api[-_]?key|token|secret|password|authorization)(["'\s:=]+)([^\s"',;]+)`)

// Redact replaces credential-looking substrings with ***REDACTED***.
// Used for CLI event args and for error text written to the event stream.
func Redact(s string) string {
	return secretPattern.ReplaceAllString(s, "${1}${2}"+redacted)
}

// RedactArgs redacts each CLI argument, additionally masking the value
// following a --key-like flag.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	maskNext := false
	for i, a := range args {
		switch {
		case maskNext:
			out[i] = redacted
			maskNext = false
		case looksSecretFlag(a) && !strings.Contains(a, "="):
			out[i] = a
			maskNext = true
		default:
			out[i] = Redact(a)
		}
	}
	return out
}

func looksSecretFlag(a string) bool {
	l := strings.ToLower(a)
	return strings.HasPrefix(l, "-") &&
		(strings.Contains(l, "key") || strings.Contains(l, "token") || strings.Contains(l, "secret") || strings.Contains(l, "password"))
}
