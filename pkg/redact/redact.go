package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	keyRe    = regexp.MustCompile(`(?i)([?&](?:key|api_key|access_token)=)[^&\s"']+`)
	googleRe = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{20,}`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text scrubs credentials always, and emails and phone numbers when enabled.
// Dial errors echo the endpoint URL, which carries the API key as a query
// parameter.
func Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := keyRe.ReplaceAllString(in, "${1}[REDACTED_KEY]")
	out = googleRe.ReplaceAllString(out, "[REDACTED_KEY]")
	if !enabled.Load() {
		return out
	}
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Error wraps err so its message is scrubbed by Text while errors.Is and
// errors.As still reach the original chain.
func Error(err error) error {
	if err == nil {
		return nil
	}
	return &scrubbedError{err: err}
}

type scrubbedError struct{ err error }

func (e *scrubbedError) Error() string { return Text(e.err.Error()) }
func (e *scrubbedError) Unwrap() error { return e.err }

// Secret masks a credential for display, keeping the last four characters.
func Secret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
