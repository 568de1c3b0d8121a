package redact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Preview modes for logging request text.
const (
	ModeNone     = "none"
	ModeRedacted = "redacted"
	ModeFull     = "full"
)

var (
	bearerRe      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	hfTokenRe     = regexp.MustCompile(`\bhf_[A-Za-z0-9]{8,}\b`)
	tokenishKeyRe = regexp.MustCompile(`(?i)\b(token|api[_-]?key|secret)\s*[:=]\s*([A-Za-z0-9._\-+/=]{6,})`)
	urlRe         = regexp.MustCompile(`https?://[^\s"'<>]+`)
	emailRe       = regexp.MustCompile(`(?i)[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	longTokenRe   = regexp.MustCompile(`[A-Za-z0-9_\-]{20,}`)
)

// String redacts credentials from free-form strings such as errors and URLs.
func String(s string) string {
	if s == "" {
		return s
	}
	out := bearerRe.ReplaceAllString(s, "${1}[REDACTED]")
	out = hfTokenRe.ReplaceAllString(out, "[REDACTED]")
	out = tokenishKeyRe.ReplaceAllString(out, "${1}=[REDACTED]")
	out = urlRe.ReplaceAllStringFunc(out, stripQuery)
	return out
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

// Text masks personal data in user supplied text.
func Text(s string) string {
	s = emailRe.ReplaceAllString(s, "[REDACTED_EMAIL]")
	s = urlRe.ReplaceAllString(s, "[REDACTED_URL]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED_TOKEN]")
	return s
}

// Preview renders text for a log line according to mode. It returns ""
// when mode is none or unknown.
func Preview(mode, text string, max int) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeFull:
		return Truncate(text, max)
	case ModeRedacted:
		return Truncate(Text(text), max)
	default:
		return ""
	}
}

// Truncate cuts s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func stripQuery(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[REDACTED_URL]"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
