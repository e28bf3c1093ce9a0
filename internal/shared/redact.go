package shared

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	// Long hex runs cover simulated wallet addresses and tx hashes.
	hexPattern = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{24,}\b`)
)

// Redact masks user emails and address-like hex strings before they reach
// the audit log.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = emailPattern.ReplaceAllStringFunc(s, func(m string) string {
		at := strings.Index(m, "@")
		if at <= 1 {
			return "***" + m[at:]
		}
		return m[:1] + "***" + m[at:]
	})
	s = hexPattern.ReplaceAllStringFunc(s, func(m string) string {
		if len(m) <= 10 {
			return "***"
		}
		return m[:6] + "..." + m[len(m)-4:]
	})
	return s
}
