package model

import (
	"regexp"
	"strings"
)

// Patterns for content that must never leak into error messages or shared
// log channels: filesystem paths, email addresses, IP addresses, and long
// token-like strings.
var (
	rePath  = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.~-]+){2,}`)
	reEmail = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
	reIPv4  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reIPv6  = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`)
	reToken = regexp.MustCompile(`\b[A-Za-z0-9_-]{32,}\b`)
)

// Sanitize strips paths, emails, IPs, and token-like strings from a message
// before it is returned to a caller or written to a shared channel.
func Sanitize(msg string) string {
	msg = rePath.ReplaceAllString(msg, "[path]")
	msg = reEmail.ReplaceAllString(msg, "[email]")
	msg = reIPv4.ReplaceAllString(msg, "[ip]")
	msg = reIPv6.ReplaceAllString(msg, "[ip]")
	msg = reToken.ReplaceAllString(msg, "[redacted]")
	return strings.TrimSpace(msg)
}

// SanitizeError formats err through Sanitize; nil-safe.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}
