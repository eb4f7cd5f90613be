package findings

import "regexp"

// RedactionMarker replaces or terminates any sensitive substring
// included in report free text.
const RedactionMarker = "[REDACTED]"

// maxSecretPrefix is the number of leading characters of a matched
// secret that may survive redaction. Enough to recognize the token
// family, never enough to reconstruct it.
const maxSecretPrefix = 10

// secretPatterns match token shapes that must never appear verbatim in
// a report, regardless of which scanner surfaced them.
var secretPatterns = []*regexp.Regexp{
	// AWS access key IDs.
	regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	// GitHub tokens (classic and fine-grained).
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	// Bearer/authorization header values.
	regexp.MustCompile(`(?i)\b(?:bearer|authorization:)\s+[A-Za-z0-9\-._~+/]{16,}=*`),
	// Private key material.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	// key=value style credentials.
	regexp.MustCompile(`(?i)\b(?:password|passwd|secret|api[_-]?key|token)\s*[:=]\s*\S{6,}`),
}

// RedactSecret truncates a raw secret match to at most maxSecretPrefix
// leading characters followed by the redaction marker. The marker is
// always appended, even for short values, so a redacted string is
// recognizable as such.
func RedactSecret(secret string) string {
	runes := []rune(secret)
	if len(runes) > maxSecretPrefix {
		runes = runes[:maxSecretPrefix]
	}
	return string(runes) + RedactionMarker
}

// Redact passes report free text through the redaction filter,
// replacing anything that looks like credential material with the
// marker. Text with no matches is returned unchanged.
func Redact(text string) string {
	for _, re := range secretPatterns {
		text = re.ReplaceAllString(text, RedactionMarker)
	}
	return text
}
