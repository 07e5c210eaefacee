// Package privacy implements PHI handling for the pipeline: a data
// minimizer that projects the full patient context into per-service
// minimal payloads, logging masks, and a text scrubber for error
// messages. The package has no dependencies on the rest of the module
// so that every other package can use it.
package privacy

import (
	"regexp"
	"unicode/utf8"
)

// scrubPattern pairs a compiled regex with the PHI class it matches.
// Patterns are applied in order; broader patterns (names) run last so
// that structured matches are replaced first.
type scrubPattern struct {
	re    *regexp.Regexp
	class string
}

var scrubPatterns = []scrubPattern{
	// SSN: hyphenated or bare 9-digit
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`), "ssn"},
	// Email
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "email"},
	// ISO date
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), "date"},
	// US date
	{regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`), "date"},
	// Medical record number with explicit marker
	{regexp.MustCompile(`(?i)\bMRN[:#\s-]*\d{5,12}\b`), "mrn"},
	// Phone-like 10-digit sequences, optionally punctuated
	{regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), "phone"},
	// Two-capitalized-word name pattern. Broad; runs last.
	{regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`), "name"},
}

const scrubReplacement = "[REDACTED]"

const maxScrubbedLen = 500

// ScrubText replaces PHI-shaped substrings with a redaction marker and
// truncates the result at 500 bytes. It is applied to every error
// message before the message leaves the pipeline.
func ScrubText(text string) string {
	for _, p := range scrubPatterns {
		text = p.re.ReplaceAllString(text, scrubReplacement)
	}
	return TruncateText(text, maxScrubbedLen)
}

// TruncateText cuts text to at most max bytes without splitting a
// multi-byte rune at the boundary.
func TruncateText(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
