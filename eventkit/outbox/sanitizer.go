package outbox

import (
	"regexp"
	"strings"
)

// Error messages from publish attempts end up in the last_error column, so
// they are redacted and length-bounded before storage (CWE-209).
const maxStoredErrorLength = 512

const truncationSuffix = "... (truncated)"

const redactedPlaceholder = "[REDACTED]"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactionRules = []redactionRule{
	{
		// credentials embedded in connection URLs
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedPlaceholder + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`(?i)(authorization\s*:\s*basic\s+)[a-z0-9+/=]+`),
		replacement: `$1` + redactedPlaceholder,
	},
	{
		// JWT-shaped tokens
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redactedPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedPlaceholder,
	},
	{
		// secrets passed as query parameters
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key|access[_-]?token|refresh[_-]?token)=)([^&\s]+)`),
		replacement: `$1` + redactedPlaceholder,
	},
	{
		// AWS access key identifiers
		pattern:     regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
		replacement: redactedPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		replacement: redactedPlaceholder,
	},
}

var cardNumberCandidate = regexp.MustCompile(`\b\d{12,19}\b`)

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts sensitive values and bounds the message length
// so it is safe to persist.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)
	for _, rule := range redactionRules {
		redacted = rule.pattern.ReplaceAllString(redacted, rule.replacement)
	}

	redacted = redactCardNumbers(redacted)

	return clampMessage(redacted, maxStoredErrorLength)
}

// redactCardNumbers replaces long digit runs that pass the Luhn check, which
// keeps order numbers and timestamps intact while catching PANs.
func redactCardNumbers(msg string) string {
	return cardNumberCandidate.ReplaceAllStringFunc(msg, func(candidate string) string {
		if !passesLuhn(candidate) {
			return candidate
		}

		return redactedPlaceholder
	})
}

func passesLuhn(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		double = !double
	}

	return sum%10 == 0
}

func clampMessage(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffix := []rune(truncationSuffix)
	if maxRunes <= len(suffix) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffix)]) + truncationSuffix
}
