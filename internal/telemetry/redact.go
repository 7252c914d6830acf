package telemetry

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPatterns covers the secret shapes this process actually handles:
// key/value pairs naming a credential, bearer headers, OpenAI-compatible API
// keys, and Telegram bot tokens. Prefix groups keep the key or header name
// so redacted log lines stay readable.
var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{
		regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=:]{8,}`),
		"${1}" + redactedPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`),
		"${1}" + redactedPlaceholder,
	},
	{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
		redactedPlaceholder,
	},
	{
		regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,}\b`),
		redactedPlaceholder,
	},
}

// Redact replaces secret-bearing substrings with [REDACTED]. Applied to
// every string attribute and error before it reaches a log sink.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	return out
}
