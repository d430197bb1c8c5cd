package secrets

import "regexp"

// Severity ranks how certainly a match is a live credential.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Rule pairs a detection pattern with the identity it reports.
type Rule struct {
	ID          string
	Description string
	Severity    Severity
	pattern     *regexp.Regexp
}

// NewRule compiles a custom detection rule. It panics on an invalid
// pattern, matching regexp.MustCompile: rules are program constants.
func NewRule(id, description string, severity Severity, pattern string) Rule {
	return Rule{
		ID:          id,
		Description: description,
		Severity:    severity,
		pattern:     regexp.MustCompile(pattern),
	}
}

// DefaultRules covers the credentials northstar itself handles and the
// kinds a model plausibly echoes into generated code: host and chat
// tokens, model API keys, cloud keys, connection strings, key blocks,
// and bare credential assignments.
func DefaultRules() []Rule {
	return []Rule{
		NewRule("github-token", "GitHub token",
			SeverityHigh, `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}`),
		NewRule("github-fine-grained", "GitHub fine-grained token",
			SeverityHigh, `github_pat_[A-Za-z0-9_]{22,}`),
		NewRule("slack-token", "Slack token",
			SeverityHigh, `xox[baprs]-[A-Za-z0-9-]{10,}`),
		NewRule("openai-api-key", "OpenAI API key",
			SeverityHigh, `sk-[A-Za-z0-9]{48,}`),
		NewRule("anthropic-api-key", "Anthropic API key",
			SeverityHigh, `sk-ant-[A-Za-z0-9_-]{90,}`),
		NewRule("aws-access-key-id", "AWS access key ID",
			SeverityHigh, `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`),
		NewRule("stripe-key", "Stripe API key",
			SeverityHigh, `(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`),
		NewRule("private-key", "private key block",
			SeverityHigh, `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`),
		NewRule("connection-url", "connection URL with credentials",
			SeverityHigh, `(?i)\b(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^:/\s]+:[^@\s]+@[^\s'"]+`),
		NewRule("credential-assignment", "credential assignment",
			SeverityMedium, `(?i)\b(?:api[_-]?key|secret|password|auth[_-]?token|access[_-]?token)\b\s*[:=]\s*['"][^'"\s]{8,}['"]`),
		NewRule("bearer-header", "bearer token in header",
			SeverityMedium, `(?i)authorization['"]?\s*[:=]\s*['"]?bearer\s+[A-Za-z0-9_.-]{20,}`),
		NewRule("jwt", "JSON web token",
			SeverityMedium, `\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+`),
	}
}
