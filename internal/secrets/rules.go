package secrets

// Rule is one credential detection pattern.
type Rule struct {
	ID       string   `toml:"id"`
	Pattern  string   `toml:"pattern"`
	Keywords []string `toml:"keywords"` // optional prefilter, case-insensitive
}

// DefaultRules covers the credentials users most often paste into a
// project conversation: cloud keys, VCS tokens, API keys and env-style
// assignments.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aws-access-key-id", Pattern: `(A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords: []string{"secret"},
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Keywords: []string{"key"},
		},
		{
			ID:       "generic-password",
			Pattern:  `(?i)(?:password|passwd|pwd|secret)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"pass", "pwd", "secret"},
		},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
		{ID: "github-token", Pattern: `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Pattern: `(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "anthropic-api-key", Pattern: `sk-ant-[A-Za-z0-9_\-]{32,}`},
		{ID: "openai-api-key", Pattern: `sk-(?:proj-)?[A-Za-z0-9_\-]{40,}`},
		{ID: "npm-token", Pattern: `npm_[A-Za-z0-9]{36}`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`},
		{
			ID:       "connection-string",
			Pattern:  `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s]+:[^@\s]+@\S+`,
			Keywords: []string{"://"},
		},
	}
}
