package leakscan

import (
	"log/slog"
	"regexp"
)

// Pattern is one secret-shaped regex with its redaction replacement.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// CompiledPattern is a pattern ready for matching.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the secret shapes that can plausibly appear in
// sandbox output: provider API keys, cloud credentials, bearer tokens, and
// key-value assignments of secret-named variables.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "anthropic_api_key",
			Pattern:     `sk-ant-[A-Za-z0-9_-]{20,}`,
			Replacement: "[MASKED_API_KEY]",
			Description: "Anthropic API key",
		},
		{
			Name:        "openai_api_key",
			Pattern:     `sk-[A-Za-z0-9]{20,}`,
			Replacement: "[MASKED_API_KEY]",
			Description: "OpenAI-style API key",
		},
		{
			Name:        "aws_access_key",
			Pattern:     `AKIA[0-9A-Z]{16}`,
			Replacement: "[MASKED_AWS_KEY]",
			Description: "AWS access key id",
		},
		{
			Name:        "bearer_token",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9._-]{16,}`,
			Replacement: "[MASKED_BEARER_TOKEN]",
			Description: "HTTP bearer token",
		},
		{
			Name:        "secret_assignment",
			Pattern:     `(?i)(api[_-]?key|secret|token|password|passwd)\s*[=:]\s*['"]?[A-Za-z0-9+/._-]{12,}['"]?`,
			Replacement: "[MASKED_SECRET_ASSIGNMENT]",
			Description: "secret-named variable assignment",
		},
		{
			Name:        "private_key_block",
			Pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----`,
			Replacement: "[MASKED_PRIVATE_KEY]",
			Description: "PEM private key header",
		},
	}
}

// compile compiles a pattern set, logging and skipping any that fail.
func compile(patterns []Pattern) []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile leak scan pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{Name: p.Name, Regex: re, Replacement: p.Replacement})
	}
	return out
}
