// Package leakscan detects and redacts secret-shaped strings in sandbox
// output and agent artifacts. The Tester rejects any run whose logs match;
// masking is available for text that must be surfaced anyway.
package leakscan

import (
	"log/slog"
	"strings"
)

// Finding is one matched secret-shaped region. The matched text itself is
// never stored, only its location and pattern name.
type Finding struct {
	Pattern string `json:"pattern"`
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
}

// Scanner matches compiled secret patterns plus any known literal secrets
// registered at construction. Thread-safe and stateless aside from the
// compiled patterns.
type Scanner struct {
	patterns []*CompiledPattern
	known    []string
}

// NewScanner compiles the built-in patterns plus any extras. knownSecrets
// are literal values (the configured API keys) that must never appear in
// output regardless of shape.
func NewScanner(extra []Pattern, knownSecrets []string) *Scanner {
	patterns := compile(append(builtinPatterns(), extra...))
	known := make([]string, 0, len(knownSecrets))
	for _, s := range knownSecrets {
		if len(s) >= 8 {
			// Very short values would flag ordinary text.
			known = append(known, s)
		}
	}
	slog.Info("Leak scanner initialized",
		"compiled_patterns", len(patterns),
		"known_secrets", len(known))
	return &Scanner{patterns: patterns, known: known}
}

// Scan returns every secret-shaped match in the content.
func (s *Scanner) Scan(content string) []Finding {
	var findings []Finding
	for _, p := range s.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(content, -1) {
			findings = append(findings, Finding{
				Pattern: p.Name,
				Offset:  loc[0],
				Length:  loc[1] - loc[0],
			})
		}
	}
	for _, secret := range s.known {
		for offset := indexFrom(content, secret, 0); offset >= 0; offset = indexFrom(content, secret, offset+1) {
			// The pattern name is generic so findings never echo the value.
			findings = append(findings, Finding{
				Pattern: "known_secret",
				Offset:  offset,
				Length:  len(secret),
			})
		}
	}
	return findings
}

// Clean reports whether the content contains no secret-shaped matches.
func (s *Scanner) Clean(content string) bool {
	return len(s.Scan(content)) == 0
}

// Mask replaces every match with its pattern's redaction marker. Known
// literal secrets are replaced first so they cannot survive a pattern miss.
func (s *Scanner) Mask(content string) string {
	masked := content
	for _, secret := range s.known {
		masked = strings.ReplaceAll(masked, secret, "[MASKED_KNOWN_SECRET]")
	}
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

func indexFrom(haystack, needle string, from int) int {
	if from >= len(haystack) {
		return -1
	}
	idx := strings.Index(haystack[from:], needle)
	if idx < 0 {
		return -1
	}
	return from + idx
}
