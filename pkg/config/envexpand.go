package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax ({{.VAR_NAME}}). Shell-style $VAR is deliberately not supported:
// literal $ characters occur in regex patterns and passwords carried by the
// config, and must pass through untouched.
//
// Missing variables expand to the empty string; validation catches required
// fields that end up empty. Content that fails to parse as a template is
// returned unchanged so template-free YAML always passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
