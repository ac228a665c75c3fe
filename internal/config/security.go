package config

import (
	"fmt"
	"regexp"
	"strings"
)

// SecretKind names what a suspicious settings line looks like.
type SecretKind string

const (
	SecretPassword SecretKind = "password"
	SecretToken    SecretKind = "token"
	SecretAPIKey   SecretKind = "api key"
	SecretURLLogin SecretKind = "url login"
)

// Credentials belong in the credential store written by "rombox login",
// never in rombox.lua.
var secretRules = []struct {
	kind SecretKind
	re   *regexp.Regexp
}{
	{SecretPassword, regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*=\s*['"].+['"]`)},
	{SecretToken, regexp.MustCompile(`(?i)\b(token|access[_-]?token|bearer)\s*=\s*['"][a-zA-Z0-9._-]{15,}['"]`)},
	{SecretAPIKey, regexp.MustCompile(`(?i)\b(api[_-]?key|client[_-]?secret|secret)\s*=\s*['"][a-zA-Z0-9._-]{15,}['"]`)},
	{SecretURLLogin, regexp.MustCompile(`(?i)https?://[^/\s:@'"]+:[^/\s@'"]+@`)},
}

// SecretFinding is one line of a settings file that looks like it holds a
// credential.
type SecretFinding struct {
	Kind    SecretKind
	Line    int    // 1-based
	Preview string // the line with its value redacted
}

// ScanSecrets reports every line of content matching a secret rule. Lua
// comment lines are skipped.
func ScanSecrets(content string) []SecretFinding {
	var out []SecretFinding
	for i, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, rule := range secretRules {
			if rule.re.MatchString(line) {
				out = append(out, SecretFinding{Kind: rule.kind, Line: i + 1, Preview: redact(line)})
			}
		}
	}
	return out
}

// redact keeps the key of an assignment and drops everything after it.
func redact(line string) string {
	key, _, ok := strings.Cut(line, "=")
	if !ok {
		if len(line) > 30 {
			line = line[:30] + "..."
		}
		return line + " [REDACTED]"
	}
	return strings.TrimSpace(key) + " = [REDACTED]"
}

// FormatSecretWarning renders findings for the terminal; empty when there
// are none.
func FormatSecretWarning(path string, findings []SecretFinding) string {
	if len(findings) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "WARNING: %s may contain credentials\n", path)
	for _, f := range findings {
		fmt.Fprintf(&b, "  line %d (%s): %s\n", f.Line, f.Kind, f.Preview)
	}
	b.WriteString("rombox never reads credentials from its settings file. Remove them and run:\n")
	b.WriteString("  rombox login <server> <username>\n")
	return b.String()
}
