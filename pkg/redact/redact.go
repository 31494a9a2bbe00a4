package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Match is one secret occurrence found in a text
type Match struct {
	Kind  string `json:"kind"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type pattern struct {
	kind string
	re   *regexp.Regexp
}

// Ordered most-specific first; Detect suppresses overlapping matches so
// an anthropic key is not double-counted by the broader sk- pattern.
var patterns = []pattern{
	{"anthropic_api_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{16,}`)},
	{"openai_api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`)},
	{"github_token", regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,})`)},
	{"aws_access_key_id", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`)},
	{"slack_token", regexp.MustCompile(`\bxox[abpsr]-[A-Za-z0-9-]{10,}`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )?PRIVATE KEY-----`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
	{"credential_assignment", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|passwd|password)\b\s*[:=]\s*["']?[^\s"']{12,}`)},
}

// Detect scans text for secret-shaped substrings. It is a pure
// function: no I/O, no state, deterministic output ordered by offset.
func Detect(text string) []Match {
	var matches []Match
	var claimed [][2]int
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if overlapsAny(claimed, loc[0], loc[1]) {
				continue
			}
			claimed = append(claimed, [2]int{loc[0], loc[1]})
			matches = append(matches, Match{Kind: p.kind, Start: loc[0], End: loc[1]})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

func overlapsAny(claimed [][2]int, start, end int) bool {
	for _, c := range claimed {
		if start < c[1] && end > c[0] {
			return true
		}
	}
	return false
}

// SecretDetectedError is returned by AssertNoSensitiveText when a
// governed write contains secret-shaped text. Callers must not persist
// the write. The RPC layer surfaces the fields as structured error data.
type SecretDetectedError struct {
	Label         string         `json:"-"`
	TotalMatches  int            `json:"total_matches"`
	MatchesByKind map[string]int `json:"matches_by_kind"`
}

func (e *SecretDetectedError) Error() string {
	kinds := make([]string, 0, len(e.MatchesByKind))
	for k := range e.MatchesByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return fmt.Sprintf("secret detected in %s: %d match(es) [%s]", e.Label, e.TotalMatches, strings.Join(kinds, ", "))
}

// ReasonCode is the machine-readable category carried in RPC error data
func (e *SecretDetectedError) ReasonCode() string { return "SECRET_DETECTED" }

// AssertNoSensitiveText checks a governed write before persistence.
// label names the field being written ("approval notes", "patch text")
// and appears in the error message only, never in structured data.
func AssertNoSensitiveText(text, label string) error {
	matches := Detect(text)
	if len(matches) == 0 {
		return nil
	}
	byKind := make(map[string]int, len(matches))
	for _, m := range matches {
		byKind[m.Kind]++
	}
	return &SecretDetectedError{
		Label:         label,
		TotalMatches:  len(matches),
		MatchesByKind: byKind,
	}
}

// RedactSensitiveText returns a copy of text with every match replaced
// by a [REDACTED:<kind>] marker. Unmatched text is preserved verbatim.
func RedactSensitiveText(text string) string {
	matches := Detect(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString("[REDACTED:")
		b.WriteString(m.Kind)
		b.WriteString("]")
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// RedactJSONValue walks a JSON-decoded value (maps, slices, scalars)
// and redacts every string leaf. Non-string scalars pass through.
func RedactJSONValue(v any) any {
	switch val := v.(type) {
	case string:
		return RedactSensitiveText(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = RedactJSONValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = RedactJSONValue(inner)
		}
		return out
	default:
		return v
	}
}

// RedactArgs sanitizes a command line for event payloads and logs
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = RedactSensitiveText(a)
	}
	return out
}
