package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type (
	// Sanitizer filters action results before they reach the LLM or
	// the state store. It bounds depth, list length, and string
	// length, and redacts strings matching the injection pattern set.
	// Numeric, boolean, and null leaves pass through untouched.
	Sanitizer struct {
		MaxDepth     int
		MaxListLen   int
		MaxStringLen int
		// BinaryKeys exempts map values under these keys from string
		// scanning and truncation so base64 payloads survive intact.
		BinaryKeys map[string]bool

		patterns []*regexp.Regexp
	}

	// SanitizeReport summarises what the sanitiser changed.
	SanitizeReport struct {
		Redactions  int `json:"redactions"`
		Truncations int `json:"truncations"`
	}
)

// Sanitizer defaults.
const (
	DefaultMaxDepth     = 16
	DefaultMaxListLen   = 1000
	DefaultMaxStringLen = 65536
)

// RedactionMarker replaces each injection-pattern match.
const RedactionMarker = "[REDACTED:injection-pattern]"

// injection patterns scanned inside result strings. The result of a
// provider is attacker-influencable (web pages, file contents), so the
// same instruction-hijack phrasing the input scanner rejects is
// scrubbed from outputs.
var defaultInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts)`),
	regexp.MustCompile(`(?i)(disregard|override|forget)\s+(your|the)\s+(system\s+)?(prompt|instructions|rules)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak|unrestricted)\s*(mode)?`),
	regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant)\s*>`),
}

// defaultBinaryKeys exempts common binary-payload carriers.
var defaultBinaryKeys = map[string]bool{
	"image_data": true, "screenshot": true, "binary": true, "bytes": true,
}

// NewSanitizer returns a sanitiser with the default bounds and
// patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		MaxDepth:     DefaultMaxDepth,
		MaxListLen:   DefaultMaxListLen,
		MaxStringLen: DefaultMaxStringLen,
		BinaryKeys:   defaultBinaryKeys,
		patterns:     defaultInjectionPatterns,
	}
}

// SetPatterns replaces the injection pattern set.
func (s *Sanitizer) SetPatterns(patterns []*regexp.Regexp) {
	s.patterns = patterns
}

// Sanitize walks the result tree and returns the filtered copy plus a
// report of the changes. The input is never mutated.
func (s *Sanitizer) Sanitize(v any) (any, SanitizeReport) {
	var report SanitizeReport
	out := s.walk(v, 0, &report)
	return out, report
}

func (s *Sanitizer) walk(v any, depth int, report *SanitizeReport) any {
	if depth >= s.MaxDepth {
		report.Truncations++
		return fmt.Sprintf("[TRUNCATED: depth > %d]", s.MaxDepth)
	}
	switch val := v.(type) {
	case string:
		return s.sanitizeString(val, report)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if s.BinaryKeys[k] || strings.HasSuffix(k, "_b64") {
				out[k] = item
				continue
			}
			out[k] = s.walk(item, depth+1, report)
		}
		return out
	case []any:
		list := val
		truncated := false
		if len(list) > s.MaxListLen {
			list = list[:s.MaxListLen]
			truncated = true
		}
		out := make([]any, 0, len(list)+1)
		for _, item := range list {
			out = append(out, s.walk(item, depth+1, report))
		}
		if truncated {
			report.Truncations++
			out = append(out, fmt.Sprintf("[TRUNCATED: %d more items]", len(val)-s.MaxListLen))
		}
		return out
	default:
		// Numbers, booleans, nil pass through.
		return v
	}
}

func (s *Sanitizer) sanitizeString(str string, report *SanitizeReport) string {
	out := normaliseUnicode(str)
	for _, re := range s.patterns {
		if re.MatchString(out) {
			out = re.ReplaceAllString(out, RedactionMarker)
			report.Redactions++
		}
	}
	if len(out) > s.MaxStringLen {
		report.Truncations++
		// Back off to a rune boundary so the cut never splits a
		// multi-byte character.
		cut := s.MaxStringLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + fmt.Sprintf("... [TRUNCATED: %d bytes total]", len(str))
	}
	return out
}

// normaliseUnicode strips zero-width and bidi-control characters that
// are used to smuggle instructions past pattern matching.
func normaliseUnicode(s string) string {
	return strings.Map(func(r rune) rune {
		// Cf covers zero-width joiners, BOM, and the bidi controls.
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}
