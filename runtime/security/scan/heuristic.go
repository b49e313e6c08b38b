package scan

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// heuristicPattern pairs a named threat pattern with its risk weight.
type heuristicPattern struct {
	name   string
	threat string
	weight float64
	re     *regexp.Regexp
}

// Built-in pattern set. Weights are per-match; the aggregate risk is
// the maximum weight seen plus a small bump per extra match, capped at
// 1.0.
var heuristicPatterns = []heuristicPattern{
	{"ignore_instructions", "prompt_injection", 0.8,
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts)`)},
	{"override_system", "prompt_injection", 0.8,
		regexp.MustCompile(`(?i)(disregard|override|forget)\s+(your|the)\s+(system\s+)?(prompt|instructions|rules)`)},
	{"role_hijack", "prompt_injection", 0.6,
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak|unrestricted)\s*(mode)?`)},
	{"recursive_fs_delete", "destructive_command", 0.9,
		regexp.MustCompile(`rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|~|\$HOME)`)},
	{"disk_overwrite", "destructive_command", 0.9,
		regexp.MustCompile(`(?i)(mkfs\.|dd\s+if=.*of=/dev/|shred\s+.*/dev/)`)},
	{"fork_bomb", "destructive_command", 0.9,
		regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`)},
	{"credential_paths", "data_exfiltration", 0.6,
		regexp.MustCompile(`(?i)(\.ssh/id_[a-z0-9]+|\.aws/credentials|\.netrc|shadow\b.*passwd|\.gnupg/)`)},
	{"exfil_pipe", "data_exfiltration", 0.7,
		regexp.MustCompile(`(?i)(curl|wget|nc)\s+[^|;]*\|\s*(sh|bash)|(\bcat\b[^|;]*\|\s*(curl|nc)\b)`)},
	{"reverse_shell", "remote_access", 0.8,
		regexp.MustCompile(`(?i)(bash\s+-i\s+>&\s*/dev/tcp/|nc\s+(-[a-z]*e[a-z]*)\s)`)},
	{"large_base64", "encoded_payload", 0.4,
		regexp.MustCompile(`[A-Za-z0-9+/=]{256,}`)},
}

// Heuristic is the zero-dependency pattern scanner. It runs first in
// the pipeline (priority 10) and takes well under a millisecond per
// plan.
type Heuristic struct {
	patterns []heuristicPattern
}

// NewHeuristic returns the built-in heuristic scanner.
func NewHeuristic() *Heuristic {
	return &Heuristic{patterns: heuristicPatterns}
}

// ID implements Scanner.
func (*Heuristic) ID() string { return "heuristic" }

// Priority implements Scanner.
func (*Heuristic) Priority() int { return 10 }

// Scan matches the built-in pattern set against the text.
func (h *Heuristic) Scan(_ context.Context, text string, _ Context) (Result, error) {
	start := time.Now()
	res := Result{ScannerID: h.ID(), Verdict: VerdictAllow}

	threatSet := map[string]bool{}
	for _, p := range h.patterns {
		if !p.re.MatchString(text) {
			continue
		}
		res.MatchedPatterns = append(res.MatchedPatterns, p.name)
		threatSet[p.threat] = true
		if p.weight > res.RiskScore {
			res.RiskScore = p.weight
		}
	}
	// Extra matches compound the risk slightly.
	if n := len(res.MatchedPatterns); n > 1 {
		res.RiskScore += 0.05 * float64(n-1)
		if res.RiskScore > 1.0 {
			res.RiskScore = 1.0
		}
	}
	for threat := range threatSet {
		res.ThreatTypes = append(res.ThreatTypes, threat)
	}
	switch {
	case res.RiskScore >= 0.8:
		res.Verdict = VerdictReject
	case res.RiskScore >= 0.4:
		res.Verdict = VerdictWarn
	}
	if len(res.MatchedPatterns) > 0 {
		res.Details = fmt.Sprintf("matched %s", strings.Join(res.MatchedPatterns, ", "))
	}
	res.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return res, nil
}
