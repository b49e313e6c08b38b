// Package intent implements LLM-backed semantic verification of
// sensitive actions. The verifier composes a compact prompt from the
// plan description and the action under review, asks a chat-completion
// backend for a JSON-schema-constrained verdict, and caches verdicts by
// action signature so repeated identical actions cost one call.
//
// Backends live under features/verifier (anthropic, openai); the core
// only sees the ChatClient interface.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
	"goa.design/llmos/runtime/telemetry"
)

// Verdict is the verifier's judgement of one action.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictWarn    Verdict = "warn"
	VerdictReject  Verdict = "reject"
)

type (
	// ChatClient is the one chat-completion interface the verifier
	// needs from an LLM provider SDK.
	ChatClient interface {
		// Complete sends the system and user prompts and returns the
		// raw model text. Implementations must honour ctx deadlines.
		Complete(ctx context.Context, system, user string) (string, error)
	}

	// Result is the structured verdict parsed from the model response.
	Result struct {
		Verdict   Verdict  `json:"verdict"`
		RiskLevel string   `json:"risk_level"`
		Reasoning string   `json:"reasoning"`
		Threats   []string `json:"threats,omitempty"`
		// Cached reports whether the result came from the verdict cache.
		Cached bool `json:"cached,omitempty"`
	}

	// Verifier judges sensitive actions before dispatch.
	Verifier struct {
		client ChatClient
		logger telemetry.Logger

		// Strict turns reject verdicts into faults; permissive mode
		// logs and allows.
		Strict bool
		// CacheTTL bounds verdict reuse. Zero disables caching.
		CacheTTL time.Duration
		// Timeout bounds each model call.
		Timeout time.Duration

		mu    sync.Mutex
		cache map[string]cachedVerdict
	}

	cachedVerdict struct {
		result  Result
		expires time.Time
	}
)

// Defaults for the verifier knobs.
const (
	DefaultCacheTTL = 10 * time.Minute
	DefaultTimeout  = 20 * time.Second
)

// NewVerifier constructs a verifier in strict mode with default cache
// TTL and call timeout.
func NewVerifier(client ChatClient, logger telemetry.Logger) *Verifier {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Verifier{
		client:   client,
		logger:   logger,
		Strict:   true,
		CacheTTL: DefaultCacheTTL,
		Timeout:  DefaultTimeout,
		cache:    make(map[string]cachedVerdict),
	}
}

const systemPrompt = `You are a security reviewer for an agent that executes actions on a user's computer.
Judge whether the proposed action is consistent with the stated plan intent and safe to run.
Respond with a single JSON object, no prose, matching:
{"verdict": "approve"|"warn"|"reject", "risk_level": "low"|"medium"|"high"|"critical", "reasoning": "<one sentence>", "threats": ["<threat-id>", ...]}`

// VerifyAction judges one action in the context of its plan. In strict
// mode a reject verdict returns a suspicious_intent fault; otherwise
// the result is returned for the caller to log. Model failures degrade
// to a warn result rather than blocking execution.
func (v *Verifier) VerifyAction(ctx context.Context, pl *plan.Plan, a *plan.Action) (Result, error) {
	key := signature(a)
	if res, ok := v.cachedResult(key); ok {
		return v.apply(res, a)
	}

	user := composeUserPrompt(pl, a)
	callCtx := ctx
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	raw, err := v.client.Complete(callCtx, systemPrompt, user)
	if err != nil {
		v.logger.Warn(ctx, "intent verification unavailable", "action_id", a.ID, "err", err.Error())
		return Result{Verdict: VerdictWarn, RiskLevel: "medium", Reasoning: fmt.Sprintf("verifier unavailable: %v", err)}, nil
	}

	res, err := parseVerdict(raw)
	if err != nil {
		v.logger.Warn(ctx, "intent verdict unparseable", "action_id", a.ID, "err", err.Error())
		return Result{Verdict: VerdictWarn, RiskLevel: "medium", Reasoning: "verdict response was not valid JSON"}, nil
	}

	v.store(key, res)
	return v.apply(res, a)
}

// apply converts a reject verdict into a fault under strict mode.
func (v *Verifier) apply(res Result, a *plan.Action) (Result, error) {
	if res.Verdict == VerdictReject && v.Strict {
		return res, faults.New(faults.CodeSuspiciousIntent,
			"action %q rejected by intent verifier: %s", a.ID, res.Reasoning)
	}
	return res, nil
}

func (v *Verifier) cachedResult(key string) (Result, bool) {
	if v.CacheTTL <= 0 {
		return Result{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.cache[key]
	if !ok || time.Now().After(c.expires) {
		delete(v.cache, key)
		return Result{}, false
	}
	res := c.result
	res.Cached = true
	return res, true
}

func (v *Verifier) store(key string, res Result) {
	if v.CacheTTL <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[key] = cachedVerdict{result: res, expires: time.Now().Add(v.CacheTTL)}
}

// signature keys the verdict cache on the action identity and a hash
// of its params.
func signature(a *plan.Action) string {
	h := sha256.New()
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, a.Params[k])
	}
	return fmt.Sprintf("%s.%s:%s", a.Module, a.Action, hex.EncodeToString(h.Sum(nil))[:16])
}

func composeUserPrompt(pl *plan.Plan, a *plan.Action) string {
	params, _ := json.Marshal(a.Params)
	var b strings.Builder
	fmt.Fprintf(&b, "Plan intent: %s\n", pl.Description)
	fmt.Fprintf(&b, "Proposed action: %s.%s\n", a.Module, a.Action)
	fmt.Fprintf(&b, "Parameters: %s\n", params)
	if len(a.DependsOn) > 0 {
		fmt.Fprintf(&b, "Depends on: %s\n", strings.Join(a.DependsOn, ", "))
	}
	return b.String()
}

// parseVerdict decodes the model response, tolerating a fenced code
// block around the JSON object.
func parseVerdict(raw string) (Result, error) {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return Result{}, err
	}
	switch res.Verdict {
	case VerdictApprove, VerdictWarn, VerdictReject:
	default:
		return Result{}, fmt.Errorf("unknown verdict %q", res.Verdict)
	}
	return res, nil
}
