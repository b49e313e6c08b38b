// Package security implements the admission-control envelope around
// every action dispatch: the static permission profile, the runtime
// grant manager, the sliding-window rate limiter, the output
// sanitiser, and the audit logger, composed into one strict-order
// guard pipeline by Pipeline.
package security

import (
	"fmt"
	"path"

	"gopkg.in/yaml.v3"

	"goa.design/llmos/runtime/faults"
)

// Policy is a profile's decision for one module.action pattern.
type Policy string

const (
	PolicyAllow Policy = "allow"
	PolicyDeny  Policy = "deny"
	// PolicyPrompt allows the action but forces an approval gate.
	PolicyPrompt Policy = "prompt"
)

type (
	// Override maps a module.action glob pattern to a policy. Patterns
	// use fnmatch-style globs per segment: "filesystem.*",
	// "*.delete_*".
	Override struct {
		Module string `yaml:"module" json:"module"`
		Action string `yaml:"action" json:"action"`
		Policy Policy `yaml:"policy" json:"policy"`
		Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	}

	// Profile is a static permission profile. Deny overrides win over
	// prompt, which wins over allow; absent any match the default
	// policy applies.
	Profile struct {
		Name             string     `yaml:"-" json:"name"`
		DefaultPolicy    Policy     `yaml:"default_policy" json:"default_policy"`
		Overrides        []Override `yaml:"overrides,omitempty" json:"overrides,omitempty"`
		StrictMode       bool       `yaml:"strict_mode" json:"strict_mode"`
		MaxScanRiskScore float64    `yaml:"max_scan_risk_score,omitempty" json:"max_scan_risk_score,omitempty"`
	}
)

// Decide returns the effective policy for a (module, action) pair and
// the reason attached to the deciding override, if any.
func (p Profile) Decide(module, action string) (Policy, string) {
	decided := Policy("")
	reason := ""
	rank := func(pol Policy) int {
		switch pol {
		case PolicyDeny:
			return 3
		case PolicyPrompt:
			return 2
		case PolicyAllow:
			return 1
		}
		return 0
	}
	for _, o := range p.Overrides {
		if !globMatch(o.Module, module) || !globMatch(o.Action, action) {
			continue
		}
		if rank(o.Policy) > rank(decided) {
			decided = o.Policy
			reason = o.Reason
		}
	}
	if decided == "" {
		return p.DefaultPolicy, ""
	}
	return decided, reason
}

// globMatch is fnmatch-style matching for one pattern segment. An
// empty pattern matches everything.
func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// Built-in profiles.
var builtinProfiles = map[string]Profile{
	"readonly": {
		Name:          "readonly",
		DefaultPolicy: PolicyDeny,
		StrictMode:    true,
		Overrides: []Override{
			{Action: "read_*", Policy: PolicyAllow},
			{Action: "get_*", Policy: PolicyAllow},
			{Action: "list_*", Policy: PolicyAllow},
			{Action: "query_*", Policy: PolicyAllow},
			{Action: "search_*", Policy: PolicyAllow},
			{Action: "*_status", Policy: PolicyAllow},
		},
		MaxScanRiskScore: 0.3,
	},
	"standard": {
		Name:          "standard",
		DefaultPolicy: PolicyAllow,
		StrictMode:    true,
		Overrides: []Override{
			{Action: "delete_*", Policy: PolicyPrompt, Reason: "destructive action needs approval"},
			{Action: "*_all", Policy: PolicyPrompt, Reason: "bulk action needs approval"},
			{Module: "os_exec", Action: "run_command", Policy: PolicyPrompt, Reason: "arbitrary command execution"},
			{Module: "system", Action: "shutdown", Policy: PolicyDeny, Reason: "host power state is off limits"},
		},
		MaxScanRiskScore: 0.7,
	},
	"unrestricted": {
		Name:             "unrestricted",
		DefaultPolicy:    PolicyAllow,
		StrictMode:       false,
		MaxScanRiskScore: 1.0,
	},
}

// BuiltinProfile returns a copy of one of the shipped profiles:
// readonly, standard, unrestricted.
func BuiltinProfile(name string) (Profile, error) {
	p, ok := builtinProfiles[name]
	if !ok {
		return Profile{}, faults.New(faults.CodeValidation, "unknown permission profile %q", name)
	}
	return p, nil
}

// LoadProfiles parses a YAML document mapping profile names to profile
// bodies per the persisted-config format.
func LoadProfiles(data []byte) (map[string]Profile, error) {
	var raw map[string]Profile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse permission profiles: %w", err)
	}
	out := make(map[string]Profile, len(raw))
	for name, p := range raw {
		p.Name = name
		if p.DefaultPolicy == "" {
			p.DefaultPolicy = PolicyDeny
		}
		for _, o := range p.Overrides {
			switch o.Policy {
			case PolicyAllow, PolicyDeny, PolicyPrompt:
			default:
				return nil, faults.New(faults.CodeValidation, "profile %q: unknown policy %q", name, o.Policy)
			}
		}
		out[name] = p
	}
	return out, nil
}
