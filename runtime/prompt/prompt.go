// Package prompt renders the capability manifest, the active
// permission profile, and per-module context snippets into the system
// prompt handed to the LLM. Output is deterministic for a given
// registry state so prompts can be cached and diffed.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"goa.design/llmos/runtime/modules"
	"goa.design/llmos/runtime/plan"
	"goa.design/llmos/runtime/security"
)

type (
	// Options tunes how much detail the prompt carries.
	Options struct {
		// IncludeSchemas inlines the full JSON params schema per action.
		IncludeSchemas bool
		// IncludeExamples inlines the per-action example invocations.
		IncludeExamples bool
	}

	// Generator renders prompts from a module registry and a profile.
	// Rendered outputs are cached until the registry changes.
	Generator struct {
		registry *modules.Registry
		profile  security.Profile
		opts     Options

		mu         sync.Mutex
		cachedText string
		cachedJSON []byte
	}

	// Doc is the machine-readable prompt document.
	Doc struct {
		ProtocolVersion string      `json:"protocol_version"`
		Profile         string      `json:"profile"`
		Rules           []string    `json:"rules"`
		Modules         []ModuleDoc `json:"modules"`
	}

	// ModuleDoc describes one module inside Doc.
	ModuleDoc struct {
		ModuleID    string      `json:"module_id"`
		Version     string      `json:"version"`
		Description string      `json:"description,omitempty"`
		Snippet     string      `json:"context,omitempty"`
		Actions     []ActionDoc `json:"actions"`
	}

	// ActionDoc describes one action inside ModuleDoc.
	ActionDoc struct {
		Name         string         `json:"name"`
		Description  string         `json:"description,omitempty"`
		Policy       string         `json:"policy"`
		RiskLevel    string         `json:"risk_level,omitempty"`
		RateLimit    int            `json:"rate_limit_per_minute,omitempty"`
		ParamsSchema map[string]any `json:"params_schema,omitempty"`
		Examples     []string       `json:"examples,omitempty"`
	}
)

// protocolRules is the fixed preamble every prompt carries.
var protocolRules = []string{
	"Respond with exactly one JSON plan object, no prose around it.",
	"Every plan needs a unique plan_id and an actions list forming a DAG via depends_on.",
	"Reference earlier results with ${actions.<id>.result[.path]} and environment values with ${env.NAME}.",
	"Choose on_error per action: fail, continue, retry, or rollback.",
	"Actions with policy prompt suspend for user approval; policy deny is never dispatched.",
	"Declare protocol_version " + plan.CurrentVersion + ".",
}

// NewGenerator wires a generator to the registry and invalidates its
// cache on every module (de)registration.
func NewGenerator(reg *modules.Registry, profile security.Profile, opts Options) *Generator {
	g := &Generator{registry: reg, profile: profile, opts: opts}
	reg.OnChange(g.invalidate)
	return g
}

func (g *Generator) invalidate() {
	g.mu.Lock()
	g.cachedText = ""
	g.cachedJSON = nil
	g.mu.Unlock()
}

// Doc builds the machine-readable prompt document.
func (g *Generator) Doc() Doc {
	manifests := g.registry.Manifests()
	snippets := g.registry.Snippets()

	doc := Doc{
		ProtocolVersion: plan.CurrentVersion,
		Profile:         g.profile.Name,
		Rules:           protocolRules,
	}
	for _, m := range manifests {
		md := ModuleDoc{
			ModuleID:    m.ModuleID,
			Version:     m.Version,
			Description: m.Description,
			Snippet:     snippets[m.ModuleID],
		}
		actions := append([]modules.ActionSpec{}, m.Actions...)
		sort.Slice(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
		for _, a := range actions {
			policy, _ := g.profile.Decide(m.ModuleID, a.Name)
			ad := ActionDoc{
				Name:        a.Name,
				Description: a.Description,
				Policy:      string(policy),
				RiskLevel:   a.RiskLevel,
				RateLimit:   a.RateLimitPerMinute,
			}
			if g.opts.IncludeSchemas {
				ad.ParamsSchema = a.ParamsSchema
			}
			if g.opts.IncludeExamples {
				ad.Examples = a.Examples
			}
			md.Actions = append(md.Actions, ad)
		}
		doc.Modules = append(doc.Modules, md)
	}
	return doc
}

// JSON renders the prompt document, cached until the registry changes.
func (g *Generator) JSON() ([]byte, error) {
	g.mu.Lock()
	if g.cachedJSON != nil {
		out := g.cachedJSON
		g.mu.Unlock()
		return out, nil
	}
	g.mu.Unlock()

	data, err := json.MarshalIndent(g.Doc(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode prompt document: %w", err)
	}
	g.mu.Lock()
	g.cachedJSON = data
	g.mu.Unlock()
	return data, nil
}

// Text renders the human-readable prompt, cached until the registry
// changes.
func (g *Generator) Text() string {
	g.mu.Lock()
	if g.cachedText != "" {
		out := g.cachedText
		g.mu.Unlock()
		return out
	}
	g.mu.Unlock()

	doc := g.Doc()
	var b strings.Builder
	b.WriteString("# Plan protocol\n")
	for _, rule := range doc.Rules {
		fmt.Fprintf(&b, "- %s\n", rule)
	}
	fmt.Fprintf(&b, "\nActive profile: %s\n", doc.Profile)

	for _, m := range doc.Modules {
		fmt.Fprintf(&b, "\n## %s (v%s)\n", m.ModuleID, m.Version)
		if m.Description != "" {
			b.WriteString(m.Description + "\n")
		}
		if m.Snippet != "" {
			b.WriteString(m.Snippet + "\n")
		}
		for _, a := range m.Actions {
			fmt.Fprintf(&b, "- %s.%s [%s]", m.ModuleID, a.Name, a.Policy)
			if a.RiskLevel != "" {
				fmt.Fprintf(&b, " risk=%s", a.RiskLevel)
			}
			if a.RateLimit > 0 {
				fmt.Fprintf(&b, " limit=%d/min", a.RateLimit)
			}
			if a.Description != "" {
				b.WriteString(": " + a.Description)
			}
			b.WriteByte('\n')
			if len(a.ParamsSchema) > 0 {
				schema, err := json.Marshal(a.ParamsSchema)
				if err == nil {
					fmt.Fprintf(&b, "  params: %s\n", schema)
				}
			}
			for _, ex := range a.Examples {
				fmt.Fprintf(&b, "  example: %s\n", ex)
			}
		}
	}

	out := b.String()
	g.mu.Lock()
	g.cachedText = out
	g.mu.Unlock()
	return out
}
