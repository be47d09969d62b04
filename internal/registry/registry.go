// Package registry implements the Tool Registry (spec §4.5): a static,
// deterministic map from an Intent's tactic to the concrete tool that
// carries it out. The registry is the single source of truth for tool
// knowledge — no other component may fabricate a tool name or argv.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sentryctl/sentryctl/internal/parsers"
	"github.com/sentryctl/sentryctl/internal/policy"
	"github.com/sentryctl/sentryctl/internal/safety"
)

// allowedBinaries is the closed set of binaries a ToolDef may ever name
// (spec §6). Loading a ToolDef with any other binary is rejected.
var allowedBinaries = map[string]bool{
	"ping": true, "nmap": true, "gobuster": true, "nikto": true,
	"dirb": true, "hydra": true, "sqlmap": true, "whois": true,
	"dig": true, "nslookup": true, "curl": true, "wget": true,
}

// ArgTemplate is a single named-parameter template. It must contain
// exactly one "{value}" placeholder and no shell metacharacters.
type ArgTemplate struct {
	// Flag, e.g. "-c {value}" for ping's count, or "{value}" alone when
	// the parameter is itself a bare positional (never the target).
	Template string
}

// NamedArgTemplate pairs a parameter name with its ArgTemplate. ToolDef
// keeps these as an ordered slice, not a map: the Command Builder applies
// them in declaration order, so the same Intent always yields the same
// FinalCommand argv (spec §8 idempotence property) regardless of Go's
// randomized map iteration.
type NamedArgTemplate struct {
	Name     string
	Template ArgTemplate
}

// ToolDef statically describes one tool binding: the binary, its
// immutable base argv, named-parameter templates, risk classification,
// and the parser that turns its output into entities.
type ToolDef struct {
	Tactic                  policy.Tactic
	Binary                  string
	BaseArgs                []string
	ParamTemplates          []NamedArgTemplate
	Risk                    policy.Risk
	RequiresRoot            bool
	CreatesPersistentChange bool
	// TargetEmbedded marks a tool whose template already embeds the
	// target (e.g. via a "target_url" parameter) so the Command Builder
	// must not additionally append it as the last positional argument.
	TargetEmbedded bool
	Parser         parsers.Parser
}

// Param looks up the named parameter's template.
func (d ToolDef) Param(name string) (ArgTemplate, bool) {
	for _, p := range d.ParamTemplates {
		if p.Name == name {
			return p.Template, true
		}
	}
	return ArgTemplate{}, false
}

// loadError reports why a ToolDef was rejected at registry construction
// time; these are programmer errors, never reachable from user input.
type loadError struct {
	tactic policy.Tactic
	reason string
}

func (e *loadError) Error() string {
	return fmt.Sprintf("registry: tool for tactic %s rejected: %s", e.tactic, e.reason)
}

// Registry is the concurrency-safe IntentKind -> ToolDef map; Reload
// replaces its table as a whole.
type Registry struct {
	mu    sync.RWMutex
	tools map[policy.Tactic]ToolDef
	order []policy.Tactic
}

// New validates and loads defs into a Registry. It panics on a malformed
// ToolDef: these are static, author-time errors that must never reach
// production, exactly like the teacher's registry treats a bad
// registration as a programming mistake rather than a runtime condition.
func New(defs []ToolDef) *Registry {
	r := &Registry{tools: make(map[policy.Tactic]ToolDef), order: make([]policy.Tactic, 0, len(defs))}
	for _, def := range defs {
		if err := validate(def); err != nil {
			panic(err)
		}
		if _, exists := r.tools[def.Tactic]; !exists {
			r.order = append(r.order, def.Tactic)
		}
		r.tools[def.Tactic] = def
	}
	return r
}

func validate(def ToolDef) error {
	if !allowedBinaries[def.Binary] {
		return &loadError{def.Tactic, fmt.Sprintf("binary %q is not in the allowlist", def.Binary)}
	}
	seen := make(map[string]bool, len(def.ParamTemplates))
	full := append([]string{}, def.BaseArgs...)
	for _, p := range def.ParamTemplates {
		if seen[p.Name] {
			return &loadError{def.Tactic, fmt.Sprintf("parameter %q declared more than once", p.Name)}
		}
		seen[p.Name] = true
		if strings.Count(p.Template.Template, "{value}") != 1 {
			return &loadError{def.Tactic, fmt.Sprintf("parameter %q template must contain exactly one {value} placeholder", p.Name)}
		}
		if bad, ch := safety.HasShellMetacharacter(p.Template.Template); bad {
			return &loadError{def.Tactic, fmt.Sprintf("parameter %q template contains shell metacharacter %q", p.Name, ch)}
		}
		full = append(full, p.Template.Template)
	}
	if bad, ch := safety.HasShellMetacharacter(strings.Join(def.BaseArgs, " ")); bad {
		return &loadError{def.Tactic, fmt.Sprintf("base args contain shell metacharacter %q", ch)}
	}
	if def.CreatesPersistentChange && policy.AllowPersistentChanges() {
		// Unreachable in this build (the flag is a compile-time const),
		// but kept as an explicit check so flipping the const alone is
		// sufficient to re-enable persistent-change tools.
		return nil
	}
	if def.Parser == nil {
		return &loadError{def.Tactic, "no parser bound"}
	}
	return nil
}

// Lookup returns the ToolDef registered for tactic.
func (r *Registry) Lookup(tactic policy.Tactic) (ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[tactic]
	return def, ok
}

// Reload validates defs and, if every one passes, atomically replaces
// the registry's table. A failed validation leaves the existing table
// untouched and the error describes which def was rejected — unlike
// New, Reload never panics, since a bad operator-supplied override file
// is a runtime condition, not a programming mistake.
func (r *Registry) Reload(defs []ToolDef) error {
	for _, def := range defs {
		if err := validate(def); err != nil {
			return err
		}
	}
	tools := make(map[policy.Tactic]ToolDef, len(defs))
	order := make([]policy.Tactic, 0, len(defs))
	for _, def := range defs {
		if _, exists := tools[def.Tactic]; !exists {
			order = append(order, def.Tactic)
		}
		tools[def.Tactic] = def
	}
	r.mu.Lock()
	r.tools = tools
	r.order = order
	r.mu.Unlock()
	return nil
}

// Tactics returns every tactic the registry has a binding for, in
// registration order.
func (r *Registry) Tactics() []policy.Tactic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]policy.Tactic, len(r.order))
	copy(out, r.order)
	return out
}
