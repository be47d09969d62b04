// Package intent implements the Intent Resolver (spec §4.7): the single
// component allowed to talk to the LLM collaborator. It turns free-form
// user text into a closed, typed Intent and rejects anything that names
// a tool or argv directly — only the Command Builder may ever decide
// those.
package intent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sentryctl/sentryctl/internal/policy"
)

// Kind is the closed vocabulary of intents the Resolver may ever produce.
// It mirrors the tactic set in internal/policy one-for-one: the prompt
// published to the LLM collaborator names exactly these values and no
// others.
type Kind string

const (
	KindPing              Kind = "PING"
	KindHostDiscovery     Kind = "HOST_DISCOVERY"
	KindPortScan          Kind = "PORT_SCAN"
	KindServiceEnum       Kind = "SERVICE_ENUM"
	KindDirectoryEnum     Kind = "DIRECTORY_ENUM"
	KindVulnScan          Kind = "VULN_SCAN"
	KindDNSLookup         Kind = "DNS_LOOKUP"
	KindWhois             Kind = "WHOIS"
	KindCredentialBrute   Kind = "CREDENTIAL_BRUTE_FORCE"
	KindExploitWeakness   Kind = "EXPLOIT_WEAKNESS"
)

var validKinds = map[Kind]policy.Tactic{
	KindPing:            policy.TacticPing,
	KindHostDiscovery:   policy.TacticHostDiscovery,
	KindPortScan:        policy.TacticPortScan,
	KindServiceEnum:     policy.TacticServiceEnum,
	KindDirectoryEnum:   policy.TacticDirectoryEnum,
	KindVulnScan:        policy.TacticVulnScan,
	KindDNSLookup:       policy.TacticDNSLookup,
	KindWhois:           policy.TacticWhois,
	KindCredentialBrute: policy.TacticCredentialBrute,
	KindExploitWeakness: policy.TacticExploitWeakness,
}

// Tactic maps a resolved Kind to the policy Tactic it corresponds to.
func (k Kind) Tactic() (policy.Tactic, bool) {
	t, ok := validKinds[k]
	return t, ok
}

// Intent is the typed, closed output of the Resolver.
type Intent struct {
	Kind      Kind              `json:"kind"`
	Target    string            `json:"target"`
	Params    map[string]string `json:"params"`
	Rationale string            `json:"rationale"`
}

// rejected fields the schema must never carry: a response naming either
// one is an IntentSchemaViolation, not a valid (if unusual) Intent.
type rawResponse struct {
	Kind      string            `json:"kind"`
	Target    string            `json:"target"`
	Params    map[string]string `json:"params"`
	Rationale string            `json:"rationale"`
	Tool      string            `json:"tool,omitempty"`
	Binary    string            `json:"binary,omitempty"`
	Argv      []string          `json:"argv,omitempty"`
}

// ResolveError is the closed set of failure modes the Resolver may return
// (spec §4.7, §7). It is always one of LlmUnavailable,
// IntentSchemaViolation, or UnknownIntent.
type ResolveError struct {
	Kind   string
	Detail string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("intent: %s: %s", e.Kind, e.Detail)
}

func llmUnavailable(detail string) error    { return &ResolveError{"LlmUnavailable", detail} }
func schemaViolation(detail string) error   { return &ResolveError{"IntentSchemaViolation", detail} }
func unknownIntent(detail string) error     { return &ResolveError{"UnknownIntent", detail} }

// Collaborator is the minimal LLM client contract the Resolver needs: a
// single request/response exchange, no tool-calling, no streaming. A
// constrained prompt goes in; a JSON document matching the Intent schema
// is expected back.
type Collaborator interface {
	// Resolve sends userText plus the closed Kind vocabulary and returns
	// the collaborator's raw JSON response text.
	Resolve(ctx context.Context, userText string, vocabulary []Kind) (string, error)
}

// Resolver wraps a Collaborator with the Resolver's single-responsibility
// contract: one request, one parse, no retries with a reworded prompt.
type Resolver struct {
	collaborator Collaborator
	breaker      *Breaker
}

// New constructs a Resolver. breaker may be nil, in which case the
// Resolver calls the collaborator unconditionally (used in tests).
func New(collaborator Collaborator, breaker *Breaker) *Resolver {
	return &Resolver{collaborator: collaborator, breaker: breaker}
}

// Vocabulary is the full closed Kind list, in a stable order, published
// to the LLM collaborator on every call.
func Vocabulary() []Kind {
	return []Kind{
		KindPing, KindHostDiscovery, KindPortScan, KindServiceEnum,
		KindDirectoryEnum, KindVulnScan, KindDNSLookup, KindWhois,
		KindCredentialBrute, KindExploitWeakness,
	}
}

// Resolve calls the collaborator exactly once and parses its response as
// an Intent. It never retries with a different prompt: a schema
// violation or unknown intent is returned to the caller as-is.
func (r *Resolver) Resolve(ctx context.Context, userText string) (Intent, error) {
	if r.breaker != nil && !r.breaker.Allow() {
		return Intent{}, llmUnavailable("collaborator circuit is open")
	}

	raw, err := r.collaborator.Resolve(ctx, userText, Vocabulary())
	if err != nil {
		if r.breaker != nil {
			r.breaker.RecordFailure(err)
		}
		log.Warn().Err(err).Msg("intent: collaborator call failed")
		return Intent{}, llmUnavailable(err.Error())
	}
	if r.breaker != nil {
		r.breaker.RecordSuccess()
	}

	return parse(raw)
}

// parse decodes and validates raw against the Intent schema. Any
// response naming a tool or argv directly is rejected outright, per
// spec §4.7's "MUST reject any response that names tools or argv".
func parse(raw string) (Intent, error) {
	var resp rawResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Intent{}, schemaViolation(fmt.Sprintf("response is not valid JSON: %v", err))
	}
	if resp.Tool != "" || resp.Binary != "" || len(resp.Argv) > 0 {
		return Intent{}, schemaViolation("response names a tool or argv directly, which only the command builder may decide")
	}
	if resp.Kind == "" {
		return Intent{}, schemaViolation("response is missing kind")
	}
	if resp.Target == "" {
		return Intent{}, schemaViolation("response is missing target")
	}

	kind := Kind(resp.Kind)
	if _, ok := validKinds[kind]; !ok {
		return Intent{}, unknownIntent(fmt.Sprintf("kind %q is not in the closed vocabulary", resp.Kind))
	}

	return Intent{
		Kind:      kind,
		Target:    resp.Target,
		Params:    resp.Params,
		Rationale: resp.Rationale,
	}, nil
}
