// Package policy implements the Execution Policy: the tactic-level
// allow/deny/confirm matrix that gates every Intent before a command is
// ever synthesized.
package policy

import "github.com/rs/zerolog/log"

// Tactic is a coarse category of intent that the policy reasons about,
// independent of the specific tool that will eventually run it.
type Tactic string

const (
	TacticPing               Tactic = "PING"
	TacticHostDiscovery      Tactic = "HOST_DISCOVERY"
	TacticPortScan           Tactic = "PORT_SCAN"
	TacticServiceEnum        Tactic = "SERVICE_ENUM"
	TacticDirectoryEnum      Tactic = "DIRECTORY_ENUM"
	TacticVulnScan           Tactic = "VULN_SCAN"
	TacticDNSLookup          Tactic = "DNS_LOOKUP"
	TacticWhois              Tactic = "WHOIS"
	TacticExploitWeakness    Tactic = "EXPLOIT_WEAKNESS"
	TacticCredentialBrute    Tactic = "CREDENTIAL_BRUTE_FORCE"
)

// Decision is the outcome of evaluating an intent against the policy.
type Decision int

const (
	// AllowAuto permits the command to be built and executed with no
	// further confirmation.
	AllowAuto Decision = iota
	// AllowWithConfirmation requires the Coordinator to emit
	// ApprovalRequired and wait for a confirmation before the Command
	// Builder is invoked.
	AllowWithConfirmation
	// Deny refuses the intent outright; no command is ever built.
	Deny
)

func (d Decision) String() string {
	switch d {
	case AllowAuto:
		return "allow_auto"
	case AllowWithConfirmation:
		return "allow_with_confirmation"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// allowPersistentChanges is immutable for v1: persistent-change tactics
// are always denied. The spec leaves open whether this is permanent or
// only v1-gated; this build treats it as a constant so a future
// relaxation is a one-line change rather than a redesign.
const allowPersistentChanges = false

// confirmBeforeTactics is the immutable v1 set of tactics that always
// require confirmation, regardless of any per-tactic risk cap.
var confirmBeforeTactics = map[Tactic]bool{
	TacticExploitWeakness: true,
	TacticCredentialBrute: true,
}

// Policy evaluates intents against the tactic matrix. The zero value is
// not usable; construct with New.
type Policy struct {
	blockedTactics  map[Tactic]string // tactic -> deny reason
	perTacticRiskCap map[Tactic]Risk
}

// Risk mirrors the risk level carried by a ToolDef (internal/registry),
// duplicated here to avoid an import cycle between policy and registry.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

var riskOrder = map[Risk]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// New constructs a Policy with the given blocked tactics (tactic -> human
// readable deny reason) and optional per-tactic risk caps.
func New(blocked map[Tactic]string, riskCaps map[Tactic]Risk) *Policy {
	if blocked == nil {
		blocked = map[Tactic]string{}
	}
	if riskCaps == nil {
		riskCaps = map[Tactic]Risk{}
	}
	return &Policy{blockedTactics: blocked, perTacticRiskCap: riskCaps}
}

// Intent is the minimal shape the Policy needs to reach a decision. The
// Policy Gate (internal/policygate) builds it from the resolved intent's
// tactic and the bound ToolDef's risk and persistent-change flag.
type Intent struct {
	Tactic                  Tactic
	Risk                    Risk
	CreatesPersistentChange bool
}

// Evaluate returns the Decision for intent, and a human-readable reason
// when the decision is not AllowAuto.
func (p *Policy) Evaluate(in Intent) (Decision, string) {
	if in.CreatesPersistentChange && !allowPersistentChanges {
		log.Debug().Str("tactic", string(in.Tactic)).Msg("policy: denying persistent-change intent")
		return Deny, "persistent changes are not permitted in this build"
	}

	if reason, blocked := p.blockedTactics[in.Tactic]; blocked {
		log.Debug().Str("tactic", string(in.Tactic)).Msg("policy: denying blocked tactic")
		return Deny, reason
	}

	if cap, ok := p.perTacticRiskCap[in.Tactic]; ok {
		if riskOrder[in.Risk] > riskOrder[cap] {
			log.Debug().Str("tactic", string(in.Tactic)).Str("risk", string(in.Risk)).Msg("policy: denying over risk cap")
			return Deny, "tool risk exceeds the configured cap for this tactic"
		}
	}

	if confirmBeforeTactics[in.Tactic] {
		return AllowWithConfirmation, "tactic requires explicit confirmation before execution"
	}

	return AllowAuto, ""
}

// AllowPersistentChanges reports the immutable v1 flag. The registry's
// validate reads it, but does not refuse to register a persistent-change
// tool; such tools are denied by the runtime check in Evaluate.
func AllowPersistentChanges() bool { return allowPersistentChanges }
