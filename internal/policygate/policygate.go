// Package policygate implements the Policy Gate (spec §4.8): it applies
// the Execution Policy to a resolved Intent before the Command Builder
// is ever invoked, and owns the AllowWithConfirmation -> approval ->
// consume lifecycle that lets a confirmed intent proceed exactly once.
package policygate

import (
	"fmt"

	"github.com/sentryctl/sentryctl/internal/approval"
	"github.com/sentryctl/sentryctl/internal/intent"
	"github.com/sentryctl/sentryctl/internal/policy"
	"github.com/sentryctl/sentryctl/internal/registry"
)

// Outcome is the Gate's verdict on an Intent.
type Outcome int

const (
	// Proceed means the Command Builder may be invoked immediately.
	Proceed Outcome = iota
	// RequiresApproval means an approval.Request has been created and
	// the Coordinator must emit ApprovalRequired and wait.
	RequiresApproval
	// Denied means no command will ever be built for this Intent.
	Denied
)

// Result carries the Gate's verdict plus whatever the Coordinator needs
// to act on it.
type Result struct {
	Outcome    Outcome
	Reason     string
	ApprovalID string // set only when Outcome == RequiresApproval
}

// Gate binds the Execution Policy and the approval Store.
type Gate struct {
	policy    *policy.Policy
	approvals *approval.Store
}

// New constructs a Gate.
func New(p *policy.Policy, approvals *approval.Store) *Gate {
	return &Gate{policy: p, approvals: approvals}
}

// Evaluate applies the Execution Policy to in (using def's risk and
// persistent-change classification) and, for AllowWithConfirmation,
// creates a pending approval request.
func (g *Gate) Evaluate(executionID string, in intent.Intent, def registry.ToolDef) (Result, error) {
	tactic, ok := in.Kind.Tactic()
	if !ok {
		return Result{}, fmt.Errorf("policygate: intent kind %q has no tactic mapping", in.Kind)
	}

	decision, reason := g.policy.Evaluate(policy.Intent{
		Tactic:                  tactic,
		Risk:                    def.Risk,
		CreatesPersistentChange: def.CreatesPersistentChange,
	})

	switch decision {
	case policy.Deny:
		return Result{Outcome: Denied, Reason: reason}, nil
	case policy.AllowAuto:
		return Result{Outcome: Proceed}, nil
	case policy.AllowWithConfirmation:
		req, err := g.approvals.Create(executionID, tactic, in.Target, reason)
		if err != nil {
			return Result{}, fmt.Errorf("policygate: creating approval: %w", err)
		}
		return Result{Outcome: RequiresApproval, Reason: reason, ApprovalID: req.ID}, nil
	default:
		return Result{}, fmt.Errorf("policygate: unknown policy decision %v", decision)
	}
}

// Confirm consumes approvalID, asserting it was granted for exactly
// tactic/target, and reports whether the Command Builder may now run.
func (g *Gate) Confirm(approvalID string, in intent.Intent) error {
	tactic, ok := in.Kind.Tactic()
	if !ok {
		return fmt.Errorf("policygate: intent kind %q has no tactic mapping", in.Kind)
	}
	_, err := g.approvals.Consume(approvalID, tactic, in.Target)
	return err
}
