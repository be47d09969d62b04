// Package coordinator implements the Coordinator (spec §4.11): it binds
// the Intent Resolver, Policy Gate, Command Builder, Execution Manager,
// Process Runner, Parser Framework, and Knowledge Store into the single
// pipeline a user-facing request drives, and broadcasts the six typed UI
// events over a Hub.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentryctl/sentryctl/internal/approval"
	"github.com/sentryctl/sentryctl/internal/command"
	"github.com/sentryctl/sentryctl/internal/execmanager"
	"github.com/sentryctl/sentryctl/internal/intent"
	"github.com/sentryctl/sentryctl/internal/knowledge"
	"github.com/sentryctl/sentryctl/internal/parsers"
	"github.com/sentryctl/sentryctl/internal/policygate"
	"github.com/sentryctl/sentryctl/internal/registry"
	"github.com/sentryctl/sentryctl/internal/runner"
)

// Spawner matches runner.Spawn's signature; Config accepts one so tests
// can substitute a fake process without touching the filesystem or the
// OS process table.
type Spawner func(ctx context.Context, prepared execmanager.PreparedCommand, sessionRoot string, deadline time.Duration) (*runner.Handle, error)

type pendingExecution struct {
	executionID string
	in          intent.Intent
	def         registry.ToolDef
}

// Coordinator drives one execution end to end.
type Coordinator struct {
	resolver  *intent.Resolver
	registry  *registry.Registry
	gate      *policygate.Gate
	approvals *approval.Store
	execMgr   *execmanager.Manager
	store     *knowledge.Store
	hub       *Hub
	spawn     Spawner

	sessionRoot       string
	invocationTimeout time.Duration

	mu      sync.Mutex
	pending map[string]pendingExecution
}

// Config wires a Coordinator's collaborators.
type Config struct {
	Resolver          *intent.Resolver
	Registry          *registry.Registry
	Gate              *policygate.Gate
	Approvals         *approval.Store
	ExecManager       *execmanager.Manager
	Store             *knowledge.Store
	Hub               *Hub
	Spawn             Spawner       // default runner.Spawn
	SessionRoot       string        // default "sessions"
	InvocationTimeout time.Duration // 0 means 30 minutes; a negative value disables the deadline
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Spawn == nil {
		cfg.Spawn = runner.Spawn
	}
	if cfg.SessionRoot == "" {
		cfg.SessionRoot = "sessions"
	}
	if cfg.InvocationTimeout == 0 {
		cfg.InvocationTimeout = 30 * time.Minute
	}
	return &Coordinator{
		resolver:          cfg.Resolver,
		registry:          cfg.Registry,
		gate:              cfg.Gate,
		approvals:         cfg.Approvals,
		execMgr:           cfg.ExecManager,
		store:             cfg.Store,
		hub:               cfg.Hub,
		spawn:             cfg.Spawn,
		sessionRoot:       cfg.SessionRoot,
		invocationTimeout: cfg.InvocationTimeout,
		pending:           make(map[string]pendingExecution),
	}
}

// Submit resolves userText into an Intent, applies the Policy Gate, and
// either starts execution immediately, parks it pending approval, or
// rejects it outright. It never blocks on the tool finishing: once a
// command is spawned, completion arrives asynchronously as a
// ToolCompleted event on the Hub.
func (c *Coordinator) Submit(ctx context.Context, executionID, userText string) error {
	in, err := c.resolver.Resolve(ctx, userText)
	if err != nil {
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Err: err.Error()})
		return err
	}

	tactic, ok := in.Kind.Tactic()
	if !ok {
		err := fmt.Errorf("coordinator: intent kind %q has no tactic mapping", in.Kind)
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Err: err.Error()})
		return err
	}

	def, ok := c.registry.Lookup(tactic)
	if !ok {
		err := fmt.Errorf("coordinator: no tool registered for tactic %s", tactic)
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Err: err.Error()})
		return err
	}

	result, err := c.gate.Evaluate(executionID, in, def)
	if err != nil {
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Err: err.Error()})
		return err
	}

	switch result.Outcome {
	case policygate.Denied:
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Tactic: string(tactic), Target: in.Target, Reason: result.Reason})
		return nil

	case policygate.RequiresApproval:
		c.mu.Lock()
		c.pending[result.ApprovalID] = pendingExecution{executionID: executionID, in: in, def: def}
		c.mu.Unlock()
		c.hub.Broadcast(Event{Kind: ApprovalRequired, ExecutionID: executionID, Tactic: string(tactic), Target: in.Target, ApprovalID: result.ApprovalID, Reason: result.Reason})
		return nil

	case policygate.Proceed:
		return c.execute(ctx, executionID, in, def)

	default:
		return fmt.Errorf("coordinator: unknown policy gate outcome %v", result.Outcome)
	}
}

// Approve grants a pending approval and, if it is still outstanding,
// starts the execution it was parked for.
func (c *Coordinator) Approve(ctx context.Context, approvalID, approvedBy string) error {
	if _, err := c.approvals.Approve(approvalID, approvedBy); err != nil {
		return err
	}

	c.mu.Lock()
	p, ok := c.pending[approvalID]
	delete(c.pending, approvalID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: no pending execution for approval %s", approvalID)
	}

	if err := c.gate.Confirm(approvalID, p.in); err != nil {
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: p.executionID, Err: err.Error()})
		return err
	}
	return c.execute(ctx, p.executionID, p.in, p.def)
}

// Deny records a denial and discards the parked execution.
func (c *Coordinator) Deny(approvalID, deniedBy, reason string) error {
	if _, err := c.approvals.Deny(approvalID, deniedBy, reason); err != nil {
		return err
	}
	c.mu.Lock()
	p, ok := c.pending[approvalID]
	delete(c.pending, approvalID)
	c.mu.Unlock()
	if ok {
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: p.executionID, Reason: reason})
	}
	return nil
}

// execute builds the FinalCommand, adapts it for the current runtime
// mode, spawns it, and returns immediately; the spawned invocation's
// lifecycle continues on a background goroutine.
func (c *Coordinator) execute(ctx context.Context, executionID string, in intent.Intent, def registry.ToolDef) error {
	startedAt := time.Now()

	fc, err := command.Build(def, in.Target, in.Params)
	if err != nil {
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Tactic: string(def.Tactic), Target: in.Target, Err: err.Error()})
		c.recordFailedExecution(ctx, executionID, def, in, startedAt, err)
		return err
	}

	release, err := c.execMgr.AcquireSlot(ctx)
	if err != nil {
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Tactic: string(def.Tactic), Target: in.Target, Err: err.Error()})
		c.recordFailedExecution(ctx, executionID, def, in, startedAt, err)
		return err
	}

	prepared, err := c.execMgr.Prepare(ctx, fc, def.RequiresRoot)
	if err != nil {
		release()
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Tactic: string(def.Tactic), Target: in.Target, Err: err.Error()})
		c.recordFailedExecution(ctx, executionID, def, in, startedAt, err)
		return err
	}

	c.hub.Broadcast(Event{
		Kind: ToolStarted, ExecutionID: executionID, Tactic: string(def.Tactic),
		Target: in.Target, Binary: prepared.Binary, Argv: prepared.Argv,
	})

	h, err := c.spawn(ctx, prepared, c.sessionRoot, c.invocationTimeout)
	if err != nil {
		release()
		c.hub.Broadcast(Event{Kind: ToolError, ExecutionID: executionID, Tactic: string(def.Tactic), Target: in.Target, Err: err.Error()})
		c.recordFailedExecution(ctx, executionID, def, in, startedAt, err)
		return err
	}

	go c.drain(ctx, executionID, in, def, fc, startedAt, h, release)
	return nil
}

// drain forwards a Handle's streamed events to the Hub and, once the
// invocation completes, runs the bound parser and commits both the
// ExecutionRecord and any produced entities. release frees this
// invocation's concurrency slot once the handle's event stream closes,
// regardless of how the invocation ended.
func (c *Coordinator) drain(ctx context.Context, executionID string, in intent.Intent, def registry.ToolDef, fc command.FinalCommand, startedAt time.Time, h *runner.Handle, release func()) {
	defer release()
	for ev := range h.Events() {
		switch ev.Kind {
		case runner.StdoutLine:
			c.hub.Broadcast(Event{Kind: ToolOutputChunk, ExecutionID: executionID, Stream: string(ev.Stream), Text: ev.Text})
		case runner.StderrLine:
			c.hub.Broadcast(Event{Kind: ToolOutputChunk, ExecutionID: executionID, Stream: string(ev.Stream), Text: ev.Text})
		case runner.InputRequested:
			c.hub.Broadcast(Event{Kind: InputRequested, ExecutionID: executionID, InputKind: string(ev.InputKind)})
		case runner.Completed:
			c.finish(ctx, executionID, in, def, fc, startedAt, ev)
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, executionID string, in intent.Intent, def registry.ToolDef, fc command.FinalCommand, startedAt time.Time, completed runner.Event) {
	completedAt := time.Now()

	execStatus := knowledge.ExecutionSuccess
	if completed.ExitCode != runner.Success {
		execStatus = knowledge.ExecutionFailed
	}

	var (
		parseStatus     = knowledge.ParseEmptyOutput
		entitiesCreated int
	)

	raw, readErr := os.ReadFile(completed.StdoutPath)
	if readErr != nil {
		log.Warn().Err(readErr).Str("execution_id", executionID).Msg("coordinator: failed to read stdout capture for parsing")
		raw = nil
	}

	if len(raw) > 0 {
		result, parseErr := parsers.Safe(def.Parser).Parse(raw, parsers.Context{
			ToolID:       string(def.Tactic),
			Target:       in.Target,
			Argv:         append([]string{fc.Binary}, fc.Argv...),
			DiscoveredBy: string(def.Tactic),
		})
		if parseErr != nil {
			parseStatus = knowledge.ParseFailed
			log.Warn().Err(parseErr).Str("execution_id", executionID).Msg("coordinator: parser failed")
		} else if len(result.Entities) == 0 {
			parseStatus = knowledge.ParseEmptyOutput
		} else {
			parseStatus = knowledge.ParseParsed
			entitiesCreated = len(result.Entities)
			if err := c.store.UpsertEntities(ctx, knowledge.Batch{Entities: result.Entities, Relationships: result.Relationships}); err != nil {
				log.Warn().Err(err).Str("execution_id", executionID).Msg("coordinator: failed to persist parsed entities")
				entitiesCreated = 0
			}
		}
	}

	record := knowledge.ExecutionRecord{
		ID:              executionID,
		ToolID:          string(def.Tactic),
		Target:          in.Target,
		ExecutionStatus: execStatus,
		ParseStatus:     parseStatus,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		Duration:        completedAt.Sub(startedAt),
		RawStdoutPath:   completed.StdoutPath,
		RawStderrPath:   completed.StderrPath,
		EntitiesCreated: entitiesCreated,
	}
	if execStatus == knowledge.ExecutionFailed {
		record.ErrorMessage = fmt.Sprintf("process exited with %s", completed.ExitCode)
	}
	if err := c.store.RecordExecution(ctx, record); err != nil {
		log.Warn().Err(err).Str("execution_id", executionID).Msg("coordinator: failed to record execution")
	}

	c.hub.Broadcast(Event{
		Kind: ToolCompleted, ExecutionID: executionID, Tactic: string(def.Tactic), Target: in.Target,
		ExitCode: string(completed.ExitCode), EntitiesCreated: entitiesCreated,
	})
}

// recordFailedExecution commits an ExecutionRecord for an invocation that
// never reached the Process Runner (a rejected build or a denied
// privilege escalation), so the audit trail covers every attempt, not
// just the ones that spawned a process.
func (c *Coordinator) recordFailedExecution(ctx context.Context, executionID string, def registry.ToolDef, in intent.Intent, startedAt time.Time, cause error) {
	record := knowledge.ExecutionRecord{
		ID:              executionID,
		ToolID:          string(def.Tactic),
		Target:          in.Target,
		ExecutionStatus: knowledge.ExecutionFailed,
		ParseStatus:     knowledge.ParseEmptyOutput,
		StartedAt:       startedAt,
		CompletedAt:     time.Now(),
		ErrorMessage:    cause.Error(),
	}
	if err := c.store.RecordExecution(ctx, record); err != nil {
		log.Warn().Err(err).Str("execution_id", executionID).Msg("coordinator: failed to record rejected execution")
	}
}
