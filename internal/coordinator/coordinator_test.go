package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryctl/sentryctl/internal/approval"
	"github.com/sentryctl/sentryctl/internal/execmanager"
	"github.com/sentryctl/sentryctl/internal/intent"
	"github.com/sentryctl/sentryctl/internal/knowledge"
	"github.com/sentryctl/sentryctl/internal/parsers"
	"github.com/sentryctl/sentryctl/internal/policy"
	"github.com/sentryctl/sentryctl/internal/policygate"
	"github.com/sentryctl/sentryctl/internal/registry"
	"github.com/sentryctl/sentryctl/internal/runner"
)

type stubCollaborator struct{ response string }

func (s stubCollaborator) Resolve(ctx context.Context, userText string, vocabulary []intent.Kind) (string, error) {
	return s.response, nil
}

// fakeSpawner returns a Spawner that feeds a scripted event sequence into
// a runner.Handle without ever touching the OS process table, so
// Coordinator tests stay deterministic and independent of which tool
// binaries happen to be installed.
func fakeSpawner(events []runner.Event) Spawner {
	return func(ctx context.Context, prepared execmanager.PreparedCommand, sessionRoot string, deadline time.Duration) (*runner.Handle, error) {
		h, send := runner.NewFakeHandle("test-invocation")
		go func() {
			defer close(send)
			for _, ev := range events {
				send <- ev
			}
		}()
		return h, nil
	}
}

func writeTempStdout(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stdout.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestCoordinator(t *testing.T, resp string, spawn Spawner) (*Coordinator, *knowledge.Store) {
	t.Helper()
	store, err := knowledge.Open(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New([]registry.ToolDef{{
		Tactic:   policy.TacticPing,
		Binary:   "ping",
		BaseArgs: []string{"-c", "1"},
		Risk:     policy.RiskLow,
		Parser:   parsers.Ping,
	}, {
		Tactic:   policy.TacticExploitWeakness,
		Binary:   "sqlmap",
		BaseArgs: []string{"--batch"},
		Risk:     policy.RiskHigh,
		Parser:   parsers.NoopParser,
	}, {
		Tactic:   policy.TacticDirectoryEnum,
		Binary:   "gobuster",
		BaseArgs: []string{"dir"},
		Risk:     policy.RiskMedium,
		Parser:   parsers.GobusterDirectory,
	}})

	approvals := approval.NewStore(approval.Config{})
	p := policy.New(nil, nil)
	gate := policygate.New(p, approvals)
	execMgr := execmanager.New(execmanager.Config{})
	hub := NewHub(nil)

	c := New(Config{
		Resolver:    intent.New(stubCollaborator{response: resp}, nil),
		Registry:    reg,
		Gate:        gate,
		Approvals:   approvals,
		ExecManager: execMgr,
		Store:       store,
		Hub:         hub,
		Spawn:       spawn,
		SessionRoot: t.TempDir(),
	})
	return c, store
}

func TestSubmitProceedsAndRecordsSuccessfulExecution(t *testing.T) {
	resp := `{"kind":"PING","target":"10.0.0.5","params":{},"rationale":"check liveness"}`
	stdoutPath := writeTempStdout(t, "64 bytes from 10.0.0.5: icmp_seq=1 time=1.2 ms\n")
	events := []runner.Event{
		{Kind: runner.Started},
		{Kind: runner.StdoutLine, Stream: runner.Stdout, Text: "64 bytes from 10.0.0.5: icmp_seq=1 time=1.2 ms"},
		{Kind: runner.Completed, ExitCode: runner.Success, StdoutPath: stdoutPath},
	}
	c, store := newTestCoordinator(t, resp, fakeSpawner(events))

	err := c.Submit(context.Background(), "exec-1", "is 10.0.0.5 alive?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := store.LastExecution(context.Background(), string(policy.TacticPing), "10.0.0.5")
		return err == nil && rec != nil && rec.ExecutionStatus == knowledge.ExecutionSuccess
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.LastExecution(context.Background(), string(policy.TacticPing), "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, knowledge.ParseParsed, rec.ParseStatus)
	assert.Equal(t, 1, rec.EntitiesCreated)
}

func TestSubmitRequiresApprovalForExploitTactic(t *testing.T) {
	resp := `{"kind":"EXPLOIT_WEAKNESS","target":"http://10.0.0.5/login","params":{},"rationale":"test sqli"}`
	c, _ := newTestCoordinator(t, resp, fakeSpawner(nil))

	err := c.Submit(context.Background(), "exec-2", "try sql injection on the login form")
	require.NoError(t, err)

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestApproveStartsParkedExecution(t *testing.T) {
	resp := `{"kind":"EXPLOIT_WEAKNESS","target":"http://10.0.0.5/login","params":{},"rationale":"test sqli"}`
	stdoutPath := writeTempStdout(t, "")
	events := []runner.Event{
		{Kind: runner.Started},
		{Kind: runner.Completed, ExitCode: runner.Success, StdoutPath: stdoutPath},
	}
	c, store := newTestCoordinator(t, resp, fakeSpawner(events))

	require.NoError(t, c.Submit(context.Background(), "exec-3", "try sql injection on the login form"))

	c.mu.Lock()
	var approvalID string
	for id := range c.pending {
		approvalID = id
	}
	c.mu.Unlock()
	require.NotEmpty(t, approvalID)

	require.NoError(t, c.Approve(context.Background(), approvalID, "operator"))

	require.Eventually(t, func() bool {
		rec, err := store.LastExecution(context.Background(), string(policy.TacticExploitWeakness), "http://10.0.0.5/login")
		return err == nil && rec != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitDirectoryEnumDerivesServiceGraphFromTargetURL(t *testing.T) {
	resp := `{"kind":"DIRECTORY_ENUM","target":"http://10.0.0.5/","params":{},"rationale":"enumerate web content"}`
	stdoutPath := writeTempStdout(t, "/admin               (Status: 301) [Size: 178] [--> /admin/]\n")
	events := []runner.Event{
		{Kind: runner.Started},
		{Kind: runner.Completed, ExitCode: runner.Success, StdoutPath: stdoutPath},
	}
	c, store := newTestCoordinator(t, resp, fakeSpawner(events))

	err := c.Submit(context.Background(), "exec-5", "enumerate directories on 10.0.0.5")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := store.LastExecution(context.Background(), string(policy.TacticDirectoryEnum), "http://10.0.0.5/")
		return err == nil && rec != nil && rec.ExecutionStatus == knowledge.ExecutionSuccess
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.LastExecution(context.Background(), string(policy.TacticDirectoryEnum), "http://10.0.0.5/")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, knowledge.ParseParsed, rec.ParseStatus)
	// Host, Port, Service, and the discovered WebResource: finish never
	// populates ctx.UpstreamHost/UpstreamPort, so this count is only
	// nonzero because GobusterDirectory derives the chain from the target
	// URL itself.
	assert.Equal(t, 4, rec.EntitiesCreated)
}

func TestDenyDiscardsParkedExecutionWithoutSpawning(t *testing.T) {
	resp := `{"kind":"EXPLOIT_WEAKNESS","target":"http://10.0.0.5/login","params":{},"rationale":"test sqli"}`
	spawnCalled := false
	spawn := func(ctx context.Context, prepared execmanager.PreparedCommand, sessionRoot string, deadline time.Duration) (*runner.Handle, error) {
		spawnCalled = true
		h, send := runner.NewFakeHandle("test-invocation")
		close(send)
		return h, nil
	}
	c, _ := newTestCoordinator(t, resp, spawn)

	require.NoError(t, c.Submit(context.Background(), "exec-4", "try sql injection on the login form"))

	c.mu.Lock()
	var approvalID string
	for id := range c.pending {
		approvalID = id
	}
	c.mu.Unlock()
	require.NotEmpty(t, approvalID)

	require.NoError(t, c.Deny(approvalID, "operator", "out of scope"))
	assert.False(t, spawnCalled)

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	assert.Equal(t, 0, n)
}
