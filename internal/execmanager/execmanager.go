// Package execmanager implements the Execution Manager (spec §4.9): it
// detects which runtime mode a FinalCommand must run under and adapts
// its argv accordingly, without ever spawning the process itself — that
// is the Process Runner's job (internal/runner).
package execmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/sentryctl/sentryctl/internal/command"
)

// Mode is the runtime mode a PreparedCommand targets.
type Mode int

const (
	// Container means a reachable containerized tool runtime will run
	// the command.
	Container Mode = iota
	// Native means the command runs directly on the host.
	Native
	// NativeRestricted means the host can run unprivileged commands only;
	// anything requiring root is refused with AuthorizationDenied.
	NativeRestricted
)

func (m Mode) String() string {
	switch m {
	case Container:
		return "container"
	case Native:
		return "native"
	case NativeRestricted:
		return "native_restricted"
	default:
		return "unknown"
	}
}

// ContainerRuntime is the opaque external collaborator the Execution
// Manager probes for reachability. Its wire protocol is out of scope
// (spec §1); only reachability and argv-prefix addressing matter here.
type ContainerRuntime interface {
	// Reachable reports whether the containerized tool runtime answers.
	Reachable(ctx context.Context) bool
	// Executor returns the binary that invokes a tool inside the
	// runtime (e.g. a container CLI), and the argv prefix that addresses
	// a fresh, throwaway container for that binary.
	Executor(binary string) (executorBinary string, argvPrefix []string)
	// MountedOutputDir maps a per-invocation UUID to the host path a
	// container's output directory is bind-mounted to.
	MountedOutputDir(invocationID string) string
}

// PrivilegeEscalator prefixes argv with an OS privilege-escalation
// wrapper (e.g. sudo) for a Native-mode command that requires root.
type PrivilegeEscalator interface {
	// Supported reports whether this platform can escalate privileges
	// at all; false forces NativeRestricted.
	Supported() bool
	// Wrap returns the argv prefix to prepend.
	Wrap() []string
}

// AuthorizationDeniedError is returned by Prepare when requiresRoot is
// set but the runtime mode is NativeRestricted.
type AuthorizationDeniedError struct {
	Binary string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("execmanager: %s requires root, which this runtime mode refuses", e.Binary)
}

// PreparedCommand is the fully runtime-adapted command the Process
// Runner spawns.
type PreparedCommand struct {
	Binary        string
	Argv          []string
	TempOutputDir string
	Mode          Mode
}

// Manager probes runtime availability (cached, TTL 60s by default) and
// adapts FinalCommands for the detected mode.
type Manager struct {
	mu              sync.Mutex
	runtime         ContainerRuntime
	escalator       PrivilegeEscalator
	probeTTL        time.Duration
	lastProbed      time.Time
	cachedMode      Mode
	hasCachedMode   bool
	sessionTempRoot string
	slots           *semaphore.Weighted
}

// Config configures a Manager.
type Config struct {
	Runtime         ContainerRuntime
	Escalator       PrivilegeEscalator
	ProbeTTL        time.Duration // default 60s
	SessionTempRoot string        // base for native-mode temp dirs, e.g. "<root>/temp"
	// MaxConcurrentInvocations bounds how many invocations may hold a
	// slot at once (spec §5 resource bounds); default 4.
	MaxConcurrentInvocations int
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 60 * time.Second
	}
	if cfg.MaxConcurrentInvocations <= 0 {
		cfg.MaxConcurrentInvocations = 4
	}
	return &Manager{
		runtime:         cfg.Runtime,
		escalator:       cfg.Escalator,
		probeTTL:        cfg.ProbeTTL,
		sessionTempRoot: cfg.SessionTempRoot,
		slots:           semaphore.NewWeighted(int64(cfg.MaxConcurrentInvocations)),
	}
}

// AcquireSlot blocks until one of the manager's MaxConcurrentInvocations
// slots is free, or ctx is done. The caller must call the returned
// release func exactly once, regardless of outcome.
func (m *Manager) AcquireSlot(ctx context.Context) (release func(), err error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("execmanager: acquire invocation slot: %w", err)
	}
	var once sync.Once
	return func() { once.Do(func() { m.slots.Release(1) }) }, nil
}

// DetectMode returns the current runtime mode, probing the container
// runtime at most once per probeTTL.
func (m *Manager) DetectMode(ctx context.Context) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasCachedMode && time.Since(m.lastProbed) < m.probeTTL {
		return m.cachedMode
	}

	mode := m.detectModeLocked(ctx)
	m.cachedMode = mode
	m.hasCachedMode = true
	m.lastProbed = time.Now()
	return mode
}

func (m *Manager) detectModeLocked(ctx context.Context) Mode {
	if m.runtime != nil && m.runtime.Reachable(ctx) {
		return Container
	}
	if m.escalator != nil && m.escalator.Supported() {
		return Native
	}
	return NativeRestricted
}

// Prepare turns fc into a PreparedCommand for the current runtime mode.
// It never spawns a process: the Coordinator may call Prepare on an
// AllowWithConfirmation intent and show the result to the UI collaborator
// as a dry-run preview before the user confirms (spec §4.9 supplement).
func (m *Manager) Prepare(ctx context.Context, fc command.FinalCommand, requiresRoot bool) (PreparedCommand, error) {
	mode := m.DetectMode(ctx)
	invocationID := uuid.New().String()

	switch mode {
	case Container:
		executor, prefix := m.runtime.Executor(fc.Binary)
		argv := append(append([]string{}, prefix...), fc.Argv...)
		return PreparedCommand{
			Binary:        executor,
			Argv:          argv,
			TempOutputDir: m.runtime.MountedOutputDir(invocationID),
			Mode:          mode,
		}, nil

	case Native:
		argv := append([]string{}, fc.Argv...)
		if requiresRoot {
			argv = append(append([]string{}, m.escalator.Wrap()...), append([]string{fc.Binary}, argv...)...)
			log.Debug().Str("binary", fc.Binary).Msg("execmanager: wrapping native command with privilege escalation")
			return PreparedCommand{Binary: argv[0], Argv: argv[1:], TempOutputDir: m.nativeTempDir(invocationID), Mode: mode}, nil
		}
		return PreparedCommand{Binary: fc.Binary, Argv: argv, TempOutputDir: m.nativeTempDir(invocationID), Mode: mode}, nil

	case NativeRestricted:
		if requiresRoot {
			return PreparedCommand{}, &AuthorizationDeniedError{Binary: fc.Binary}
		}
		return PreparedCommand{Binary: fc.Binary, Argv: append([]string{}, fc.Argv...), TempOutputDir: m.nativeTempDir(invocationID), Mode: mode}, nil

	default:
		return PreparedCommand{}, fmt.Errorf("execmanager: unknown runtime mode %v", mode)
	}
}

func (m *Manager) nativeTempDir(invocationID string) string {
	root := m.sessionTempRoot
	if root == "" {
		root = "temp"
	}
	return root + "/" + invocationID
}
