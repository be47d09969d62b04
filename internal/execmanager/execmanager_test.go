package execmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryctl/sentryctl/internal/command"
)

type fakeRuntime struct {
	reachable bool
	calls     int
}

func (f *fakeRuntime) Reachable(ctx context.Context) bool {
	f.calls++
	return f.reachable
}
func (f *fakeRuntime) Executor(binary string) (string, []string) {
	return "runtime-exec", []string{"run", "--rm", "recon-tools", binary}
}
func (f *fakeRuntime) MountedOutputDir(invocationID string) string {
	return "/mnt/output/" + invocationID
}

type fakeEscalator struct{ supported bool }

func (f fakeEscalator) Supported() bool   { return f.supported }
func (f fakeEscalator) Wrap() []string    { return []string{"sudo", "-n"} }

func TestDetectModePrefersContainerWhenReachable(t *testing.T) {
	m := New(Config{Runtime: &fakeRuntime{reachable: true}, Escalator: fakeEscalator{supported: true}})
	assert.Equal(t, Container, m.DetectMode(context.Background()))
}

func TestDetectModeFallsBackToNativeWhenContainerUnreachable(t *testing.T) {
	m := New(Config{Runtime: &fakeRuntime{reachable: false}, Escalator: fakeEscalator{supported: true}})
	assert.Equal(t, Native, m.DetectMode(context.Background()))
}

func TestDetectModeFallsBackToNativeRestrictedWithNoEscalation(t *testing.T) {
	m := New(Config{Runtime: &fakeRuntime{reachable: false}, Escalator: fakeEscalator{supported: false}})
	assert.Equal(t, NativeRestricted, m.DetectMode(context.Background()))
}

func TestDetectModeCachesProbeWithinTTL(t *testing.T) {
	rt := &fakeRuntime{reachable: true}
	m := New(Config{Runtime: rt, ProbeTTL: time.Hour})
	m.DetectMode(context.Background())
	m.DetectMode(context.Background())
	assert.Equal(t, 1, rt.calls)
}

func TestPrepareInContainerModePrefixesExecutorAndArgv(t *testing.T) {
	m := New(Config{Runtime: &fakeRuntime{reachable: true}})
	fc := command.FinalCommand{Binary: "nmap", Argv: []string{"-sT", "10.0.0.1"}}
	prepared, err := m.Prepare(context.Background(), fc, false)
	require.NoError(t, err)
	assert.Equal(t, "runtime-exec", prepared.Binary)
	assert.Equal(t, []string{"run", "--rm", "recon-tools", "nmap", "-sT", "10.0.0.1"}, prepared.Argv)
	assert.Equal(t, Container, prepared.Mode)
}

func TestPrepareInNativeModeWrapsRootRequiredCommand(t *testing.T) {
	m := New(Config{Runtime: &fakeRuntime{reachable: false}, Escalator: fakeEscalator{supported: true}})
	fc := command.FinalCommand{Binary: "nmap", Argv: []string{"-sS", "10.0.0.1"}}
	prepared, err := m.Prepare(context.Background(), fc, true)
	require.NoError(t, err)
	assert.Equal(t, "sudo", prepared.Binary)
	assert.Equal(t, []string{"-n", "nmap", "-sS", "10.0.0.1"}, prepared.Argv)
}

func TestPrepareInNativeRestrictedModeRefusesRootRequiredCommand(t *testing.T) {
	m := New(Config{Runtime: &fakeRuntime{reachable: false}, Escalator: fakeEscalator{supported: false}})
	fc := command.FinalCommand{Binary: "nmap", Argv: []string{"-sS", "10.0.0.1"}}
	_, err := m.Prepare(context.Background(), fc, true)
	require.Error(t, err)
	var ade *AuthorizationDeniedError
	require.ErrorAs(t, err, &ade)
}

func TestPrepareInNativeRestrictedModeAllowsUnprivilegedCommand(t *testing.T) {
	m := New(Config{Runtime: &fakeRuntime{reachable: false}, Escalator: fakeEscalator{supported: false}})
	fc := command.FinalCommand{Binary: "ping", Argv: []string{"-c", "4", "10.0.0.1"}}
	prepared, err := m.Prepare(context.Background(), fc, false)
	require.NoError(t, err)
	assert.Equal(t, "ping", prepared.Binary)
	assert.Equal(t, NativeRestricted, prepared.Mode)
}

func TestAcquireSlotBlocksUntilMaxConcurrentInvocationsIsFree(t *testing.T) {
	m := New(Config{MaxConcurrentInvocations: 1})

	release1, err := m.AcquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.AcquireSlot(ctx)
	assert.Error(t, err, "second acquire should block while the only slot is held")

	release1()
	release2, err := m.AcquireSlot(context.Background())
	require.NoError(t, err)
	release2()
}

func TestAcquireSlotReleaseIsIdempotent(t *testing.T) {
	m := New(Config{MaxConcurrentInvocations: 1})
	release, err := m.AcquireSlot(context.Background())
	require.NoError(t, err)
	release()
	assert.NotPanics(t, func() { release() })
}
