package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnChangeAfterFileWrite(t *testing.T) {
	orig := debounceReload
	debounceReload = 10 * time.Millisecond
	t.Cleanup(func() { debounceReload = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "tooldefs.override.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools: []\n"), 0o600))

	var calls int32
	w, err := NewWatcher(path, func() { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(path, []byte("tools: []\n# changed\n"), 0o600))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresOtherFilesInSameDirectory(t *testing.T) {
	orig := debounceReload
	debounceReload = 10 * time.Millisecond
	t.Cleanup(func() { debounceReload = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "tooldefs.override.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools: []\n"), 0o600))

	var calls int32
	w, err := NewWatcher(path, func() { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
