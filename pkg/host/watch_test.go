package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/modules/accrual"
)

func moduleState(h *Host, id string) loader.ModuleState {
	rec, ok := h.Kernel().Loader().Module(id)
	if !ok {
		return ""
	}
	return rec.State
}

func TestWatchManifests(t *testing.T) {
	src, err := os.ReadFile("testdata/accrual-engine.yaml")
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "accrual-engine.yaml")
	require.NoError(t, os.WriteFile(path, src, 0o644))

	h := newHost(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.WatchManifests(ctx, dir) }()

	require.Eventually(t, func() bool {
		return moduleState(h, accrual.ModuleID) == loader.Running
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return moduleState(h, accrual.ModuleID) == loader.Terminated
	}, 5*time.Second, 10*time.Millisecond)
	_, supervised := h.Supervisor().Child(accrual.ModuleID)
	assert.False(t, supervised)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchManifestsMissingDir(t *testing.T) {
	h := newHost(t, Options{})
	err := h.WatchManifests(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
