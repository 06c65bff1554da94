package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoadYAMLManifest(t *testing.T) {
	m, err := Load("testdata/accrual-engine.yaml")
	require.NoError(t, err)

	assert.Equal(t, "accrual-engine", m.ModuleID)
	assert.Equal(t, proc.Normal, m.Priority)
	assert.Equal(t, TypeBuiltin, m.ModuleType)
	require.Len(t, m.RequiredCapabilities, 2)
	assert.True(t, m.RequiredCapabilities[1].Optional)
	assert.Equal(t, []string{"accrual.*"}, m.Subscriptions())

	limits := m.Limits()
	assert.Equal(t, int64(8<<20), limits.MaxMemoryBytes)
	assert.Equal(t, int64(4), limits.MaxTableEntries)
	assert.Equal(t, DefaultResourceLimits().MaxExecutionMs, limits.MaxExecutionMs)
}

func TestLoadJSONManifest(t *testing.T) {
	m, err := Load("testdata/compliance-engine.json")
	require.NoError(t, err)
	assert.Equal(t, proc.High, m.Priority)

	dep, err := ParseDependency(m.Dependencies[0])
	require.NoError(t, err)
	assert.Equal(t, "accrual-engine", dep.ModuleID)

	ok, err := dep.SatisfiedBy("1.2.0")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dep.SatisfiedBy("2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPriorityDefaultsToNormal(t *testing.T) {
	m, err := Parse([]byte(`{"moduleId":"m","version":"1.0.0","entryPoint":"e"}`))
	require.NoError(t, err)
	assert.Equal(t, proc.Normal, m.Priority)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":     `{"moduleId":"m","version":"1.0.0","entryPoint":"e","extra":1}`,
		"missing version":   `{"moduleId":"m","entryPoint":"e"}`,
		"loose semver":      `{"moduleId":"m","version":"v1.0","entryPoint":"e"}`,
		"bad module id":     `{"moduleId":"Accrual Engine","version":"1.0.0","entryPoint":"e"}`,
		"bad priority":      `{"moduleId":"m","version":"1.0.0","entryPoint":"e","priority":"urgent"}`,
		"negative limit":    `{"moduleId":"m","version":"1.0.0","entryPoint":"e","resourceLimits":{"maxMemoryBytes":-1}}`,
		"inert channel":     `{"moduleId":"m","version":"1.0.0","entryPoint":"e","allowedChannels":[{"pattern":"a.*"}]}`,
		"bad channel":       `{"moduleId":"m","version":"1.0.0","entryPoint":"e","allowedChannels":[{"pattern":"a..b","subscribe":true}]}`,
		"self dependency":   `{"moduleId":"m","version":"1.0.0","entryPoint":"e","dependencies":["m"]}`,
		"bad constraint":    `{"moduleId":"m","version":"1.0.0","entryPoint":"e","dependencies":["x@>>1"]}`,
		"no rights":         `{"moduleId":"m","version":"1.0.0","entryPoint":"e","requiredCapabilities":[{"resourceType":"channel","resourcePattern":"a.*","rights":[]}]}`,
		"empty yaml":        ``,
		"duplicate syscall": `{"moduleId":"m","version":"1.0.0","entryPoint":"e","allowedSyscalls":["log","log"]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, kerr.ErrManifestInvalid), err.Error())
		})
	}
}

func TestLimitsWithinCeilings(t *testing.T) {
	require.NoError(t, DefaultResourceLimits().Within(DefaultCeilings()))

	over := DefaultResourceLimits()
	over.MaxMemoryBytes = DefaultCeilings().MaxMemoryBytes + 1
	err := over.Within(DefaultCeilings())
	assert.True(t, errors.Is(err, kerr.ErrResourceLimitExceeded))
}

func TestVerifyChecksum(t *testing.T) {
	bin := []byte("\x00asm\x01\x00\x00\x00")
	m := Manifest{ModuleID: "m", Checksum: Checksum(bin)}
	require.NoError(t, m.VerifyChecksum(bin))

	err := m.VerifyChecksum([]byte("tampered"))
	assert.True(t, errors.Is(err, kerr.ErrChecksumMismatch))

	assert.NoError(t, Manifest{}.VerifyChecksum([]byte("anything")))
}

func TestCloneDetachesSlices(t *testing.T) {
	m, err := Load("testdata/accrual-engine.yaml")
	require.NoError(t, err)
	c := m.Clone()
	c.RequiredCapabilities[0].Rights[0] = "delete"
	c.AllowedChannels[0].Pattern = "x.*"
	assert.Equal(t, "read", m.RequiredCapabilities[0].Rights[0])
	assert.Equal(t, "accrual.*", m.AllowedChannels[0].Pattern)
}

func TestWatcherReportsExistingAndNewManifests(t *testing.T) {
	dir := t.TempDir()
	seed, err := os.ReadFile("testdata/compliance-engine.json")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compliance.json"), seed, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := Watch(ctx, dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	next := func() Event {
		t.Helper()
		select {
		case ev := <-w.Events():
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for manifest event")
			return Event{}
		}
	}

	ev := next()
	require.NoError(t, ev.Err)
	assert.Equal(t, "compliance-engine", ev.Manifest.ModuleID)

	accrual, err := os.ReadFile("testdata/accrual-engine.yaml")
	require.NoError(t, err)
	// Write to a temp name then rename so the watcher sees one complete file.
	tmp := filepath.Join(dir, "accrual.tmp")
	require.NoError(t, os.WriteFile(tmp, accrual, 0o600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "accrual.yaml")))

	for {
		ev = next()
		if ev.Err == nil && !ev.Removed && ev.Manifest.ModuleID == "accrual-engine" {
			break
		}
	}

	require.NoError(t, os.Remove(filepath.Join(dir, "accrual.yaml")))
	for {
		ev = next()
		if ev.Removed {
			break
		}
	}
	assert.Equal(t, filepath.Join(dir, "accrual.yaml"), ev.Path)
}
