package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenarioFile = "../../pkg/host/testdata/accrual.scenario.yaml"
	manifestFile = "../../pkg/host/testdata/accrual-engine.yaml"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"esta-kernel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfg := fmt.Sprintf(`
log_level: error
data_dir: %[1]s
admission: true
audit:
  capacity: 1000
  dialect: sqlite
  dsn: %[1]s/audit.db
snapshot:
  backend: fs
  dir: %[1]s/snapshots
artifacts:
  backend: fs
  dir: %[1]s/artifacts
`, dir)
	path = filepath.Join(dir, "esta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, dir
}

func TestValidate(t *testing.T) {
	code, out, _ := run(t, "validate", "--admission", manifestFile)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "accrual-engine@1.0.0")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("moduleId: Bad\nversion: one\n"), 0o600))
	code, out, stderr := run(t, "validate", manifestFile, bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAIL "+bad)
	assert.Contains(t, stderr, "1 of 2 manifests invalid")
}

func TestValidateRequiresArgs(t *testing.T) {
	code, _, _ := run(t, "validate")
	assert.Equal(t, 2, code)
}

func TestReplayIsDeterministic(t *testing.T) {
	code, out, stderr := run(t, "replay", "--scenario", scenarioFile)
	require.Equal(t, 0, code, stderr)
	assert.True(t, strings.HasPrefix(out, "deterministic accrual-basic sha256:"), out)
}

func TestRunWritesReportAndMetrics(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	metrics := filepath.Join(dir, "metrics.prom")

	code, out, stderr := run(t, "run", "--config", cfgPath, "--scenario", scenarioFile, "--metrics", metrics)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, `"name": "accrual-basic"`)
	assert.Contains(t, out, `"running": [`)

	text, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(text), "esta_messages_delivered_total 3")
	assert.Contains(t, string(text), "esta_loader_running_modules 1")

	code, out, stderr = run(t, "audit", "verify", "--db", filepath.Join(dir, "audit.db"))
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "verified ")
}

func TestRunRequiresScenario(t *testing.T) {
	code, _, stderr := run(t, "run")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "scenario")
}

func TestServeRejectsNonPositiveTick(t *testing.T) {
	for _, tick := range []string{"0", "-1s"} {
		code, _, stderr := run(t, "serve", "--tick="+tick)
		assert.Equal(t, 2, code, tick)
		assert.Contains(t, stderr, "--tick must be positive")
	}
}

func TestAuditVerify(t *testing.T) {
	code, _, _ := run(t, "audit", "verify")
	assert.Equal(t, 2, code)

	log := filepath.Join(t.TempDir(), "trail.jsonl")
	require.NoError(t, os.WriteFile(log, nil, 0o600))
	code, out, _ := run(t, "audit", "verify", "--log", log)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "verified 0 entries, head genesis")

	require.NoError(t, os.WriteFile(log, []byte(`{"seq":1,"at":0,"kind":"x","subject":"y","prev":"nope","hash":"h"}`+"\n"), 0o600))
	code, _, stderr := run(t, "audit", "verify", "--log", log)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "audit chain")
}

func TestToken(t *testing.T) {
	t.Setenv("ESTA_JWT_SECRET", "")
	code, _, stderr := run(t, "token", "--tenant", "acme")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "ESTA_JWT_SECRET")

	t.Setenv("ESTA_JWT_SECRET", "s3cret")
	code, out, _ := run(t, "token", "--tenant", "acme", "--roles", "admin,payroll")
	require.Equal(t, 0, code)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}

func TestUnknownCommand(t *testing.T) {
	code, _, _ := run(t, "launch")
	assert.Equal(t, 2, code)
}
