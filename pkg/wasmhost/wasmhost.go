// Package wasmhost runs WASM modules as kernel handlers on wazero. Each
// message instantiates a fresh module with the request envelope on stdin
// and reads the result from stdout, so no state survives between calls.
// No filesystem, environment, clock or randomness is wired in.
package wasmhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

const pageSize = 64 * 1024

// Module is a compiled module bound to its manifest. It implements
// loader.Handler and loader.Coster.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	timeout  time.Duration
	instance loader.WasmInstance
	checksum string
}

// Compile verifies bin against m's checksum and compiles it under m's
// memory limit.
func Compile(ctx context.Context, m manifest.Manifest, bin []byte) (*Module, error) {
	const op = "wasmhost.Compile"
	if err := m.VerifyChecksum(bin); err != nil {
		return nil, err
	}
	limits := m.Limits()
	pages := uint32(max(limits.MaxMemoryBytes/pageSize, 1))

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, kerr.New(kerr.ModuleUnavailable, op, "wasi: %v", err)
	}
	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		_ = r.Close(ctx)
		return nil, kerr.New(kerr.ManifestInvalid, op, "%s: compile: %v", m.ModuleID, err)
	}

	var mem int64
	for _, d := range compiled.ExportedMemories() {
		mem += int64(d.Min()) * pageSize
	}
	entry := m.EntryPoint
	if entry == "" || entry == m.ModuleID {
		entry = "_start"
	}
	return &Module{
		runtime:  r,
		compiled: compiled,
		config:   wazero.NewModuleConfig().WithName("").WithStartFunctions(entry),
		timeout:  time.Duration(limits.MaxExecutionMs) * time.Millisecond,
		checksum: manifest.Checksum(bin),
		instance: loader.WasmInstance{
			InstanceID:      m.ModuleID + "@" + strings.TrimPrefix(manifest.Checksum(bin), "sha256:")[:12],
			MemoryUsedBytes: mem,
		},
	}, nil
}

// Instance describes the compiled image for the loader's limit checks.
func (w *Module) Instance() loader.WasmInstance { return w.instance }

// Checksum is the "sha256:<hex>" digest of the compiled binary.
func (w *Module) Checksum() string { return w.checksum }

// Handle runs one request. A module that exits non-zero, writes to stderr,
// overruns its execution limit or prints something other than JSON fails
// the request.
func (w *Module) Handle(env envelope.Envelope) (json.RawMessage, error) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	in, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cfg := w.config.WithStdin(bytes.NewReader(in)).WithStdout(&stdout).WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	var exit *sys.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exit) && exit.ExitCode() == 0:
	case ctx.Err() != nil:
		return nil, kerr.New(kerr.ResourceLimitExceeded, "wasmhost.Handle", "execution exceeded %s", w.timeout)
	default:
		return nil, fmt.Errorf("wasmhost: %w", err)
	}
	if stderr.Len() > 0 {
		return nil, fmt.Errorf("wasmhost: stderr: %s", strings.TrimSpace(stderr.String()))
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 && !json.Valid(out) {
		return nil, fmt.Errorf("wasmhost: output is not JSON")
	}
	return out, nil
}

// Cost charges one simulated millisecond per started KiB of payload, so
// the scheduler sees the same cost on every replay.
func (w *Module) Cost(env envelope.Envelope) int64 {
	return 1 + int64(len(env.Payload))/1024
}

func (w *Module) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
