package wasmhost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

// emptyModule is the smallest valid binary: magic and version only.
var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

func wasmManifest(bin []byte) manifest.Manifest {
	return manifest.Manifest{
		ModuleID:   "accrual-wasm",
		Version:    "1.0.0",
		EntryPoint: "_start",
		ModuleType: manifest.TypeWasm,
		Checksum:   manifest.Checksum(bin),
	}
}

var (
	_ loader.Handler = (*Module)(nil)
	_ loader.Coster  = (*Module)(nil)
)

func TestEmptyModuleRuns(t *testing.T) {
	ctx := context.Background()
	m, err := Compile(ctx, wasmManifest(emptyModule), emptyModule)
	require.NoError(t, err)
	defer func() { _ = m.Close(ctx) }()

	inst := m.Instance()
	assert.Zero(t, inst.MemoryUsedBytes)
	assert.Contains(t, inst.InstanceID, "accrual-wasm@")

	env, err := envelope.New("accrual.calculate", map[string]int{"hours": 30})
	require.NoError(t, err)
	out, err := m.Handle(env)
	require.NoError(t, err)
	assert.Empty(t, out)

	// Twice, since every call gets a fresh instance.
	_, err = m.Handle(env)
	require.NoError(t, err)
}

func TestCompileRejects(t *testing.T) {
	ctx := context.Background()

	_, err := Compile(ctx, wasmManifest([]byte("other")), emptyModule)
	assert.ErrorIs(t, err, kerr.ErrChecksumMismatch)

	junk := []byte("not wasm")
	_, err = Compile(ctx, wasmManifest(junk), junk)
	assert.ErrorIs(t, err, kerr.ErrManifestInvalid)
}

func TestCostIsDeterministic(t *testing.T) {
	var m Module
	small := envelope.Envelope{Payload: []byte(`1`)}
	big := envelope.Envelope{Payload: make([]byte, 4096)}
	assert.Equal(t, int64(1), m.Cost(small))
	assert.Equal(t, int64(5), m.Cost(big))
	assert.Equal(t, m.Cost(big), m.Cost(big))
}
