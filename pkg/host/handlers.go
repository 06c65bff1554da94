package host

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/artifacts"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/modules/accrual"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/wasmhost"
)

// Factory builds the handler for a built-in module.
type Factory func(m manifest.Manifest) (loader.Handler, error)

// Registry maps built-in entry points to handler factories.
type Registry struct {
	builtins map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{builtins: make(map[string]Factory)}
}

// DefaultRegistry knows every module shipped with the kernel.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(accrual.EntryPoint, func(manifest.Manifest) (loader.Handler, error) { return accrual.Handler{}, nil })
	return r
}

// Register adds or replaces the factory for entry.
func (r *Registry) Register(entry string, f Factory) {
	r.builtins[entry] = f
}

// EntryPoints lists registered built-ins in order.
func (r *Registry) EntryPoints() []string {
	return slices.Sorted(maps.Keys(r.builtins))
}

// resolved is a handler plus what the loader should record about it.
type resolved struct {
	handler  loader.Handler
	instance loader.WasmInstance
	wasm     *wasmhost.Module
}

// resolve finds or builds the handler for m. WASM modules are fetched from
// the artifact store by checksum and compiled once per module id.
func (h *Host) resolve(ctx context.Context, m manifest.Manifest) (resolved, error) {
	const op = "host.resolve"
	switch m.ModuleType {
	case manifest.TypeBuiltin, "":
		f, ok := h.registry.builtins[m.EntryPoint]
		if !ok {
			return resolved{}, kerr.New(kerr.ManifestInvalid, op, "%s: no built-in %q", m.ModuleID, m.EntryPoint)
		}
		hd, err := f(m)
		if err != nil {
			return resolved{}, kerr.From(err, kerr.ManifestInvalid, op)
		}
		return resolved{handler: hd, instance: loader.WasmInstance{InstanceID: m.ModuleID + "@builtin"}}, nil
	case manifest.TypeWasm:
		if w, ok := h.wasm[m.ModuleID]; ok && sameBinary(w.Checksum(), m.Checksum) {
			return resolved{handler: w, instance: w.Instance(), wasm: w}, nil
		}
		if h.artifacts == nil {
			return resolved{}, kerr.New(kerr.ModuleUnavailable, op, "%s: no artifact store configured", m.ModuleID)
		}
		bin, err := artifacts.Fetch(ctx, h.artifacts, m)
		if err != nil {
			return resolved{}, kerr.From(err, kerr.ModuleUnavailable, op)
		}
		w, err := wasmhost.Compile(ctx, m, bin)
		if err != nil {
			return resolved{}, kerr.From(err, kerr.ManifestInvalid, op)
		}
		return resolved{handler: w, instance: w.Instance(), wasm: w}, nil
	}
	return resolved{}, kerr.New(kerr.ManifestInvalid, op, "%s: unknown module type %q", m.ModuleID, m.ModuleType)
}

// keepWasm records w as the compiled image for id, closing a replaced one.
func (h *Host) keepWasm(ctx context.Context, id string, w *wasmhost.Module) {
	if w == nil {
		return
	}
	if old, ok := h.wasm[id]; ok && old != w {
		if err := old.Close(ctx); err != nil {
			h.logger.WarnContext(ctx, "close wasm module", "module", id, "error", err)
		}
	}
	h.wasm[id] = w
}

func (h *Host) dropWasm(ctx context.Context, id string) {
	if w, ok := h.wasm[id]; ok {
		delete(h.wasm, id)
		if err := w.Close(ctx); err != nil {
			h.logger.WarnContext(ctx, "close wasm module", "module", id, "error", err)
		}
	}
}

func sameBinary(a, b string) bool {
	trim := func(s string) string { return strings.TrimPrefix(strings.ToLower(s), "sha256:") }
	return b != "" && trim(a) == trim(b)
}
