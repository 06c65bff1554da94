// Package host embeds the kernel in a running process. The kernel itself
// is a pure value; Host owns the current value behind a mutex and adds the
// effects around it: handler resolution, audit, telemetry, per-tenant
// rate limits, supervision and snapshots.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/artifacts"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/audit"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/observability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/snapshot"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/supervisor"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/wasmhost"
)

// Audit kinds the host adds next to kernel events.
const (
	EventSupervisorRestart  = "supervisor.restart"
	EventSupervisorStop     = "supervisor.stop"
	EventSupervisorEscalate = "supervisor.escalate"
	EventSnapshotSaved      = "snapshot.saved"
	EventSnapshotRestored   = "snapshot.restored"
)

// ErrNoSnapshotStore is returned by Snapshot and Restore when no store is
// configured.
var ErrNoSnapshotStore = errors.New("host: no snapshot store configured")

// Options configures a Host. Nil fields fall back to defaults or disable
// the feature.
type Options struct {
	Kernel    kernel.Config
	Registry  *Registry
	Artifacts artifacts.Store
	Admitter  loader.Admitter
	Trail     *audit.Trail
	Snapshots snapshot.Store
	Telemetry *observability.Provider
	RateLimit RateLimit
	// Supervision picks the restart policy per module; nil uses
	// supervisor.DefaultSpec for every module.
	Supervision func(m manifest.Manifest) supervisor.Spec
	// JWTSecret verifies bearer tokens handed to Authenticate. Tokens are
	// signed with the key envelope.DeriveKey derives from it.
	JWTSecret []byte
	Logger    *slog.Logger
	// Clock stamps operations the host starts on its own, such as
	// manifests loaded by the directory watcher.
	Clock func() int64
}

// Host serialises access to one kernel value.
type Host struct {
	mu sync.Mutex
	k  kernel.Kernel

	registry  *Registry
	artifacts artifacts.Store
	admitter  loader.Admitter
	trail     *audit.Trail
	snapshots snapshot.Store
	tel       *observability.Provider
	limits    *limiter
	supervise func(manifest.Manifest) supervisor.Spec
	sup       supervisor.State
	manifests map[string]manifest.Manifest
	wasm      map[string]*wasmhost.Module
	tokenKey  []byte
	logger    *slog.Logger
	clock     func() int64
}

func New(opts Options) (*Host, error) {
	if opts.Kernel.Scheduler.QuantumMs == 0 {
		opts.Kernel = kernel.DefaultConfig()
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Trail == nil {
		opts.Trail = audit.NewTrail(audit.DefaultCapacity)
	}
	if opts.Telemetry == nil {
		tel, err := observability.NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("host: telemetry: %w", err)
		}
		opts.Telemetry = tel
	}
	if opts.Supervision == nil {
		opts.Supervision = func(m manifest.Manifest) supervisor.Spec { return supervisor.DefaultSpec(m.ModuleID) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	if err := opts.RateLimit.validate(); err != nil {
		return nil, err
	}

	var tokenKey []byte
	if len(opts.JWTSecret) > 0 {
		var err error
		if tokenKey, err = envelope.DeriveKey(opts.JWTSecret, envelope.TokenKeyPurpose); err != nil {
			return nil, fmt.Errorf("host: token key: %w", err)
		}
	}

	k := kernel.New(opts.Kernel)
	if opts.Admitter != nil {
		k = k.WithAdmitter(opts.Admitter)
	}
	return &Host{
		k:         k,
		registry:  opts.Registry,
		artifacts: opts.Artifacts,
		admitter:  opts.Admitter,
		trail:     opts.Trail,
		snapshots: opts.Snapshots,
		tel:       opts.Telemetry,
		limits:    newLimiter(opts.RateLimit),
		supervise: opts.Supervision,
		sup:       supervisor.New(),
		manifests: make(map[string]manifest.Manifest),
		wasm:      make(map[string]*wasmhost.Module),
		tokenKey:  tokenKey,
		logger:    opts.Logger.With("component", "host"),
		clock:     opts.Clock,
	}, nil
}

// Kernel returns the current kernel value.
func (h *Host) Kernel() kernel.Kernel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.k
}

func (h *Host) Stats() kernel.Stats {
	return h.Kernel().Stats()
}

func (h *Host) Digest() (string, error) {
	return h.Kernel().Digest()
}

// Trail is the audit trail events are recorded to.
func (h *Host) Trail() *audit.Trail { return h.trail }

// Supervisor returns the current supervision records.
func (h *Host) Supervisor() supervisor.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sup
}

// Load resolves m's handler and loads it. A failed load returns the
// loader's result together with its error.
func (h *Host) Load(ctx context.Context, m manifest.Manifest, now int64) (loader.LoadResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(ctx, m, now)
}

func (h *Host) load(ctx context.Context, m manifest.Manifest, now int64) (loader.LoadResult, error) {
	r, err := h.resolve(ctx, m)
	if err != nil {
		e := kerr.From(err, kerr.ManifestInvalid, "host.Load")
		h.record(ctx, []kernel.Event{{Kind: kernel.EventModuleLoadFailed, At: now, ModuleID: m.ModuleID, Code: e.Code}})
		h.tel.RecordLoad(ctx, m.ModuleID, e)
		return loader.LoadResult{ModuleID: m.ModuleID, Error: e}, e
	}

	k, res, events := h.k.Load(kernel.LoadRequest{Manifest: m, Handler: r.handler, Instance: r.instance}, now)
	h.k = k
	h.record(ctx, events)
	if !res.Success {
		h.tel.RecordLoad(ctx, m.ModuleID, res.Error)
		if r.wasm != nil && h.wasm[m.ModuleID] != r.wasm {
			_ = r.wasm.Close(ctx)
		}
		h.logger.WarnContext(ctx, "module load failed", "module", m.ModuleID, "pid", res.PID, "error", res.Error)
		return res, res.Error
	}
	h.tel.RecordLoad(ctx, m.ModuleID, nil)
	h.keepWasm(ctx, m.ModuleID, r.wasm)
	h.manifests[m.ModuleID] = m.Clone()
	if _, ok := h.sup.Child(m.ModuleID); ok {
		h.sup, _ = h.sup.Started(m.ModuleID)
	} else if h.sup, err = h.sup.Add(h.supervise(m)); err != nil {
		h.logger.WarnContext(ctx, "module not supervised", "module", m.ModuleID, "error", err)
	}
	h.logger.InfoContext(ctx, "module loaded", "module", m.ModuleID, "pid", res.PID, "granted", len(res.Granted))
	return res, nil
}

// Send delivers msg synchronously.
func (h *Host) Send(ctx context.Context, msg kernel.Message) (kernel.Delivery, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatch(ctx, "send", msg, h.k.Send)
}

// Post queues msg for Drain.
func (h *Host) Post(ctx context.Context, msg kernel.Message) (kernel.Delivery, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatch(ctx, "post", msg, h.k.Post)
}

func (h *Host) dispatch(ctx context.Context, mode string, msg kernel.Message, op func(kernel.Message) (kernel.Kernel, kernel.Delivery, []kernel.Event)) (kernel.Delivery, error) {
	ctx, done := h.tel.Dispatch(ctx, mode, msg.Envelope)
	if err := h.limits.allow(msg.Envelope.AuthContext.TenantID, msg.At); err != nil {
		d := kernel.Delivery{Channel: channelOf(msg), Error: err}
		h.record(ctx, []kernel.Event{{
			Kind: kernel.EventMessageRejected, At: msg.At, Code: err.Code,
			Data: map[string]any{"channel": d.Channel, "tenant": msg.Envelope.AuthContext.TenantID},
		}})
		done("", err)
		return d, err
	}
	k, d, events := op(msg)
	h.k = k
	h.record(ctx, events)
	h.superviseEvents(ctx, events)
	done(d.ModuleID, d.Err())
	return d, d.Err()
}

func channelOf(msg kernel.Message) string {
	if msg.Channel != "" {
		return msg.Channel
	}
	return msg.Envelope.Opcode
}

// Drain delivers queued messages until every mailbox is empty or maxSteps
// scheduler decisions have been taken.
func (h *Host) Drain(ctx context.Context, now int64, maxSteps int) []kernel.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	k, ds, events := h.k.RunUntilIdle(now, maxSteps)
	h.k = k
	h.record(ctx, events)
	for _, d := range ds {
		_, done := h.tel.Dispatch(ctx, "step", envelope.Envelope{Opcode: d.Channel})
		done(d.ModuleID, d.Err())
	}
	h.superviseEvents(ctx, events)
	return ds
}

// Unload stops supervising the module and releases it.
func (h *Host) Unload(ctx context.Context, moduleID, reason string, now int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k, events, err := h.k.Unload(moduleID, reason, now)
	if err != nil {
		return err
	}
	h.k = k
	h.record(ctx, events)
	h.sup = h.sup.Remove(moduleID)
	delete(h.manifests, moduleID)
	h.dropWasm(ctx, moduleID)
	h.logger.InfoContext(ctx, "module unloaded", "module", moduleID, "reason", reason)
	return nil
}

func (h *Host) Suspend(ctx context.Context, moduleID, reason string, now int64) error {
	return h.apply(ctx, func(k kernel.Kernel) (kernel.Kernel, []kernel.Event, error) { return k.Suspend(moduleID, reason, now) })
}

func (h *Host) Resume(ctx context.Context, moduleID, reason string, now int64) error {
	return h.apply(ctx, func(k kernel.Kernel) (kernel.Kernel, []kernel.Event, error) { return k.Resume(moduleID, reason, now) })
}

func (h *Host) apply(ctx context.Context, op func(kernel.Kernel) (kernel.Kernel, []kernel.Event, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k, events, err := op(h.k)
	if err != nil {
		return err
	}
	h.k = k
	h.record(ctx, events)
	return nil
}

// Timeout applies a graded timeout. A module terminated after a firm
// timeout is reported to the supervisor as shut down; one failed by a
// hard timeout as crashed.
func (h *Host) Timeout(ctx context.Context, moduleID string, kind loader.TimeoutKind, now int64) (kernel.TimeoutResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k, res, events, err := h.k.Timeout(moduleID, kind, now)
	if err != nil {
		return res, err
	}
	h.k = k
	h.record(ctx, events)
	h.logger.WarnContext(ctx, "module timeout", "module", moduleID, "kind", kind, "action", res.Action, "drained", len(res.Drained))
	if res.Action == loader.ActionDrain {
		if rec, ok := h.k.Loader().Module(moduleID); ok && rec.State == loader.Terminated {
			h.crash(ctx, moduleID, "shutdown", now)
		}
	}
	h.superviseEvents(ctx, events)
	return res, nil
}

// Tick sweeps expired capabilities and performs restarts that have come
// due. It returns the modules restarted.
func (h *Host) Tick(ctx context.Context, now int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	k, _, events := h.k.ExpireCapabilities(now)
	h.k = k
	h.record(ctx, events)

	var restarted []string
	for _, id := range h.sup.Due(now) {
		m, ok := h.manifests[id]
		if !ok {
			h.sup = h.sup.Remove(id)
			continue
		}
		child, _ := h.sup.Child(id)
		if _, err := h.load(ctx, m, now); err != nil {
			h.crash(ctx, id, "restart failed: "+err.Error(), now)
			continue
		}
		h.tel.RecordRestart(ctx, id, int(child.Level))
		restarted = append(restarted, id)
	}
	return restarted
}

// superviseEvents reports every module the events show failing.
func (h *Host) superviseEvents(ctx context.Context, events []kernel.Event) {
	for _, ev := range events {
		if ev.Kind != kernel.EventModuleState || ev.Data["to"] != string(loader.Failed) {
			continue
		}
		reason, _ := ev.Data["reason"].(string)
		h.crash(ctx, ev.ModuleID, reason, ev.At)
	}
}

func (h *Host) crash(ctx context.Context, moduleID, reason string, now int64) {
	sup, act, err := h.sup.ReportCrash(moduleID, reason, now)
	if err != nil {
		return
	}
	h.sup = sup
	kind := EventSupervisorRestart
	switch act.Kind {
	case supervisor.ActionStop:
		kind = EventSupervisorStop
	case supervisor.ActionEscalate:
		kind = EventSupervisorEscalate
		h.logger.ErrorContext(ctx, "module escalated", "module", moduleID, "level", act.Level.String(), "reason", reason)
	default:
		h.logger.WarnContext(ctx, "module restart scheduled", "module", moduleID, "delay_ms", act.DelayMs, "level", act.Level.String())
	}
	if _, err := h.trail.Append(ctx, kind, moduleID, "", now, act); err != nil {
		h.logger.WarnContext(ctx, "audit append", "kind", kind, "error", err)
	}
}

func (h *Host) record(ctx context.Context, events []kernel.Event) {
	for _, ev := range events {
		if _, err := h.trail.Record(ctx, ev); err != nil {
			h.logger.WarnContext(ctx, "audit record", "kind", ev.Kind, "error", err)
		}
		h.logger.DebugContext(ctx, "kernel event", "kind", ev.Kind, "module", ev.ModuleID, "pid", ev.PID, "code", ev.Code)
	}
}

// Authenticate verifies an HS256 bearer token at now and returns the auth
// context it carries.
func (h *Host) Authenticate(token string, now int64) (envelope.AuthContext, error) {
	if h.tokenKey == nil {
		return envelope.AuthContext{}, kerr.New(kerr.EnvelopeInvalid, "host.Authenticate", "no JWT secret configured")
	}
	return envelope.AuthFromToken(token, envelope.HMACKey(h.tokenKey), now)
}

// Snapshot saves the kernel under name and returns its digest.
func (h *Host) Snapshot(ctx context.Context, name string, now int64) (string, error) {
	if h.snapshots == nil {
		return "", ErrNoSnapshotStore
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	digest, err := snapshot.Save(ctx, h.snapshots, name, h.k, now)
	if err != nil {
		return "", err
	}
	if _, err := h.trail.Append(ctx, EventSnapshotSaved, "kernel", "", now, map[string]string{"name": name, "digest": digest}); err != nil {
		h.logger.WarnContext(ctx, "audit append", "kind", EventSnapshotSaved, "error", err)
	}
	return digest, nil
}

// Restore replaces the kernel with snapshot name and rebinds handlers for
// every running or suspended module. Supervision restarts from scratch.
func (h *Host) Restore(ctx context.Context, name string, now int64) error {
	if h.snapshots == nil {
		return ErrNoSnapshotStore
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	k, err := snapshot.Load(ctx, h.snapshots, name)
	if err != nil {
		return err
	}
	if h.admitter != nil {
		k = k.WithAdmitter(h.admitter)
	}

	sup := supervisor.New()
	manifests := make(map[string]manifest.Manifest)
	compiled := make(map[string]*wasmhost.Module)
	// Modules compiled here are only kept once every module has resolved.
	discard := func() {
		for id, w := range compiled {
			if h.wasm[id] == w {
				continue
			}
			if err := w.Close(ctx); err != nil {
				h.logger.WarnContext(ctx, "close wasm module", "module", id, "error", err)
			}
		}
	}
	for _, rec := range k.Loader().Modules() {
		if rec.State != loader.Running && rec.State != loader.Suspended {
			continue
		}
		m := rec.Manifest
		r, err := h.resolve(ctx, m)
		if err != nil {
			discard()
			return fmt.Errorf("host: restore %s: %w", m.ModuleID, err)
		}
		if r.wasm != nil {
			compiled[m.ModuleID] = r.wasm
		}
		if k, err = k.Bind(m.ModuleID, r.handler); err != nil {
			discard()
			return err
		}
		manifests[m.ModuleID] = m
		if sup, err = sup.Add(h.supervise(m)); err != nil {
			discard()
			return err
		}
	}
	for id := range h.wasm {
		if _, ok := compiled[id]; !ok {
			h.dropWasm(ctx, id)
		}
	}
	for id, w := range compiled {
		h.keepWasm(ctx, id, w)
	}
	h.k, h.sup, h.manifests = k, sup, manifests
	digest, _ := k.Digest()
	if _, err := h.trail.Append(ctx, EventSnapshotRestored, "kernel", "", now, map[string]string{"name": name, "digest": digest}); err != nil {
		h.logger.WarnContext(ctx, "audit append", "kind", EventSnapshotRestored, "error", err)
	}
	h.logger.InfoContext(ctx, "snapshot restored", "name", name, "modules", len(manifests))
	return nil
}

// Close releases compiled WASM modules.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.wasm {
		h.dropWasm(ctx, id)
	}
	return nil
}
