// Package kernel is the composition root of the capability kernel. A Kernel
// value owns the scheduler, router, capability engine and loader states and
// the pid counter; every operation takes the current value and returns the
// next one, with a result and the audit events it produced.
//
// Nothing in this package reads the clock or a random source. Time enters
// only through the explicit now/At arguments.
package kernel

import (
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/capability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/router"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/scheduler"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

// Config configures a kernel instance.
type Config struct {
	Scheduler scheduler.Config `json:"scheduler"`
	Loader    loader.Config    `json:"loader"`
	// MessageCostMs is charged per delivered message to handlers that do
	// not report their own cost.
	MessageCostMs int64 `json:"message_cost_ms"`
}

func DefaultConfig() Config {
	return Config{
		Scheduler:     scheduler.DefaultConfig(),
		Loader:        loader.DefaultConfig(),
		MessageCostMs: 1,
	}
}

// MessageStats count message outcomes at the kernel level.
type MessageStats struct {
	Delivered     uint64 `json:"delivered"`
	Rejected      uint64 `json:"rejected"`
	HandlerErrors uint64 `json:"handler_errors"`
	Posted        uint64 `json:"posted"`
	Dropped       uint64 `json:"dropped"`
}

// Stats aggregates every component's counters.
type Stats struct {
	Scheduler    scheduler.Stats  `json:"scheduler"`
	Router       router.Stats     `json:"router"`
	Capabilities capability.Stats `json:"capabilities"`
	Loader       loader.Stats     `json:"loader"`
	Messages     MessageStats     `json:"messages"`
	NextPID      proc.PID         `json:"next_pid"`
}

// Kernel is the kernel state value.
type Kernel struct {
	costMs  int64
	sched   scheduler.State
	router  router.State
	caps    capability.State
	loader  loader.State
	nextPID proc.PID
	msgs    MessageStats
}

// New returns an empty kernel. The first module gets pid 1.
func New(cfg Config) Kernel {
	if cfg.MessageCostMs < 0 {
		cfg.MessageCostMs = 0
	}
	return Kernel{
		costMs:  cfg.MessageCostMs,
		sched:   scheduler.New(cfg.Scheduler),
		router:  router.New(),
		caps:    capability.New(),
		loader:  loader.New(cfg.Loader),
		nextPID: 1,
	}
}

func (k Kernel) Scheduler() scheduler.State     { return k.sched }
func (k Kernel) Router() router.State           { return k.router }
func (k Kernel) Capabilities() capability.State { return k.caps }
func (k Kernel) Loader() loader.State           { return k.loader }

// WithAdmitter swaps the loader's admission check.
func (k Kernel) WithAdmitter(a loader.Admitter) Kernel {
	k.loader = k.loader.WithAdmitter(a)
	return k
}

func (k Kernel) Stats() Stats {
	return Stats{
		Scheduler:    k.sched.Stats(),
		Router:       k.router.Stats(),
		Capabilities: k.caps.Stats(),
		Loader:       k.loader.Stats(),
		Messages:     k.msgs,
		NextPID:      k.nextPID,
	}
}

// RunningModules lists Running modules ordered by moduleId.
func (k Kernel) RunningModules() []loader.LoadedModule {
	return k.loader.ListRunningModules()
}

// LoadRequest asks the kernel to load one module.
type LoadRequest struct {
	Manifest manifest.Manifest
	Handler  loader.Handler
	Instance loader.WasmInstance
}

// Load provisions a module: it allocates a pid, registers the process and
// a route per subscribed channel, then lets the loader grant capabilities
// and mark the module Running. If any step fails the returned kernel keeps
// only the advanced pid counter and the failure counters.
func (k Kernel) Load(req LoadRequest, now int64) (Kernel, loader.LoadResult, []Event) {
	pid := k.nextPID
	k.nextPID++
	m := req.Manifest

	reject := func(err error) (Kernel, loader.LoadResult, []Event) {
		var res loader.LoadResult
		k.loader, res = k.loader.Reject(m, pid, kerr.From(err, kerr.ManifestInvalid, "kernel.Load"), now)
		return k, res, []Event{loadFailed(res, now)}
	}

	if err := m.Validate(); err != nil {
		return reject(err)
	}
	sched, err := k.sched.AddProcess(pid, m.Priority)
	if err != nil {
		return reject(err)
	}
	rt := k.router
	for _, p := range m.Subscriptions() {
		if rt, err = rt.RegisterRoute(p, pid, m.Priority); err != nil {
			return reject(err)
		}
	}
	ls, caps, res := k.loader.CompleteLoad(k.caps, loader.LoadRequest{
		Manifest: m,
		PID:      pid,
		Instance: req.Instance,
		Handler:  req.Handler,
	}, now)
	k.loader = ls
	if !res.Success {
		return k, res, []Event{loadFailed(res, now)}
	}
	k.sched, k.router, k.caps = sched, rt, caps
	return k, res, []Event{{
		Kind:     EventModuleLoaded,
		At:       now,
		ModuleID: res.ModuleID,
		PID:      pid,
		Data: map[string]any{
			"version":  m.Version,
			"priority": m.Priority.String(),
			"granted":  len(res.Granted),
			"skipped":  res.Skipped,
			"routes":   m.Subscriptions(),
		},
	}}
}

func loadFailed(res loader.LoadResult, now int64) Event {
	ev := Event{Kind: EventModuleLoadFailed, At: now, ModuleID: res.ModuleID, PID: res.PID}
	if res.Error != nil {
		ev.Code = res.Error.Code
		ev.Data = map[string]any{"detail": res.Error.Detail}
	}
	return ev
}
