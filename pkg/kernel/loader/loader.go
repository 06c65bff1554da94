// Package loader drives module lifecycles: it validates manifests against
// kernel ceilings, provisions capabilities all-or-nothing, and keeps the
// loaded-module records and the moduleId -> handler dispatch table.
package loader

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/capability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

// Issuer is the principal recorded on capabilities the loader grants.
const Issuer = "kernel"

// WasmInstance describes the instantiated module image.
type WasmInstance struct {
	InstanceID      string `json:"instance_id"`
	MemoryUsedBytes int64  `json:"memory_used_bytes"`
	TableEntries    int64  `json:"table_entries"`
}

// LoadedModule is the loader's record of one module lifecycle.
type LoadedModule struct {
	Manifest     manifest.Manifest `json:"manifest"`
	PID          proc.PID          `json:"pid"`
	Instance     WasmInstance      `json:"instance"`
	State        ModuleState       `json:"state"`
	Capabilities []string          `json:"capabilities"`
	LoadedAt     int64             `json:"loaded_at"`
	History      []Transition      `json:"history"`
}

// Admitter is an extra admission check run during validation.
type Admitter interface {
	Admit(m manifest.Manifest) error
}

// Config holds the kernel-side limits the loader enforces.
type Config struct {
	// Ceilings bound every manifest's resource limits.
	Ceilings manifest.ResourceLimits `json:"ceilings"`
	// Grantable caps the rights the kernel will grant per resource type.
	// A nil map grants anything; a type missing from a non-nil map grants
	// nothing.
	Grantable map[capability.ResourceType]capability.Rights `json:"grantable,omitempty"`
	// GrantTTLMs limits granted capabilities' lifetime; zero never expires.
	GrantTTLMs int64 `json:"grant_ttl_ms,omitempty"`
	// Admitter, when set, may veto a manifest.
	Admitter Admitter `json:"-"`
}

// DefaultConfig uses the default ceilings and grants without restriction.
func DefaultConfig() Config {
	return Config{Ceilings: manifest.DefaultCeilings()}
}

func (c Config) grantable(rt capability.ResourceType, r capability.Rights) bool {
	if c.Grantable == nil {
		return true
	}
	return c.Grantable[rt].Has(r)
}

type Stats struct {
	LoadsAttempted uint64 `json:"loads_attempted"`
	LoadsSucceeded uint64 `json:"loads_succeeded"`
	LoadsFailed    uint64 `json:"loads_failed"`
	RunningModules int    `json:"running_modules"`
}

// State is the loader state value.
type State struct {
	cfg      Config
	modules  map[string]LoadedModule
	byPID    map[proc.PID]string
	handlers map[string]Handler
	stats    Stats
}

// New returns an empty loader.
func New(cfg Config) State {
	if cfg.Ceilings == (manifest.ResourceLimits{}) {
		cfg.Ceilings = manifest.DefaultCeilings()
	}
	return State{cfg: cfg}
}

func (s State) Config() Config { return s.cfg }

func (s State) with() State {
	s.modules = maps.Clone(s.modules)
	s.byPID = maps.Clone(s.byPID)
	s.handlers = maps.Clone(s.handlers)
	if s.modules == nil {
		s.modules = make(map[string]LoadedModule)
	}
	if s.byPID == nil {
		s.byPID = make(map[proc.PID]string)
	}
	if s.handlers == nil {
		s.handlers = make(map[string]Handler)
	}
	return s
}

// LoadRequest is the input to CompleteLoad.
type LoadRequest struct {
	Manifest manifest.Manifest
	PID      proc.PID
	Instance WasmInstance
	Handler  Handler
}

// LoadResult reports a load attempt. Skipped lists optional capabilities
// that were not granted.
type LoadResult struct {
	Success  bool         `json:"success"`
	ModuleID string       `json:"module_id"`
	PID      proc.PID     `json:"pid"`
	State    ModuleState  `json:"state"`
	Error    *kerr.Error  `json:"error,omitempty"`
	Granted  []string     `json:"granted,omitempty"`
	Skipped  []string     `json:"skipped,omitempty"`
	History  []Transition `json:"history"`
}

type attempt struct {
	res LoadResult
	cur ModuleState
	now int64
}

func (a *attempt) step(to ModuleState, reason string) {
	a.res.History = append(a.res.History, Transition{From: a.cur, To: to, At: a.now, Reason: reason})
	a.cur = to
	a.res.State = to
}

func (a *attempt) fail(err *kerr.Error) LoadResult {
	a.step(Failed, string(err.Code))
	a.res.Error = err
	a.res.Granted = nil
	return a.res
}

// CompleteLoad validates req.Manifest, grants its capabilities and, only if
// every required grant succeeds, records the module as Running. On failure
// the returned engine state is es unchanged and no module record is kept.
func (s State) CompleteLoad(es capability.State, req LoadRequest, now int64) (State, capability.State, LoadResult) {
	m := req.Manifest.Clone()
	a := &attempt{res: LoadResult{ModuleID: m.ModuleID, PID: req.PID}, cur: Unloaded, now: now}
	s.stats.LoadsAttempted++

	a.step(Validating, "")
	if err := s.validate(m, req); err != nil {
		s.stats.LoadsFailed++
		return s, es, a.fail(err)
	}

	work := es
	expires := int64(0)
	if s.cfg.GrantTTLMs > 0 {
		expires = now + s.cfg.GrantTTLMs
	}
	grant := func(rt capability.ResourceType, path string, rights capability.Rights) {
		var c capability.Capability
		work, c = work.CreateCapability(
			capability.Resource{Type: rt, Path: path},
			rights, req.PID, Issuer,
			capability.Validity{IssuedAt: now, ExpiresAt: expires},
			capability.Flags{Revocable: true, Delegable: rights.Has(capability.Delegate)},
		)
		a.res.Granted = append(a.res.Granted, c.ID)
	}
	for i, rc := range m.RequiredCapabilities {
		rights, err := capability.ParseRights(rc.Rights)
		if err != nil {
			s.stats.LoadsFailed++
			return s, es, a.fail(kerr.New(kerr.ManifestInvalid, "loader.CompleteLoad", "requiredCapabilities[%d]: %v", i, err))
		}
		rt := capability.ResourceType(rc.ResourceType)
		if !s.cfg.grantable(rt, rights) {
			res := capability.Resource{Type: rt, Path: rc.ResourcePattern}
			if rc.Optional {
				a.res.Skipped = append(a.res.Skipped, res.String())
				continue
			}
			s.stats.LoadsFailed++
			return s, es, a.fail(kerr.New(kerr.RequiredCapabilityMissing, "loader.CompleteLoad", "%s %s not grantable", res, rights))
		}
		grant(rt, rc.ResourcePattern, rights)
	}
	for _, ch := range m.AllowedChannels {
		var rights capability.Rights
		if ch.Subscribe {
			rights |= capability.Read
		}
		if ch.Publish {
			rights |= capability.Write
		}
		if !s.cfg.grantable(capability.Channel, rights) {
			s.stats.LoadsFailed++
			return s, es, a.fail(kerr.New(kerr.RequiredCapabilityMissing, "loader.CompleteLoad", "channel:%s %s not grantable", ch.Pattern, rights))
		}
		grant(capability.Channel, ch.Pattern, rights)
	}
	a.step(CapabilitiesGranted, "")
	a.step(Instantiated, req.Instance.InstanceID)
	a.step(Running, "")
	a.res.Success = true

	s = s.with()
	if prev, ok := s.modules[m.ModuleID]; ok {
		delete(s.byPID, prev.PID)
	}
	s.modules[m.ModuleID] = LoadedModule{
		Manifest:     m,
		PID:          req.PID,
		Instance:     req.Instance,
		State:        Running,
		Capabilities: slices.Clone(a.res.Granted),
		LoadedAt:     now,
		History:      slices.Clone(a.res.History),
	}
	s.byPID[req.PID] = m.ModuleID
	s.handlers[m.ModuleID] = req.Handler
	s.stats.LoadsSucceeded++
	return s, work, a.res
}

func (s State) validate(m manifest.Manifest, req LoadRequest) *kerr.Error {
	const op = "loader.Validate"
	if err := m.Validate(); err != nil {
		return kerr.From(err, kerr.ManifestInvalid, op)
	}
	if req.Handler == nil {
		return kerr.New(kerr.ManifestInvalid, op, "%s: no handler bound for entry point %q", m.ModuleID, m.EntryPoint)
	}
	if s.cfg.Admitter != nil {
		if err := s.cfg.Admitter.Admit(m); err != nil {
			return kerr.From(err, kerr.ManifestInvalid, op)
		}
	}
	limits := m.Limits()
	if err := limits.Within(s.cfg.Ceilings); err != nil {
		return kerr.From(err, kerr.ResourceLimitExceeded, op)
	}
	if req.Instance.MemoryUsedBytes > limits.MaxMemoryBytes {
		return kerr.New(kerr.ResourceLimitExceeded, op, "%s: instance uses %d bytes, limit %d", m.ModuleID, req.Instance.MemoryUsedBytes, limits.MaxMemoryBytes)
	}
	if req.Instance.TableEntries > limits.MaxTableEntries {
		return kerr.New(kerr.ResourceLimitExceeded, op, "%s: instance has %d table entries, limit %d", m.ModuleID, req.Instance.TableEntries, limits.MaxTableEntries)
	}
	if prev, ok := s.modules[m.ModuleID]; ok && prev.State.Live() {
		return kerr.New(kerr.ManifestInvalid, op, "%s is already %s as pid %d", m.ModuleID, prev.State, prev.PID)
	}
	for _, d := range m.Dependencies {
		dep, err := manifest.ParseDependency(d)
		if err != nil {
			return kerr.New(kerr.ManifestInvalid, op, "%v", err)
		}
		have, ok := s.modules[dep.ModuleID]
		if !ok || have.State != Running {
			return kerr.New(kerr.ManifestInvalid, op, "%s: dependency %s is not running", m.ModuleID, dep)
		}
		okVer, err := dep.SatisfiedBy(have.Manifest.Version)
		if err != nil {
			return kerr.New(kerr.ManifestInvalid, op, "%v", err)
		}
		if !okVer {
			return kerr.New(kerr.ManifestInvalid, op, "%s: dependency %s not met by %s", m.ModuleID, dep, have.Manifest.Version)
		}
	}
	return nil
}

// Transition moves moduleID to state to, recording reason.
func (s State) Transition(moduleID string, to ModuleState, reason string, now int64) (State, error) {
	const op = "loader.Transition"
	rec, ok := s.modules[moduleID]
	if !ok {
		return s, kerr.New(kerr.ModuleUnavailable, op, "module %s not loaded", moduleID)
	}
	if !CanTransition(rec.State, to) {
		return s, kerr.New(kerr.InvalidTransition, op, "%s: %s -> %s", moduleID, rec.State, to)
	}
	rec.History = append(slices.Clip(rec.History), Transition{From: rec.State, To: to, At: now, Reason: reason})
	rec.State = to
	s = s.with()
	s.modules[moduleID] = rec
	return s, nil
}

func (s State) Suspend(moduleID, reason string, now int64) (State, error) {
	return s.Transition(moduleID, Suspended, reason, now)
}

func (s State) Resume(moduleID, reason string, now int64) (State, error) {
	return s.Transition(moduleID, Running, reason, now)
}

func (s State) Fail(moduleID, reason string, now int64) (State, error) {
	return s.Transition(moduleID, Failed, reason, now)
}

func (s State) Terminate(moduleID, reason string, now int64) (State, error) {
	return s.Transition(moduleID, Terminated, reason, now)
}

// HandleTimeout applies the response for an unresponsive module: a soft
// timeout changes nothing, a firm one suspends the module so the kernel can
// drain it, and a hard one fails it outright.
func (s State) HandleTimeout(moduleID string, kind TimeoutKind, now int64) (State, TimeoutAction, error) {
	const op = "loader.HandleTimeout"
	rec, ok := s.modules[moduleID]
	if !ok {
		return s, "", kerr.New(kerr.ModuleUnavailable, op, "module %s not loaded", moduleID)
	}
	reason := string(kind) + " timeout"
	switch kind {
	case SoftTimeout:
		if !rec.State.Live() {
			return s, "", kerr.New(kerr.InvalidTransition, op, "%s is %s", moduleID, rec.State)
		}
		return s, ActionRetry, nil
	case FirmTimeout:
		if rec.State == Suspended {
			return s, ActionDrain, nil
		}
		s, err := s.Suspend(moduleID, reason, now)
		return s, ActionDrain, err
	case HardTimeout:
		s, err := s.Fail(moduleID, reason, now)
		return s, ActionKill, err
	}
	return s, "", kerr.New(kerr.InvalidTransition, op, "unknown timeout kind %q", kind)
}

// Module returns the record for moduleID.
func (s State) Module(moduleID string) (LoadedModule, bool) {
	m, ok := s.modules[moduleID]
	return m, ok
}

// ModuleByPID returns the record currently bound to pid.
func (s State) ModuleByPID(pid proc.PID) (LoadedModule, bool) {
	id, ok := s.byPID[pid]
	if !ok {
		return LoadedModule{}, false
	}
	return s.modules[id], true
}

// HandlerFor resolves pid to its module's handler.
func (s State) HandlerFor(pid proc.PID) (Handler, bool) {
	id, ok := s.byPID[pid]
	if !ok {
		return nil, false
	}
	h, ok := s.handlers[id]
	return h, ok && h != nil
}

// Bind attaches handler to an existing record, e.g. after restoring a
// snapshot, which never carries handlers.
func (s State) Bind(moduleID string, h Handler) (State, error) {
	if _, ok := s.modules[moduleID]; !ok {
		return s, kerr.New(kerr.ModuleUnavailable, "loader.Bind", "module %s not loaded", moduleID)
	}
	s = s.with()
	s.handlers[moduleID] = h
	return s, nil
}

// ListRunningModules returns Running records ordered by moduleId.
func (s State) ListRunningModules() []LoadedModule {
	var out []LoadedModule
	for _, m := range s.Modules() {
		if m.State == Running {
			out = append(out, m)
		}
	}
	return out
}

// Modules returns every record ordered by moduleId.
func (s State) Modules() []LoadedModule {
	out := slices.Collect(maps.Values(s.modules))
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ModuleID < out[j].Manifest.ModuleID })
	return out
}

func (s State) Stats() Stats {
	st := s.stats
	for _, m := range s.modules {
		if m.State == Running {
			st.RunningModules++
		}
	}
	return st
}

type stateJSON struct {
	Config  Config         `json:"config"`
	Modules []LoadedModule `json:"modules"`
	Stats   Stats          `json:"stats"`
}

func (s State) MarshalJSON() ([]byte, error) {
	mods := s.Modules()
	if mods == nil {
		mods = []LoadedModule{}
	}
	return json.Marshal(stateJSON{Config: s.cfg, Modules: mods, Stats: s.stats})
}

// UnmarshalJSON restores records without handlers; use Bind to reattach
// them. The admitter is not serialised either.
func (s *State) UnmarshalJSON(b []byte) error {
	var w stateJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := State{cfg: w.Config, stats: w.Stats}.with()
	for _, m := range w.Modules {
		out.modules[m.Manifest.ModuleID] = m
		out.byPID[m.PID] = m.Manifest.ModuleID
	}
	*s = out
	return nil
}

// WithAdmitter returns s with the admission check replaced.
func (s State) WithAdmitter(a Admitter) State {
	s.cfg.Admitter = a
	return s
}

// Reject records a load attempt that failed before CompleteLoad ran, for
// example because the pid or a route could not be registered.
func (s State) Reject(m manifest.Manifest, pid proc.PID, err *kerr.Error, now int64) (State, LoadResult) {
	a := &attempt{res: LoadResult{ModuleID: m.ModuleID, PID: pid}, cur: Unloaded, now: now}
	s.stats.LoadsAttempted++
	s.stats.LoadsFailed++
	a.step(Validating, "")
	return s, a.fail(err)
}
