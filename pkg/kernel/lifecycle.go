package kernel

import (
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/capability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

func (k Kernel) module(moduleID, op string) (loader.LoadedModule, error) {
	rec, ok := k.loader.Module(moduleID)
	if !ok {
		return rec, kerr.New(kerr.ModuleUnavailable, op, "module %s not loaded", moduleID)
	}
	return rec, nil
}

// teardown moves rec to state to and releases its pid: the process is
// terminated, its routes removed, its mailbox dropped and its capabilities
// revoked.
func (k Kernel) teardown(rec loader.LoadedModule, to loader.ModuleState, reason string, now int64) (Kernel, []Event) {
	id, pid := rec.Manifest.ModuleID, rec.PID
	var events []Event
	if cur, ok := k.loader.Module(id); ok && cur.State != to {
		ls, err := k.loader.Transition(id, to, reason, now)
		if err == nil {
			k.loader = ls
			events = append(events, stateEvent(id, pid, cur.State, to, reason, now))
		}
	}
	k.sched, _ = k.sched.Terminate(pid)
	k.router = k.router.RemoveRoutesFor(pid)
	var dropped int
	rt, box := k.router.Drop(pid)
	k.router, dropped = rt, len(box)
	if dropped > 0 {
		k.msgs.Dropped += uint64(dropped)
		events = append(events, Event{Kind: EventMessageDropped, At: now, ModuleID: id, PID: pid, Data: map[string]any{"count": dropped}})
	}
	var revoked []string
	k.caps, revoked = k.caps.RevokeOwner(pid)
	if len(revoked) > 0 {
		events = append(events, Event{Kind: EventCapabilityRevoked, At: now, ModuleID: id, PID: pid, Data: map[string]any{"ids": revoked}})
	}
	return k, events
}

func stateEvent(id string, pid proc.PID, from, to loader.ModuleState, reason string, now int64) Event {
	ev := Event{Kind: EventModuleState, At: now, ModuleID: id, PID: pid, Data: map[string]any{"from": string(from), "to": string(to)}}
	if reason != "" {
		ev.Data["reason"] = reason
	}
	return ev
}

// Unload terminates a Running, Suspended or Failed module and releases
// everything it held.
func (k Kernel) Unload(moduleID, reason string, now int64) (Kernel, []Event, error) {
	const op = "kernel.Unload"
	rec, err := k.module(moduleID, op)
	if err != nil {
		return k, nil, err
	}
	if !loader.CanTransition(rec.State, loader.Terminated) {
		return k, nil, kerr.New(kerr.InvalidTransition, op, "%s is %s", moduleID, rec.State)
	}
	k, events := k.teardown(rec, loader.Terminated, reason, now)
	return k, events, nil
}

// Fail marks a live module Failed and releases its resources, e.g. after
// the host detects a resource limit breach.
func (k Kernel) Fail(moduleID, reason string, now int64) (Kernel, []Event, error) {
	const op = "kernel.Fail"
	rec, err := k.module(moduleID, op)
	if err != nil {
		return k, nil, err
	}
	if !rec.State.Live() {
		return k, nil, kerr.New(kerr.InvalidTransition, op, "%s is %s", moduleID, rec.State)
	}
	k, events := k.teardown(rec, loader.Failed, reason, now)
	return k, events, nil
}

// Suspend parks a Running module. Its mailbox is kept and it is not
// scheduled until Resume.
func (k Kernel) Suspend(moduleID, reason string, now int64) (Kernel, []Event, error) {
	rec, err := k.module(moduleID, "kernel.Suspend")
	if err != nil {
		return k, nil, err
	}
	ls, err := k.loader.Suspend(moduleID, reason, now)
	if err != nil {
		return k, nil, err
	}
	sched, err := k.sched.Block(rec.PID)
	if err != nil {
		return k, nil, err
	}
	k.loader, k.sched = ls, sched
	return k, []Event{stateEvent(moduleID, rec.PID, rec.State, loader.Suspended, reason, now)}, nil
}

func (k Kernel) Resume(moduleID, reason string, now int64) (Kernel, []Event, error) {
	rec, err := k.module(moduleID, "kernel.Resume")
	if err != nil {
		return k, nil, err
	}
	ls, err := k.loader.Resume(moduleID, reason, now)
	if err != nil {
		return k, nil, err
	}
	sched, err := k.sched.Unblock(rec.PID)
	if err != nil {
		return k, nil, err
	}
	k.loader, k.sched = ls, sched
	return k, []Event{stateEvent(moduleID, rec.PID, rec.State, loader.Running, reason, now)}, nil
}

// TimeoutResult reports how a timeout was handled.
type TimeoutResult struct {
	Action  loader.TimeoutAction `json:"action"`
	Drained []Delivery           `json:"drained,omitempty"`
}

// Timeout applies the graded response to an unresponsive module. Soft
// timeouts change nothing. Firm timeouts suspend the module, let it finish
// its queued messages and then terminate it. Hard timeouts fail it at once
// and drop its mailbox.
func (k Kernel) Timeout(moduleID string, kind loader.TimeoutKind, now int64) (Kernel, TimeoutResult, []Event, error) {
	rec, err := k.module(moduleID, "kernel.Timeout")
	if err != nil {
		return k, TimeoutResult{}, nil, err
	}
	ls, action, err := k.loader.HandleTimeout(moduleID, kind, now)
	if err != nil {
		return k, TimeoutResult{}, nil, err
	}
	res := TimeoutResult{Action: action}
	events := []Event{{Kind: EventModuleTimeout, At: now, ModuleID: moduleID, PID: rec.PID, Data: map[string]any{"kind": string(kind), "action": string(action)}}}

	switch action {
	case loader.ActionDrain:
		if rec.State != loader.Suspended {
			events = append(events, stateEvent(moduleID, rec.PID, rec.State, loader.Suspended, string(kind)+" timeout", now))
		}
		k.loader = ls
		k.sched, _ = k.sched.Block(rec.PID)
		for {
			rt, q, ok := k.router.Dequeue(rec.PID)
			if !ok {
				break
			}
			k.router = rt
			var (
				d   Delivery
				evs []Event
			)
			k, d, evs = k.deliver(rec.PID, q, 0, true, now)
			res.Drained = append(res.Drained, d)
			events = append(events, evs...)
		}
		if cur, _ := k.loader.Module(moduleID); cur.State == loader.Suspended {
			var evs []Event
			k, evs = k.teardown(cur, loader.Terminated, "drained", now)
			events = append(events, evs...)
		}
	case loader.ActionKill:
		var evs []Event
		k, evs = k.teardown(rec, loader.Failed, string(kind)+" timeout", now)
		events = append(events, evs...)
	}
	return k, res, events, nil
}

// Revoke removes a capability and its delegation subtree.
func (k Kernel) Revoke(id string, now int64) (Kernel, []string, []Event, error) {
	caps, ids, err := k.caps.Revoke(id)
	if err != nil {
		return k, nil, nil, err
	}
	k.caps = caps
	return k, ids, []Event{{Kind: EventCapabilityRevoked, At: now, Data: map[string]any{"ids": ids}}}, nil
}

// Delegate issues an attenuated child capability.
func (k Kernel) Delegate(req capability.DelegateRequest, now int64) (Kernel, capability.Capability, []Event, error) {
	if _, ok := k.sched.Process(req.To); !ok && req.To != proc.Host {
		return k, capability.Capability{}, nil, kerr.New(kerr.UnknownPID, "kernel.Delegate", "pid %d", req.To)
	}
	caps, c, err := k.caps.Delegate(req, now)
	if err != nil {
		return k, c, nil, err
	}
	k.caps = caps
	return k, c, []Event{{
		Kind: EventCapabilityDelegate,
		At:   now,
		PID:  req.To,
		Data: map[string]any{"id": c.ID, "parent": c.Parent, "rights": c.Rights.String(), "from": uint64(req.Requester)},
	}}, nil
}

// ExpireCapabilities sweeps capabilities whose validity ended by now.
func (k Kernel) ExpireCapabilities(now int64) (Kernel, []string, []Event) {
	caps, ids := k.caps.Expire(now)
	k.caps = caps
	if len(ids) == 0 {
		return k, nil, nil
	}
	return k, ids, []Event{{Kind: EventCapabilityExpired, At: now, Data: map[string]any{"ids": ids}}}
}
