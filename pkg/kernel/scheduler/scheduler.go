// Package scheduler is the kernel's single-threaded cooperative scheduler.
//
// State is a value: every operation returns a new State and leaves the
// receiver untouched, so the kernel can keep or discard a transition
// without undo logic.
package scheduler

import (
	"encoding/json"
	"slices"
	"sort"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

// ProcState is the run state of a process table entry.
type ProcState string

const (
	Ready      ProcState = "ready"
	Running    ProcState = "running"
	Blocked    ProcState = "blocked"
	Terminated ProcState = "terminated"
)

// Process is one process table entry. Entries are never removed, only
// moved to Terminated.
type Process struct {
	PID               proc.PID      `json:"pid"`
	Priority          proc.Priority `json:"priority"`
	State             ProcState     `json:"state"`
	CPUTimeConsumedMs int64         `json:"cpu_time_consumed_ms"`
	SliceMs           int64         `json:"slice_ms"`
	SliceUsedMs       int64         `json:"slice_used_ms"`
}

// Config sets the time slice policy: a process at priority p receives
// QuantumMs << p, capped at MaxSliceMs.
type Config struct {
	QuantumMs  int64 `json:"quantum_ms" yaml:"quantum_ms"`
	MaxSliceMs int64 `json:"max_slice_ms" yaml:"max_slice_ms"`
}

// DefaultConfig yields slices of 10, 20, 40 and 50 ms from low to critical.
func DefaultConfig() Config {
	return Config{QuantumMs: 10, MaxSliceMs: 50}
}

// TimeSlice returns the slice granted to priority p.
func (c Config) TimeSlice(p proc.Priority) int64 {
	q := c.QuantumMs
	if q <= 0 {
		q = DefaultConfig().QuantumMs
	}
	slice := q << uint(max(int(p), 0))
	if c.MaxSliceMs > 0 && slice > c.MaxSliceMs {
		slice = c.MaxSliceMs
	}
	return slice
}

// DecisionKind distinguishes run from idle decisions.
type DecisionKind string

const (
	DecisionRun  DecisionKind = "run"
	DecisionIdle DecisionKind = "idle"
)

// Decision is the output of Schedule.
type Decision struct {
	Kind        DecisionKind `json:"kind"`
	PID         proc.PID     `json:"pid,omitempty"`
	TimeSliceMs int64        `json:"time_slice_ms,omitempty"`
}

// Idle is the decision returned when nothing is ready.
var Idle = Decision{Kind: DecisionIdle}

// Run builds a run decision.
func Run(pid proc.PID, sliceMs int64) Decision {
	return Decision{Kind: DecisionRun, PID: pid, TimeSliceMs: sliceMs}
}

// Stats are the scheduler counters.
type Stats struct {
	TotalProcesses  int    `json:"total_processes"`
	ReadyProcesses  int    `json:"ready_processes"`
	ContextSwitches uint64 `json:"context_switches"`
	TotalCPUTimeMs  int64  `json:"total_cpu_time_ms"`
	IdleTimeMs      int64  `json:"idle_time_ms"`
}

// State is the scheduler state value.
type State struct {
	cfg      Config
	procs    []Process // sorted by PID
	running  proc.PID
	switches uint64
	totalCPU int64
	idle     int64
}

// New returns an empty scheduler.
func New(cfg Config) State {
	if cfg.QuantumMs <= 0 {
		cfg.QuantumMs = DefaultConfig().QuantumMs
	}
	return State{cfg: cfg}
}

func (s State) Config() Config { return s.cfg }

func (s State) index(pid proc.PID) (int, bool) {
	i := sort.Search(len(s.procs), func(i int) bool { return s.procs[i].PID >= pid })
	return i, i < len(s.procs) && s.procs[i].PID == pid
}

// with returns a copy of s whose process table can be written.
func (s State) with() State {
	s.procs = slices.Clone(s.procs)
	return s
}

// AddProcess inserts a ready entry for pid.
func (s State) AddProcess(pid proc.PID, priority proc.Priority) (State, error) {
	const op = "scheduler.AddProcess"
	if pid == proc.Host {
		return s, kerr.New(kerr.UnknownPID, op, "pid 0 is reserved for the host")
	}
	if !priority.Valid() {
		return s, kerr.New(kerr.InvalidTransition, op, "invalid priority %d", int(priority))
	}
	i, found := s.index(pid)
	if found {
		return s, kerr.New(kerr.DuplicatePID, op, "pid %d already present", pid)
	}
	s = s.with()
	s.procs = slices.Insert(s.procs, i, Process{PID: pid, Priority: priority, State: Ready})
	return s, nil
}

// Schedule picks the next process without changing state: highest
// priority tier first, then least CPU time consumed, then lowest PID.
func (s State) Schedule() Decision {
	best := -1
	for i, p := range s.procs {
		if p.State != Ready {
			continue
		}
		if best < 0 || before(p, s.procs[best]) {
			best = i
		}
	}
	if best < 0 {
		return Idle
	}
	p := s.procs[best]
	return Run(p.PID, s.cfg.TimeSlice(p.Priority))
}

func before(a, b Process) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CPUTimeConsumedMs != b.CPUTimeConsumedMs {
		return a.CPUTimeConsumedMs < b.CPUTimeConsumedMs
	}
	return a.PID < b.PID
}

// ExecuteSchedule applies d. A run decision moves the pid to Running and
// counts a context switch; any process still running is first returned to
// Ready so at most one entry runs.
func (s State) ExecuteSchedule(d Decision) (State, error) {
	const op = "scheduler.ExecuteSchedule"
	if d.Kind != DecisionRun {
		return s, nil
	}
	i, found := s.index(d.PID)
	if !found {
		return s, kerr.New(kerr.UnknownPID, op, "pid %d", d.PID)
	}
	if s.procs[i].State != Ready {
		return s, kerr.New(kerr.InvalidTransition, op, "pid %d is %s", d.PID, s.procs[i].State)
	}
	s = s.with()
	if s.running != proc.Host {
		if j, ok := s.index(s.running); ok {
			s.procs[j].State = Ready
			s.procs[j].SliceUsedMs = 0
		}
	}
	slice := d.TimeSliceMs
	if slice <= 0 {
		slice = s.cfg.TimeSlice(s.procs[i].Priority)
	}
	s.procs[i].State = Running
	s.procs[i].SliceMs = slice
	s.procs[i].SliceUsedMs = 0
	s.running = d.PID
	s.switches++
	return s, nil
}

// ConsumeTime charges ms to the running process and yields it back to
// Ready once its slice is spent. With nothing running the time is idle.
func (s State) ConsumeTime(ms int64) State {
	if ms < 0 {
		ms = 0
	}
	if s.running == proc.Host {
		s.idle += ms
		return s
	}
	i, found := s.index(s.running)
	if !found {
		s.running = proc.Host
		s.idle += ms
		return s
	}
	s = s.with()
	p := &s.procs[i]
	p.CPUTimeConsumedMs += ms
	p.SliceUsedMs += ms
	s.totalCPU += ms
	if p.SliceUsedMs >= p.SliceMs {
		p.State = Ready
		p.SliceUsedMs = 0
		s.running = proc.Host
	}
	return s
}

// Yield returns the running process to Ready before its slice is spent.
func (s State) Yield() State {
	if s.running == proc.Host {
		return s
	}
	i, found := s.index(s.running)
	s = s.with()
	if found {
		s.procs[i].State = Ready
		s.procs[i].SliceUsedMs = 0
	}
	s.running = proc.Host
	return s
}

// Block parks a ready or running process. Blocking a blocked process is a no-op.
func (s State) Block(pid proc.PID) (State, error) {
	return s.move(pid, Blocked, "scheduler.Block", Ready, Running, Blocked)
}

// Unblock makes a blocked process ready again. Ready processes are left alone.
func (s State) Unblock(pid proc.PID) (State, error) {
	return s.move(pid, Ready, "scheduler.Unblock", Blocked, Ready)
}

// Terminate retires pid. The entry stays in the table.
func (s State) Terminate(pid proc.PID) (State, error) {
	return s.move(pid, Terminated, "scheduler.Terminate", Ready, Running, Blocked, Terminated)
}

func (s State) move(pid proc.PID, to ProcState, op string, from ...ProcState) (State, error) {
	i, found := s.index(pid)
	if !found {
		return s, kerr.New(kerr.UnknownPID, op, "pid %d", pid)
	}
	cur := s.procs[i].State
	if !slices.Contains(from, cur) {
		return s, kerr.New(kerr.InvalidTransition, op, "pid %d is %s", pid, cur)
	}
	if cur == to {
		return s, nil
	}
	s = s.with()
	s.procs[i].State = to
	s.procs[i].SliceUsedMs = 0
	if s.running == pid {
		s.running = proc.Host
	}
	return s, nil
}

// Process looks up a table entry.
func (s State) Process(pid proc.PID) (Process, bool) {
	i, found := s.index(pid)
	if !found {
		return Process{}, false
	}
	return s.procs[i], true
}

// Processes returns a copy of the table ordered by PID.
func (s State) Processes() []Process {
	return slices.Clone(s.procs)
}

// Running returns the running PID, if any.
func (s State) Running() (proc.PID, bool) {
	return s.running, s.running != proc.Host
}

func (s State) Stats() Stats {
	st := Stats{
		TotalProcesses:  len(s.procs),
		ContextSwitches: s.switches,
		TotalCPUTimeMs:  s.totalCPU,
		IdleTimeMs:      s.idle,
	}
	for _, p := range s.procs {
		if p.State == Ready {
			st.ReadyProcesses++
		}
	}
	return st
}

type stateJSON struct {
	Config          Config    `json:"config"`
	Processes       []Process `json:"processes"`
	Running         proc.PID  `json:"running"`
	ContextSwitches uint64    `json:"context_switches"`
	TotalCPUTimeMs  int64     `json:"total_cpu_time_ms"`
	IdleTimeMs      int64     `json:"idle_time_ms"`
}

func (s State) MarshalJSON() ([]byte, error) {
	procs := s.procs
	if procs == nil {
		procs = []Process{}
	}
	return json.Marshal(stateJSON{
		Config:          s.cfg,
		Processes:       procs,
		Running:         s.running,
		ContextSwitches: s.switches,
		TotalCPUTimeMs:  s.totalCPU,
		IdleTimeMs:      s.idle,
	})
}

func (s *State) UnmarshalJSON(b []byte) error {
	var w stateJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	procs := slices.Clone(w.Processes)
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	*s = State{
		cfg:      w.Config,
		procs:    procs,
		running:  w.Running,
		switches: w.ContextSwitches,
		totalCPU: w.TotalCPUTimeMs,
		idle:     w.IdleTimeMs,
	}
	return nil
}
