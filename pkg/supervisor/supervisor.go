// Package supervisor decides what happens after a module fails: restart
// it after a backoff, leave it stopped, or escalate. Like the kernel it is
// a value with explicit timestamps; the host acts on its decisions.
package supervisor

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Strategy selects which failures are restarted.
type Strategy string

const (
	// Permanent modules are always restarted.
	Permanent Strategy = "permanent"
	// Transient modules are restarted unless they stopped normally.
	Transient Strategy = "transient"
	// Temporary modules are never restarted.
	Temporary Strategy = "temporary"
)

// Level is the escalation level, 1 through 5.
type Level int

const (
	LevelRestart Level = iota + 1
	LevelRestartWithBackoff
	LevelIsolate
	LevelNotify
	LevelShutdown
)

var levelNames = [...]string{"", "restart", "restart_with_backoff", "isolate", "notify", "shutdown"}

func (l Level) String() string {
	if l < LevelRestart || l > LevelShutdown {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Next returns the following level; LevelShutdown is final.
func (l Level) Next() Level {
	return min(l+1, LevelShutdown)
}

// Spec configures supervision of one module.
type Spec struct {
	ModuleID    string   `json:"module_id" yaml:"module_id"`
	Strategy    Strategy `json:"strategy" yaml:"strategy"`
	MaxRestarts int      `json:"max_restarts" yaml:"max_restarts"`
	WindowMs    int64    `json:"window_ms" yaml:"window_ms"`
	BaseDelayMs int64    `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int64    `json:"max_delay_ms" yaml:"max_delay_ms"`
	Factor      int64    `json:"factor" yaml:"factor"`
}

// DefaultSpec restarts permanently, at most 5 times a minute, backing off
// from one second by doubling up to thirty seconds.
func DefaultSpec(moduleID string) Spec {
	return Spec{
		ModuleID:    moduleID,
		Strategy:    Permanent,
		MaxRestarts: 5,
		WindowMs:    60000,
		BaseDelayMs: 1000,
		MaxDelayMs:  30000,
		Factor:      2,
	}
}

func (s Spec) withDefaults() Spec {
	d := DefaultSpec(s.ModuleID)
	if s.Strategy == "" {
		s.Strategy = d.Strategy
	}
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = d.MaxRestarts
	}
	if s.WindowMs <= 0 {
		s.WindowMs = d.WindowMs
	}
	if s.BaseDelayMs <= 0 {
		s.BaseDelayMs = d.BaseDelayMs
	}
	if s.MaxDelayMs <= 0 {
		s.MaxDelayMs = d.MaxDelayMs
	}
	if s.Factor <= 0 {
		s.Factor = d.Factor
	}
	return s
}

// Delay is BaseDelayMs * Factor^attempt, capped at MaxDelayMs.
func (s Spec) Delay(attempt int) int64 {
	d := s.BaseDelayMs
	for i := 0; i < attempt && d < s.MaxDelayMs; i++ {
		d *= s.Factor
	}
	return min(d, s.MaxDelayMs)
}

// ChildState is the supervisor's view of a module.
type ChildState string

const (
	ChildRunning    ChildState = "running"
	ChildRestarting ChildState = "restarting"
	ChildStopped    ChildState = "stopped"
	ChildTerminated ChildState = "terminated"
)

// Child is the supervision record for one module.
type Child struct {
	Spec         Spec       `json:"spec"`
	State        ChildState `json:"state"`
	Restarts     int        `json:"restarts"`
	WindowStart  int64      `json:"window_start"`
	windowOpen   bool
	Level        Level  `json:"level"`
	TotalCrashes uint64 `json:"total_crashes"`
	RestartAt    int64  `json:"restart_at,omitempty"`
	LastReason   string `json:"last_reason,omitempty"`
}

// ActionKind is what the host should do after a crash.
type ActionKind string

const (
	ActionRestart  ActionKind = "restart"
	ActionStop     ActionKind = "stop"
	ActionEscalate ActionKind = "escalate"
)

// Action is the decision for one crash.
type Action struct {
	Kind     ActionKind `json:"kind"`
	ModuleID string     `json:"module_id"`
	DelayMs  int64      `json:"delay_ms,omitempty"`
	// At is when a restart becomes due.
	At    int64 `json:"at,omitempty"`
	Level Level `json:"level"`
}

// normalExits are reasons a transient module is not restarted for.
var normalExits = map[string]bool{"normal": true, "shutdown": true}

// State holds every supervised child.
type State struct {
	children map[string]Child
}

func New() State { return State{} }

// Add starts supervising spec.ModuleID as running.
func (s State) Add(spec Spec) (State, error) {
	if spec.ModuleID == "" {
		return s, fmt.Errorf("supervisor: module id is required")
	}
	if _, ok := s.children[spec.ModuleID]; ok {
		return s, fmt.Errorf("supervisor: %s already supervised", spec.ModuleID)
	}
	return s.put(Child{Spec: spec.withDefaults(), State: ChildRunning, Level: LevelRestart}), nil
}

func (s State) put(c Child) State {
	s.children = maps.Clone(s.children)
	if s.children == nil {
		s.children = make(map[string]Child)
	}
	s.children[c.Spec.ModuleID] = c
	return s
}

// Remove stops supervising id.
func (s State) Remove(id string) State {
	if _, ok := s.children[id]; !ok {
		return s
	}
	s.children = maps.Clone(s.children)
	delete(s.children, id)
	return s
}

// ReportCrash records that id failed for reason at now and decides the
// response. Restarts within the intensity window are counted; exceeding
// the limit raises the escalation level and, from LevelNotify on, stops
// restarting.
func (s State) ReportCrash(id, reason string, now int64) (State, Action, error) {
	c, ok := s.children[id]
	if !ok {
		return s, Action{}, fmt.Errorf("supervisor: %s not supervised", id)
	}
	c.TotalCrashes++
	c.LastReason = reason
	c.RestartAt = 0
	act := Action{ModuleID: id}

	switch {
	case c.Spec.Strategy == Temporary:
		c.State = ChildStopped
		act.Kind, act.Level = ActionStop, c.Level
		return s.put(c), act, nil
	case c.Spec.Strategy == Transient && normalExits[reason]:
		c.State = ChildTerminated
		act.Kind, act.Level = ActionStop, c.Level
		return s.put(c), act, nil
	}

	if c.windowOpen && now-c.WindowStart > c.Spec.WindowMs {
		c.Restarts = 0
		c.WindowStart = now
		c.Level = LevelRestart
	}
	if !c.windowOpen {
		c.windowOpen = true
		c.WindowStart = now
	}
	if c.Restarts >= c.Spec.MaxRestarts {
		c.Level = c.Level.Next()
		if c.Level >= LevelNotify {
			c.State = ChildStopped
			act.Kind, act.Level = ActionEscalate, c.Level
			return s.put(c), act, nil
		}
		c.Restarts = 0
	}

	act.DelayMs = c.Spec.Delay(c.Restarts)
	c.Restarts++
	c.State = ChildRestarting
	c.RestartAt = now + act.DelayMs
	act.Kind, act.At, act.Level = ActionRestart, c.RestartAt, c.Level
	return s.put(c), act, nil
}

// Started marks id as running again after a restart.
func (s State) Started(id string) (State, error) {
	c, ok := s.children[id]
	if !ok {
		return s, fmt.Errorf("supervisor: %s not supervised", id)
	}
	c.State = ChildRunning
	c.RestartAt = 0
	return s.put(c), nil
}

// Due lists children whose restart time has come, ordered by due time
// then module id.
func (s State) Due(now int64) []string {
	var due []Child
	for _, c := range s.children {
		if c.State == ChildRestarting && c.RestartAt <= now {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RestartAt != due[j].RestartAt {
			return due[i].RestartAt < due[j].RestartAt
		}
		return due[i].Spec.ModuleID < due[j].Spec.ModuleID
	})
	ids := make([]string, len(due))
	for i, c := range due {
		ids[i] = c.Spec.ModuleID
	}
	return ids
}

func (s State) Child(id string) (Child, bool) {
	c, ok := s.children[id]
	return c, ok
}

// Children returns every record ordered by module id.
func (s State) Children() []Child {
	out := slices.Collect(maps.Values(s.children))
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ModuleID < out[j].Spec.ModuleID })
	return out
}
