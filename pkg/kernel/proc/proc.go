// Package proc defines the process identity and priority types shared by
// the scheduler, router and loader.
package proc

import (
	"fmt"
	"strconv"
)

// PID is an opaque process handle. Zero is never assigned to a module and
// denotes the host (kernel principal) as a message sender.
type PID uint64

// Host is the sender PID used for messages injected by host code.
const Host PID = 0

func (p PID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// Priority orders processes in the ready queues and breaks route ties.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < Low || p > Critical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the four defined tiers.
func (p Priority) Valid() bool {
	return p >= Low && p <= Critical
}

// ParsePriority accepts the lowercase tier names. An empty string maps to Normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return Normal, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Tiers returns all priorities from highest to lowest.
func Tiers() []Priority {
	return []Priority{Critical, High, Normal, Low}
}
