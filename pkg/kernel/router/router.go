// Package router maps channel names to destination processes and keeps a
// FIFO mailbox per destination for asynchronously posted messages.
package router

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/pattern"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

// Route binds a pattern to a destination.
type Route struct {
	Pattern     string        `json:"pattern"`
	Destination proc.PID      `json:"destination"`
	Priority    proc.Priority `json:"priority"`
	Seq         uint64        `json:"seq"`
}

// Queued is a message waiting in a destination mailbox.
type Queued struct {
	ID           uint64            `json:"id"`
	Channel      string            `json:"channel"`
	Sender       proc.PID          `json:"sender"`
	CapabilityID string            `json:"capability_id,omitempty"`
	Envelope     envelope.Envelope `json:"envelope"`
	PostedAt     int64             `json:"posted_at"`
}

// Stats are the router counters. PendingMessages counts messages routed
// but not yet acknowledged by a handler return, queued ones included.
type Stats struct {
	TotalRouted     uint64 `json:"total_routed"`
	PendingMessages int    `json:"pending_messages"`
	RouteFailures   uint64 `json:"route_failures"`
	QueuedMessages  int    `json:"queued_messages"`
}

type entry struct {
	Route
	pat pattern.Pattern
}

// State is the router state value.
type State struct {
	routes    []entry // registration order
	nextSeq   uint64
	nextMsgID uint64
	mailboxes map[proc.PID][]Queued
	stats     Stats
}

// New returns an empty router.
func New() State {
	return State{nextSeq: 1, nextMsgID: 1}
}

// RegisterRoute adds pattern -> pid. Identical patterns are rejected.
func (s State) RegisterRoute(raw string, pid proc.PID, priority proc.Priority) (State, error) {
	const op = "router.RegisterRoute"
	p, err := pattern.Parse(raw)
	if err != nil {
		return s, err
	}
	for _, e := range s.routes {
		if e.Pattern == p.String() {
			return s, kerr.New(kerr.DuplicatePattern, op, "pattern %q already routed to pid %d", p, e.Destination)
		}
	}
	r := Route{Pattern: p.String(), Destination: pid, Priority: priority, Seq: s.nextSeq}
	s.routes = append(slices.Clip(s.routes), entry{Route: r, pat: p})
	s.nextSeq++
	return s, nil
}

// RemoveRoute drops the route with exactly this pattern.
func (s State) RemoveRoute(raw string) (State, error) {
	norm := pattern.Normalize(raw)
	i := slices.IndexFunc(s.routes, func(e entry) bool { return e.Pattern == norm })
	if i < 0 {
		return s, kerr.New(kerr.NoRoute, "router.RemoveRoute", "pattern %q not registered", raw)
	}
	s.routes = slices.Delete(slices.Clone(s.routes), i, i+1)
	return s, nil
}

// RemoveRoutesFor drops every route pointing at pid.
func (s State) RemoveRoutesFor(pid proc.PID) State {
	if !slices.ContainsFunc(s.routes, func(e entry) bool { return e.Destination == pid }) {
		return s
	}
	s.routes = slices.DeleteFunc(slices.Clone(s.routes), func(e entry) bool { return e.Destination == pid })
	return s
}

// Resolve finds the best route for channel without touching counters.
func (s State) Resolve(channel string) (Route, error) {
	const op = "router.Route"
	if err := pattern.ValidateName(channel); err != nil {
		return Route{}, kerr.New(kerr.NoRoute, op, "%v", err)
	}
	name := pattern.MustParse(channel)
	best := -1
	for i, e := range s.routes {
		if !e.pat.Covers(name) {
			continue
		}
		if best < 0 || preferred(e, s.routes[best]) {
			best = i
		}
	}
	if best < 0 {
		return Route{}, kerr.New(kerr.NoRoute, op, "no route for channel %q", channel)
	}
	return s.routes[best].Route, nil
}

// preferred orders matching routes: most specific pattern, then higher
// priority, then earlier registration.
func preferred(a, b entry) bool {
	if c := pattern.MoreSpecific(a.pat, b.pat); c != 0 {
		return c < 0
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// Route resolves channel to a destination pid. Success counts the message
// as routed and pending until Acknowledge; failure only counts a route
// failure.
func (s State) Route(channel string) (State, proc.PID, error) {
	r, err := s.Resolve(channel)
	if err != nil {
		s.stats.RouteFailures++
		return s, proc.Host, err
	}
	s.stats.TotalRouted++
	s.stats.PendingMessages++
	return s, r.Destination, nil
}

// Acknowledge records that a handler for pid returned.
func (s State) Acknowledge(pid proc.PID) State {
	if s.stats.PendingMessages > 0 {
		s.stats.PendingMessages--
	}
	return s
}

// Enqueue appends q to pid's mailbox and assigns its message id.
func (s State) Enqueue(pid proc.PID, q Queued) (State, Queued) {
	q.ID = s.nextMsgID
	q.Envelope = q.Envelope.Clone()
	s.nextMsgID++
	s.mailboxes = maps.Clone(s.mailboxes)
	if s.mailboxes == nil {
		s.mailboxes = make(map[proc.PID][]Queued)
	}
	s.mailboxes[pid] = append(slices.Clip(s.mailboxes[pid]), q)
	return s, q
}

// Dequeue pops the oldest message for pid.
func (s State) Dequeue(pid proc.PID) (State, Queued, bool) {
	box := s.mailboxes[pid]
	if len(box) == 0 {
		return s, Queued{}, false
	}
	head := box[0]
	s.mailboxes = maps.Clone(s.mailboxes)
	if len(box) == 1 {
		delete(s.mailboxes, pid)
	} else {
		s.mailboxes[pid] = slices.Clone(box[1:])
	}
	return s, head, true
}

// Drop discards pid's mailbox. Dropped messages are no longer pending.
func (s State) Drop(pid proc.PID) (State, []Queued) {
	box := s.mailboxes[pid]
	if len(box) == 0 {
		return s, nil
	}
	s.mailboxes = maps.Clone(s.mailboxes)
	delete(s.mailboxes, pid)
	s.stats.PendingMessages = max(s.stats.PendingMessages-len(box), 0)
	return s, slices.Clone(box)
}

// Queued returns the number of messages waiting for pid.
func (s State) Queued(pid proc.PID) int {
	return len(s.mailboxes[pid])
}

// Mailbox returns a copy of pid's waiting messages in delivery order.
func (s State) Mailbox(pid proc.PID) []Queued {
	return slices.Clone(s.mailboxes[pid])
}

// Routes lists routes in registration order.
func (s State) Routes() []Route {
	out := make([]Route, len(s.routes))
	for i, e := range s.routes {
		out[i] = e.Route
	}
	return out
}

func (s State) Stats() Stats {
	st := s.stats
	for _, box := range s.mailboxes {
		st.QueuedMessages += len(box)
	}
	return st
}

type mailboxJSON struct {
	PID      proc.PID `json:"pid"`
	Messages []Queued `json:"messages"`
}

type stateJSON struct {
	Routes    []Route       `json:"routes"`
	NextSeq   uint64        `json:"next_seq"`
	NextMsgID uint64        `json:"next_msg_id"`
	Mailboxes []mailboxJSON `json:"mailboxes"`
	Stats     Stats         `json:"stats"`
}

// MarshalJSON emits mailboxes ordered by pid so equal states encode to
// equal bytes.
func (s State) MarshalJSON() ([]byte, error) {
	w := stateJSON{
		Routes:    s.Routes(),
		NextSeq:   s.nextSeq,
		NextMsgID: s.nextMsgID,
		Mailboxes: []mailboxJSON{},
		Stats:     s.stats,
	}
	for _, pid := range slices.Sorted(maps.Keys(s.mailboxes)) {
		w.Mailboxes = append(w.Mailboxes, mailboxJSON{PID: pid, Messages: s.mailboxes[pid]})
	}
	return json.Marshal(w)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var w stateJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := State{nextSeq: w.NextSeq, nextMsgID: w.NextMsgID, stats: w.Stats}
	for _, r := range w.Routes {
		p, err := pattern.Parse(r.Pattern)
		if err != nil {
			return err
		}
		out.routes = append(out.routes, entry{Route: r, pat: p})
	}
	if len(w.Mailboxes) > 0 {
		out.mailboxes = make(map[proc.PID][]Queued, len(w.Mailboxes))
		for _, m := range w.Mailboxes {
			out.mailboxes[m.PID] = m.Messages
		}
	}
	*s = out
	return nil
}
