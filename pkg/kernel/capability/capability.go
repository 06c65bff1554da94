// Package capability is the kernel's capability engine: it issues, indexes,
// delegates, revokes and validates access tokens that scope a resource,
// a rights set, an owner and a validity window.
//
// Tokens are plain identifiers valid inside one kernel instance; nothing
// here signs or seals them.
package capability

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/pattern"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

// ResourceType names a class of kernel resource.
type ResourceType string

const (
	Channel     ResourceType = "channel"
	Memory      ResourceType = "memory"
	Module      ResourceType = "module"
	AuditLog    ResourceType = "audit_log"
	Config      ResourceType = "config"
	Persistence ResourceType = "persistence"
	Process     ResourceType = "process"
	Syscall     ResourceType = "syscall"
)

// Resource identifies what a capability protects. Path may be a pattern
// with the router's semantics. An empty TenantID is not tenant-scoped.
type Resource struct {
	Type     ResourceType `json:"type" yaml:"type"`
	Path     string       `json:"path" yaml:"path"`
	TenantID string       `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
}

func (r Resource) String() string {
	s := string(r.Type) + ":" + r.Path
	if r.TenantID != "" {
		s += "@" + r.TenantID
	}
	return s
}

// ParseResource reads the "type:path[@tenant]" form.
func ParseResource(s string) (Resource, error) {
	typ, rest, ok := strings.Cut(s, ":")
	if !ok || typ == "" || rest == "" {
		return Resource{}, fmt.Errorf("resource %q: want type:path", s)
	}
	path, tenant, _ := strings.Cut(rest, "@")
	return Resource{Type: ResourceType(typ), Path: pattern.Normalize(path), TenantID: tenant}, nil
}

// Covers reports whether r grants access to req.
func (r Resource) Covers(req Resource) bool {
	if r.Type != req.Type {
		return false
	}
	if r.TenantID != "" && r.TenantID != req.TenantID {
		return false
	}
	have, want := pattern.Normalize(r.Path), pattern.Normalize(req.Path)
	if have == want {
		return true
	}
	hp, err := pattern.Parse(have)
	if err != nil {
		return false
	}
	wp, err := pattern.Parse(want)
	if err != nil {
		return false
	}
	return hp.Covers(wp)
}

// Validity is the issuance window in epoch milliseconds. ExpiresAt zero
// never expires.
type Validity struct {
	IssuedAt  int64 `json:"issued_at"`
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Expired reports whether the window is closed at now.
func (v Validity) Expired(now int64) bool {
	return v.ExpiresAt != 0 && now >= v.ExpiresAt
}

type Flags struct {
	Revocable bool `json:"revocable"`
	Delegable bool `json:"delegable"`
}

// Capability is an issued token.
type Capability struct {
	ID       string   `json:"id"`
	Resource Resource `json:"resource"`
	Rights   Rights   `json:"rights"`
	Owner    proc.PID `json:"owner"`
	Issuer   string   `json:"issuer"`
	Validity Validity `json:"validity"`
	Flags    Flags    `json:"flags"`
	Parent   string   `json:"parent,omitempty"`
	Seq      uint64   `json:"seq"`
}

// ValidationResult is the verdict of ValidateCapability. Reason is empty
// when Valid.
type ValidationResult struct {
	Valid        bool      `json:"valid"`
	Reason       kerr.Code `json:"reason,omitempty"`
	CapabilityID string    `json:"capability_id"`
	Requester    proc.PID  `json:"requester"`
	Validator    string    `json:"validator"`
	Requested    Resource  `json:"requested"`
	Rights       Rights    `json:"rights"`
	CheckedAt    int64     `json:"checked_at"`
}

// Err converts a failed result into a kernel error.
func (v ValidationResult) Err() error {
	if v.Valid {
		return nil
	}
	return kerr.New(v.Reason, "capability.Validate", "capability %s for %s by pid %d", v.CapabilityID, v.Requested, v.Requester)
}

type Stats struct {
	TotalCapabilities  uint64 `json:"total_capabilities"`
	ActiveCapabilities int    `json:"active_capabilities"`
	TotalValidations   uint64 `json:"total_validations"`
	ValidationFailures uint64 `json:"validation_failures"`
	Revocations        uint64 `json:"revocations"`
	Delegations        uint64 `json:"delegations"`
	Expirations        uint64 `json:"expirations"`
}

// idSpace scopes the deterministic capability ids.
var idSpace = uuid.MustParse("5f1d2c8e-6b0a-4e57-9a43-1c2e7d9b8f60")

// State is the engine state value.
type State struct {
	caps     map[string]Capability
	byOwner  map[proc.PID][]string
	children map[string][]string
	nextSeq  uint64
	stats    Stats
}

// New returns an empty engine.
func New() State {
	return State{nextSeq: 1}
}

func (s State) with() State {
	s.caps = maps.Clone(s.caps)
	s.byOwner = maps.Clone(s.byOwner)
	s.children = maps.Clone(s.children)
	if s.caps == nil {
		s.caps = make(map[string]Capability)
	}
	if s.byOwner == nil {
		s.byOwner = make(map[proc.PID][]string)
	}
	if s.children == nil {
		s.children = make(map[string][]string)
	}
	return s
}

func (s State) insert(c Capability) (State, Capability) {
	c.Seq = s.nextSeq
	c.ID = uuid.NewSHA1(idSpace, fmt.Appendf(nil, "%d|%d|%s|%s", c.Seq, c.Owner, c.Issuer, c.Resource)).String()
	c.Resource.Path = pattern.Normalize(c.Resource.Path)
	s = s.with()
	s.nextSeq++
	s.caps[c.ID] = c
	s.byOwner[c.Owner] = append(slices.Clip(s.byOwner[c.Owner]), c.ID)
	if c.Parent != "" {
		s.children[c.Parent] = append(slices.Clip(s.children[c.Parent]), c.ID)
	}
	s.stats.TotalCapabilities++
	return s, c
}

// CreateCapability issues a token. Issuance is privileged and always
// succeeds; callers are the loader and the kernel.
func (s State) CreateCapability(res Resource, rights Rights, owner proc.PID, issuer string, validity Validity, flags Flags) (State, Capability) {
	return s.insert(Capability{
		Resource: res,
		Rights:   rights,
		Owner:    owner,
		Issuer:   issuer,
		Validity: validity,
		Flags:    flags,
	})
}

// ValidateCapability checks a request against capability id at now. Checks
// run in a fixed order and the first failure is reported: not found,
// expired, resource mismatch, insufficient rights, not owner. Only the
// engine counters change.
func (s State) ValidateCapability(id string, rights Rights, res Resource, requester proc.PID, validator string, now int64) (State, ValidationResult) {
	r := ValidationResult{
		CapabilityID: id,
		Requester:    requester,
		Validator:    validator,
		Requested:    res,
		Rights:       rights,
		CheckedAt:    now,
	}
	c, ok := s.caps[id]
	switch {
	case !ok:
		r.Reason = kerr.CapabilityNotFound
	case c.Validity.Expired(now):
		r.Reason = kerr.CapabilityExpired
	case !c.Resource.Covers(res):
		r.Reason = kerr.ResourceMismatch
	case !c.Rights.Has(rights):
		r.Reason = kerr.InsufficientRights
	case requester != c.Owner && !c.Flags.Delegable:
		r.Reason = kerr.NotOwner
	default:
		r.Valid = true
	}
	if r.Valid {
		s.stats.TotalValidations++
	} else {
		s.stats.ValidationFailures++
	}
	return s, r
}

// DelegateRequest asks to derive a narrower capability from Parent.
type DelegateRequest struct {
	Parent    string
	To        proc.PID
	Rights    Rights
	Requester proc.PID
	ExpiresAt int64
	Delegable bool
}

// Delegate issues an attenuated child of req.Parent to req.To. The
// requester must own a live parent that is delegable and carries the
// delegate right; the child's rights must be a subset of the parent's and
// its expiry never outlives the parent.
func (s State) Delegate(req DelegateRequest, now int64) (State, Capability, error) {
	const op = "capability.Delegate"
	p, ok := s.caps[req.Parent]
	switch {
	case !ok:
		return s, Capability{}, kerr.New(kerr.CapabilityNotFound, op, "capability %s", req.Parent)
	case p.Validity.Expired(now):
		return s, Capability{}, kerr.New(kerr.CapabilityExpired, op, "capability %s expired at %d", p.ID, p.Validity.ExpiresAt)
	case req.Requester != p.Owner:
		return s, Capability{}, kerr.New(kerr.NotOwner, op, "pid %d does not own %s", req.Requester, p.ID)
	case !p.Flags.Delegable || !p.Rights.Has(Delegate):
		return s, Capability{}, kerr.New(kerr.InsufficientRights, op, "capability %s is not delegable", p.ID)
	case !p.Rights.Has(req.Rights):
		return s, Capability{}, kerr.New(kerr.InsufficientRights, op, "requested %s exceeds %s", req.Rights, p.Rights)
	}
	expires := req.ExpiresAt
	if p.Validity.ExpiresAt != 0 && (expires == 0 || expires > p.Validity.ExpiresAt) {
		expires = p.Validity.ExpiresAt
	}
	var child Capability
	s, child = s.insert(Capability{
		Resource: p.Resource,
		Rights:   req.Rights,
		Owner:    req.To,
		Issuer:   "pid:" + p.Owner.String(),
		Validity: Validity{IssuedAt: now, ExpiresAt: expires},
		Flags:    Flags{Revocable: true, Delegable: req.Delegable && req.Rights.Has(Delegate)},
		Parent:   p.ID,
	})
	s.stats.Delegations++
	return s, child, nil
}

// Revoke removes id and everything delegated from it.
func (s State) Revoke(id string) (State, []string, error) {
	const op = "capability.Revoke"
	c, ok := s.caps[id]
	if !ok {
		return s, nil, kerr.New(kerr.CapabilityNotFound, op, "capability %s", id)
	}
	if !c.Flags.Revocable {
		return s, nil, kerr.New(kerr.NotRevocable, op, "capability %s", id)
	}
	s, removed := s.remove([]string{id})
	s.stats.Revocations += uint64(len(removed))
	return s, removed, nil
}

// RevokeOwner removes every capability held by pid, revocable or not, plus
// their delegated descendants. Used when a module is torn down.
func (s State) RevokeOwner(pid proc.PID) (State, []string) {
	ids := s.byOwner[pid]
	if len(ids) == 0 {
		return s, nil
	}
	s, removed := s.remove(slices.Clone(ids))
	s.stats.Revocations += uint64(len(removed))
	return s, removed
}

// Expire sweeps capabilities whose window has closed at now.
func (s State) Expire(now int64) (State, []string) {
	var ids []string
	for _, c := range s.ordered() {
		if c.Validity.Expired(now) {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return s, nil
	}
	s, removed := s.remove(ids)
	s.stats.Expirations += uint64(len(removed))
	return s, removed
}

// remove deletes ids and their descendants, returning the removed ids in
// issuance order.
func (s State) remove(ids []string) (State, []string) {
	doomed := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if doomed[id] {
			return
		}
		if _, ok := s.caps[id]; !ok {
			return
		}
		doomed[id] = true
		for _, child := range s.children[id] {
			walk(child)
		}
	}
	for _, id := range ids {
		walk(id)
	}
	if len(doomed) == 0 {
		return s, nil
	}
	removed := make([]Capability, 0, len(doomed))
	for id := range doomed {
		removed = append(removed, s.caps[id])
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Seq < removed[j].Seq })

	s = s.with()
	out := make([]string, len(removed))
	for i, c := range removed {
		out[i] = c.ID
		delete(s.caps, c.ID)
		delete(s.children, c.ID)
		owned := slices.DeleteFunc(slices.Clone(s.byOwner[c.Owner]), func(id string) bool { return id == c.ID })
		if len(owned) == 0 {
			delete(s.byOwner, c.Owner)
		} else {
			s.byOwner[c.Owner] = owned
		}
		if c.Parent != "" && !doomed[c.Parent] {
			kids := slices.DeleteFunc(slices.Clone(s.children[c.Parent]), func(id string) bool { return id == c.ID })
			if len(kids) == 0 {
				delete(s.children, c.Parent)
			} else {
				s.children[c.Parent] = kids
			}
		}
	}
	return s, out
}

// Get looks up a capability.
func (s State) Get(id string) (Capability, bool) {
	c, ok := s.caps[id]
	return c, ok
}

// ListByOwner returns pid's capabilities in issuance order.
func (s State) ListByOwner(pid proc.PID) []Capability {
	ids := s.byOwner[pid]
	out := make([]Capability, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.caps[id])
	}
	return out
}

// Find returns the earliest-issued capability owned by pid that covers res
// with at least rights and is live at now. When every match has expired the
// earliest match is returned, so validating it reports the expiry.
func (s State) Find(pid proc.PID, res Resource, rights Rights, now int64) (Capability, bool) {
	var (
		first Capability
		found bool
	)
	for _, id := range s.byOwner[pid] {
		c := s.caps[id]
		if !c.Resource.Covers(res) || !c.Rights.Has(rights) {
			continue
		}
		if !c.Validity.Expired(now) {
			return c, true
		}
		if !found {
			first, found = c, true
		}
	}
	return first, found
}

func (s State) ordered() []Capability {
	out := slices.Collect(maps.Values(s.caps))
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s State) Stats() Stats {
	st := s.stats
	st.ActiveCapabilities = len(s.caps)
	return st
}

type stateJSON struct {
	Capabilities []Capability `json:"capabilities"`
	NextSeq      uint64       `json:"next_seq"`
	Stats        Stats        `json:"stats"`
}

func (s State) MarshalJSON() ([]byte, error) {
	caps := s.ordered()
	if caps == nil {
		caps = []Capability{}
	}
	return json.Marshal(stateJSON{Capabilities: caps, NextSeq: s.nextSeq, Stats: s.Stats()})
}

// UnmarshalJSON rebuilds the owner and delegation indexes from the table.
func (s *State) UnmarshalJSON(b []byte) error {
	var w stateJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := State{nextSeq: w.NextSeq, stats: w.Stats}.with()
	sort.Slice(w.Capabilities, func(i, j int) bool { return w.Capabilities[i].Seq < w.Capabilities[j].Seq })
	for _, c := range w.Capabilities {
		out.caps[c.ID] = c
		out.byOwner[c.Owner] = append(out.byOwner[c.Owner], c.ID)
		if c.Parent != "" {
			out.children[c.Parent] = append(out.children[c.Parent], c.ID)
		}
	}
	*s = out
	return nil
}
