// Package audit keeps a hash-chained trail of kernel events and fans each
// appended entry out to durable sinks.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
)

// Genesis is the previous-hash of the first entry.
const Genesis = "genesis"

// DefaultCapacity bounds the in-memory ring.
const DefaultCapacity = 10000

var ErrChainBroken = errors.New("audit: hash chain is broken")

// Entry is one link of the chain. Hash covers every other field in RFC 8785
// canonical form, Prev included.
type Entry struct {
	Seq     uint64          `json:"seq"`
	At      int64           `json:"at"`
	Kind    string          `json:"kind"`
	Subject string          `json:"subject"`
	Code    string          `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Prev    string          `json:"prev"`
	Hash    string          `json:"hash"`
}

type hashable struct {
	Seq     uint64          `json:"seq"`
	At      int64           `json:"at"`
	Kind    string          `json:"kind"`
	Subject string          `json:"subject"`
	Code    string          `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Prev    string          `json:"prev"`
}

func (e Entry) digest() (string, error) {
	raw, err := json.Marshal(hashable{e.Seq, e.At, e.Kind, e.Subject, e.Code, e.Payload, e.Prev})
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Sink persists entries outside the process.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Trail is an append-only chain. Only the newest entries are kept in
// memory; sinks see every entry.
type Trail struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	seq      uint64
	head     string
	sinks    []Sink
}

// NewTrail returns an empty trail. A capacity <= 0 uses DefaultCapacity.
func NewTrail(capacity int, sinks ...Sink) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trail{capacity: capacity, head: Genesis, sinks: sinks}
}

// Resume continues a chain loaded from a sink.
func Resume(capacity int, prior []Entry, sinks ...Sink) (*Trail, error) {
	if err := Verify(prior, Genesis); err != nil {
		return nil, err
	}
	t := NewTrail(capacity, sinks...)
	if n := len(prior); n > 0 {
		t.seq, t.head = prior[n-1].Seq, prior[n-1].Hash
		t.entries = append(t.entries, prior[max(0, n-t.capacity):]...)
	}
	return t, nil
}

// Append links a new entry and writes it to every sink. The entry stays in
// the chain even if a sink fails; the joined sink errors are returned.
func (t *Trail) Append(ctx context.Context, kind, subject, code string, at int64, payload any) (Entry, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
		}
		if raw, err = jcs.Transform(b); err != nil {
			return Entry{}, fmt.Errorf("audit: canonicalize payload: %w", err)
		}
	}

	t.mu.Lock()
	e := Entry{Seq: t.seq + 1, At: at, Kind: kind, Subject: subject, Code: code, Payload: raw, Prev: t.head}
	h, err := e.digest()
	if err != nil {
		t.mu.Unlock()
		return Entry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	e.Hash = h
	t.seq, t.head = e.Seq, e.Hash
	t.entries = append(t.entries, e)
	// Trim in batches: the backing slice holds at most 2*capacity entries.
	if len(t.entries) >= 2*t.capacity {
		t.entries = slices.Clone(t.window())
	}
	sinks := t.sinks
	t.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return e, errors.Join(errs...)
}

// Record appends a kernel event. The subject is the module id, or
// "kernel" for events not tied to a module.
func (t *Trail) Record(ctx context.Context, ev kernel.Event) (Entry, error) {
	subject := ev.ModuleID
	if subject == "" {
		subject = "kernel"
	}
	payload := map[string]any{}
	if ev.PID != 0 {
		payload["pid"] = uint64(ev.PID)
	}
	for k, v := range ev.Data {
		payload[k] = v
	}
	return t.Append(ctx, ev.Kind, subject, string(ev.Code), ev.At, payload)
}

func (t *Trail) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

func (t *Trail) Seq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// Filter selects entries; zero fields match everything.
type Filter struct {
	Kind    string
	Subject string
	FromSeq uint64
	Limit   int
}

func (f Filter) matches(e Entry) bool {
	return (f.Kind == "" || e.Kind == f.Kind) &&
		(f.Subject == "" || e.Subject == f.Subject) &&
		e.Seq >= f.FromSeq
}

// Entries returns retained entries matching f, oldest first.
func (t *Trail) Entries(f Filter) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.window() {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Verify checks the retained window of the chain.
func (t *Trail) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := t.window()
	if len(w) == 0 {
		return nil
	}
	return Verify(w, w[0].Prev)
}

// window is the newest capacity entries. Callers hold t.mu.
func (t *Trail) window() []Entry {
	if over := len(t.entries) - t.capacity; over > 0 {
		return t.entries[over:]
	}
	return t.entries
}

// Verify checks that entries form a chain starting after prev, with
// consecutive sequence numbers and correct hashes.
func Verify(entries []Entry, prev string) error {
	for i, e := range entries {
		if e.Prev != prev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, e.Seq, e.Prev, prev)
		}
		if i > 0 && e.Seq != entries[i-1].Seq+1 {
			return fmt.Errorf("%w: entry %d follows %d", ErrChainBroken, e.Seq, entries[i-1].Seq)
		}
		h, err := e.digest()
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}
