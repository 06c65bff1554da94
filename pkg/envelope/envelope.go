// Package envelope defines the immutable message envelope that carries
// payload, trace and authorization context end to end through the kernel.
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"slices"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/pattern"
)

// TraceContext is the W3C-style trace position of a message.
type TraceContext struct {
	TraceID string `json:"traceId,omitempty" yaml:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty" yaml:"spanId,omitempty"`
	Sampled bool   `json:"sampled" yaml:"sampled"`
}

// AuthContext identifies who a message is served for. ExpiresAt is epoch
// milliseconds; zero means the context does not expire.
type AuthContext struct {
	TenantID  string   `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	UserID    string   `json:"userId,omitempty" yaml:"userId,omitempty"`
	Roles     []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	ExpiresAt int64    `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
}

// HasRole reports whether role was granted.
func (a AuthContext) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Expired reports whether the context is no longer usable at now.
func (a AuthContext) Expired(now int64) bool {
	return a.ExpiresAt != 0 && now >= a.ExpiresAt
}

// Envelope is a message value. Treat it as immutable; use Clone before
// handing it to code that may retain it.
type Envelope struct {
	Opcode       string          `json:"opcode"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TraceContext TraceContext    `json:"traceContext"`
	AuthContext  AuthContext     `json:"authContext"`
}

// New marshals payload and returns an envelope for opcode.
func New(opcode string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, kerr.New(kerr.EnvelopeInvalid, "envelope.New", "payload: %v", err)
	}
	return Envelope{Opcode: pattern.Normalize(opcode), Payload: raw}, nil
}

// WithAuth returns a copy of e carrying auth.
func (e Envelope) WithAuth(auth AuthContext) Envelope {
	e = e.Clone()
	auth.Roles = slices.Clone(auth.Roles)
	e.AuthContext = auth
	return e
}

// WithTrace returns a copy of e carrying tc.
func (e Envelope) WithTrace(tc TraceContext) Envelope {
	e = e.Clone()
	e.TraceContext = tc
	return e
}

// Clone deep-copies the envelope's slices.
func (e Envelope) Clone() Envelope {
	e.Payload = bytes.Clone(e.Payload)
	e.AuthContext.Roles = slices.Clone(e.AuthContext.Roles)
	return e
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return kerr.New(kerr.EnvelopeInvalid, "envelope.Decode", "empty payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return kerr.New(kerr.EnvelopeInvalid, "envelope.Decode", "%v", err)
	}
	return nil
}

// Validate checks the envelope's shape and that its auth context is still
// live at now.
func (e Envelope) Validate(now int64) error {
	const op = "envelope.Validate"
	if err := pattern.ValidateName(e.Opcode); err != nil {
		return kerr.New(kerr.EnvelopeInvalid, op, "opcode: %v", err)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return kerr.New(kerr.EnvelopeInvalid, op, "payload is not valid JSON")
	}
	if err := validHex(e.TraceContext.TraceID, 16); err != nil {
		return kerr.New(kerr.EnvelopeInvalid, op, "traceId: %v", err)
	}
	if err := validHex(e.TraceContext.SpanID, 8); err != nil {
		return kerr.New(kerr.EnvelopeInvalid, op, "spanId: %v", err)
	}
	if e.AuthContext.Expired(now) {
		return kerr.New(kerr.AuthExpired, op, "auth context expired at %d, now %d", e.AuthContext.ExpiresAt, now)
	}
	return nil
}

func validHex(s string, n int) error {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != n {
		return kerr.New(kerr.EnvelopeInvalid, "envelope.validHex", "want %d bytes, got %d", n, len(b))
	}
	return nil
}
