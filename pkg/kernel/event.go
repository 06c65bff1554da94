package kernel

import (
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

// Event kinds emitted by kernel operations.
const (
	EventModuleLoaded       = "module.loaded"
	EventModuleLoadFailed   = "module.load_failed"
	EventModuleState        = "module.state"
	EventModuleTimeout      = "module.timeout"
	EventMessageDelivered   = "message.delivered"
	EventMessageFailed      = "message.failed"
	EventMessageRejected    = "message.rejected"
	EventMessagePosted      = "message.posted"
	EventMessageDropped     = "message.dropped"
	EventCapabilityDenied   = "capability.denied"
	EventCapabilityRevoked  = "capability.revoked"
	EventCapabilityDelegate = "capability.delegated"
	EventCapabilityExpired  = "capability.expired"
)

// Event is an auditable fact produced by a kernel operation. Events are
// derived only from the operation's inputs and the prior state, so a replay
// of the same operations yields the same events.
type Event struct {
	Kind     string         `json:"kind"`
	At       int64          `json:"at"`
	ModuleID string         `json:"module_id,omitempty"`
	PID      proc.PID       `json:"pid,omitempty"`
	Code     kerr.Code      `json:"code,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}
