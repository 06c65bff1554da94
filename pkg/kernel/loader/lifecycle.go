package loader

// ModuleState is a module's lifecycle state.
type ModuleState string

const (
	Unloaded            ModuleState = "Unloaded"
	Validating          ModuleState = "Validating"
	CapabilitiesGranted ModuleState = "CapabilitiesGranted"
	Instantiated        ModuleState = "Instantiated"
	Running             ModuleState = "Running"
	Suspended           ModuleState = "Suspended"
	Failed              ModuleState = "Failed"
	Terminated          ModuleState = "Terminated"
)

// Terminal states end a lifecycle; a later load starts a new one.
func (s ModuleState) Terminal() bool {
	return s == Failed || s == Terminated
}

// Live states hold a moduleId: a second load of the same id is refused.
func (s ModuleState) Live() bool {
	return s == Running || s == Suspended
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to ModuleState) bool {
	switch from {
	case Unloaded:
		return to == Validating
	case Validating:
		return to == CapabilitiesGranted || to == Failed
	case CapabilitiesGranted:
		return to == Instantiated || to == Failed
	case Instantiated:
		return to == Running || to == Failed
	case Running:
		return to == Suspended || to == Failed || to == Terminated
	case Suspended:
		return to == Running || to == Failed || to == Terminated
	case Failed:
		return to == Terminated
	default:
		return false
	}
}

// Transition is one recorded lifecycle step.
type Transition struct {
	From   ModuleState `json:"from"`
	To     ModuleState `json:"to"`
	At     int64       `json:"at"`
	Reason string      `json:"reason,omitempty"`
}

// TimeoutKind grades an unresponsive module.
type TimeoutKind string

const (
	SoftTimeout TimeoutKind = "soft"
	FirmTimeout TimeoutKind = "firm"
	HardTimeout TimeoutKind = "hard"
)

// TimeoutAction tells the kernel what to do after HandleTimeout.
type TimeoutAction string

const (
	// ActionRetry leaves the module running; the host logs and retries.
	ActionRetry TimeoutAction = "retry"
	// ActionDrain means the module was suspended and its queued work should
	// be delivered before it is terminated.
	ActionDrain TimeoutAction = "drain"
	// ActionKill means the module was failed; queued work is dropped.
	ActionKill TimeoutAction = "kill"
)
