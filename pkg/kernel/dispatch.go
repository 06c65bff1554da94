package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/capability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/pattern"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/router"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/scheduler"
)

// Validator names recorded on validation results produced by dispatch.
const (
	validatorSend    = "kernel.send"
	validatorReceive = "kernel.receive"
)

// Message is a request to deliver an envelope. Channel defaults to the
// envelope opcode. Messages from proc.Host skip the sender capability
// check; any other sender must present CapabilityID with write rights on
// the channel.
type Message struct {
	Channel      string
	Envelope     envelope.Envelope
	Sender       proc.PID
	CapabilityID string
	At           int64
}

func (m Message) channel() string {
	if m.Channel != "" {
		return pattern.Normalize(m.Channel)
	}
	return pattern.Normalize(m.Envelope.Opcode)
}

// Delivery reports the outcome of one message.
type Delivery struct {
	MessageID   uint64                        `json:"message_id,omitempty"`
	Channel     string                        `json:"channel"`
	Destination proc.PID                      `json:"destination,omitempty"`
	ModuleID    string                        `json:"module_id,omitempty"`
	Delivered   bool                          `json:"delivered"`
	Result      json.RawMessage               `json:"result,omitempty"`
	Error       *kerr.Error                   `json:"error,omitempty"`
	Validations []capability.ValidationResult `json:"validations,omitempty"`
	CostMs      int64                         `json:"cost_ms,omitempty"`
}

// Err returns the delivery error as an error value, or nil.
func (d Delivery) Err() error {
	if d.Error == nil {
		return nil
	}
	return d.Error
}

// Send delivers msg synchronously: validate the envelope, resolve the
// route, check both ends' capabilities, run the destination for the
// duration of its handler and charge the cost to it. A message that fails
// to route leaves the scheduler, loader and capability states untouched.
func (k Kernel) Send(msg Message) (Kernel, Delivery, []Event) {
	const op = "kernel.Send"
	ch := msg.channel()
	d := Delivery{Channel: ch}
	if err := msg.Envelope.Validate(msg.At); err != nil {
		return k.reject(d, kerr.From(err, kerr.EnvelopeInvalid, op), msg.At)
	}
	rt, pid, err := k.router.Route(ch)
	k.router = rt
	if err != nil {
		return k.reject(d, kerr.From(err, kerr.NoRoute, op), msg.At)
	}
	return k.deliver(pid, router.Queued{
		Channel:      ch,
		Sender:       msg.Sender,
		CapabilityID: msg.CapabilityID,
		Envelope:     msg.Envelope,
		PostedAt:     msg.At,
	}, 0, false, msg.At)
}

// Post routes msg and queues it in the destination's mailbox for a later
// Step. The destination must be Running when the message is posted;
// capabilities are checked at delivery time.
func (k Kernel) Post(msg Message) (Kernel, Delivery, []Event) {
	const op = "kernel.Post"
	ch := msg.channel()
	d := Delivery{Channel: ch}
	if err := msg.Envelope.Validate(msg.At); err != nil {
		return k.reject(d, kerr.From(err, kerr.EnvelopeInvalid, op), msg.At)
	}
	rt, pid, err := k.router.Route(ch)
	k.router = rt
	if err != nil {
		return k.reject(d, kerr.From(err, kerr.NoRoute, op), msg.At)
	}
	d.Destination = pid
	rec, ok := k.loader.ModuleByPID(pid)
	if !ok || rec.State != loader.Running {
		k.router = k.router.Acknowledge(pid)
		return k.reject(d, kerr.New(kerr.ModuleUnavailable, op, "pid %d is not running", pid), msg.At)
	}
	d.ModuleID = rec.Manifest.ModuleID
	var q router.Queued
	k.router, q = k.router.Enqueue(pid, router.Queued{
		Channel:      ch,
		Sender:       msg.Sender,
		CapabilityID: msg.CapabilityID,
		Envelope:     msg.Envelope,
		PostedAt:     msg.At,
	})
	d.MessageID = q.ID
	if p, ok := k.sched.Process(pid); ok && p.State == scheduler.Blocked {
		k.sched, _ = k.sched.Unblock(pid)
	}
	k.msgs.Posted++
	return k, d, []Event{{
		Kind:     EventMessagePosted,
		At:       msg.At,
		ModuleID: d.ModuleID,
		PID:      pid,
		Data:     map[string]any{"channel": ch, "message_id": q.ID, "sender": uint64(msg.Sender)},
	}}
}

// StepResult reports what one scheduling step did.
type StepResult struct {
	Decision scheduler.Decision `json:"decision"`
	// Blocked is set when the chosen process had an empty mailbox and was
	// parked until the next Post.
	Blocked  bool      `json:"blocked,omitempty"`
	Delivery *Delivery `json:"delivery,omitempty"`
}

// Idle reports whether the step found nothing to run.
func (r StepResult) Idle() bool { return r.Decision.Kind == scheduler.DecisionIdle }

// Step runs one scheduling decision: the chosen process handles the oldest
// message in its mailbox, or blocks if it has none.
func (k Kernel) Step(now int64) (Kernel, StepResult, []Event) {
	dec := k.sched.Schedule()
	res := StepResult{Decision: dec}
	if dec.Kind == scheduler.DecisionIdle {
		return k, res, nil
	}
	rt, q, ok := k.router.Dequeue(dec.PID)
	if !ok {
		k.sched, _ = k.sched.Block(dec.PID)
		res.Blocked = true
		return k, res, nil
	}
	k.router = rt
	k, d, events := k.deliver(dec.PID, q, dec.TimeSliceMs, false, now)
	res.Delivery = &d
	return k, res, events
}

// RunUntilIdle steps until the scheduler is idle or maxSteps is reached
// (zero means no limit) and returns the deliveries made.
func (k Kernel) RunUntilIdle(now int64, maxSteps int) (Kernel, []Delivery, []Event) {
	var (
		out    []Delivery
		events []Event
	)
	for i := 0; maxSteps <= 0 || i < maxSteps; i++ {
		var (
			res StepResult
			evs []Event
		)
		k, res, evs = k.Step(now)
		events = append(events, evs...)
		if res.Idle() {
			break
		}
		if res.Delivery != nil {
			out = append(out, *res.Delivery)
		}
	}
	return k, out, events
}

// deliver runs q on pid. The message has already been routed, so every
// exit acknowledges it. draining lets a Suspended module finish queued
// work during a firm timeout.
func (k Kernel) deliver(pid proc.PID, q router.Queued, slice int64, draining bool, now int64) (Kernel, Delivery, []Event) {
	const op = "kernel.deliver"
	d := Delivery{MessageID: q.ID, Channel: q.Channel, Destination: pid}
	k.router = k.router.Acknowledge(pid)

	rec, ok := k.loader.ModuleByPID(pid)
	if !ok || !(rec.State == loader.Running || draining && rec.State == loader.Suspended) {
		return k.reject(d, kerr.New(kerr.ModuleUnavailable, op, "pid %d is not running", pid), now)
	}
	d.ModuleID = rec.Manifest.ModuleID
	if limit := rec.Manifest.Limits().MaxMessageBytes; int64(len(q.Envelope.Payload)) > limit {
		return k.reject(d, kerr.New(kerr.ResourceLimitExceeded, op, "payload of %d bytes exceeds %d", len(q.Envelope.Payload), limit), now)
	}

	res := capability.Resource{Type: capability.Channel, Path: q.Channel, TenantID: q.Envelope.AuthContext.TenantID}
	var events []Event
	check := func(id string, requester proc.PID, rights capability.Rights, validator string) bool {
		var v capability.ValidationResult
		k.caps, v = k.caps.ValidateCapability(id, rights, res, requester, validator, now)
		d.Validations = append(d.Validations, v)
		if !v.Valid {
			events = append(events, Event{
				Kind:     EventCapabilityDenied,
				At:       now,
				ModuleID: d.ModuleID,
				PID:      requester,
				Code:     v.Reason,
				Data:     map[string]any{"capability_id": id, "resource": res.String(), "rights": rights.String(), "validator": validator},
			})
		}
		return v.Valid
	}
	if q.Sender != proc.Host && !check(q.CapabilityID, q.Sender, capability.Write, validatorSend) {
		return k.rejectWith(d, d.Validations[len(d.Validations)-1].Err(), events, now)
	}
	own, _ := k.caps.Find(pid, res, capability.Read, now)
	if !check(own.ID, pid, capability.Read, validatorReceive) {
		return k.rejectWith(d, d.Validations[len(d.Validations)-1].Err(), events, now)
	}

	h, ok := k.loader.HandlerFor(pid)
	if !ok {
		return k.reject(d, kerr.New(kerr.ModuleUnavailable, op, "no handler bound for %s", d.ModuleID), now)
	}
	if p, ok := k.sched.Process(pid); ok && p.State == scheduler.Blocked {
		k.sched, _ = k.sched.Unblock(pid)
	}
	sched, err := k.sched.ExecuteSchedule(scheduler.Run(pid, slice))
	if err != nil {
		return k.reject(d, kerr.From(err, kerr.InvalidTransition, op), now)
	}

	out, panicked, herr := invoke(h, q.Envelope)
	d.CostMs = k.costMs
	if c, ok := h.(loader.Coster); ok {
		d.CostMs = max(c.Cost(q.Envelope), 0)
	}
	k.sched = sched.ConsumeTime(d.CostMs).Yield()
	if draining {
		k.sched, _ = k.sched.Block(pid)
	}

	if panicked {
		k.msgs.HandlerErrors++
		d.Error = kerr.New(kerr.HandlerFailed, op, "%s panicked: %v", d.ModuleID, herr)
		var evs []Event
		k, evs = k.teardown(rec, loader.Failed, "handler panic", now)
		events = append(events, failedEvent(d, now))
		return k, d, append(events, evs...)
	}
	if herr == nil && len(out) > 0 && !json.Valid(out) {
		herr = fmt.Errorf("handler returned invalid JSON")
	}
	if herr != nil {
		k.msgs.HandlerErrors++
		d.Error = kerr.New(kerr.HandlerFailed, op, "%s: %v", d.ModuleID, herr)
		return k, d, append(events, failedEvent(d, now))
	}
	k.msgs.Delivered++
	d.Delivered = true
	d.Result = out
	ev := Event{
		Kind:     EventMessageDelivered,
		At:       now,
		ModuleID: d.ModuleID,
		PID:      pid,
		Data: map[string]any{
			"channel": q.Channel,
			"sender":  uint64(q.Sender),
			"cost_ms": d.CostMs,
		},
	}
	if id := q.Envelope.TraceContext.TraceID; id != "" {
		ev.Data["trace_id"] = id
	}
	if tenant := q.Envelope.AuthContext.TenantID; tenant != "" {
		ev.Data["tenant_id"] = tenant
	}
	return k, d, append(events, ev)
}

// invoke calls h, converting a panic into an error with panicked set.
func invoke(h loader.Handler, env envelope.Envelope) (out json.RawMessage, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, panicked, err = nil, true, fmt.Errorf("%v", r)
		}
	}()
	out, err = h.Handle(env.Clone())
	return out, false, err
}

func (k Kernel) reject(d Delivery, err *kerr.Error, now int64) (Kernel, Delivery, []Event) {
	return k.rejectWith(d, err, nil, now)
}

func (k Kernel) rejectWith(d Delivery, err error, events []Event, now int64) (Kernel, Delivery, []Event) {
	d.Error = kerr.From(err, kerr.HandlerFailed, "kernel.deliver")
	k.msgs.Rejected++
	return k, d, append(events, Event{
		Kind:     EventMessageRejected,
		At:       now,
		ModuleID: d.ModuleID,
		PID:      d.Destination,
		Code:     d.Error.Code,
		Data:     map[string]any{"channel": d.Channel, "detail": d.Error.Detail},
	})
}

func failedEvent(d Delivery, now int64) Event {
	return Event{
		Kind:     EventMessageFailed,
		At:       now,
		ModuleID: d.ModuleID,
		PID:      d.Destination,
		Code:     d.Error.Code,
		Data:     map[string]any{"channel": d.Channel, "detail": d.Error.Detail},
	}
}
