package kernel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/capability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/scheduler"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

var echo = loader.HandlerFunc(func(env envelope.Envelope) (json.RawMessage, error) { return env.Payload, nil })

// accrue credits one hour per thirty worked.
var accrue = loader.HandlerFunc(func(env envelope.Envelope) (json.RawMessage, error) {
	var in struct {
		Hours int `json:"hours"`
	}
	if err := env.Decode(&in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"accrued": in.Hours / 30})
})

func accrualManifest() manifest.Manifest {
	return manifest.Manifest{
		ModuleID:   "accrual-engine",
		Version:    "1.0.0",
		EntryPoint: "accrual",
		ModuleType: manifest.TypeBuiltin,
		Priority:   proc.Normal,
		RequiredCapabilities: []manifest.RequiredCapability{
			{ResourceType: "channel", ResourcePattern: "accrual.*", Rights: []string{"read", "write"}},
			{ResourceType: "persistence", ResourcePattern: "balances", Rights: []string{"persistence_write"}},
		},
		AllowedChannels: []manifest.ChannelDecl{{Pattern: "accrual.*", Subscribe: true}},
	}
}

func complianceManifest() manifest.Manifest {
	return manifest.Manifest{
		ModuleID:   "compliance-engine",
		Version:    "1.0.0",
		EntryPoint: "compliance",
		ModuleType: manifest.TypeBuiltin,
		Priority:   proc.High,
		AllowedChannels: []manifest.ChannelDecl{
			{Pattern: "compliance.check", Subscribe: true},
			{Pattern: "accrual.calculate", Publish: true},
		},
	}
}

func mustLoad(t *testing.T, k Kernel, m manifest.Manifest, h loader.Handler, now int64) Kernel {
	t.Helper()
	k, res, _ := k.Load(LoadRequest{Manifest: m, Handler: h}, now)
	require.True(t, res.Success, "%v", res.Error)
	return k
}

func hostMsg(t *testing.T, opcode string, payload any, at int64) Message {
	t.Helper()
	env, err := envelope.New(opcode, payload)
	require.NoError(t, err)
	return Message{Envelope: env, At: at}
}

func kinds(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestSendDeliversToSubscribedModule(t *testing.T) {
	k, res, events := New(DefaultConfig()).Load(LoadRequest{Manifest: accrualManifest(), Handler: accrue}, 100)
	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, proc.PID(1), res.PID)
	assert.Equal(t, []string{EventModuleLoaded}, kinds(events))

	k, d, events := k.Send(hostMsg(t, "accrual.calculate", map[string]int{"hours": 90}, 200))
	require.NoError(t, d.Err())
	assert.True(t, d.Delivered)
	assert.Equal(t, "accrual-engine", d.ModuleID)
	assert.JSONEq(t, `{"accrued":3}`, string(d.Result))
	require.Len(t, d.Validations, 1)
	assert.True(t, d.Validations[0].Valid)
	assert.Equal(t, validatorReceive, d.Validations[0].Validator)
	assert.Equal(t, []string{EventMessageDelivered}, kinds(events))

	st := k.Stats()
	assert.Equal(t, uint64(1), st.Messages.Delivered)
	assert.Equal(t, uint64(1), st.Router.TotalRouted)
	assert.Zero(t, st.Router.PendingMessages)
	assert.Equal(t, uint64(1), st.Scheduler.ContextSwitches)
	assert.Equal(t, int64(1), st.Scheduler.TotalCPUTimeMs)

	p, ok := k.Scheduler().Process(1)
	require.True(t, ok)
	assert.Equal(t, scheduler.Ready, p.State)
}

func TestSendUnroutedChannelLeavesProcessesUntouched(t *testing.T) {
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), accrue, 100)
	procs, caps := k.Scheduler().Processes(), k.Capabilities().Stats()

	for _, ch := range []string{"payroll.sync", "accrual.calculate.v2"} {
		var d Delivery
		k, d, _ = k.Send(hostMsg(t, ch, map[string]int{"hours": 1}, 200))
		assert.ErrorIs(t, d.Err(), kerr.ErrNoRoute, ch)
		assert.False(t, d.Delivered)
	}
	assert.Empty(t, cmp.Diff(procs, k.Scheduler().Processes()))
	assert.Equal(t, caps, k.Capabilities().Stats())
	assert.Equal(t, uint64(2), k.Stats().Router.RouteFailures)
	assert.Equal(t, uint64(2), k.Stats().Messages.Rejected)
}

func TestLoadIsAllOrNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loader.Grantable = map[capability.ResourceType]capability.Rights{capability.Channel: capability.All}

	k, res, events := New(cfg).Load(LoadRequest{Manifest: accrualManifest(), Handler: accrue}, 100)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Error, kerr.ErrRequiredCapabilityMissing)
	assert.Equal(t, []string{EventModuleLoadFailed}, kinds(events))

	assert.Empty(t, k.Scheduler().Processes())
	assert.Empty(t, k.Router().Routes())
	assert.Zero(t, k.Capabilities().Stats().ActiveCapabilities)
	assert.Empty(t, k.RunningModules())
	st := k.Stats()
	assert.Equal(t, proc.PID(2), st.NextPID, "failed loads still consume a pid")
	assert.Equal(t, uint64(1), st.Loader.LoadsFailed)

	_, d, _ := k.Send(hostMsg(t, "accrual.calculate", nil, 200))
	assert.ErrorIs(t, d.Err(), kerr.ErrNoRoute)
}

func TestLoadRollsBackOnDuplicateRoute(t *testing.T) {
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), accrue, 100)
	dup := accrualManifest()
	dup.ModuleID = "accrual-shadow"

	k, res, _ := k.Load(LoadRequest{Manifest: dup, Handler: echo}, 110)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Error, kerr.ErrDuplicatePattern)
	assert.Equal(t, proc.PID(2), res.PID)
	assert.Len(t, k.Scheduler().Processes(), 1)
	assert.Len(t, k.Capabilities().ListByOwner(2), 0)
	assert.Equal(t, proc.PID(3), k.Stats().NextPID)
	assert.Equal(t, uint64(2), k.Stats().Loader.LoadsAttempted)
}

func TestLoadRejectsInvalidManifest(t *testing.T) {
	m := accrualManifest()
	m.Version = "latest"
	k, res, events := New(DefaultConfig()).Load(LoadRequest{Manifest: m, Handler: echo}, 100)
	assert.ErrorIs(t, res.Error, kerr.ErrManifestInvalid)
	assert.Equal(t, kerr.ManifestInvalid, events[0].Code)
	assert.Empty(t, k.Scheduler().Processes())
}

func TestPostAndStepDeliverInOrder(t *testing.T) {
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), echo, 100)
	for i := 1; i <= 2; i++ {
		var d Delivery
		k, d, _ = k.Post(hostMsg(t, "accrual.calculate", i, 150))
		require.NoError(t, d.Err())
		assert.Equal(t, uint64(i), d.MessageID)
	}
	assert.Equal(t, 2, k.Stats().Router.PendingMessages)
	assert.Equal(t, 2, k.Router().Queued(1))

	k, ds, _ := k.RunUntilIdle(200, 0)
	require.Len(t, ds, 2)
	assert.JSONEq(t, `1`, string(ds[0].Result))
	assert.JSONEq(t, `2`, string(ds[1].Result))
	assert.Zero(t, k.Stats().Router.PendingMessages)

	p, _ := k.Scheduler().Process(1)
	assert.Equal(t, scheduler.Blocked, p.State, "an empty mailbox parks the process")

	k, _, _ = k.Post(hostMsg(t, "accrual.calculate", 3, 250))
	p, _ = k.Scheduler().Process(1)
	assert.Equal(t, scheduler.Ready, p.State)

	_, res, _ := k.Step(260)
	require.NotNil(t, res.Delivery)
	assert.JSONEq(t, `3`, string(res.Delivery.Result))
}

func TestStepIdleWithNothingLoaded(t *testing.T) {
	_, res, events := New(DefaultConfig()).Step(0)
	assert.True(t, res.Idle())
	assert.Nil(t, events)
}

func TestModuleSenderNeedsWriteCapability(t *testing.T) {
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), accrue, 100)
	k = mustLoad(t, k, complianceManifest(), echo, 100)

	c, ok := k.Capabilities().Find(2, capability.Resource{Type: capability.Channel, Path: "accrual.calculate"}, capability.Write, 100)
	require.True(t, ok)

	msg := hostMsg(t, "accrual.calculate", map[string]int{"hours": 30}, 200)
	msg.Sender = 2
	msg.CapabilityID = c.ID
	k, d, _ := k.Send(msg)
	require.NoError(t, d.Err())
	require.Len(t, d.Validations, 2)
	assert.Equal(t, validatorSend, d.Validations[0].Validator)
	assert.JSONEq(t, `{"accrued":1}`, string(d.Result))

	msg.CapabilityID = ""
	k, d, events := k.Send(msg)
	assert.ErrorIs(t, d.Err(), kerr.ErrCapabilityNotFound)
	assert.Equal(t, []string{EventCapabilityDenied, EventMessageRejected}, kinds(events))
	assert.Zero(t, k.Stats().Router.PendingMessages)
	assert.Equal(t, uint64(1), k.Stats().Capabilities.ValidationFailures)
}

func TestHandlerPanicFailsModule(t *testing.T) {
	boom := loader.HandlerFunc(func(envelope.Envelope) (json.RawMessage, error) { panic("boom") })
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), boom, 100)

	k, d, events := k.Send(hostMsg(t, "accrual.calculate", nil, 200))
	assert.ErrorIs(t, d.Err(), kerr.ErrHandlerFailed)
	assert.Contains(t, kinds(events), EventModuleState)
	assert.Contains(t, kinds(events), EventCapabilityRevoked)

	rec, _ := k.Loader().Module("accrual-engine")
	assert.Equal(t, loader.Failed, rec.State)
	p, _ := k.Scheduler().Process(1)
	assert.Equal(t, scheduler.Terminated, p.State)
	assert.Empty(t, k.Router().Routes())
	assert.Empty(t, k.Capabilities().ListByOwner(1))

	_, d, _ = k.Send(hostMsg(t, "accrual.calculate", nil, 210))
	assert.ErrorIs(t, d.Err(), kerr.ErrNoRoute)
}

func TestHandlerErrorKeepsModuleRunning(t *testing.T) {
	failing := loader.HandlerFunc(func(envelope.Envelope) (json.RawMessage, error) { return nil, errors.New("balance store offline") })
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), failing, 100)

	k, d, _ := k.Send(hostMsg(t, "accrual.calculate", nil, 200))
	assert.ErrorIs(t, d.Err(), kerr.ErrHandlerFailed)
	assert.Contains(t, d.Error.Detail, "balance store offline")
	assert.Len(t, k.RunningModules(), 1)
	assert.Equal(t, uint64(1), k.Stats().Messages.HandlerErrors)
}

type costly struct{ loader.HandlerFunc }

func (costly) Cost(envelope.Envelope) int64 { return 7 }

func TestHandlerReportedCost(t *testing.T) {
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), costly{echo}, 100)
	k, d, _ := k.Send(hostMsg(t, "accrual.calculate", 1, 200))
	require.NoError(t, d.Err())
	assert.Equal(t, int64(7), d.CostMs)
	assert.Equal(t, int64(7), k.Stats().Scheduler.TotalCPUTimeMs)
}

func TestSendRejects(t *testing.T) {
	small := accrualManifest()
	small.ResourceLimits.MaxMessageBytes = 8

	cfg := DefaultConfig()
	cfg.Loader.GrantTTLMs = 50

	expired := hostMsg(t, "accrual.calculate", 1, 200)
	expired.Envelope = expired.Envelope.WithAuth(envelope.AuthContext{TenantID: "acme", ExpiresAt: 150})

	tests := []struct {
		name string
		k    Kernel
		msg  Message
		want error
	}{
		{"expired auth", mustLoad(t, New(DefaultConfig()), accrualManifest(), echo, 100), expired, kerr.ErrAuthExpired},
		{"bad opcode", mustLoad(t, New(DefaultConfig()), accrualManifest(), echo, 100), Message{Envelope: envelope.Envelope{Opcode: "accrual..x"}, At: 200}, kerr.ErrEnvelopeInvalid},
		{"payload too large", mustLoad(t, New(DefaultConfig()), small, echo, 100), hostMsg(t, "accrual.calculate", map[string]int{"hours": 90}, 200), kerr.ErrResourceLimitExceeded},
		{"expired grant", mustLoad(t, New(cfg), accrualManifest(), echo, 100), hostMsg(t, "accrual.calculate", 1, 160), kerr.ErrCapabilityExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, d, _ := tt.k.Send(tt.msg)
			assert.ErrorIs(t, d.Err(), tt.want)
			assert.False(t, d.Delivered)
			assert.Zero(t, k.Stats().Router.PendingMessages)
			assert.Zero(t, k.Stats().Scheduler.ContextSwitches)
		})
	}
}

func TestSuspendAndResume(t *testing.T) {
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), echo, 100)
	k, events, err := k.Suspend("accrual-engine", "maintenance", 150)
	require.NoError(t, err)
	assert.Equal(t, []string{EventModuleState}, kinds(events))

	_, d, _ := k.Post(hostMsg(t, "accrual.calculate", 1, 160))
	assert.ErrorIs(t, d.Err(), kerr.ErrModuleUnavailable)
	_, d, _ = k.Send(hostMsg(t, "accrual.calculate", 1, 160))
	assert.ErrorIs(t, d.Err(), kerr.ErrModuleUnavailable)
	assert.True(t, k.Scheduler().Schedule().Kind == scheduler.DecisionIdle)

	k, _, err = k.Resume("accrual-engine", "", 170)
	require.NoError(t, err)
	_, d, _ = k.Send(hostMsg(t, "accrual.calculate", 1, 180))
	assert.NoError(t, d.Err())

	_, _, err = k.Resume("accrual-engine", "", 190)
	assert.ErrorIs(t, err, kerr.ErrInvalidTransition)
}

func TestTimeouts(t *testing.T) {
	queued := func(t *testing.T) Kernel {
		k := mustLoad(t, New(DefaultConfig()), accrualManifest(), echo, 100)
		k, _, _ = k.Post(hostMsg(t, "accrual.calculate", 1, 110))
		k, _, _ = k.Post(hostMsg(t, "accrual.calculate", 2, 111))
		return k
	}

	t.Run("soft", func(t *testing.T) {
		k, res, _, err := queued(t).Timeout("accrual-engine", loader.SoftTimeout, 200)
		require.NoError(t, err)
		assert.Equal(t, loader.ActionRetry, res.Action)
		assert.Len(t, k.RunningModules(), 1)
		assert.Equal(t, 2, k.Router().Queued(1))
	})

	t.Run("firm drains then terminates", func(t *testing.T) {
		k, res, _, err := queued(t).Timeout("accrual-engine", loader.FirmTimeout, 200)
		require.NoError(t, err)
		assert.Equal(t, loader.ActionDrain, res.Action)
		require.Len(t, res.Drained, 2)
		for _, d := range res.Drained {
			assert.True(t, d.Delivered, "%v", d.Error)
		}
		rec, _ := k.Loader().Module("accrual-engine")
		assert.Equal(t, loader.Terminated, rec.State)
		p, _ := k.Scheduler().Process(1)
		assert.Equal(t, scheduler.Terminated, p.State)
		assert.Empty(t, k.Router().Routes())
		assert.Zero(t, k.Stats().Router.PendingMessages)
	})

	t.Run("hard drops the mailbox", func(t *testing.T) {
		k, res, events, err := queued(t).Timeout("accrual-engine", loader.HardTimeout, 200)
		require.NoError(t, err)
		assert.Equal(t, loader.ActionKill, res.Action)
		assert.Empty(t, res.Drained)
		assert.Contains(t, kinds(events), EventMessageDropped)
		assert.Equal(t, uint64(2), k.Stats().Messages.Dropped)
		assert.Zero(t, k.Stats().Router.PendingMessages)

		rec, _ := k.Loader().Module("accrual-engine")
		assert.Equal(t, loader.Failed, rec.State)

		k, _, err = k.Unload("accrual-engine", "cleanup", 210)
		require.NoError(t, err)
		rec, _ = k.Loader().Module("accrual-engine")
		assert.Equal(t, loader.Terminated, rec.State)
	})

	t.Run("unknown module", func(t *testing.T) {
		_, _, _, err := New(DefaultConfig()).Timeout("nope", loader.SoftTimeout, 0)
		assert.ErrorIs(t, err, kerr.ErrModuleUnavailable)
	})
}

func TestUnloadReleasesEverything(t *testing.T) {
	k := mustLoad(t, New(DefaultConfig()), accrualManifest(), echo, 100)
	k, _, err := k.Unload("accrual-engine", "", 200)
	require.NoError(t, err)
	assert.Empty(t, k.RunningModules())
	assert.Empty(t, k.Router().Routes())
	assert.Empty(t, k.Capabilities().ListByOwner(1))

	_, _, err = k.Unload("accrual-engine", "", 210)
	assert.ErrorIs(t, err, kerr.ErrInvalidTransition)

	k, res, _ := k.Load(LoadRequest{Manifest: accrualManifest(), Handler: echo}, 300)
	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, proc.PID(2), res.PID)
}

func TestCapabilityOperations(t *testing.T) {
	k, res, _ := New(DefaultConfig()).Load(LoadRequest{Manifest: accrualManifest(), Handler: echo}, 100)
	require.True(t, res.Success)
	require.Len(t, res.Granted, 3)

	k, ids, _, err := k.Revoke(res.Granted[0], 150)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Granted[0]}, ids)
	k, d, _ := k.Send(hostMsg(t, "accrual.calculate", 1, 160))
	assert.NoError(t, d.Err(), "the subscription grant still covers the channel")

	k, _, _, err = k.Revoke(res.Granted[2], 170)
	require.NoError(t, err)
	k, d, _ = k.Send(hostMsg(t, "accrual.calculate", 1, 180))
	assert.ErrorIs(t, d.Err(), kerr.ErrCapabilityNotFound)

	_, _, _, err = k.Delegate(capability.DelegateRequest{Parent: res.Granted[1], To: 9, Requester: 1}, 190)
	assert.ErrorIs(t, err, kerr.ErrUnknownPID)
}

func TestExpireCapabilities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loader.GrantTTLMs = 50
	k := mustLoad(t, New(cfg), accrualManifest(), echo, 100)

	_, ids, events := k.ExpireCapabilities(149)
	assert.Empty(t, ids)
	assert.Nil(t, events)

	k, ids, events = k.ExpireCapabilities(150)
	assert.Len(t, ids, 3)
	assert.Equal(t, []string{EventCapabilityExpired}, kinds(events))
	assert.Zero(t, k.Stats().Capabilities.ActiveCapabilities)
}

func TestReceiveUsesLiveCapability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loader.GrantTTLMs = 1000
	k := mustLoad(t, New(cfg), accrualManifest(), accrue, 0)

	granter := manifest.Manifest{
		ModuleID:   "granter",
		Version:    "1.0.0",
		EntryPoint: "granter",
		ModuleType: manifest.TypeBuiltin,
		Priority:   proc.Normal,
		RequiredCapabilities: []manifest.RequiredCapability{
			{ResourceType: "channel", ResourcePattern: "accrual.*", Rights: []string{"read", "delegate"}},
		},
		AllowedChannels: []manifest.ChannelDecl{{Pattern: "granter.ping", Subscribe: true}},
	}
	k, res, _ := k.Load(LoadRequest{Manifest: granter, Handler: echo}, 500)
	require.True(t, res.Success, "%v", res.Error)

	k, child, _, err := k.Delegate(capability.DelegateRequest{
		Parent: res.Granted[0], To: 1, Rights: capability.Read, Requester: res.PID,
	}, 600)
	require.NoError(t, err)

	k, d, _ := k.Send(hostMsg(t, "accrual.calculate", map[string]int{"hours": 30}, 1200))
	require.NoError(t, d.Err())
	assert.True(t, d.Delivered)
	require.Len(t, d.Validations, 1)
	assert.Equal(t, child.ID, d.Validations[0].CapabilityID)

	_, d, _ = k.Send(hostMsg(t, "accrual.calculate", map[string]int{"hours": 30}, 1600))
	assert.ErrorIs(t, d.Err(), kerr.ErrCapabilityExpired)
}

// script drives a fixed sequence of operations and returns the final kernel
// and every event produced.
func script(t *testing.T) (Kernel, []Event) {
	var all []Event
	add := func(evs []Event) { all = append(all, evs...) }

	k, _, evs := New(DefaultConfig()).Load(LoadRequest{Manifest: accrualManifest(), Handler: accrue}, 100)
	add(evs)
	k, _, evs = k.Load(LoadRequest{Manifest: complianceManifest(), Handler: echo}, 101)
	add(evs)
	for i, ch := range []string{"accrual.calculate", "payroll.sync", "compliance.check", "accrual.balance"} {
		k, _, evs = k.Send(hostMsg(t, ch, map[string]int{"hours": 30 * i}, int64(200+i)))
		add(evs)
	}
	k, _, evs = k.Post(hostMsg(t, "compliance.check", true, 300))
	add(evs)
	k, _, evs = k.RunUntilIdle(310, 0)
	add(evs)
	k, _, _, _ = k.Timeout("compliance-engine", loader.HardTimeout, 400)
	return k, all
}

func TestIdenticalOperationsGiveIdenticalKernels(t *testing.T) {
	a, ea := script(t)
	b, eb := script(t)

	assert.Equal(t, a.Stats(), b.Stats())
	assert.Equal(t, a.RunningModules(), b.RunningModules())
	assert.Empty(t, cmp.Diff(ea, eb))

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, da)
}

func TestSnapshotRestore(t *testing.T) {
	k, _ := script(t)
	snap, err := k.Snapshot()
	require.NoError(t, err)

	restored, err := Restore(snap)
	require.NoError(t, err)
	want, _ := k.Digest()
	got, _ := restored.Digest()
	assert.Equal(t, want, got)
	assert.Equal(t, k.Stats(), restored.Stats())

	msg := hostMsg(t, "accrual.calculate", map[string]int{"hours": 60}, 500)
	_, d, _ := restored.Send(msg)
	assert.ErrorIs(t, d.Err(), kerr.ErrModuleUnavailable, "handlers are not part of a snapshot")

	restored, err = restored.Bind("accrual-engine", accrue)
	require.NoError(t, err)
	k, want1, _ := k.Send(msg)
	restored, got1, _ := restored.Send(msg)
	assert.Equal(t, want1, got1)
	want, _ = k.Digest()
	got, _ = restored.Digest()
	assert.Equal(t, want, got)

	_, err = Restore([]byte(`{`))
	assert.Error(t, err)
}
