package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

// Scenario operations.
const (
	OpLoad     = "load"
	OpSend     = "send"
	OpPost     = "post"
	OpDrain    = "drain"
	OpTimeout  = "timeout"
	OpUnload   = "unload"
	OpSuspend  = "suspend"
	OpResume   = "resume"
	OpTick     = "tick"
	OpSnapshot = "snapshot"
	OpRestore  = "restore"
)

const defaultMaxSteps = 1000

// ExpectOK asserts that a step succeeds.
const ExpectOK = "ok"

// Scenario is a scripted run with explicit timestamps. Replaying the same
// scenario on equally configured hosts yields the same kernel digest.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one scripted operation. Which fields apply depends on Op.
type Step struct {
	At int64  `yaml:"at"`
	Op string `yaml:"op"`

	// load
	Manifest     yaml.Node `yaml:"manifest"`
	ManifestFile string    `yaml:"manifest_file"`

	// send, post
	Opcode     string                 `yaml:"opcode"`
	Channel    string                 `yaml:"channel"`
	Payload    any                    `yaml:"payload"`
	Sender     uint64                 `yaml:"sender"`
	Capability string                 `yaml:"capability"`
	Auth       *envelope.AuthContext  `yaml:"auth"`
	Token      string                 `yaml:"token"` // bearer token, verified with the host's JWT secret
	Trace      *envelope.TraceContext `yaml:"trace"`

	// timeout, unload, suspend, resume
	Module string `yaml:"module"`
	Kind   string `yaml:"kind"`
	Reason string `yaml:"reason"`

	MaxSteps int    `yaml:"max_steps"`
	Snapshot string `yaml:"snapshot"`

	// Expect is "ok" or the kernel error code the step must end with.
	// Empty accepts any outcome.
	Expect string `yaml:"expect"`

	manifest manifest.Manifest
}

// StepReport records what one step did.
type StepReport struct {
	Index      int               `json:"index"`
	Op         string            `json:"op"`
	At         int64             `json:"at"`
	Module     string            `json:"module,omitempty"`
	PID        proc.PID          `json:"pid,omitempty"`
	Code       kerr.Code         `json:"code,omitempty"`
	Deliveries []kernel.Delivery `json:"deliveries,omitempty"`
	Restarted  []string          `json:"restarted,omitempty"`
	Digest     string            `json:"digest,omitempty"`
}

// Report is the outcome of a replay.
type Report struct {
	Name    string       `json:"name"`
	Steps   []StepReport `json:"steps"`
	Stats   kernel.Stats `json:"stats"`
	Running []string     `json:"running"`
	Digest  string       `json:"digest"`
}

// LoadScenario reads a scenario file. Manifest files are resolved relative
// to it.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("load scenario %q: %w", path, err)
	}
	sc, err := ParseScenario(data, filepath.Dir(path))
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario %q: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes and checks a YAML scenario.
func ParseScenario(data []byte, baseDir string) (Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("parse: %w", err)
	}
	var last int64
	for i := range sc.Steps {
		st := &sc.Steps[i]
		if st.At < last {
			return Scenario{}, fmt.Errorf("step %d: at %d is before %d", i, st.At, last)
		}
		last = st.At
		if err := st.prepare(baseDir); err != nil {
			return Scenario{}, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return sc, nil
}

func (st *Step) prepare(baseDir string) error {
	switch st.Op {
	case OpLoad:
		var err error
		switch {
		case st.ManifestFile != "":
			st.manifest, err = manifest.Load(filepath.Join(baseDir, st.ManifestFile))
		case st.Manifest.Kind != 0:
			var raw []byte
			if raw, err = yaml.Marshal(&st.Manifest); err == nil {
				st.manifest, err = manifest.Parse(raw)
			}
		default:
			err = errors.New("manifest or manifest_file is required")
		}
		return err
	case OpSend, OpPost:
		if st.Opcode == "" {
			return errors.New("opcode is required")
		}
	case OpTimeout, OpUnload, OpSuspend, OpResume:
		if st.Module == "" {
			return errors.New("module is required")
		}
	case OpSnapshot, OpRestore:
		if st.Snapshot == "" {
			return errors.New("snapshot name is required")
		}
	case OpDrain, OpTick:
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

func (st Step) message() (kernel.Message, error) {
	payload := st.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	env, err := envelope.New(st.Opcode, payload)
	if err != nil {
		return kernel.Message{}, err
	}
	if st.Auth != nil {
		env = env.WithAuth(*st.Auth)
	}
	if st.Trace != nil {
		env = env.WithTrace(*st.Trace)
	}
	return kernel.Message{
		Channel:      st.Channel,
		Envelope:     env,
		Sender:       proc.PID(st.Sender),
		CapabilityID: st.Capability,
		At:           st.At,
	}, nil
}

func (st Step) check(code kerr.Code) error {
	switch {
	case st.Expect == "":
		return nil
	case st.Expect == ExpectOK && code == "":
		return nil
	case st.Expect == string(code):
		return nil
	}
	got := string(code)
	if got == "" {
		got = ExpectOK
	}
	return fmt.Errorf("expected %s, got %s", st.Expect, got)
}

// Replay runs sc against h in order. Kernel errors are recorded in the
// step report and checked against Expect; any other error stops the run.
func Replay(ctx context.Context, h *Host, sc Scenario) (Report, error) {
	rep := Report{Name: sc.Name, Steps: []StepReport{}, Running: []string{}}
	for i, st := range sc.Steps {
		sr, err := h.run(ctx, st)
		sr.Index, sr.Op, sr.At = i, st.Op, st.At
		if err != nil {
			if sr.Code = kerr.CodeOf(err); sr.Code == "" {
				return rep, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
			}
		}
		if err := st.check(sr.Code); err != nil {
			return rep, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
		rep.Steps = append(rep.Steps, sr)
	}

	k := h.Kernel()
	rep.Stats = k.Stats()
	for _, m := range k.RunningModules() {
		rep.Running = append(rep.Running, m.Manifest.ModuleID)
	}
	digest, err := k.Digest()
	if err != nil {
		return rep, err
	}
	rep.Digest = digest
	return rep, nil
}

func (h *Host) run(ctx context.Context, st Step) (StepReport, error) {
	var sr StepReport
	switch st.Op {
	case OpLoad:
		res, err := h.Load(ctx, st.manifest, st.At)
		sr.Module, sr.PID = st.manifest.ModuleID, res.PID
		return sr, err
	case OpSend, OpPost:
		msg, err := st.message()
		if err != nil {
			return sr, err
		}
		if st.Token != "" {
			auth, err := h.Authenticate(st.Token, st.At)
			if err != nil {
				return sr, err
			}
			msg.Envelope = msg.Envelope.WithAuth(auth)
		}
		send := h.Send
		if st.Op == OpPost {
			send = h.Post
		}
		d, err := send(ctx, msg)
		sr.Module, sr.PID, sr.Deliveries = d.ModuleID, d.Destination, []kernel.Delivery{d}
		return sr, err
	case OpDrain:
		limit := st.MaxSteps
		if limit <= 0 {
			limit = defaultMaxSteps
		}
		sr.Deliveries = h.Drain(ctx, st.At, limit)
		return sr, nil
	case OpTimeout:
		sr.Module = st.Module
		res, err := h.Timeout(ctx, st.Module, loader.TimeoutKind(st.Kind), st.At)
		sr.Deliveries = res.Drained
		return sr, err
	case OpUnload:
		sr.Module = st.Module
		return sr, h.Unload(ctx, st.Module, st.Reason, st.At)
	case OpSuspend:
		sr.Module = st.Module
		return sr, h.Suspend(ctx, st.Module, st.Reason, st.At)
	case OpResume:
		sr.Module = st.Module
		return sr, h.Resume(ctx, st.Module, st.Reason, st.At)
	case OpTick:
		sr.Restarted = h.Tick(ctx, st.At)
		return sr, nil
	case OpSnapshot:
		digest, err := h.Snapshot(ctx, st.Snapshot, st.At)
		sr.Digest = digest
		return sr, err
	case OpRestore:
		return sr, h.Restore(ctx, st.Snapshot, st.At)
	}
	return sr, fmt.Errorf("unknown op %q", st.Op)
}
