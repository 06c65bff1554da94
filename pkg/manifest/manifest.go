// Package manifest describes, parses and validates module manifests.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/pattern"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

// ModuleType selects how the host resolves EntryPoint to a handler.
type ModuleType string

const (
	TypeWasm    ModuleType = "wasm"
	TypeBuiltin ModuleType = "builtin"
)

// RequiredCapability is a capability the module needs to run. Rights are
// right names as understood by the capability engine.
type RequiredCapability struct {
	ResourceType    string   `json:"resourceType" yaml:"resourceType"`
	ResourcePattern string   `json:"resourcePattern" yaml:"resourcePattern"`
	Rights          []string `json:"rights" yaml:"rights"`
	Optional        bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Reason          string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// ChannelDecl declares a channel pattern the module publishes or subscribes to.
type ChannelDecl struct {
	Pattern   string `json:"pattern" yaml:"pattern"`
	Publish   bool   `json:"publish,omitempty" yaml:"publish,omitempty"`
	Subscribe bool   `json:"subscribe,omitempty" yaml:"subscribe,omitempty"`
}

// ResourceLimits bound a module instance. MaxExecutionMs is the wall-clock
// budget of one handler call; the kernel enforces it through time slices
// and the host through call deadlines.
type ResourceLimits struct {
	MaxMemoryBytes  int64  `json:"maxMemoryBytes,omitempty" yaml:"maxMemoryBytes,omitempty"`
	MaxTableEntries int64  `json:"maxTableEntries,omitempty" yaml:"maxTableEntries,omitempty"`
	MaxExecutionMs  int64  `json:"maxExecutionMs,omitempty" yaml:"maxExecutionMs,omitempty"`
	MaxMessageBytes int64  `json:"maxMessageBytes,omitempty" yaml:"maxMessageBytes,omitempty"`
	MaxFuel         uint64 `json:"maxFuel,omitempty" yaml:"maxFuel,omitempty"`
}

const mib = 1 << 20

// DefaultResourceLimits are applied to any limit a manifest leaves unset.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:  16 * mib,
		MaxTableEntries: 10,
		MaxExecutionMs:  1000,
		MaxMessageBytes: 1 * mib,
		MaxFuel:         10_000_000,
	}
}

// DefaultCeilings are the hard kernel ceilings no manifest may exceed.
func DefaultCeilings() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:  32 * mib,
		MaxTableEntries: 10,
		MaxExecutionMs:  5000,
		MaxMessageBytes: 4 * mib,
		MaxFuel:         20_000_000,
	}
}

// WithDefaults fills zero fields from DefaultResourceLimits.
func (l ResourceLimits) WithDefaults() ResourceLimits {
	d := DefaultResourceLimits()
	if l.MaxMemoryBytes == 0 {
		l.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if l.MaxTableEntries == 0 {
		l.MaxTableEntries = d.MaxTableEntries
	}
	if l.MaxExecutionMs == 0 {
		l.MaxExecutionMs = d.MaxExecutionMs
	}
	if l.MaxMessageBytes == 0 {
		l.MaxMessageBytes = d.MaxMessageBytes
	}
	if l.MaxFuel == 0 {
		l.MaxFuel = d.MaxFuel
	}
	return l
}

// Within reports the first limit of l that exceeds ceiling, if any.
func (l ResourceLimits) Within(ceiling ResourceLimits) error {
	const op = "manifest.ResourceLimits"
	switch {
	case l.MaxMemoryBytes > ceiling.MaxMemoryBytes:
		return kerr.New(kerr.ResourceLimitExceeded, op, "maxMemoryBytes %d > ceiling %d", l.MaxMemoryBytes, ceiling.MaxMemoryBytes)
	case l.MaxTableEntries > ceiling.MaxTableEntries:
		return kerr.New(kerr.ResourceLimitExceeded, op, "maxTableEntries %d > ceiling %d", l.MaxTableEntries, ceiling.MaxTableEntries)
	case l.MaxExecutionMs > ceiling.MaxExecutionMs:
		return kerr.New(kerr.ResourceLimitExceeded, op, "maxExecutionMs %d > ceiling %d", l.MaxExecutionMs, ceiling.MaxExecutionMs)
	case l.MaxMessageBytes > ceiling.MaxMessageBytes:
		return kerr.New(kerr.ResourceLimitExceeded, op, "maxMessageBytes %d > ceiling %d", l.MaxMessageBytes, ceiling.MaxMessageBytes)
	case l.MaxFuel > ceiling.MaxFuel:
		return kerr.New(kerr.ResourceLimitExceeded, op, "maxFuel %d > ceiling %d", l.MaxFuel, ceiling.MaxFuel)
	}
	return nil
}

// Manifest is the static declaration of a module.
type Manifest struct {
	ModuleID             string               `json:"moduleId" yaml:"moduleId"`
	Version              string               `json:"version" yaml:"version"`
	Name                 string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description          string               `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredCapabilities []RequiredCapability `json:"requiredCapabilities,omitempty" yaml:"requiredCapabilities,omitempty"`
	AllowedSyscalls      []string             `json:"allowedSyscalls,omitempty" yaml:"allowedSyscalls,omitempty"`
	AllowedChannels      []ChannelDecl        `json:"allowedChannels,omitempty" yaml:"allowedChannels,omitempty"`
	ResourceLimits       ResourceLimits       `json:"resourceLimits" yaml:"resourceLimits"`
	EntryPoint           string               `json:"entryPoint" yaml:"entryPoint"`
	Dependencies         []string             `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Priority             proc.Priority        `json:"priority" yaml:"priority"`
	ModuleType           ModuleType           `json:"moduleType" yaml:"moduleType"`
	Checksum             string               `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

var moduleIDRe = regexp.MustCompile(`^[a-z][a-z0-9]*(?:[-_][a-z0-9]+)*$`)

// Validate checks the manifest's structure. It does not consult kernel
// ceilings or other modules; the loader does that.
func (m Manifest) Validate() error {
	const op = "manifest.Validate"
	invalid := func(format string, args ...any) error {
		return kerr.New(kerr.ManifestInvalid, op, "%s: %s", m.ModuleID, fmt.Sprintf(format, args...))
	}
	if !moduleIDRe.MatchString(m.ModuleID) {
		return kerr.New(kerr.ManifestInvalid, op, "moduleId %q is not a lowercase identifier", m.ModuleID)
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return invalid("version %q: %v", m.Version, err)
	}
	if m.EntryPoint == "" {
		return invalid("entryPoint is required")
	}
	if !m.Priority.Valid() {
		return invalid("priority %d out of range", int(m.Priority))
	}
	for i, rc := range m.RequiredCapabilities {
		if rc.ResourceType == "" || rc.ResourcePattern == "" {
			return invalid("requiredCapabilities[%d]: resourceType and resourcePattern are required", i)
		}
		if _, err := pattern.Parse(rc.ResourcePattern); err != nil {
			return invalid("requiredCapabilities[%d]: %v", i, err)
		}
		if len(rc.Rights) == 0 {
			return invalid("requiredCapabilities[%d]: no rights requested", i)
		}
	}
	seen := map[string]bool{}
	for i, ch := range m.AllowedChannels {
		p, err := pattern.Parse(ch.Pattern)
		if err != nil {
			return invalid("allowedChannels[%d]: %v", i, err)
		}
		if !ch.Publish && !ch.Subscribe {
			return invalid("allowedChannels[%d]: %q neither publishes nor subscribes", i, ch.Pattern)
		}
		if seen[p.String()] {
			return invalid("allowedChannels[%d]: duplicate pattern %q", i, ch.Pattern)
		}
		seen[p.String()] = true
	}
	for i, sc := range m.AllowedSyscalls {
		if sc == "" || slices.Index(m.AllowedSyscalls, sc) != i {
			return invalid("allowedSyscalls[%d]: empty or duplicate %q", i, sc)
		}
	}
	l := m.ResourceLimits
	if l.MaxMemoryBytes < 0 || l.MaxTableEntries < 0 || l.MaxExecutionMs < 0 || l.MaxMessageBytes < 0 {
		return invalid("resourceLimits must not be negative")
	}
	for _, d := range m.Dependencies {
		dep, err := ParseDependency(d)
		if err != nil {
			return invalid("%v", err)
		}
		if dep.ModuleID == m.ModuleID {
			return invalid("module depends on itself")
		}
	}
	if m.Checksum != "" {
		if _, err := parseChecksum(m.Checksum); err != nil {
			return invalid("checksum: %v", err)
		}
	}
	return nil
}

// Limits returns the effective limits with defaults filled in.
func (m Manifest) Limits() ResourceLimits {
	return m.ResourceLimits.WithDefaults()
}

// Subscriptions lists the channel patterns the module receives on.
func (m Manifest) Subscriptions() []string {
	var out []string
	for _, ch := range m.AllowedChannels {
		if ch.Subscribe {
			out = append(out, pattern.Normalize(ch.Pattern))
		}
	}
	return out
}

// Clone deep-copies the manifest so a loaded record cannot be changed
// through a caller's slices.
func (m Manifest) Clone() Manifest {
	m.RequiredCapabilities = slices.Clone(m.RequiredCapabilities)
	for i := range m.RequiredCapabilities {
		m.RequiredCapabilities[i].Rights = slices.Clone(m.RequiredCapabilities[i].Rights)
	}
	m.AllowedSyscalls = slices.Clone(m.AllowedSyscalls)
	m.AllowedChannels = slices.Clone(m.AllowedChannels)
	m.Dependencies = slices.Clone(m.Dependencies)
	return m
}

// Parse decodes a JSON or YAML manifest, checks it against the manifest
// schema and validates it.
func Parse(data []byte) (Manifest, error) {
	const op = "manifest.Parse"
	doc, err := toJSON(data)
	if err != nil {
		return Manifest{}, kerr.New(kerr.ManifestInvalid, op, "%v", err)
	}
	if err := ValidateSchema(doc); err != nil {
		return Manifest{}, err
	}
	m := Manifest{Priority: proc.Normal}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, kerr.New(kerr.ManifestInvalid, op, "%v", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// toJSON returns data as JSON, converting YAML input.
func toJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("empty manifest")
	}
	return json.Marshal(v)
}
