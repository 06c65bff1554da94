// Package admission evaluates CEL policies over module manifests. An
// Evaluator plugs into the loader as its Admitter, so a denied manifest
// fails validation before any capability is granted.
package admission

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

// Policy is a named boolean CEL expression over the variable manifest,
// which holds the manifest in its JSON shape.
type Policy struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// DefaultPolicies are always-on platform rules.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: "wasm-checksum", Expr: `manifest.moduleType != "wasm" || has(manifest.checksum)`},
		{Name: "namespaced-channels", Expr: `!has(manifest.allowedChannels) || manifest.allowedChannels.all(c, c.pattern.contains("."))`},
		{Name: "no-wildcard-root", Expr: `!has(manifest.requiredCapabilities) || manifest.requiredCapabilities.all(c, c.resourcePattern != "*")`},
	}
}

// Evaluator runs a fixed policy set. It is safe for concurrent use.
type Evaluator struct {
	env      *cel.Env
	policies []Policy

	mu    sync.RWMutex
	progs map[string]cel.Program
}

// New compiles policies up front so a bad expression fails at startup.
func New(policies ...Policy) (*Evaluator, error) {
	env, err := cel.NewEnv(cel.Variable("manifest", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("admission: cel environment: %w", err)
	}
	e := &Evaluator{env: env, policies: policies, progs: make(map[string]cel.Program)}
	for _, p := range policies {
		if _, err := e.program(p.Expr); err != nil {
			return nil, fmt.Errorf("admission: policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadPolicies reads a YAML list of policies.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Policy
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("admission: %s: %w", path, err)
	}
	return out, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.progs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.progs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.progs[expr] = prg
	return prg, nil
}

// Admit evaluates every policy in order and reports the first denial.
func (e *Evaluator) Admit(m manifest.Manifest) error {
	const op = "admission.Admit"
	doc, err := document(m)
	if err != nil {
		return kerr.New(kerr.ManifestInvalid, op, "%s: %v", m.ModuleID, err)
	}
	input := map[string]any{"manifest": doc}
	for _, p := range e.policies {
		prg, err := e.program(p.Expr)
		if err != nil {
			return kerr.New(kerr.ManifestInvalid, op, "policy %s: %v", p.Name, err)
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return kerr.New(kerr.ManifestInvalid, op, "policy %s: eval: %v", p.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return kerr.New(kerr.ManifestInvalid, op, "policy %s: result is %T, want bool", p.Name, out.Value())
		}
		if !allowed {
			return kerr.New(kerr.ManifestInvalid, op, "%s denied by policy %s", m.ModuleID, p.Name)
		}
	}
	return nil
}

// document converts m to its JSON shape with integral numbers as int64 so
// policies can compare them against integer literals.
func document(m manifest.Manifest) (map[string]any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return integral(doc).(map[string]any), nil
}

func integral(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = integral(x)
		}
	case []any:
		for i, x := range t {
			t[i] = integral(x)
		}
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	}
	return v
}
