package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Dependency is a parsed "moduleId" or "moduleId@constraint" entry.
type Dependency struct {
	ModuleID   string
	Constraint string
}

// ParseDependency splits and checks a dependency entry.
func ParseDependency(s string) (Dependency, error) {
	id, constraint, _ := strings.Cut(strings.TrimSpace(s), "@")
	if !moduleIDRe.MatchString(id) {
		return Dependency{}, fmt.Errorf("dependency %q: bad module id", s)
	}
	if constraint != "" {
		if _, err := semver.NewConstraint(constraint); err != nil {
			return Dependency{}, fmt.Errorf("dependency %q: %w", s, err)
		}
	}
	return Dependency{ModuleID: id, Constraint: constraint}, nil
}

// SatisfiedBy reports whether version meets the constraint. An empty
// constraint accepts any version.
func (d Dependency) SatisfiedBy(version string) (bool, error) {
	if d.Constraint == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(d.Constraint)
	if err != nil {
		return false, fmt.Errorf("invalid dependency constraint for %s: %w", d.ModuleID, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version of %s: %w", d.ModuleID, err)
	}
	return c.Check(v), nil
}

func (d Dependency) String() string {
	if d.Constraint == "" {
		return d.ModuleID
	}
	return d.ModuleID + "@" + d.Constraint
}
