// Package pattern implements the dot-segmented channel glob used by the
// router and by capability resource matching.
//
// A pattern is a sequence of non-empty segments separated by '.', where a
// segment is either a literal or the single-level wildcard '*'. A pattern
// matches a name only when both have the same number of segments, so
// "accrual.*" matches "accrual.calculate" and not "accrual.calculate.v2".
package pattern

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

const (
	Separator = "."
	Wildcard  = "*"
)

// Pattern is a parsed, normalised glob.
type Pattern struct {
	raw       string
	segments  []string
	wildcards int
	prefix    int
}

// Normalize returns the NFC form of s. All names and patterns are compared
// in this form so visually identical channels never diverge.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// Parse validates and normalises s.
func Parse(s string) (Pattern, error) {
	s = Normalize(s)
	if s == "" {
		return Pattern{}, kerr.New(kerr.InvalidPattern, "pattern.Parse", "empty pattern")
	}
	segs := strings.Split(s, Separator)
	p := Pattern{raw: s, segments: segs}
	literalRun := true
	for _, seg := range segs {
		switch {
		case seg == "":
			return Pattern{}, kerr.New(kerr.InvalidPattern, "pattern.Parse", "empty segment in %q", s)
		case seg == Wildcard:
			p.wildcards++
			literalRun = false
		case strings.Contains(seg, Wildcard):
			return Pattern{}, kerr.New(kerr.InvalidPattern, "pattern.Parse", "partial wildcard segment %q in %q", seg, s)
		default:
			if literalRun {
				p.prefix++
			}
		}
	}
	return p, nil
}

// MustParse is Parse for package-level literals.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string { return p.raw }

// Segments is the number of dot segments.
func (p Pattern) Segments() int { return len(p.segments) }

// Wildcards is the number of '*' segments.
func (p Pattern) Wildcards() int { return p.wildcards }

// LiteralPrefix is the number of leading literal segments.
func (p Pattern) LiteralPrefix() int { return p.prefix }

// Literal reports whether the pattern contains no wildcard.
func (p Pattern) Literal() bool { return p.wildcards == 0 }

// Covers reports whether every name matched by q is also matched by p.
// For a literal q this is plain matching.
func (p Pattern) Covers(q Pattern) bool {
	if len(p.segments) != len(q.segments) || len(p.segments) == 0 {
		return false
	}
	for i, seg := range p.segments {
		if seg == Wildcard {
			continue
		}
		if seg != q.segments[i] {
			return false
		}
	}
	return true
}

// Match reports whether the concrete channel name matches p. Names that are
// not valid literals never match.
func (p Pattern) Match(name string) bool {
	q, err := Parse(name)
	if err != nil || !q.Literal() {
		return false
	}
	return p.Covers(q)
}

// MoreSpecific orders two patterns that both match some name: fewer
// wildcards first, then the longer literal prefix. It returns a negative
// number when a is more specific, positive when b is, and zero on a tie.
func MoreSpecific(a, b Pattern) int {
	if a.wildcards != b.wildcards {
		return a.wildcards - b.wildcards
	}
	return b.prefix - a.prefix
}

// ValidateName checks that name is a usable concrete channel name.
func ValidateName(name string) error {
	q, err := Parse(name)
	if err != nil {
		return err
	}
	if !q.Literal() {
		return kerr.New(kerr.InvalidPattern, "pattern.ValidateName", "channel name %q contains a wildcard", name)
	}
	return nil
}
