package pattern

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

func TestMatchSingleLevelWildcard(t *testing.T) {
	p := MustParse("accrual.*")

	assert.True(t, p.Match("accrual.calculate"))
	assert.True(t, p.Match("accrual.preview"))
	assert.False(t, p.Match("accrual.calculate.v2"))
	assert.False(t, p.Match("accrual"))
	assert.False(t, p.Match("payroll.sync"))
	assert.False(t, p.Match("accrual.*"), "wildcard names are not concrete channels")
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "accrual.", ".calc", "a..b", "acc*.calc", "a.b*"} {
		_, err := Parse(s)
		require.Error(t, err, s)
		assert.True(t, errors.Is(err, kerr.ErrInvalidPattern), s)
	}
}

func TestSpecificityCounters(t *testing.T) {
	p := MustParse("accrual.*.v2")
	assert.Equal(t, 3, p.Segments())
	assert.Equal(t, 1, p.Wildcards())
	assert.Equal(t, 1, p.LiteralPrefix())

	assert.Negative(t, MoreSpecific(MustParse("accrual.calculate"), MustParse("accrual.*")))
	assert.Negative(t, MoreSpecific(MustParse("a.b.*"), MustParse("a.*.c")))
	assert.Positive(t, MoreSpecific(MustParse("*.b"), MustParse("a.*")))
	assert.Zero(t, MoreSpecific(MustParse("a.*"), MustParse("b.*")))
}

func TestCoversPatterns(t *testing.T) {
	assert.True(t, MustParse("accrual.*").Covers(MustParse("accrual.*")))
	assert.True(t, MustParse("*.*").Covers(MustParse("accrual.*")))
	assert.False(t, MustParse("accrual.calculate").Covers(MustParse("accrual.*")))
	assert.False(t, MustParse("accrual.*").Covers(MustParse("compliance.*")))
}

func TestNormalizationUnifiesComposedForms(t *testing.T) {
	// "é" precomposed vs "e" + combining acute.
	p := MustParse("caf\u00e9.*")
	assert.True(t, p.Match("cafe\u0301.open"))
	assert.Equal(t, "caf\u00e9.*", p.String())
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("accrual.calculate"))
	assert.Error(t, ValidateName("accrual.*"))
	assert.Error(t, ValidateName(""))
}
