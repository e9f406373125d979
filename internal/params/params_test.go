package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseField(t *testing.T) {
	f, err := ParseField(" Zeta ")
	require.NoError(t, err)
	assert.Equal(t, FieldZeta, f)

	_, err = ParseField("m")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestWithKeepsOtherFields(t *testing.T) {
	p := Params{Zeta: 2.5, N: 3, L: 1}

	got, err := p.With(FieldL, 2)
	require.NoError(t, err)
	assert.Equal(t, Params{Zeta: 2.5, N: 3, L: 2}, got)
	assert.Equal(t, 1, p.L, "receiver must not change")

	got, err = p.With(FieldZeta, 7.25)
	require.NoError(t, err)
	assert.Equal(t, Params{Zeta: 7.25, N: 3, L: 1}, got)
}

func TestWithRejectsFractionalIndex(t *testing.T) {
	_, err := Default().With(FieldN, 2.5)
	assert.ErrorIs(t, err, ErrNotInteger)
}

func TestValidate(t *testing.T) {
	lim := DefaultLimits()
	tests := []struct {
		name string
		p    Params
		want error
	}{
		{name: "ground state", p: Params{Zeta: 1, N: 1, L: 0}},
		{name: "top of range", p: Params{Zeta: 10, N: 5, L: 4}},
		{name: "n equals l", p: Params{Zeta: 1, N: 1, L: 1}, want: ErrInvalidQuantumState},
		{name: "n below l", p: Params{Zeta: 1, N: 2, L: 3}, want: ErrInvalidQuantumState},
		{name: "zeta too small", p: Params{Zeta: 0.99, N: 1, L: 0}, want: ErrOutOfRange},
		{name: "zeta too large", p: Params{Zeta: 10.01, N: 1, L: 0}, want: ErrOutOfRange},
		{name: "n above nmax", p: Params{Zeta: 1, N: 6, L: 0}, want: ErrOutOfRange},
		{name: "negative l", p: Params{Zeta: 1, N: 2, L: -1}, want: ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := lim.Validate(tt.p)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRangeAndStep(t *testing.T) {
	lim := DefaultLimits()
	lo, hi := lim.Range(FieldL)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 4.0, hi)
	assert.Equal(t, 0.01, lim.Step(FieldZeta))
	assert.Equal(t, 1.0, lim.Step(FieldN))
	assert.NoError(t, lim.Check())

	lim.NMax = 0
	assert.Error(t, lim.Check())
}
