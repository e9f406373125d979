// Package params holds the quantum parameter set that drives a recompute
// and the rules a proposed edit must pass before the pipeline runs.
package params

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrInvalidQuantumState means n <= l after an edit.
	ErrInvalidQuantumState = errors.New("params: principal index must exceed angular index")
	// ErrOutOfRange means a field lies outside its configured bounds.
	ErrOutOfRange = errors.New("params: value out of range")
	// ErrNotInteger means an integer field received a fractional value.
	ErrNotInteger = errors.New("params: integer field received a fractional value")
	// ErrUnknownField means the edited field name is not zeta, n or l.
	ErrUnknownField = errors.New("params: unknown field")
)

// Field names one independently editable parameter.
type Field string

const (
	FieldZeta Field = "zeta"
	FieldN    Field = "n"
	FieldL    Field = "l"
)

// Fields lists the editable fields in display order.
var Fields = []Field{FieldZeta, FieldN, FieldL}

// ParseField resolves a field name, case-insensitively.
func ParseField(s string) (Field, error) {
	switch Field(strings.ToLower(strings.TrimSpace(s))) {
	case FieldZeta:
		return FieldZeta, nil
	case FieldN:
		return FieldN, nil
	case FieldL:
		return FieldL, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// Params is the committed (zeta, n, l) triple.
type Params struct {
	Zeta float64 `json:"zeta"`
	N    int     `json:"n"`
	L    int     `json:"l"`
}

// Default returns the 1s state of a unit charge.
func Default() Params {
	return Params{Zeta: 1, N: 1, L: 0}
}

func (p Params) String() string {
	return fmt.Sprintf("zeta=%.2f n=%d l=%d", p.Zeta, p.N, p.L)
}

// Get returns the value of one field as a float.
func (p Params) Get(f Field) float64 {
	switch f {
	case FieldN:
		return float64(p.N)
	case FieldL:
		return float64(p.L)
	default:
		return p.Zeta
	}
}

// With returns a copy of p with one field replaced. The other two fields are
// taken from p unchanged. No range checking happens here; see Limits.Validate.
func (p Params) With(f Field, v float64) (Params, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return p, fmt.Errorf("%w: %s=%v", ErrOutOfRange, f, v)
	}
	switch f {
	case FieldZeta:
		p.Zeta = v
	case FieldN, FieldL:
		if v != math.Trunc(v) {
			return p, fmt.Errorf("%w: %s=%v", ErrNotInteger, f, v)
		}
		if f == FieldN {
			p.N = int(v)
		} else {
			p.L = int(v)
		}
	default:
		return p, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	return p, nil
}

// Limits bounds each field. NMax is a fixed configuration constant.
type Limits struct {
	ZetaMin  float64 `json:"zeta_min"`
	ZetaMax  float64 `json:"zeta_max"`
	ZetaStep float64 `json:"zeta_step"`
	NMax     int     `json:"n_max"`
}

// DefaultLimits matches the reference control surface.
func DefaultLimits() Limits {
	return Limits{
		ZetaMin:  1,
		ZetaMax:  10,
		ZetaStep: 0.01,
		NMax:     5,
	}
}

// Validate checks the ranges first, then n > l.
func (lim Limits) Validate(p Params) error {
	if p.Zeta < lim.ZetaMin || p.Zeta > lim.ZetaMax {
		return fmt.Errorf("%w: zeta=%.4g not in [%g,%g]", ErrOutOfRange, p.Zeta, lim.ZetaMin, lim.ZetaMax)
	}
	if p.N < 1 || p.N > lim.NMax {
		return fmt.Errorf("%w: n=%d not in [1,%d]", ErrOutOfRange, p.N, lim.NMax)
	}
	if p.L < 0 || p.L > lim.NMax-1 {
		return fmt.Errorf("%w: l=%d not in [0,%d]", ErrOutOfRange, p.L, lim.NMax-1)
	}
	if p.N <= p.L {
		return fmt.Errorf("%w: n=%d l=%d", ErrInvalidQuantumState, p.N, p.L)
	}
	return nil
}

// Step returns the slider increment for a field.
func (lim Limits) Step(f Field) float64 {
	if f == FieldZeta {
		return lim.ZetaStep
	}
	return 1
}

// Range returns the inclusive slider bounds for a field.
func (lim Limits) Range(f Field) (lo, hi float64) {
	switch f {
	case FieldN:
		return 1, float64(lim.NMax)
	case FieldL:
		return 0, float64(lim.NMax - 1)
	default:
		return lim.ZetaMin, lim.ZetaMax
	}
}

// Check validates the limits themselves.
func (lim Limits) Check() error {
	if lim.NMax < 1 {
		return fmt.Errorf("n_max must be >= 1, got %d", lim.NMax)
	}
	if lim.ZetaMin <= 0 || lim.ZetaMax < lim.ZetaMin {
		return fmt.Errorf("zeta range must be positive and ordered, got [%g,%g]", lim.ZetaMin, lim.ZetaMax)
	}
	if lim.ZetaStep <= 0 {
		return fmt.Errorf("zeta_step must be > 0, got %g", lim.ZetaStep)
	}
	return nil
}
