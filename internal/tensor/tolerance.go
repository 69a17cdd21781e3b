package tensor

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-hammerblade/internal/device"
)

// Tolerance parameterizes AllClose: |a - b| <= Atol + Rtol*|b|.
type Tolerance struct {
	Rtol     float64
	Atol     float64
	EqualNaN bool
}

// DefaultTolerance matches the usual allclose defaults.
func DefaultTolerance() Tolerance {
	return Tolerance{Rtol: 1e-5, Atol: 1e-8}
}

// Option adjusts a Tolerance.
type Option func(*Tolerance)

func WithRtol(rtol float64) Option {
	return func(t *Tolerance) { t.Rtol = rtol }
}

func WithAtol(atol float64) Option {
	return func(t *Tolerance) { t.Atol = atol }
}

// WithEqualNaN treats NaN in the same position of both tensors as equal.
func WithEqualNaN() Option {
	return func(t *Tolerance) { t.EqualNaN = true }
}

func (tol Tolerance) close(a, b float32) bool {
	if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
		return tol.EqualNaN && math.IsNaN(float64(a)) && math.IsNaN(float64(b))
	}
	// Handles equal infinities and signed zeros.
	if a == b {
		return true
	}
	if math.IsInf(float64(a), 0) || math.IsInf(float64(b), 0) {
		return false
	}
	diff := math.Abs(float64(a) - float64(b))
	return diff <= tol.Atol+tol.Rtol*math.Abs(float64(b))
}

// Parity summarizes how far actual is from expected.
type Parity struct {
	Numel       int
	Mismatches  int
	FirstIndex  int // -1 when everything is close
	MaxAbsError float64
	MaxRelError float64
	MaxULPError int64
}

func (p Parity) OK() bool {
	return p.Mismatches == 0
}

func (p Parity) String() string {
	return fmt.Sprintf("%d/%d mismatched (first at %d), max abs %.3g, max rel %.3g, max ulp %d",
		p.Mismatches, p.Numel, p.FirstIndex, p.MaxAbsError, p.MaxRelError, p.MaxULPError)
}

// CompareValues checks actual against expected elementwise.
func CompareValues(actual, expected []float32, tol Tolerance) Parity {
	p := Parity{Numel: len(expected), FirstIndex: -1}
	for i := range expected {
		a, e := actual[i], expected[i]
		if !tol.close(a, e) {
			p.Mismatches++
			if p.FirstIndex < 0 {
				p.FirstIndex = i
			}
		}
		if math.IsNaN(float64(a)) || math.IsNaN(float64(e)) || math.IsInf(float64(a), 0) || math.IsInf(float64(e), 0) {
			continue
		}
		absErr := math.Abs(float64(a) - float64(e))
		p.MaxAbsError = math.Max(p.MaxAbsError, absErr)
		if e != 0 {
			p.MaxRelError = math.Max(p.MaxRelError, absErr/math.Abs(float64(e)))
		}
		if ulp := ULPDiff(a, e); ulp > p.MaxULPError {
			p.MaxULPError = ulp
		}
	}
	return p
}

// ULPDiff is the number of representable float32 values between a and b.
func ULPDiff(a, b float32) int64 {
	d := orderedBits(a) - orderedBits(b)
	if d < 0 {
		d = -d
	}
	return d
}

// orderedBits maps float32 bit patterns onto a monotonic integer line so that
// -0 and +0 coincide and adjacent floats differ by one.
func orderedBits(f float32) int64 {
	bits := int64(math.Float32bits(f))
	if bits&0x80000000 != 0 {
		return -(bits & 0x7FFFFFFF)
	}
	return bits
}

// Compare reports the parity of actual against expected. Both tensors must be
// in host memory and have the same shape.
func Compare(actual, expected *Tensor, opts ...Option) (Parity, error) {
	tol := DefaultTolerance()
	for _, o := range opts {
		o(&tol)
	}

	if !actual.Shape().Equal(expected.Shape()) {
		return Parity{}, fmt.Errorf("%w: %v vs %v", device.ErrShapeMismatch, actual.Shape(), expected.Shape())
	}
	a, err := actual.Float32s()
	if err != nil {
		return Parity{}, err
	}
	e, err := expected.Float32s()
	if err != nil {
		return Parity{}, err
	}
	return CompareValues(a, e, tol), nil
}

// AllClose reports whether every element of a is within tolerance of b.
func AllClose(a, b *Tensor, opts ...Option) (bool, error) {
	p, err := Compare(a, b, opts...)
	if err != nil {
		return false, err
	}
	return p.OK(), nil
}
