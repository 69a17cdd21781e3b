// Package parity checks that accelerator kernels reproduce the host
// reference. It provides the property-based tensor generator and the
// host-versus-device checks shared by the test suites and the hbparity CLI.
package parity

import (
	"math"

	"pgregory.net/rapid"

	"github.com/23skdu/longbow-hammerblade/internal/device"
)

// Sample is a generated host tensor.
type Sample struct {
	Shape  []int     `cbor:"shape"`
	Values []float32 `cbor:"values"`
}

// GenConfig bounds the generated tensors.
type GenConfig struct {
	MaxRank  int
	MaxDim   int
	MaxValue float32
}

func DefaultGenConfig() GenConfig {
	return GenConfig{MaxRank: 4, MaxDim: 8, MaxValue: 1e6}
}

// specialValues sit on or next to the sign boundaries.
var specialValues = []float32{
	0,
	float32(math.Copysign(0, -1)),
	1, -1,
	math.SmallestNonzeroFloat32, -math.SmallestNonzeroFloat32,
	1e-30, -1e-30,
}

// TensorGen generates arbitrary finite tensors of rank 1..MaxRank.
func TensorGen(cfg GenConfig) *rapid.Generator[Sample] {
	value := rapid.OneOf(
		rapid.Float32Range(-cfg.MaxValue, cfg.MaxValue),
		rapid.SampledFrom(specialValues),
	)

	return rapid.Custom(func(t *rapid.T) Sample {
		rank := rapid.IntRange(1, cfg.MaxRank).Draw(t, "rank")
		shape := make([]int, rank)
		for i := range shape {
			shape[i] = rapid.IntRange(1, cfg.MaxDim).Draw(t, "dim")
		}
		n := device.Shape(shape).Numel()
		values := rapid.SliceOfN(value, n, n).Draw(t, "values")
		return Sample{Shape: shape, Values: values}
	})
}

// Examples draws n samples deterministically from seed, for use outside of
// rapid.Check.
func Examples(cfg GenConfig, seed, n int) []Sample {
	gen := TensorGen(cfg)
	out := make([]Sample, n)
	for i := range out {
		out[i] = gen.Example(seed + i)
	}
	return out
}
