package parity

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/23skdu/longbow-hammerblade/internal/device"
	"github.com/23skdu/longbow-hammerblade/internal/tensor"
)

func newTestRuntime() *tensor.Runtime {
	cfg := device.DefaultHammerBladeConfig()
	cfg.TilesX, cfg.TilesY = 4, 2
	cfg.DRAMBytes = 1 << 20
	return tensor.NewRuntime(device.NewDefaultRegistry(cfg))
}

// requireSignParity moves x to the accelerator, takes the sign there and
// checks it against the sign on the host.
func requireSignParity(t require.TestingT, x *tensor.Tensor) {
	ctx := context.Background()

	want, err := tensor.Sign(ctx, x)
	require.NoError(t, err)

	h, err := x.HammerBlade()
	require.NoError(t, err)
	defer h.Release()

	out, err := tensor.Sign(ctx, h)
	require.NoError(t, err)
	defer out.Release()
	require.Equal(t, device.HammerBlade, out.Device())

	back, err := out.CPU()
	require.NoError(t, err)
	ok, err := tensor.AllClose(back, want)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSign1D(t *testing.T) {
	rt := newTestRuntime()
	x, err := rt.Randn(rand.NewPCG(1, 1), 10)
	require.NoError(t, err)
	requireSignParity(t, x)
}

func TestSign1DIndependent(t *testing.T) {
	rt := newTestRuntime()
	x, err := rt.Randn(rand.NewPCG(2, 2), 10)
	require.NoError(t, err)
	requireSignParity(t, x)
}

func TestSign2D(t *testing.T) {
	rt := newTestRuntime()
	x, err := rt.Randn(rand.NewPCG(3, 3), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, device.Shape{3, 4}, x.Shape())
	requireSignParity(t, x)
}

func TestSignProperty(t *testing.T) {
	rt := newTestRuntime()
	gen := TensorGen(DefaultGenConfig())

	rapid.Check(t, func(t *rapid.T) {
		s := gen.Draw(t, "x")
		x, err := rt.FromFloat32(s.Values, s.Shape...)
		require.NoError(t, err)
		requireSignParity(t, x)
	})
}

func TestTensorGen(t *testing.T) {
	cfg := GenConfig{MaxRank: 3, MaxDim: 5, MaxValue: 10}

	rapid.Check(t, func(t *rapid.T) {
		s := TensorGen(cfg).Draw(t, "sample")
		require.GreaterOrEqual(t, len(s.Shape), 1)
		require.LessOrEqual(t, len(s.Shape), cfg.MaxRank)
		for _, d := range s.Shape {
			require.GreaterOrEqual(t, d, 1)
			require.LessOrEqual(t, d, cfg.MaxDim)
		}
		require.Len(t, s.Values, device.Shape(s.Shape).Numel())
		for _, v := range s.Values {
			require.LessOrEqual(t, v, cfg.MaxValue)
			require.GreaterOrEqual(t, v, -cfg.MaxValue)
		}
	})
}

func TestExamplesDeterministic(t *testing.T) {
	cfg := DefaultGenConfig()
	a := Examples(cfg, 7, 5)
	b := Examples(cfg, 7, 5)
	require.Len(t, a, 5)
	assert.Equal(t, a, b)
}
