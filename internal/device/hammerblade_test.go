package device

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHB(t *testing.T, mutate func(*HammerBladeConfig)) *HammerBladeBackend {
	t.Helper()
	cfg := DefaultHammerBladeConfig()
	cfg.TilesX, cfg.TilesY = 4, 2
	cfg.DRAMBytes = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := NewHammerBladeBackend(cfg)
	require.NoError(t, err)
	return b
}

func randomValues(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func TestHammerBlade_SignMatchesCPU(t *testing.T) {
	ctx := context.Background()
	hb := newTestHB(t, nil)
	cpu := NewCPUBackend()
	rng := rand.New(rand.NewPCG(1, 2))

	for _, shape := range []Shape{{10}, {3, 4}, {2, 3, 5}, {0}, {}, {257}} {
		t.Run(shape.String(), func(t *testing.T) {
			values := randomValues(rng, shape.Numel())
			if len(values) > 0 {
				values[0] = 0
			}

			x, err := hb.NewTensor(shape, values)
			require.NoError(t, err)
			defer hb.PutTensor(x)

			got, err := hb.Sign(ctx, x)
			require.NoError(t, err)
			defer hb.PutTensor(got)

			assert.Equal(t, HammerBlade, got.Device())
			assert.Nil(t, got.Data(), "device tensors are not host addressable")
			assert.True(t, got.Shape().Equal(shape))

			hx, err := cpu.NewTensor(shape, values)
			require.NoError(t, err)
			want, err := cpu.Sign(ctx, hx)
			require.NoError(t, err)

			assert.Equal(t, want.ToHost(), got.ToHost())
		})
	}
}

func TestHammerBlade_MatMulMatchesCPU(t *testing.T) {
	ctx := context.Background()
	hb := newTestHB(t, nil)
	cpu := NewCPUBackend()
	rng := rand.New(rand.NewPCG(3, 4))

	cases := []struct{ m, k, n int }{
		{1, 1, 1},
		{3, 4, 5},
		{16, 16, 16},
		{33, 17, 40},
		{2, 0, 3},
	}

	for _, c := range cases {
		a := randomValues(rng, c.m*c.k)
		b := randomValues(rng, c.k*c.n)

		ha, _ := hb.NewTensor(Shape{c.m, c.k}, a)
		hbm, _ := hb.NewTensor(Shape{c.k, c.n}, b)
		got, err := hb.MatMul(ctx, ha, hbm)
		require.NoError(t, err)

		ca, _ := cpu.NewTensor(Shape{c.m, c.k}, a)
		cb, _ := cpu.NewTensor(Shape{c.k, c.n}, b)
		want, err := cpu.MatMul(ctx, ca, cb)
		require.NoError(t, err)

		assert.InDeltaSlice(t, want.ToHost(), got.ToHost(), 1e-4, "mm %dx%dx%d", c.m, c.k, c.n)
		assert.Equal(t, Shape{c.m, c.n}, got.Shape())
	}
}

func TestHammerBlade_IndexAddMatchesCPU(t *testing.T) {
	ctx := context.Background()
	hb := newTestHB(t, nil)
	cpu := NewCPUBackend()
	rng := rand.New(rand.NewPCG(5, 6))

	dstShape := Shape{4, 5, 3}
	srcShape := Shape{4, 7, 3}
	index := []int32{0, 4, 4, 1, 4, 2, 0}
	dstVals := randomValues(rng, dstShape.Numel())
	srcVals := randomValues(rng, srcShape.Numel())

	hd, _ := hb.NewTensor(dstShape, dstVals)
	hs, _ := hb.NewTensor(srcShape, srcVals)
	require.NoError(t, hb.IndexAdd(ctx, hd, 1, index, hs, 0.5))

	cd, _ := cpu.NewTensor(dstShape, dstVals)
	cs, _ := cpu.NewTensor(srcShape, srcVals)
	require.NoError(t, cpu.IndexAdd(ctx, cd, 1, index, cs, 0.5))

	assert.InDeltaSlice(t, cd.ToHost(), hd.ToHost(), 1e-5)
}

func TestIndexAddPasses(t *testing.T) {
	passes := indexAddPasses([]int32{2, 0, 2, 2}, 3)

	require.Len(t, passes, 3)
	assert.Equal(t, []int32{1, -1, 0}, passes[0])
	assert.Equal(t, []int32{-1, -1, 2}, passes[1])
	assert.Equal(t, []int32{-1, -1, 3}, passes[2])
}

func TestHammerBlade_DeviceMismatch(t *testing.T) {
	ctx := context.Background()
	hb := newTestHB(t, nil)
	other := newTestHB(t, func(c *HammerBladeConfig) { c.Index = 1 })
	cpu := NewCPUBackend()

	host, _ := cpu.NewTensor(Shape{3}, []float32{1, 2, 3})
	_, err := hb.Sign(ctx, host)
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	remote, _ := other.NewTensor(Shape{3}, []float32{1, 2, 3})
	assert.Equal(t, Device{Kind: KindHammerBlade, Index: 1}, remote.Device())
	_, err = hb.Sign(ctx, remote)
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	local, _ := hb.NewTensor(Shape{3}, []float32{1, 2, 3})
	_, err = cpu.Sign(ctx, local)
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	hb.PutTensor(local)
	_, err = hb.Sign(ctx, local)
	assert.ErrorIs(t, err, ErrInvalidArgument, "freed tensors are rejected")
}

func TestHammerBlade_DRAM(t *testing.T) {
	hb := newTestHB(t, func(c *HammerBladeConfig) { c.DRAMBytes = 64 * wordBytes })

	a, err := hb.GetTensor(Shape{32})
	require.NoError(t, err)
	b, err := hb.GetTensor(Shape{16})
	require.NoError(t, err)
	c, err := hb.GetTensor(Shape{16})
	require.NoError(t, err)

	used, total := hb.GetVRAMUsage()
	assert.Equal(t, int64(64*wordBytes), used)
	assert.Equal(t, int64(64*wordBytes), total)

	_, err = hb.GetTensor(Shape{1})
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// Freeing a and c leaves two holes; freeing b must merge all three.
	hb.PutTensor(a)
	hb.PutTensor(c)
	assert.Equal(t, 2, hb.mem.freeSpans())
	hb.PutTensor(b)
	assert.Equal(t, 1, hb.mem.freeSpans())

	used, _ = hb.GetVRAMUsage()
	assert.Zero(t, used)

	big, err := hb.NewTensor(Shape{8, 8}, make([]float32, 64))
	require.NoError(t, err)
	hb.PutTensor(big)
	hb.PutTensor(big) // double free is a no-op
	used, _ = hb.GetVRAMUsage()
	assert.Zero(t, used)
}

func TestHammerBlade_GetTensorZeroed(t *testing.T) {
	hb := newTestHB(t, nil)

	x, err := hb.NewTensor(Shape{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	hb.PutTensor(x)

	y, err := hb.GetTensor(Shape{4})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, y.ToHost())
}

func TestHammerBlade_KernelFaultOpensBreaker(t *testing.T) {
	ctx := context.Background()
	hb := newTestHB(t, func(c *HammerBladeConfig) {
		c.MaxFailures = 2
		c.CoolDown = time.Hour
	})

	fault := func(t *Tile) error {
		if t.ID == 3 {
			var s []float32
			_ = s[t.ID] // out of range on purpose
		}
		return t.Sync()
	}

	for i := 0; i < 2; i++ {
		err := hb.launch(ctx, "faulty", fault)
		require.ErrorIs(t, err, ErrKernelFault)
	}
	assert.Equal(t, StateOpen, hb.BreakerState())

	err := hb.launch(ctx, "tensorlib_sign", func(*Tile) error { return nil })
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestHammerBlade_BarrierOrdersTiles(t *testing.T) {
	hb := newTestHB(t, nil)
	tiles := hb.cfg.TilesX * hb.cfg.TilesY

	var arrived atomic.Int32
	err := hb.launch(context.Background(), "barrier", func(tile *Tile) error {
		for round := 1; round <= 3; round++ {
			arrived.Add(1)
			if err := tile.Sync(); err != nil {
				return err
			}
			if got := arrived.Load(); got < int32(round*tiles) {
				return errors.New("tile passed barrier early")
			}
			if err := tile.Sync(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3*tiles), arrived.Load())
}

func TestHammerBlade_CancelledLaunch(t *testing.T) {
	hb := newTestHB(t, func(c *HammerBladeConfig) { c.MaxFailures = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hb.launch(ctx, "cancelled", func(tile *Tile) error { return tile.Sync() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, hb.BreakerState(), "cancellation is not a device fault")
}

func TestHammerBladeConfig_Validate(t *testing.T) {
	cfg := DefaultHammerBladeConfig()
	assert.NoError(t, cfg.Validate())

	cfg.TilesX = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)

	cfg = DefaultHammerBladeConfig()
	cfg.DRAMBytes = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}
