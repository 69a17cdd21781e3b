package parity

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-hammerblade/internal/device"
	"github.com/23skdu/longbow-hammerblade/internal/tensor"
)

func TestRun_DefaultCases(t *testing.T) {
	rt := newTestRuntime()
	cfg := DefaultSuiteConfig()
	cfg.Examples = 20

	rep := Run(context.Background(), NewChecker(rt, device.HammerBlade), cfg, DefaultCases(cfg))

	require.Len(t, rep.Results, 8)
	assert.Equal(t, 0, rep.Failed())
	assert.Equal(t, "hammerblade", rep.Device)

	names := make([]string, len(rep.Results))
	for i, res := range rep.Results {
		names[i] = res.Case
		assert.True(t, res.Passed, res.Error)
		assert.Nil(t, res.Mismatch())
	}
	assert.Equal(t, []string{
		"sign_1d_a", "sign_1d_b", "sign_2d", "sign_generated",
		"mm_3x4x5", "mm_blocked", "index_add_rows", "index_add_dim1",
	}, names)
	assert.Equal(t, 20, rep.Results[3].Examples)

	// Every accelerator buffer went back to DRAM.
	b, err := rt.Registry().Lookup(device.HammerBlade)
	require.NoError(t, err)
	used, _ := b.(*device.HammerBladeBackend).GetVRAMUsage()
	assert.Zero(t, used)
}

func TestRun_IndependentCases(t *testing.T) {
	rt := newTestRuntime()
	cfg := DefaultSuiteConfig()

	var inputs [][]float32
	record := Case{
		Name: "record",
		Run: func(ctx context.Context, c *Checker, rng *rand.PCG) (int, tensor.Parity, error) {
			x, err := c.Runtime.Randn(rng, 10)
			if err != nil {
				return 0, tensor.Parity{}, err
			}
			v, _ := x.Float32s()
			inputs = append(inputs, v)
			return 1, tensor.Parity{}, nil
		},
	}

	rep := Run(context.Background(), NewChecker(rt, device.HammerBlade), cfg, []Case{record, record})
	require.Equal(t, 0, rep.Failed())
	require.Len(t, inputs, 2)
	assert.NotEqual(t, inputs[0], inputs[1], "each case draws its own stream")
}

func TestRun_RecordsFailure(t *testing.T) {
	rt := newTestRuntime()
	cfg := DefaultSuiteConfig()

	rep := Run(context.Background(), NewChecker(rt, device.HammerBlade), cfg, []Case{
		randnCase("sevens", sevens(rt), 2, 3),
		randnCase("sign", SignOp, 2, 3),
	})

	require.Len(t, rep.Results, 2)
	assert.Equal(t, 1, rep.Failed())
	assert.False(t, rep.Results[0].Passed)
	assert.Contains(t, rep.Results[0].Error, ErrMismatch.Error())
	require.NotNil(t, rep.Results[0].Mismatch())
	assert.True(t, rep.Results[1].Passed)
}

func TestRun_Cancelled(t *testing.T) {
	rt := newTestRuntime()
	cfg := DefaultSuiteConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := Run(ctx, NewChecker(rt, device.HammerBlade), cfg, []Case{generatedCase("gen", SignOp, cfg)})
	require.Len(t, rep.Results, 1)
	assert.False(t, rep.Results[0].Passed)
	assert.Equal(t, 0, rep.Results[0].Examples)
}

func TestReport_CBOR(t *testing.T) {
	rep := Report{
		Device:  "hammerblade",
		Seed:    99,
		Started: time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
		Results: []Result{
			{Case: "sign_2d", Passed: true, Examples: 1, Elapsed: time.Millisecond, Parity: tensor.Parity{Numel: 12, FirstIndex: -1}},
			{Case: "sevens", Error: "boom", Examples: 1, Parity: tensor.Parity{Numel: 4, Mismatches: 3, MaxAbsError: 6}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, rep))

	got, err := ReadReport(&buf)
	require.NoError(t, err)
	assert.True(t, rep.Started.Equal(got.Started))
	got.Started = rep.Started
	assert.Equal(t, rep, got)
	assert.Equal(t, 1, got.Failed())
}

func TestReadReport_Garbage(t *testing.T) {
	_, err := ReadReport(bytes.NewReader([]byte{0xff, 0x00}))
	assert.Error(t, err)
}

func TestWriteMismatches(t *testing.T) {
	rep := Report{Results: []Result{
		{Case: "ok", Passed: true},
		{Case: "bad_sign", mismatch: &MismatchError{
			Op:     "sign",
			Shape:  device.Shape{3},
			Input:  []float32{-2, 0, 3},
			Host:   []float32{-1, 0, 1},
			Device: []float32{7, 7, 7},
		}},
		{Case: "bad_mm", mismatch: &MismatchError{
			Op:     "mm",
			Shape:  device.Shape{1, 1},
			Input:  []float32{1, 2},
			Host:   []float32{5},
			Device: []float32{4},
		}},
	}}

	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	var buf bytes.Buffer
	rows, err := WriteMismatches(&buf, mem, rep)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rows)

	rdr, err := ipc.NewReader(&buf, ipc.WithAllocator(mem))
	require.NoError(t, err)
	defer rdr.Release()
	assert.True(t, rdr.Schema().Equal(MismatchSchema))

	require.True(t, rdr.Next())
	rec := rdr.Record()
	require.Equal(t, int64(4), rec.NumRows())

	cases := rec.Column(0).(*array.String)
	input := rec.Column(3).(*array.Float32)
	dev := rec.Column(5).(*array.Float32)
	assert.Equal(t, "bad_sign", cases.Value(0))
	assert.Equal(t, "bad_mm", cases.Value(3))
	assert.Equal(t, float32(-2), input.Value(0))
	assert.True(t, input.IsNull(3), "mm input does not line up with its output")
	assert.Equal(t, float32(4), dev.Value(3))
	assert.False(t, rdr.Next())
}

func TestWriteMismatches_Empty(t *testing.T) {
	var buf bytes.Buffer
	rows, err := WriteMismatches(&buf, memory.NewGoAllocator(), Report{Results: []Result{{Case: "ok", Passed: true}}})
	require.NoError(t, err)
	assert.Zero(t, rows)

	rdr, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer rdr.Release()
	assert.False(t, rdr.Next())
}
