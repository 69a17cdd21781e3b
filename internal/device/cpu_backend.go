package device

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-hammerblade/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// CPUBackend is the host reference implementation every accelerator result
// is checked against.
type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Device() Device {
	return CPU
}

func (b *CPUBackend) NewTensor(shape Shape, data []float32) (Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, opError(CPU, "new_tensor", err)
	}
	size := shape.Numel()
	if data != nil && len(data) != size {
		return nil, opError(CPU, "new_tensor", shapeError("%d values for shape %v", len(data), shape))
	}

	t := &CPUTensor{
		backend: b,
		shape:   shape.Clone(),
		data:    make([]float32, size),
	}
	if data != nil {
		copy(t.data, data)
	}
	return t, nil
}

func (b *CPUBackend) GetTensor(shape Shape) (Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, opError(CPU, "get_tensor", err)
	}

	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		poolMisses.WithLabelValues(CPU.String()).Inc()
		ct = &CPUTensor{}
	} else {
		poolHits.WithLabelValues(CPU.String()).Inc()
	}

	// Initialize/reset the tensor
	ct.backend = b
	ct.shape = shape.Clone()
	size := shape.Numel()
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
	} else {
		ct.data = ct.data[:size]
		clear(ct.data)
	}
	return ct, nil
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.backend != b {
		return // Don't pool foreign tensors
	}
	ct.shape = nil
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

// own asserts that t was created by this backend.
func (b *CPUBackend) own(op string, t Tensor) (*CPUTensor, error) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.backend != b {
		return nil, opError(CPU, op, ErrDeviceMismatch)
	}
	return ct, nil
}

func (b *CPUBackend) Sign(ctx context.Context, x Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	xt, err := b.own("sign", x)
	if err != nil {
		return nil, err
	}

	out, err := b.NewTensor(xt.shape, nil)
	if err != nil {
		return nil, err
	}
	simd.Sign(out.(*CPUTensor).data, xt.data)
	return out, nil
}

func (b *CPUBackend) MatMul(ctx context.Context, a, bm Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	at, err := b.own("mm", a)
	if err != nil {
		return nil, err
	}
	bt, err := b.own("mm", bm)
	if err != nil {
		return nil, err
	}
	m, k, n, err := matmulDims(at.shape, bt.shape)
	if err != nil {
		return nil, opError(CPU, "mm", err)
	}

	out, err := b.NewTensor(Shape{m, n}, nil)
	if err != nil {
		return nil, err
	}
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: at.data},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: bt.data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out.(*CPUTensor).data},
	)
	return out, nil
}

func (b *CPUBackend) IndexAdd(ctx context.Context, dst Tensor, dim int, index []int32, src Tensor, alpha float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dt, err := b.own("index_add", dst)
	if err != nil {
		return err
	}
	st, err := b.own("index_add", src)
	if err != nil {
		return err
	}
	l, err := indexAddDims(dt.shape, dim, index, st.shape)
	if err != nil {
		return opError(CPU, "index_add", err)
	}

	inner := l.inner
	for o := 0; o < l.outer; o++ {
		for i, idx := range index {
			d := l.dstOffset(o, int(idx), 0)
			s := l.srcOffset(o, i, 0)
			if alpha == 1 {
				simd.VecAdd(dt.data[d:d+inner], st.data[s:s+inner])
			} else {
				simd.VecAddScaled(dt.data[d:d+inner], st.data[s:s+inner], alpha)
			}
		}
	}
	return nil
}

// CPUTensor is a contiguous row-major host tensor.
type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	shape   Shape
}

func (t *CPUTensor) Shape() Shape {
	return t.shape.Clone()
}

func (t *CPUTensor) Numel() int {
	return len(t.data)
}

func (t *CPUTensor) Device() Device {
	return CPU
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("CopyFromFloat32: size mismatch")
	}
	copy(t.data, data)
}
