package device

import "fmt"

// matmulDims validates a @ b and returns (m, k, n).
func matmulDims(a, b Shape) (int, int, int, error) {
	if len(a) != 2 || len(b) != 2 {
		return 0, 0, 0, fmt.Errorf("%w: matmul expects 2-D operands, got %v and %v", ErrInvalidArgument, a, b)
	}
	if a[1] != b[0] {
		return 0, 0, 0, shapeError("mat1 %v and mat2 %v cannot be multiplied", a, b)
	}
	return a[0], a[1], b[1], nil
}

// indexAddLayout describes dst/src as [outer, dim, inner] views.
type indexAddLayout struct {
	outer  int
	dstDim int
	srcDim int
	inner  int
}

func (l indexAddLayout) dstOffset(o, idx, in int) int {
	return (o*l.dstDim+idx)*l.inner + in
}

func (l indexAddLayout) srcOffset(o, idx, in int) int {
	return (o*l.srcDim+idx)*l.inner + in
}

// sliceSize is the number of elements selected by one index.
func (l indexAddLayout) sliceSize() int {
	return l.outer * l.inner
}

func indexAddDims(dst Shape, dim int, index []int32, src Shape) (indexAddLayout, error) {
	var l indexAddLayout
	if len(dst) == 0 {
		return l, fmt.Errorf("%w: index_add on a scalar", ErrInvalidArgument)
	}
	if dim < 0 {
		dim += len(dst)
	}
	if dim < 0 || dim >= len(dst) {
		return l, fmt.Errorf("%w: dim %d out of range for rank %d", ErrInvalidArgument, dim, len(dst))
	}
	if len(src) != len(dst) {
		return l, shapeError("source rank %d != destination rank %d", len(src), len(dst))
	}
	for d := range dst {
		if d != dim && dst[d] != src[d] {
			return l, shapeError("source %v and destination %v differ outside dim %d", src, dst, dim)
		}
	}
	if src[dim] != len(index) {
		return l, shapeError("index has %d entries but source dim %d has size %d", len(index), dim, src[dim])
	}
	for i, idx := range index {
		if idx < 0 || int(idx) >= dst[dim] {
			return l, fmt.Errorf("%w: index[%d]=%d, dim %d has size %d", ErrIndexOutOfRange, i, idx, dim, dst[dim])
		}
	}

	l.outer = Shape(dst[:dim]).Numel()
	l.inner = Shape(dst[dim+1:]).Numel()
	l.dstDim = dst[dim]
	l.srcDim = src[dim]
	return l, nil
}

// indexAddPasses splits index into passes in which every destination slot is
// hit at most once. passes[p][dstIdx] is the source position that updates
// dstIdx in pass p, or -1. Occurrences are assigned in index order, so
// accumulation order per element matches a sequential loop.
func indexAddPasses(index []int32, dstDim int) [][]int32 {
	seen := make([]int, dstDim)
	var passes [][]int32
	for i, idx := range index {
		p := seen[idx]
		seen[idx]++
		for len(passes) <= p {
			lut := make([]int32, dstDim)
			for j := range lut {
				lut[j] = -1
			}
			passes = append(passes, lut)
		}
		passes[p][idx] = int32(i)
	}
	return passes
}
