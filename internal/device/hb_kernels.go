package device

import "github.com/23skdu/longbow-hammerblade/internal/simd"

// blockDim is the edge of a square scratchpad block. 3 blocks of 16x16
// float32 fit in a tile's 4KB scratchpad.
const blockDim = 16

// signKernel: each tile walks the flat tensor with a stride of the tile count.
func signKernel(out, x []float32) func(t *Tile) error {
	return func(t *Tile) error {
		simd.SignStrided(out, x, t.ID, t.Count())
		return nil
	}
}

// mmKernel is a blocked GEMM. Result blocks are dealt out over the tile grid
// (rows by Y, columns by X); each tile stages operand blocks in its own
// scratchpad and writes finished blocks back to DRAM.
func mmKernel(out, a, b []float32, m, k, n int) func(t *Tile) error {
	rowBlocks := (m + blockDim - 1) / blockDim
	midBlocks := (k + blockDim - 1) / blockDim
	colBlocks := (n + blockDim - 1) / blockDim

	return func(t *Tile) error {
		var spA, spBT, spC [blockDim * blockDim]float32

		for rr := t.Y; rr < rowBlocks; rr += t.DimY {
			for rc := t.X; rc < colBlocks; rc += t.DimX {
				clear(spC[:])
				for mid := 0; mid < midBlocks; mid++ {
					loadBlock(spA[:], a, k, rr, mid, m, k)
					loadBlockT(spBT[:], b, n, mid, rc, k, n)
					computeBlock(spC[:], spA[:], spBT[:])
				}
				storeBlock(out, spC[:], n, rr, rc, m, n)
			}
		}
		return nil
	}
}

// loadBlock copies block (br, bc) of a rows x cols matrix into sp, zero padded.
func loadBlock(sp, src []float32, stride, br, bc, rows, cols int) {
	clear(sp)
	for i := 0; i < blockDim; i++ {
		r := br*blockDim + i
		if r >= rows {
			break
		}
		for j := 0; j < blockDim; j++ {
			c := bc*blockDim + j
			if c >= cols {
				break
			}
			sp[i*blockDim+j] = src[r*stride+c]
		}
	}
}

// loadBlockT is loadBlock that stores the block transposed, so the inner
// product in computeBlock runs over contiguous rows of both operands.
func loadBlockT(sp, src []float32, stride, br, bc, rows, cols int) {
	clear(sp)
	for i := 0; i < blockDim; i++ {
		r := br*blockDim + i
		if r >= rows {
			break
		}
		for j := 0; j < blockDim; j++ {
			c := bc*blockDim + j
			if c >= cols {
				break
			}
			sp[j*blockDim+i] = src[r*stride+c]
		}
	}
}

func computeBlock(c, a, bt []float32) {
	for i := 0; i < blockDim; i++ {
		row := a[i*blockDim : (i+1)*blockDim]
		for j := 0; j < blockDim; j++ {
			c[i*blockDim+j] += simd.DotProduct(row, bt[j*blockDim:(j+1)*blockDim])
		}
	}
}

func storeBlock(dst, sp []float32, stride, br, bc, rows, cols int) {
	for i := 0; i < blockDim; i++ {
		r := br*blockDim + i
		if r >= rows {
			break
		}
		for j := 0; j < blockDim; j++ {
			c := bc*blockDim + j
			if c >= cols {
				break
			}
			dst[r*stride+c] = sp[i*blockDim+j]
		}
	}
}

// indexAddKernel runs one pass per entry of passes. Within a pass every
// destination slice has at most one source, so tiles never write the same
// word; the barrier between passes orders repeated indices.
func indexAddKernel(dst, src []float32, l indexAddLayout, passes [][]int32, alpha float32) func(t *Tile) error {
	sliceSize := l.sliceSize()
	total := l.dstDim * sliceSize

	return func(t *Tile) error {
		for _, lut := range passes {
			for linear := t.ID; linear < total; linear += t.Count() {
				dstIndex := linear / sliceSize
				srcIndex := lut[dstIndex]
				if srcIndex < 0 {
					continue
				}
				e := linear % sliceSize
				o, in := e/l.inner, e%l.inner
				dst[l.dstOffset(o, dstIndex, in)] += alpha * src[l.srcOffset(o, int(srcIndex), in)]
			}
			if err := t.Sync(); err != nil {
				return err
			}
		}
		return nil
	}
}
