package device

import (
	"fmt"
	"sort"
	"sync"
)

const wordBytes = 4

// dram is the device-side memory of a HammerBlade. Storage is a fixed arena
// of float32 words handed out by a first-fit allocator. The arena is never
// reallocated, so kernels may index words without holding mu.
type dram struct {
	mu    sync.Mutex
	words []float32
	free  []span // sorted by off, non-adjacent
	used  map[int]int
	inUse int
}

type span struct {
	off int
	n   int
}

func newDRAM(bytes int64) *dram {
	n := int(bytes / wordBytes)
	d := &dram{
		words: make([]float32, n),
		used:  make(map[int]int),
	}
	if n > 0 {
		d.free = []span{{off: 0, n: n}}
	}
	return d
}

// alloc reserves n words and returns their offset. Zero-sized requests get a
// sentinel offset of -1 and never touch the free list.
func (d *dram) alloc(n int) (int, error) {
	if n == 0 {
		return -1, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, s := range d.free {
		if s.n < n {
			continue
		}
		off := s.off
		if s.n == n {
			d.free = append(d.free[:i], d.free[i+1:]...)
		} else {
			d.free[i] = span{off: s.off + n, n: s.n - n}
		}
		d.used[off] = n
		d.inUse += n
		clear(d.words[off : off+n])
		return off, nil
	}
	return 0, fmt.Errorf("%w: need %d bytes, %d of %d bytes in use", ErrOutOfMemory, n*wordBytes, d.inUse*wordBytes, len(d.words)*wordBytes)
}

// release returns a block to the free list, merging it with its neighbours.
func (d *dram) release(off int) {
	if off < 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.used[off]
	if !ok {
		return
	}
	delete(d.used, off)
	d.inUse -= n

	i := sort.Search(len(d.free), func(i int) bool { return d.free[i].off > off })
	d.free = append(d.free, span{})
	copy(d.free[i+1:], d.free[i:])
	d.free[i] = span{off: off, n: n}

	// merge with right neighbour
	if i+1 < len(d.free) && d.free[i].off+d.free[i].n == d.free[i+1].off {
		d.free[i].n += d.free[i+1].n
		d.free = append(d.free[:i+1], d.free[i+2:]...)
	}
	// merge with left neighbour
	if i > 0 && d.free[i-1].off+d.free[i-1].n == d.free[i].off {
		d.free[i-1].n += d.free[i].n
		d.free = append(d.free[:i], d.free[i+1:]...)
	}
}

// region returns the words backing a block.
func (d *dram) region(off, n int) []float32 {
	if off < 0 {
		return nil
	}
	return d.words[off : off+n]
}

// usage reports allocated and total bytes.
func (d *dram) usage() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(d.inUse) * wordBytes, int64(len(d.words)) * wordBytes
}

func (d *dram) freeSpans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.free)
}
