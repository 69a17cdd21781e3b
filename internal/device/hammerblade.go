package device

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Check interface compliance
var _ Backend = (*HammerBladeBackend)(nil)
var _ Tensor = (*HBTensor)(nil)

// HammerBladeConfig sizes the simulated manycore.
type HammerBladeConfig struct {
	Index     int
	TilesX    int
	TilesY    int
	DRAMBytes int64

	// MaxFailures consecutive kernel faults open the circuit breaker;
	// CoolDown later a single trial launch is let through.
	MaxFailures int
	CoolDown    time.Duration
}

// DefaultHammerBladeConfig is a 16x8 tile group with 64MB of DRAM.
func DefaultHammerBladeConfig() HammerBladeConfig {
	return HammerBladeConfig{
		TilesX:      16,
		TilesY:      8,
		DRAMBytes:   64 << 20,
		MaxFailures: 3,
		CoolDown:    5 * time.Second,
	}
}

func (c HammerBladeConfig) Validate() error {
	if c.TilesX <= 0 || c.TilesY <= 0 {
		return fmt.Errorf("%w: tile group %dx%d", ErrInvalidArgument, c.TilesX, c.TilesY)
	}
	if c.DRAMBytes < wordBytes {
		return fmt.Errorf("%w: dram size %d bytes", ErrInvalidArgument, c.DRAMBytes)
	}
	if c.Index < 0 {
		return fmt.Errorf("%w: device index %d", ErrInvalidArgument, c.Index)
	}
	return nil
}

// HammerBladeBackend runs kernels on a simulated tile group whose tensors
// live in a private DRAM arena. Data moves only through explicit host/device
// copies.
type HammerBladeBackend struct {
	cfg     HammerBladeConfig
	dev     Device
	mem     *dram
	breaker *CircuitBreaker
}

func NewHammerBladeBackend(cfg HammerBladeConfig) (*HammerBladeBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &HammerBladeBackend{
		cfg:     cfg,
		dev:     Device{Kind: KindHammerBlade, Index: cfg.Index},
		mem:     newDRAM(cfg.DRAMBytes),
		breaker: NewCircuitBreaker(cfg.MaxFailures, cfg.CoolDown),
	}
	log.Info().
		Str("device", b.dev.String()).
		Int("tiles_x", cfg.TilesX).
		Int("tiles_y", cfg.TilesY).
		Int64("dram_bytes", cfg.DRAMBytes).
		Msg("HammerBlade device initialized")
	return b, nil
}

func (b *HammerBladeBackend) Name() string {
	return fmt.Sprintf("HammerBlade-%dx%d", b.cfg.TilesX, b.cfg.TilesY)
}

func (b *HammerBladeBackend) Device() Device {
	return b.dev
}

func (b *HammerBladeBackend) Config() HammerBladeConfig {
	return b.cfg
}

// GetVRAMUsage reports allocated and total device DRAM in bytes.
func (b *HammerBladeBackend) GetVRAMUsage() (int64, int64) {
	return b.mem.usage()
}

// BreakerState exposes the launch circuit breaker state.
func (b *HammerBladeBackend) BreakerState() BreakerState {
	return b.breaker.State()
}

func (b *HammerBladeBackend) NewTensor(shape Shape, data []float32) (Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, opError(b.dev, "new_tensor", err)
	}
	if data != nil && len(data) != shape.Numel() {
		return nil, opError(b.dev, "new_tensor", shapeError("%d values for shape %v", len(data), shape))
	}
	t, err := b.GetTensor(shape)
	if err != nil {
		return nil, err
	}
	if data != nil {
		t.CopyFromFloat32(data)
	}
	return t, nil
}

func (b *HammerBladeBackend) GetTensor(shape Shape) (Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, opError(b.dev, "malloc", err)
	}
	n := shape.Numel()
	off, err := b.mem.alloc(n)
	if err != nil {
		return nil, opError(b.dev, "malloc", err)
	}
	b.reportUsage()
	return &HBTensor{
		backend: b,
		addr:    off,
		n:       n,
		shape:   shape.Clone(),
	}, nil
}

// PutTensor frees the tensor's DRAM. The tensor must not be used afterwards.
func (b *HammerBladeBackend) PutTensor(t Tensor) {
	ht, ok := t.(*HBTensor)
	if !ok || ht.backend != b || ht.freed {
		return
	}
	ht.freed = true
	b.mem.release(ht.addr)
	b.reportUsage()
}

func (b *HammerBladeBackend) Synchronize() {
	// Launches block until the tile group finishes.
}

func (b *HammerBladeBackend) reportUsage() {
	used, _ := b.mem.usage()
	dramAllocatedBytes.WithLabelValues(b.dev.String()).Set(float64(used))
}

func (b *HammerBladeBackend) own(op string, t Tensor) (*HBTensor, error) {
	ht, ok := t.(*HBTensor)
	if !ok || ht.backend != b {
		return nil, opError(b.dev, op, fmt.Errorf("%w: operand on %s", ErrDeviceMismatch, t.Device()))
	}
	if ht.freed {
		return nil, opError(b.dev, op, fmt.Errorf("%w: use of freed tensor", ErrInvalidArgument))
	}
	return ht, nil
}

// HBTensor is a tensor whose storage lives in HammerBlade DRAM.
type HBTensor struct {
	backend *HammerBladeBackend
	addr    int
	n       int
	shape   Shape
	freed   bool
}

func (t *HBTensor) Shape() Shape {
	return t.shape.Clone()
}

func (t *HBTensor) Numel() int {
	return t.n
}

func (t *HBTensor) Device() Device {
	return t.backend.dev
}

// Data returns nil: device memory is not host addressable.
func (t *HBTensor) Data() []float32 {
	return nil
}

// words is the kernel-side view of the tensor.
func (t *HBTensor) words() []float32 {
	return t.backend.mem.region(t.addr, t.n)
}

// ToHost performs a device-to-host DMA.
func (t *HBTensor) ToHost() []float32 {
	out := make([]float32, t.n)
	copy(out, t.words())
	dmaBytes.WithLabelValues(dmaDeviceToHost).Add(float64(t.n * wordBytes))
	return out
}

// CopyFromFloat32 performs a host-to-device DMA.
func (t *HBTensor) CopyFromFloat32(data []float32) {
	if len(data) != t.n {
		panic("CopyFromFloat32: size mismatch")
	}
	copy(t.words(), data)
	dmaBytes.WithLabelValues(dmaHostToDevice).Add(float64(t.n * wordBytes))
}

func (b *HammerBladeBackend) Sign(ctx context.Context, x Tensor) (Tensor, error) {
	xt, err := b.own("sign", x)
	if err != nil {
		return nil, err
	}
	out, err := b.GetTensor(xt.shape)
	if err != nil {
		return nil, err
	}
	if err := b.launch(ctx, "tensorlib_sign", signKernel(out.(*HBTensor).words(), xt.words())); err != nil {
		b.PutTensor(out)
		return nil, opError(b.dev, "sign", err)
	}
	return out, nil
}

func (b *HammerBladeBackend) MatMul(ctx context.Context, a, bm Tensor) (Tensor, error) {
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
		return nil, opError(b.dev, "mm", err)
	}
	out, err := b.GetTensor(Shape{m, n})
	if err != nil {
		return nil, err
	}
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}

	body := mmKernel(out.(*HBTensor).words(), at.words(), bt.words(), m, k, n)
	if err := b.launch(ctx, "tensorlib_mm", body); err != nil {
		b.PutTensor(out)
		return nil, opError(b.dev, "mm", err)
	}
	return out, nil
}

func (b *HammerBladeBackend) IndexAdd(ctx context.Context, dst Tensor, dim int, index []int32, src Tensor, alpha float32) error {
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
		return opError(b.dev, "index_add", err)
	}
	if len(index) == 0 || l.sliceSize() == 0 {
		return nil
	}

	passes := indexAddPasses(index, l.dstDim)
	body := indexAddKernel(dt.words(), st.words(), l, passes, alpha)
	return opError(b.dev, "index_add", b.launch(ctx, "tensorlib_index_add", body))
}
