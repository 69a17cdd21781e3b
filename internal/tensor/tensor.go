// Package tensor is the user-facing tensor API: creation on the host,
// explicit transfers between devices, elementwise and matrix ops dispatched to
// the owning device, and approximate comparison of results.
package tensor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-hammerblade/internal/device"
)

var ErrNotOnHost = errors.New("tensor is not in host memory")

// Runtime binds tensors to a device registry.
type Runtime struct {
	reg *device.Registry
}

func NewRuntime(reg *device.Registry) *Runtime {
	return &Runtime{reg: reg}
}

// Default uses device.Default.
var Default = NewRuntime(device.Default)

// Registry returns the registry backing the runtime.
func (r *Runtime) Registry() *device.Registry {
	return r.reg
}

// Tensor is a device tensor together with the backend that owns it.
type Tensor struct {
	raw     device.Tensor
	backend device.Backend
	rt      *Runtime
}

func (r *Runtime) wrap(raw device.Tensor, b device.Backend) *Tensor {
	return &Tensor{raw: raw, backend: b, rt: r}
}

func (r *Runtime) host() (device.Backend, error) {
	return r.reg.Lookup(device.CPU)
}

// FromFloat32 copies values into a new host tensor of the given shape.
func (r *Runtime) FromFloat32(values []float32, shape ...int) (*Tensor, error) {
	b, err := r.host()
	if err != nil {
		return nil, err
	}
	raw, err := b.NewTensor(device.Shape(shape), values)
	if err != nil {
		return nil, err
	}
	return r.wrap(raw, b), nil
}

// Zeros returns a zero-filled host tensor.
func (r *Runtime) Zeros(shape ...int) (*Tensor, error) {
	return r.FromFloat32(nil, shape...)
}

// Full returns a host tensor with every element set to v.
func (r *Runtime) Full(v float32, shape ...int) (*Tensor, error) {
	if err := device.Shape(shape).Validate(); err != nil {
		return nil, err
	}
	values := make([]float32, device.Shape(shape).Numel())
	for i := range values {
		values[i] = v
	}
	return r.FromFloat32(values, shape...)
}

// Randn returns a host tensor of standard normal samples drawn from src.
func (r *Runtime) Randn(src rand.Source, shape ...int) (*Tensor, error) {
	if err := device.Shape(shape).Validate(); err != nil {
		return nil, err
	}
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	values := make([]float32, device.Shape(shape).Numel())
	for i := range values {
		values[i] = float32(normal.Rand())
	}
	return r.FromFloat32(values, shape...)
}

func FromFloat32(values []float32, shape ...int) (*Tensor, error) {
	return Default.FromFloat32(values, shape...)
}

func Zeros(shape ...int) (*Tensor, error) {
	return Default.Zeros(shape...)
}

func Full(v float32, shape ...int) (*Tensor, error) {
	return Default.Full(v, shape...)
}

func Randn(src rand.Source, shape ...int) (*Tensor, error) {
	return Default.Randn(src, shape...)
}

func (t *Tensor) Device() device.Device {
	return t.raw.Device()
}

func (t *Tensor) Shape() device.Shape {
	return t.raw.Shape()
}

func (t *Tensor) Numel() int {
	return t.raw.Numel()
}

// Float32s returns a copy of the values of a host tensor.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.Device() != device.CPU {
		return nil, fmt.Errorf("%w: on %s, call CPU() first", ErrNotOnHost, t.Device())
	}
	return t.raw.ToHost(), nil
}

// To copies the tensor to dev. If it already lives there, t is returned.
func (t *Tensor) To(dev device.Device) (*Tensor, error) {
	if t.Device() == dev {
		return t, nil
	}
	b, err := t.rt.reg.Lookup(dev)
	if err != nil {
		return nil, err
	}
	raw, err := b.NewTensor(t.raw.Shape(), t.raw.ToHost())
	if err != nil {
		return nil, fmt.Errorf("transfer %s -> %s: %w", t.Device(), dev, err)
	}
	return t.rt.wrap(raw, b), nil
}

// HammerBlade copies the tensor to the default HammerBlade device.
func (t *Tensor) HammerBlade() (*Tensor, error) {
	return t.To(device.HammerBlade)
}

// CPU copies the tensor back to host memory.
func (t *Tensor) CPU() (*Tensor, error) {
	return t.To(device.CPU)
}

// Release returns the storage to its backend. t must not be used afterwards.
func (t *Tensor) Release() {
	t.backend.PutTensor(t.raw)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v on %s", t.Shape(), t.Device())
}

// Sign returns sign(x) computed on x's device.
func Sign(ctx context.Context, x *Tensor) (*Tensor, error) {
	raw, err := x.backend.Sign(ctx, x.raw)
	if err != nil {
		return nil, err
	}
	return x.rt.wrap(raw, x.backend), nil
}

// MatMul returns a @ b. Both operands must be on the same device.
func MatMul(ctx context.Context, a, b *Tensor) (*Tensor, error) {
	if a.Device() != b.Device() {
		return nil, sameDeviceError("mm", a, b)
	}
	raw, err := a.backend.MatMul(ctx, a.raw, b.raw)
	if err != nil {
		return nil, err
	}
	return a.rt.wrap(raw, a.backend), nil
}

// IndexAdd performs dst[.., index[i], ..] += alpha * src[.., i, ..] in place.
func IndexAdd(ctx context.Context, dst *Tensor, dim int, index []int32, src *Tensor, alpha float32) error {
	if dst.Device() != src.Device() {
		return sameDeviceError("index_add", dst, src)
	}
	return dst.backend.IndexAdd(ctx, dst.raw, dim, index, src.raw, alpha)
}

func sameDeviceError(op string, a, b *Tensor) error {
	return &device.Error{
		Op:     op,
		Device: a.Device(),
		Err:    fmt.Errorf("%w: expected all tensors on %s, found one on %s", device.ErrDeviceMismatch, a.Device(), b.Device()),
	}
}
