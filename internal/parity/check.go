package parity

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-hammerblade/internal/device"
	"github.com/23skdu/longbow-hammerblade/internal/tensor"
)

var (
	ErrMismatch    = errors.New("accelerator result differs from host reference")
	ErrWrongDevice = errors.New("accelerator result on unexpected device")
)

// MismatchError carries the parity summary of a failed comparison.
type MismatchError struct {
	Op     string
	Shape  device.Shape
	Parity tensor.Parity
	// Input, Host and Device hold the flat values for post-mortem dumps.
	Input  []float32
	Host   []float32
	Device []float32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s%v: %v: %s", e.Op, e.Shape, ErrMismatch, e.Parity)
}

func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}

// DeviceError reports a result that came back on the wrong device.
type DeviceError struct {
	Op   string
	Want device.Device
	Got  device.Device
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %v: got %s, want %s", e.Op, ErrWrongDevice, e.Got, e.Want)
}

func (e *DeviceError) Unwrap() error {
	return ErrWrongDevice
}

// UnaryOp is an elementwise op that runs on whichever device its input is on.
type UnaryOp struct {
	Name string
	Fn   func(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
}

// SignOp is the elementwise sign.
var SignOp = UnaryOp{Name: "sign", Fn: tensor.Sign}

// Checker runs an op on the host and on Target and compares the results.
type Checker struct {
	Runtime   *tensor.Runtime
	Target    device.Device
	Tolerance []tensor.Option
}

func NewChecker(rt *tensor.Runtime, target device.Device, opts ...tensor.Option) *Checker {
	return &Checker{Runtime: rt, Target: target, Tolerance: opts}
}

// WithTolerance returns a copy of c that compares with opts instead.
func (c *Checker) WithTolerance(opts ...tensor.Option) *Checker {
	cp := *c
	cp.Tolerance = opts
	return &cp
}

// CheckUnary builds the sample on the host, moves it to the target, runs op
// there, checks the result's device, brings it back and compares it against
// op on the host.
func (c *Checker) CheckUnary(ctx context.Context, op UnaryOp, s Sample) (tensor.Parity, error) {
	x, err := c.Runtime.FromFloat32(s.Values, s.Shape...)
	if err != nil {
		return tensor.Parity{}, err
	}
	return c.CheckUnaryTensor(ctx, op, x)
}

// CheckUnaryTensor is CheckUnary for an existing host tensor.
func (c *Checker) CheckUnaryTensor(ctx context.Context, op UnaryOp, x *tensor.Tensor) (tensor.Parity, error) {
	xd, err := x.To(c.Target)
	if err != nil {
		return tensor.Parity{}, err
	}
	defer releaseIfMoved(xd, x)

	want, err := op.Fn(ctx, x)
	if err != nil {
		return tensor.Parity{}, fmt.Errorf("%s on host: %w", op.Name, err)
	}
	got, err := op.Fn(ctx, xd)
	if err != nil {
		return tensor.Parity{}, fmt.Errorf("%s on %s: %w", op.Name, c.Target, err)
	}
	defer releaseIfMoved(got, want)

	if got.Device() != c.Target {
		return tensor.Parity{}, &DeviceError{Op: op.Name, Want: c.Target, Got: got.Device()}
	}
	return c.compare(op.Name, x, got, want)
}

// CheckMatMul checks a @ b on the target against the host.
func (c *Checker) CheckMatMul(ctx context.Context, a, b *tensor.Tensor) (tensor.Parity, error) {
	ad, err := a.To(c.Target)
	if err != nil {
		return tensor.Parity{}, err
	}
	defer releaseIfMoved(ad, a)
	bd, err := b.To(c.Target)
	if err != nil {
		return tensor.Parity{}, err
	}
	defer releaseIfMoved(bd, b)

	want, err := tensor.MatMul(ctx, a, b)
	if err != nil {
		return tensor.Parity{}, fmt.Errorf("mm on host: %w", err)
	}
	got, err := tensor.MatMul(ctx, ad, bd)
	if err != nil {
		return tensor.Parity{}, fmt.Errorf("mm on %s: %w", c.Target, err)
	}
	defer releaseIfMoved(got, want)

	if got.Device() != c.Target {
		return tensor.Parity{}, &DeviceError{Op: "mm", Want: c.Target, Got: got.Device()}
	}
	return c.compare("mm", a, got, want)
}

// CheckIndexAdd checks dst.index_add_(dim, index, src, alpha) on the target
// against the host. dst itself is left untouched.
func (c *Checker) CheckIndexAdd(ctx context.Context, dst *tensor.Tensor, dim int, index []int32, src *tensor.Tensor, alpha float32) (tensor.Parity, error) {
	initial, err := dst.Float32s()
	if err != nil {
		return tensor.Parity{}, err
	}
	want, err := c.Runtime.FromFloat32(initial, dst.Shape()...)
	if err != nil {
		return tensor.Parity{}, err
	}
	if err := tensor.IndexAdd(ctx, want, dim, index, src, alpha); err != nil {
		return tensor.Parity{}, fmt.Errorf("index_add on host: %w", err)
	}

	base, err := c.Runtime.FromFloat32(initial, dst.Shape()...)
	if err != nil {
		return tensor.Parity{}, err
	}
	got, err := base.To(c.Target)
	if err != nil {
		return tensor.Parity{}, err
	}
	defer releaseIfMoved(got, base)
	srcd, err := src.To(c.Target)
	if err != nil {
		return tensor.Parity{}, err
	}
	defer releaseIfMoved(srcd, src)

	if err := tensor.IndexAdd(ctx, got, dim, index, srcd, alpha); err != nil {
		return tensor.Parity{}, fmt.Errorf("index_add on %s: %w", c.Target, err)
	}
	if got.Device() != c.Target {
		return tensor.Parity{}, &DeviceError{Op: "index_add", Want: c.Target, Got: got.Device()}
	}
	return c.compare("index_add", dst, got, want)
}

func (c *Checker) compare(op string, input, got, want *tensor.Tensor) (tensor.Parity, error) {
	back, err := got.CPU()
	if err != nil {
		return tensor.Parity{}, err
	}
	p, err := tensor.Compare(back, want, c.Tolerance...)
	if err != nil {
		return p, err
	}
	if !p.OK() {
		in, _ := input.Float32s()
		host, _ := want.Float32s()
		dev, _ := back.Float32s()
		return p, &MismatchError{Op: op, Shape: want.Shape(), Parity: p, Input: in, Host: host, Device: dev}
	}
	return p, nil
}

// releaseIfMoved frees t when it is a device copy distinct from orig.
func releaseIfMoved(t, orig *tensor.Tensor) {
	if t != orig && t.Device() != device.CPU {
		t.Release()
	}
}
