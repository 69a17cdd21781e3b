package device

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies a family of compute targets.
type Kind int

const (
	KindCPU Kind = iota
	KindHammerBlade
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindHammerBlade:
		return "hammerblade"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Device is the identity of a compute target. Two tensors live on the same
// device iff their Device values are equal.
type Device struct {
	Kind  Kind
	Index int
}

var (
	CPU         = Device{Kind: KindCPU}
	HammerBlade = Device{Kind: KindHammerBlade}
)

func (d Device) String() string {
	if d.Index == 0 {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// ParseDevice accepts "cpu", "hammerblade" and the indexed form "hammerblade:1".
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(strings.TrimSpace(strings.ToLower(s)), ":")

	var d Device
	switch name {
	case "cpu":
		d.Kind = KindCPU
	case "hammerblade", "hb":
		d.Kind = KindHammerBlade
	default:
		return Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, s)
	}

	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("%w: bad index in %q", ErrUnknownDevice, s)
		}
		d.Index = n
	}
	return d, nil
}

// MustParseDevice is ParseDevice for constant device strings.
func MustParseDevice(s string) Device {
	d, err := ParseDevice(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Shape is a row-major tensor shape. An empty shape is a scalar.
type Shape []int

// Numel returns the number of elements described by the shape. It is only
// meaningful for shapes that pass Validate.
func (s Shape) Numel() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Validate rejects negative extents and shapes whose element count does not
// fit in an int.
func (s Shape) Validate() error {
	n := 1
	for i, d := range s {
		if d < 0 {
			return fmt.Errorf("%w: dim %d has negative size %d", ErrInvalidArgument, i, d)
		}
		if d != 0 && n > math.MaxInt/d {
			return fmt.Errorf("%w: shape %v has too many elements", ErrInvalidArgument, s)
		}
		n *= d
	}
	return nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Tensor is a contiguous float32 buffer resident on one device.
type Tensor interface {
	// Shape returns a copy of the tensor's shape.
	Shape() Shape

	Numel() int

	// Device reports where the storage lives.
	Device() Device

	// Data returns the underlying slice if the tensor lives in host memory
	// (nil for device-resident tensors).
	Data() []float32

	// ToHost copies the data to a new Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies host data into the tensor. It panics if the
	// length does not match Numel.
	CopyFromFloat32(data []float32)
}

// Backend creates tensors on a device and runs kernels on them.
type Backend interface {
	Name() string
	Device() Device

	// NewTensor allocates a tensor and, when data is non-nil, fills it.
	NewTensor(shape Shape, data []float32) (Tensor, error)

	// GetTensor gets a zeroed tensor from the pool or allocates a new one.
	GetTensor(shape Shape) (Tensor, error)

	// PutTensor returns a tensor to the pool. Foreign tensors are ignored.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued work is complete.
	Synchronize()

	// Sign returns a new tensor holding sign(x) elementwise.
	Sign(ctx context.Context, x Tensor) (Tensor, error)

	// MatMul returns a @ b for 2-D operands.
	MatMul(ctx context.Context, a, b Tensor) (Tensor, error)

	// IndexAdd accumulates alpha*src into dst along dim:
	// dst[.., index[i], ..] += alpha * src[.., i, ..].
	IndexAdd(ctx context.Context, dst Tensor, dim int, index []int32, src Tensor, alpha float32) error
}
