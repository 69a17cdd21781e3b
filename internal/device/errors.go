package device

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrDeviceMismatch    = errors.New("device mismatch")
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrOutOfMemory       = errors.New("device out of memory")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrKernelFault       = errors.New("kernel fault")
)

// Error records the operation and device an error came from.
type Error struct {
	Op     string
	Device Device
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(dev Device, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Device: dev, Err: err}
}

func shapeError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrShapeMismatch}, args...)...)
}
