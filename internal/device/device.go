package device

import "errors"

// Accelerator is the narrow primitive set the layer engine needs from a
// vendor numerical-primitives library: descriptor lifecycle, activation and
// dropout kernels, and the size queries backing dropout's opaque state.
//
// Kernels operate on the local (per-process) buffer of a distributed matrix;
// the descriptors passed in must have been built from that buffer's current
// local shape. Any non-nil error from a primitive is a fatal environment or
// programmer error: callers wrap it with the failing call's name and abort
// the step, never retry.
//
// Kernel launches may be asynchronous relative to the host. Results are
// only guaranteed visible after Synchronize, which the surrounding driver
// owns; the engine itself synchronizes only when it must immediately read a
// value back (e.g. a queried size used to allocate a buffer).
type Accelerator interface {
	Name() string

	// NewTensorDescriptor describes a rows x cols local buffer to the
	// library. The caller owns the descriptor and must Destroy it.
	NewTensorDescriptor(rows, cols int) (TensorDescriptor, error)

	// NewActivationDescriptor configures an entrywise activation kernel.
	NewActivationDescriptor(kind ActivationKind) (ActivationDescriptor, error)

	// DropoutStatesSize returns the length (in float32 elements) of the
	// opaque RNG-state buffer a dropout descriptor requires.
	DropoutStatesSize() (int, error)

	// DropoutReserveSize returns the length (in float32 elements) of the
	// reserve space a dropout forward pass needs for the given input.
	DropoutReserveSize(in TensorDescriptor) (int, error)

	// NewDropoutDescriptor binds a drop probability and the caller-owned
	// RNG-state buffer. The state must persist across forward calls within
	// one training run.
	NewDropoutDescriptor(dropProb float32, states []float32, seed uint64) (DropoutDescriptor, error)

	// ActivationForward computes y = f(x).
	ActivationForward(act ActivationDescriptor, xDesc TensorDescriptor, x []float32,
		yDesc TensorDescriptor, y []float32) error

	// ActivationBackward accumulates dx += f'(x) .* dy. The kernel is
	// launched with accumulate-into semantics (beta = 1).
	ActivationBackward(act ActivationDescriptor, xDesc TensorDescriptor, x []float32,
		dyDesc TensorDescriptor, dy []float32,
		dxDesc TensorDescriptor, dx []float32) error

	// DropoutForward computes y = x .* mask, recording the drawn mask in
	// reserve for the matching backward call.
	DropoutForward(drop DropoutDescriptor, xDesc TensorDescriptor, x []float32,
		yDesc TensorDescriptor, y []float32, reserve []float32) error

	// DropoutBackward computes dx = dy .* mask using the reserve recorded
	// by the matching forward call. Note this overwrites dx — the library
	// kernel has no accumulate form; callers that need accumulation go
	// through a scratch buffer.
	DropoutBackward(drop DropoutDescriptor, dyDesc TensorDescriptor, dy []float32,
		dxDesc TensorDescriptor, dx []float32, reserve []float32) error

	// Synchronize blocks until all queued kernels are complete.
	Synchronize() error
}

// TensorDescriptor is a library-side description of a local buffer's shape.
type TensorDescriptor interface {
	Dims() (rows, cols int)
	Destroy() error
}

// ActivationDescriptor configures an entrywise activation kernel.
type ActivationDescriptor interface {
	Kind() ActivationKind
	Destroy() error
}

// DropoutDescriptor binds a drop probability to library RNG state.
type DropoutDescriptor interface {
	Destroy() error
}

type ActivationKind int

const (
	ActivationIdentity ActivationKind = iota
	ActivationReLU
)

func (k ActivationKind) String() string {
	switch k {
	case ActivationIdentity:
		return "identity"
	case ActivationReLU:
		return "relu"
	default:
		return "unknown"
	}
}

// ErrNotBuilt is returned by accelerator constructors when the binary was
// built without support for that backend.
var ErrNotBuilt = errors.New("device: accelerator support not built")

// ErrDestroyed is returned when a destroyed descriptor is passed to a
// kernel.
var ErrDestroyed = errors.New("device: descriptor already destroyed")
