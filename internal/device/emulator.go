package device

import (
	"fmt"
	"math/rand/v2"
)

// ensure interface compliance
var _ Accelerator = (*Emulator)(nil)
var _ TensorDescriptor = (*emuTensorDesc)(nil)

// emuStatesSize is the opaque RNG-state length the emulator reports. The
// value is arbitrary; callers must treat the buffer as opaque.
const emuStatesSize = 64

// Emulator is a pure-Go accelerator backend. It runs kernels synchronously
// on host memory and validates on every launch that each descriptor's
// recorded shape matches the buffer it is applied to, failing the call on
// any mismatch. The demo driver uses it to exercise the accelerator code
// path without hardware; tests use the same checks to catch stale
// descriptors.
type Emulator struct{}

func NewEmulator() *Emulator {
	return &Emulator{}
}

func (e *Emulator) Name() string { return "emulator" }

func (e *Emulator) NewTensorDescriptor(rows, cols int) (TensorDescriptor, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("device: tensor descriptor with negative dims %dx%d", rows, cols)
	}
	descriptorsBuilt.WithLabelValues(e.Name()).Inc()
	return &emuTensorDesc{rows: rows, cols: cols}, nil
}

func (e *Emulator) NewActivationDescriptor(kind ActivationKind) (ActivationDescriptor, error) {
	switch kind {
	case ActivationIdentity, ActivationReLU:
	default:
		return nil, fmt.Errorf("device: unsupported activation kind %d", kind)
	}
	descriptorsBuilt.WithLabelValues(e.Name()).Inc()
	return &emuActDesc{kind: kind}, nil
}

func (e *Emulator) DropoutStatesSize() (int, error) {
	return emuStatesSize, nil
}

func (e *Emulator) DropoutReserveSize(in TensorDescriptor) (int, error) {
	d, err := e.tensorDesc(in)
	if err != nil {
		return 0, err
	}
	// One recorded mask value per element.
	return d.rows * d.cols, nil
}

func (e *Emulator) NewDropoutDescriptor(dropProb float32, states []float32, seed uint64) (DropoutDescriptor, error) {
	if dropProb < 0 || dropProb > 1 {
		return nil, fmt.Errorf("device: drop probability %v out of range", dropProb)
	}
	if len(states) < emuStatesSize {
		return nil, fmt.Errorf("device: dropout states buffer too small: %d < %d", len(states), emuStatesSize)
	}
	descriptorsBuilt.WithLabelValues(e.Name()).Inc()
	return &emuDropDesc{
		dropProb: dropProb,
		rng:      rand.New(rand.NewPCG(seed, 0)),
	}, nil
}

func (e *Emulator) ActivationForward(act ActivationDescriptor, xDesc TensorDescriptor, x []float32,
	yDesc TensorDescriptor, y []float32) error {
	a, err := e.actDesc(act)
	if err != nil {
		return err
	}
	if err := e.checkBuffer(xDesc, x); err != nil {
		return err
	}
	if err := e.checkBuffer(yDesc, y); err != nil {
		return err
	}
	kernelLaunches.WithLabelValues(e.Name(), "activation_forward").Inc()
	switch a.kind {
	case ActivationReLU:
		for i, v := range x {
			if v > 0 {
				y[i] = v
			} else {
				y[i] = 0
			}
		}
	default: // identity
		copy(y, x)
	}
	return nil
}

func (e *Emulator) ActivationBackward(act ActivationDescriptor, xDesc TensorDescriptor, x []float32,
	dyDesc TensorDescriptor, dy []float32, dxDesc TensorDescriptor, dx []float32) error {
	a, err := e.actDesc(act)
	if err != nil {
		return err
	}
	if err := e.checkBuffer(xDesc, x); err != nil {
		return err
	}
	if err := e.checkBuffer(dyDesc, dy); err != nil {
		return err
	}
	if err := e.checkBuffer(dxDesc, dx); err != nil {
		return err
	}
	kernelLaunches.WithLabelValues(e.Name(), "activation_backward").Inc()
	switch a.kind {
	case ActivationReLU:
		// Sub-gradient convention: derivative at exactly zero is zero.
		for i, v := range x {
			if v > 0 {
				dx[i] += dy[i]
			}
		}
	default: // identity
		for i := range dx {
			dx[i] += dy[i]
		}
	}
	return nil
}

func (e *Emulator) DropoutForward(drop DropoutDescriptor, xDesc TensorDescriptor, x []float32,
	yDesc TensorDescriptor, y []float32, reserve []float32) error {
	d, err := e.dropDesc(drop)
	if err != nil {
		return err
	}
	if err := e.checkBuffer(xDesc, x); err != nil {
		return err
	}
	if err := e.checkBuffer(yDesc, y); err != nil {
		return err
	}
	if len(reserve) < len(x) {
		return fmt.Errorf("device: dropout reserve too small: %d < %d", len(reserve), len(x))
	}
	kernelLaunches.WithLabelValues(e.Name(), "dropout_forward").Inc()
	keep := 1 - d.dropProb
	scale := float32(1) / keep
	for i, v := range x {
		if d.rng.Float32() < keep {
			y[i] = v * scale
			reserve[i] = scale
		} else {
			y[i] = 0
			reserve[i] = 0
		}
	}
	return nil
}

func (e *Emulator) DropoutBackward(drop DropoutDescriptor, dyDesc TensorDescriptor, dy []float32,
	dxDesc TensorDescriptor, dx []float32, reserve []float32) error {
	if _, err := e.dropDesc(drop); err != nil {
		return err
	}
	if err := e.checkBuffer(dyDesc, dy); err != nil {
		return err
	}
	if err := e.checkBuffer(dxDesc, dx); err != nil {
		return err
	}
	if len(reserve) < len(dy) {
		return fmt.Errorf("device: dropout reserve too small: %d < %d", len(reserve), len(dy))
	}
	kernelLaunches.WithLabelValues(e.Name(), "dropout_backward").Inc()
	// Overwrite semantics, matching the vendor kernel.
	for i := range dy {
		dx[i] = dy[i] * reserve[i]
	}
	return nil
}

func (e *Emulator) Synchronize() error {
	// Emulated kernels run synchronously.
	return nil
}

func (e *Emulator) checkBuffer(desc TensorDescriptor, buf []float32) error {
	d, err := e.tensorDesc(desc)
	if err != nil {
		return err
	}
	if d.rows*d.cols != len(buf) {
		shapeMismatches.WithLabelValues(e.Name()).Inc()
		return fmt.Errorf("device: descriptor shape %dx%d does not match buffer length %d",
			d.rows, d.cols, len(buf))
	}
	return nil
}

func (e *Emulator) tensorDesc(desc TensorDescriptor) (*emuTensorDesc, error) {
	d, ok := desc.(*emuTensorDesc)
	if !ok {
		return nil, fmt.Errorf("device: foreign tensor descriptor %T", desc)
	}
	if d.destroyed {
		return nil, ErrDestroyed
	}
	return d, nil
}

func (e *Emulator) actDesc(desc ActivationDescriptor) (*emuActDesc, error) {
	d, ok := desc.(*emuActDesc)
	if !ok {
		return nil, fmt.Errorf("device: foreign activation descriptor %T", desc)
	}
	if d.destroyed {
		return nil, ErrDestroyed
	}
	return d, nil
}

func (e *Emulator) dropDesc(desc DropoutDescriptor) (*emuDropDesc, error) {
	d, ok := desc.(*emuDropDesc)
	if !ok {
		return nil, fmt.Errorf("device: foreign dropout descriptor %T", desc)
	}
	if d.destroyed {
		return nil, ErrDestroyed
	}
	return d, nil
}

type emuTensorDesc struct {
	rows, cols int
	destroyed  bool
}

func (d *emuTensorDesc) Dims() (int, int) { return d.rows, d.cols }

func (d *emuTensorDesc) Destroy() error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.destroyed = true
	descriptorsDestroyed.WithLabelValues("emulator").Inc()
	return nil
}

type emuActDesc struct {
	kind      ActivationKind
	destroyed bool
}

func (d *emuActDesc) Kind() ActivationKind { return d.kind }

func (d *emuActDesc) Destroy() error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.destroyed = true
	descriptorsDestroyed.WithLabelValues("emulator").Inc()
	return nil
}

type emuDropDesc struct {
	dropProb  float32
	rng       *rand.Rand
	destroyed bool
}

func (d *emuDropDesc) Destroy() error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.destroyed = true
	descriptorsDestroyed.WithLabelValues("emulator").Inc()
	return nil
}
