package layers

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// scalarFn is the strategy an entrywise layer applies: a pure scalar
// function and its derivative, applied independently per element and
// identically on host and accelerator.
type scalarFn struct {
	f  func(float32) float32
	df func(float32) float32
}

// Entrywise applies a scalar function elementwise. All entrywise activation
// kinds share this one implementation and differ only in their strategy and
// accelerator kernel kind — composition instead of an inheritance chain.
type Entrywise struct {
	base
	kind    device.ActivationKind
	fn      scalarFn
	actDesc device.ActivationDescriptor
}

// NewIdentity returns the identity activation: f(z) = z, f'(z) = 1.
//
// TODO: forward could alias the parent's buffer with a locked view instead
// of copying elementwise; backward gradient clearing needs rework first.
func NewIdentity(name string, cfg Config) *Entrywise {
	return &Entrywise{
		base: newBase(name, cfg),
		kind: device.ActivationIdentity,
		fn: scalarFn{
			f:  func(z float32) float32 { return z },
			df: func(float32) float32 { return 1 },
		},
	}
}

// NewReLU returns the rectified-linear activation: f(z) = max(z, 0). The
// derivative at exactly zero is zero, the sub-gradient convention.
func NewReLU(name string, cfg Config) *Entrywise {
	return &Entrywise{
		base: newBase(name, cfg),
		kind: device.ActivationReLU,
		fn: scalarFn{
			f: func(z float32) float32 {
				if z > 0 {
					return z
				}
				return 0
			},
			df: func(z float32) float32 {
				if z > 0 {
					return 1
				}
				return 0
			},
		},
	}
}

func (l *Entrywise) Type() string { return l.kind.String() }

func (l *Entrywise) Description() string {
	return fmt.Sprintf("%s layout: %s device: %s", l.kind, l.cfg.Distribution, l.cfg.Placement)
}

// SetupDims: entrywise transforms preserve their single parent's shape.
func (l *Entrywise) SetupDims() error {
	if err := l.setupDims(1); err != nil {
		return err
	}
	return l.finishSetupDims(l.parents[0].OutputShape())
}

func (l *Entrywise) SetupData() error { return l.setupData() }

func (l *Entrywise) Forward(batch int) error {
	defer observeForward(l.Type(), time.Now())
	if err := l.beginForward(batch); err != nil {
		return err
	}
	if l.onAccel() {
		return l.forwardAccel()
	}
	x := l.parentActs(0).LockedLocal().Data
	y := l.acts.Local().Data
	for i, v := range x {
		y[i] = l.fn.f(v)
	}
	return nil
}

func (l *Entrywise) Backward(batch int) error {
	defer observeBackward(l.Type(), time.Now())
	if err := l.beginBackward(batch); err != nil {
		return err
	}
	if l.onAccel() {
		if err := l.backwardAccel(); err != nil {
			return err
		}
	} else {
		x := l.parentActs(0).LockedLocal().Data
		dy := l.gradOut.LockedLocal().Data
		dx := l.errSigs[0].Local().Data
		for i, v := range x {
			dx[i] += l.fn.df(v) * dy[i]
		}
	}
	l.finishBackward()
	return nil
}

func (l *Entrywise) forwardAccel() error {
	if err := l.ensureActDesc(); err != nil {
		return err
	}
	in := l.parentActs(0)
	ir, ic := in.LocalDims()
	xDesc, err := l.descs.Ensure(device.RoleInput, ir, ic)
	if err != nil {
		return err
	}
	or, oc := l.acts.LocalDims()
	yDesc, err := l.descs.Ensure(device.RoleOutput, or, oc)
	if err != nil {
		return err
	}
	if err := l.cfg.Accel.ActivationForward(l.actDesc,
		xDesc, in.LockedLocal().Data, yDesc, l.acts.Local().Data); err != nil {
		return fmt.Errorf("layers: layer %q ActivationForward: %w", l.name, err)
	}
	return nil
}

func (l *Entrywise) backwardAccel() error {
	if err := l.ensureActDesc(); err != nil {
		return err
	}
	in := l.parentActs(0)
	ir, ic := in.LocalDims()
	xDesc, err := l.descs.Ensure(device.RoleInput, ir, ic)
	if err != nil {
		return err
	}
	gr, gc := l.gradOut.LocalDims()
	dyDesc, err := l.descs.Ensure(device.RoleGradWrtOutput, gr, gc)
	if err != nil {
		return err
	}
	er, ec := l.errSigs[0].LocalDims()
	dxDesc, err := l.descs.Ensure(device.RoleGradWrtInput, er, ec)
	if err != nil {
		return err
	}
	// The kernel accumulates into dx, preserving other children's
	// contributions.
	if err := l.cfg.Accel.ActivationBackward(l.actDesc,
		xDesc, in.LockedLocal().Data,
		dyDesc, l.gradOut.LockedLocal().Data,
		dxDesc, l.errSigs[0].Local().Data); err != nil {
		return fmt.Errorf("layers: layer %q ActivationBackward: %w", l.name, err)
	}
	return nil
}

func (l *Entrywise) ensureActDesc() error {
	if l.actDesc != nil {
		return nil
	}
	d, err := l.cfg.Accel.NewActivationDescriptor(l.kind)
	if err != nil {
		return fmt.Errorf("layers: layer %q NewActivationDescriptor: %w", l.name, err)
	}
	l.actDesc = d
	return nil
}

// Clone returns a deep copy. The activation descriptor is not shared; the
// clone rebuilds its own on first compute.
func (l *Entrywise) Clone() Layer {
	return &Entrywise{base: l.cloneBase(), kind: l.kind, fn: l.fn}
}

func (l *Entrywise) Close() error {
	var err error
	if l.actDesc != nil {
		err = l.actDesc.Destroy()
		l.actDesc = nil
	}
	if cerr := l.closeBase(); err == nil {
		err = cerr
	}
	return err
}
