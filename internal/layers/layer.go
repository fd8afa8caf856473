// Package layers implements the layer execution engine: the contract every
// layer kind satisfies, the shared lifecycle plumbing, and the canonical
// entrywise, dropout and covariance layers.
//
// A layer moves through a fixed lifecycle driven by the external model
// driver:
//
//	Unconfigured --SetupDims--> DimsSet --SetupData--> DataReady
//
// and reaches Ready when the first compute call lazily builds its
// accelerator resources. Forward and Backward then run once per layer per
// mini-batch in the topological order the driver imposes; the engine never
// schedules work itself.
package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/comm"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/dist"
)

// Phase is a layer's position in the setup lifecycle.
type Phase int

const (
	Unconfigured Phase = iota
	DimsSet
	DataReady
	Ready
)

func (p Phase) String() string {
	switch p {
	case Unconfigured:
		return "unconfigured"
	case DimsSet:
		return "dims_set"
	case DataReady:
		return "data_ready"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Config carries the externally owned collaborators and fixed capacities a
// layer is constructed with.
type Config struct {
	// Comm is the shared communicator handle; never owned by the layer.
	Comm *comm.Comm
	// Mode is the owning model's execution-mode query.
	Mode ModeSource
	// MaxBatch is the model's mini-batch capacity; buffers are allocated
	// for it once and reused for every (possibly smaller) step.
	MaxBatch int
	// Distribution fixes how this layer's buffers are partitioned.
	Distribution dist.Distribution
	// Placement selects host or accelerator compute.
	Placement dist.Placement
	// Accel must be set when Placement is dist.Accel.
	Accel device.Accelerator
}

func (c Config) validate() error {
	if c.Comm == nil {
		return fmt.Errorf("layers: config missing communicator")
	}
	if c.Mode == nil {
		return fmt.Errorf("layers: config missing execution-mode source")
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("layers: invalid mini-batch capacity %d", c.MaxBatch)
	}
	if c.Placement == dist.Accel && c.Accel == nil {
		return fmt.Errorf("layers: accelerator placement requested but no accelerator backend configured")
	}
	return nil
}

// Layer is the execution contract shared by every layer kind. Dispatch is
// always by interface call, never type inspection.
type Layer interface {
	// Name is the graph-unique instance name used in diagnostics.
	Name() string
	// Type is the stable kind identifier ("relu", "dropout", ...).
	Type() string
	// Description is a human-readable parameter summary.
	Description() string

	// SetupDims validates parent shapes and derives the output shape.
	SetupDims() error
	// SetupData allocates the distributed buffers for the resolved shape
	// and the mini-batch capacity.
	SetupData() error
	// Forward reads parent activations (never mutating them) and writes
	// this layer's activations for a batch of the given width.
	Forward(batch int) error
	// Backward reads the accumulated gradient w.r.t. this layer's output
	// and accumulates — never overwrites — gradients w.r.t. each input,
	// propagating them into the parents' staging buffers.
	Backward(batch int) error
	// Clone returns a deep, storage-independent copy with its own (lazily
	// rebuilt) accelerator resources.
	Clone() Layer
	// Close releases accelerator resources, then host buffers.
	Close() error

	OutputShape() dist.Shape
	// Activations is this layer's output buffer; children read it only.
	Activations() *dist.Matrix
	// GradWrtOutput is the staging buffer children accumulate into.
	GradWrtOutput() *dist.Matrix
	// ErrorSignals is the gradient w.r.t. the given parent's output,
	// produced by this layer's Backward.
	ErrorSignals(parent int) *dist.Matrix
	// AccumulateGradWrtOutput adds src into this layer's output-gradient
	// staging buffer. Children use it; it never overwrites.
	AccumulateGradWrtOutput(src *dist.Matrix)
	// ZeroGradients clears gradient staging between steps.
	ZeroGradients()

	Parents() []Layer
	Children() []Layer
	addParent(Layer)
	addChild(Layer)
}

// Connect wires parent -> child in the execution graph. Both sides hold
// non-owning references. Must precede SetupDims on the child.
func Connect(parent, child Layer) {
	parent.addChild(child)
	child.addParent(parent)
}

// base carries the state and lifecycle plumbing shared by all layer kinds.
// Concrete layers embed it and keep their math in their own Forward and
// Backward; there is no virtual dispatch through base.
type base struct {
	name     string
	cfg      Config
	parents  []Layer
	children []Layer

	shape   dist.Shape
	acts    *dist.Matrix
	gradOut *dist.Matrix
	errSigs []*dist.Matrix

	descs *device.DescriptorCache
	phase Phase
}

func newBase(name string, cfg Config) base {
	return base{name: name, cfg: cfg}
}

func (b *base) Name() string            { return b.name }
func (b *base) OutputShape() dist.Shape { return b.shape }
func (b *base) Parents() []Layer        { return b.parents }
func (b *base) Children() []Layer       { return b.children }
func (b *base) addParent(l Layer)       { b.parents = append(b.parents, l) }
func (b *base) addChild(l Layer)        { b.children = append(b.children, l) }

func (b *base) Activations() *dist.Matrix   { return b.acts }
func (b *base) GradWrtOutput() *dist.Matrix { return b.gradOut }

func (b *base) ErrorSignals(parent int) *dist.Matrix {
	return b.errSigs[parent]
}

func (b *base) AccumulateGradWrtOutput(src *dist.Matrix) {
	dist.Axpy(1, src, b.gradOut)
}

func (b *base) ZeroGradients() {
	if b.gradOut != nil && !b.gradOut.Locked() {
		b.gradOut.Zero()
	}
	for _, e := range b.errSigs {
		e.Zero()
	}
}

// requirePhase guards lifecycle ordering.
func (b *base) requirePhase(want Phase, op string) error {
	if b.phase != want {
		return fmt.Errorf("layers: %s called on layer %q in phase %s, want %s",
			op, b.name, b.phase, want)
	}
	return nil
}

// setupDims runs the shared SetupDims work: config validation and parent
// shape checks. Layer-specific shape rules run in the caller.
func (b *base) setupDims(wantParents int) error {
	if err := b.requirePhase(Unconfigured, "SetupDims"); err != nil {
		return err
	}
	if err := b.cfg.validate(); err != nil {
		return fmt.Errorf("layer %q: %w", b.name, err)
	}
	if len(b.parents) != wantParents {
		return fmt.Errorf("layers: layer %q expects %d parent(s), has %d",
			b.name, wantParents, len(b.parents))
	}
	for _, p := range b.parents {
		if err := p.OutputShape().Validate(); err != nil {
			return fmt.Errorf("layers: layer %q parent %q: %w", b.name, p.Name(), err)
		}
	}
	return nil
}

func (b *base) finishSetupDims(shape dist.Shape) error {
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("layers: layer %q output shape: %w", b.name, err)
	}
	b.shape = shape.Clone()
	b.phase = DimsSet
	return nil
}

// setupData allocates the activation, output-gradient and per-parent
// error-signal buffers at mini-batch capacity.
func (b *base) setupData() error {
	if err := b.requirePhase(DimsSet, "SetupData"); err != nil {
		return err
	}
	c, d, p := b.cfg.Comm, b.cfg.Distribution, b.cfg.Placement
	b.acts = dist.NewMatrix(c, d, p)
	b.acts.Resize(b.shape.Flat(), b.cfg.MaxBatch)
	b.gradOut = dist.NewMatrix(c, d, p)
	b.gradOut.Resize(b.shape.Flat(), b.cfg.MaxBatch)
	b.errSigs = make([]*dist.Matrix, len(b.parents))
	for i, parent := range b.parents {
		m := dist.NewMatrix(c, d, p)
		m.Resize(parent.OutputShape().Flat(), b.cfg.MaxBatch)
		b.errSigs[i] = m
	}
	if b.cfg.Placement == dist.Accel {
		b.descs = device.NewDescriptorCache(b.cfg.Accel)
	}
	b.phase = DataReady
	return nil
}

// beginForward validates the step, resizes the activation buffer to the
// step's batch width and prepares the gradient staging for accumulation.
// Resizing is amortized: no allocation while the batch width is stable.
func (b *base) beginForward(batch int) error {
	if b.phase != DataReady && b.phase != Ready {
		return fmt.Errorf("layers: Forward called on layer %q in phase %s", b.name, b.phase)
	}
	if batch < 1 || batch > b.cfg.MaxBatch {
		return fmt.Errorf("layers: layer %q batch %d outside capacity %d",
			b.name, batch, b.cfg.MaxBatch)
	}
	for _, p := range b.parents {
		if _, w := p.Activations().Dims(); w != batch {
			return fmt.Errorf("layers: layer %q parent %q activations have batch %d, want %d",
				b.name, p.Name(), w, batch)
		}
	}
	b.acts.Resize(b.shape.Flat(), batch)
	b.gradOut.Resize(b.shape.Flat(), batch)
	b.gradOut.Zero()
	for i, parent := range b.parents {
		b.errSigs[i].Resize(parent.OutputShape().Flat(), batch)
		b.errSigs[i].Zero()
	}
	b.phase = Ready
	return nil
}

func (b *base) beginBackward(batch int) error {
	if err := b.requirePhase(Ready, "Backward"); err != nil {
		return err
	}
	if _, w := b.gradOut.Dims(); w != batch {
		return fmt.Errorf("layers: layer %q backward batch %d does not match forward batch %d",
			b.name, batch, w)
	}
	return nil
}

// finishBackward pushes each computed input gradient into the matching
// parent's staging buffer, additively.
func (b *base) finishBackward() {
	for i, parent := range b.parents {
		parent.AccumulateGradWrtOutput(b.errSigs[i])
	}
}

// parentActs is the read-only view of parent i's output.
func (b *base) parentActs(i int) *dist.Matrix {
	return b.parents[i].Activations()
}

func (b *base) mode() Mode {
	return b.cfg.Mode.ExecutionMode()
}

func (b *base) onAccel() bool {
	return b.cfg.Placement == dist.Accel
}

// cloneBase deep-copies the shared state. Parent and child references stay
// shared (the graph is external); buffers are independent; the descriptor
// cache starts empty and is rebuilt lazily by the clone's first compute.
func (b *base) cloneBase() base {
	out := base{
		name:     b.name,
		cfg:      b.cfg,
		parents:  append([]Layer(nil), b.parents...),
		children: append([]Layer(nil), b.children...),
		shape:    b.shape.Clone(),
		phase:    b.phase,
	}
	if b.acts != nil {
		out.acts = b.acts.Clone()
	}
	if b.gradOut != nil {
		out.gradOut = b.gradOut.Clone()
	}
	if b.errSigs != nil {
		out.errSigs = make([]*dist.Matrix, len(b.errSigs))
		for i, e := range b.errSigs {
			out.errSigs[i] = e.Clone()
		}
	}
	if b.cfg.Placement == dist.Accel {
		out.descs = device.NewDescriptorCache(b.cfg.Accel)
		out.phase = min(b.phase, DataReady)
	}
	return out
}

// closeBase releases accelerator-side resources first, then drops the host
// buffers. Descriptors may reference host storage indirectly, so the order
// is load-bearing.
func (b *base) closeBase() error {
	var err error
	if b.descs != nil {
		err = b.descs.Close()
		b.descs = nil
	}
	b.acts = nil
	b.gradOut = nil
	b.errSigs = nil
	b.phase = Unconfigured
	return err
}
