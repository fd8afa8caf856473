package layers

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/dist"
	"github.com/23skdu/longbow-bodkin/internal/rng"
)

// DisabledKeepProb is the sentinel that turns dropout into a pure
// pass-through in every execution mode.
const DisabledKeepProb float32 = -1

// Dropout probabilistically zeroes activations during training. See:
// Srivastava, Nitish, et al. "Dropout: a simple way to prevent neural
// networks from overfitting." JMLR 15.1 (2014). Survivors are scaled by
// 1/keep_prob at training time, so evaluation needs no rescaling.
//
// With sequential consistency enabled, mask draws come from the
// deterministic global stream and are identical for any process or device
// count. The accelerator path does not honor that mode; selecting both
// logs a warning and proceeds with the library's own RNG.
type Dropout struct {
	base
	keepProb      float32
	seqConsistent bool
	fast          *rng.Fast
	stream        *rng.Stream

	// mask holds the scaled Bernoulli draw of the most recent training
	// forward pass; backward reuses it and never redraws mid-step. Nil
	// when dropout is disabled.
	mask *dist.Matrix

	// Accelerator-path state: the opaque RNG-state buffer persists across
	// forward calls within a run and is reset on clone; reserve carries
	// the library's mask record from forward to backward.
	states   []float32
	reserve  []float32
	scratch  []float32
	dropDesc device.DropoutDescriptor
}

// NewDropout keeps units with probability keepProb in (0, 1]; a negative
// keepProb disables the layer. fast seeds per-process draws and the
// accelerator RNG state; stream is required only for sequential
// consistency.
func NewDropout(name string, cfg Config, keepProb float32, seqConsistent bool,
	fast *rng.Fast, stream *rng.Stream) *Dropout {
	d := &Dropout{
		base:          newBase(name, cfg),
		keepProb:      keepProb,
		seqConsistent: seqConsistent,
		fast:          fast,
		stream:        stream,
	}
	if seqConsistent && cfg.Placement == dist.Accel && cfg.Comm != nil && cfg.Comm.IsMaster() {
		log.Warn().Str("layer", name).
			Msg("accelerator dropout does not guarantee sequential consistency")
	}
	return d
}

func (d *Dropout) Type() string { return "dropout" }

func (d *Dropout) Description() string {
	return fmt.Sprintf("dropout keep_prob: %v layout: %s device: %s",
		d.keepProb, d.cfg.Distribution, d.cfg.Placement)
}

func (d *Dropout) enabled() bool { return d.keepProb >= 0 }

// SetupDims: dropout preserves its single parent's shape. Keep probability
// is validated here so a bad configuration fails before any allocation.
func (d *Dropout) SetupDims() error {
	if err := d.setupDims(1); err != nil {
		return err
	}
	if d.enabled() && (d.keepProb <= 0 || d.keepProb > 1) {
		return fmt.Errorf("layers: dropout layer %q keep probability %v outside (0, 1]",
			d.name, d.keepProb)
	}
	if d.enabled() && d.fast == nil {
		return fmt.Errorf("layers: dropout layer %q has no fast random source", d.name)
	}
	if d.enabled() && d.seqConsistent && d.stream == nil {
		return fmt.Errorf("layers: dropout layer %q requests sequential consistency without a stream source", d.name)
	}
	return d.finishSetupDims(d.parents[0].OutputShape())
}

// SetupData allocates the mask alongside the usual buffers. A disabled
// layer never allocates a mask.
func (d *Dropout) SetupData() error {
	if err := d.setupData(); err != nil {
		return err
	}
	if d.enabled() {
		d.mask = dist.NewMatrix(d.cfg.Comm, d.cfg.Distribution, d.cfg.Placement)
		d.mask.Resize(d.shape.Flat(), d.cfg.MaxBatch)
	}
	return nil
}

func (d *Dropout) Forward(batch int) error {
	defer observeForward(d.Type(), time.Now())
	if err := d.beginForward(batch); err != nil {
		return err
	}

	// Outside training, or when disabled, the layer is an alias of its
	// input: a locked view, not a copy.
	if d.mode() != Training || !d.enabled() {
		d.acts.LockedView(d.parentActs(0))
		return nil
	}

	if d.onAccel() {
		return d.forwardAccel()
	}
	return d.forwardHost(batch)
}

func (d *Dropout) forwardHost(batch int) error {
	in := d.parentActs(0)
	d.mask.Resize(d.shape.Flat(), batch)
	masksDrawn.Inc()

	scale := 1 / d.keepProb
	m := d.mask.Local()
	if d.seqConsistent {
		// Deterministic fill: each element's draw depends only on its
		// global index, so every partitioning produces the same mask.
		_, gw := d.mask.Dims()
		rowOff, colOff := d.mask.RowOffset(), d.mask.ColOffset()
		for i := 0; i < m.Rows; i++ {
			for j := 0; j < m.Cols; j++ {
				k := uint64(rowOff+i)*uint64(gw) + uint64(colOff+j)
				if d.stream.Bernoulli(k, d.keepProb) {
					m.Data[i*m.Stride+j] = scale
				} else {
					m.Data[i*m.Stride+j] = 0
				}
			}
		}
	} else {
		for i := range m.Data {
			if d.fast.Bernoulli(d.keepProb) {
				m.Data[i] = scale
			} else {
				m.Data[i] = 0
			}
		}
	}

	dist.Hadamard(in, d.mask, d.acts)
	return nil
}

func (d *Dropout) Backward(batch int) error {
	defer observeBackward(d.Type(), time.Now())
	if err := d.beginBackward(batch); err != nil {
		return err
	}

	if d.mode() != Training || !d.enabled() {
		// Pure accumulation pass-through.
		dist.Axpy(1, d.gradOut, d.errSigs[0])
		d.finishBackward()
		return nil
	}

	if d.onAccel() {
		if err := d.backwardAccel(); err != nil {
			return err
		}
	} else {
		// Reuse the mask exactly as drawn by the matching forward pass.
		mask := d.mask.LockedLocal().Data
		dy := d.gradOut.LockedLocal().Data
		dx := d.errSigs[0].Local().Data
		for i := range dy {
			dx[i] += mask[i] * dy[i]
		}
	}
	d.finishBackward()
	return nil
}

func (d *Dropout) forwardAccel() error {
	if err := d.ensureDropDesc(); err != nil {
		return err
	}
	in := d.parentActs(0)
	ir, ic := in.LocalDims()
	xDesc, err := d.descs.Ensure(device.RoleInput, ir, ic)
	if err != nil {
		return err
	}
	or, oc := d.acts.LocalDims()
	yDesc, err := d.descs.Ensure(device.RoleOutput, or, oc)
	if err != nil {
		return err
	}

	// Reserve space grows with the input; never shrinks within a run.
	need, err := d.cfg.Accel.DropoutReserveSize(xDesc)
	if err != nil {
		return fmt.Errorf("layers: layer %q DropoutReserveSize: %w", d.name, err)
	}
	if cap(d.reserve) < need {
		d.reserve = make([]float32, need)
	} else {
		d.reserve = d.reserve[:need]
	}

	if err := d.cfg.Accel.DropoutForward(d.dropDesc,
		xDesc, in.LockedLocal().Data,
		yDesc, d.acts.Local().Data, d.reserve); err != nil {
		return fmt.Errorf("layers: layer %q DropoutForward: %w", d.name, err)
	}
	return nil
}

func (d *Dropout) backwardAccel() error {
	if err := d.ensureDropDesc(); err != nil {
		return err
	}
	gr, gc := d.gradOut.LocalDims()
	dyDesc, err := d.descs.Ensure(device.RoleGradWrtOutput, gr, gc)
	if err != nil {
		return err
	}
	er, ec := d.errSigs[0].LocalDims()
	dxDesc, err := d.descs.Ensure(device.RoleGradWrtInput, er, ec)
	if err != nil {
		return err
	}

	// The vendor kernel overwrites its output, so route it through
	// scratch and accumulate, keeping the additive error-signal contract.
	dx := d.errSigs[0].Local().Data
	if cap(d.scratch) < len(dx) {
		d.scratch = make([]float32, len(dx))
	} else {
		d.scratch = d.scratch[:len(dx)]
	}
	if err := d.cfg.Accel.DropoutBackward(d.dropDesc,
		dyDesc, d.gradOut.LockedLocal().Data,
		dxDesc, d.scratch, d.reserve); err != nil {
		return fmt.Errorf("layers: layer %q DropoutBackward: %w", d.name, err)
	}
	for i := range dx {
		dx[i] += d.scratch[i]
	}
	return nil
}

// ensureDropDesc lazily builds the accelerator RNG state and dropout
// descriptor. The state buffer is sized by the library and persists across
// forward calls within one run.
func (d *Dropout) ensureDropDesc() error {
	if d.dropDesc != nil {
		return nil
	}
	n, err := d.cfg.Accel.DropoutStatesSize()
	if err != nil {
		return fmt.Errorf("layers: layer %q DropoutStatesSize: %w", d.name, err)
	}
	if cap(d.states) < n {
		d.states = make([]float32, n)
	} else {
		d.states = d.states[:n]
	}
	desc, err := d.cfg.Accel.NewDropoutDescriptor(1-d.keepProb, d.states, d.fast.Uint64())
	if err != nil {
		return fmt.Errorf("layers: layer %q NewDropoutDescriptor: %w", d.name, err)
	}
	d.dropDesc = desc
	return nil
}

// Clone returns a deep copy. The mask is copied; accelerator RNG state and
// descriptors are deliberately reset and rebuilt lazily by the clone.
func (d *Dropout) Clone() Layer {
	out := &Dropout{
		base:          d.cloneBase(),
		keepProb:      d.keepProb,
		seqConsistent: d.seqConsistent,
		fast:          d.fast,
		stream:        d.stream,
	}
	if d.mask != nil {
		out.mask = d.mask.Clone()
	}
	return out
}

func (d *Dropout) Close() error {
	var err error
	if d.dropDesc != nil {
		err = d.dropDesc.Destroy()
		d.dropDesc = nil
	}
	if cerr := d.closeBase(); err == nil {
		err = cerr
	}
	d.states = nil
	d.reserve = nil
	d.scratch = nil
	d.mask = nil
	return err
}
